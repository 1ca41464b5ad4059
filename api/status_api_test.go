/*
Copyright 2025 Pulse Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	model2 "github.com/pulsehq/pulse/api/model"

	"github.com/pulsehq/pulse/config"
	"github.com/pulsehq/pulse/model"

	"github.com/pulsehq/pulse"
	"github.com/pulsehq/pulse/database"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	err := json.NewDecoder(resp.Body).Decode(&s.Response)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func setupRouter() (*gin.Engine, sqlmock.Sqlmock, error) {
	config.MockConfig(&config.Configuration{
		Redis:      config.RedisConfig{Dns: "localhost:6379"},
		DataSource: config.DataSourceConfig{Dns: "postgres://postgres:@localhost:5432/pulse?sslmode=disable"},
	})
	db, mock, err := sqlmock.New()
	if err != nil {
		return nil, nil, err
	}
	newPulse, err := pulse.NewPulse(&database.Datasource{Conn: db})
	if err != nil {
		return nil, nil, err
	}
	router := NewAPI(newPulse).Router()

	return router, mock, nil
}

func statusRow(ownerID, parentID, versionID string, createdAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "owner_id", "parent_id", "version_id", "status_type", "condition",
		"note", "location", "lat", "lng", "share_location", "share_contact",
		"people_count", "categories", "image_url", "expiration_hours",
		"meta_data", "created_at", "updated_at", "deleted_at", "expires_at",
		"retention_until",
	}).AddRow(
		1, ownerID, parentID, versionID, "current", "safe",
		nil, nil, nil, nil, false, false,
		0, "{}", nil, 24,
		[]byte("{}"), createdAt, createdAt, nil, createdAt.Add(24*time.Hour),
		createdAt.AddDate(0, 0, 30),
	)
}

func TestCreateStatus_NewLineage(t *testing.T) {
	router, mock, err := setupRouter()
	if err != nil {
		t.Fatalf("Failed to setup router: %v", err)
	}

	ownerID := gofakeit.UUID()

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO pulse.statuses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	payload := model2.CreateStatus{
		OwnerID:         ownerID,
		Condition:       "safe",
		ExpirationHours: 24,
	}
	body, _ := json.Marshal(payload)

	var response pulse.StatusResult
	testRequest := TestRequest{
		Payload:  bytes.NewBuffer(body),
		Response: &response,
		Method:   "POST",
		Route:    "/statuses",
		Router:   router,
	}

	resp, err := SetUpTestRequest(testRequest)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.True(t, response.Updated)
	assert.NotNil(t, response.Ref)
	assert.Contains(t, response.Ref.VersionID, "-v1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateStatus_MissingOwnerID(t *testing.T) {
	router, _, err := setupRouter()
	if err != nil {
		t.Fatalf("Failed to setup router: %v", err)
	}

	payload := model2.CreateStatus{
		Condition:       "safe",
		ExpirationHours: 24,
	}
	body, _ := json.Marshal(payload)

	var response map[string]interface{}
	testRequest := TestRequest{
		Payload:  bytes.NewBuffer(body),
		Response: &response,
		Method:   "POST",
		Route:    "/statuses",
		Router:   router,
	}

	resp, err := SetUpTestRequest(testRequest)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCreateStatus_BadExpirationWindow(t *testing.T) {
	router, _, err := setupRouter()
	if err != nil {
		t.Fatalf("Failed to setup router: %v", err)
	}

	payload := model2.CreateStatus{
		OwnerID:         gofakeit.UUID(),
		Condition:       "safe",
		ExpirationHours: 6,
	}
	body, _ := json.Marshal(payload)

	var response map[string]interface{}
	testRequest := TestRequest{
		Payload:  bytes.NewBuffer(body),
		Response: &response,
		Method:   "POST",
		Route:    "/statuses",
		Router:   router,
	}

	resp, err := SetUpTestRequest(testRequest)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCreateStatus_IdenticalResubmission(t *testing.T) {
	router, mock, err := setupRouter()
	if err != nil {
		t.Fatalf("Failed to setup router: %v", err)
	}

	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(statusRow(ownerID, parentID, parentID+"-v1", time.Now()))

	payload := model2.CreateStatus{
		OwnerID:   ownerID,
		Condition: "safe",
	}
	body, _ := json.Marshal(payload)

	var response pulse.StatusResult
	testRequest := TestRequest{
		Payload:  bytes.NewBuffer(body),
		Response: &response,
		Method:   "POST",
		Route:    "/statuses",
		Router:   router,
	}

	resp, err := SetUpTestRequest(testRequest)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, response.Updated)
	assert.Nil(t, response.Ref)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveStatus_Found(t *testing.T) {
	router, mock, err := setupRouter()
	if err != nil {
		t.Fatalf("Failed to setup router: %v", err)
	}

	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(statusRow(ownerID, parentID, parentID+"-v1", time.Now()))

	var response model.Status
	testRequest := TestRequest{
		Response: &response,
		Method:   "GET",
		Route:    fmt.Sprintf("/statuses/%s", ownerID),
		Router:   router,
	}

	resp, err := SetUpTestRequest(testRequest)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, ownerID, response.OwnerID)
	assert.Equal(t, parentID+"-v1", response.VersionID)
	assert.Equal(t, "current", response.StatusType)
}

func TestGetActiveStatus_NotFound(t *testing.T) {
	router, mock, err := setupRouter()
	if err != nil {
		t.Fatalf("Failed to setup router: %v", err)
	}

	ownerID := gofakeit.UUID()

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnError(sql.ErrNoRows)

	var response map[string]interface{}
	testRequest := TestRequest{
		Response: &response,
		Method:   "GET",
		Route:    fmt.Sprintf("/statuses/%s", ownerID),
		Router:   router,
	}

	resp, err := SetUpTestRequest(testRequest)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGetStatusHistory(t *testing.T) {
	router, mock, err := setupRouter()
	if err != nil {
		t.Fatalf("Failed to setup router: %v", err)
	}

	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"
	now := time.Now()

	rows := statusRow(ownerID, parentID, parentID+"-v2", now).
		AddRow(
			2, ownerID, parentID, parentID+"-v1", "history", "need_help",
			nil, nil, nil, nil, false, false,
			0, "{}", nil, 24,
			[]byte("{}"), now.Add(-time.Hour), now.Add(-time.Hour), nil, now.Add(23*time.Hour),
			now.AddDate(0, 0, 30),
		)

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(rows)

	var response []model.Status
	testRequest := TestRequest{
		Response: &response,
		Method:   "GET",
		Route:    fmt.Sprintf("/statuses/%s/history", ownerID),
		Router:   router,
	}

	resp, err := SetUpTestRequest(testRequest)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, response, 2)
	assert.Equal(t, parentID+"-v2", response[0].VersionID)
	assert.Equal(t, parentID+"-v1", response[1].VersionID)
}

func TestSoftDeleteStatus(t *testing.T) {
	router, mock, err := setupRouter()
	if err != nil {
		t.Fatalf("Failed to setup router: %v", err)
	}

	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(ownerID, parentID).
		WillReturnRows(statusRow(ownerID, parentID, parentID+"-v1", time.Now()))
	mock.ExpectExec("UPDATE pulse.statuses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var response model.DeleteRef
	testRequest := TestRequest{
		Response: &response,
		Method:   "DELETE",
		Route:    fmt.Sprintf("/statuses/%s/%s", ownerID, parentID),
		Router:   router,
	}

	resp, err := SetUpTestRequest(testRequest)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, parentID, response.ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteStatus_NoCurrentStatus(t *testing.T) {
	router, mock, err := setupRouter()
	if err != nil {
		t.Fatalf("Failed to setup router: %v", err)
	}

	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(ownerID, parentID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	var response map[string]interface{}
	testRequest := TestRequest{
		Response: &response,
		Method:   "DELETE",
		Route:    fmt.Sprintf("/statuses/%s/%s", ownerID, parentID),
		Router:   router,
	}

	resp, err := SetUpTestRequest(testRequest)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
