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

package pulse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/pulsehq/pulse/config"
	"github.com/pulsehq/pulse/internal/apierror"
	"github.com/pulsehq/pulse/model"

	"github.com/pulsehq/pulse/database"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func newTestDataSource() (database.IDataSource, sqlmock.Sqlmock, error) {
	config.MockConfig(&config.Configuration{})
	db, mock, err := sqlmock.New()
	if err != nil {
		log.Printf("an error '%s' was not expected when opening a stub database Connection", err)
	}
	return &database.Datasource{Conn: db}, mock, nil
}

func newTestPulse(t *testing.T) (*Pulse, sqlmock.Sqlmock) {
	datasource, mock, err := newTestDataSource()
	if err != nil {
		t.Fatalf("Error creating test data source: %s", err)
	}
	p, err := NewPulse(datasource)
	if err != nil {
		t.Fatalf("Error creating pulse instance: %s", err)
	}
	return p, mock
}

func currentRows(ownerID, parentID string, seq int, condition string) *sqlmock.Rows {
	now := time.Now()
	metaDataJSON, _ := json.Marshal(map[string]interface{}{})
	return sqlmock.NewRows([]string{
		"id", "owner_id", "parent_id", "version_id", "status_type", "condition",
		"note", "location", "lat", "lng", "share_location", "share_contact",
		"people_count", "categories", "image_url", "expiration_hours",
		"meta_data", "created_at", "updated_at", "deleted_at", "expires_at",
		"retention_until",
	}).AddRow(
		int64(seq), ownerID, parentID, model.VersionID(parentID, seq), "current", condition,
		nil, nil, nil, nil, false, false,
		0, "{}", nil, 24,
		metaDataJSON, now, now, nil, now.Add(24*time.Hour),
		now.AddDate(0, 0, model.RetentionDays),
	)
}

// fakeAttachmentStore records uploads without touching S3.
type fakeAttachmentStore struct {
	uploads []string
	err     error
}

func (f *fakeAttachmentStore) Upload(_ context.Context, _ *Attachment, _, _, versionID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, versionID)
	return "https://cdn.example.com/" + versionID + ".jpg", nil
}

func TestCreateOrUpdateStatus_NewLineage(t *testing.T) {
	p, mock := newTestPulse(t)
	ownerID := gofakeit.UUID()

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO pulse.statuses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	result, err := p.CreateOrUpdateStatus(context.Background(), ownerID, &model.StatusPayload{
		Condition:       "safe",
		ExpirationHours: 24,
	}, nil)
	assert.NoError(t, err)
	assert.True(t, result.Updated)
	assert.NotNil(t, result.Ref)
	seq, err := model.ParseVersionSeq(result.Ref.VersionID)
	assert.NoError(t, err)
	assert.Equal(t, 1, seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrUpdateStatus_BlankOwner(t *testing.T) {
	p, _ := newTestPulse(t)

	_, err := p.CreateOrUpdateStatus(context.Background(), "   ", &model.StatusPayload{Condition: "safe", ExpirationHours: 24}, nil)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidInput, apiErr.Code)
}

func TestCreateOrUpdateStatus_NilPayload(t *testing.T) {
	p, _ := newTestPulse(t)

	_, err := p.CreateOrUpdateStatus(context.Background(), gofakeit.UUID(), nil, nil)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidInput, apiErr.Code)
}

func TestCreateOrUpdateStatus_BadExpiration(t *testing.T) {
	p, _ := newTestPulse(t)

	_, err := p.CreateOrUpdateStatus(context.Background(), gofakeit.UUID(), &model.StatusPayload{
		Condition:       "safe",
		ExpirationHours: 48,
	}, nil)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidInput, apiErr.Code)
}

func TestCreateOrUpdateStatus_NewLineageRequiresExpiration(t *testing.T) {
	p, mock := newTestPulse(t)
	ownerID := gofakeit.UUID()

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnError(sql.ErrNoRows)

	// No expiration window supplied and no lineage to inherit one from.
	_, err := p.CreateOrUpdateStatus(context.Background(), ownerID, &model.StatusPayload{Condition: "safe"}, nil)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidInput, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrUpdateStatus_AdvanceVersion(t *testing.T) {
	p, mock := newTestPulse(t)
	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(currentRows(ownerID, parentID, 1, "safe"))
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(ownerID, parentID).
		WillReturnRows(currentRows(ownerID, parentID, 1, "safe"))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(parentID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("UPDATE pulse.statuses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO pulse.statuses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectCommit()

	result, err := p.CreateOrUpdateStatus(context.Background(), ownerID, &model.StatusPayload{Condition: "need_help"}, nil)
	assert.NoError(t, err)
	assert.True(t, result.Updated)
	assert.Equal(t, model.VersionID(parentID, 2), result.Ref.VersionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrUpdateStatus_IdenticalResubmission(t *testing.T) {
	p, mock := newTestPulse(t)
	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(currentRows(ownerID, parentID, 3, "safe"))

	// Same condition as the current record: nothing else expected on the
	// mock, so any write would fail the test.
	result, err := p.CreateOrUpdateStatus(context.Background(), ownerID, &model.StatusPayload{Condition: "safe"}, nil)
	assert.NoError(t, err)
	assert.False(t, result.Updated)
	assert.Nil(t, result.Ref)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrUpdateStatus_RetriesOntoNewBase(t *testing.T) {
	p, mock := newTestPulse(t)
	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	// The caller read v1, but another writer advances the lineage to v2
	// before this update lands.
	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(currentRows(ownerID, parentID, 1, "safe"))
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(ownerID, parentID).
		WillReturnRows(currentRows(ownerID, parentID, 2, "evacuating"))
	mock.ExpectRollback()

	// Retry: re-read the new base, payload still changes it, advance again.
	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(currentRows(ownerID, parentID, 2, "evacuating"))
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(ownerID, parentID).
		WillReturnRows(currentRows(ownerID, parentID, 2, "evacuating"))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(parentID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec("UPDATE pulse.statuses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO pulse.statuses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectCommit()

	result, err := p.CreateOrUpdateStatus(context.Background(), ownerID, &model.StatusPayload{Condition: "need_help"}, nil)
	assert.NoError(t, err)
	assert.True(t, result.Updated)
	assert.Equal(t, model.VersionID(parentID, 3), result.Ref.VersionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrUpdateStatus_ConcurrentWriterAppliedSamePayload(t *testing.T) {
	p, mock := newTestPulse(t)
	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(currentRows(ownerID, parentID, 1, "safe"))
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(ownerID, parentID).
		WillReturnRows(currentRows(ownerID, parentID, 2, "need_help"))
	mock.ExpectRollback()

	// The re-read shows the racing writer already applied this exact
	// payload, so the retry resolves to a no-op instead of minting v3.
	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(currentRows(ownerID, parentID, 2, "need_help"))

	result, err := p.CreateOrUpdateStatus(context.Background(), ownerID, &model.StatusPayload{Condition: "need_help"}, nil)
	assert.NoError(t, err)
	assert.False(t, result.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrUpdateStatus_ConflictSurfacesAfterRetries(t *testing.T) {
	p, mock := newTestPulse(t)
	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(currentRows(ownerID, parentID, 1, "safe"))

	// Every attempt loses the race to a writer that keeps changing the
	// condition to something else.
	for seq := 2; seq < 2+maxVersionRetries; seq++ {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs(ownerID, parentID).
			WillReturnRows(currentRows(ownerID, parentID, seq, "evacuating"))
		mock.ExpectRollback()
		mock.ExpectQuery("FROM pulse.statuses").
			WithArgs(ownerID).
			WillReturnRows(currentRows(ownerID, parentID, seq, "evacuating"))
	}

	_, err := p.CreateOrUpdateStatus(context.Background(), ownerID, &model.StatusPayload{Condition: "need_help"}, nil)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func TestCreateOrUpdateStatus_AttachmentUploadedBeforeWrite(t *testing.T) {
	p, mock := newTestPulse(t)
	store := &fakeAttachmentStore{}
	p.attachments = store
	ownerID := gofakeit.UUID()

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO pulse.statuses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	result, err := p.CreateOrUpdateStatus(context.Background(), ownerID, &model.StatusPayload{
		Condition:       "safe",
		ExpirationHours: 12,
	}, &Attachment{Filename: "photo.jpg", Data: []byte("jpeg")})
	assert.NoError(t, err)
	assert.True(t, result.Updated)
	assert.Len(t, store.uploads, 1)
	assert.Equal(t, result.Ref.VersionID, store.uploads[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrUpdateStatus_AttachmentReuploadedOnRetry(t *testing.T) {
	p, mock := newTestPulse(t)
	store := &fakeAttachmentStore{}
	p.attachments = store
	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	// The caller read v1 and uploads for v2, but a racing writer claims v2
	// first. The retry must re-upload for v3 so the stored object is named
	// for the version actually written.
	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(currentRows(ownerID, parentID, 1, "safe"))
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(ownerID, parentID).
		WillReturnRows(currentRows(ownerID, parentID, 2, "evacuating"))
	mock.ExpectRollback()

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(currentRows(ownerID, parentID, 2, "evacuating"))
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(ownerID, parentID).
		WillReturnRows(currentRows(ownerID, parentID, 2, "evacuating"))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(parentID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec("UPDATE pulse.statuses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO pulse.statuses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectCommit()

	result, err := p.CreateOrUpdateStatus(context.Background(), ownerID, &model.StatusPayload{Condition: "need_help"},
		&Attachment{Filename: "photo.jpg", Data: []byte("jpeg")})
	assert.NoError(t, err)
	assert.True(t, result.Updated)
	assert.Equal(t, model.VersionID(parentID, 3), result.Ref.VersionID)
	assert.Equal(t, []string{model.VersionID(parentID, 2), model.VersionID(parentID, 3)}, store.uploads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrUpdateStatus_AttachmentFailureAbortsWrite(t *testing.T) {
	p, mock := newTestPulse(t)
	p.attachments = &fakeAttachmentStore{err: errors.New("bucket unreachable")}
	ownerID := gofakeit.UUID()

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnError(sql.ErrNoRows)

	// No insert expected: the failed upload must abort before any write.
	_, err := p.CreateOrUpdateStatus(context.Background(), ownerID, &model.StatusPayload{
		Condition:       "safe",
		ExpirationHours: 24,
	}, &Attachment{Filename: "photo.jpg", Data: []byte("jpeg")})
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrAttachmentFailed, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrUpdateStatus_AttachmentStoreNotConfigured(t *testing.T) {
	p, mock := newTestPulse(t)
	ownerID := gofakeit.UUID()

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnError(sql.ErrNoRows)

	_, err := p.CreateOrUpdateStatus(context.Background(), ownerID, &model.StatusPayload{
		Condition:       "safe",
		ExpirationHours: 24,
	}, &Attachment{Filename: "photo.jpg", Data: []byte("jpeg")})
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrAttachmentFailed, apiErr.Code)
}

func TestGetActiveStatus(t *testing.T) {
	p, mock := newTestPulse(t)
	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnRows(currentRows(ownerID, parentID, 1, "safe"))

	status, err := p.GetActiveStatus(context.Background(), ownerID)
	assert.NoError(t, err)
	assert.NotNil(t, status)
	assert.Equal(t, model.VersionID(parentID, 1), status.VersionID)
}

func TestGetActiveStatus_NoneIsNotAnError(t *testing.T) {
	p, mock := newTestPulse(t)
	ownerID := gofakeit.UUID()

	mock.ExpectQuery("FROM pulse.statuses").
		WithArgs(ownerID).
		WillReturnError(sql.ErrNoRows)

	status, err := p.GetActiveStatus(context.Background(), ownerID)
	assert.NoError(t, err)
	assert.Nil(t, status)
}

func TestSoftDeleteStatus(t *testing.T) {
	p, mock := newTestPulse(t)
	ownerID := gofakeit.UUID()
	parentID := "status-1700000000000"

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(ownerID, parentID).
		WillReturnRows(currentRows(ownerID, parentID, 2, "safe"))
	mock.ExpectExec("UPDATE pulse.statuses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ref, err := p.SoftDeleteStatus(context.Background(), ownerID, parentID)
	assert.NoError(t, err)
	assert.Equal(t, parentID, ref.ParentID)
	assert.False(t, ref.DeletedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepExpiredStatuses(t *testing.T) {
	p, mock := newTestPulse(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"owner_id", "parent_id", "version_id", "expires_at"}).
		AddRow("owner-1", "status-1700000000000", "status-1700000000000-v2", now.Add(-time.Hour))

	mock.ExpectQuery("UPDATE pulse.statuses").
		WillReturnRows(rows)

	count, err := p.SweepExpiredStatuses(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSweepRetention(t *testing.T) {
	p, mock := newTestPulse(t)

	mock.ExpectExec("DELETE FROM pulse.statuses").
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := p.SweepRetention(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}
