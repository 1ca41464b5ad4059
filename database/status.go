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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/pulsehq/pulse/internal/apierror"
	"github.com/pulsehq/pulse/model"
)

const statusColumns = `id, owner_id, parent_id, version_id, status_type, condition, note, location, lat, lng, share_location, share_contact, people_count, categories, image_url, expiration_hours, meta_data, created_at, updated_at, deleted_at, expires_at, retention_until`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanStatus maps one statuses row into a model.Status, unpacking nullable
// columns and the JSONB metadata.
func scanStatus(row rowScanner) (*model.Status, error) {
	status := &model.Status{}
	var note, location, imageURL sql.NullString
	var lat, lng sql.NullFloat64
	var categories pq.StringArray
	var metaDataJSON []byte
	var deletedAt sql.NullTime

	err := row.Scan(
		&status.ID,
		&status.OwnerID,
		&status.ParentID,
		&status.VersionID,
		&status.StatusType,
		&status.Condition,
		&note,
		&location,
		&lat,
		&lng,
		&status.ShareLocation,
		&status.ShareContact,
		&status.PeopleCount,
		&categories,
		&imageURL,
		&status.ExpirationHours,
		&metaDataJSON,
		&status.CreatedAt,
		&status.UpdatedAt,
		&deletedAt,
		&status.ExpiresAt,
		&status.RetentionUntil,
	)
	if err != nil {
		return nil, err
	}

	status.Note = note.String
	status.Location = location.String
	status.ImageURL = imageURL.String
	if lat.Valid && lng.Valid {
		status.Coordinates = &model.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
	}
	if len(categories) > 0 {
		status.Categories = []string(categories)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		status.DeletedAt = &t
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &status.MetaData); err != nil {
			return nil, err
		}
	}
	return status, nil
}

// statusInsertArgs flattens a status into the argument list matched by
// insertStatusSQL. Coordinates and optional text fields become NULLs.
func statusInsertArgs(status *model.Status, metaDataJSON []byte) []interface{} {
	var note, location, imageURL interface{}
	if status.Note != "" {
		note = status.Note
	}
	if status.Location != "" {
		location = status.Location
	}
	if status.ImageURL != "" {
		imageURL = status.ImageURL
	}
	var lat, lng interface{}
	if status.Coordinates != nil {
		lat = status.Coordinates.Lat
		lng = status.Coordinates.Lng
	}
	return []interface{}{
		status.OwnerID, status.ParentID, status.VersionID, status.StatusType,
		status.Condition, note, location, lat, lng,
		status.ShareLocation, status.ShareContact, status.PeopleCount,
		pq.Array(status.Categories), imageURL, status.ExpirationHours,
		metaDataJSON, status.CreatedAt, status.UpdatedAt,
		status.ExpiresAt, status.RetentionUntil,
	}
}

const insertStatusSQL = `
	INSERT INTO pulse.statuses (owner_id, parent_id, version_id, status_type, condition, note, location, lat, lng, share_location, share_contact, people_count, categories, image_url, expiration_hours, meta_data, created_at, updated_at, expires_at, retention_until)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	RETURNING id
`

// isTimeout reports whether the store call failed because the request
// deadline elapsed. Mapped to UNAVAILABLE so callers know not to retry here.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// CreateStatus inserts the first version of a new status lineage. The caller
// is responsible for minting ids and stamping expiration and retention; this
// method only persists.
//
// Returns an APIError: CONFLICT when the version id already exists,
// UNAVAILABLE on store timeout, INTERNAL_SERVER_ERROR otherwise.
func (d Datasource) CreateStatus(ctx context.Context, status model.Status) (model.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()

	metaDataJSON, err := json.Marshal(status.MetaData)
	if err != nil {
		return model.Status{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	err = d.Conn.QueryRowContext(ctx, insertStatusSQL, statusInsertArgs(&status, metaDataJSON)...).Scan(&status.ID)
	if err != nil {
		if isTimeout(err) {
			return model.Status{}, apierror.NewAPIError(apierror.ErrUnavailable, fmt.Sprintf("Store timeout creating status for owner '%s'", status.OwnerID), err)
		}
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return model.Status{}, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Status version '%s' already exists", status.VersionID), err)
			case "check_violation":
				return model.Status{}, apierror.NewAPIError(apierror.ErrBadRequest, "Invalid status type", err)
			default:
				return model.Status{}, apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return model.Status{}, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to create status for owner '%s'", status.OwnerID), err)
	}

	return status, nil
}

// GetCurrentStatus retrieves the owner's live status. Zero rows is not an
// error: it returns (nil, nil). When the store holds more than one current
// record for the owner, the most recently created wins; duplicates can
// appear after a timed-out create was actually applied.
func (d Datasource) GetCurrentStatus(ctx context.Context, ownerID string) (*model.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+statusColumns+`
		FROM pulse.statuses
		WHERE owner_id = $1 AND status_type = 'current'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, ownerID)

	status, err := scanStatus(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if isTimeout(err) {
			return nil, apierror.NewAPIError(apierror.ErrUnavailable, fmt.Sprintf("Store timeout reading status for owner '%s'", ownerID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to scan status for owner '%s'", ownerID), err)
	}
	return status, nil
}

// GetStatusHistory retrieves every version belonging to an owner, newest
// first.
func (d Datasource) GetStatusHistory(ctx context.Context, ownerID string) ([]model.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+statusColumns+`
		FROM pulse.statuses
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
	`, ownerID)
	if err != nil {
		if isTimeout(err) {
			return nil, apierror.NewAPIError(apierror.ErrUnavailable, fmt.Sprintf("Store timeout reading history for owner '%s'", ownerID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to query history for owner '%s'", ownerID), err)
	}
	defer rows.Close()

	var statuses []model.Status
	for rows.Next() {
		status, err := scanStatus(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to scan history row for owner '%s'", ownerID), err)
		}
		statuses = append(statuses, *status)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed reading history rows for owner '%s'", ownerID), err)
	}
	return statuses, nil
}

// AdvanceStatusVersion produces the next version of a lineage in one
// transaction: the current record is demoted to history and the new record
// inserted with the next 1-based sequence number. CreatedAt, ExpiresAt and
// RetentionUntil are inherited unchanged from the current record.
//
// expectedVersionID is the optimistic guard: when non-empty and the current
// record re-read inside the transaction no longer matches it, the attempt
// fails with CONFLICT and nothing is written. The caller owns the retry loop.
func (d Datasource) AdvanceStatusVersion(ctx context.Context, ownerID, parentID, expectedVersionID string, updates *model.StatusPayload) (*model.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		if isTimeout(err) {
			return nil, apierror.NewAPIError(apierror.ErrUnavailable, fmt.Sprintf("Store timeout advancing lineage '%s'", parentID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to begin transaction for lineage '%s'", parentID), err)
	}

	// Re-read the current record under lock. Most recent wins on
	// multiplicity; never error on duplicate currents.
	row := tx.QueryRowContext(ctx, `
		SELECT `+statusColumns+`
		FROM pulse.statuses
		WHERE owner_id = $1 AND parent_id = $2 AND status_type = 'current'
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE
	`, ownerID, parentID)

	current, err := scanStatus(row)
	if err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			// With an optimistic guard the lineage was current moments ago.
			// Under READ COMMITTED a racing winner's commit demotes the row
			// this statement was blocked on, and the winner's replacement is
			// outside the statement snapshot, so the loser sees zero rows.
			// That is a conflict to retry onto, not a missing lineage.
			if expectedVersionID != "" {
				return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Lineage '%s' advanced past version '%s'", parentID, expectedVersionID), err)
			}
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No current status for owner '%s' in lineage '%s'", ownerID, parentID), err)
		}
		if isTimeout(err) {
			return nil, apierror.NewAPIError(apierror.ErrUnavailable, fmt.Sprintf("Store timeout advancing lineage '%s'", parentID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to scan current status for lineage '%s'", parentID), err)
	}

	if expectedVersionID != "" && current.VersionID != expectedVersionID {
		_ = tx.Rollback()
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Lineage '%s' advanced past version '%s'", parentID, expectedVersionID), nil)
	}

	var count int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pulse.statuses WHERE parent_id = $1`, parentID).Scan(&count)
	if err != nil {
		_ = tx.Rollback()
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to count versions for lineage '%s'", parentID), err)
	}

	now := time.Now()
	next := *current
	if current.Coordinates != nil {
		c := *current.Coordinates
		next.Coordinates = &c
	}
	next.Categories = append([]string(nil), current.Categories...)
	if updates != nil {
		updates.Apply(&next)
	}
	next.VersionID = model.VersionID(parentID, count+1)
	next.StatusType = model.StatusCurrent
	next.UpdatedAt = now
	// CreatedAt, ExpiresAt, RetentionUntil stay what the lineage was born
	// with; they are never recomputed from the update's wall clock.

	// Demote every current record in the lineage, healing duplicates left
	// behind by a timed-out but applied write.
	_, err = tx.ExecContext(ctx, `
		UPDATE pulse.statuses
		SET status_type = 'history', updated_at = $1
		WHERE parent_id = $2 AND status_type = 'current'
	`, now, parentID)
	if err != nil {
		_ = tx.Rollback()
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to demote current status of lineage '%s'", parentID), err)
	}

	metaDataJSON, err := json.Marshal(next.MetaData)
	if err != nil {
		_ = tx.Rollback()
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	err = tx.QueryRowContext(ctx, insertStatusSQL, statusInsertArgs(&next, metaDataJSON)...).Scan(&next.ID)
	if err != nil {
		_ = tx.Rollback()
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			// Two updates raced onto the same base and both computed the
			// same sequence number; the loser lands here.
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Version '%s' was concurrently created in lineage '%s'", next.VersionID, parentID), err)
		}
		if isTimeout(err) {
			return nil, apierror.NewAPIError(apierror.ErrUnavailable, fmt.Sprintf("Store timeout advancing lineage '%s'", parentID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to insert version '%s'", next.VersionID), err)
	}

	if err := tx.Commit(); err != nil {
		logrus.Errorf("advance version commit error for lineage %s: %v", parentID, err)
		if isTimeout(err) {
			return nil, apierror.NewAPIError(apierror.ErrUnavailable, fmt.Sprintf("Store timeout committing lineage '%s'", parentID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to commit version '%s'", next.VersionID), err)
	}

	return &next, nil
}

// SoftDeleteStatus marks the owner's current record in the lineage as
// deleted. The retention window restarts from the delete time: the record is
// now purely archival. Deletion is terminal; the record then waits for the
// retention sweep.
func (d Datasource) SoftDeleteStatus(ctx context.Context, ownerID, parentID string) (*model.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to begin transaction for lineage '%s'", parentID), err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+statusColumns+`
		FROM pulse.statuses
		WHERE owner_id = $1 AND parent_id = $2 AND status_type = 'current'
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE
	`, ownerID, parentID)

	current, err := scanStatus(row)
	if err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No current status for owner '%s' in lineage '%s'", ownerID, parentID), err)
		}
		if isTimeout(err) {
			return nil, apierror.NewAPIError(apierror.ErrUnavailable, fmt.Sprintf("Store timeout deleting lineage '%s'", parentID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to scan current status for lineage '%s'", parentID), err)
	}

	now := time.Now()
	retentionUntil := now.AddDate(0, 0, model.RetentionDays)

	_, err = tx.ExecContext(ctx, `
		UPDATE pulse.statuses
		SET status_type = 'deleted', deleted_at = $1, updated_at = $1, retention_until = $2
		WHERE parent_id = $3 AND status_type = 'current'
	`, now, retentionUntil, parentID)
	if err != nil {
		_ = tx.Rollback()
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to delete status for lineage '%s'", parentID), err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to commit delete for lineage '%s'", parentID), err)
	}

	current.StatusType = model.StatusDeleted
	current.DeletedAt = &now
	current.UpdatedAt = now
	current.RetentionUntil = retentionUntil
	return current, nil
}

// SweepExpiredStatuses demotes every current record whose expiration time has
// passed. It returns the affected records (owner, lineage and version only)
// so the caller can fan out notifications.
func (d Datasource) SweepExpiredStatuses(ctx context.Context, now time.Time) ([]model.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE pulse.statuses
		SET status_type = 'history', updated_at = $1
		WHERE status_type = 'current' AND expires_at < $1
		RETURNING owner_id, parent_id, version_id, expires_at
	`, now)
	if err != nil {
		if isTimeout(err) {
			return nil, apierror.NewAPIError(apierror.ErrUnavailable, "Store timeout sweeping expired statuses", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sweep expired statuses", err)
	}
	defer rows.Close()

	var expired []model.Status
	for rows.Next() {
		var status model.Status
		if err := rows.Scan(&status.OwnerID, &status.ParentID, &status.VersionID, &status.ExpiresAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan expired status", err)
		}
		status.StatusType = model.StatusHistory
		expired = append(expired, status)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed reading expired statuses", err)
	}
	return expired, nil
}

// SweepRetention physically removes every record past its retention window,
// across all status types. Returns the number of rows removed.
func (d Datasource) SweepRetention(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()

	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM pulse.statuses
		WHERE retention_until < $1
	`, now)
	if err != nil {
		if isTimeout(err) {
			return 0, apierror.NewAPIError(apierror.ErrUnavailable, "Store timeout sweeping retention", err)
		}
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sweep retention", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read retention sweep result", err)
	}
	return removed, nil
}
