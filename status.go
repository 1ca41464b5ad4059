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
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pulsehq/pulse/internal/apierror"
	"github.com/pulsehq/pulse/internal/notification"
	"github.com/pulsehq/pulse/model"
)

var statusTracer = otel.Tracer("pulse.status")

// maxVersionRetries bounds how often a conflicted update is retried onto the
// freshly advanced base before CONFLICT is surfaced to the caller.
const maxVersionRetries = 3

// StatusResult is what a status submission hands back: either the lineage
// reference of the version that was written, or updated=false when the
// submission matched the current record field for field and nothing was
// written.
type StatusResult struct {
	Updated bool              `json:"updated"`
	Ref     *model.LineageRef `json:"ref,omitempty"`
}

// CreateOrUpdateStatus is the single entry point for status submissions.
// With no live status for the owner it creates a new lineage; otherwise it
// diffs the payload against the current record and either no-ops or advances
// the lineage by one version. An attachment, when supplied, is resolved to a
// URL before anything is written, so a failed upload never leaves a record
// with a broken image reference.
func (p *Pulse) CreateOrUpdateStatus(ctx context.Context, ownerID string, payload *model.StatusPayload, attachment *Attachment) (*StatusResult, error) {
	ctx, span := statusTracer.Start(ctx, "CreateOrUpdateStatus")
	defer span.End()

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Owner id is required", nil)
	}
	if payload == nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Status payload is required", nil)
	}
	if payload.ExpirationHours != 0 && !model.ValidExpirationHours(payload.ExpirationHours) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Expiration duration must be 12 or 24 hours, got %d", payload.ExpirationHours), nil)
	}

	current, err := p.datasource.GetCurrentStatus(ctx, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if current == nil {
		return p.createLineage(ctx, ownerID, payload, attachment)
	}
	return p.conditionalUpdate(ctx, ownerID, current, payload, attachment)
}

// createLineage mints a new lineage and writes its first version. ExpiresAt
// and RetentionUntil are fixed here, once, and inherited by every later
// version.
func (p *Pulse) createLineage(ctx context.Context, ownerID string, payload *model.StatusPayload, attachment *Attachment) (*StatusResult, error) {
	ctx, span := statusTracer.Start(ctx, "CreateStatusLineage")
	defer span.End()

	if !model.ValidExpirationHours(payload.ExpirationHours) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Expiration duration must be 12 or 24 hours", nil)
	}

	now := time.Now()
	parentID := model.MintParentID(now)
	versionID := model.VersionID(parentID, 1)

	if attachment != nil {
		url, err := p.uploadAttachment(ctx, attachment, ownerID, parentID, versionID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		payload.ImageURL = &url
	}

	status := model.Status{
		OwnerID:         ownerID,
		ParentID:        parentID,
		VersionID:       versionID,
		StatusType:      model.StatusCurrent,
		ExpirationHours: payload.ExpirationHours,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(payload.ExpirationHours) * time.Hour),
		RetentionUntil:  now.AddDate(0, 0, model.RetentionDays),
	}
	payload.Apply(&status)

	created, err := p.datasource.CreateStatus(ctx, status)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.AddEvent("Status lineage created", trace.WithAttributes(attribute.String("status.version_id", created.VersionID)))
	p.postStatusActions(EventStatusCreated, &created)
	return &StatusResult{Updated: true, Ref: &model.LineageRef{ParentID: created.ParentID, VersionID: created.VersionID, CreatedAt: created.CreatedAt}}, nil
}

// conditionalUpdate applies the field-level idempotence check and, when the
// payload actually changes something, advances the lineage under the
// optimistic retry loop. Identical resubmissions (a mobile client retrying a
// request it never saw the response to) cost no write at all.
func (p *Pulse) conditionalUpdate(ctx context.Context, ownerID string, current *model.Status, payload *model.StatusPayload, attachment *Attachment) (*StatusResult, error) {
	ctx, span := statusTracer.Start(ctx, "ConditionalUpdateStatus")
	defer span.End()

	if attachment != nil {
		seq, err := model.ParseVersionSeq(current.VersionID)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Malformed version id on current status for owner '%s'", ownerID), err)
		}
		url, upErr := p.uploadAttachment(ctx, attachment, ownerID, current.ParentID, model.VersionID(current.ParentID, seq+1))
		if upErr != nil {
			span.RecordError(upErr)
			return nil, upErr
		}
		payload.ImageURL = &url
	}

	if !payload.ChangedFrom(current) {
		span.AddEvent("Identical payload, skipping write", trace.WithAttributes(attribute.String("status.version_id", current.VersionID)))
		return &StatusResult{Updated: false}, nil
	}

	next, err := p.advanceWithRetry(ctx, ownerID, current, payload, attachment)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if next == nil {
		// A concurrent writer already applied this exact payload.
		return &StatusResult{Updated: false}, nil
	}

	span.AddEvent("Status advanced", trace.WithAttributes(attribute.String("status.version_id", next.VersionID)))
	p.postStatusActions(EventStatusUpdated, next)
	return &StatusResult{Updated: true, Ref: &model.LineageRef{ParentID: next.ParentID, VersionID: next.VersionID, CreatedAt: next.CreatedAt}}, nil
}

// advanceWithRetry drives the optimistic loop around AdvanceStatusVersion.
// On CONFLICT the current record is re-read, the idempotence check re-run
// against the new base (the race may have applied this very payload), and
// the advance retried. An attachment is re-uploaded under the new base's
// successor version before each retry so the stored object is always named
// for the version the advance actually writes. After maxVersionRetries the
// conflict is surfaced.
//
// Returns (nil, nil) when a retry discovered the payload is now a no-op.
func (p *Pulse) advanceWithRetry(ctx context.Context, ownerID string, current *model.Status, payload *model.StatusPayload, attachment *Attachment) (*model.Status, error) {
	var lastErr error
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		next, err := p.datasource.AdvanceStatusVersion(ctx, ownerID, current.ParentID, current.VersionID, payload)
		if err == nil {
			return next, nil
		}
		apiErr, ok := err.(apierror.APIError)
		if !ok || apiErr.Code != apierror.ErrConflict {
			return nil, err
		}
		lastErr = err

		reread, rerr := p.datasource.GetCurrentStatus(ctx, ownerID)
		if rerr != nil {
			return nil, rerr
		}
		if reread == nil || reread.ParentID != current.ParentID {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Lineage '%s' was removed while updating", current.ParentID), err)
		}
		if !payload.ChangedFrom(reread) {
			return nil, nil
		}
		if attachment != nil {
			seq, serr := model.ParseVersionSeq(reread.VersionID)
			if serr != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Malformed version id on current status for owner '%s'", ownerID), serr)
			}
			url, uerr := p.uploadAttachment(ctx, attachment, ownerID, reread.ParentID, model.VersionID(reread.ParentID, seq+1))
			if uerr != nil {
				return nil, uerr
			}
			payload.ImageURL = &url
		}
		current = reread
	}
	return nil, lastErr
}

// GetActiveStatus returns the owner's live status, or nil when none exists.
// Zero results is not an error.
func (p *Pulse) GetActiveStatus(ctx context.Context, ownerID string) (*model.Status, error) {
	ctx, span := statusTracer.Start(ctx, "GetActiveStatus")
	defer span.End()

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Owner id is required", nil)
	}

	status, err := p.datasource.GetCurrentStatus(ctx, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return status, nil
}

// GetStatusHistory returns every version the owner has ever had, newest
// first, across all lineages.
func (p *Pulse) GetStatusHistory(ctx context.Context, ownerID string) ([]model.Status, error) {
	ctx, span := statusTracer.Start(ctx, "GetStatusHistory")
	defer span.End()

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Owner id is required", nil)
	}

	history, err := p.datasource.GetStatusHistory(ctx, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.AddEvent("History retrieved", trace.WithAttributes(attribute.Int("status.count", len(history))))
	return history, nil
}

// SoftDeleteStatus marks the owner's current status deleted. Deletion is
// terminal; the record stays in the store, archival only, until the
// retention sweep removes it.
func (p *Pulse) SoftDeleteStatus(ctx context.Context, ownerID, parentID string) (*model.DeleteRef, error) {
	ctx, span := statusTracer.Start(ctx, "SoftDeleteStatus")
	defer span.End()

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Owner id is required", nil)
	}
	if strings.TrimSpace(parentID) == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Parent id is required", nil)
	}

	deleted, err := p.datasource.SoftDeleteStatus(ctx, ownerID, parentID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.AddEvent("Status deleted", trace.WithAttributes(attribute.String("status.parent_id", deleted.ParentID)))
	p.postStatusActions(EventStatusDeleted, deleted)
	return &model.DeleteRef{ParentID: deleted.ParentID, DeletedAt: *deleted.DeletedAt}, nil
}

// SweepExpiredStatuses demotes every expired current status to history and
// notifies subscribers. Invoked by the worker on a schedule; the predicates
// live in the datasource.
func (p *Pulse) SweepExpiredStatuses(ctx context.Context) (int, error) {
	ctx, span := statusTracer.Start(ctx, "SweepExpiredStatuses")
	defer span.End()

	expired, err := p.datasource.SweepExpiredStatuses(ctx, time.Now())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	for i := range expired {
		p.postStatusActions(EventStatusExpired, &expired[i])
	}
	span.AddEvent("Expired statuses swept", trace.WithAttributes(attribute.Int("status.count", len(expired))))
	return len(expired), nil
}

// SweepRetention physically removes records past their retention window.
func (p *Pulse) SweepRetention(ctx context.Context) (int64, error) {
	ctx, span := statusTracer.Start(ctx, "SweepRetention")
	defer span.End()

	removed, err := p.datasource.SweepRetention(ctx, time.Now())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.AddEvent("Retention sweep complete", trace.WithAttributes(attribute.Int64("status.removed", removed)))
	return removed, nil
}

// uploadAttachment resolves an image to a URL via the attachment store.
// Any failure aborts the surrounding operation before a record is written.
func (p *Pulse) uploadAttachment(ctx context.Context, attachment *Attachment, ownerID, parentID, versionID string) (string, error) {
	if p.attachments == nil {
		return "", apierror.NewAPIError(apierror.ErrAttachmentFailed, "Attachment store is not configured", nil)
	}
	url, err := p.attachments.Upload(ctx, attachment, ownerID, parentID, versionID)
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrAttachmentFailed, fmt.Sprintf("Failed to upload attachment for owner '%s'", ownerID), err)
	}
	return url, nil
}

// postStatusActions fans out the lifecycle webhook without blocking the
// request path.
func (p *Pulse) postStatusActions(event string, status *model.Status) {
	go func() {
		err := SendWebhook(NewWebhook{
			Event:   event,
			Payload: status,
		})
		if err != nil {
			notification.NotifyError(err)
		}
	}()
}
