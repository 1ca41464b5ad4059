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

package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status lifecycle states.
const (
	StatusCurrent = "current"
	StatusHistory = "history"
	StatusDeleted = "deleted"
)

// RetentionDays is the archival window applied at lineage creation and again
// when a status is soft deleted.
const RetentionDays = 30

// Coordinates is a geographic point attached to a status.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Status is one snapshot in a status lineage. Every version of an owner's
// status shares a ParentID; exactly one version per owner is "current" at a
// time. ExpiresAt and RetentionUntil are fixed when the lineage is created
// and copied verbatim into every later version.
type Status struct {
	ID        int64  `json:"-"`
	OwnerID   string `json:"owner_id"`
	ParentID  string `json:"parent_id"`
	VersionID string `json:"version_id"`
	// StatusType is one of StatusCurrent, StatusHistory or StatusDeleted.
	StatusType string `json:"status_type"`

	Condition       string                 `json:"condition"`
	Note            string                 `json:"note,omitempty"`
	Location        string                 `json:"location,omitempty"`
	Coordinates     *Coordinates           `json:"coordinates,omitempty"`
	ShareLocation   bool                   `json:"share_location"`
	ShareContact    bool                   `json:"share_contact"`
	PeopleCount     int                    `json:"people_count,omitempty"`
	Categories      []string               `json:"categories,omitempty"`
	ImageURL        string                 `json:"image_url,omitempty"`
	ExpirationHours int                    `json:"expiration_hours"`
	MetaData        map[string]interface{} `json:"meta_data,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RetentionUntil time.Time  `json:"retention_until"`
}

// StatusPayload carries the user-editable fields of a status submission.
// Pointer fields distinguish "not supplied" from a zero value so that a
// partial update only touches the fields the client actually sent.
type StatusPayload struct {
	Condition       string                 `json:"condition"`
	Note            *string                `json:"note,omitempty"`
	Location        *string                `json:"location,omitempty"`
	Coordinates     *Coordinates           `json:"coordinates,omitempty"`
	ShareLocation   *bool                  `json:"share_location,omitempty"`
	ShareContact    *bool                  `json:"share_contact,omitempty"`
	PeopleCount     *int                   `json:"people_count,omitempty"`
	Categories      []string               `json:"categories,omitempty"`
	ImageURL        *string                `json:"image_url,omitempty"`
	ExpirationHours int                    `json:"expiration_hours,omitempty"`
	MetaData        map[string]interface{} `json:"meta_data,omitempty"`
}

// MintParentID derives a new lineage identifier from the creation time.
func MintParentID(now time.Time) string {
	return fmt.Sprintf("status-%d", now.UnixMilli())
}

// VersionID derives the identifier of the n-th (1-based) version in a lineage.
func VersionID(parentID string, n int) string {
	return fmt.Sprintf("%s-v%d", parentID, n)
}

// ParseVersionSeq extracts the 1-based sequence number from a version id.
func ParseVersionSeq(versionID string) (int, error) {
	idx := strings.LastIndex(versionID, "-v")
	if idx < 0 {
		return 0, fmt.Errorf("malformed version id %q", versionID)
	}
	n, err := strconv.Atoi(versionID[idx+2:])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("malformed version id %q", versionID)
	}
	return n, nil
}

// ValidExpirationHours reports whether hours is an accepted expiration
// duration for a new lineage.
func ValidExpirationHours(hours int) bool {
	return hours == 12 || hours == 24
}

// IsCurrent reports whether this snapshot is the live version of its lineage.
func (s *Status) IsCurrent() bool {
	return s.StatusType == StatusCurrent
}

// IsExpired reports whether the lineage's expiration time has passed. Used by
// the expiration sweep together with IsCurrent.
func (s *Status) IsExpired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

// RetentionElapsed reports whether the record is eligible for physical
// removal by the retention sweep.
func (s *Status) RetentionElapsed(now time.Time) bool {
	return s.RetentionUntil.Before(now)
}

// Apply overlays the supplied payload fields onto the status. Fields the
// payload does not carry are left untouched; system-managed fields are never
// written here.
func (p *StatusPayload) Apply(s *Status) {
	if p.Condition != "" {
		s.Condition = p.Condition
	}
	if p.Note != nil {
		s.Note = *p.Note
	}
	if p.Location != nil {
		s.Location = *p.Location
	}
	if p.Coordinates != nil {
		c := *p.Coordinates
		s.Coordinates = &c
	}
	if p.ShareLocation != nil {
		s.ShareLocation = *p.ShareLocation
	}
	if p.ShareContact != nil {
		s.ShareContact = *p.ShareContact
	}
	if p.PeopleCount != nil {
		s.PeopleCount = *p.PeopleCount
	}
	if p.Categories != nil {
		s.Categories = append([]string(nil), p.Categories...)
	}
	if p.ImageURL != nil {
		s.ImageURL = *p.ImageURL
	}
	if p.ExpirationHours != 0 {
		s.ExpirationHours = p.ExpirationHours
	}
	if p.MetaData != nil {
		s.MetaData = p.MetaData
	}
}

// ChangedFrom reports whether applying the payload to the given current
// snapshot would change any user-editable field. Only fields present in the
// payload are compared; system-managed fields (ids, status type, timestamps,
// expiration and retention) are excluded by construction. Categories and
// Coordinates are compared structurally.
func (p *StatusPayload) ChangedFrom(s *Status) bool {
	if p.Condition != "" && p.Condition != s.Condition {
		return true
	}
	if p.Note != nil && *p.Note != s.Note {
		return true
	}
	if p.Location != nil && *p.Location != s.Location {
		return true
	}
	if p.Coordinates != nil {
		if s.Coordinates == nil || *p.Coordinates != *s.Coordinates {
			return true
		}
	}
	if p.ShareLocation != nil && *p.ShareLocation != s.ShareLocation {
		return true
	}
	if p.ShareContact != nil && *p.ShareContact != s.ShareContact {
		return true
	}
	if p.PeopleCount != nil && *p.PeopleCount != s.PeopleCount {
		return true
	}
	if p.Categories != nil && !equalStrings(p.Categories, s.Categories) {
		return true
	}
	if p.ImageURL != nil && *p.ImageURL != s.ImageURL {
		return true
	}
	if p.ExpirationHours != 0 && p.ExpirationHours != s.ExpirationHours {
		return true
	}
	if p.MetaData != nil && !equalMeta(p.MetaData, s.MetaData) {
		return true
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalMeta(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}
