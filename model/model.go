package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID prefixed with a module name.
// Used for identifiers that do not belong to a status lineage, such as
// sweep run ids and lock holder values.
func GenerateUUIDWithSuffix(module string) string {
	return fmt.Sprintf("%s_%s", module, uuid.New().String())
}

// LineageRef identifies one concrete version inside a status lineage. It is
// what create and update operations hand back to the caller.
type LineageRef struct {
	ParentID  string    `json:"parent_id"`
	VersionID string    `json:"version_id"`
	CreatedAt time.Time `json:"created_at"`
}

// DeleteRef is the result of a soft delete.
type DeleteRef struct {
	ParentID  string    `json:"parent_id"`
	DeletedAt time.Time `json:"deleted_at"`
}
