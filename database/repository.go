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
	"time"

	"github.com/pulsehq/pulse/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	status // Interface for status record operations
	sweep  // Interface for the scheduled sweep operations
}

// status defines methods for handling status records and their version lineage.
type status interface {
	CreateStatus(ctx context.Context, status model.Status) (model.Status, error)                                                       // Inserts the first version of a new lineage
	GetCurrentStatus(ctx context.Context, ownerID string) (*model.Status, error)                                                       // Retrieves the owner's current status, nil when none exists
	GetStatusHistory(ctx context.Context, ownerID string) ([]model.Status, error)                                                      // Retrieves every version belonging to an owner
	AdvanceStatusVersion(ctx context.Context, ownerID, parentID, expectedVersionID string, updates *model.StatusPayload) (*model.Status, error) // Produces the next version atomically
	SoftDeleteStatus(ctx context.Context, ownerID, parentID string) (*model.Status, error)                                             // Marks the current version deleted
}

// sweep defines the queries the scheduled sweeper runs. The sweep loop itself
// lives in the worker process, not here.
type sweep interface {
	SweepExpiredStatuses(ctx context.Context, now time.Time) ([]model.Status, error) // Demotes expired current statuses to history
	SweepRetention(ctx context.Context, now time.Time) (int64, error)                // Physically removes records past their retention window
}
