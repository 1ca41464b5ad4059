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
	"github.com/pulsehq/pulse/config"
	"github.com/pulsehq/pulse/database"
)

// Pulse is the status service. It owns no in-process state between requests;
// the datasource is the only point of coordination, so any number of
// instances can run side by side.
type Pulse struct {
	datasource  database.IDataSource
	attachments AttachmentStore
}

// NewPulse initializes the status service with the provided datasource. The
// attachment store is wired from config when a bucket is configured;
// otherwise attachment uploads are rejected.
func NewPulse(db database.IDataSource) (*Pulse, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	var attachments AttachmentStore
	if configuration.Attachment.S3BucketName != "" {
		attachments, err = NewS3AttachmentStore(configuration.Attachment)
		if err != nil {
			return nil, err
		}
	}

	return &Pulse{datasource: db, attachments: attachments}, nil
}
