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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"github.com/pulsehq/pulse/config"
	"github.com/pulsehq/pulse/model"
)

func TestSendWebhook(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	mockConfig := &config.Configuration{
		Redis: config.RedisConfig{
			Dns: mr.Addr(),
		},
		Notification: config.Notification{Webhook: struct {
			Url     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		}(struct {
			Url     string
			Headers map[string]string
		}{Url: "https://localhost:5001/webhook", Headers: nil})},
	}

	config.MockConfig(mockConfig)
	testData := NewWebhook{
		Event: EventStatusCreated,
		Payload: model.Status{
			ParentID:  "status-1700000000000",
			VersionID: "status-1700000000000-v1",
			OwnerID:   "owner-1",
			Condition: "safe",
			CreatedAt: time.Now(),
		},
	}

	err = SendWebhook(testData)
	assert.NoError(t, err)

	tasks := mr.Keys()
	assert.NotEmpty(t, tasks)
}

func TestSendWebhookSkippedWithoutEndpoint(t *testing.T) {
	mockConfig := &config.Configuration{
		Redis: config.RedisConfig{
			Dns: "localhost:6379",
		},
	}
	config.MockConfig(mockConfig)

	err := SendWebhook(NewWebhook{Event: EventStatusDeleted})
	assert.NoError(t, err)
}
