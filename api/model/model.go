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
	"encoding/base64"
	"errors"

	"github.com/pulsehq/pulse"
	"github.com/pulsehq/pulse/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// CreateStatus is the request body for recording a status. A request for an
// owner with no active lineage starts one; otherwise the supplied fields are
// applied as a conditional update.
type CreateStatus struct {
	OwnerID         string                 `json:"owner_id"`
	Condition       string                 `json:"condition"`
	Note            *string                `json:"note,omitempty"`
	Location        *string                `json:"location,omitempty"`
	Coordinates     *Coordinates           `json:"coordinates,omitempty"`
	ShareLocation   *bool                  `json:"share_location,omitempty"`
	ShareContact    *bool                  `json:"share_contact,omitempty"`
	PeopleCount     *int                   `json:"people_count,omitempty"`
	Categories      []string               `json:"categories,omitempty"`
	ExpirationHours int                    `json:"expiration_hours,omitempty"`
	MetaData        map[string]interface{} `json:"meta_data,omitempty"`
	Image           *StatusImage           `json:"image,omitempty"`
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// StatusImage carries an attachment inline as base64. Data is decoded before
// the status write so a malformed image never reaches storage.
type StatusImage struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

func (s *CreateStatus) ValidateCreateStatus() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.OwnerID, validation.Required),
		validation.Field(&s.ExpirationHours, validation.In(0, 12, 24)),
		validation.Field(&s.PeopleCount, validation.Min(0)),
		validation.Field(&s.Coordinates, validation.By(func(value interface{}) error {
			coords, ok := value.(*Coordinates)
			if !ok || coords == nil {
				return nil
			}
			return coords.ValidateCoordinates()
		})),
		validation.Field(&s.Image, validation.By(func(value interface{}) error {
			img, ok := value.(*StatusImage)
			if !ok || img == nil {
				return nil
			}
			return img.ValidateStatusImage()
		})),
	)
}

func (c *Coordinates) ValidateCoordinates() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Latitude, validation.Min(-90.0), validation.Max(90.0)),
		validation.Field(&c.Longitude, validation.Min(-180.0), validation.Max(180.0)),
	)
}

func (i *StatusImage) ValidateStatusImage() error {
	return validation.ValidateStruct(i,
		validation.Field(&i.Filename, validation.Required),
		validation.Field(&i.Data, validation.Required),
	)
}

// ToStatusPayload converts the request into the payload applied by the
// lifecycle controller. Absent optional fields stay nil so an update only
// touches what the caller supplied.
func (s *CreateStatus) ToStatusPayload() *model.StatusPayload {
	payload := &model.StatusPayload{
		Condition:       s.Condition,
		Note:            s.Note,
		Location:        s.Location,
		ShareLocation:   s.ShareLocation,
		ShareContact:    s.ShareContact,
		PeopleCount:     s.PeopleCount,
		Categories:      s.Categories,
		ExpirationHours: s.ExpirationHours,
		MetaData:        s.MetaData,
	}
	if s.Coordinates != nil {
		payload.Coordinates = &model.Coordinates{
			Lat: s.Coordinates.Latitude,
			Lng: s.Coordinates.Longitude,
		}
	}
	return payload
}

// ToAttachment decodes the inline image into an attachment, or returns nil
// when the request carries none.
func (s *CreateStatus) ToAttachment() (*pulse.Attachment, error) {
	if s.Image == nil {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(s.Image.Data)
	if err != nil {
		return nil, errors.New("image data must be base64 encoded")
	}
	return &pulse.Attachment{
		Filename:    s.Image.Filename,
		ContentType: s.Image.ContentType,
		Data:        data,
	}, nil
}
