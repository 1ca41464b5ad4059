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
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pulsehq/pulse/config"
)

// Attachment is an image supplied alongside a status write. It is uploaded
// before the status row is written so a stored status never references an
// object that does not exist.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// AttachmentStore resolves an attachment to a publicly reachable URL. The
// object key is derived from the lineage coordinates so re-uploads for the
// same version overwrite rather than accumulate.
type AttachmentStore interface {
	Upload(ctx context.Context, attachment *Attachment, ownerID, parentID, versionID string) (string, error)
}

type s3AttachmentStore struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

// NewS3AttachmentStore connects to the configured S3 bucket. A custom
// endpoint supports S3-compatible stores such as MinIO.
func NewS3AttachmentStore(conf config.AttachmentConfig) (AttachmentStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(conf.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(conf.AwsAccessKeyId, conf.AwsSecretAccessKey, "")),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if conf.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3AttachmentStore{
		client:    client,
		bucket:    conf.S3BucketName,
		publicURL: strings.TrimSuffix(conf.PublicUrl, "/"),
	}, nil
}

func (s *s3AttachmentStore) Upload(ctx context.Context, attachment *Attachment, ownerID, parentID, versionID string) (string, error) {
	key := attachmentKey(attachment, ownerID, parentID, versionID)

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(attachment.Data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s/%s", s.publicURL, key), nil
}

func attachmentKey(attachment *Attachment, ownerID, parentID, versionID string) string {
	ext := path.Ext(attachment.Filename)
	return fmt.Sprintf("statuses/%s/%s/%s%s", ownerID, parentID, versionID, ext)
}
