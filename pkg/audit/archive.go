package audit

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver stores expired audit logs before the retention sweep deletes them
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// S3API is the subset of the S3 client used for archiving
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes archives as objects in a bucket
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Archiver creates an archiver writing under prefix in bucket
func NewS3Archiver(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// NewS3ArchiverFromConfig builds the S3 client from an AWS configuration.
// A non-empty endpoint targets an S3-compatible store with path-style
// addressing.
func NewS3ArchiverFromConfig(cfg aws.Config, bucket, prefix, endpoint string) *S3Archiver {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Archiver(client, bucket, prefix)
}

// Archive uploads body under the archiver prefix
func (a *S3Archiver) Archive(ctx context.Context, key string, body []byte) error {
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit archive %s: %w", key, err)
	}
	return nil
}

// archiveKey names the archive of logs older than cutoff
func archiveKey(cutoff time.Time) string {
	cutoff = cutoff.UTC()
	return fmt.Sprintf("audit-logs/%s/audit-%s.ndjson.gz",
		cutoff.Format("2006/01/02"), cutoff.Format("20060102T150405Z"))
}
