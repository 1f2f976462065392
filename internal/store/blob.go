// Package store implements the durable state of the snapcue pipeline on top
// of a single S3 bucket: the schedule document, the daily completion and
// failure journals, and the tenant registry.
//
// The bucket layout is:
//
//	schedule.json                      the schedule document
//	completed/<YYYY-MM-DD>.json        append-only completion records per UTC day
//	failed/<YYYY-MM-DD>.json           append-only failure records per UTC day
//	registered/<org>--<site>.json      one record per registered tenant
//
// The underlying store offers no partial-update primitive, so every mutation
// is a whole-object load-mutate-save cycle. Saves use S3 conditional writes
// (If-Match on the ETag observed at load) so a concurrent writer surfaces as
// ErrVersionConflict instead of a silent lost update; callers retry the whole
// cycle a bounded number of times.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrVersionConflict is returned by conditional saves when the object changed
// since it was loaded. Callers reload and reapply their mutation.
var ErrVersionConflict = errors.New("store: object version changed since load")

// ErrAlreadyExists is returned by create-only saves when the object is
// already present.
var ErrAlreadyExists = errors.New("store: object already exists")

// retryableConflict reports whether a conditional save lost a race it can
// win by reloading: either the object changed under an If-Match save, or a
// concurrent writer created it first under an If-None-Match save.
func retryableConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrAlreadyExists)
}

// S3API is the subset of the S3 client used by the blob store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// BlobStore wraps an S3 bucket with JSON get/put helpers and conditional
// write semantics.
type BlobStore struct {
	client S3API
	bucket string
	logger *slog.Logger
}

// NewBlobStore creates a BlobStore over the given bucket.
func NewBlobStore(client S3API, bucket string, logger *slog.Logger) *BlobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlobStore{
		client: client,
		bucket: bucket,
		logger: logger,
	}
}

// GetJSON loads the object at key and unmarshals it into dst. A missing
// object returns found=false with no error; the returned etag versions a
// subsequent conditional PutJSON.
func (b *BlobStore) GetJSON(ctx context.Context, key string, dst any) (etag string, found bool, err error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: getting %s/%s: %w", b.bucket, key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return "", false, fmt.Errorf("store: reading %s/%s: %w", b.bucket, key, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return "", false, fmt.Errorf("store: decoding %s/%s: %w", b.bucket, key, err)
	}

	return aws.ToString(out.ETag), true, nil
}

// PutJSON marshals v and writes it to key.
//
// The etag parameter controls the write condition:
//   - non-empty: the write succeeds only if the stored object still carries
//     that ETag (If-Match); otherwise ErrVersionConflict.
//   - empty: the write succeeds only if no object exists yet (If-None-Match);
//     otherwise ErrAlreadyExists.
func (b *BlobStore) PutJSON(ctx context.Context, key string, v any, etag string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encoding %s/%s: %w", b.bucket, key, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if etag != "" {
		input.IfMatch = aws.String(etag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			if etag == "" {
				return fmt.Errorf("store: putting %s/%s: %w", b.bucket, key, ErrAlreadyExists)
			}
			return fmt.Errorf("store: putting %s/%s: %w", b.bucket, key, ErrVersionConflict)
		}
		return fmt.Errorf("store: putting %s/%s: %w", b.bucket, key, err)
	}
	return nil
}

// PutRaw writes pre-encoded bytes to key without any write condition. Used
// by the journal archiver for compressed cold-storage objects.
func (b *BlobStore) PutRaw(ctx context.Context, key string, body []byte, contentType, contentEncoding string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if contentEncoding != "" {
		input.ContentEncoding = aws.String(contentEncoding)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("store: putting %s/%s: %w", b.bucket, key, err)
	}
	return nil
}

// GetRaw loads the raw bytes of the object at key. A missing object returns
// found=false with no error.
func (b *BlobStore) GetRaw(ctx context.Context, key string) (body []byte, found bool, err error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: getting %s/%s: %w", b.bucket, key, err)
	}
	defer out.Body.Close()

	body, err = io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("store: reading %s/%s: %w", b.bucket, key, err)
	}
	return body, true, nil
}

// List returns the keys under the given prefix, following continuation
// tokens until the listing is exhausted.
func (b *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string

	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("store: listing %s/%s: %w", b.bucket, prefix, err)
		}

		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}

		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

// Delete removes the object at key. Deleting an absent key is a no-op at the
// S3 level and is treated as success.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("store: deleting %s/%s: %w", b.bucket, key, err)
	}
	return nil
}

// isNotFound reports whether err is an S3 missing-object error.
func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// isPreconditionFailed reports whether err is a conditional-write rejection.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return false
}
