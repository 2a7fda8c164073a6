package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"
)

// S3BlobStore implements BlobStore on AWS S3 (or any S3-compatible
// service). Blob ids are the object keys; URLs are stable and derived
// from PublicBaseURL so a CDN can front the bucket.
type S3BlobStore struct {
	Client *s3.Client
	Bucket string
	Prefix string

	// PublicBaseURL is the externally reachable base for blob URLs,
	// e.g. "https://cdn.example.com". Empty means the standard
	// virtual-hosted S3 URL for Bucket.
	PublicBaseURL string
}

// NewS3BlobStore creates an S3-backed blob store. The prefix is
// optional and namespaces all keys.
func NewS3BlobStore(client *s3.Client, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{
		Client: client,
		Bucket: bucket,
		Prefix: prefix,
	}
}

// Upload writes data under a timestamped unique key derived from
// nameHint and returns the blob's stable URL, id and size.
//
// Throttling and 5xx responses map to ErrBackendTimeout and
// ErrBackendUnavailable so callers can decide whether to retry.
func (s *S3BlobStore) Upload(ctx context.Context, data []byte, nameHint, folderHint string) (*BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := s.buildKey(nameHint, folderHint)

	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", key, classifyS3Error(err))
	}

	return &BlobInfo{
		URL:    s.publicURL(key),
		BlobID: key,
		Size:   int64(len(data)),
	}, nil
}

// Delete removes the blob. A missing key is not an error.
func (s *S3BlobStore) Delete(ctx context.Context, blobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if blobID == "" {
		return nil
	}

	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(blobID),
	})
	if err != nil {
		var notFoundErr *types.NotFound
		if errors.As(err, &notFoundErr) {
			return nil
		}
		return fmt.Errorf("delete object %s: %w", blobID, classifyS3Error(err))
	}
	return nil
}

// List returns the keys and sizes of all blobs under the prefix.
// Maintenance uses it for orphan cross-checks when available.
func (s *S3BlobStore) List(ctx context.Context, folderHint string) ([]BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPrefix := s.Prefix
	if folderHint != "" {
		fullPrefix = path.Join(fullPrefix, folderHint) + "/"
	}

	items := make([]BlobInfo, 0)
	var token *string
	for {
		out, err := s.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.Bucket),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects for prefix %s: %w", fullPrefix, classifyS3Error(err))
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			items = append(items, BlobInfo{
				URL:    s.publicURL(key),
				BlobID: key,
				Size:   aws.ToInt64(obj.Size),
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return items, nil
}

// buildKey mirrors the original folder layout: <prefix>/<folderHint>/
// <base>_<timestamp>_<short id>.zip, with spaces in the hint collapsed.
func (s *S3BlobStore) buildKey(nameHint, folderHint string) string {
	base := strings.TrimSuffix(strings.TrimSpace(nameHint), ".zip")
	base = strings.ReplaceAll(base, " ", "_")
	if base == "" {
		base = "bundle"
	}
	stamp := time.Now().UTC().Format("20060102_150405")
	short := uuid.NewString()[:8]
	name := fmt.Sprintf("%s_%s_%s.zip", base, stamp, short)

	parts := make([]string, 0, 3)
	if s.Prefix != "" {
		parts = append(parts, strings.Trim(s.Prefix, "/"))
	}
	if folderHint != "" {
		parts = append(parts, strings.Trim(folderHint, "/"))
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

func (s *S3BlobStore) publicURL(key string) string {
	if s.PublicBaseURL != "" {
		return strings.TrimRight(s.PublicBaseURL, "/") + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.Bucket, key)
}

// classifyS3Error maps throttling and availability responses onto the
// stable error kinds; everything else passes through for wrapping.
func classifyS3Error(err error) error {
	var responseErr *smithyhttp.ResponseError
	if errors.As(err, &responseErr) {
		switch responseErr.HTTPStatusCode() {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusInternalServerError:
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	return err
}
