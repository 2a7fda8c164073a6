// Package testutil holds test doubles for the storage backends.
package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// MockS3 is an in-process S3 endpoint with one pre-created bucket.
type MockS3 struct {
	Server *httptest.Server
	Client *s3.Client
	Bucket string
}

// StartMockS3 boots an in-memory S3 server and returns a client wired
// to it. Callers must Close the mock when done.
func StartMockS3(ctx context.Context, bucket string) (*MockS3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	backend := s3mem.New()
	faker := gofakes3.New(backend)
	server := httptest.NewServer(faker.Server())

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		server.Close()
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(server.URL)
	})

	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		server.Close()
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}

	return &MockS3{
		Server: server,
		Client: client,
		Bucket: bucket,
	}, nil
}

// ObjectCount returns how many objects the bucket currently holds.
func (m *MockS3) ObjectCount(ctx context.Context) (int, error) {
	total := 0
	var token *string
	for {
		out, err := m.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.Bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return 0, fmt.Errorf("list objects: %w", err)
		}
		total += len(out.Contents)
		if out.IsTruncated == nil || !*out.IsTruncated {
			return total, nil
		}
		token = out.NextContinuationToken
	}
}

func (m *MockS3) Close() {
	if m == nil || m.Server == nil {
		return
	}
	m.Server.Close()
}
