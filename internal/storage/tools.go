// Package storage fetches guest tools images from S3-compatible object storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the configuration for the S3 storage backend.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// ToolsStore downloads guest tools images referenced as s3://bucket/key.
type ToolsStore struct {
	client *s3.Client
}

// NewToolsStore creates a new S3 tools store.
func NewToolsStore(cfg S3Config) *ToolsStore {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = cfg.Region
			if cfg.AccessKeyID != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		},
	}

	return &ToolsStore{client: s3.New(s3.Options{}, opts...)}
}

// ParseURI splits s3://bucket/key into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 URI: %q", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 URI %q needs a bucket and a key", uri)
	}
	return bucket, key, nil
}

// FetchTools downloads the image at uri to a temporary file. cleanup removes
// the file again.
func (s *ToolsStore) FetchTools(ctx context.Context, uri string) (string, func(), error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return "", nil, err
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	defer resp.Body.Close()

	f, err := os.CreateTemp("", "guest-tools-*.iso")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(f.Name()) }

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}

	log.Printf("storage: fetched %s (%d bytes)", uri, n)
	return f.Name(), cleanup, nil
}
