// Package storage archives captured raw API payloads to S3-compatible object
// storage so the Postgres raw_responses table only keeps metadata.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

// Default timeouts for S3 operations.
const (
	DefaultMetadataTimeout = 10 * time.Second // Stat, Delete, bucket checks
	DefaultDataTimeout     = 60 * time.Second // Get, Put (data transfer)
)

// S3Config holds connection and timeout settings for S3 storage.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// MetadataTimeout is the context timeout for metadata operations.
	// Defaults to 10s if zero.
	MetadataTimeout time.Duration

	// DataTimeout is the context timeout for data-transfer operations.
	// Defaults to 60s if zero.
	DataTimeout time.Duration
}

// S3Store archives raw payloads using MinIO / S3-compatible storage.
type S3Store struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// NewS3Store creates an S3Store with explicit timeout configuration.
// It configures the underlying HTTP transport with connection and TLS
// timeouts, applies per-operation context timeouts to all S3 calls, and
// auto-creates the bucket if it doesn't exist.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	// Custom transport with explicit dial and TLS timeouts.
	// ResponseHeaderTimeout is set to the metadata timeout — it bounds the
	// time waiting for the server to start replying, not the full download.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &S3Store{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
	}

	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *S3Store) withMetadataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.metadataTimeout)
}

func (s *S3Store) withDataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.dataTimeout)
}

// ensureBucket creates the bucket if it doesn't already exist.
func (s *S3Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// HealthCheck verifies the bucket is reachable. Used by the readiness probe.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("s3 health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3 bucket %s does not exist", s.bucket)
	}
	return nil
}

// ArchivePath builds the object key for a raw response: partitioned by source
// and fetch date, addressed by content hash.
func ArchivePath(rr *domain.RawResponse) string {
	return fmt.Sprintf("raw/%s/%s/%s.json",
		rr.SourceID, rr.FetchedAt.UTC().Format("2006/01/02"), rr.ContentHash)
}

// ArchiveRawResponse uploads the payload and returns the object path.
func (s *S3Store) ArchiveRawResponse(ctx context.Context, rr *domain.RawResponse) (string, error) {
	ctx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	path := ArchivePath(rr)
	_, err := s.client.PutObject(ctx, s.bucket, path,
		bytes.NewReader(rr.Payload), int64(len(rr.Payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("archive raw response %s: %w", path, err)
	}
	return path, nil
}

// ReadArchived downloads an archived payload by object path.
func (s *S3Store) ReadArchived(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get archived payload %s: %w", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read archived payload %s: %w", path, err)
	}
	return data, nil
}

// DeleteArchived removes an archived payload. Used by retention cleanup.
func (s *S3Store) DeleteArchived(ctx context.Context, path string) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete archived payload %s: %w", path, err)
	}
	return nil
}
