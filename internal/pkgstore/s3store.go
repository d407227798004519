// Package pkgstore reads produced flow artifacts from S3-compatible object
// storage. The flow manager only ever fetches the descriptor a finished flow
// wrote; uploads happen elsewhere in the platform.
package pkgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// descriptorObject is the object name a flow writes under its flow id prefix.
const descriptorObject = "datapackage.json"

// DefaultTimeout bounds a single descriptor fetch.
const DefaultTimeout = 30 * time.Second

// S3Config holds connection settings for the package store bucket.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// Timeout is the per-fetch context timeout. Defaults to 30s if zero.
	Timeout time.Duration
}

// S3Store implements flow.DescriptorStore against MinIO / S3-compatible storage.
type S3Store struct {
	client  *minio.Client
	bucket  string
	timeout time.Duration
}

// NewS3Store creates an S3Store for the configured bucket. The bucket must
// already exist; the flow manager never writes to it.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
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

	return &S3Store{client: client, bucket: cfg.Bucket, timeout: timeout}, nil
}

// GetDescriptor reads <flowID>/datapackage.json from the bucket. Returns
// (nil, nil) if the flow never produced one. The document is decoded with
// UseNumber so the search indexer can normalize numerics without float drift.
func (s *S3Store) GetDescriptor(ctx context.Context, flowID string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	path := flowID + "/" + descriptorObject
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("stat object %s: %w", path, err)
	}

	dec := json.NewDecoder(obj)
	dec.UseNumber()
	var descriptor map[string]any
	if err := dec.Decode(&descriptor); err != nil {
		return nil, fmt.Errorf("decode descriptor %s: %w", path, err)
	}
	return descriptor, nil
}

// HealthCheck verifies the bucket is reachable.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}
