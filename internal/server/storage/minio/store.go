// Package minio implements storage.ObjectStore with minio-go.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dmitrijs2005/doccatalog/internal/server/storage"
)

// Store is a bucket on an S3-compatible server reached through minio-go.
type Store struct {
	client *minio.Client
	bucket string
	region string
}

var _ storage.ObjectStore = (*Store)(nil)

// New builds a Store. A scheme on cfg.Endpoint overrides cfg.Insecure.
func New(cfg storage.Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio: bucket is required")
	}
	endpoint, secure := splitEndpoint(cfg.Endpoint, !cfg.Insecure)
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}

	var creds *credentials.Credentials
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        creds,
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: create client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// Endpoint is the base URL requests are sent to.
func (s *Store) Endpoint() string {
	return s.client.EndpointURL().String()
}

func splitEndpoint(raw string, secure bool) (string, bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "https://"):
		raw, secure = strings.TrimPrefix(raw, "https://"), true
	case strings.HasPrefix(raw, "http://"):
		raw, secure = strings.TrimPrefix(raw, "http://"), false
	}
	return strings.TrimRight(raw, "/"), secure
}

func (s *Store) Put(ctx context.Context, documentID, fileName string, body io.ReadSeeker, size int64) error {
	ctx, cancel := storage.WithTimeout(ctx)
	defer cancel()

	_, err := s.client.PutObject(ctx, s.bucket, storage.ObjectKey(documentID, fileName), body, size,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("minio: put object: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, documentID, fileName string) error {
	ctx, cancel := storage.WithTimeout(ctx)
	defer cancel()

	err := s.client.RemoveObject(ctx, s.bucket, storage.ObjectKey(documentID, fileName), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("minio: remove object: %w", err)
	}
	return nil
}

func (s *Store) PresignGet(ctx context.Context, documentID, fileName string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, storage.ObjectKey(documentID, fileName), ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("minio: presign get: %w", err)
	}
	return u.String(), nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	ctx, cancel := storage.WithTimeout(ctx)
	defer cancel()

	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("minio: bucket exists: %w", err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("minio: make bucket: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}
