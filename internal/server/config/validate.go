package config

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// MaxUploadBytes parses MaxUploadSize ("32MiB", "10 MB", "1048576").
func (c *Config) MaxUploadBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("max upload size %q: %w", c.MaxUploadSize, err)
	}
	return int64(n), nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.ObjectStoreBackend {
	case "s3", "minio":
	default:
		errs = append(errs, fmt.Errorf("unknown object store backend %q", c.ObjectStoreBackend))
	}
	if c.S3Bucket == "" {
		errs = append(errs, errors.New("s3 bucket is required"))
	}
	if c.StagingDir == "" {
		errs = append(errs, errors.New("staging dir is required"))
	}
	if c.BackoffInitialDelay <= 0 {
		errs = append(errs, errors.New("backoff initial delay must be positive"))
	}
	if c.BackoffCeiling < c.BackoffInitialDelay {
		errs = append(errs, errors.New("backoff ceiling must not be below the initial delay"))
	}
	if c.MaxParallelPuts <= 0 {
		errs = append(errs, errors.New("max parallel puts must be positive"))
	}
	if c.PresignTTL <= 0 {
		errs = append(errs, errors.New("presign ttl must be positive"))
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
