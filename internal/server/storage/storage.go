// Package storage defines the object store gateway used by the upload
// pipeline. Backends live in the aws and minio subpackages.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStore writes, removes and presigns attachment blobs. Every blob is
// addressed by ObjectKey(documentID, fileName); Put overwrites, so repeating
// a put for the same name is harmless.
type ObjectStore interface {
	Put(ctx context.Context, documentID, fileName string, body io.ReadSeeker, size int64) error
	Delete(ctx context.Context, documentID, fileName string) error
	PresignGet(ctx context.Context, documentID, fileName string, ttl time.Duration) (string, error)
}

// ObjectKey is the remote key of an attachment.
func ObjectKey(documentID, fileName string) string {
	return documentID + "/" + fileName
}

// Config is shared by the object store backends.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Insecure selects http when Endpoint carries no scheme.
	Insecure bool
}

// OpTimeout bounds a single backend call that arrives without a tighter deadline.
const OpTimeout = 5 * time.Minute

// WithTimeout applies OpTimeout unless ctx already expires sooner.
func WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= OpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, OpTimeout)
}
