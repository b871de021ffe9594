// Package storage abstracts the object store the provisioning protocol runs
// against. The only mutual-exclusion primitive the protocol relies on is
// CopyIfAbsent, an atomic create-if-absent write: when concurrent writers
// race on the same destination, at most one creation succeeds and the rest
// observe a benign no-op.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound reports a missing object.
var ErrNotFound = errors.New("object not found")

// ErrOwnerMismatch reports a bucket whose recorded owner differs from the
// caller's. It is a security condition, never retried.
var ErrOwnerMismatch = errors.New("bucket owner mismatch")

// Store is the storage capability the coordinator needs.
type Store interface {
	// EnsureBucket creates the bucket if needed; an existing bucket is
	// success. Ownership is not checked here.
	EnsureBucket(ctx context.Context, bucket, projectID string) error

	// VerifyOwner confirms the bucket's recorded owner equals expected.
	// A mismatch wraps ErrOwnerMismatch.
	VerifyOwner(ctx context.Context, bucket, expected string) error

	// Download streams the object into dst. A missing object wraps
	// ErrNotFound.
	Download(ctx context.Context, bucket, key string, dst io.Writer) (int64, error)

	// CopyIfAbsent server-side copies src to dst only if dst does not
	// already exist. A lost race returns (false, nil).
	CopyIfAbsent(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (created bool, err error)
}
