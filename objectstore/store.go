// Package objectstore provides the thin ObjectStore abstraction behind
// the /minio/buckets inventory endpoints (§6): spec.md explicitly
// scopes the bucket client out of the CORE ingestion/retrieval
// pipeline, so this package only needs to list and describe objects,
// not manage the ingestion lifecycle itself.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by ObjectStore implementations.
var (
	ErrNotFound      = errors.New("object not found")
	ErrAccessDenied  = errors.New("access denied")
	ErrBucketMissing = errors.New("bucket does not exist")
)

// ObjectAttrs describes one stored object's inventory metadata.
type ObjectAttrs struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// ListOptions configures ListObjects.
type ListOptions struct {
	Prefix string
	Limit  int
	Offset int
}

// ListResult is the outcome of a ListObjects call.
type ListResult struct {
	Objects []ObjectAttrs
	Total   int
}

// ObjectStore is the narrow read-path interface the /minio/* inventory
// endpoints depend on.
type ObjectStore interface {
	ListBuckets(ctx context.Context) ([]string, error)
	ListObjects(ctx context.Context, bucket string, opts ListOptions) (ListResult, error)
	Head(ctx context.Context, bucket, key string) (ObjectAttrs, error)
	Ping(ctx context.Context) error
}
