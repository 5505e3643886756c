package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the minimal blob contract implemented by the S3, AWS, Azure
// and in-memory adapters. Buckets are explicit so the same client serves the
// session store, object sync targets and object watches.
type ObjectStore interface {
	// GetObject returns a reader for key. Callers must close the reader.
	// Missing objects return ErrNotFound.
	GetObject(ctx context.Context, bucket, key string) (GetObjectResult, error)
	// PutObject replaces the object at key.
	PutObject(ctx context.Context, bucket, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes key. Missing objects return ErrNotFound unless
	// opts.IgnoreNotFound is set.
	DeleteObject(ctx context.Context, bucket, key string, opts DeleteObjectOptions) error
	// HeadObject returns metadata without the body.
	HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	// ListObjects returns one page of keys under opts.Prefix in lexical order.
	ListObjects(ctx context.Context, bucket string, opts ListOptions) (*ListResult, error)
	// DefaultBucket is the bucket the adapter was configured with.
	DefaultBucket() string
	// Name identifies the adapter flavour (s3, aws, r2, azure, memory).
	Name() string
	Close() error
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	VersionID    string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// PutObjectOptions controls metadata for PutObject. Size is the body length
// when known, -1 otherwise.
type PutObjectOptions struct {
	ContentType string
	Size        int64
}

// DeleteObjectOptions controls DeleteObject behaviour.
type DeleteObjectOptions struct {
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal. ContinuationToken is opaque and
// comes from a previous ListResult.NextToken.
type ListOptions struct {
	Prefix            string
	ContinuationToken string
	Limit             int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects   []ObjectInfo
	NextToken string
	Truncated bool
}

// ListAllObjects pages through every object under prefix.
func ListAllObjects(ctx context.Context, store ObjectStore, bucket, prefix string) ([]ObjectInfo, error) {
	var (
		out   []ObjectInfo
		token string
	)
	for {
		page, err := store.ListObjects(ctx, bucket, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.Truncated || page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}
