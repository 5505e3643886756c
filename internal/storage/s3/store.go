package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the S3-compatible object store adapter.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Insecure       bool
	ForcePathStyle bool
	// AccessKey and SecretKey pin static credentials; when empty the
	// AWS/MinIO environment, credential file and IAM chain is consulted.
	AccessKey   string
	SecretKey   string
	CustomCreds *credentials.Credentials
	Transport   http.RoundTripper
}

// Store implements storage.ObjectStore backed by any S3-compatible service
// through the MinIO client.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	switch {
	case cfg.CustomCreds != nil:
		creds = cfg.CustomCreds
	case cfg.AccessKey != "":
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	default:
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close satisfies storage.ObjectStore and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Name implements storage.ObjectStore.
func (s *Store) Name() string { return "s3" }

// DefaultBucket implements storage.ObjectStore.
func (s *Store) DefaultBucket() string { return s.cfg.Bucket }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client {
	return s.client
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = loggingutil.NoopLogger()
	}
	return logger
}

func (s *Store) bucket(name string) string {
	if name == "" {
		return s.cfg.Bucket
	}
	return name
}

// GetObject implements storage.ObjectStore.
func (s *Store) GetObject(ctx context.Context, bucket, key string) (storage.GetObjectResult, error) {
	logger := s.loggers(ctx)
	bucket = s.bucket(bucket)
	logger.Trace("s3.get_object.begin", "bucket", bucket, "key", key)
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		logger.Debug("s3.get_object.get_error", "bucket", bucket, "key", key, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "s3: get object")
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.get_object.stat_error", "bucket", bucket, "key", key, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "s3: stat object")
	}
	return storage.GetObjectResult{
		Reader: &notFoundAwareObject{object: obj},
		Info:   objectInfo(key, info),
	}, nil
}

// HeadObject implements storage.ObjectStore.
func (s *Store) HeadObject(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket(bucket), key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "s3: stat object")
	}
	return objectInfo(key, info), nil
}

// PutObject implements storage.ObjectStore.
func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.loggers(ctx)
	bucket = s.bucket(bucket)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	length := opts.Size
	if length == 0 {
		length = -1
	}
	if length < 0 {
		if seeker, ok := body.(io.Seeker); ok {
			if current, err := seeker.Seek(0, io.SeekCurrent); err == nil {
				if end, err := seeker.Seek(0, io.SeekEnd); err == nil {
					length = end - current
					_, _ = seeker.Seek(current, io.SeekStart)
				}
			}
		}
	}
	info, err := s.client.PutObject(ctx, bucket, key, body, length, putOpts)
	if err != nil {
		logger.Debug("s3.put_object.put_error", "bucket", bucket, "key", key, "error", err)
		return nil, wrapError(err, "s3: put object")
	}
	logger.Trace("s3.put_object.success", "bucket", bucket, "key", key, "etag", stripETag(info.ETag), "size", info.Size)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		VersionID:    info.VersionID,
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}, nil
}

// DeleteObject implements storage.ObjectStore. S3 deletes are idempotent, so
// a stat is issued first to report missing keys.
func (s *Store) DeleteObject(ctx context.Context, bucket, key string, opts storage.DeleteObjectOptions) error {
	bucket = s.bucket(bucket)
	if !opts.IgnoreNotFound {
		if _, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
			if isNotFound(err) {
				return storage.ErrNotFound
			}
			return wrapError(err, "s3: stat object")
		}
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		s.loggers(ctx).Debug("s3.delete_object.remove_error", "bucket", bucket, "key", key, "error", err)
		return wrapError(err, "s3: delete object")
	}
	return nil
}

// ListObjects implements storage.ObjectStore. The continuation token is the
// last key returned, fed back as StartAfter.
func (s *Store) ListObjects(ctx context.Context, bucket string, opts storage.ListOptions) (*storage.ListResult, error) {
	bucket = s.bucket(bucket)
	listOpts := minio.ListObjectsOptions{
		Prefix:     opts.Prefix,
		Recursive:  true,
		StartAfter: opts.ContinuationToken,
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{Objects: []storage.ObjectInfo{}}
	lastKey := ""
	for object := range s.client.ListObjects(ctx, bucket, listOpts) {
		if object.Err != nil {
			return nil, wrapError(object.Err, "s3: list objects")
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextToken = lastKey
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          object.Key,
			ETag:         stripETag(object.ETag),
			VersionID:    object.VersionID,
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
		lastKey = object.Key
	}
	return result, nil
}

func objectInfo(key string, info minio.ObjectInfo) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		VersionID:    info.VersionID,
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}
