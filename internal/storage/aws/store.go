package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the AWS SDK object store adapter.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Insecure       bool
	ForcePathStyle bool
	// AccessKeyID and SecretAccessKey pin static credentials. When empty the
	// default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	// Flavour is reported by Name; defaults to "aws".
	Flavour string
}

// R2Config describes a Cloudflare R2 bucket.
type R2Config struct {
	AccountID       string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides https://{AccountID}.r2.cloudflarestorage.com.
	Endpoint string
}

// Store implements storage.ObjectStore backed by the AWS SDK v2 S3 client.
type Store struct {
	client *s3.Client
	cfg    Config
}

const awsOpTimeout = 5 * time.Minute

// New constructs an AWS S3 object store.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Flavour == "" {
		cfg.Flavour = "aws"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport(cfg.Insecure)}),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: load config: %w", cfg.Flavour, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.Insecure))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{client: client, cfg: cfg}, nil
}

// NewR2 builds a Store pointed at Cloudflare R2. R2 speaks the S3 API with
// region "auto" and path-style addressing.
func NewR2(cfg R2Config) (*Store, error) {
	if cfg.AccountID == "" && cfg.Endpoint == "" {
		return nil, fmt.Errorf("r2: account id is required")
	}
	return New(r2StoreConfig(cfg))
}

func r2StoreConfig(cfg R2Config) Config {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	return Config{
		Endpoint:        endpoint,
		Region:          "auto",
		Bucket:          cfg.Bucket,
		ForcePathStyle:  true,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Flavour:         "r2",
	}
}

func endpointURL(endpoint string, insecure bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	scheme := "https"
	if insecure {
		scheme = "http"
	}
	return scheme + "://" + endpoint
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.ObjectStore and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Name implements storage.ObjectStore.
func (s *Store) Name() string { return s.cfg.Flavour }

// DefaultBucket implements storage.ObjectStore.
func (s *Store) DefaultBucket() string { return s.cfg.Bucket }

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client {
	return s.client
}

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = loggingutil.NoopLogger()
	}
	return logger.With("flavour", s.cfg.Flavour)
}

func (s *Store) bucket(name string) string {
	if name == "" {
		return s.cfg.Bucket
	}
	return name
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= awsOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.wrapError(err, "head bucket")
	}
	return true, nil
}

// GetObject implements storage.ObjectStore.
func (s *Store) GetObject(ctx context.Context, bucket, key string) (storage.GetObjectResult, error) {
	logger := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	bucket = s.bucket(bucket)
	logger.Trace("aws.get_object.begin", "bucket", bucket, "key", key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.get_object.get_error", "bucket", bucket, "key", key, "error", err)
		return storage.GetObjectResult{}, s.wrapError(err, "get object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		VersionID:    aws.ToString(resp.VersionId),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
		ContentType:  aws.ToString(resp.ContentType),
	}
	return storage.GetObjectResult{Reader: wrapReadCloser(resp.Body, cancel), Info: info}, nil
}

// HeadObject implements storage.ObjectStore.
func (s *Store) HeadObject(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, s.wrapError(err, "head object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		VersionID:    aws.ToString(resp.VersionId),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
		ContentType:  aws.ToString(resp.ContentType),
	}, nil
}

// PutObject implements storage.ObjectStore. Bodies that cannot seek are
// buffered so the SDK can sign and retry the payload.
func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	bucket = s.bucket(bucket)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	var (
		reader io.Reader
		size   int64
	)
	switch b := body.(type) {
	case *bytes.Reader:
		reader, size = b, int64(b.Len())
	case *strings.Reader:
		reader, size = b, int64(b.Len())
	default:
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, storage.Wrap(storage.KindIO, "aws: read body", err)
		}
		reader, size = bytes.NewReader(data), int64(len(data))
	}
	resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		logger.Debug("aws.put_object.put_error", "bucket", bucket, "key", key, "error", err)
		return nil, s.wrapError(err, "put object")
	}
	logger.Trace("aws.put_object.success", "bucket", bucket, "key", key, "size", size)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		VersionID:    aws.ToString(resp.VersionId),
		Size:         size,
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}, nil
}

// DeleteObject implements storage.ObjectStore. S3 reports success for
// missing keys, so absence is detected with a HEAD first.
func (s *Store) DeleteObject(ctx context.Context, bucket, key string, opts storage.DeleteObjectOptions) error {
	if !opts.IgnoreNotFound {
		if _, err := s.HeadObject(ctx, bucket, key); err != nil {
			return err
		}
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	bucket = s.bucket(bucket)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		s.loggers(ctx).Debug("aws.delete_object.remove_error", "bucket", bucket, "key", key, "error", err)
		return s.wrapError(err, "delete object")
	}
	return nil
}

// ListObjects implements storage.ObjectStore. Tokens are the last key of the
// previous page and map onto StartAfter.
func (s *Store) ListObjects(ctx context.Context, bucket string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket(bucket)),
		Prefix: aws.String(opts.Prefix),
	}
	if opts.ContinuationToken != "" {
		input.StartAfter = aws.String(opts.ContinuationToken)
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}
	resp, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		s.loggers(ctx).Debug("aws.list_objects.error", "prefix", opts.Prefix, "error", err)
		return nil, s.wrapError(err, "list objects")
	}
	result := &storage.ListResult{Objects: []storage.ObjectInfo{}}
	for _, object := range resp.Contents {
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          aws.ToString(object.Key),
			ETag:         stripETag(aws.ToString(object.ETag)),
			Size:         aws.ToInt64(object.Size),
			LastModified: aws.ToTime(object.LastModified),
		})
	}
	if aws.ToBool(resp.IsTruncated) {
		result.Truncated = true
	}
	if result.Truncated && len(result.Objects) > 0 {
		result.NextToken = result.Objects[len(result.Objects)-1].Key
	}
	return result, nil
}

func wrapReadCloser(rc io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	if cancel == nil {
		return rc
	}
	return &cancelReadCloser{ReadCloser: rc, cancel: cancel}
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}
