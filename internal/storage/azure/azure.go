package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/docstore/internal/storage"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
}

// Store implements storage.ObjectStore backed by Azure Blob Storage. Buckets
// map onto containers.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
}

// New constructs a Store and ensures the default container exists.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{client: client, endpoint: endpoint, container: cfg.Container}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
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
	return transportAdapter{rt: clone}
}

// Client exposes the underlying Azure Blob client (primarily for diagnostics).
func (s *Store) Client() *azblob.Client {
	return s.client
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Close satisfies storage.ObjectStore (no-op for Azure).
func (s *Store) Close() error { return nil }

// Name implements storage.ObjectStore.
func (s *Store) Name() string { return "azure" }

// DefaultBucket returns the configured container.
func (s *Store) DefaultBucket() string { return s.container }

func (s *Store) containerName(bucket string) string {
	if bucket == "" {
		return s.container
	}
	return bucket
}

// GetObject implements storage.ObjectStore.
func (s *Store) GetObject(ctx context.Context, bucket, key string) (storage.GetObjectResult, error) {
	resp, err := s.client.DownloadStream(ctx, s.containerName(bucket), key, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, wrapError(err, "azure: download object")
	}
	info := &storage.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = stripETag(string(*resp.ETag))
	}
	if resp.VersionID != nil {
		info.VersionID = *resp.VersionID
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// HeadObject implements storage.ObjectStore.
func (s *Store) HeadObject(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName(bucket)).NewBlobClient(key)
	resp, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "azure: get properties")
	}
	info := &storage.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = stripETag(string(*resp.ETag))
	}
	if resp.VersionID != nil {
		info.VersionID = *resp.VersionID
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	return info, nil
}

// PutObject implements storage.ObjectStore.
func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	}
	counter := &countingReader{r: body}
	resp, err := s.client.UploadStream(ctx, s.containerName(bucket), key, counter, uploadOpts)
	if err != nil {
		return nil, wrapError(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{Key: key, ContentType: contentType, Size: counter.n, LastModified: time.Now().UTC()}
	if resp.ETag != nil {
		info.ETag = stripETag(string(*resp.ETag))
	}
	if resp.VersionID != nil {
		info.VersionID = *resp.VersionID
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	return info, nil
}

// DeleteObject implements storage.ObjectStore.
func (s *Store) DeleteObject(ctx context.Context, bucket, key string, opts storage.DeleteObjectOptions) error {
	_, err := s.client.DeleteBlob(ctx, s.containerName(bucket), key, nil)
	if err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return wrapError(err, "azure: delete object")
	}
	return nil
}

// ListObjects implements storage.ObjectStore. Azure markers are opaque, so
// the continuation token is the last key returned and earlier keys are
// skipped client side.
func (s *Store) ListObjects(ctx context.Context, bucket string, opts storage.ListOptions) (*storage.ListResult, error) {
	listOpts := &azblob.ListBlobsFlatOptions{}
	if opts.Prefix != "" {
		listOpts.Prefix = to.Ptr(opts.Prefix)
	}
	pager := s.client.NewListBlobsFlatPager(s.containerName(bucket), listOpts)
	result := &storage.ListResult{Objects: []storage.ObjectInfo{}}
	limit := opts.Limit
	if limit <= 0 {
		limit = int(^uint(0) >> 1)
	}
outer:
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			name := *item.Name
			if opts.ContinuationToken != "" && name <= opts.ContinuationToken {
				continue
			}
			if len(result.Objects) >= limit {
				result.Truncated = true
				break outer
			}
			info := storage.ObjectInfo{Key: name}
			if item.VersionID != nil {
				info.VersionID = *item.VersionID
			}
			if item.Properties != nil {
				if item.Properties.ETag != nil {
					info.ETag = stripETag(string(*item.Properties.ETag))
				}
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.LastModified = item.Properties.LastModified.UTC()
				}
				if item.Properties.ContentType != nil {
					info.ContentType = *item.Properties.ContentType
				}
			}
			result.Objects = append(result.Objects, info)
		}
	}
	if result.Truncated && len(result.Objects) > 0 {
		result.NextToken = result.Objects[len(result.Objects)-1].Key
	}
	return result, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= http.StatusInternalServerError ||
			respErr.StatusCode == http.StatusTooManyRequests ||
			respErr.StatusCode == http.StatusRequestTimeout
	}
	return false
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}
