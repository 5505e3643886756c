package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go/v4"
	cfkv "github.com/cloudflare/cloudflare-go/v4/kv"
	"github.com/cloudflare/cloudflare-go/v4/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/docstore/internal/storage"
)

const (
	cloudflareBodyLimit      = 32 << 20
	defaultCloudflareRetries = 2
)

// CloudflareConfig configures the Workers KV store.
type CloudflareConfig struct {
	AccountID   string
	NamespaceID string
	APIToken    string
	// BaseURL overrides the SDK's API endpoint; tests point it at httptest.
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// Retries bounds the SDK's own retries of 429 and 5xx answers. Zero
	// uses the default, negative disables them.
	Retries int
}

// Cloudflare stores values in a Workers KV namespace.
type Cloudflare struct {
	api       *cloudflare.Client
	http      *http.Client
	account   string
	namespace string
}

// NewCloudflare validates cfg and returns a Workers KV backed Store.
func NewCloudflare(cfg CloudflareConfig) (*Cloudflare, error) {
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, fmt.Errorf("kv: cloudflare account id required")
	}
	if strings.TrimSpace(cfg.NamespaceID) == "" {
		return nil, fmt.Errorf("kv: cloudflare namespace id required")
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, fmt.Errorf("kv: cloudflare api token required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	retries := cfg.Retries
	switch {
	case retries == 0:
		retries = defaultCloudflareRetries
	case retries < 0:
		retries = 0
	}
	opts := []option.RequestOption{
		option.WithAPIToken(cfg.APIToken),
		option.WithHTTPClient(client),
		option.WithMaxRetries(retries),
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base+"/"))
	}
	return &Cloudflare{
		api:       cloudflare.NewClient(opts...),
		http:      client,
		account:   cfg.AccountID,
		namespace: cfg.NamespaceID,
	}, nil
}

func cloudflareError(op, key string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	wrapped := fmt.Errorf("kv: cloudflare %s %q: %w", op, key, err)
	var apiErr *cloudflare.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return storage.NewTransientError(wrapped)
		}
		return wrapped
	}
	return storage.NewTransientError(wrapped)
}

func isCloudflareNotFound(err error) bool {
	var apiErr *cloudflare.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Get implements Store.
func (c *Cloudflare) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.api.KV.Namespaces.Values.Get(ctx, c.namespace, key, cfkv.NamespaceValueGetParams{
		AccountID: cloudflare.F(c.account),
	})
	if err != nil {
		if isCloudflareNotFound(err) {
			return nil, errNotFound(key)
		}
		return nil, cloudflareError("get", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, cloudflareBodyLimit))
	if err != nil {
		return nil, storage.NewTransientError(fmt.Errorf("kv: cloudflare read %q: %w", key, err))
	}
	return data, nil
}

// Put implements Store.
func (c *Cloudflare) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.api.KV.Namespaces.Values.Update(ctx, c.namespace, key, cfkv.NamespaceValueUpdateParams{
		AccountID: cloudflare.F(c.account),
		Value:     cloudflare.F(string(value)),
	})
	if err != nil {
		return cloudflareError("put", key, err)
	}
	return nil
}

// Delete implements Store. A 404 from Workers KV reports a missing key.
func (c *Cloudflare) Delete(ctx context.Context, key string) (bool, error) {
	_, err := c.api.KV.Namespaces.Values.Delete(ctx, c.namespace, key, cfkv.NamespaceValueDeleteParams{
		AccountID: cloudflare.F(c.account),
	})
	if err != nil {
		if isCloudflareNotFound(err) {
			return false, nil
		}
		return false, cloudflareError("delete", key, err)
	}
	return true, nil
}

// Name implements Store.
func (c *Cloudflare) Name() string { return "cloudflare" }

// Close implements Store.
func (c *Cloudflare) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
