package kv

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"

	"pkt.systems/docstore/internal/kv/kvtest"
	"pkt.systems/docstore/internal/storage"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Get(ctx, "index:acme"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Put(ctx, "index:acme", []byte(`{"version":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, "index:acme")
	if err != nil || string(got) != `{"version":1}` {
		t.Fatalf("get: %q %v", got, err)
	}
	existed, err := store.Delete(ctx, "index:acme")
	if err != nil || !existed {
		t.Fatalf("delete: %v %v", existed, err)
	}
	existed, err = store.Delete(ctx, "index:acme")
	if err != nil || existed {
		t.Fatalf("second delete: %v %v", existed, err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemory())
}

type fakeCloudflare struct {
	mu     sync.Mutex
	values map[string]string
	fail   bool
}

const (
	cloudflareOK       = `{"success":true,"errors":[],"messages":[],"result":{}}`
	cloudflareNotFound = `{"success":false,"errors":[{"code":10009,"message":"get: 'key not found'"}],"messages":[],"result":null}`
)

func (f *fakeCloudflare) reply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakeCloudflare) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer secret" {
		f.reply(w, http.StatusForbidden, `{"success":false,"errors":[{"code":10000,"message":"Authentication error"}],"messages":[],"result":null}`)
		return
	}
	if f.fail {
		f.reply(w, http.StatusServiceUnavailable, `{"success":false,"errors":[{"code":10013,"message":"unavailable"}],"messages":[],"result":null}`)
		return
	}
	const prefix = "/accounts/acct/storage/kv/namespaces/ns/values/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		f.reply(w, http.StatusBadRequest, `{"success":false,"errors":[{"code":7003,"message":"bad route"}],"messages":[],"result":null}`)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, prefix)
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		value, ok := f.values[key]
		if !ok {
			f.reply(w, http.StatusNotFound, cloudflareNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, value)
	case http.MethodPut:
		var value string
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				f.reply(w, http.StatusBadRequest, `{"success":false,"errors":[{"code":10001,"message":"bad form"}],"messages":[],"result":null}`)
				return
			}
			value = r.FormValue("value")
		} else {
			body, _ := io.ReadAll(r.Body)
			value = string(body)
		}
		f.values[key] = value
		f.reply(w, http.StatusOK, cloudflareOK)
	case http.MethodDelete:
		if _, ok := f.values[key]; !ok {
			f.reply(w, http.StatusNotFound, cloudflareNotFound)
			return
		}
		delete(f.values, key)
		f.reply(w, http.StatusOK, cloudflareOK)
	}
}

func TestCloudflareStore(t *testing.T) {
	t.Parallel()

	fake := &fakeCloudflare{values: map[string]string{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	store, err := NewCloudflare(CloudflareConfig{AccountID: "acct", NamespaceID: "ns", APIToken: "secret", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)

	if err := store.Put(context.Background(), "lock:acme:index", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	fake.mu.Lock()
	value, ok := fake.values["lock:acme:index"]
	fake.mu.Unlock()
	if !ok || value != "x" {
		t.Fatalf("key not stored under its decoded name: %v", fake.values)
	}

	denied, err := NewCloudflare(CloudflareConfig{AccountID: "acct", NamespaceID: "ns", APIToken: "wrong", BaseURL: server.URL, Retries: -1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := denied.Get(context.Background(), "lock:acme:index"); err == nil || storage.IsTransient(err) || errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected permanent auth error, got %v", err)
	}
}

func TestCloudflareServerErrorsAreTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(&fakeCloudflare{values: map[string]string{}, fail: true})
	t.Cleanup(server.Close)
	store, err := NewCloudflare(CloudflareConfig{AccountID: "acct", NamespaceID: "ns", APIToken: "secret", BaseURL: server.URL, Retries: -1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := store.Get(context.Background(), "k"); !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestCloudflareConfigValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewCloudflare(CloudflareConfig{NamespaceID: "ns", APIToken: "x"}); err == nil {
		t.Fatal("expected missing account error")
	}
	if _, err := NewCloudflare(CloudflareConfig{AccountID: "a", APIToken: "x"}); err == nil {
		t.Fatal("expected missing namespace error")
	}
	if _, err := NewCloudflare(CloudflareConfig{AccountID: "a", NamespaceID: "ns"}); err == nil {
		t.Fatal("expected missing token error")
	}
}

func TestEncodeNATSKey(t *testing.T) {
	t.Parallel()

	encoded := EncodeNATSKey("lock:tenant-a:index")
	if strings.ContainsAny(encoded, ":=+/ ") {
		t.Fatalf("encoded key contains invalid characters: %q", encoded)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || string(decoded) != "lock:tenant-a:index" {
		t.Fatalf("round trip failed: %q %v", decoded, err)
	}
}

func TestNATSStore(t *testing.T) {
	t.Parallel()

	url := kvtest.StartNATS(t)
	ctx := context.Background()
	store, err := NewNATS(ctx, NATSConfig{URL: url, Bucket: "docstore-index"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if store.Name() != "nats" {
		t.Fatalf("unexpected name %q", store.Name())
	}
	exerciseStore(t, store)

	if err := store.Put(ctx, "lock:acme:index", []byte("first")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "lock:acme:index", []byte("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	entry, err := store.bucket.Get(ctx, EncodeNATSKey("lock:acme:index"))
	if err != nil || string(entry.Value()) != "second" {
		t.Fatalf("key not stored under its encoded name: %v", err)
	}

	// A second store opens the bucket the first one created.
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	shared, err := NewNATS(ctx, NATSConfig{Bucket: "docstore-index", Conn: conn})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := shared.Get(ctx, "lock:acme:index")
	if err != nil || string(got) != "second" {
		t.Fatalf("shared get: %q %v", got, err)
	}
	if err := shared.Close(); err != nil {
		t.Fatalf("close shared: %v", err)
	}
	if conn.IsClosed() || conn.IsDraining() {
		t.Fatal("closing a store must not close a borrowed connection")
	}
}

func TestNATSConfigValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, err := NewNATS(ctx, NATSConfig{URL: "nats://127.0.0.1:4222"}); err == nil {
		t.Fatal("expected missing bucket error")
	}
	if _, err := NewNATS(ctx, NATSConfig{Bucket: "b"}); err == nil {
		t.Fatal("expected missing url error")
	}
}
