package retry_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"pkt.systems/docstore/internal/storage"
	"pkt.systems/docstore/internal/storage/retry"
	"pkt.systems/pslog"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
}

type stubStore struct {
	headErrs  []error
	headCalls int
	hook      func(int)

	putErrs   []error
	putCalls  int
	putBodies []string

	closed bool
}

func (s *stubStore) GetObject(context.Context, string, string) (storage.GetObjectResult, error) {
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(nil))}, nil
}

func (s *stubStore) HeadObject(_ context.Context, _ string, key string) (*storage.ObjectInfo, error) {
	s.headCalls++
	if s.hook != nil {
		s.hook(s.headCalls)
	}
	if idx := s.headCalls - 1; idx < len(s.headErrs) && s.headErrs[idx] != nil {
		return nil, s.headErrs[idx]
	}
	return &storage.ObjectInfo{Key: key, ETag: fmt.Sprintf("etag-%d", s.headCalls)}, nil
}

func (s *stubStore) PutObject(_ context.Context, _ string, key string, body io.Reader, _ storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	s.putCalls++
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.putBodies = append(s.putBodies, string(data))
	if idx := s.putCalls - 1; idx < len(s.putErrs) && s.putErrs[idx] != nil {
		return nil, s.putErrs[idx]
	}
	return &storage.ObjectInfo{Key: key, ETag: fmt.Sprintf("put-%d", s.putCalls), Size: int64(len(data))}, nil
}

func (s *stubStore) DeleteObject(context.Context, string, string, storage.DeleteObjectOptions) error {
	return nil
}

func (s *stubStore) ListObjects(context.Context, string, storage.ListOptions) (*storage.ListResult, error) {
	return &storage.ListResult{}, nil
}

func (s *stubStore) DefaultBucket() string { return "docs" }
func (s *stubStore) Name() string          { return "stub" }
func (s *stubStore) Close() error {
	s.closed = true
	return nil
}

func TestWrapReturnsNilOnNilInner(t *testing.T) {
	t.Parallel()

	if retry.Wrap(nil, pslog.NoopLogger(), &fakeClock{}, retry.Config{}) != nil {
		t.Fatal("expected nil store when inner is nil")
	}
}

func TestHeadRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	inner := &stubStore{headErrs: []error{
		storage.NewTransientError(errors.New("temporary")),
		storage.NewTransientError(errors.New("temporary again")),
	}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), fc, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   5 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    8 * time.Millisecond,
	})
	info, err := wrapped.HeadObject(context.Background(), "", "acme/sessions/s1.docx")
	if err != nil {
		t.Fatalf("HeadObject returned error: %v", err)
	}
	if info.ETag != "etag-3" || inner.headCalls != 3 {
		t.Fatalf("unexpected result %+v after %d calls", info, inner.headCalls)
	}
	if len(fc.sleeps) != 2 || fc.sleeps[0] != 5*time.Millisecond || fc.sleeps[1] != 8*time.Millisecond {
		t.Fatalf("unexpected backoff schedule: %v", fc.sleeps)
	}
}

func TestHeadStopsOnNonTransientError(t *testing.T) {
	t.Parallel()

	inner := &stubStore{headErrs: []error{storage.ErrNotFound}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 3})
	if _, err := wrapped.HeadObject(context.Background(), "", "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if inner.headCalls != 1 || len(fc.sleeps) != 0 {
		t.Fatalf("unexpected attempts %d sleeps %v", inner.headCalls, fc.sleeps)
	}
}

func TestHeadGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	flaky := storage.NewTransientError(errors.New("flaky"))
	inner := &stubStore{headErrs: []error{flaky, flaky, flaky}}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3})
	if _, err := wrapped.HeadObject(context.Background(), "", "k"); !storage.IsTransient(err) {
		t.Fatalf("expected final transient error, got %v", err)
	}
	if inner.headCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.headCalls)
	}
}

func TestRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	inner := &stubStore{
		headErrs: []error{
			storage.NewTransientError(errors.New("flaky")),
			storage.NewTransientError(errors.New("flaky retry")),
		},
		hook: func(attempt int) {
			if attempt == 1 {
				cancel()
			}
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 5})
	if _, err := wrapped.HeadObject(ctx, "", "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancelled error, got %v", err)
	}
	if inner.headCalls != 1 || len(fc.sleeps) != 0 {
		t.Fatalf("unexpected attempts %d sleeps %v", inner.headCalls, fc.sleeps)
	}
}

func TestPutObjectRetriesReplayableBody(t *testing.T) {
	t.Parallel()

	inner := &stubStore{putErrs: []error{storage.NewTransientError(errors.New("temporary")), nil}}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond})

	info, err := wrapped.PutObject(context.Background(), "", "obj", bytes.NewReader([]byte("payload")), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("PutObject returned error: %v", err)
	}
	if info == nil || info.ETag != "put-2" {
		t.Fatalf("unexpected info %#v", info)
	}
	if len(inner.putBodies) != 2 || inner.putBodies[0] != "payload" || inner.putBodies[1] != "payload" {
		t.Fatalf("unexpected put payloads: %#v", inner.putBodies)
	}
}

func TestPutObjectFailsFastForNonReplayableBody(t *testing.T) {
	t.Parallel()

	inner := &stubStore{putErrs: []error{storage.NewTransientError(errors.New("temporary")), nil}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond})

	_, err := wrapped.PutObject(context.Background(), "", "obj", bytes.NewBufferString("payload"), storage.PutObjectOptions{})
	if !errors.Is(err, retry.ErrNonReplayableBody) {
		t.Fatalf("expected ErrNonReplayableBody, got %v", err)
	}
	if inner.putCalls != 1 || len(fc.sleeps) != 0 {
		t.Fatalf("unexpected attempts %d sleeps %v", inner.putCalls, fc.sleeps)
	}
}

func TestPassthroughIdentity(t *testing.T) {
	t.Parallel()

	inner := &stubStore{}
	wrapped := retry.Wrap(inner, nil, nil, retry.Config{})
	if wrapped.Name() != "stub" || wrapped.DefaultBucket() != "docs" {
		t.Fatalf("unexpected identity %s/%s", wrapped.Name(), wrapped.DefaultBucket())
	}
	if err := wrapped.Close(); err != nil || !inner.closed {
		t.Fatalf("close not forwarded: %v", err)
	}
}
