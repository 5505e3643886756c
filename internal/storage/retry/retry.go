package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/docstore/internal/clock"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/pslog"
)

// ErrNonReplayableBody is returned when a transient PutObject failure cannot
// be retried because the body cannot be rewound.
var ErrNonReplayableBody = errors.New("retry: request body is not replayable")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns an object store that retries transient errors according to
// cfg. Request bodies are rewound between attempts when they implement
// io.Seeker; other bodies are attempted once.
func Wrap(inner storage.ObjectStore, logger pslog.Logger, clk clock.Clock, cfg Config) storage.ObjectStore {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &store{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		clock:  clk,
		cfg:    cfg,
	}
}

type store struct {
	inner  storage.ObjectStore
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) GetObject(ctx context.Context, bucket, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := s.withRetry(ctx, "get_object", bucket, key, nil, func(ctx context.Context) error {
		var err error
		result, err = s.inner.GetObject(ctx, bucket, key)
		return err
	})
	return result, err
}

func (s *store) HeadObject(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := s.withRetry(ctx, "head_object", bucket, key, nil, func(ctx context.Context) error {
		var err error
		info, err = s.inner.HeadObject(ctx, bucket, key)
		return err
	})
	return info, err
}

func (s *store) PutObject(ctx context.Context, bucket, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var (
		info  *storage.ObjectInfo
		start int64
	)
	seeker, seekable := body.(io.Seeker)
	if seekable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			seekable = false
		}
		start = pos
	}
	rewind := func() bool {
		if !seekable {
			return false
		}
		_, err := seeker.Seek(start, io.SeekStart)
		return err == nil
	}
	err := s.withRetry(ctx, "put_object", bucket, key, rewind, func(ctx context.Context) error {
		var err error
		info, err = s.inner.PutObject(ctx, bucket, key, body, opts)
		return err
	})
	return info, err
}

func (s *store) DeleteObject(ctx context.Context, bucket, key string, opts storage.DeleteObjectOptions) error {
	return s.withRetry(ctx, "delete_object", bucket, key, nil, func(ctx context.Context) error {
		return s.inner.DeleteObject(ctx, bucket, key, opts)
	})
}

func (s *store) ListObjects(ctx context.Context, bucket string, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := s.withRetry(ctx, "list_objects", bucket, opts.Prefix, nil, func(ctx context.Context) error {
		var err error
		res, err = s.inner.ListObjects(ctx, bucket, opts)
		return err
	})
	return res, err
}

func (s *store) DefaultBucket() string { return s.inner.DefaultBucket() }

func (s *store) Name() string { return s.inner.Name() }

func (s *store) Close() error { return s.inner.Close() }

// withRetry runs fn until it succeeds, fails permanently or exhausts the
// attempt budget. prepare runs before every retry; returning false stops.
func (s *store) withRetry(ctx context.Context, op, bucket, key string, prepare func() bool, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		if prepare != nil && !prepare() {
			return fmt.Errorf("%w: %w", ErrNonReplayableBody, err)
		}
		s.logger.Warn("storage.retry.transient",
			"operation", op,
			"bucket", bucket,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.clock.Sleep(delay)
			next := time.Duration(float64(delay) * s.cfg.Multiplier)
			if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
				next = s.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
