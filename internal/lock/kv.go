package lock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"pkt.systems/docstore/internal/clock"
	"pkt.systems/docstore/internal/kv"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/pslog"
)

// record is the JSON value stored at lock:{tenant}:{resource}. Timestamps are
// unix seconds.
type record struct {
	HolderID   string `json:"holder_id"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

type cached struct {
	holder    string
	expiresAt time.Time
}

// KV implements Manager on a key-value store with holder records that
// expire. The read-then-write acquire is not atomic: two callers racing on
// an absent or expired record may both believe they won until the next
// read. Callers retry with backoff instead of relying on compare-and-swap.
type KV struct {
	store  kv.Store
	clock  clock.Clock
	logger pslog.Logger

	mu    sync.Mutex
	cache map[lockKey]cached
	keys  sync.Map // lockKey -> *sync.Mutex
}

// KVConfig configures a KV manager.
type KVConfig struct {
	Store  kv.Store
	Clock  clock.Clock
	Logger pslog.Logger
}

// NewKV returns a TTL lock manager over cfg.Store.
func NewKV(cfg KVConfig) (*KV, error) {
	if cfg.Store == nil {
		return nil, storage.Errorf(storage.KindInvalidArgument, "lock.new", "kv store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &KV{
		store:  cfg.Store,
		clock:  cfg.Clock,
		logger: loggingutil.WithSubsystem(cfg.Logger, "lock", "kv"),
		cache:  make(map[lockKey]cached),
	}, nil
}

// keyMutex serialises acquire and release for one key inside this process,
// leaving only the cross-process race described on KV.
func (m *KV) keyMutex(id lockKey) *sync.Mutex {
	mu, _ := m.keys.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *KV) load(ctx context.Context, key string) (*record, error) {
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, storage.Wrap(storage.KindIO, "lock.load", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.HolderID == "" {
		m.logger.Warn("lock.record.corrupt", "key", key, "error", err)
		return nil, nil
	}
	return &rec, nil
}

// Acquire implements Manager.
func (m *KV) Acquire(ctx context.Context, tenant, resource, holder string, ttl time.Duration) (AcquireResult, error) {
	if err := validate(tenant, resource, holder); err != nil {
		return AcquireResult{}, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := lockKey{tenant: tenant, resource: resource}
	keyMu := m.keyMutex(id)
	keyMu.Lock()
	defer keyMu.Unlock()
	now := m.clock.Now()

	// A cached foreign holder short-circuits contention. Our own entry
	// never does: re-acquire is how a holder renews, so it always reaches
	// the store and rewrites the record.
	m.mu.Lock()
	if entry, ok := m.cache[id]; ok {
		if now.Before(entry.expiresAt) && entry.holder != holder {
			m.mu.Unlock()
			return AcquireResult{CurrentHolder: entry.holder, ExpiresAt: entry.expiresAt}, nil
		}
		delete(m.cache, id)
	}
	m.mu.Unlock()

	key := storage.LockKey(tenant, resource)
	existing, err := m.load(ctx, key)
	if err != nil {
		return AcquireResult{}, err
	}
	if existing != nil && existing.HolderID != holder && now.Unix() < existing.ExpiresAt {
		m.logger.Debug("lock.acquire.contended", "key", key, "holder", holder, "current_holder", existing.HolderID)
		return AcquireResult{CurrentHolder: existing.HolderID, ExpiresAt: time.Unix(existing.ExpiresAt, 0).UTC()}, nil
	}

	expiresAt := now.Add(ttl)
	rec := record{HolderID: holder, AcquiredAt: now.Unix(), ExpiresAt: expiresAt.Unix()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return AcquireResult{}, storage.Wrap(storage.KindSerialization, "lock.acquire", err)
	}
	if err := m.store.Put(ctx, key, raw); err != nil {
		return AcquireResult{}, storage.Wrap(storage.KindIO, "lock.acquire", err)
	}
	expiresAt = time.Unix(rec.ExpiresAt, 0).UTC()
	m.remember(id, holder, expiresAt)
	m.logger.Trace("lock.acquire.success", "key", key, "holder", holder, "expires_at", expiresAt)
	return AcquireResult{Acquired: true, CurrentHolder: holder, ExpiresAt: expiresAt}, nil
}

func (m *KV) remember(id lockKey, holder string, expiresAt time.Time) {
	m.mu.Lock()
	m.cache[id] = cached{holder: holder, expiresAt: expiresAt}
	m.mu.Unlock()
}

// Release implements Manager. The remote record is deleted only when it
// still names holder.
func (m *KV) Release(ctx context.Context, tenant, resource, holder string) error {
	if err := validate(tenant, resource, holder); err != nil {
		return err
	}
	id := lockKey{tenant: tenant, resource: resource}
	keyMu := m.keyMutex(id)
	keyMu.Lock()
	defer keyMu.Unlock()
	m.mu.Lock()
	if entry, ok := m.cache[id]; ok && entry.holder == holder {
		delete(m.cache, id)
	}
	m.mu.Unlock()

	key := storage.LockKey(tenant, resource)
	existing, err := m.load(ctx, key)
	if err != nil {
		return err
	}
	if existing == nil || existing.HolderID != holder {
		return nil
	}
	if _, err := m.store.Delete(ctx, key); err != nil {
		return storage.Wrap(storage.KindIO, "lock.release", err)
	}
	return nil
}

// Name implements Manager.
func (m *KV) Name() string { return "kv:" + m.store.Name() }

// Close implements Manager. The underlying store is owned by the caller.
func (m *KV) Close() error { return nil }
