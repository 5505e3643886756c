// Package lock provides exclusive, tenant-scoped named locks. Two managers
// are available: File holds an OS advisory lock on a per-resource file and
// suits a single host; KV stores a holder record with an expiry in a remote
// key-value store and suits several hosts sharing one store.
package lock

import (
	"context"
	"strings"
	"time"

	"pkt.systems/docstore/internal/storage"
)

// IndexResource is the lock guarding a tenant's session index.
const IndexResource = "index"

// DefaultTTL applies when a TTL manager is asked for a lock without one.
const DefaultTTL = 30 * time.Second

// AcquireResult reports the outcome of Manager.Acquire. CurrentHolder and
// ExpiresAt describe the owner when known; ExpiresAt is zero for locks that
// do not expire.
type AcquireResult struct {
	Acquired      bool
	CurrentHolder string
	ExpiresAt     time.Time
}

// Manager grants exclusive locks keyed by (tenant, resource).
type Manager interface {
	// Acquire never blocks on a held lock; contention is reported with
	// Acquired=false. Re-acquiring as the current holder succeeds.
	Acquire(ctx context.Context, tenant, resource, holder string, ttl time.Duration) (AcquireResult, error)
	// Release drops the lock when holder owns it and is a no-op otherwise.
	Release(ctx context.Context, tenant, resource, holder string) error
	Name() string
	Close() error
}

func validate(tenant, resource, holder string) error {
	if err := storage.ValidateTenant(tenant); err != nil {
		return err
	}
	if err := storage.ValidateResource(resource); err != nil {
		return err
	}
	if strings.TrimSpace(holder) == "" {
		return storage.Errorf(storage.KindInvalidArgument, "", "holder_id is required")
	}
	return nil
}

type lockKey struct {
	tenant   string
	resource string
}
