package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/pslog"
)

// fileGuard owns an open, locked handle. Releasing the guard unlocks and
// closes the handle; a crashed process drops the lock with its descriptors.
type fileGuard struct {
	holder string
	file   *os.File
}

func (g *fileGuard) release() error {
	unlockErr := unlockFile(g.file)
	closeErr := g.file.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// File implements Manager with OS advisory locks on
// {root}/{tenant}/locks/{resource}.lock. Lock files stay on disk after
// release. TTLs are ignored.
type File struct {
	root   string
	logger pslog.Logger

	mu     sync.Mutex
	guards map[lockKey]*fileGuard
}

// NewFile returns a File manager rooted at root.
func NewFile(root string, logger pslog.Logger) (*File, error) {
	if root == "" {
		return nil, storage.Errorf(storage.KindInvalidArgument, "lock.new", "lock root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, storage.Wrap(storage.KindIO, "lock.new", err)
	}
	return &File{
		root:   abs,
		logger: loggingutil.WithSubsystem(logger, "lock", "file"),
		guards: make(map[lockKey]*fileGuard),
	}, nil
}

func (m *File) path(tenant, resource string) string {
	return filepath.Join(m.root, tenant, storage.LocksDir, resource+".lock")
}

// Acquire implements Manager.
func (m *File) Acquire(ctx context.Context, tenant, resource, holder string, _ time.Duration) (AcquireResult, error) {
	if err := validate(tenant, resource, holder); err != nil {
		return AcquireResult{}, err
	}
	key := lockKey{tenant: tenant, resource: resource}

	m.mu.Lock()
	defer m.mu.Unlock()
	if guard, ok := m.guards[key]; ok {
		if guard.holder == holder {
			return AcquireResult{Acquired: true, CurrentHolder: holder}, nil
		}
		return AcquireResult{CurrentHolder: guard.holder}, nil
	}

	path := m.path(tenant, resource)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return AcquireResult{}, storage.Wrap(storage.KindIO, "lock.acquire", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return AcquireResult{}, storage.Wrap(storage.KindIO, "lock.acquire", err)
	}
	locked, err := tryLockFile(f)
	if err != nil {
		_ = f.Close()
		return AcquireResult{}, storage.Wrap(storage.KindIO, "lock.acquire", err)
	}
	if !locked {
		_ = f.Close()
		m.logger.Debug("lock.acquire.contended", "tenant", tenant, "resource", resource, "holder", holder)
		return AcquireResult{}, nil
	}
	m.guards[key] = &fileGuard{holder: holder, file: f}
	m.logger.Trace("lock.acquire.success", "tenant", tenant, "resource", resource, "holder", holder)
	return AcquireResult{Acquired: true, CurrentHolder: holder}, nil
}

// Release implements Manager.
func (m *File) Release(ctx context.Context, tenant, resource, holder string) error {
	if err := validate(tenant, resource, holder); err != nil {
		return err
	}
	key := lockKey{tenant: tenant, resource: resource}
	m.mu.Lock()
	guard, ok := m.guards[key]
	if !ok || guard.holder != holder {
		m.mu.Unlock()
		return nil
	}
	delete(m.guards, key)
	m.mu.Unlock()
	if err := guard.release(); err != nil {
		m.logger.Warn("lock.release.error", "tenant", tenant, "resource", resource, "error", err)
		return storage.Wrap(storage.KindIO, "lock.release", err)
	}
	return nil
}

// Name implements Manager.
func (m *File) Name() string { return "file" }

// Close releases every lock held through m.
func (m *File) Close() error {
	m.mu.Lock()
	guards := m.guards
	m.guards = make(map[lockKey]*fileGuard)
	m.mu.Unlock()
	var first error
	for _, guard := range guards {
		if err := guard.release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
