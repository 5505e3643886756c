//go:build unix

package lock

import (
	"context"
	"testing"
	"time"
)

// Two managers in one process open separate file descriptions, so the OS
// lock excludes them from each other.
func TestFileManagersShareOSLock(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first, err := NewFile(root, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	second, err := NewFile(root, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	ctx := context.Background()
	if res, err := first.Acquire(ctx, "acme", "doc", "a", time.Minute); err != nil || !res.Acquired {
		t.Fatalf("first acquire: %+v %v", res, err)
	}
	if res, err := second.Acquire(ctx, "acme", "doc", "b", time.Minute); err != nil || res.Acquired {
		t.Fatalf("second manager must be excluded: %+v %v", res, err)
	}
	if err := first.Release(ctx, "acme", "doc", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if res, err := second.Acquire(ctx, "acme", "doc", "b", time.Minute); err != nil || !res.Acquired {
		t.Fatalf("second acquire after release: %+v %v", res, err)
	}
}
