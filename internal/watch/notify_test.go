package watch

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/docstore/internal/source"
	"pkt.systems/docstore/internal/storage"
)

func newNotify(t *testing.T) *Notify {
	t.Helper()
	n, err := NewNotify(NotifyConfig{})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func writeSource(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// replaceFile swaps content in atomically so the event handler never reads a
// partial file.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := filepath.Join(filepath.Dir(path), ".incoming")
	writeSource(t, tmp, content)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func waitPending(t *testing.T, n *Notify, tenant, session string, want ChangeType) {
	t.Helper()
	key := watchKey{tenant: tenant, session: session}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		event, ok := n.pending[key]
		n.mu.Unlock()
		if ok && event.ChangeType == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", want)
}

func TestNotifyDetectsModification(t *testing.T) {
	t.Parallel()

	n := newNotify(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "report.docx")
	writeSource(t, path, "v1")

	id, err := n.StartWatch(ctx, "acme", "s1", source.Descriptor{Type: source.LocalFile, URI: path}, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "acme:s1" {
		t.Fatalf("unexpected watch id %q", id)
	}
	known, err := n.GetKnownMetadata(ctx, "acme", "s1")
	v1 := sha256.Sum256([]byte("v1"))
	if err != nil || known == nil || string(known.ContentHash) != string(v1[:]) || known.SizeBytes != 2 {
		t.Fatalf("unexpected known metadata %+v err %v", known, err)
	}
	if event, err := n.CheckForChanges(ctx, "acme", "s1"); err != nil || event != nil {
		t.Fatalf("expected no change, got %+v err %v", event, err)
	}

	replaceFile(t, path, "version two")
	waitPending(t, n, "acme", "s1", Modified)
	event, err := n.CheckForChanges(ctx, "acme", "s1")
	if err != nil || event == nil || event.ChangeType != Modified {
		t.Fatalf("expected modified, got %+v err %v", event, err)
	}
	v2 := sha256.Sum256([]byte("version two"))
	if event.NewMetadata == nil || string(event.NewMetadata.ContentHash) != string(v2[:]) {
		t.Fatalf("unexpected new metadata %+v", event.NewMetadata)
	}

	// The snapshot is unchanged until acknowledged, so the on-demand comparison
	// keeps reporting the change.
	again, err := n.CheckForChanges(ctx, "acme", "s1")
	if err != nil || again == nil || again.ChangeType != Modified {
		t.Fatalf("expected modified from hash comparison, got %+v err %v", again, err)
	}

	current, err := n.GetSourceMetadata(ctx, "acme", "s1")
	if err != nil || current == nil {
		t.Fatalf("metadata: %+v err %v", current, err)
	}
	if err := n.UpdateKnownMetadata(ctx, "acme", "s1", *current); err != nil {
		t.Fatalf("update known: %v", err)
	}
	if event, err := n.CheckForChanges(ctx, "acme", "s1"); err != nil || event != nil {
		t.Fatalf("expected no change after snapshot update, got %+v err %v", event, err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitPending(t, n, "acme", "s1", Deleted)
	event, err = n.CheckForChanges(ctx, "acme", "s1")
	if err != nil || event == nil || event.ChangeType != Deleted || event.NewMetadata != nil {
		t.Fatalf("expected deleted, got %+v err %v", event, err)
	}
	if md, err := n.GetSourceMetadata(ctx, "acme", "s1"); err != nil || md != nil {
		t.Fatalf("missing file should have no metadata, got %+v err %v", md, err)
	}
}

func TestNotifyDetectsRename(t *testing.T) {
	t.Parallel()

	n := newNotify(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "draft.docx")
	writeSource(t, path, "body")
	if _, err := n.StartWatch(ctx, "acme", "s1", source.Descriptor{Type: source.LocalFile, URI: path}, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	moved := filepath.Join(dir, "final.docx")
	if err := os.Rename(path, moved); err != nil {
		t.Fatalf("rename: %v", err)
	}
	waitPending(t, n, "acme", "s1", Renamed)
	event, err := n.CheckForChanges(ctx, "acme", "s1")
	if err != nil || event == nil || event.NewURI != moved {
		t.Fatalf("expected rename to %s, got %+v err %v", moved, event, err)
	}
}

func TestNotifyDetectsPermissionChange(t *testing.T) {
	t.Parallel()

	n := newNotify(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locked.docx")
	writeSource(t, path, "body")
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := n.StartWatch(ctx, "acme", "s1", source.Descriptor{Type: source.LocalFile, URI: path}, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	waitPending(t, n, "acme", "s1", PermissionChanged)
}

func TestNotifySharesDirectoryWatches(t *testing.T) {
	t.Parallel()

	n := newNotify(t)
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.docx")
	b := filepath.Join(dir, "b.docx")
	writeSource(t, a, "a")
	if _, err := n.StartWatch(ctx, "acme", "a", source.Descriptor{Type: source.LocalFile, URI: a}, 0); err != nil {
		t.Fatalf("start a: %v", err)
	}
	// b does not exist yet: no snapshot and no change.
	if _, err := n.StartWatch(ctx, "acme", "b", source.Descriptor{Type: source.LocalFile, URI: b}, 0); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if known, _ := n.GetKnownMetadata(ctx, "acme", "b"); known != nil {
		t.Fatalf("missing file should have no snapshot, got %+v", known)
	}
	dirCount := func() int {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.dirs[dir]
	}
	if got := dirCount(); got != 2 {
		t.Fatalf("expected directory refcount 2, got %d", got)
	}
	if err := n.StopWatch(ctx, "acme", "a"); err != nil {
		t.Fatalf("stop a: %v", err)
	}
	if got := dirCount(); got != 1 {
		t.Fatalf("expected directory refcount 1, got %d", got)
	}
	if err := n.StopWatch(ctx, "acme", "b"); err != nil {
		t.Fatalf("stop b: %v", err)
	}
	if got := dirCount(); got != 0 {
		t.Fatalf("expected directory released, got %d", got)
	}
	if err := n.StopWatch(ctx, "acme", "never"); err != nil {
		t.Fatalf("stop unknown: %v", err)
	}
	if event, err := n.CheckForChanges(ctx, "acme", "a"); err != nil || event != nil {
		t.Fatalf("stopped watch should report nothing, got %+v err %v", event, err)
	}
}

func TestNotifyRejectsObjectSources(t *testing.T) {
	t.Parallel()

	n := newNotify(t)
	_, err := n.StartWatch(context.Background(), "acme", "s1", source.Descriptor{Type: source.S3, URI: "s3://b/k"}, 0)
	if !storage.IsKind(err, storage.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := n.StartWatch(context.Background(), "", "s1", source.Descriptor{Type: source.LocalFile, URI: "/tmp/x"}, 0); !errors.Is(err, storage.ErrTenantRequired) {
		t.Fatalf("expected tenant required, got %v", err)
	}
}

func TestNotifyDropsModificationMatchingAdvancedSnapshot(t *testing.T) {
	t.Parallel()

	n := newNotify(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "report.docx")
	writeSource(t, path, "v1")
	if _, err := n.StartWatch(ctx, "acme", "s1", source.Descriptor{Type: source.LocalFile, URI: path}, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	old, err := n.GetKnownMetadata(ctx, "acme", "s1")
	if err != nil || old == nil {
		t.Fatalf("known: %+v %v", old, err)
	}
	v2 := sha256.Sum256([]byte("v2"))
	synced := Metadata{SizeBytes: 2, ContentHash: v2[:]}
	// The event was classified against v1 before our own sync advanced the
	// snapshot to v2.
	stale := &ChangeEvent{SessionID: "s1", ChangeType: Modified, OldMetadata: old, NewMetadata: cloneMetadata(&synced)}
	if err := n.UpdateKnownMetadata(ctx, "acme", "s1", synced); err != nil {
		t.Fatalf("update known: %v", err)
	}
	key := watchKey{tenant: "acme", session: "s1"}
	if n.record(key, stale, 0o644) {
		t.Fatal("modification matching the advanced snapshot must be dropped")
	}
	n.mu.Lock()
	_, pending := n.pending[key]
	n.mu.Unlock()
	if pending {
		t.Fatal("expected no pending change")
	}

	v3 := sha256.Sum256([]byte("v3"))
	external := &ChangeEvent{SessionID: "s1", ChangeType: Modified, OldMetadata: old, NewMetadata: &Metadata{SizeBytes: 2, ContentHash: v3[:]}}
	if !n.record(key, external, 0o644) {
		t.Fatal("external modification must be recorded")
	}
	if !n.record(key, &ChangeEvent{SessionID: "s1", ChangeType: Deleted}, 0o644) {
		t.Fatal("deletion must be recorded")
	}
	if n.record(watchKey{tenant: "acme", session: "gone"}, external, 0o644) {
		t.Fatal("events for unknown watches must be dropped")
	}
}
