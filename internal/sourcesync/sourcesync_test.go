package sourcesync

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/docstore/internal/clock"
	"pkt.systems/docstore/internal/source"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/docstore/internal/storage/disk"
	"pkt.systems/docstore/internal/storage/memory"
)

func newDisk(t *testing.T) *disk.Store {
	t.Helper()
	store, err := disk.New(disk.Config{Root: filepath.Join(t.TempDir(), "store")})
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	return store
}

func seedIndex(t *testing.T, store storage.Backend, tenant string, ids ...string) {
	t.Helper()
	index := storage.NewSessionIndex()
	for _, id := range ids {
		index.Upsert(storage.SessionIndexEntry{ID: id, CheckpointPositions: []uint64{}})
	}
	if err := store.SaveIndex(context.Background(), tenant, index); err != nil {
		t.Fatalf("seed index: %v", err)
	}
}

func newLocalSyncer(t *testing.T) (*Syncer, storage.Backend, *clock.Manual) {
	t.Helper()
	store := newDisk(t)
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	syncer, err := New(Config{Storage: store, Target: LocalFile{}, Clock: clk})
	if err != nil {
		t.Fatalf("syncer: %v", err)
	}
	return syncer, store, clk
}

func TestLocalRegisterAndSync(t *testing.T) {
	t.Parallel()

	syncer, store, clk := newLocalSyncer(t)
	ctx := context.Background()
	seedIndex(t, store, "acme", "s1")
	dest := filepath.Join(t.TempDir(), "out", "nested", "report.docx")

	if err := syncer.RegisterSource(ctx, "acme", "s1", source.Descriptor{Type: source.LocalFile, URI: dest}, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	index, err := store.LoadIndex(ctx, "acme")
	if err != nil {
		t.Fatalf("load index: %v", err)
	}
	entry := index.Get("s1")
	if entry.SourcePath == nil || *entry.SourcePath != dest || !entry.AutoSync || !entry.LastModifiedAt.Equal(clk.Now()) {
		t.Fatalf("unexpected entry after register %+v", entry)
	}

	syncer.MarkPendingChanges("acme", "s1")
	status, err := syncer.GetSyncStatus(ctx, "acme", "s1")
	if err != nil || status == nil || !status.HasPendingChanges || status.LastSyncedAt != nil {
		t.Fatalf("unexpected pending status %+v err %v", status, err)
	}

	syncer.RecordSyncError("acme", "s1", "disk full")
	syncedAt, err := syncer.SyncToSource(ctx, "acme", "s1", []byte("PK\x03\x04snapshot"))
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "PK\x03\x04snapshot" {
		t.Fatalf("unexpected synced file %q err %v", got, err)
	}
	if _, err := os.Stat(dest + ".sync.tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file should be gone, stat err %v", err)
	}
	status, err = syncer.GetSyncStatus(ctx, "acme", "s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.HasPendingChanges || status.LastError != "" || status.LastSyncedAt == nil || !status.LastSyncedAt.Equal(syncedAt) {
		t.Fatalf("unexpected status after sync %+v", status)
	}
	if status.Source.Type != source.LocalFile || status.Source.URI != dest || !status.AutoSyncEnabled {
		t.Fatalf("unexpected source in status %+v", status.Source)
	}
}

func TestRegisterRequiresIndexedSession(t *testing.T) {
	t.Parallel()

	syncer, _, _ := newLocalSyncer(t)
	err := syncer.RegisterSource(context.Background(), "acme", "ghost", source.Descriptor{Type: source.LocalFile, URI: "/tmp/x.docx"}, true)
	if !storage.IsKind(err, storage.KindSync) {
		t.Fatalf("expected sync error, got %v", err)
	}
}

func TestRegisterRejectsWrongType(t *testing.T) {
	t.Parallel()

	syncer, store, _ := newLocalSyncer(t)
	seedIndex(t, store, "acme", "s1")
	err := syncer.RegisterSource(context.Background(), "acme", "s1", source.Descriptor{Type: source.S3, URI: "s3://b/k"}, true)
	if !storage.IsKind(err, storage.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := syncer.RegisterSource(context.Background(), "", "s1", source.Descriptor{Type: source.LocalFile, URI: "/x"}, true); !errors.Is(err, storage.ErrTenantRequired) {
		t.Fatalf("expected tenant required, got %v", err)
	}
}

func TestUpdateAndUnregister(t *testing.T) {
	t.Parallel()

	syncer, store, _ := newLocalSyncer(t)
	ctx := context.Background()
	seedIndex(t, store, "acme", "s1", "s2")

	off := false
	if err := syncer.UpdateSource(ctx, "acme", "s1", nil, &off); !storage.IsKind(err, storage.KindSync) {
		t.Fatalf("update without source should fail, got %v", err)
	}
	first := filepath.Join(t.TempDir(), "a.docx")
	if err := syncer.RegisterSource(ctx, "acme", "s1", source.Descriptor{Type: source.LocalFile, URI: first}, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := syncer.UpdateSource(ctx, "acme", "s1", nil, &off); err != nil {
		t.Fatalf("toggle auto sync: %v", err)
	}
	enabled, err := syncer.IsAutoSyncEnabled(ctx, "acme", "s1")
	if err != nil || enabled {
		t.Fatalf("expected auto sync off, got %v err %v", enabled, err)
	}
	second := filepath.Join(t.TempDir(), "b.docx")
	if err := syncer.UpdateSource(ctx, "acme", "s1", &source.Descriptor{Type: source.LocalFile, URI: second}, nil); err != nil {
		t.Fatalf("move source: %v", err)
	}
	sources, err := syncer.ListSources(ctx, "acme")
	if err != nil || len(sources) != 1 || sources[0].Source.URI != second || sources[0].AutoSyncEnabled {
		t.Fatalf("unexpected sources %+v err %v", sources, err)
	}

	if err := syncer.UnregisterSource(ctx, "acme", "s1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if status, err := syncer.GetSyncStatus(ctx, "acme", "s1"); err != nil || status != nil {
		t.Fatalf("expected no status after unregister, got %+v err %v", status, err)
	}
	if err := syncer.UnregisterSource(ctx, "acme", "absent"); err != nil {
		t.Fatalf("unregister absent session should be a no-op, got %v", err)
	}
	if err := syncer.UnregisterSource(ctx, "empty-tenant", "s1"); err != nil {
		t.Fatalf("unregister without index should be a no-op, got %v", err)
	}
}

func TestSyncWithoutSourceFails(t *testing.T) {
	t.Parallel()

	syncer, store, _ := newLocalSyncer(t)
	seedIndex(t, store, "acme", "s1")
	if _, err := syncer.SyncToSource(context.Background(), "acme", "s1", []byte("x")); !storage.IsKind(err, storage.KindSync) {
		t.Fatalf("expected sync error, got %v", err)
	}
}

func TestObjectTargetSync(t *testing.T) {
	t.Parallel()

	objects := memory.New()
	target, err := NewObject(objects, "exports")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	store := newDisk(t)
	syncer, err := New(Config{Storage: store, Target: target})
	if err != nil {
		t.Fatalf("syncer: %v", err)
	}
	ctx := context.Background()
	seedIndex(t, store, "acme", "s1", "s2")

	if err := syncer.RegisterSource(ctx, "acme", "s1", source.Descriptor{Type: source.ObjectStore, URI: "r2://media/docs/s1.docx"}, false); err != nil {
		t.Fatalf("register r2: %v", err)
	}
	if err := syncer.RegisterSource(ctx, "acme", "s2", source.Descriptor{Type: source.S3, URI: "s3:///docs/s2.docx"}, true); err != nil {
		t.Fatalf("register s3: %v", err)
	}
	if err := syncer.RegisterSource(ctx, "acme", "s2", source.Descriptor{Type: source.S3, URI: "s3://bucket"}, true); !storage.IsKind(err, storage.KindInvalidArgument) {
		t.Fatalf("expected invalid uri error, got %v", err)
	}
	if err := syncer.RegisterSource(ctx, "acme", "s2", source.Descriptor{Type: source.LocalFile, URI: "/tmp/x"}, true); !storage.IsKind(err, storage.KindInvalidArgument) {
		t.Fatalf("expected type error, got %v", err)
	}

	if _, err := syncer.SyncToSource(ctx, "acme", "s1", []byte("one")); err != nil {
		t.Fatalf("sync s1: %v", err)
	}
	if _, err := syncer.SyncToSource(ctx, "acme", "s2", []byte("two")); err != nil {
		t.Fatalf("sync s2: %v", err)
	}
	assertObject(t, objects, "media", "docs/s1.docx", "one")
	assertObject(t, objects, "exports", "docs/s2.docx", "two")

	status, err := syncer.GetSyncStatus(ctx, "acme", "s1")
	if err != nil || status.Source.Type != source.ObjectStore {
		t.Fatalf("expected r2 type, got %+v err %v", status, err)
	}
	status, err = syncer.GetSyncStatus(ctx, "acme", "s2")
	if err != nil || status.Source.Type != source.S3 {
		t.Fatalf("expected s3 type, got %+v err %v", status, err)
	}
}

func assertObject(t *testing.T, store storage.ObjectStore, bucket, key, want string) {
	t.Helper()
	res, err := store.GetObject(context.Background(), bucket, key)
	if err != nil {
		t.Fatalf("get %s/%s: %v", bucket, key, err)
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil || string(data) != want {
		t.Fatalf("object %s/%s = %q err %v", bucket, key, data, err)
	}
	if res.Info.ContentType != storage.ContentTypeDocx {
		t.Fatalf("unexpected content type %q", res.Info.ContentType)
	}
}
