package disk

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/docstore/internal/storage"
	"pkt.systems/docstore/internal/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: filepath.Join(t.TempDir(), "store")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDiskBackendSuite(t *testing.T) {
	t.Parallel()
	storagetest.Run(t, func(t *testing.T) storage.Backend { return newTestStore(t) })
}

func TestDiskLayout(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SaveSession(ctx, "acme", "s1", storagetest.Doc("x")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.AppendWAL(ctx, "acme", "s1", [][]byte{[]byte(`{"op":"a"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, "acme", "s1", 3, storagetest.Doc("c")); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := store.SaveIndex(ctx, "acme", storage.NewSessionIndex()); err != nil {
		t.Fatalf("index: %v", err)
	}
	dir := filepath.Join(store.Root(), "acme", "sessions")
	for _, name := range []string{"s1.docx", "s1.wal", "s1.ckpt.3.docx", "index.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
	index, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if !bytes.Contains(index, []byte("\n  \"version\": 1")) {
		t.Fatalf("index should be pretty printed: %s", index)
	}
}

func TestDiskReadsLegacyWAL(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	body := []byte("{\"op\":\"a\",\"timestamp\":\"2024-02-03T04:05:06Z\"}\n{\"op\":\"b\"}\n")
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, uint64(len(body)))
	raw = append(raw, body...)
	path := store.walPath("legacy", "doc")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write legacy wal: %v", err)
	}

	entries, _, err := store.ReadWAL(ctx, "legacy", "doc", 0, 0)
	if err != nil || len(entries) != 2 {
		t.Fatalf("read legacy: %d err=%v", len(entries), err)
	}
	if entries[0].Operation != "a" || entries[0].Timestamp.Year() != 2024 {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if _, err := store.AppendWAL(ctx, "legacy", "doc", [][]byte{[]byte(`{"op":"c"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rewritten: %v", err)
	}
	want := append(append([]byte(nil), body...), []byte("{\"op\":\"c\"}\n")...)
	if !bytes.Equal(rewritten[8:], want) {
		t.Fatalf("body mismatch:\n%q\n%q", rewritten[8:], want)
	}
	if got := binary.LittleEndian.Uint64(rewritten[:8]); got != uint64(len(want)) {
		t.Fatalf("header %d want %d", got, len(want))
	}
}

func TestDiskCorruptIndexIsHardError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	path := store.indexPath("t")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.LoadIndex(context.Background(), "t"); !storage.IsKind(err, storage.KindSerialization) {
		t.Fatalf("expected serialization error, got %v", err)
	}
}

func TestDiskRejectsUnsafeIdentifiers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SaveSession(ctx, "t", "../escape", storagetest.Doc("x")); !storage.IsKind(err, storage.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := store.SaveSession(ctx, "../t", "s", storagetest.Doc("x")); !storage.IsKind(err, storage.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
