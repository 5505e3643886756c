package objectstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"pkt.systems/docstore/internal/kv"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/docstore/internal/storage/disk"
	"pkt.systems/docstore/internal/storage/memory"
	"pkt.systems/docstore/internal/storage/storagetest"
)

func newTestStore(t *testing.T, prefix string) (*Store, *memory.Store, *kv.Memory) {
	t.Helper()
	objects := memory.New()
	index := kv.NewMemory()
	store, err := New(Config{Objects: objects, Index: index, Prefix: prefix})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, objects, index
}

func TestObjectBackendSuite(t *testing.T) {
	t.Parallel()
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store, _, _ := newTestStore(t, "")
		return store
	})
}

func TestObjectBackendSuiteWithPrefix(t *testing.T) {
	t.Parallel()
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store, _, _ := newTestStore(t, "/deployments/blue/")
		return store
	})
}

func TestObjectKeyLayout(t *testing.T) {
	t.Parallel()

	store, objects, index := newTestStore(t, "")
	ctx := context.Background()
	if err := store.SaveSession(ctx, "acme", "s1", storagetest.Doc("x")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.AppendWAL(ctx, "acme", "s1", [][]byte{[]byte(`{"op":"a"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, "acme", "s1", 4, storagetest.Doc("c")); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := store.SaveIndex(ctx, "acme", storage.NewSessionIndex()); err != nil {
		t.Fatalf("index: %v", err)
	}
	for _, key := range []string{"acme/sessions/s1.docx", "acme/sessions/s1.wal", "acme/sessions/s1.ckpt.4.docx"} {
		if _, err := objects.HeadObject(ctx, "", key); err != nil {
			t.Fatalf("expected object %s: %v", key, err)
		}
	}
	if keys := index.Keys("index:"); len(keys) != 1 || keys[0] != "index:acme" {
		t.Fatalf("unexpected index keys %v", keys)
	}
}

// WAL blobs are byte-compatible between the disk and object backends.
func TestWALInterchangeableWithDisk(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	diskStore, err := disk.New(disk.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	payloads := [][]byte{[]byte(`{"op":"a"}`), []byte("{\"op\":\"b\"}\n")}
	if _, err := diskStore.AppendWAL(ctx, "t", "s", payloads); err != nil {
		t.Fatalf("disk append: %v", err)
	}
	store, objects, _ := newTestStore(t, "")
	if _, err := store.AppendWAL(ctx, "t", "s", payloads); err != nil {
		t.Fatalf("object append: %v", err)
	}
	res, err := objects.GetObject(ctx, "", "t/sessions/s.wal")
	if err != nil {
		t.Fatalf("get wal: %v", err)
	}
	objectRaw, _ := io.ReadAll(res.Reader)
	res.Reader.Close()

	want := []byte("{\"op\":\"a\"}\n{\"op\":\"b\"}\n")
	if !bytes.Equal(objectRaw[8:], want) {
		t.Fatalf("unexpected body %q", objectRaw[8:])
	}
	if binary.LittleEndian.Uint64(objectRaw[:8]) != uint64(len(want)) {
		t.Fatalf("unexpected header")
	}
	diskEntries, _, err := diskStore.ReadWAL(ctx, "t", "s", 0, 0)
	if err != nil {
		t.Fatalf("disk read: %v", err)
	}
	objectEntries, _, err := store.ReadWAL(ctx, "t", "s", 0, 0)
	if err != nil {
		t.Fatalf("object read: %v", err)
	}
	for i := range diskEntries {
		if !bytes.Equal(diskEntries[i].Payload, objectEntries[i].Payload) || diskEntries[i].Position != objectEntries[i].Position {
			t.Fatalf("entry %d differs: %+v vs %+v", i, diskEntries[i], objectEntries[i])
		}
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Index: kv.NewMemory()}); err == nil {
		t.Fatal("expected missing object store error")
	}
	if _, err := New(Config{Objects: memory.New()}); err == nil {
		t.Fatal("expected missing index error")
	}
}
