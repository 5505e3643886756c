// Package storagetest holds the behavioural suite every storage.Backend
// implementation must pass.
package storagetest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/docstore/internal/storage"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) storage.Backend

// Doc returns a small payload carrying the ZIP magic.
func Doc(body string) []byte {
	return append([]byte("PK\x03\x04"), []byte(body)...)
}

// Prefixed wraps doc in the legacy 8-byte length prefix.
func Prefixed(doc []byte) []byte {
	out := make([]byte, 8, 8+len(doc))
	binary.LittleEndian.PutUint64(out, uint64(len(doc)))
	return append(out, doc...)
}

// Run executes the suite against backends produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SessionRoundTrip", func(t *testing.T) { testSessionRoundTrip(t, factory(t)) })
	t.Run("TenantRequired", func(t *testing.T) { testTenantRequired(t, factory(t)) })
	t.Run("TenantIsolation", func(t *testing.T) { testTenantIsolation(t, factory(t)) })
	t.Run("DeleteSession", func(t *testing.T) { testDeleteSession(t, factory(t)) })
	t.Run("Index", func(t *testing.T) { testIndex(t, factory(t)) })
	t.Run("WAL", func(t *testing.T) { testWAL(t, factory(t)) })
	t.Run("WALConcurrentAppend", func(t *testing.T) { testWALConcurrentAppend(t, factory(t)) })
	t.Run("Checkpoints", func(t *testing.T) { testCheckpoints(t, factory(t)) })
}

func testSessionRoundTrip(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	doc := Doc("hello document")
	for name, input := range map[string][]byte{"plain": doc, "prefixed": Prefixed(doc)} {
		session := "s-" + name
		if err := backend.SaveSession(ctx, "tenant-a", session, input); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
		got, err := backend.LoadSession(ctx, "tenant-a", session)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if !bytes.Equal(got, doc) {
			t.Fatalf("%s: got %q want %q", name, got, doc)
		}
		exists, err := backend.SessionExists(ctx, "tenant-a", session)
		if err != nil || !exists {
			t.Fatalf("%s: exists=%v err=%v", name, exists, err)
		}
	}
	if _, err := backend.LoadSession(ctx, "tenant-a", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	exists, err := backend.SessionExists(ctx, "tenant-a", "missing")
	if err != nil || exists {
		t.Fatalf("missing session: exists=%v err=%v", exists, err)
	}
	sessions, err := backend.ListSessions(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", sessions)
	}
	for _, info := range sessions {
		if info.SizeBytes != int64(len(doc)) {
			t.Fatalf("unexpected size for %s: %d", info.SessionID, info.SizeBytes)
		}
	}
}

func testTenantRequired(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	checks := map[string]error{
		"load_session": func() error { _, err := backend.LoadSession(ctx, "", "s"); return err }(),
		"save_session": backend.SaveSession(ctx, "", "s", Doc("x")),
		"list":         func() error { _, err := backend.ListSessions(ctx, ""); return err }(),
		"load_index":   func() error { _, err := backend.LoadIndex(ctx, ""); return err }(),
		"append_wal":   func() error { _, err := backend.AppendWAL(ctx, "", "s", [][]byte{[]byte("{}")}); return err }(),
		"checkpoints":  func() error { _, err := backend.ListCheckpoints(ctx, "", "s"); return err }(),
	}
	for op, err := range checks {
		if !errors.Is(err, storage.ErrTenantRequired) {
			t.Fatalf("%s: expected ErrTenantRequired, got %v", op, err)
		}
	}
}

func testTenantIsolation(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	if err := backend.SaveSession(ctx, "tenant-a", "shared", Doc("a")); err != nil {
		t.Fatalf("save: %v", err)
	}
	sessions, err := backend.ListSessions(ctx, "tenant-b")
	if err != nil {
		t.Fatalf("list tenant-b: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("tenant-b sees %+v", sessions)
	}
	if _, err := backend.LoadSession(ctx, "tenant-b", "shared"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("tenant-b load: %v", err)
	}
}

func testDeleteSession(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	if err := backend.SaveSession(ctx, "t", "gone", Doc("x")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := backend.AppendWAL(ctx, "t", "gone", [][]byte{[]byte(`{"op":"a"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := backend.SaveCheckpoint(ctx, "t", "gone", 1, Doc("ckpt")); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	existed, err := backend.DeleteSession(ctx, "t", "gone")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	entries, _, err := backend.ReadWAL(ctx, "t", "gone", 0, 0)
	if err != nil || len(entries) != 0 {
		t.Fatalf("wal should be gone: %d entries err=%v", len(entries), err)
	}
	checkpoints, err := backend.ListCheckpoints(ctx, "t", "gone")
	if err != nil || len(checkpoints) != 0 {
		t.Fatalf("checkpoints should be gone: %+v err=%v", checkpoints, err)
	}
	existed, err = backend.DeleteSession(ctx, "t", "gone")
	if err != nil || existed {
		t.Fatalf("second delete: existed=%v err=%v", existed, err)
	}
}

func testIndex(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	if _, err := backend.LoadIndex(ctx, "t"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected missing index, got %v", err)
	}
	idx := storage.NewSessionIndex()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	idx.Upsert(storage.SessionIndexEntry{ID: "s1", AutoSync: true, CreatedAt: now, LastModifiedAt: now, WALCount: 3, CheckpointPositions: []uint64{1}})
	if err := backend.SaveIndex(ctx, "t", idx); err != nil {
		t.Fatalf("save index: %v", err)
	}
	loaded, err := backend.LoadIndex(ctx, "t")
	if err != nil {
		t.Fatalf("load index: %v", err)
	}
	entry := loaded.Get("s1")
	if loaded.Version != storage.IndexVersion || entry == nil || entry.WALCount != 3 || !entry.CreatedAt.Equal(now) {
		t.Fatalf("unexpected index %+v", loaded)
	}
	if _, err := backend.LoadIndex(ctx, "other"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("index leaked across tenants: %v", err)
	}
}

func testWAL(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	patch := []byte("{\"op\":\"x\"}\n")
	tail, err := backend.AppendWAL(ctx, "t", "s", [][]byte{patch})
	if err != nil || tail != 1 {
		t.Fatalf("append 1: tail=%d err=%v", tail, err)
	}
	tail, err = backend.AppendWAL(ctx, "t", "s", [][]byte{patch})
	if err != nil || tail != 2 {
		t.Fatalf("append 2: tail=%d err=%v", tail, err)
	}
	entries, more, err := backend.ReadWAL(ctx, "t", "s", 0, 0)
	if err != nil || more || len(entries) != 2 {
		t.Fatalf("read: %d entries more=%v err=%v", len(entries), more, err)
	}
	for i, entry := range entries {
		if entry.Position != uint64(i+1) || !bytes.Equal(entry.Payload, patch) {
			t.Fatalf("entry %d: %+v", i, entry)
		}
	}

	batch := make([][]byte, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, []byte(fmt.Sprintf(`{"op":"batch","n":%d}`, i)))
	}
	if tail, err = backend.AppendWAL(ctx, "t", "s", batch); err != nil || tail != 7 {
		t.Fatalf("append batch: tail=%d err=%v", tail, err)
	}
	page, more, err := backend.ReadWAL(ctx, "t", "s", 3, 2)
	if err != nil || !more || len(page) != 2 || page[0].Position != 3 || page[1].Position != 4 {
		t.Fatalf("page: %+v more=%v err=%v", page, more, err)
	}
	if !bytes.Equal(page[0].Payload, []byte("{\"op\":\"batch\",\"n\":0}\n")) {
		t.Fatalf("batch order broken: %q", page[0].Payload)
	}

	removed, err := backend.TruncateWAL(ctx, "t", "s", 4)
	if err != nil || removed != 3 {
		t.Fatalf("truncate(4): removed=%d err=%v", removed, err)
	}
	entries, _, err = backend.ReadWAL(ctx, "t", "s", 0, 0)
	if err != nil || len(entries) != 4 || entries[3].Position != 4 {
		t.Fatalf("after truncate: %d entries err=%v", len(entries), err)
	}
	removed, err = backend.TruncateWAL(ctx, "t", "s", 10)
	if err != nil || removed != 0 {
		t.Fatalf("truncate beyond tail: removed=%d err=%v", removed, err)
	}
	removed, err = backend.TruncateWAL(ctx, "t", "s", 0)
	if err != nil || removed != 4 {
		t.Fatalf("truncate(0): removed=%d err=%v", removed, err)
	}
	entries, more, err = backend.ReadWAL(ctx, "t", "s", 0, 0)
	if err != nil || more || len(entries) != 0 {
		t.Fatalf("expected empty wal: %d more=%v err=%v", len(entries), more, err)
	}
	if tail, err = backend.AppendWAL(ctx, "t", "s", [][]byte{patch}); err != nil || tail != 1 {
		t.Fatalf("append after clear: tail=%d err=%v", tail, err)
	}
}

func testWALConcurrentAppend(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := backend.AppendWAL(ctx, "t", "concurrent", [][]byte{[]byte(fmt.Sprintf(`{"writer":%d}`, i))})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	entries, _, err := backend.ReadWAL(ctx, "t", "concurrent", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != writers {
		t.Fatalf("expected %d entries, got %d", writers, len(entries))
	}
}

func testCheckpoints(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	if _, _, err := backend.LoadCheckpoint(ctx, "t", "s", 0); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found without checkpoints, got %v", err)
	}
	for _, pos := range []uint64{5, 20, 10} {
		if err := backend.SaveCheckpoint(ctx, "t", "s", pos, Doc(fmt.Sprintf("ckpt-%d", pos))); err != nil {
			t.Fatalf("save checkpoint %d: %v", pos, err)
		}
	}
	data, pos, err := backend.LoadCheckpoint(ctx, "t", "s", 0)
	if err != nil || pos != 20 || !bytes.Equal(data, Doc("ckpt-20")) {
		t.Fatalf("latest checkpoint: pos=%d data=%q err=%v", pos, data, err)
	}
	data, pos, err = backend.LoadCheckpoint(ctx, "t", "s", 10)
	if err != nil || pos != 10 || !bytes.Equal(data, Doc("ckpt-10")) {
		t.Fatalf("checkpoint 10: pos=%d data=%q err=%v", pos, data, err)
	}
	if _, _, err := backend.LoadCheckpoint(ctx, "t", "s", 7); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for missing position, got %v", err)
	}
	list, err := backend.ListCheckpoints(ctx, "t", "s")
	if err != nil || len(list) != 3 {
		t.Fatalf("list checkpoints: %+v err=%v", list, err)
	}
	if list[0].Position != 5 || list[1].Position != 10 || list[2].Position != 20 {
		t.Fatalf("checkpoints not sorted: %+v", list)
	}
	sessions, err := backend.ListSessions(ctx, "t")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("checkpoints must not appear as sessions: %+v", sessions)
	}
}
