package storage_test

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"pkt.systems/docstore/internal/storage"
)

func TestNewTransientErrorWraps(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	wrapped := storage.NewTransientError(err)
	if wrapped == nil {
		t.Fatal("expected wrapped error")
	}
	if !errors.Is(wrapped, err) {
		t.Fatal("wrapped error should contain original")
	}
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected IsTransient to detect wrapped error")
	}
	if storage.IsTransient(err) {
		t.Fatal("plain error should not be transient")
	}
}

func TestNewTransientErrorHandlesNil(t *testing.T) {
	t.Parallel()

	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil input should return nil")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want storage.Kind
	}{
		{"tenant", storage.ErrTenantRequired, storage.KindInvalidArgument},
		{"not found", fmt.Errorf("load: %w", storage.ErrNotFound), storage.KindNotFound},
		{"wrapped not found", storage.Wrap(storage.KindIO, "load", storage.ErrNotFound), storage.KindNotFound},
		{"plain", errors.New("disk on fire"), storage.KindIO},
		{"lock", storage.ErrLockContended, storage.KindLock},
		{"serialization", storage.Errorf(storage.KindSerialization, "decode", "bad"), storage.KindSerialization},
	}
	for _, tc := range cases {
		if got := storage.KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
	if !errors.Is(fmt.Errorf("rpc: %w", storage.ErrTenantRequired), storage.ErrTenantRequired) {
		t.Fatal("expected ErrTenantRequired to survive wrapping")
	}
}

func TestStripLegacyPrefix(t *testing.T) {
	t.Parallel()

	doc := append([]byte("PK\x03\x04"), []byte("document body")...)
	prefixed := make([]byte, 8, 8+len(doc))
	binary.LittleEndian.PutUint64(prefixed, uint64(len(doc)))
	prefixed = append(prefixed, doc...)

	cases := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"plain", doc, doc},
		{"prefixed", prefixed, doc},
		{"short", []byte("PK"), []byte("PK")},
		{"not zip", []byte("0123456789abcdef"), []byte("0123456789abcdef")},
	}
	for _, tc := range cases {
		if got := storage.StripLegacyPrefix(tc.in); !bytes.Equal(got, tc.want) {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestWALAppendReadTruncate(t *testing.T) {
	t.Parallel()

	wal, err := storage.DecodeWAL(nil)
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	patch := []byte("{\"op\":\"x\"}\n")
	tail, err := wal.Append([][]byte{patch, patch})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if tail != 2 {
		t.Fatalf("expected tail 2, got %d", tail)
	}
	tail, err = wal.Append([][]byte{[]byte(`{"op":"y","timestamp":"2024-05-01T10:00:00Z","path":"/body"}`)})
	if err != nil || tail != 3 {
		t.Fatalf("append third: tail=%d err=%v", tail, err)
	}

	raw := wal.Encode()
	if got := binary.LittleEndian.Uint64(raw[:8]); got != uint64(len(raw)-8) {
		t.Fatalf("header length %d does not match body %d", got, len(raw)-8)
	}
	decoded, err := storage.DecodeWAL(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	now := time.Unix(1700000000, 0).UTC()
	entries, more := decoded.Read(0, 0, now)
	if more || len(entries) != 3 {
		t.Fatalf("expected 3 entries without more, got %d more=%v", len(entries), more)
	}
	for i, entry := range entries {
		if entry.Position != uint64(i+1) {
			t.Fatalf("entry %d has position %d", i, entry.Position)
		}
	}
	if !bytes.Equal(entries[0].Payload, patch) || !bytes.Equal(entries[1].Payload, patch) {
		t.Fatalf("payload mismatch: %q %q", entries[0].Payload, entries[1].Payload)
	}
	if entries[0].Operation != "x" || !entries[0].Timestamp.Equal(now) {
		t.Fatalf("unexpected envelope %+v", entries[0])
	}
	if entries[2].Path != "/body" || !entries[2].Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected envelope %+v", entries[2])
	}

	page, more := decoded.Read(2, 1, now)
	if !more || len(page) != 1 || page[0].Position != 2 {
		t.Fatalf("unexpected page %+v more=%v", page, more)
	}
	page, more = decoded.Read(3, 1, now)
	if more || len(page) != 1 {
		t.Fatalf("last page should not report more: %+v more=%v", page, more)
	}

	if removed := decoded.Truncate(5); removed != 0 {
		t.Fatalf("truncate beyond tail removed %d", removed)
	}
	if removed := decoded.Truncate(1); removed != 2 {
		t.Fatalf("truncate(1) removed %d", removed)
	}
	if entries, _ := decoded.Read(0, 0, now); len(entries) != 1 || entries[0].Position != 1 {
		t.Fatalf("unexpected entries after truncate: %+v", entries)
	}
	if removed := decoded.Truncate(0); removed != 1 {
		t.Fatalf("truncate(0) removed %d", removed)
	}
	if decoded.Len() != 0 {
		t.Fatalf("expected empty wal, got %d", decoded.Len())
	}
}

func TestWALReadLimits(t *testing.T) {
	t.Parallel()

	wal, _ := storage.DecodeWAL(nil)
	if _, err := wal.Append([][]byte{[]byte(`{"op":"a"}`), []byte(`{"op":"b"}`), []byte(`{"op":"c"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	now := time.Unix(1700000000, 0).UTC()
	cases := []struct {
		name  string
		from  uint64
		limit int
		want  int
		more  bool
	}{
		{"unlimited", 1, 0, 3, false},
		{"negative is unlimited", 2, -1, 2, false},
		{"exact", 2, 2, 2, false},
		{"short page", 1, 2, 2, true},
		{"max int", 2, math.MaxInt, 2, false},
		{"max int from tail", 3, math.MaxInt, 1, false},
		{"past tail", 4, math.MaxInt, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entries, more := wal.Read(tc.from, tc.limit, now)
			if len(entries) != tc.want || more != tc.more {
				t.Fatalf("read(%d, %d): got %d entries more=%v, want %d more=%v", tc.from, tc.limit, len(entries), more, tc.want, tc.more)
			}
		})
	}
}

func TestDecodeWALHonoursHeader(t *testing.T) {
	t.Parallel()

	body := []byte("{\"a\":1}\n\n{\"b\":2}\n")
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, uint64(len(body)))
	raw = append(raw, body...)
	raw = append(raw, []byte("{\"garbage\":true}\n")...)

	wal, err := storage.DecodeWAL(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wal.Len() != 2 {
		t.Fatalf("expected 2 lines (blank skipped, trailer ignored), got %d", wal.Len())
	}

	short := make([]byte, 8)
	binary.LittleEndian.PutUint64(short, 1024)
	if _, err := storage.DecodeWAL(append(short, body...)); !storage.IsKind(err, storage.KindSerialization) {
		t.Fatalf("expected serialization error, got %v", err)
	}
}

func TestWALAppendRejectsMultiline(t *testing.T) {
	t.Parallel()

	wal, _ := storage.DecodeWAL(nil)
	if _, err := wal.Append([][]byte{[]byte("{\"a\":1}\n{\"b\":2}\n")}); !storage.IsKind(err, storage.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if wal.Len() != 0 {
		t.Fatalf("rejected batch must not be applied")
	}
}

func TestSessionIndexRoundTrip(t *testing.T) {
	t.Parallel()

	src := "/tmp/doc.docx"
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	idx := storage.NewSessionIndex()
	idx.Upsert(storage.SessionIndexEntry{
		ID:                  "s1",
		SourcePath:          &src,
		AutoSync:            false,
		CreatedAt:           created,
		LastModifiedAt:      created.Add(time.Minute),
		DocxFile:            "s1.docx",
		WALCount:            4,
		CursorPosition:      3,
		CheckpointPositions: []uint64{2, 4},
	})
	idx.Upsert(storage.SessionIndexEntry{ID: "s2", AutoSync: true, CreatedAt: created, LastModifiedAt: created, CheckpointPositions: []uint64{}})

	raw, err := json.Marshal(idx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := storage.ParseSessionIndex(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Version != idx.Version || len(parsed.Sessions) != 2 {
		t.Fatalf("unexpected parsed index %+v", parsed)
	}
	got := parsed.Get("s1")
	if got == nil || got.SourcePath == nil || *got.SourcePath != src || got.AutoSync || got.WALCount != 4 || got.CursorPosition != 3 {
		t.Fatalf("unexpected entry %+v", got)
	}
	if len(got.CheckpointPositions) != 2 || got.CheckpointPositions[1] != 4 {
		t.Fatalf("unexpected checkpoints %v", got.CheckpointPositions)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at mismatch %v", got.CreatedAt)
	}
}

func TestSessionIndexNormalisesCheckpointPositions(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"version":1,"sessions":[{"id":"s1","created_at":"2024-01-01T00:00:00Z","checkpoint_positions":[9,3,9,1,3]}]}`)
	idx, err := storage.ParseSessionIndex(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := fmt.Sprint(idx.Get("s1").CheckpointPositions); got != "[1 3 9]" {
		t.Fatalf("expected sorted unique positions, got %s", got)
	}
}

func TestSessionIndexLegacyFields(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"sessions":[{"id":"legacy","source_path":null,"created_at":"2024-01-01T00:00:00Z","modified_at":"2024-01-02T00:00:00Z","wal_position":7}]}`)
	idx, err := storage.ParseSessionIndex(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if idx.Version != storage.IndexVersion {
		t.Fatalf("expected default version, got %d", idx.Version)
	}
	entry := idx.Get("legacy")
	if entry == nil {
		t.Fatal("legacy entry missing")
	}
	if !entry.AutoSync {
		t.Fatal("auto_sync should default to true")
	}
	if entry.WALCount != 7 {
		t.Fatalf("wal_position alias ignored: %d", entry.WALCount)
	}
	if !entry.LastModifiedAt.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("modified_at alias ignored: %v", entry.LastModifiedAt)
	}

	if _, err := storage.ParseSessionIndex([]byte("{not json")); !storage.IsKind(err, storage.KindSerialization) {
		t.Fatalf("expected serialization error, got %v", err)
	}
}

func TestSessionIndexMutations(t *testing.T) {
	t.Parallel()

	idx := storage.NewSessionIndex()
	idx.Upsert(storage.SessionIndexEntry{ID: "a"})
	idx.Upsert(storage.SessionIndexEntry{ID: "b"})
	idx.Upsert(storage.SessionIndexEntry{ID: "a", WALCount: 2})
	if len(idx.Sessions) != 2 || idx.Get("a").WALCount != 2 {
		t.Fatalf("upsert should replace in place: %+v", idx.Sessions)
	}
	entry := idx.Get("b")
	entry.AddCheckpoints(9, 3, 9, 5)
	entry.RemoveCheckpoints(5)
	if got := idx.Get("b").CheckpointPositions; len(got) != 2 || got[0] != 3 || got[1] != 9 {
		t.Fatalf("unexpected checkpoints %v", got)
	}
	if _, ok := idx.Remove("a"); !ok || idx.Contains("a") {
		t.Fatal("remove failed")
	}
	if _, ok := idx.Remove("a"); ok {
		t.Fatal("second remove should report absence")
	}
}

func TestKeyNaming(t *testing.T) {
	t.Parallel()

	if got := storage.CheckpointFileName("s1", 42); got != "s1.ckpt.42.docx" {
		t.Fatalf("checkpoint name %q", got)
	}
	if pos, ok := storage.CheckpointPositionFromFileName("s1", "s1.ckpt.42.docx"); !ok || pos != 42 {
		t.Fatalf("parse checkpoint: %d %v", pos, ok)
	}
	if _, ok := storage.SessionIDFromFileName("s1.ckpt.42.docx"); ok {
		t.Fatal("checkpoint must not be listed as a session")
	}
	if id, ok := storage.SessionIDFromFileName("s1.docx"); !ok || id != "s1" {
		t.Fatalf("session id %q %v", id, ok)
	}
	if storage.IndexKey("t") != "index:t" || storage.LockKey("t", "index") != "lock:t:index" {
		t.Fatal("unexpected kv keys")
	}
	for _, bad := range []string{"", "../x", "a/b", ".hidden"} {
		if err := storage.ValidateTenant(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	if !errors.Is(storage.ValidateTenant(""), storage.ErrTenantRequired) {
		t.Fatal("empty tenant should be ErrTenantRequired")
	}
}
