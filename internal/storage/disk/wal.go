package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"pkt.systems/docstore/internal/storage"
)

func (s *Store) readWALFile(path string) (*storage.WAL, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &storage.WAL{}, nil
		}
		return nil, storage.Wrap(storage.KindIO, "disk: read wal", err)
	}
	wal, err := storage.DecodeWAL(raw)
	if err != nil {
		return nil, fmt.Errorf("disk: %s: %w", path, err)
	}
	return wal, nil
}

// AppendWAL implements storage.Backend. The whole file is rewritten through
// a temp file so a crash leaves either the old or the new log.
func (s *Store) AppendWAL(ctx context.Context, tenant, sessionID string, payloads [][]byte) (uint64, error) {
	if err := validate(tenant, sessionID); err != nil {
		return 0, err
	}
	path := s.walPath(tenant, sessionID)
	mu := s.fileMutex(path)
	mu.Lock()
	defer mu.Unlock()

	wal, err := s.readWALFile(path)
	if err != nil {
		return 0, err
	}
	if len(payloads) == 0 {
		return wal.Len(), nil
	}
	tail, err := wal.Append(payloads)
	if err != nil {
		return 0, err
	}
	if err := writeFileAtomic(path, wal.Encode()); err != nil {
		return 0, storage.Wrap(storage.KindIO, "disk: append wal", err)
	}
	s.loggers(ctx).Trace("disk.wal.appended", "tenant", tenant, "session", sessionID, "entries", len(payloads), "tail", tail)
	return tail, nil
}

// ReadWAL implements storage.Backend.
func (s *Store) ReadWAL(ctx context.Context, tenant, sessionID string, from uint64, limit int) ([]storage.WalEntry, bool, error) {
	if err := validate(tenant, sessionID); err != nil {
		return nil, false, err
	}
	wal, err := s.readWALFile(s.walPath(tenant, sessionID))
	if err != nil {
		return nil, false, err
	}
	entries, more := wal.Read(from, limit, s.now().UTC())
	return entries, more, nil
}

// TruncateWAL implements storage.Backend.
func (s *Store) TruncateWAL(ctx context.Context, tenant, sessionID string, keepCount uint64) (uint64, error) {
	if err := validate(tenant, sessionID); err != nil {
		return 0, err
	}
	path := s.walPath(tenant, sessionID)
	mu := s.fileMutex(path)
	mu.Lock()
	defer mu.Unlock()

	wal, err := s.readWALFile(path)
	if err != nil {
		return 0, err
	}
	removed := wal.Truncate(keepCount)
	if removed == 0 {
		return 0, nil
	}
	if err := writeFileAtomic(path, wal.Encode()); err != nil {
		return 0, storage.Wrap(storage.KindIO, "disk: truncate wal", err)
	}
	s.loggers(ctx).Debug("disk.wal.truncated", "tenant", tenant, "session", sessionID, "kept", keepCount, "removed", removed)
	return removed, nil
}
