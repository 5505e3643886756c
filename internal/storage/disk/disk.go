package disk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/pslog"
)

// BackendName is reported by health checks for the filesystem backend.
const BackendName = "local"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by the local filesystem. Layout:
// {root}/{tenant}/sessions/{session}.docx, .wal, .ckpt.{pos}.docx and
// index.json.
type Store struct {
	root string
	now  func() time.Time

	fileLocks sync.Map
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare root %q: %w", root, err)
	}
	return &Store{root: root, now: cfg.Now}, nil
}

// Root returns the base directory.
func (s *Store) Root() string { return s.root }

// BackendName implements storage.Backend.
func (s *Store) BackendName() string { return BackendName }

// Close satisfies storage.Backend; the disk store holds no open handles.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = loggingutil.NoopLogger()
	}
	return logger.With("storage_backend", "disk")
}

func (s *Store) sessionsDir(tenant string) string {
	return filepath.Join(s.root, tenant, storage.SessionsDir)
}

func (s *Store) sessionPath(tenant, sessionID string) string {
	return filepath.Join(s.sessionsDir(tenant), storage.SessionFileName(sessionID))
}

func (s *Store) walPath(tenant, sessionID string) string {
	return filepath.Join(s.sessionsDir(tenant), storage.WALFileName(sessionID))
}

func (s *Store) checkpointPath(tenant, sessionID string, position uint64) string {
	return filepath.Join(s.sessionsDir(tenant), storage.CheckpointFileName(sessionID, position))
}

func (s *Store) indexPath(tenant string) string {
	return filepath.Join(s.sessionsDir(tenant), storage.IndexFileName)
}

// fileMutex serialises read-modify-write cycles on a single file within this
// process.
func (s *Store) fileMutex(path string) *sync.Mutex {
	mu, _ := s.fileLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func validate(tenant, sessionID string) error {
	if err := storage.ValidateTenant(tenant); err != nil {
		return err
	}
	return storage.ValidateSessionID(sessionID)
}

// LoadSession implements storage.Backend.
func (s *Store) LoadSession(ctx context.Context, tenant, sessionID string) ([]byte, error) {
	if err := validate(tenant, sessionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.sessionPath(tenant, sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.Wrap(storage.KindIO, "disk: load session", err)
	}
	return storage.StripLegacyPrefix(data), nil
}

// SaveSession implements storage.Backend.
func (s *Store) SaveSession(ctx context.Context, tenant, sessionID string, data []byte) error {
	if err := validate(tenant, sessionID); err != nil {
		return err
	}
	path := s.sessionPath(tenant, sessionID)
	if err := writeFileAtomic(path, storage.StripLegacyPrefix(data)); err != nil {
		return storage.Wrap(storage.KindIO, "disk: save session", err)
	}
	s.loggers(ctx).Trace("disk.session.saved", "tenant", tenant, "session", sessionID, "bytes", len(data))
	return nil
}

// DeleteSession implements storage.Backend.
func (s *Store) DeleteSession(ctx context.Context, tenant, sessionID string) (bool, error) {
	if err := validate(tenant, sessionID); err != nil {
		return false, err
	}
	logger := s.loggers(ctx)
	existed := true
	if err := os.Remove(s.sessionPath(tenant, sessionID)); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, storage.Wrap(storage.KindIO, "disk: delete session", err)
		}
		existed = false
	}
	if err := os.Remove(s.walPath(tenant, sessionID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("disk.session.delete_wal_failed", "tenant", tenant, "session", sessionID, "error", err)
	}
	checkpoints, err := s.checkpointPositions(tenant, sessionID)
	if err != nil {
		logger.Warn("disk.session.list_checkpoints_failed", "tenant", tenant, "session", sessionID, "error", err)
	}
	for _, pos := range checkpoints {
		if err := os.Remove(s.checkpointPath(tenant, sessionID, pos)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("disk.session.delete_checkpoint_failed", "tenant", tenant, "session", sessionID, "position", pos, "error", err)
		}
	}
	return existed, nil
}

// ListSessions implements storage.Backend. Entries present in the index
// contribute their source path and creation time.
func (s *Store) ListSessions(ctx context.Context, tenant string) ([]storage.SessionInfo, error) {
	if err := storage.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.sessionsDir(tenant))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []storage.SessionInfo{}, nil
		}
		return nil, storage.Wrap(storage.KindIO, "disk: list sessions", err)
	}
	index, err := s.LoadIndex(ctx, tenant)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.loggers(ctx).Warn("disk.sessions.index_unreadable", "tenant", tenant, "error", err)
	}
	out := make([]storage.SessionInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := storage.SessionIDFromFileName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		modified := info.ModTime().UTC()
		session := storage.SessionInfo{
			SessionID:  id,
			CreatedAt:  modified,
			ModifiedAt: modified,
			SizeBytes:  info.Size(),
		}
		if index != nil {
			if indexed := index.Get(id); indexed != nil {
				session.SourcePath = indexed.SourcePath
				if !indexed.CreatedAt.IsZero() {
					session.CreatedAt = indexed.CreatedAt
				}
			}
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// SessionExists implements storage.Backend.
func (s *Store) SessionExists(ctx context.Context, tenant, sessionID string) (bool, error) {
	if err := validate(tenant, sessionID); err != nil {
		return false, err
	}
	_, err := os.Stat(s.sessionPath(tenant, sessionID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, storage.Wrap(storage.KindIO, "disk: stat session", err)
	}
}

// LoadIndex implements storage.Backend.
func (s *Store) LoadIndex(ctx context.Context, tenant string) (*storage.SessionIndex, error) {
	if err := storage.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.indexPath(tenant))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.Wrap(storage.KindIO, "disk: load index", err)
	}
	index, err := storage.ParseSessionIndex(data)
	if err != nil {
		return nil, fmt.Errorf("disk: tenant %q: %w", tenant, err)
	}
	return index, nil
}

// SaveIndex implements storage.Backend.
func (s *Store) SaveIndex(ctx context.Context, tenant string, index *storage.SessionIndex) error {
	if err := storage.ValidateTenant(tenant); err != nil {
		return err
	}
	if index == nil {
		return storage.Errorf(storage.KindInvalidArgument, "disk: save index", "index is nil")
	}
	payload, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return storage.Wrap(storage.KindSerialization, "disk: encode index", err)
	}
	if err := writeFileAtomic(s.indexPath(tenant), payload); err != nil {
		return storage.Wrap(storage.KindIO, "disk: save index", err)
	}
	return nil
}

// SaveCheckpoint implements storage.Backend.
func (s *Store) SaveCheckpoint(ctx context.Context, tenant, sessionID string, position uint64, data []byte) error {
	if err := validate(tenant, sessionID); err != nil {
		return err
	}
	if position == 0 {
		return storage.Errorf(storage.KindInvalidArgument, "disk: save checkpoint", "position 0 is reserved")
	}
	if err := writeFileAtomic(s.checkpointPath(tenant, sessionID, position), storage.StripLegacyPrefix(data)); err != nil {
		return storage.Wrap(storage.KindIO, "disk: save checkpoint", err)
	}
	return nil
}

// LoadCheckpoint implements storage.Backend.
func (s *Store) LoadCheckpoint(ctx context.Context, tenant, sessionID string, position uint64) ([]byte, uint64, error) {
	if err := validate(tenant, sessionID); err != nil {
		return nil, 0, err
	}
	if position == 0 {
		positions, err := s.checkpointPositions(tenant, sessionID)
		if err != nil {
			return nil, 0, storage.Wrap(storage.KindIO, "disk: list checkpoints", err)
		}
		if len(positions) == 0 {
			return nil, 0, storage.ErrNotFound
		}
		position = positions[len(positions)-1]
	}
	data, err := os.ReadFile(s.checkpointPath(tenant, sessionID, position))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, storage.ErrNotFound
		}
		return nil, 0, storage.Wrap(storage.KindIO, "disk: load checkpoint", err)
	}
	return storage.StripLegacyPrefix(data), position, nil
}

// ListCheckpoints implements storage.Backend.
func (s *Store) ListCheckpoints(ctx context.Context, tenant, sessionID string) ([]storage.CheckpointInfo, error) {
	if err := validate(tenant, sessionID); err != nil {
		return nil, err
	}
	positions, err := s.checkpointPositions(tenant, sessionID)
	if err != nil {
		return nil, storage.Wrap(storage.KindIO, "disk: list checkpoints", err)
	}
	out := make([]storage.CheckpointInfo, 0, len(positions))
	for _, pos := range positions {
		info, err := os.Stat(s.checkpointPath(tenant, sessionID, pos))
		if err != nil {
			continue
		}
		out = append(out, storage.CheckpointInfo{
			Position:  pos,
			CreatedAt: info.ModTime().UTC(),
			SizeBytes: info.Size(),
		})
	}
	return out, nil
}

// checkpointPositions returns the stored positions in ascending order.
func (s *Store) checkpointPositions(tenant, sessionID string) ([]uint64, error) {
	entries, err := os.ReadDir(s.sessionsDir(tenant))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var positions []uint64
	for _, entry := range entries {
		if pos, ok := storage.CheckpointPositionFromFileName(sessionID, entry.Name()); ok {
			positions = append(positions, pos)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	return positions, nil
}

// writeFileAtomic writes payload to a temp file next to dest and renames it
// into place so readers never observe a partial file.
func writeFileAtomic(dest string, payload []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %q: %w", dest, err)
	}
	if _, err := bytes.NewReader(payload).WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %q: %w", dest, err)
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync %q: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %q: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %q: %w", dest, err)
	}
	return syncDir(dir)
}
