// Package objectstore implements storage.Backend on top of an object store
// for session blobs, WALs and checkpoints plus a key-value store for the
// per-tenant index.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/docstore/internal/kv"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/pslog"
)

// Config wires the object and key-value stores.
type Config struct {
	Objects storage.ObjectStore
	Index   kv.Store
	// Bucket defaults to Objects.DefaultBucket().
	Bucket string
	// Prefix is prepended to every object key.
	Prefix string
	Now    func() time.Time
}

// Store implements storage.Backend.
type Store struct {
	objects storage.ObjectStore
	index   kv.Store
	bucket  string
	prefix  string
	now     func() time.Time

	keyLocks sync.Map
}

// New validates cfg and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Objects == nil {
		return nil, fmt.Errorf("objectstore: object store required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("objectstore: index store required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = cfg.Objects.DefaultBucket()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{
		objects: cfg.Objects,
		index:   cfg.Index,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		now:     cfg.Now,
	}, nil
}

// BackendName implements storage.Backend.
func (s *Store) BackendName() string { return s.objects.Name() }

// Close releases both underlying stores.
func (s *Store) Close() error {
	return errors.Join(s.objects.Close(), s.index.Close())
}

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = loggingutil.NoopLogger()
	}
	return logger.With("storage_backend", "object", "bucket", s.bucket)
}

func (s *Store) sessionsPrefix(tenant string) string {
	return s.prefix + storage.SessionsPrefix(tenant)
}

func (s *Store) key(tenant, name string) string {
	return s.sessionsPrefix(tenant) + name
}

func (s *Store) keyMutex(key string) *sync.Mutex {
	mu, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func validate(tenant, sessionID string) error {
	if err := storage.ValidateTenant(tenant); err != nil {
		return err
	}
	return storage.ValidateSessionID(sessionID)
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	res, err := s.objects.GetObject(ctx, s.bucket, key)
	if err != nil {
		return nil, err
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, storage.Wrap(storage.KindIO, "objectstore: read "+key, err)
	}
	return data, nil
}

func (s *Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.objects.PutObject(ctx, s.bucket, key, bytes.NewReader(data), storage.PutObjectOptions{
		ContentType: contentType,
		Size:        int64(len(data)),
	})
	return err
}

// LoadSession implements storage.Backend.
func (s *Store) LoadSession(ctx context.Context, tenant, sessionID string) ([]byte, error) {
	if err := validate(tenant, sessionID); err != nil {
		return nil, err
	}
	data, err := s.get(ctx, s.key(tenant, storage.SessionFileName(sessionID)))
	if err != nil {
		return nil, storage.Wrap(storage.KindIO, "objectstore: load session", err)
	}
	return storage.StripLegacyPrefix(data), nil
}

// SaveSession implements storage.Backend. A single PUT replaces the object
// atomically.
func (s *Store) SaveSession(ctx context.Context, tenant, sessionID string, data []byte) error {
	if err := validate(tenant, sessionID); err != nil {
		return err
	}
	key := s.key(tenant, storage.SessionFileName(sessionID))
	if err := s.put(ctx, key, storage.StripLegacyPrefix(data), storage.ContentTypeDocx); err != nil {
		return storage.Wrap(storage.KindIO, "objectstore: save session", err)
	}
	return nil
}

// DeleteSession implements storage.Backend.
func (s *Store) DeleteSession(ctx context.Context, tenant, sessionID string) (bool, error) {
	if err := validate(tenant, sessionID); err != nil {
		return false, err
	}
	logger := s.loggers(ctx)
	existed := true
	err := s.objects.DeleteObject(ctx, s.bucket, s.key(tenant, storage.SessionFileName(sessionID)), storage.DeleteObjectOptions{})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		existed = false
	case err != nil:
		return false, storage.Wrap(storage.KindIO, "objectstore: delete session", err)
	}
	ignore := storage.DeleteObjectOptions{IgnoreNotFound: true}
	if err := s.objects.DeleteObject(ctx, s.bucket, s.key(tenant, storage.WALFileName(sessionID)), ignore); err != nil {
		logger.Warn("objectstore.session.delete_wal_failed", "tenant", tenant, "session", sessionID, "error", err)
	}
	checkpoints, err := s.checkpointObjects(ctx, tenant, sessionID)
	if err != nil {
		logger.Warn("objectstore.session.list_checkpoints_failed", "tenant", tenant, "session", sessionID, "error", err)
	}
	for _, ckpt := range checkpoints {
		if err := s.objects.DeleteObject(ctx, s.bucket, ckpt.key, ignore); err != nil {
			logger.Warn("objectstore.session.delete_checkpoint_failed", "tenant", tenant, "session", sessionID, "position", ckpt.position, "error", err)
		}
	}
	return existed, nil
}

// ListSessions implements storage.Backend. Object stores expose no creation
// time, so CreatedAt mirrors ModifiedAt unless the index records one.
func (s *Store) ListSessions(ctx context.Context, tenant string) ([]storage.SessionInfo, error) {
	if err := storage.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	objects, err := storage.ListAllObjects(ctx, s.objects, s.bucket, s.sessionsPrefix(tenant))
	if err != nil {
		return nil, storage.Wrap(storage.KindIO, "objectstore: list sessions", err)
	}
	index, err := s.LoadIndex(ctx, tenant)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.loggers(ctx).Warn("objectstore.sessions.index_unreadable", "tenant", tenant, "error", err)
	}
	out := make([]storage.SessionInfo, 0, len(objects))
	for _, obj := range objects {
		id, ok := storage.SessionIDFromFileName(path.Base(obj.Key))
		if !ok {
			continue
		}
		modified := obj.LastModified.UTC()
		info := storage.SessionInfo{
			SessionID:  id,
			CreatedAt:  modified,
			ModifiedAt: modified,
			SizeBytes:  obj.Size,
		}
		if index != nil {
			if entry := index.Get(id); entry != nil {
				info.SourcePath = entry.SourcePath
				if !entry.CreatedAt.IsZero() {
					info.CreatedAt = entry.CreatedAt
				}
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// SessionExists implements storage.Backend.
func (s *Store) SessionExists(ctx context.Context, tenant, sessionID string) (bool, error) {
	if err := validate(tenant, sessionID); err != nil {
		return false, err
	}
	_, err := s.objects.HeadObject(ctx, s.bucket, s.key(tenant, storage.SessionFileName(sessionID)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, storage.Wrap(storage.KindIO, "objectstore: head session", err)
	}
}

// LoadIndex implements storage.Backend.
func (s *Store) LoadIndex(ctx context.Context, tenant string) (*storage.SessionIndex, error) {
	if err := storage.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	raw, err := s.index.Get(ctx, storage.IndexKey(tenant))
	if err != nil {
		return nil, storage.Wrap(storage.KindIO, "objectstore: load index", err)
	}
	index, err := storage.ParseSessionIndex(raw)
	if err != nil {
		return nil, fmt.Errorf("objectstore: tenant %q: %w", tenant, err)
	}
	return index, nil
}

// SaveIndex implements storage.Backend.
func (s *Store) SaveIndex(ctx context.Context, tenant string, index *storage.SessionIndex) error {
	if err := storage.ValidateTenant(tenant); err != nil {
		return err
	}
	if index == nil {
		return storage.Errorf(storage.KindInvalidArgument, "objectstore: save index", "index is nil")
	}
	raw, err := json.Marshal(index)
	if err != nil {
		return storage.Wrap(storage.KindSerialization, "objectstore: encode index", err)
	}
	if err := s.index.Put(ctx, storage.IndexKey(tenant), raw); err != nil {
		return storage.Wrap(storage.KindIO, "objectstore: save index", err)
	}
	return nil
}

func (s *Store) loadWAL(ctx context.Context, key string) (*storage.WAL, error) {
	raw, err := s.get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &storage.WAL{}, nil
		}
		return nil, storage.Wrap(storage.KindIO, "objectstore: read wal", err)
	}
	wal, err := storage.DecodeWAL(raw)
	if err != nil {
		return nil, fmt.Errorf("objectstore: %s: %w", key, err)
	}
	return wal, nil
}

// AppendWAL implements storage.Backend. Appends are serialised per key
// within the process; concurrent writers in other processes are not
// coordinated.
func (s *Store) AppendWAL(ctx context.Context, tenant, sessionID string, payloads [][]byte) (uint64, error) {
	if err := validate(tenant, sessionID); err != nil {
		return 0, err
	}
	key := s.key(tenant, storage.WALFileName(sessionID))
	mu := s.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	wal, err := s.loadWAL(ctx, key)
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
	if err := s.put(ctx, key, wal.Encode(), storage.ContentTypeOctetStream); err != nil {
		return 0, storage.Wrap(storage.KindIO, "objectstore: append wal", err)
	}
	s.loggers(ctx).Trace("objectstore.wal.appended", "tenant", tenant, "session", sessionID, "entries", len(payloads), "tail", tail)
	return tail, nil
}

// ReadWAL implements storage.Backend.
func (s *Store) ReadWAL(ctx context.Context, tenant, sessionID string, from uint64, limit int) ([]storage.WalEntry, bool, error) {
	if err := validate(tenant, sessionID); err != nil {
		return nil, false, err
	}
	wal, err := s.loadWAL(ctx, s.key(tenant, storage.WALFileName(sessionID)))
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
	key := s.key(tenant, storage.WALFileName(sessionID))
	mu := s.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	wal, err := s.loadWAL(ctx, key)
	if err != nil {
		return 0, err
	}
	removed := wal.Truncate(keepCount)
	if removed == 0 {
		return 0, nil
	}
	if err := s.put(ctx, key, wal.Encode(), storage.ContentTypeOctetStream); err != nil {
		return 0, storage.Wrap(storage.KindIO, "objectstore: truncate wal", err)
	}
	return removed, nil
}

// SaveCheckpoint implements storage.Backend.
func (s *Store) SaveCheckpoint(ctx context.Context, tenant, sessionID string, position uint64, data []byte) error {
	if err := validate(tenant, sessionID); err != nil {
		return err
	}
	if position == 0 {
		return storage.Errorf(storage.KindInvalidArgument, "objectstore: save checkpoint", "position 0 is reserved")
	}
	key := s.key(tenant, storage.CheckpointFileName(sessionID, position))
	if err := s.put(ctx, key, storage.StripLegacyPrefix(data), storage.ContentTypeDocx); err != nil {
		return storage.Wrap(storage.KindIO, "objectstore: save checkpoint", err)
	}
	return nil
}

// LoadCheckpoint implements storage.Backend.
func (s *Store) LoadCheckpoint(ctx context.Context, tenant, sessionID string, position uint64) ([]byte, uint64, error) {
	if err := validate(tenant, sessionID); err != nil {
		return nil, 0, err
	}
	if position == 0 {
		checkpoints, err := s.checkpointObjects(ctx, tenant, sessionID)
		if err != nil {
			return nil, 0, storage.Wrap(storage.KindIO, "objectstore: list checkpoints", err)
		}
		if len(checkpoints) == 0 {
			return nil, 0, storage.ErrNotFound
		}
		position = checkpoints[len(checkpoints)-1].position
	}
	data, err := s.get(ctx, s.key(tenant, storage.CheckpointFileName(sessionID, position)))
	if err != nil {
		return nil, 0, storage.Wrap(storage.KindIO, "objectstore: load checkpoint", err)
	}
	return storage.StripLegacyPrefix(data), position, nil
}

// ListCheckpoints implements storage.Backend.
func (s *Store) ListCheckpoints(ctx context.Context, tenant, sessionID string) ([]storage.CheckpointInfo, error) {
	if err := validate(tenant, sessionID); err != nil {
		return nil, err
	}
	checkpoints, err := s.checkpointObjects(ctx, tenant, sessionID)
	if err != nil {
		return nil, storage.Wrap(storage.KindIO, "objectstore: list checkpoints", err)
	}
	out := make([]storage.CheckpointInfo, 0, len(checkpoints))
	for _, ckpt := range checkpoints {
		out = append(out, storage.CheckpointInfo{
			Position:  ckpt.position,
			CreatedAt: ckpt.info.LastModified.UTC(),
			SizeBytes: ckpt.info.Size,
		})
	}
	return out, nil
}

type checkpointObject struct {
	key      string
	position uint64
	info     storage.ObjectInfo
}

// checkpointObjects pages through the checkpoint keys of a session and
// returns them ordered by position.
func (s *Store) checkpointObjects(ctx context.Context, tenant, sessionID string) ([]checkpointObject, error) {
	objects, err := storage.ListAllObjects(ctx, s.objects, s.bucket, s.key(tenant, storage.CheckpointPrefix(sessionID)))
	if err != nil {
		return nil, err
	}
	out := make([]checkpointObject, 0, len(objects))
	for _, obj := range objects {
		pos, ok := storage.CheckpointPositionFromFileName(sessionID, path.Base(obj.Key))
		if !ok {
			continue
		}
		out = append(out, checkpointObject{key: obj.Key, position: pos, info: obj})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].position < out[j].position })
	return out, nil
}
