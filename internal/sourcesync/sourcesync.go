// Package sourcesync pushes session snapshots to their registered external
// source and tracks per-session sync state.
//
// The registered source (source_path, auto_sync) is persisted in the tenant
// index. Last sync time, pending changes and the last error live only in
// process memory and are lost on restart.
package sourcesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/docstore/internal/clock"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/source"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/pslog"
)

// Status combines the persisted registration with transient state.
type Status struct {
	SessionID         string            `json:"session_id"`
	Source            source.Descriptor `json:"source"`
	AutoSyncEnabled   bool              `json:"auto_sync_enabled"`
	LastSyncedAt      *time.Time        `json:"last_synced_at,omitempty"`
	HasPendingChanges bool              `json:"has_pending_changes"`
	LastError         string            `json:"last_error,omitempty"`
}

// Backend is the capability consumed by the service layer.
type Backend interface {
	RegisterSource(ctx context.Context, tenant, sessionID string, desc source.Descriptor, autoSync bool) error
	UnregisterSource(ctx context.Context, tenant, sessionID string) error
	UpdateSource(ctx context.Context, tenant, sessionID string, desc *source.Descriptor, autoSync *bool) error
	SyncToSource(ctx context.Context, tenant, sessionID string, data []byte) (time.Time, error)
	GetSyncStatus(ctx context.Context, tenant, sessionID string) (*Status, error)
	ListSources(ctx context.Context, tenant string) ([]Status, error)
	IsAutoSyncEnabled(ctx context.Context, tenant, sessionID string) (bool, error)
	MarkPendingChanges(tenant, sessionID string)
	RecordSyncError(tenant, sessionID, message string)
	Forget(tenant, sessionID string)
	Name() string
}

// Target writes snapshots to one family of external locations.
type Target interface {
	// Name identifies the target in logs and health output.
	Name() string
	// Validate rejects descriptors the target cannot serve.
	Validate(desc source.Descriptor) error
	// TypeFor reports the source type of a persisted URI.
	TypeFor(uri string) source.Type
	// Write stores data at uri.
	Write(ctx context.Context, uri string, data []byte) error
}

// Config wires a Syncer.
type Config struct {
	Storage storage.Backend
	Target  Target
	Clock   clock.Clock
	Logger  pslog.Logger
}

type stateKey struct {
	tenant  string
	session string
}

type transientState struct {
	lastSyncedAt      *time.Time
	hasPendingChanges bool
	lastError         string
}

// Syncer implements Backend over a storage backend and a Target.
type Syncer struct {
	storage storage.Backend
	target  Target
	clock   clock.Clock
	logger  pslog.Logger

	mu    sync.Mutex
	state map[stateKey]*transientState
}

// New constructs a Syncer.
func New(cfg Config) (*Syncer, error) {
	if cfg.Storage == nil {
		return nil, errors.New("sourcesync: storage backend required")
	}
	if cfg.Target == nil {
		return nil, errors.New("sourcesync: target required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Syncer{
		storage: cfg.Storage,
		target:  cfg.Target,
		clock:   cfg.Clock,
		logger:  loggingutil.WithSubsystem(cfg.Logger, "sync", cfg.Target.Name()),
		state:   make(map[stateKey]*transientState),
	}, nil
}

// Name reports the target name.
func (s *Syncer) Name() string { return s.target.Name() }

func validate(tenant, sessionID string) error {
	if err := storage.ValidateTenant(tenant); err != nil {
		return err
	}
	return storage.ValidateSessionID(sessionID)
}

// loadIndex treats a missing index as empty.
func (s *Syncer) loadIndex(ctx context.Context, tenant string) (*storage.SessionIndex, error) {
	index, err := s.storage.LoadIndex(ctx, tenant)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.NewSessionIndex(), nil
	}
	if err != nil {
		return nil, err
	}
	return index, nil
}

// RegisterSource records desc as the session's source and resets its
// transient state.
func (s *Syncer) RegisterSource(ctx context.Context, tenant, sessionID string, desc source.Descriptor, autoSync bool) error {
	if err := validate(tenant, sessionID); err != nil {
		return err
	}
	if err := s.target.Validate(desc); err != nil {
		return storage.Wrap(storage.KindInvalidArgument, "sync.register", err)
	}
	index, err := s.loadIndex(ctx, tenant)
	if err != nil {
		return err
	}
	entry := index.Get(sessionID)
	if entry == nil {
		return storage.Errorf(storage.KindSync, "sync.register", "session %s not found in index for tenant %s", sessionID, tenant)
	}
	uri := desc.URI
	entry.SourcePath = &uri
	entry.AutoSync = autoSync
	entry.LastModifiedAt = s.clock.Now()
	if err := s.storage.SaveIndex(ctx, tenant, index); err != nil {
		return err
	}
	s.mu.Lock()
	s.state[stateKey{tenant, sessionID}] = &transientState{}
	s.mu.Unlock()
	s.logger.Debug("sync.register", "tenant", tenant, "session_id", sessionID, "uri", uri, "auto_sync", autoSync)
	return nil
}

// UnregisterSource clears the registration. Sessions absent from the index
// only lose their transient state.
func (s *Syncer) UnregisterSource(ctx context.Context, tenant, sessionID string) error {
	if err := validate(tenant, sessionID); err != nil {
		return err
	}
	index, err := s.loadIndex(ctx, tenant)
	if err != nil {
		return err
	}
	if entry := index.Get(sessionID); entry != nil {
		entry.SourcePath = nil
		entry.AutoSync = false
		entry.LastModifiedAt = s.clock.Now()
		if err := s.storage.SaveIndex(ctx, tenant, index); err != nil {
			return err
		}
		s.logger.Debug("sync.unregister", "tenant", tenant, "session_id", sessionID)
	}
	s.Forget(tenant, sessionID)
	return nil
}

// UpdateSource changes the provided fields of an existing registration.
func (s *Syncer) UpdateSource(ctx context.Context, tenant, sessionID string, desc *source.Descriptor, autoSync *bool) error {
	if err := validate(tenant, sessionID); err != nil {
		return err
	}
	index, err := s.loadIndex(ctx, tenant)
	if err != nil {
		return err
	}
	entry := index.Get(sessionID)
	if entry == nil {
		return storage.Errorf(storage.KindSync, "sync.update", "session %s not found in index for tenant %s", sessionID, tenant)
	}
	if entry.SourcePath == nil {
		return storage.Errorf(storage.KindSync, "sync.update", "no source registered for tenant %s session %s", tenant, sessionID)
	}
	if desc != nil {
		if err := s.target.Validate(*desc); err != nil {
			return storage.Wrap(storage.KindInvalidArgument, "sync.update", err)
		}
		uri := desc.URI
		s.logger.Debug("sync.update.source", "tenant", tenant, "session_id", sessionID, "from", *entry.SourcePath, "to", uri)
		entry.SourcePath = &uri
	}
	if autoSync != nil {
		s.logger.Debug("sync.update.auto_sync", "tenant", tenant, "session_id", sessionID, "from", entry.AutoSync, "to", *autoSync)
		entry.AutoSync = *autoSync
	}
	entry.LastModifiedAt = s.clock.Now()
	return s.storage.SaveIndex(ctx, tenant, index)
}

// SyncToSource writes data to the registered source and returns the sync time.
func (s *Syncer) SyncToSource(ctx context.Context, tenant, sessionID string, data []byte) (time.Time, error) {
	if err := validate(tenant, sessionID); err != nil {
		return time.Time{}, err
	}
	index, err := s.loadIndex(ctx, tenant)
	if err != nil {
		return time.Time{}, err
	}
	entry := index.Get(sessionID)
	if entry == nil {
		return time.Time{}, storage.Errorf(storage.KindSync, "sync.push", "session %s not found in index for tenant %s", sessionID, tenant)
	}
	if entry.SourcePath == nil {
		return time.Time{}, storage.Errorf(storage.KindSync, "sync.push", "no source registered for tenant %s session %s", tenant, sessionID)
	}
	if err := s.target.Write(ctx, *entry.SourcePath, data); err != nil {
		return time.Time{}, storage.Wrap(storage.KindSync, "sync.push", err)
	}
	syncedAt := s.clock.Now().Truncate(time.Second)
	s.mu.Lock()
	st := s.stateLocked(tenant, sessionID)
	st.lastSyncedAt = &syncedAt
	st.hasPendingChanges = false
	st.lastError = ""
	s.mu.Unlock()
	s.logger.Debug("sync.push.success", "tenant", tenant, "session_id", sessionID, "uri", *entry.SourcePath, "size", len(data))
	return syncedAt, nil
}

// GetSyncStatus returns nil when the session has no entry or no source.
func (s *Syncer) GetSyncStatus(ctx context.Context, tenant, sessionID string) (*Status, error) {
	if err := validate(tenant, sessionID); err != nil {
		return nil, err
	}
	index, err := s.loadIndex(ctx, tenant)
	if err != nil {
		return nil, err
	}
	entry := index.Get(sessionID)
	if entry == nil || entry.SourcePath == nil {
		return nil, nil
	}
	status := s.status(tenant, entry)
	return &status, nil
}

// ListSources returns the status of every registered source of tenant.
func (s *Syncer) ListSources(ctx context.Context, tenant string) ([]Status, error) {
	if err := storage.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	index, err := s.loadIndex(ctx, tenant)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(index.Sessions))
	for i := range index.Sessions {
		if index.Sessions[i].SourcePath == nil {
			continue
		}
		out = append(out, s.status(tenant, &index.Sessions[i]))
	}
	s.logger.Trace("sync.list", "tenant", tenant, "count", len(out))
	return out, nil
}

// IsAutoSyncEnabled reports whether a source is registered with auto sync on.
func (s *Syncer) IsAutoSyncEnabled(ctx context.Context, tenant, sessionID string) (bool, error) {
	if err := validate(tenant, sessionID); err != nil {
		return false, err
	}
	index, err := s.loadIndex(ctx, tenant)
	if err != nil {
		return false, err
	}
	entry := index.Get(sessionID)
	return entry != nil && entry.SourcePath != nil && entry.AutoSync, nil
}

// MarkPendingChanges flags unsynced edits for the session.
func (s *Syncer) MarkPendingChanges(tenant, sessionID string) {
	s.mu.Lock()
	s.stateLocked(tenant, sessionID).hasPendingChanges = true
	s.mu.Unlock()
}

// RecordSyncError stores message as the last error of a tracked session.
func (s *Syncer) RecordSyncError(tenant, sessionID, message string) {
	s.mu.Lock()
	st, ok := s.state[stateKey{tenant, sessionID}]
	if ok {
		st.lastError = message
	}
	s.mu.Unlock()
	if ok {
		s.logger.Warn("sync.error", "tenant", tenant, "session_id", sessionID, "error", message)
	}
}

// Forget drops the transient state of a session.
func (s *Syncer) Forget(tenant, sessionID string) {
	s.mu.Lock()
	delete(s.state, stateKey{tenant, sessionID})
	s.mu.Unlock()
}

func (s *Syncer) stateLocked(tenant, sessionID string) *transientState {
	key := stateKey{tenant, sessionID}
	st, ok := s.state[key]
	if !ok {
		st = &transientState{}
		s.state[key] = st
	}
	return st
}

func (s *Syncer) status(tenant string, entry *storage.SessionIndexEntry) Status {
	uri := *entry.SourcePath
	status := Status{
		SessionID:       entry.ID,
		Source:          source.Descriptor{Type: s.target.TypeFor(uri), URI: uri},
		AutoSyncEnabled: entry.AutoSync,
	}
	s.mu.Lock()
	if st, ok := s.state[stateKey{tenant, entry.ID}]; ok {
		if st.lastSyncedAt != nil {
			at := *st.lastSyncedAt
			status.LastSyncedAt = &at
		}
		status.HasPendingChanges = st.hasPendingChanges
		status.LastError = st.lastError
	}
	s.mu.Unlock()
	return status
}
