package storage

import (
	"context"
	"time"
)

// Content type constants used for session blobs and index documents across backends.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeDocx        = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// SessionInfo describes a persisted session blob.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	SourcePath *string   `json:"source_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	SizeBytes  int64     `json:"size_bytes"`
}

// WalEntry is a single record of a session write-ahead log. Position is the
// 1-based line ordinal inside the WAL body and is assigned by the backend.
// Operation and Path are diagnostic only and are never persisted separately.
type WalEntry struct {
	Position  uint64    `json:"position"`
	Operation string    `json:"operation,omitempty"`
	Path      string    `json:"path,omitempty"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckpointInfo describes a stored checkpoint snapshot.
type CheckpointInfo struct {
	Position  uint64    `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// Backend persists sessions, the per-tenant index, WALs and checkpoints.
// Every method takes the tenant first; implementations reject an empty tenant
// with ErrTenantRequired. Backends do not serialise concurrent index writers,
// callers that mutate the index hold the tenant "index" lock.
type Backend interface {
	// LoadSession returns the session bytes with any legacy length prefix
	// stripped. Missing sessions return ErrNotFound.
	LoadSession(ctx context.Context, tenant, sessionID string) ([]byte, error)
	// SaveSession atomically replaces the session bytes.
	SaveSession(ctx context.Context, tenant, sessionID string, data []byte) error
	// DeleteSession removes the session blob, its WAL and every checkpoint.
	// Already-absent files are tolerated. The result reports whether the
	// session blob existed.
	DeleteSession(ctx context.Context, tenant, sessionID string) (bool, error)
	ListSessions(ctx context.Context, tenant string) ([]SessionInfo, error)
	SessionExists(ctx context.Context, tenant, sessionID string) (bool, error)

	// LoadIndex returns the tenant index or ErrNotFound when none was saved.
	LoadIndex(ctx context.Context, tenant string) (*SessionIndex, error)
	// SaveIndex atomically replaces the tenant index document.
	SaveIndex(ctx context.Context, tenant string, index *SessionIndex) error

	// AppendWAL appends payloads in submission order and returns the new tail
	// position.
	AppendWAL(ctx context.Context, tenant, sessionID string, payloads [][]byte) (uint64, error)
	// ReadWAL returns entries with position >= from. A zero limit is unlimited.
	ReadWAL(ctx context.Context, tenant, sessionID string, from uint64, limit int) ([]WalEntry, bool, error)
	// TruncateWAL keeps entries with position <= keepCount (zero clears the
	// log) and returns the number of removed entries.
	TruncateWAL(ctx context.Context, tenant, sessionID string, keepCount uint64) (uint64, error)

	SaveCheckpoint(ctx context.Context, tenant, sessionID string, position uint64, data []byte) error
	// LoadCheckpoint returns the checkpoint at position, or the highest
	// stored position when position is zero.
	LoadCheckpoint(ctx context.Context, tenant, sessionID string, position uint64) ([]byte, uint64, error)
	ListCheckpoints(ctx context.Context, tenant, sessionID string) ([]CheckpointInfo, error)

	// BackendName reports the backend identity ("local", "object" or the
	// object store flavour) for health checks.
	BackendName() string
	Close() error
}
