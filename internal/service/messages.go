package service

// TenantContext accompanies every request.
type TenantContext struct {
	TenantID  string `json:"tenant_id"`
	RequestID string `json:"request_id,omitempty"`
}

type tenantScoped interface {
	tenantContext() *TenantContext
}

// Session blobs.

type LoadSessionRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
}

// DataChunk is one piece of a streamed blob. Found and TotalSize are only
// meaningful on the first chunk of a stream.
type DataChunk struct {
	Data      []byte `json:"data,omitempty"`
	IsLast    bool   `json:"is_last"`
	Found     bool   `json:"found"`
	TotalSize uint64 `json:"total_size"`
	Position  uint64 `json:"position,omitempty"`
}

// SaveSessionChunk carries the tenant and session on the first chunk only.
type SaveSessionChunk struct {
	Context   *TenantContext `json:"context,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Data      []byte         `json:"data,omitempty"`
	IsLast    bool           `json:"is_last"`
}

type SaveSessionResponse struct {
	Success bool `json:"success"`
}

type ListSessionsRequest struct {
	Context *TenantContext `json:"context"`
}

type SessionInfo struct {
	SessionID      string `json:"session_id"`
	SourcePath     string `json:"source_path,omitempty"`
	CreatedAtUnix  int64  `json:"created_at_unix"`
	ModifiedAtUnix int64  `json:"modified_at_unix"`
	SizeBytes      int64  `json:"size_bytes"`
}

type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type DeleteSessionRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
}

type DeleteSessionResponse struct {
	Success bool `json:"success"`
	Existed bool `json:"existed"`
}

type SessionExistsRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
}

type SessionExistsResponse struct {
	Exists bool `json:"exists"`
}

// Index.

type LoadIndexRequest struct {
	Context *TenantContext `json:"context"`
}

type LoadIndexResponse struct {
	IndexJSON string `json:"index_json"`
	Found     bool   `json:"found"`
}

type SaveIndexRequest struct {
	Context   *TenantContext `json:"context"`
	IndexJSON string         `json:"index_json"`
}

type SaveIndexResponse struct {
	Success bool `json:"success"`
}

// IndexEntry is the caller-supplied part of a new index entry.
type IndexEntry struct {
	SourcePath          string   `json:"source_path,omitempty"`
	CreatedAtUnix       int64    `json:"created_at_unix"`
	ModifiedAtUnix      int64    `json:"modified_at_unix"`
	WALPosition         uint64   `json:"wal_position"`
	CheckpointPositions []uint64 `json:"checkpoint_positions,omitempty"`
}

type AddSessionToIndexRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
	Entry     *IndexEntry    `json:"entry"`
}

type AddSessionToIndexResponse struct {
	Success       bool `json:"success"`
	AlreadyExists bool `json:"already_exists"`
}

type UpdateSessionInIndexRequest struct {
	Context                   *TenantContext `json:"context"`
	SessionID                 string         `json:"session_id"`
	ModifiedAtUnix            *int64         `json:"modified_at_unix,omitempty"`
	WALPosition               *uint64        `json:"wal_position,omitempty"`
	CursorPosition            *uint64        `json:"cursor_position,omitempty"`
	AddCheckpointPositions    []uint64       `json:"add_checkpoint_positions,omitempty"`
	RemoveCheckpointPositions []uint64       `json:"remove_checkpoint_positions,omitempty"`
}

type UpdateSessionInIndexResponse struct {
	Success  bool `json:"success"`
	NotFound bool `json:"not_found"`
}

type RemoveSessionFromIndexRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
}

type RemoveSessionFromIndexResponse struct {
	Success bool `json:"success"`
	Existed bool `json:"existed"`
}

// WAL.

type WalEntry struct {
	Position      uint64 `json:"position"`
	Operation     string `json:"operation,omitempty"`
	Path          string `json:"path,omitempty"`
	PatchJSON     []byte `json:"patch_json"`
	TimestampUnix int64  `json:"timestamp_unix"`
}

type AppendWalRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
	Entries   []WalEntry     `json:"entries"`
}

type AppendWalResponse struct {
	Success     bool   `json:"success"`
	NewPosition uint64 `json:"new_position"`
}

type ReadWalRequest struct {
	Context      *TenantContext `json:"context"`
	SessionID    string         `json:"session_id"`
	FromPosition uint64         `json:"from_position"`
	Limit        uint64         `json:"limit"`
}

type ReadWalResponse struct {
	Entries []WalEntry `json:"entries"`
	HasMore bool       `json:"has_more"`
}

type TruncateWalRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
	KeepCount uint64         `json:"keep_count"`
}

type TruncateWalResponse struct {
	Success        bool   `json:"success"`
	EntriesRemoved uint64 `json:"entries_removed"`
}

// Checkpoints.

type SaveCheckpointChunk struct {
	Context   *TenantContext `json:"context,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Position  uint64         `json:"position,omitempty"`
	Data      []byte         `json:"data,omitempty"`
	IsLast    bool           `json:"is_last"`
}

type SaveCheckpointResponse struct {
	Success bool `json:"success"`
}

// LoadCheckpointRequest with Position 0 loads the latest checkpoint.
type LoadCheckpointRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
	Position  uint64         `json:"position"`
}

type ListCheckpointsRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
}

type CheckpointInfo struct {
	Position      uint64 `json:"position"`
	CreatedAtUnix int64  `json:"created_at_unix"`
	SizeBytes     int64  `json:"size_bytes"`
}

type ListCheckpointsResponse struct {
	Checkpoints []CheckpointInfo `json:"checkpoints"`
}

// Locks.

type AcquireLockRequest struct {
	Context    *TenantContext `json:"context"`
	ResourceID string         `json:"resource_id"`
	HolderID   string         `json:"holder_id"`
	TTLSeconds uint64         `json:"ttl_seconds"`
}

type AcquireLockResponse struct {
	Acquired      bool   `json:"acquired"`
	CurrentHolder string `json:"current_holder,omitempty"`
	ExpiresAtUnix int64  `json:"expires_at_unix,omitempty"`
}

type ReleaseLockRequest struct {
	Context    *TenantContext `json:"context"`
	ResourceID string         `json:"resource_id"`
	HolderID   string         `json:"holder_id"`
}

type ReleaseLockResponse struct {
	Success bool `json:"success"`
}

// Health.

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	Healthy bool   `json:"healthy"`
	Backend string `json:"backend"`
	Version string `json:"version"`
}

// Sync.

type SourceDescriptor struct {
	Type     string            `json:"type"`
	URI      string            `json:"uri"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type RegisterSourceRequest struct {
	Context   *TenantContext    `json:"context"`
	SessionID string            `json:"session_id"`
	Source    *SourceDescriptor `json:"source"`
	AutoSync  bool              `json:"auto_sync"`
}

type RegisterSourceResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type UnregisterSourceRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
}

type UnregisterSourceResponse struct {
	Success bool `json:"success"`
}

// UpdateSourceRequest changes only the provided fields. AutoSync applies
// when UpdateAutoSync is set.
type UpdateSourceRequest struct {
	Context        *TenantContext    `json:"context"`
	SessionID      string            `json:"session_id"`
	Source         *SourceDescriptor `json:"source,omitempty"`
	AutoSync       bool              `json:"auto_sync"`
	UpdateAutoSync bool              `json:"update_auto_sync"`
}

type UpdateSourceResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type SyncToSourceChunk struct {
	Context   *TenantContext `json:"context,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Data      []byte         `json:"data,omitempty"`
	IsLast    bool           `json:"is_last"`
}

type SyncToSourceResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	SyncedAtUnix int64  `json:"synced_at_unix"`
}

type GetSyncStatusRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
}

type SyncStatus struct {
	SessionID         string           `json:"session_id"`
	Source            SourceDescriptor `json:"source"`
	AutoSyncEnabled   bool             `json:"auto_sync_enabled"`
	LastSyncedAtUnix  int64            `json:"last_synced_at_unix,omitempty"`
	HasPendingChanges bool             `json:"has_pending_changes"`
	LastError         string           `json:"last_error,omitempty"`
}

type GetSyncStatusResponse struct {
	Registered bool        `json:"registered"`
	Status     *SyncStatus `json:"status,omitempty"`
}

type ListSourcesRequest struct {
	Context *TenantContext `json:"context"`
}

type ListSourcesResponse struct {
	Sources []SyncStatus `json:"sources"`
}

// Watch.

type SourceMetadata struct {
	SizeBytes      uint64 `json:"size_bytes"`
	ModifiedAtUnix int64  `json:"modified_at_unix"`
	ETag           string `json:"etag,omitempty"`
	VersionID      string `json:"version_id,omitempty"`
	ContentHash    []byte `json:"content_hash,omitempty"`
}

type ChangeEvent struct {
	SessionID      string          `json:"session_id"`
	ChangeType     string          `json:"change_type"`
	OldMetadata    *SourceMetadata `json:"old_metadata,omitempty"`
	NewMetadata    *SourceMetadata `json:"new_metadata,omitempty"`
	DetectedAtUnix int64           `json:"detected_at_unix"`
	NewURI         string          `json:"new_uri,omitempty"`
}

type StartWatchRequest struct {
	Context             *TenantContext    `json:"context"`
	SessionID           string            `json:"session_id"`
	Source              *SourceDescriptor `json:"source"`
	PollIntervalSeconds uint32            `json:"poll_interval_seconds"`
}

type StartWatchResponse struct {
	Success bool   `json:"success"`
	WatchID string `json:"watch_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type StopWatchRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
}

type StopWatchResponse struct {
	Success bool `json:"success"`
}

type CheckForChangesRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
}

type CheckForChangesResponse struct {
	HasChanges      bool            `json:"has_changes"`
	Change          *ChangeEvent    `json:"change,omitempty"`
	CurrentMetadata *SourceMetadata `json:"current_metadata,omitempty"`
	KnownMetadata   *SourceMetadata `json:"known_metadata,omitempty"`
}

type GetSourceMetadataRequest struct {
	Context   *TenantContext `json:"context"`
	SessionID string         `json:"session_id"`
}

type GetSourceMetadataResponse struct {
	Success  bool            `json:"success"`
	Metadata *SourceMetadata `json:"metadata,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type WatchChangesRequest struct {
	Context    *TenantContext `json:"context"`
	SessionIDs []string       `json:"session_ids"`
}

func (r *LoadSessionRequest) tenantContext() *TenantContext            { return r.Context }
func (r *ListSessionsRequest) tenantContext() *TenantContext           { return r.Context }
func (r *DeleteSessionRequest) tenantContext() *TenantContext          { return r.Context }
func (r *SessionExistsRequest) tenantContext() *TenantContext          { return r.Context }
func (r *LoadIndexRequest) tenantContext() *TenantContext              { return r.Context }
func (r *SaveIndexRequest) tenantContext() *TenantContext              { return r.Context }
func (r *AddSessionToIndexRequest) tenantContext() *TenantContext      { return r.Context }
func (r *UpdateSessionInIndexRequest) tenantContext() *TenantContext   { return r.Context }
func (r *RemoveSessionFromIndexRequest) tenantContext() *TenantContext { return r.Context }
func (r *AppendWalRequest) tenantContext() *TenantContext              { return r.Context }
func (r *ReadWalRequest) tenantContext() *TenantContext                { return r.Context }
func (r *TruncateWalRequest) tenantContext() *TenantContext            { return r.Context }
func (r *LoadCheckpointRequest) tenantContext() *TenantContext         { return r.Context }
func (r *ListCheckpointsRequest) tenantContext() *TenantContext        { return r.Context }
func (r *AcquireLockRequest) tenantContext() *TenantContext            { return r.Context }
func (r *ReleaseLockRequest) tenantContext() *TenantContext            { return r.Context }
func (r *RegisterSourceRequest) tenantContext() *TenantContext         { return r.Context }
func (r *UnregisterSourceRequest) tenantContext() *TenantContext       { return r.Context }
func (r *UpdateSourceRequest) tenantContext() *TenantContext           { return r.Context }
func (r *GetSyncStatusRequest) tenantContext() *TenantContext          { return r.Context }
func (r *ListSourcesRequest) tenantContext() *TenantContext            { return r.Context }
func (r *StartWatchRequest) tenantContext() *TenantContext             { return r.Context }
func (r *StopWatchRequest) tenantContext() *TenantContext              { return r.Context }
func (r *CheckForChangesRequest) tenantContext() *TenantContext        { return r.Context }
func (r *GetSourceMetadataRequest) tenantContext() *TenantContext      { return r.Context }
func (r *WatchChangesRequest) tenantContext() *TenantContext           { return r.Context }
