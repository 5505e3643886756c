package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"

	"google.golang.org/grpc"

	"pkt.systems/docstore/internal/storage"
)

// LoadSession streams the session bytes.
func (s *Server) LoadSession(req *LoadSessionRequest, stream grpc.ServerStreamingServer[DataChunk]) error {
	ctx, tenant, err := s.scope(stream.Context(), req.Context)
	if err != nil {
		return err
	}
	ctx, logger := s.streamLogger(ctx, "LoadSession")
	data, err := s.store.LoadSession(ctx, tenant, req.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug("service.session.load.not_found", "session_id", req.SessionID)
		return sendNotFound(stream)
	}
	if err != nil {
		return toStatus(err)
	}
	return s.sendBlob(ctx, stream, data, 0)
}

// SaveSession assembles a client stream and replaces the session bytes.
func (s *Server) SaveSession(stream grpc.ClientStreamingServer[SaveSessionChunk, SaveSessionResponse]) error {
	first, data, err := receiveAll[SaveSessionChunk, SaveSessionResponse](stream)
	if err != nil {
		return toStatus(err)
	}
	ctx, tenant, err := s.scope(stream.Context(), first.Context)
	if err != nil {
		return err
	}
	ctx, logger := s.streamLogger(ctx, "SaveSession")
	if err := s.store.SaveSession(ctx, tenant, first.SessionID, data); err != nil {
		return toStatus(err)
	}
	logger.Debug("service.session.saved", "session_id", first.SessionID, "size", len(data))
	return stream.SendAndClose(&SaveSessionResponse{Success: true})
}

func (s *Server) ListSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(ctx, tenant)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListSessionsResponse{Sessions: make([]SessionInfo, 0, len(sessions))}
	for _, info := range sessions {
		out := SessionInfo{
			SessionID:      info.SessionID,
			CreatedAtUnix:  unixOrZero(info.CreatedAt),
			ModifiedAtUnix: unixOrZero(info.ModifiedAt),
			SizeBytes:      info.SizeBytes,
		}
		if info.SourcePath != nil {
			out.SourcePath = *info.SourcePath
		}
		resp.Sessions = append(resp.Sessions, out)
	}
	return resp, nil
}

// DeleteSession removes the session and, in the background, stops its watch
// and drops its transient sync state.
func (s *Server) DeleteSession(ctx context.Context, req *DeleteSessionRequest) (*DeleteSessionResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	existed, err := s.store.DeleteSession(ctx, tenant, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	sessionID := req.SessionID
	if s.watch != nil {
		s.spawn(ctx, "stop_watch", func(ctx context.Context) error {
			return s.watch.StopWatch(ctx, tenant, sessionID)
		})
	}
	if s.sync != nil {
		s.spawn(ctx, "forget_sync_state", func(context.Context) error {
			s.sync.Forget(tenant, sessionID)
			return nil
		})
	}
	return &DeleteSessionResponse{Success: true, Existed: existed}, nil
}

func (s *Server) SessionExists(ctx context.Context, req *SessionExistsRequest) (*SessionExistsResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	exists, err := s.store.SessionExists(ctx, tenant, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SessionExistsResponse{Exists: exists}, nil
}

func (s *Server) LoadIndex(ctx context.Context, req *LoadIndexRequest) (*LoadIndexResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	index, err := s.store.LoadIndex(ctx, tenant)
	if errors.Is(err, storage.ErrNotFound) {
		return &LoadIndexResponse{Found: false}, nil
	}
	if err != nil {
		return nil, toStatus(err)
	}
	raw, err := json.Marshal(index)
	if err != nil {
		return nil, toStatus(storage.Wrap(storage.KindSerialization, "encode index", err))
	}
	return &LoadIndexResponse{IndexJSON: string(raw), Found: true}, nil
}

// SaveIndex replaces the index wholesale without taking the index lock.
func (s *Server) SaveIndex(ctx context.Context, req *SaveIndexRequest) (*SaveIndexResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	index, err := storage.ParseSessionIndex([]byte(req.IndexJSON))
	if err != nil {
		return nil, invalidArgument("invalid index json: %v", err)
	}
	if err := s.store.SaveIndex(ctx, tenant, index); err != nil {
		return nil, toStatus(err)
	}
	return &SaveIndexResponse{Success: true}, nil
}

func (s *Server) AddSessionToIndex(ctx context.Context, req *AddSessionToIndexRequest) (*AddSessionToIndexResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateSessionID(req.SessionID); err != nil {
		return nil, toStatus(err)
	}
	if req.Entry == nil {
		return nil, invalidArgument("entry is required")
	}
	var exists bool
	err = s.mutateIndex(ctx, tenant, func(index *storage.SessionIndex) (bool, error) {
		if index.Contains(req.SessionID) {
			exists = true
			return false, nil
		}
		now := s.clock.Now()
		entry := storage.SessionIndexEntry{
			ID:                  req.SessionID,
			AutoSync:            true,
			CreatedAt:           timeFromUnix(req.Entry.CreatedAtUnix, now),
			LastModifiedAt:      timeFromUnix(req.Entry.ModifiedAtUnix, now),
			DocxFile:            storage.SessionFileName(req.SessionID),
			WALCount:            req.Entry.WALPosition,
			CursorPosition:      req.Entry.WALPosition,
			CheckpointPositions: []uint64{},
		}
		if req.Entry.SourcePath != "" {
			path := req.Entry.SourcePath
			entry.SourcePath = &path
		}
		entry.AddCheckpoints(req.Entry.CheckpointPositions...)
		index.Upsert(entry)
		return true, nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	s.loggerFrom(ctx).Debug("service.index.add", "session_id", req.SessionID, "already_exists", exists)
	return &AddSessionToIndexResponse{Success: true, AlreadyExists: exists}, nil
}

func (s *Server) UpdateSessionInIndex(ctx context.Context, req *UpdateSessionInIndexRequest) (*UpdateSessionInIndexResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateSessionID(req.SessionID); err != nil {
		return nil, toStatus(err)
	}
	notFound := false
	err = s.mutateIndex(ctx, tenant, func(index *storage.SessionIndex) (bool, error) {
		entry := index.Get(req.SessionID)
		if entry == nil {
			notFound = true
			return false, nil
		}
		if req.ModifiedAtUnix != nil {
			entry.LastModifiedAt = timeFromUnix(*req.ModifiedAtUnix, s.clock.Now())
		}
		if req.WALPosition != nil {
			entry.WALCount = *req.WALPosition
			if req.CursorPosition == nil {
				entry.CursorPosition = *req.WALPosition
			}
		}
		if req.CursorPosition != nil {
			entry.CursorPosition = *req.CursorPosition
		}
		entry.AddCheckpoints(req.AddCheckpointPositions...)
		entry.RemoveCheckpoints(req.RemoveCheckpointPositions...)
		return true, nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &UpdateSessionInIndexResponse{Success: !notFound, NotFound: notFound}, nil
}

func (s *Server) RemoveSessionFromIndex(ctx context.Context, req *RemoveSessionFromIndexRequest) (*RemoveSessionFromIndexResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	existed := false
	err = s.mutateIndex(ctx, tenant, func(index *storage.SessionIndex) (bool, error) {
		_, existed = index.Remove(req.SessionID)
		return existed, nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &RemoveSessionFromIndexResponse{Success: true, Existed: existed}, nil
}

// AppendWal appends the entries' patch payloads and, in the background,
// flags the session as having unsynced changes.
func (s *Server) AppendWal(ctx context.Context, req *AppendWalRequest) (*AppendWalResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	payloads := make([][]byte, 0, len(req.Entries))
	for _, entry := range req.Entries {
		payloads = append(payloads, entry.PatchJSON)
	}
	tail, err := s.store.AppendWAL(ctx, tenant, req.SessionID, payloads)
	if err != nil {
		return nil, toStatus(err)
	}
	if s.sync != nil && len(payloads) > 0 {
		sessionID := req.SessionID
		s.spawn(ctx, "mark_pending_changes", func(context.Context) error {
			s.sync.MarkPendingChanges(tenant, sessionID)
			return nil
		})
	}
	return &AppendWalResponse{Success: true, NewPosition: tail}, nil
}

func (s *Server) ReadWal(ctx context.Context, req *ReadWalRequest) (*ReadWalResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	entries, hasMore, err := s.store.ReadWAL(ctx, tenant, req.SessionID, req.FromPosition, walLimit(req.Limit))
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ReadWalResponse{Entries: make([]WalEntry, 0, len(entries)), HasMore: hasMore}
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, WalEntry{
			Position:      entry.Position,
			Operation:     entry.Operation,
			Path:          entry.Path,
			PatchJSON:     bytes.TrimSuffix(entry.Payload, []byte("\n")),
			TimestampUnix: unixOrZero(entry.Timestamp),
		})
	}
	return resp, nil
}

// walLimit maps a wire limit onto ReadWAL's int, treating anything past
// math.MaxInt as unlimited.
func walLimit(limit uint64) int {
	if limit > math.MaxInt {
		return 0
	}
	return int(limit)
}

func (s *Server) TruncateWal(ctx context.Context, req *TruncateWalRequest) (*TruncateWalResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	removed, err := s.store.TruncateWAL(ctx, tenant, req.SessionID, req.KeepCount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TruncateWalResponse{Success: true, EntriesRemoved: removed}, nil
}

// SaveCheckpoint assembles a client stream into the checkpoint at the
// position named by the first chunk.
func (s *Server) SaveCheckpoint(stream grpc.ClientStreamingServer[SaveCheckpointChunk, SaveCheckpointResponse]) error {
	first, data, err := receiveAll[SaveCheckpointChunk, SaveCheckpointResponse](stream)
	if err != nil {
		return toStatus(err)
	}
	ctx, tenant, err := s.scope(stream.Context(), first.Context)
	if err != nil {
		return err
	}
	if first.Position == 0 {
		return invalidArgument("checkpoint position must be positive")
	}
	ctx, logger := s.streamLogger(ctx, "SaveCheckpoint")
	if err := s.store.SaveCheckpoint(ctx, tenant, first.SessionID, first.Position, data); err != nil {
		return toStatus(err)
	}
	logger.Debug("service.checkpoint.saved", "session_id", first.SessionID, "position", first.Position, "size", len(data))
	return stream.SendAndClose(&SaveCheckpointResponse{Success: true})
}

// LoadCheckpoint streams the requested checkpoint, or the latest one when
// the position is zero.
func (s *Server) LoadCheckpoint(req *LoadCheckpointRequest, stream grpc.ServerStreamingServer[DataChunk]) error {
	ctx, tenant, err := s.scope(stream.Context(), req.Context)
	if err != nil {
		return err
	}
	ctx, _ = s.streamLogger(ctx, "LoadCheckpoint")
	data, position, err := s.store.LoadCheckpoint(ctx, tenant, req.SessionID, req.Position)
	if errors.Is(err, storage.ErrNotFound) {
		return sendNotFound(stream)
	}
	if err != nil {
		return toStatus(err)
	}
	return s.sendBlob(ctx, stream, data, position)
}

func (s *Server) ListCheckpoints(ctx context.Context, req *ListCheckpointsRequest) (*ListCheckpointsResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	checkpoints, err := s.store.ListCheckpoints(ctx, tenant, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListCheckpointsResponse{Checkpoints: make([]CheckpointInfo, 0, len(checkpoints))}
	for _, cp := range checkpoints {
		resp.Checkpoints = append(resp.Checkpoints, CheckpointInfo{
			Position:      cp.Position,
			CreatedAtUnix: unixOrZero(cp.CreatedAt),
			SizeBytes:     cp.SizeBytes,
		})
	}
	return resp, nil
}

func (s *Server) AcquireLock(ctx context.Context, req *AcquireLockRequest) (*AcquireLockResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	ttl := s.lockTTL
	if req.TTLSeconds > 0 {
		ttl = secondsToDuration(req.TTLSeconds)
	}
	res, err := s.locks.Acquire(ctx, tenant, req.ResourceID, req.HolderID, ttl)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AcquireLockResponse{
		Acquired:      res.Acquired,
		CurrentHolder: res.CurrentHolder,
		ExpiresAtUnix: unixOrZero(res.ExpiresAt),
	}, nil
}

func (s *Server) ReleaseLock(ctx context.Context, req *ReleaseLockRequest) (*ReleaseLockResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	if err := s.locks.Release(ctx, tenant, req.ResourceID, req.HolderID); err != nil {
		return nil, toStatus(err)
	}
	return &ReleaseLockResponse{Success: true}, nil
}

// HealthCheck reports the backend identity; it needs no tenant.
func (s *Server) HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error) {
	return &HealthCheckResponse{
		Healthy: true,
		Backend: s.store.BackendName(),
		Version: s.version,
	}, nil
}
