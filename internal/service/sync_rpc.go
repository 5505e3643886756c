package service

import (
	"context"

	"google.golang.org/grpc"

	"pkt.systems/docstore/internal/source"
	"pkt.systems/docstore/internal/sourcesync"
)

func toDescriptor(in *SourceDescriptor) (source.Descriptor, error) {
	if in == nil {
		return source.Descriptor{}, invalidArgument("source is required")
	}
	typ, err := source.ParseType(in.Type)
	if err != nil {
		return source.Descriptor{}, invalidArgument("%v", err)
	}
	return source.Descriptor{Type: typ, URI: in.URI, Metadata: in.Metadata}, nil
}

func fromDescriptor(desc source.Descriptor) SourceDescriptor {
	return SourceDescriptor{Type: desc.Type.String(), URI: desc.URI, Metadata: desc.Metadata}
}

func fromStatus(st sourcesync.Status) SyncStatus {
	out := SyncStatus{
		SessionID:         st.SessionID,
		Source:            fromDescriptor(st.Source),
		AutoSyncEnabled:   st.AutoSyncEnabled,
		HasPendingChanges: st.HasPendingChanges,
		LastError:         st.LastError,
	}
	if st.LastSyncedAt != nil {
		out.LastSyncedAtUnix = st.LastSyncedAt.Unix()
	}
	return out
}

// RegisterSource attaches an external source to an indexed session. Backend
// failures are reported in the response.
func (s *Server) RegisterSource(ctx context.Context, req *RegisterSourceRequest) (*RegisterSourceResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	desc, err := toDescriptor(req.Source)
	if err != nil {
		return nil, err
	}
	err = s.withIndexLock(ctx, tenant, func(ctx context.Context) error {
		return s.sync.RegisterSource(ctx, tenant, req.SessionID, desc, req.AutoSync)
	})
	if err != nil {
		s.loggerFrom(ctx).Debug("service.sync.register.failed", "session_id", req.SessionID, "error", err)
		return &RegisterSourceResponse{Success: false, Error: err.Error()}, nil
	}
	return &RegisterSourceResponse{Success: true}, nil
}

func (s *Server) UnregisterSource(ctx context.Context, req *UnregisterSourceRequest) (*UnregisterSourceResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	err = s.withIndexLock(ctx, tenant, func(ctx context.Context) error {
		return s.sync.UnregisterSource(ctx, tenant, req.SessionID)
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &UnregisterSourceResponse{Success: true}, nil
}

func (s *Server) UpdateSource(ctx context.Context, req *UpdateSourceRequest) (*UpdateSourceResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	var desc *source.Descriptor
	if req.Source != nil {
		parsed, err := toDescriptor(req.Source)
		if err != nil {
			return nil, err
		}
		desc = &parsed
	}
	var autoSync *bool
	if req.UpdateAutoSync {
		value := req.AutoSync
		autoSync = &value
	}
	err = s.withIndexLock(ctx, tenant, func(ctx context.Context) error {
		return s.sync.UpdateSource(ctx, tenant, req.SessionID, desc, autoSync)
	})
	if err != nil {
		return &UpdateSourceResponse{Success: false, Error: err.Error()}, nil
	}
	return &UpdateSourceResponse{Success: true}, nil
}

// SyncToSource writes the streamed document to the registered source. On
// success the watch snapshot is advanced in the background so the write is
// not reported back as an external change.
func (s *Server) SyncToSource(stream grpc.ClientStreamingServer[SyncToSourceChunk, SyncToSourceResponse]) error {
	first, data, err := receiveAll[SyncToSourceChunk, SyncToSourceResponse](stream)
	if err != nil {
		return toStatus(err)
	}
	ctx, tenant, err := s.scope(stream.Context(), first.Context)
	if err != nil {
		return err
	}
	ctx, logger := s.streamLogger(ctx, "SyncToSource")
	sessionID := first.SessionID
	syncedAt, err := s.sync.SyncToSource(ctx, tenant, sessionID, data)
	if err != nil {
		s.sync.RecordSyncError(tenant, sessionID, err.Error())
		logger.Warn("service.sync.push.failed", "session_id", sessionID, "error", err)
		return stream.SendAndClose(&SyncToSourceResponse{Success: false, Error: err.Error()})
	}
	if s.watch != nil {
		s.spawn(ctx, "advance_watch_snapshot", func(ctx context.Context) error {
			md, err := s.watch.GetSourceMetadata(ctx, tenant, sessionID)
			if err != nil || md == nil {
				return err
			}
			return s.watch.UpdateKnownMetadata(ctx, tenant, sessionID, *md)
		})
	}
	return stream.SendAndClose(&SyncToSourceResponse{Success: true, SyncedAtUnix: syncedAt.Unix()})
}

func (s *Server) GetSyncStatus(ctx context.Context, req *GetSyncStatusRequest) (*GetSyncStatusResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	st, err := s.sync.GetSyncStatus(ctx, tenant, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	if st == nil {
		return &GetSyncStatusResponse{Registered: false}, nil
	}
	out := fromStatus(*st)
	return &GetSyncStatusResponse{Registered: true, Status: &out}, nil
}

func (s *Server) ListSources(ctx context.Context, req *ListSourcesRequest) (*ListSourcesResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	statuses, err := s.sync.ListSources(ctx, tenant)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListSourcesResponse{Sources: make([]SyncStatus, 0, len(statuses))}
	for _, st := range statuses {
		resp.Sources = append(resp.Sources, fromStatus(st))
	}
	return resp, nil
}
