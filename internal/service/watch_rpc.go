package service

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"pkt.systems/docstore/internal/watch"
)

func toSourceMetadata(md *watch.Metadata) *SourceMetadata {
	if md == nil {
		return nil
	}
	return &SourceMetadata{
		SizeBytes:      md.SizeBytes,
		ModifiedAtUnix: md.ModifiedAt,
		ETag:           md.ETag,
		VersionID:      md.VersionID,
		ContentHash:    md.ContentHash,
	}
}

func toChangeEvent(event *watch.ChangeEvent) *ChangeEvent {
	if event == nil {
		return nil
	}
	return &ChangeEvent{
		SessionID:      event.SessionID,
		ChangeType:     event.ChangeType.String(),
		OldMetadata:    toSourceMetadata(event.OldMetadata),
		NewMetadata:    toSourceMetadata(event.NewMetadata),
		DetectedAtUnix: event.DetectedAt,
		NewURI:         event.NewURI,
	}
}

// StartWatch begins observing a source. A zero interval uses the backend
// default; backend failures are reported in the response.
func (s *Server) StartWatch(ctx context.Context, req *StartWatchRequest) (*StartWatchResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	desc, err := toDescriptor(req.Source)
	if err != nil {
		return nil, err
	}
	interval := time.Duration(req.PollIntervalSeconds) * time.Second
	id, err := s.watch.StartWatch(ctx, tenant, req.SessionID, desc, interval)
	if err != nil {
		s.loggerFrom(ctx).Debug("service.watch.start.failed", "session_id", req.SessionID, "error", err)
		return &StartWatchResponse{Success: false, Error: err.Error()}, nil
	}
	return &StartWatchResponse{Success: true, WatchID: id}, nil
}

func (s *Server) StopWatch(ctx context.Context, req *StopWatchRequest) (*StopWatchResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	if err := s.watch.StopWatch(ctx, tenant, req.SessionID); err != nil {
		return nil, toStatus(err)
	}
	return &StopWatchResponse{Success: true}, nil
}

func (s *Server) CheckForChanges(ctx context.Context, req *CheckForChangesRequest) (*CheckForChangesResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	event, err := s.watch.CheckForChanges(ctx, tenant, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	current, err := s.watch.GetSourceMetadata(ctx, tenant, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	known, err := s.watch.GetKnownMetadata(ctx, tenant, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CheckForChangesResponse{
		HasChanges:      event != nil,
		Change:          toChangeEvent(event),
		CurrentMetadata: toSourceMetadata(current),
		KnownMetadata:   toSourceMetadata(known),
	}, nil
}

func (s *Server) GetSourceMetadata(ctx context.Context, req *GetSourceMetadataRequest) (*GetSourceMetadataResponse, error) {
	ctx, tenant, err := s.scope(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	md, err := s.watch.GetSourceMetadata(ctx, tenant, req.SessionID)
	if err != nil {
		return &GetSourceMetadataResponse{Success: false, Error: err.Error()}, nil
	}
	if md == nil {
		return &GetSourceMetadataResponse{Success: false, Error: "source not found"}, nil
	}
	return &GetSourceMetadataResponse{Success: true, Metadata: toSourceMetadata(md)}, nil
}

// WatchChanges polls the listed sessions until the client goes away and
// streams every detected change.
func (s *Server) WatchChanges(req *WatchChangesRequest, stream grpc.ServerStreamingServer[ChangeEvent]) error {
	ctx, tenant, err := s.scope(stream.Context(), req.Context)
	if err != nil {
		return err
	}
	if len(req.SessionIDs) == 0 {
		return invalidArgument("session_ids is required")
	}
	ctx, logger := s.streamLogger(ctx, "WatchChanges")
	logger.Debug("service.watch.stream.begin", "sessions", len(req.SessionIDs))
	for {
		for _, sessionID := range req.SessionIDs {
			event, err := s.watch.CheckForChanges(ctx, tenant, sessionID)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				logger.Warn("service.watch.stream.check_failed", "session_id", sessionID, "error", err)
				continue
			}
			if event == nil {
				continue
			}
			if err := stream.Send(toChangeEvent(event)); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			logger.Debug("service.watch.stream.end")
			return nil
		case <-s.clock.After(s.watchInterval):
		}
	}
}
