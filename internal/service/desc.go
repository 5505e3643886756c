package service

import (
	"context"

	"google.golang.org/grpc"
)

// Fully qualified service names.
const (
	StorageServiceName       = "docstore.v1.StorageService"
	SourceSyncServiceName    = "docstore.v1.SourceSyncService"
	ExternalWatchServiceName = "docstore.v1.ExternalWatchService"
	descriptorMetadata       = "docstore/v1/docstore.json"
)

// StorageServer serves sessions, the index, WALs, checkpoints and locks.
type StorageServer interface {
	LoadSession(*LoadSessionRequest, grpc.ServerStreamingServer[DataChunk]) error
	SaveSession(grpc.ClientStreamingServer[SaveSessionChunk, SaveSessionResponse]) error
	ListSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error)
	DeleteSession(context.Context, *DeleteSessionRequest) (*DeleteSessionResponse, error)
	SessionExists(context.Context, *SessionExistsRequest) (*SessionExistsResponse, error)
	LoadIndex(context.Context, *LoadIndexRequest) (*LoadIndexResponse, error)
	SaveIndex(context.Context, *SaveIndexRequest) (*SaveIndexResponse, error)
	AddSessionToIndex(context.Context, *AddSessionToIndexRequest) (*AddSessionToIndexResponse, error)
	UpdateSessionInIndex(context.Context, *UpdateSessionInIndexRequest) (*UpdateSessionInIndexResponse, error)
	RemoveSessionFromIndex(context.Context, *RemoveSessionFromIndexRequest) (*RemoveSessionFromIndexResponse, error)
	AppendWal(context.Context, *AppendWalRequest) (*AppendWalResponse, error)
	ReadWal(context.Context, *ReadWalRequest) (*ReadWalResponse, error)
	TruncateWal(context.Context, *TruncateWalRequest) (*TruncateWalResponse, error)
	SaveCheckpoint(grpc.ClientStreamingServer[SaveCheckpointChunk, SaveCheckpointResponse]) error
	LoadCheckpoint(*LoadCheckpointRequest, grpc.ServerStreamingServer[DataChunk]) error
	ListCheckpoints(context.Context, *ListCheckpointsRequest) (*ListCheckpointsResponse, error)
	AcquireLock(context.Context, *AcquireLockRequest) (*AcquireLockResponse, error)
	ReleaseLock(context.Context, *ReleaseLockRequest) (*ReleaseLockResponse, error)
	HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)
}

// SourceSyncServer serves source registration and pushes.
type SourceSyncServer interface {
	RegisterSource(context.Context, *RegisterSourceRequest) (*RegisterSourceResponse, error)
	UnregisterSource(context.Context, *UnregisterSourceRequest) (*UnregisterSourceResponse, error)
	UpdateSource(context.Context, *UpdateSourceRequest) (*UpdateSourceResponse, error)
	SyncToSource(grpc.ClientStreamingServer[SyncToSourceChunk, SyncToSourceResponse]) error
	GetSyncStatus(context.Context, *GetSyncStatusRequest) (*GetSyncStatusResponse, error)
	ListSources(context.Context, *ListSourcesRequest) (*ListSourcesResponse, error)
}

// ExternalWatchServer serves change detection on external sources.
type ExternalWatchServer interface {
	StartWatch(context.Context, *StartWatchRequest) (*StartWatchResponse, error)
	StopWatch(context.Context, *StopWatchRequest) (*StopWatchResponse, error)
	CheckForChanges(context.Context, *CheckForChangesRequest) (*CheckForChangesResponse, error)
	GetSourceMetadata(context.Context, *GetSourceMetadataRequest) (*GetSourceMetadataResponse, error)
	WatchChanges(*WatchChangesRequest, grpc.ServerStreamingServer[ChangeEvent]) error
}

var (
	_ StorageServer       = (*Server)(nil)
	_ SourceSyncServer    = (*Server)(nil)
	_ ExternalWatchServer = (*Server)(nil)
)

func unary[S, Req, Res any](service, name string, call func(S, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func serverStream[S, Req, Res any](name string, call func(S, *Req, grpc.ServerStreamingServer[Res]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(S), in, &grpc.GenericServerStream[Req, Res]{ServerStream: stream})
		},
	}
}

func clientStream[S, Req, Res any](name string, call func(S, grpc.ClientStreamingServer[Req, Res]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ClientStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return call(srv.(S), &grpc.GenericServerStream[Req, Res]{ServerStream: stream})
		},
	}
}

// StorageServiceDesc describes docstore.v1.StorageService.
var StorageServiceDesc = grpc.ServiceDesc{
	ServiceName: StorageServiceName,
	HandlerType: (*StorageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(StorageServiceName, "ListSessions", StorageServer.ListSessions),
		unary(StorageServiceName, "DeleteSession", StorageServer.DeleteSession),
		unary(StorageServiceName, "SessionExists", StorageServer.SessionExists),
		unary(StorageServiceName, "LoadIndex", StorageServer.LoadIndex),
		unary(StorageServiceName, "SaveIndex", StorageServer.SaveIndex),
		unary(StorageServiceName, "AddSessionToIndex", StorageServer.AddSessionToIndex),
		unary(StorageServiceName, "UpdateSessionInIndex", StorageServer.UpdateSessionInIndex),
		unary(StorageServiceName, "RemoveSessionFromIndex", StorageServer.RemoveSessionFromIndex),
		unary(StorageServiceName, "AppendWal", StorageServer.AppendWal),
		unary(StorageServiceName, "ReadWal", StorageServer.ReadWal),
		unary(StorageServiceName, "TruncateWal", StorageServer.TruncateWal),
		unary(StorageServiceName, "ListCheckpoints", StorageServer.ListCheckpoints),
		unary(StorageServiceName, "AcquireLock", StorageServer.AcquireLock),
		unary(StorageServiceName, "ReleaseLock", StorageServer.ReleaseLock),
		unary(StorageServiceName, "HealthCheck", StorageServer.HealthCheck),
	},
	Streams: []grpc.StreamDesc{
		serverStream("LoadSession", StorageServer.LoadSession),
		clientStream("SaveSession", StorageServer.SaveSession),
		clientStream("SaveCheckpoint", StorageServer.SaveCheckpoint),
		serverStream("LoadCheckpoint", StorageServer.LoadCheckpoint),
	},
	Metadata: descriptorMetadata,
}

// SourceSyncServiceDesc describes docstore.v1.SourceSyncService.
var SourceSyncServiceDesc = grpc.ServiceDesc{
	ServiceName: SourceSyncServiceName,
	HandlerType: (*SourceSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SourceSyncServiceName, "RegisterSource", SourceSyncServer.RegisterSource),
		unary(SourceSyncServiceName, "UnregisterSource", SourceSyncServer.UnregisterSource),
		unary(SourceSyncServiceName, "UpdateSource", SourceSyncServer.UpdateSource),
		unary(SourceSyncServiceName, "GetSyncStatus", SourceSyncServer.GetSyncStatus),
		unary(SourceSyncServiceName, "ListSources", SourceSyncServer.ListSources),
	},
	Streams: []grpc.StreamDesc{
		clientStream("SyncToSource", SourceSyncServer.SyncToSource),
	},
	Metadata: descriptorMetadata,
}

// ExternalWatchServiceDesc describes docstore.v1.ExternalWatchService.
var ExternalWatchServiceDesc = grpc.ServiceDesc{
	ServiceName: ExternalWatchServiceName,
	HandlerType: (*ExternalWatchServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ExternalWatchServiceName, "StartWatch", ExternalWatchServer.StartWatch),
		unary(ExternalWatchServiceName, "StopWatch", ExternalWatchServer.StopWatch),
		unary(ExternalWatchServiceName, "CheckForChanges", ExternalWatchServer.CheckForChanges),
		unary(ExternalWatchServiceName, "GetSourceMetadata", ExternalWatchServer.GetSourceMetadata),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchChanges", ExternalWatchServer.WatchChanges),
	},
	Metadata: descriptorMetadata,
}
