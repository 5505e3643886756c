package service

import (
	"bytes"
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"pkt.systems/docstore/internal/correlation"
)

// DialOptions returns the options clients need to talk to a Server: the
// JSON content subtype plus correlation and trace propagation.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithChainUnaryInterceptor(propagateUnary),
		grpc.WithChainStreamInterceptor(propagateStream),
	}
}

func outgoing(ctx context.Context) context.Context {
	ctx = correlation.AppendOutgoing(ctx)
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.MD{}
	} else {
		md = md.Copy()
	}
	otel.GetTextMapPropagator().Inject(ctx, metadataCarrier(md))
	return metadata.NewOutgoingContext(ctx, md)
}

func propagateUnary(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	return invoker(outgoing(ctx), method, req, reply, cc, opts...)
}

func propagateStream(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return streamer(outgoing(ctx), desc, cc, method, opts...)
}

// Client is a typed client for the docstore services.
type Client struct {
	cc        grpc.ClientConnInterface
	tenant    TenantContext
	chunkSize int
}

// NewClient binds cc to tenant. Connections must be dialled with
// DialOptions.
func NewClient(cc grpc.ClientConnInterface, tenant string) *Client {
	return &Client{cc: cc, tenant: TenantContext{TenantID: tenant}, chunkSize: DefaultChunkSize}
}

func (c *Client) tc() *TenantContext {
	tc := c.tenant
	return &tc
}

func invoke[Req, Res any](ctx context.Context, c *Client, service, method string, req *Req) (*Res, error) {
	out := new(Res)
	if err := c.cc.Invoke(ctx, "/"+service+"/"+method, req, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func openServerStream[Req, Res any](ctx context.Context, c *Client, service, method string, req *Req) (grpc.ServerStreamingClient[Res], error) {
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, "/"+service+"/"+method, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[Req, Res]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func openClientStream[Req, Res any](ctx context.Context, c *Client, service, method string) (grpc.ClientStreamingClient[Req, Res], error) {
	desc := &grpc.StreamDesc{StreamName: method, ClientStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, "/"+service+"/"+method, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[Req, Res]{ClientStream: stream}, nil
}

// collect drains a blob stream. found is false when the server reported
// the blob missing.
func collect(stream grpc.ServerStreamingClient[DataChunk]) (data []byte, position uint64, found bool, err error) {
	var buf bytes.Buffer
	first := true
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, false, err
		}
		if first {
			if !chunk.Found {
				return nil, 0, false, nil
			}
			position = chunk.Position
			buf.Grow(int(chunk.TotalSize))
			first = false
		}
		buf.Write(chunk.Data)
		if chunk.IsLast {
			break
		}
	}
	if first {
		return nil, 0, false, nil
	}
	return buf.Bytes(), position, true, nil
}

func (c *Client) split(data []byte, emit func(part []byte, last bool) error) error {
	for off := 0; ; off += c.chunkSize {
		end := min(off+c.chunkSize, len(data))
		if err := emit(data[off:end], end == len(data)); err != nil {
			return err
		}
		if end == len(data) {
			return nil
		}
	}
}

func (c *Client) LoadSession(ctx context.Context, sessionID string) ([]byte, bool, error) {
	stream, err := openServerStream[LoadSessionRequest, DataChunk](ctx, c, StorageServiceName, "LoadSession",
		&LoadSessionRequest{Context: c.tc(), SessionID: sessionID})
	if err != nil {
		return nil, false, err
	}
	data, _, found, err := collect(stream)
	return data, found, err
}

func (c *Client) SaveSession(ctx context.Context, sessionID string, data []byte) error {
	stream, err := openClientStream[SaveSessionChunk, SaveSessionResponse](ctx, c, StorageServiceName, "SaveSession")
	if err != nil {
		return err
	}
	first := true
	err = c.split(data, func(part []byte, last bool) error {
		chunk := &SaveSessionChunk{Data: part, IsLast: last}
		if first {
			chunk.Context, chunk.SessionID, first = c.tc(), sessionID, false
		}
		return stream.Send(chunk)
	})
	if err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}

func (c *Client) LoadCheckpoint(ctx context.Context, sessionID string, position uint64) ([]byte, uint64, bool, error) {
	stream, err := openServerStream[LoadCheckpointRequest, DataChunk](ctx, c, StorageServiceName, "LoadCheckpoint",
		&LoadCheckpointRequest{Context: c.tc(), SessionID: sessionID, Position: position})
	if err != nil {
		return nil, 0, false, err
	}
	return collect(stream)
}

func (c *Client) SaveCheckpoint(ctx context.Context, sessionID string, position uint64, data []byte) error {
	stream, err := openClientStream[SaveCheckpointChunk, SaveCheckpointResponse](ctx, c, StorageServiceName, "SaveCheckpoint")
	if err != nil {
		return err
	}
	first := true
	err = c.split(data, func(part []byte, last bool) error {
		chunk := &SaveCheckpointChunk{Data: part, IsLast: last}
		if first {
			chunk.Context, chunk.SessionID, chunk.Position, first = c.tc(), sessionID, position, false
		}
		return stream.Send(chunk)
	})
	if err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}

func (c *Client) ListSessions(ctx context.Context) (*ListSessionsResponse, error) {
	return invoke[ListSessionsRequest, ListSessionsResponse](ctx, c, StorageServiceName, "ListSessions", &ListSessionsRequest{Context: c.tc()})
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) (*DeleteSessionResponse, error) {
	return invoke[DeleteSessionRequest, DeleteSessionResponse](ctx, c, StorageServiceName, "DeleteSession",
		&DeleteSessionRequest{Context: c.tc(), SessionID: sessionID})
}

func (c *Client) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	resp, err := invoke[SessionExistsRequest, SessionExistsResponse](ctx, c, StorageServiceName, "SessionExists",
		&SessionExistsRequest{Context: c.tc(), SessionID: sessionID})
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (c *Client) LoadIndex(ctx context.Context) (*LoadIndexResponse, error) {
	return invoke[LoadIndexRequest, LoadIndexResponse](ctx, c, StorageServiceName, "LoadIndex", &LoadIndexRequest{Context: c.tc()})
}

func (c *Client) SaveIndex(ctx context.Context, indexJSON string) error {
	_, err := invoke[SaveIndexRequest, SaveIndexResponse](ctx, c, StorageServiceName, "SaveIndex",
		&SaveIndexRequest{Context: c.tc(), IndexJSON: indexJSON})
	return err
}

func (c *Client) AddSessionToIndex(ctx context.Context, sessionID string, entry IndexEntry) (*AddSessionToIndexResponse, error) {
	return invoke[AddSessionToIndexRequest, AddSessionToIndexResponse](ctx, c, StorageServiceName, "AddSessionToIndex",
		&AddSessionToIndexRequest{Context: c.tc(), SessionID: sessionID, Entry: &entry})
}

// UpdateSessionInIndex sends req with the client's tenant filled in.
func (c *Client) UpdateSessionInIndex(ctx context.Context, req UpdateSessionInIndexRequest) (*UpdateSessionInIndexResponse, error) {
	req.Context = c.tc()
	return invoke[UpdateSessionInIndexRequest, UpdateSessionInIndexResponse](ctx, c, StorageServiceName, "UpdateSessionInIndex", &req)
}

func (c *Client) RemoveSessionFromIndex(ctx context.Context, sessionID string) (*RemoveSessionFromIndexResponse, error) {
	return invoke[RemoveSessionFromIndexRequest, RemoveSessionFromIndexResponse](ctx, c, StorageServiceName, "RemoveSessionFromIndex",
		&RemoveSessionFromIndexRequest{Context: c.tc(), SessionID: sessionID})
}

func (c *Client) AppendWal(ctx context.Context, sessionID string, entries []WalEntry) (uint64, error) {
	resp, err := invoke[AppendWalRequest, AppendWalResponse](ctx, c, StorageServiceName, "AppendWal",
		&AppendWalRequest{Context: c.tc(), SessionID: sessionID, Entries: entries})
	if err != nil {
		return 0, err
	}
	return resp.NewPosition, nil
}

func (c *Client) ReadWal(ctx context.Context, sessionID string, from, limit uint64) (*ReadWalResponse, error) {
	return invoke[ReadWalRequest, ReadWalResponse](ctx, c, StorageServiceName, "ReadWal",
		&ReadWalRequest{Context: c.tc(), SessionID: sessionID, FromPosition: from, Limit: limit})
}

func (c *Client) TruncateWal(ctx context.Context, sessionID string, keepCount uint64) (uint64, error) {
	resp, err := invoke[TruncateWalRequest, TruncateWalResponse](ctx, c, StorageServiceName, "TruncateWal",
		&TruncateWalRequest{Context: c.tc(), SessionID: sessionID, KeepCount: keepCount})
	if err != nil {
		return 0, err
	}
	return resp.EntriesRemoved, nil
}

func (c *Client) ListCheckpoints(ctx context.Context, sessionID string) (*ListCheckpointsResponse, error) {
	return invoke[ListCheckpointsRequest, ListCheckpointsResponse](ctx, c, StorageServiceName, "ListCheckpoints",
		&ListCheckpointsRequest{Context: c.tc(), SessionID: sessionID})
}

func (c *Client) AcquireLock(ctx context.Context, resource, holder string, ttlSeconds uint64) (*AcquireLockResponse, error) {
	return invoke[AcquireLockRequest, AcquireLockResponse](ctx, c, StorageServiceName, "AcquireLock",
		&AcquireLockRequest{Context: c.tc(), ResourceID: resource, HolderID: holder, TTLSeconds: ttlSeconds})
}

func (c *Client) ReleaseLock(ctx context.Context, resource, holder string) error {
	_, err := invoke[ReleaseLockRequest, ReleaseLockResponse](ctx, c, StorageServiceName, "ReleaseLock",
		&ReleaseLockRequest{Context: c.tc(), ResourceID: resource, HolderID: holder})
	return err
}

func (c *Client) HealthCheck(ctx context.Context) (*HealthCheckResponse, error) {
	return invoke[HealthCheckRequest, HealthCheckResponse](ctx, c, StorageServiceName, "HealthCheck", &HealthCheckRequest{})
}

func (c *Client) RegisterSource(ctx context.Context, sessionID string, src SourceDescriptor, autoSync bool) (*RegisterSourceResponse, error) {
	return invoke[RegisterSourceRequest, RegisterSourceResponse](ctx, c, SourceSyncServiceName, "RegisterSource",
		&RegisterSourceRequest{Context: c.tc(), SessionID: sessionID, Source: &src, AutoSync: autoSync})
}

func (c *Client) UnregisterSource(ctx context.Context, sessionID string) error {
	_, err := invoke[UnregisterSourceRequest, UnregisterSourceResponse](ctx, c, SourceSyncServiceName, "UnregisterSource",
		&UnregisterSourceRequest{Context: c.tc(), SessionID: sessionID})
	return err
}

// UpdateSource sends req with the client's tenant filled in.
func (c *Client) UpdateSource(ctx context.Context, req UpdateSourceRequest) (*UpdateSourceResponse, error) {
	req.Context = c.tc()
	return invoke[UpdateSourceRequest, UpdateSourceResponse](ctx, c, SourceSyncServiceName, "UpdateSource", &req)
}

func (c *Client) SyncToSource(ctx context.Context, sessionID string, data []byte) (*SyncToSourceResponse, error) {
	stream, err := openClientStream[SyncToSourceChunk, SyncToSourceResponse](ctx, c, SourceSyncServiceName, "SyncToSource")
	if err != nil {
		return nil, err
	}
	first := true
	err = c.split(data, func(part []byte, last bool) error {
		chunk := &SyncToSourceChunk{Data: part, IsLast: last}
		if first {
			chunk.Context, chunk.SessionID, first = c.tc(), sessionID, false
		}
		return stream.Send(chunk)
	})
	if err != nil {
		return nil, err
	}
	return stream.CloseAndRecv()
}

func (c *Client) GetSyncStatus(ctx context.Context, sessionID string) (*GetSyncStatusResponse, error) {
	return invoke[GetSyncStatusRequest, GetSyncStatusResponse](ctx, c, SourceSyncServiceName, "GetSyncStatus",
		&GetSyncStatusRequest{Context: c.tc(), SessionID: sessionID})
}

func (c *Client) ListSources(ctx context.Context) (*ListSourcesResponse, error) {
	return invoke[ListSourcesRequest, ListSourcesResponse](ctx, c, SourceSyncServiceName, "ListSources", &ListSourcesRequest{Context: c.tc()})
}

func (c *Client) StartWatch(ctx context.Context, sessionID string, src SourceDescriptor, pollSeconds uint32) (*StartWatchResponse, error) {
	return invoke[StartWatchRequest, StartWatchResponse](ctx, c, ExternalWatchServiceName, "StartWatch",
		&StartWatchRequest{Context: c.tc(), SessionID: sessionID, Source: &src, PollIntervalSeconds: pollSeconds})
}

func (c *Client) StopWatch(ctx context.Context, sessionID string) error {
	_, err := invoke[StopWatchRequest, StopWatchResponse](ctx, c, ExternalWatchServiceName, "StopWatch",
		&StopWatchRequest{Context: c.tc(), SessionID: sessionID})
	return err
}

func (c *Client) CheckForChanges(ctx context.Context, sessionID string) (*CheckForChangesResponse, error) {
	return invoke[CheckForChangesRequest, CheckForChangesResponse](ctx, c, ExternalWatchServiceName, "CheckForChanges",
		&CheckForChangesRequest{Context: c.tc(), SessionID: sessionID})
}

func (c *Client) GetSourceMetadata(ctx context.Context, sessionID string) (*GetSourceMetadataResponse, error) {
	return invoke[GetSourceMetadataRequest, GetSourceMetadataResponse](ctx, c, ExternalWatchServiceName, "GetSourceMetadata",
		&GetSourceMetadataRequest{Context: c.tc(), SessionID: sessionID})
}

// WatchChanges opens the change stream; cancel ctx to end it.
func (c *Client) WatchChanges(ctx context.Context, sessionIDs ...string) (grpc.ServerStreamingClient[ChangeEvent], error) {
	return openServerStream[WatchChangesRequest, ChangeEvent](ctx, c, ExternalWatchServiceName, "WatchChanges",
		&WatchChangesRequest{Context: c.tc(), SessionIDs: sessionIDs})
}
