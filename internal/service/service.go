// Package service exposes the storage, sync and watch backends over gRPC.
// Messages are plain Go structs carried by the JSON codec registered in this
// package, so clients must call with the "json" content subtype.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pkt.systems/docstore/internal/clock"
	"pkt.systems/docstore/internal/correlation"
	"pkt.systems/docstore/internal/lock"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/sourcesync"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/docstore/internal/watch"
	"pkt.systems/pslog"
)

const (
	// DefaultChunkSize is the payload size of streamed blob chunks.
	DefaultChunkSize = 256 * 1024
	// DefaultWatchChangesInterval is how often WatchChanges polls each session.
	DefaultWatchChangesInterval = time.Second

	chunkBuffer = 4
)

// Config wires a Server. Sync and Watch are optional; their services are
// only registered when set.
type Config struct {
	Storage              storage.Backend
	Locks                lock.Manager
	Sync                 sourcesync.Backend
	Watch                watch.Backend
	Logger               pslog.Logger
	Clock                clock.Clock
	ChunkSize            int
	LockTTL              time.Duration
	WatchChangesInterval time.Duration
	Version              string
}

// Server implements StorageServer, SourceSyncServer and ExternalWatchServer.
type Server struct {
	store         storage.Backend
	locks         lock.Manager
	sync          sourcesync.Backend
	watch         watch.Backend
	logger        pslog.Logger
	clock         clock.Clock
	chunkSize     int
	lockTTL       time.Duration
	watchInterval time.Duration
	version       string
	metrics       *rpcMetrics
	streamSeq     atomic.Uint64
	tasks         sync.WaitGroup
	onIndexState  func(tenant string, state mutationState)
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Storage == nil {
		return nil, errors.New("service: storage backend required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("service: lock manager required")
	}
	logger := loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "service")
	s := &Server{
		store:         cfg.Storage,
		locks:         cfg.Locks,
		sync:          cfg.Sync,
		watch:         cfg.Watch,
		logger:        logger,
		clock:         cfg.Clock,
		chunkSize:     cfg.ChunkSize,
		lockTTL:       cfg.LockTTL,
		watchInterval: cfg.WatchChangesInterval,
		version:       cfg.Version,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}
	if s.lockTTL <= 0 {
		s.lockTTL = lock.DefaultTTL
	}
	if s.watchInterval <= 0 {
		s.watchInterval = DefaultWatchChangesInterval
	}
	s.metrics = newRPCMetrics(logger)
	return s, nil
}

// Register installs the configured services on registrar.
func (s *Server) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&StorageServiceDesc, s)
	if s.sync != nil {
		registrar.RegisterService(&SourceSyncServiceDesc, s)
	}
	if s.watch != nil {
		registrar.RegisterService(&ExternalWatchServiceDesc, s)
	}
}

// Services lists the fully qualified names of the registered services.
func (s *Server) Services() []string {
	names := []string{StorageServiceDesc.ServiceName}
	if s.sync != nil {
		names = append(names, SourceSyncServiceDesc.ServiceName)
	}
	if s.watch != nil {
		names = append(names, ExternalWatchServiceDesc.ServiceName)
	}
	return names
}

// Wait blocks until every background task has finished.
func (s *Server) Wait() {
	s.tasks.Wait()
}

func (s *Server) loggerFrom(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return s.logger
}

// scope validates the tenant context and returns a request context carrying
// the correlation id and a tenant-tagged logger.
func (s *Server) scope(ctx context.Context, tc *TenantContext) (context.Context, string, error) {
	if tc == nil || tc.TenantID == "" {
		return ctx, "", errTenantRequired
	}
	if err := storage.ValidateTenant(tc.TenantID); err != nil {
		return ctx, "", toStatus(err)
	}
	if tc.RequestID != "" {
		ctx = correlation.With(ctx, tc.RequestID)
	}
	logger := s.loggerFrom(ctx).With("tenant", tc.TenantID)
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}
	return pslog.ContextWithLogger(ctx, logger), tc.TenantID, nil
}

// spawn runs fn in the background. Its context survives the request but
// keeps the request logger; failures are only logged.
func (s *Server) spawn(ctx context.Context, name string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	logger := s.loggerFrom(ctx)
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		if err := fn(ctx); err != nil {
			logger.Warn("service.task.failed", "task", name, "error", err)
		}
	}()
}

func (s *Server) streamLogger(ctx context.Context, method string) (context.Context, pslog.Logger) {
	logger := s.loggerFrom(ctx).With("stream_id", s.streamSeq.Add(1), "method", method)
	return pslog.ContextWithLogger(ctx, logger), logger
}

// sendBlob streams data in chunkSize pieces. A producer goroutine slices
// the blob into a small buffered channel while the handler sends.
func (s *Server) sendBlob(ctx context.Context, stream grpc.ServerStreamingServer[DataChunk], data []byte, position uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	chunks := make(chan DataChunk, chunkBuffer)
	go func() {
		defer close(chunks)
		for off := 0; ; off += s.chunkSize {
			end := min(off+s.chunkSize, len(data))
			chunk := DataChunk{Data: data[off:end], IsLast: end == len(data)}
			if off == 0 {
				chunk.Found = true
				chunk.TotalSize = uint64(len(data))
				chunk.Position = position
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.IsLast {
				return
			}
		}
	}()
	sent := 0
	for chunk := range chunks {
		if err := stream.Send(&chunk); err != nil {
			return err
		}
		sent++
		if chunk.IsLast {
			s.loggerFrom(ctx).Trace("service.stream.sent", "chunks", sent, "size", len(data))
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return toStatus(err)
	}
	return status.Error(codes.Internal, "stream ended without final chunk")
}

func sendNotFound(stream grpc.ServerStreamingServer[DataChunk]) error {
	return stream.Send(&DataChunk{Found: false, IsLast: true})
}

type inboundChunk interface {
	chunkData() ([]byte, bool)
}

func (c *SaveSessionChunk) chunkData() ([]byte, bool)    { return c.Data, c.IsLast }
func (c *SaveCheckpointChunk) chunkData() ([]byte, bool) { return c.Data, c.IsLast }
func (c *SyncToSourceChunk) chunkData() ([]byte, bool)   { return c.Data, c.IsLast }

// receiveAll reads chunks until one is marked last or the client closes the
// stream, returning the first chunk and the assembled payload.
func receiveAll[Req any, Res any, P interface {
	*Req
	inboundChunk
}](stream grpc.ClientStreamingServer[Req, Res]) (P, []byte, error) {
	var (
		first P
		seen  bool
		buf   bytes.Buffer
	)
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return first, nil, err
		}
		chunk := P(msg)
		if !seen {
			first, seen = chunk, true
		}
		data, last := chunk.chunkData()
		buf.Write(data)
		if last {
			break
		}
	}
	if !seen {
		return first, nil, status.Error(codes.InvalidArgument, "stream carried no chunks")
	}
	return first, buf.Bytes(), nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromUnix(sec int64, fallback time.Time) time.Time {
	if sec == 0 {
		return fallback
	}
	return time.Unix(sec, 0).UTC()
}

func invalidArgument(format string, args ...any) error {
	return status.Error(codes.InvalidArgument, fmt.Sprintf(format, args...))
}

func secondsToDuration(sec uint64) time.Duration {
	return time.Duration(sec) * time.Second
}
