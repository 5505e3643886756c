package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/docstore/internal/correlation"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/pslog"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
}

// Wrap decorates inner with spans and trace/debug logging for every call.
func Wrap(inner storage.Backend, logger pslog.Logger) storage.Backend {
	if inner == nil {
		return nil
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, "storage", inner.BackendName()),
		tracer: otel.Tracer("pkt.systems/docstore/storage"),
	}
}

type call struct {
	span   trace.Span
	logger pslog.Logger
	op     string
	begin  time.Time
}

func (b *backend) start(ctx context.Context, op, tenant string) (context.Context, *call) {
	ctx, span := b.tracer.Start(ctx, "docstore.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("docstore.storage.operation", op),
		attribute.String("docstore.storage.backend", b.inner.BackendName()),
		attribute.String("docstore.tenant", tenant),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("docstore.correlation_id", corr))
		logger = logger.With("cid", corr)
	}
	logger = logger.With("tenant", tenant)
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage." + op + ".begin")
	return ctx, &call{span: span, logger: logger, op: op, begin: time.Now()}
}

func (c *call) finish(err error, keyvals ...any) {
	elapsed := time.Since(c.begin)
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, "storage_error")
		c.logger.Debug("storage."+c.op+".error", append(keyvals, "error", err, "elapsed", elapsed)...)
	} else {
		c.span.SetStatus(codes.Ok, "")
		c.logger.Debug("storage."+c.op+".success", append(keyvals, "elapsed", elapsed)...)
	}
	c.span.End()
}

func (b *backend) LoadSession(ctx context.Context, tenant, sessionID string) ([]byte, error) {
	ctx, c := b.start(ctx, "load_session", tenant)
	data, err := b.inner.LoadSession(ctx, tenant, sessionID)
	c.finish(err, "session_id", sessionID, "size", len(data))
	return data, err
}

func (b *backend) SaveSession(ctx context.Context, tenant, sessionID string, data []byte) error {
	ctx, c := b.start(ctx, "save_session", tenant)
	err := b.inner.SaveSession(ctx, tenant, sessionID, data)
	c.finish(err, "session_id", sessionID, "size", len(data))
	return err
}

func (b *backend) DeleteSession(ctx context.Context, tenant, sessionID string) (bool, error) {
	ctx, c := b.start(ctx, "delete_session", tenant)
	existed, err := b.inner.DeleteSession(ctx, tenant, sessionID)
	c.finish(err, "session_id", sessionID, "existed", existed)
	return existed, err
}

func (b *backend) ListSessions(ctx context.Context, tenant string) ([]storage.SessionInfo, error) {
	ctx, c := b.start(ctx, "list_sessions", tenant)
	sessions, err := b.inner.ListSessions(ctx, tenant)
	c.finish(err, "count", len(sessions))
	return sessions, err
}

func (b *backend) SessionExists(ctx context.Context, tenant, sessionID string) (bool, error) {
	ctx, c := b.start(ctx, "session_exists", tenant)
	exists, err := b.inner.SessionExists(ctx, tenant, sessionID)
	c.finish(err, "session_id", sessionID, "exists", exists)
	return exists, err
}

func (b *backend) LoadIndex(ctx context.Context, tenant string) (*storage.SessionIndex, error) {
	ctx, c := b.start(ctx, "load_index", tenant)
	index, err := b.inner.LoadIndex(ctx, tenant)
	sessions := 0
	if index != nil {
		sessions = len(index.Sessions)
	}
	c.finish(err, "sessions", sessions)
	return index, err
}

func (b *backend) SaveIndex(ctx context.Context, tenant string, index *storage.SessionIndex) error {
	ctx, c := b.start(ctx, "save_index", tenant)
	err := b.inner.SaveIndex(ctx, tenant, index)
	sessions := 0
	if index != nil {
		sessions = len(index.Sessions)
	}
	c.finish(err, "sessions", sessions)
	return err
}

func (b *backend) AppendWAL(ctx context.Context, tenant, sessionID string, payloads [][]byte) (uint64, error) {
	ctx, c := b.start(ctx, "append_wal", tenant)
	tail, err := b.inner.AppendWAL(ctx, tenant, sessionID, payloads)
	c.span.SetAttributes(attribute.Int("docstore.storage.wal_entries", len(payloads)))
	c.finish(err, "session_id", sessionID, "entries", len(payloads), "tail", tail)
	return tail, err
}

func (b *backend) ReadWAL(ctx context.Context, tenant, sessionID string, from uint64, limit int) ([]storage.WalEntry, bool, error) {
	ctx, c := b.start(ctx, "read_wal", tenant)
	entries, hasMore, err := b.inner.ReadWAL(ctx, tenant, sessionID, from, limit)
	c.finish(err, "session_id", sessionID, "from", from, "limit", limit, "entries", len(entries), "has_more", hasMore)
	return entries, hasMore, err
}

func (b *backend) TruncateWAL(ctx context.Context, tenant, sessionID string, keepCount uint64) (uint64, error) {
	ctx, c := b.start(ctx, "truncate_wal", tenant)
	removed, err := b.inner.TruncateWAL(ctx, tenant, sessionID, keepCount)
	c.finish(err, "session_id", sessionID, "keep_count", keepCount, "removed", removed)
	return removed, err
}

func (b *backend) SaveCheckpoint(ctx context.Context, tenant, sessionID string, position uint64, data []byte) error {
	ctx, c := b.start(ctx, "save_checkpoint", tenant)
	err := b.inner.SaveCheckpoint(ctx, tenant, sessionID, position, data)
	c.finish(err, "session_id", sessionID, "position", position, "size", len(data))
	return err
}

func (b *backend) LoadCheckpoint(ctx context.Context, tenant, sessionID string, position uint64) ([]byte, uint64, error) {
	ctx, c := b.start(ctx, "load_checkpoint", tenant)
	data, actual, err := b.inner.LoadCheckpoint(ctx, tenant, sessionID, position)
	c.finish(err, "session_id", sessionID, "requested", position, "position", actual)
	return data, actual, err
}

func (b *backend) ListCheckpoints(ctx context.Context, tenant, sessionID string) ([]storage.CheckpointInfo, error) {
	ctx, c := b.start(ctx, "list_checkpoints", tenant)
	checkpoints, err := b.inner.ListCheckpoints(ctx, tenant, sessionID)
	c.finish(err, "session_id", sessionID, "count", len(checkpoints))
	return checkpoints, err
}

func (b *backend) BackendName() string { return b.inner.BackendName() }

func (b *backend) Close() error { return b.inner.Close() }
