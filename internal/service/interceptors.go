package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"pkt.systems/docstore/internal/correlation"
	"pkt.systems/pslog"
)

// metadataCarrier adapts gRPC metadata to the OTel propagation API.
type metadataCarrier metadata.MD

var _ propagation.TextMapCarrier = metadataCarrier{}

func (c metadataCarrier) Get(key string) string {
	values := metadata.MD(c).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func serviceAndMethod(fullMethod string) (string, string) {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[:idx], trimmed[idx+1:]
	}
	return "", trimmed
}

type rpcCall struct {
	span    trace.Span
	logger  pslog.Logger
	method  string
	begin   time.Time
	metrics *rpcMetrics
}

// begin prepares the request context: correlation id, remote trace
// context, a server span and a request logger.
func (s *Server) begin(ctx context.Context, fullMethod string) (context.Context, *rpcCall) {
	ctx, cid := correlation.FromIncoming(ctx)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
	}
	svc, method := serviceAndMethod(fullMethod)
	ctx, span := otel.Tracer("pkt.systems/docstore/service").Start(ctx, fullMethod, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", svc),
		attribute.String("rpc.method", method),
		attribute.String("docstore.correlation_id", cid),
	)
	logger := s.logger.With("cid", cid, "rpc", method)
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("rpc.begin")
	return ctx, &rpcCall{span: span, logger: logger, method: fullMethod, begin: time.Now(), metrics: s.metrics}
}

func (c *rpcCall) end(ctx context.Context, err error) {
	elapsed := time.Since(c.begin)
	code := status.Code(err)
	c.metrics.record(ctx, c.method, code, elapsed)
	c.span.SetAttributes(attribute.String("rpc.grpc.status_code", code.String()))
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(otelcodes.Error, code.String())
		c.logger.Debug("rpc.error", "code", code.String(), "error", err, "elapsed", elapsed)
	} else {
		c.span.SetStatus(otelcodes.Ok, "")
		c.logger.Debug("rpc.success", "elapsed", elapsed)
	}
	c.span.End()
}

// UnaryInterceptor instruments unary calls.
func (s *Server) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, call := s.begin(ctx, info.FullMethod)
		resp, err := handler(ctx, req)
		call.end(ctx, err)
		return resp, err
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

// StreamInterceptor instruments streaming calls.
func (s *Server) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, call := s.begin(ss.Context(), info.FullMethod)
		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
		call.end(ctx, err)
		return err
	}
}

// ServerOptions returns the options a gRPC server needs to host s.
func (s *Server) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(s.StreamInterceptor()),
	}
}
