package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc/codes"

	"pkt.systems/pslog"
)

type rpcMetrics struct {
	calls     metric.Int64Counter
	duration  metric.Int64Histogram
	lockWaits metric.Int64Counter
}

func newRPCMetrics(logger pslog.Logger) *rpcMetrics {
	meter := otel.Meter("pkt.systems/docstore/service")
	m := &rpcMetrics{}
	var err error

	m.calls, err = meter.Int64Counter(
		"docstore.rpc.calls",
		metric.WithDescription("RPC calls by method and status code"),
	)
	logMetricInitError(logger, "docstore.rpc.calls", err)

	m.duration, err = meter.Int64Histogram(
		"docstore.rpc.duration_ms",
		metric.WithDescription("RPC duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "docstore.rpc.duration_ms", err)

	m.lockWaits, err = meter.Int64Counter(
		"docstore.index.lock.contended",
		metric.WithDescription("Index lock attempts that found the lock held"),
	)
	logMetricInitError(logger, "docstore.index.lock.contended", err)
	return m
}

func (m *rpcMetrics) record(ctx context.Context, method string, code codes.Code, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("rpc.method", method),
		attribute.String("rpc.grpc.status_code", code.String()),
	)
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *rpcMetrics) lockContended(ctx context.Context, tenant string) {
	if m == nil || m.lockWaits == nil {
		return
	}
	m.lockWaits.Add(ctx, 1, metric.WithAttributes(attribute.String("docstore.tenant", tenant)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
