package docstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/version"
	"pkt.systems/pslog"
)

const exporterTimeout = 10 * time.Second

type telemetryConfig struct {
	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
}

func (c telemetryConfig) enabled() bool {
	return strings.TrimSpace(c.OTLPEndpoint) != "" ||
		strings.TrimSpace(c.MetricsListen) != "" ||
		strings.TrimSpace(c.PprofListen) != ""
}

// telemetry owns the providers and debug listeners started for one server.
// Teardown runs in reverse start order.
type telemetry struct {
	logger    pslog.Logger
	teardown  []func(context.Context) error
	addrMu    sync.Mutex
	listeners map[string]net.Addr
}

func (t *telemetry) onShutdown(fn func(context.Context) error) {
	t.teardown = append(t.teardown, fn)
}

// Addr reports the bound address of the "metrics" or "pprof" listener.
func (t *telemetry) Addr(name string) net.Addr {
	if t == nil {
		return nil
	}
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	return t.listeners[name]
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.teardown) - 1; i >= 0; i-- {
		if err := t.teardown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.teardown = nil
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("telemetry.shutdown.error", "error", err)
		return err
	}
	t.logger.Debug("telemetry.shutdown.complete")
	return nil
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// startTelemetry installs the global tracer and meter providers plus the
// metrics and pprof listeners requested by cfg. It returns nil when nothing
// is configured.
func startTelemetry(ctx context.Context, cfg telemetryConfig, logger pslog.Logger) (*telemetry, error) {
	if !cfg.enabled() {
		if cfg.EnableProfilingMetrics {
			return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
		}
		return nil, nil
	}
	logger = loggingutil.WithSubsystem(logger, "telemetry")
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("docstore"),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	t := &telemetry{logger: logger, listeners: make(map[string]net.Addr)}
	fail := func(err error) (*telemetry, error) {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exporterTimeout)
		defer cancel()
		_ = t.Shutdown(shutdownCtx)
		return nil, err
	}

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return fail(err)
		}
		provider, err := newTracerProvider(ctx, target, res)
		if err != nil {
			return fail(err)
		}
		otel.SetTracerProvider(provider)
		t.onShutdown(func(ctx context.Context) error {
			if err := provider.Shutdown(ctx); err != nil {
				return fmt.Errorf("trace shutdown: %w", err)
			}
			return nil
		})
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if addr := strings.TrimSpace(cfg.MetricsListen); addr != "" {
		handler, err := t.startMetrics(res, cfg.EnableProfilingMetrics)
		if err != nil {
			return fail(err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		if err := t.serve(ctx, "metrics", addr, mux); err != nil {
			return fail(err)
		}
	} else if cfg.EnableProfilingMetrics {
		return fail(fmt.Errorf("telemetry: profiling metrics require metrics listen address"))
	}

	if addr := strings.TrimSpace(cfg.PprofListen); addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		if err := t.serve(ctx, "pprof", addr, mux); err != nil {
			return fail(err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

func (t *telemetry) startMetrics(res *resource.Resource, profiling bool) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if profiling {
		opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exporter, err := otelprometheus.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)
	t.onShutdown(func(ctx context.Context) error {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("metric shutdown: %w", err)
		}
		return nil
	})
	if profiling {
		runtimeMetricsOnce.Do(func() {
			runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
		})
		if runtimeMetricsErr != nil {
			return nil, fmt.Errorf("profiling: start runtime metrics: %w", runtimeMetricsErr)
		}
		t.logger.Info("profiling.metrics.enabled")
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// serve binds addr and runs handler on it until Shutdown.
func (t *telemetry) serve(ctx context.Context, name, addr string, handler http.Handler) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: exporterTimeout}
	t.addrMu.Lock()
	t.listeners[name] = ln.Addr()
	t.addrMu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry."+name+".serve_error", "error", err)
		}
	}()
	t.onShutdown(func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server shutdown: %w", name, err)
		}
		return nil
	})
	t.logger.Info("telemetry."+name+".enabled", "listen", ln.Addr().String())
	return nil
}

func newTracerProvider(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(exporterTimeout),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(exporterTimeout),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	), nil
}

type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

// resolveOTLPTarget accepts host[:port] (plaintext gRPC) or a grpc://,
// grpcs://, http:// or https:// URL.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withDefaultPort(raw, "4317"), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host, u.Path = u.Path, ""
	}
	if host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	target := otlpTarget{path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		target.protocol = "grpc"
		target.endpoint = withDefaultPort(host, "4317")
	case "http", "https":
		target.protocol = "http"
		target.endpoint = withDefaultPort(host, "4318")
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	target.insecure = !strings.HasSuffix(strings.ToLower(u.Scheme), "s")
	return target, nil
}

func withDefaultPort(host, port string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return net.JoinHostPort(host, port)
}
