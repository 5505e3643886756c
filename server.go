package docstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pkt.systems/docstore/internal/clock"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/parentwatch"
	"pkt.systems/docstore/internal/service"
	"pkt.systems/docstore/internal/version"
	"pkt.systems/pslog"
)

const telemetryShutdownTimeout = 5 * time.Second

// Server wraps the gRPC server, the storage stack and telemetry.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	backends   *backendStack
	service    *service.Server
	grpcSrv    *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	clock      clock.Clock
	telemetry  *telemetry

	lifetime context.Context
	stop     context.CancelFunc

	mu           sync.Mutex
	shutdown     bool
	readyOnce    sync.Once
	readyCh      chan struct{}
	lastServeErr error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Clock    clock.Clock
	Listener net.Listener
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithListener serves on ln instead of binding cfg.Listen.
func WithListener(ln net.Listener) Option {
	return func(o *options) {
		o.Listener = ln
	}
}

// NewServer validates cfg, opens the configured store and registers every
// service on a new gRPC server. Nothing listens until Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	if level, ok := pslog.ParseLevel(cfg.LogLevel); ok && cfg.LogLevel != "" {
		logger = logger.LogLevel(level)
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	lifetime, stop := context.WithCancel(context.Background())
	tel, err := startTelemetry(lifetime, telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, logger)
	if err != nil {
		stop()
		return nil, err
	}
	fail := func(err error) (*Server, error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
		stop()
		return nil, err
	}
	backends, err := openBackend(lifetime, cfg, logger, serverClock)
	if err != nil {
		return fail(err)
	}
	svc, err := service.New(service.Config{
		Storage:              backends.storage,
		Locks:                backends.locks,
		Sync:                 backends.sync,
		Watch:                backends.watch,
		Logger:               logger,
		Clock:                serverClock,
		ChunkSize:            cfg.ChunkSize,
		LockTTL:              cfg.LockTTL,
		WatchChangesInterval: cfg.WatchChangesInterval,
		Version:              version.Current(),
	})
	if err != nil {
		_ = backends.Close()
		return fail(err)
	}
	grpcSrv := grpc.NewServer(svc.ServerOptions()...)
	svc.Register(grpcSrv)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	for _, name := range svc.Services() {
		healthSrv.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	logger.Info("server.configured",
		"store", backends.name,
		"locks", backends.locks.Name(),
		"sync", backends.sync.Name(),
		"watch", backends.watch.Name(),
		"chunk_size", cfg.ChunkSize,
		"lock_ttl", cfg.LockTTL,
	)
	return &Server{
		cfg:       cfg,
		logger:    loggingutil.WithSubsystem(logger, "server"),
		backends:  backends,
		service:   svc,
		grpcSrv:   grpcSrv,
		health:    healthSrv,
		listener:  o.Listener,
		clock:     serverClock,
		telemetry: tel,
		lifetime:  lifetime,
		stop:      stop,
		readyCh:   make(chan struct{}),
	}, nil
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		if s.cfg.ListenProto == "unix" {
			if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove stale unix socket: %w", err)
			}
		}
		var lc net.ListenConfig
		var err error
		ln, err = lc.Listen(s.lifetime, s.cfg.ListenProto, s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
		}
		if s.cfg.ListenProto == "unix" {
			s.socketPath = s.cfg.Listen
		}
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.cfg.ParentPID > 0 {
		if err := s.watchParent(); err != nil {
			_ = ln.Close()
			return err
		}
	}
	s.logger.Info("server.listening",
		"network", ln.Addr().Network(),
		"address", ln.Addr().String(),
		"max_conns", s.cfg.MaxConns,
		"services", s.service.Services(),
	)
	s.signalReady()
	err := s.grpcSrv.Serve(ln)
	s.recordServeErr(err)
	if err == nil || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return fmt.Errorf("grpc serve: %w", err)
}

// watchParent shuts the server down once the configured parent exits.
func (s *Server) watchParent() error {
	parentCtx, err := parentwatch.Watch(s.lifetime, parentwatch.Config{
		PID:          int32(s.cfg.ParentPID),
		PollInterval: s.cfg.ParentPollInterval,
		Clock:        s.clock,
		Logger:       s.logger,
	})
	if err != nil {
		return err
	}
	go func() {
		<-parentCtx.Done()
		if !errors.Is(context.Cause(parentCtx), parentwatch.ErrParentExited) {
			return
		}
		s.logger.Warn("server.parent_exited", "parent_pid", s.cfg.ParentPID)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			s.logger.Error("server.shutdown.error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting RPCs, lets in-flight calls finish until ctx
// expires and then releases the storage stack and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("server.shutdown.forced", "error", ctx.Err())
		s.grpcSrv.Stop()
		<-stopped
	}
	s.stop()
	s.service.Wait()
	var errs []error
	if err := s.backends.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	telemetryCtx := ctx
	if telemetryCtx.Err() != nil {
		var cancel context.CancelFunc
		telemetryCtx, cancel = context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
	}
	if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
		errs = append(errs, err)
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete")
	return errors.Join(errs...)
}

// Close gracefully shuts the server down within the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Done is closed once Shutdown has begun tearing the server down.
func (s *Server) Done() <-chan struct{} {
	return s.lifetime.Done()
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the Prometheus listener address, if enabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.Addr("metrics")
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error Serve last returned.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and waits until it is
// listening. The returned stop function shuts it down and waits for Serve to
// return; it also runs when ctx is cancelled.
//
//	srv, stop, err := docstore.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server stopped before it was ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.cfg.ShutdownTimeout)
			defer cancel()
			_ = stop(shutdownCtx)
		case <-srv.Done():
		}
	}()
	return srv, stop, nil
}
