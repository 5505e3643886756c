package docstore

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pkt.systems/docstore/internal/service"
)

func dialServer(t *testing.T, network, addr string) *grpc.ClientConn {
	t.Helper()
	target := addr
	if network == "unix" {
		target = "unix://" + addr
	}
	opts := append(service.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func startTestServer(t *testing.T, cfg Config) (*Server, func(context.Context) error) {
	t.Helper()
	srv, stop, err := StartServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	return srv, stop
}

func TestServerServesRPCsOverTCP(t *testing.T) {
	t.Parallel()
	srv, stop := startTestServer(t, Config{
		Store:       "disk://" + t.TempDir(),
		Listen:      "127.0.0.1:0",
		ListenProto: "tcp",
		MaxConns:    8,
	})
	conn := dialServer(t, "tcp", srv.ListenerAddr().String())
	client := service.NewClient(conn, "acme")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if !health.Healthy || health.Backend != "local" || health.Version == "" {
		t.Fatalf("unexpected health: %+v", health)
	}
	if err := client.SaveSession(ctx, "s1", []byte("document")); err != nil {
		t.Fatalf("save session: %v", err)
	}
	data, found, err := client.LoadSession(ctx, "s1")
	if err != nil || !found || string(data) != "document" {
		t.Fatalf("load session: %q found=%v err=%v", data, found, err)
	}

	hc := healthpb.NewHealthClient(conn)
	for _, name := range []string{service.StorageServiceName, service.SourceSyncServiceName, service.ExternalWatchServiceName} {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: name})
		if err != nil {
			t.Fatalf("grpc health %s: %v", name, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("expected %s serving, got %s", name, resp.GetStatus())
		}
	}

	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestServerUnixSocketRemovedOnShutdown(t *testing.T) {
	t.Parallel()
	dir, err := os.MkdirTemp("", "ds")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")
	if err := os.WriteFile(socket, nil, 0o600); err != nil {
		t.Fatalf("stale socket: %v", err)
	}
	srv, stop := startTestServer(t, Config{
		Store:       "mem://",
		Listen:      socket,
		ListenProto: "unix",
	})
	conn := dialServer(t, "unix", srv.ListenerAddr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := service.NewClient(conn, "acme").HealthCheck(ctx)
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if health.Backend != "memory" {
		t.Fatalf("unexpected backend %q", health.Backend)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(socket); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected socket removed, stat err=%v", err)
	}
}

func TestServerWithListenerAndMetrics(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv, _ := startTestServer(t, Config{Store: "mem://", Listen: "127.0.0.1:0", MetricsListen: "127.0.0.1:0"})
	if srv.MetricsAddr() == nil {
		t.Fatal("expected metrics listener")
	}
	other, err := NewServer(Config{Store: "mem://", Listen: "127.0.0.1:0"}, WithListener(ln))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- other.Start() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := other.WaitUntilReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if got := other.ListenerAddr().String(); got != ln.Addr().String() {
		t.Fatalf("expected injected listener %s, got %s", ln.Addr(), got)
	}
	if err := other.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("start returned: %v", err)
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewServer(Config{Store: "mem://", ListenProto: "sctp"}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := NewServer(Config{Store: "gopher://x"}); err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestServerParentGoneAtStart(t *testing.T) {
	t.Parallel()
	srv, err := NewServer(Config{Store: "mem://", Listen: "127.0.0.1:0", ParentPID: 1 << 30})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()
	if err := srv.Start(); err == nil {
		t.Fatal("expected start to fail when the parent is already gone")
	}
}
