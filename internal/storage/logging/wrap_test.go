package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/docstore/internal/storage/disk"
	"pkt.systems/docstore/internal/storage/storagetest"
	"pkt.systems/pslog"
)

func TestWrappedBackendSuite(t *testing.T) {
	t.Parallel()
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		inner, err := disk.New(disk.Config{Root: t.TempDir()})
		if err != nil {
			t.Fatalf("disk: %v", err)
		}
		return Wrap(inner, loggingutil.NoopLogger())
	})
}

func TestWrapLogsOperations(t *testing.T) {
	t.Parallel()

	inner, err := disk.New(disk.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf).LogLevel(pslog.TraceLevel)
	backend := Wrap(inner, logger)
	ctx := context.Background()

	if err := backend.SaveSession(ctx, "acme", "s1", storagetest.Doc("x")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := backend.LoadSession(ctx, "acme", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	out := buf.String()
	for _, want := range []string{"storage.save_session.success", "storage.load_session.error", "acme"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q: %s", want, out)
		}
	}
	if backend.BackendName() != "local" {
		t.Fatalf("unexpected backend name %q", backend.BackendName())
	}
}
