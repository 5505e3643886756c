package loggingutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystem(t *testing.T) {
	t.Parallel()

	if got := Subsystem("service", "", ".storage.", " "); got != "service.storage" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := pslog.NewStructured(context.Background(), &buf).LogLevel(pslog.TraceLevel)
	WithSubsystem(base, "watch", "notify").Info("watch.started", "path", "/tmp/a.docx")
	out := buf.String()
	if !strings.Contains(out, "watch.notify") || !strings.Contains(out, "watch.started") {
		t.Fatalf("unexpected log output %q", out)
	}
}

func TestFromContextFallsBack(t *testing.T) {
	t.Parallel()

	if FromContext(context.Background()) == nil {
		t.Fatal("expected noop logger")
	}
	if EnsureLogger(nil) != NoopLogger() {
		t.Fatal("expected shared noop logger")
	}
}
