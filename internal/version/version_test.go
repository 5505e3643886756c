package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	old := buildVersion
	t.Cleanup(func() { buildVersion = old })

	buildVersion = "v1.2.3"
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected build version, got %q", got)
	}
}

func TestDescribe(t *testing.T) {
	info := Describe()
	if info.GoVersion != runtime.Version() {
		t.Fatalf("unexpected go version %q", info.GoVersion)
	}
	if !strings.Contains(info.Platform, "/") || info.Version == "" || info.Module == "" {
		t.Fatalf("incomplete info %+v", info)
	}
}
