package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/docstore"
	"pkt.systems/docstore/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestConfigGenStdout(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/srv/data")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("unmarshal generated config: %v\n%s", err, stdout)
	}
	if got.Store != "disk:///srv/data/docstore/sessions" {
		t.Fatalf("unexpected store %q", got.Store)
	}
	if got.ChunkSize != "256KiB" || got.Listen != docstore.DefaultListen {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat generated config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected exists error, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--stdout"); err == nil {
		t.Fatal("expected --out and --stdout to conflict")
	}
}

func TestBindConfigFromEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.Store = "mem://"
		d.LockTTL = "45s"
		d.StorageRetryMaxAttempts = 2
	})
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DOCSTORE_CHUNK_SIZE", "1MiB")
	t.Setenv("DOCSTORE_PARENT_PID", "4242")

	v := viper.New()
	v.SetEnvPrefix("DOCSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.Set("config", path)
	if _, err := loadConfigFile(v); err != nil {
		t.Fatalf("load config file: %v", err)
	}
	cfg, err := bindConfig(v)
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.Store != "mem://" || cfg.LockTTL != 45*time.Second || cfg.StorageRetryMaxAttempts != 2 {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.ChunkSize != 1<<20 || cfg.ParentPID != 4242 {
		t.Fatalf("expected env overrides, got chunk=%d parent=%d", cfg.ChunkSize, cfg.ParentPID)
	}

	t.Setenv("DOCSTORE_CHUNK_SIZE", "lots")
	if _, err := bindConfig(v); err == nil || !strings.Contains(err.Error(), "chunk-size") {
		t.Fatalf("expected chunk-size parse error, got %v", err)
	}
}

func TestLoadConfigFileMissingExplicit(t *testing.T) {
	v := viper.New()
	v.Set("config", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := loadConfigFile(v); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
	v = viper.New()
	t.Setenv("DOCSTORE_CONFIG_DIR", t.TempDir())
	path, err := loadConfigFile(v)
	if err != nil || path != "" {
		t.Fatalf("expected no implicit config, got %q %v", path, err)
	}
}

func TestReadPatchesCompactsDocuments(t *testing.T) {
	t.Parallel()
	entries, err := readPatches(strings.NewReader("{\n \"a\": [1,\n 2]\n}\n\n[ true ]"), 0)
	if err != nil {
		t.Fatalf("read patches: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 patches, got %d", len(entries))
	}
	if got := string(entries[0].PatchJSON); got != `{"a":[1,2]}` {
		t.Fatalf("unexpected first patch %q", got)
	}
	if got := string(entries[1].PatchJSON); got != `[true]` {
		t.Fatalf("unexpected second patch %q", got)
	}
	if _, err := readPatches(strings.NewReader(""), 0); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := readPatches(strings.NewReader("{oops"), 0); err == nil {
		t.Fatal("expected decode error")
	}
}

func startCLITestServer(t *testing.T) string {
	t.Helper()
	srv, stop, err := docstore.StartServer(context.Background(), docstore.Config{
		Store:  "mem://",
		Listen: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	return srv.ListenerAddr().String()
}

func TestClientCommandsAgainstServer(t *testing.T) {
	addr := startCLITestServer(t)

	stdout, _, err := executeRootCommand(t, "client", "--server", addr, "health")
	if err != nil {
		t.Fatalf("client health: %v", err)
	}
	var health map[string]any
	if err := json.Unmarshal([]byte(stdout), &health); err != nil {
		t.Fatalf("decode health: %v\n%s", err, stdout)
	}
	if health["healthy"] != true || health["backend"] != "memory" {
		t.Fatalf("unexpected health output: %v", health)
	}

	stdout, _, err = executeRootCommand(t, "client", "--server", addr, "--tenant", "acme", "sessions", "list")
	if err != nil {
		t.Fatalf("client sessions list: %v", err)
	}
	if strings.TrimSpace(stdout) != "[]" {
		t.Fatalf("expected no sessions, got %q", stdout)
	}

	stdout, _, err = executeRootCommand(t, "client", "--server", addr, "lock", "acquire", "doc-1", "--holder", "alice", "--ttl", "30s")
	if err != nil {
		t.Fatalf("client lock acquire: %v", err)
	}
	if !strings.Contains(stdout, `"acquired": true`) {
		t.Fatalf("expected lock acquired, got %s", stdout)
	}
	stdout, _, err = executeRootCommand(t, "client", "--server", addr, "lock", "acquire", "doc-1", "--holder", "bob")
	if err != nil {
		t.Fatalf("client lock acquire (contended): %v", err)
	}
	if !strings.Contains(stdout, `"acquired": false`) || !strings.Contains(stdout, `"current_holder": "alice"`) {
		t.Fatalf("expected contended lock, got %s", stdout)
	}
	if _, _, err := executeRootCommand(t, "client", "--server", addr, "lock", "release", "doc-1", "--holder", "alice"); err != nil {
		t.Fatalf("client lock release: %v", err)
	}
	if _, _, err := executeRootCommand(t, "client", "--server", addr, "lock", "release", "doc-1"); err == nil {
		t.Fatal("expected --holder to be required")
	}

	patches := filepath.Join(t.TempDir(), "patches.json")
	body := "{\n  \"op\": \"add\",\n  \"path\": \"/body/0\"\n}\n{\"op\": \"remove\", \"path\": \"/body/0\"}\n"
	if err := os.WriteFile(patches, []byte(body), 0o600); err != nil {
		t.Fatalf("write patches: %v", err)
	}
	stdout, _, err = executeRootCommand(t, "client", "--server", addr, "wal", "append", "s1", "--file", patches)
	if err != nil {
		t.Fatalf("client wal append: %v", err)
	}
	if !strings.Contains(stdout, `"new_position": 2`) {
		t.Fatalf("expected tail 2, got %s", stdout)
	}
	stdout, _, err = executeRootCommand(t, "client", "--server", addr, "wal", "read", "s1", "--from", "2")
	if err != nil {
		t.Fatalf("client wal read: %v", err)
	}
	var page struct {
		Entries []walEntrySummary `json:"entries"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.Unmarshal([]byte(stdout), &page); err != nil {
		t.Fatalf("decode wal page: %v\n%s", err, stdout)
	}
	if len(page.Entries) != 1 || page.Entries[0].Position != 2 || page.Entries[0].Operation != "remove" || page.HasMore {
		t.Fatalf("unexpected wal page: %+v", page)
	}

	stdout, _, err = executeRootCommand(t, "client", "--server", addr, "sync", "status", "s1")
	if err != nil {
		t.Fatalf("client sync status: %v", err)
	}
	if !strings.Contains(stdout, `"registered": false`) {
		t.Fatalf("expected unregistered session, got %s", stdout)
	}

	stdout, _, err = executeRootCommand(t, "client", "--server", addr, "index", "show")
	if err != nil {
		t.Fatalf("client index show: %v", err)
	}
	if !strings.Contains(stdout, `"found": false`) {
		t.Fatalf("expected empty index, got %s", stdout)
	}
}
