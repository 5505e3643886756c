package docstore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/docstore/internal/pathutil"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = "0.0.0.0:50051"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultMaxConns caps concurrently accepted connections (0 disables the limit).
	DefaultMaxConns = 0
	// DefaultIndexStore holds object-backend indexes and lock records in process memory.
	DefaultIndexStore = "mem://"
	// DefaultLockTTL is the lease handed to AcquireLock callers that send no TTL.
	DefaultLockTTL = 30 * time.Second
	// DefaultChunkSize bounds the payload of every streamed chunk.
	DefaultChunkSize = 256 * 1024
	// DefaultWatchPollInterval applies to object-store watches started without an interval.
	DefaultWatchPollInterval = 30 * time.Second
	// DefaultWatchChangesInterval paces the WatchChanges stream between sweeps.
	DefaultWatchChangesInterval = time.Second
	// DefaultMetricsListen is empty so metrics stay disabled unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultShutdownTimeout caps the time given to in-flight RPCs on shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultParentPollInterval controls how often parent liveness is probed.
	DefaultParentPollInterval = 2 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultLogLevel leaves the level to DOCSTORE_LOG_LEVEL.
	DefaultLogLevel = ""
)

// Config captures the tunables for a docstore server.
type Config struct {
	Listen      string
	ListenProto string
	MaxConns    int

	// Store selects the session backend: disk:///path, mem://, s3://, aws://,
	// r2:// or azure://.
	Store string
	// IndexStore holds indexes and lock records for object stores: mem://,
	// cloudflare://account/namespace or nats://host:port/bucket.
	IndexStore string

	LockTTL              time.Duration
	ChunkSize            int
	WatchPollInterval    time.Duration
	WatchChangesInterval time.Duration
	// SyncDefaultBucket replaces an empty bucket in object source URIs.
	SyncDefaultBucket string

	// ParentPID, when positive, ties the server's lifetime to that process.
	ParentPID          int
	ParentPollInterval time.Duration

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool

	LogLevel        string
	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
		if c.Listen == "" {
			c.Listen = DefaultListen
		}
	case "unix":
		if c.Listen == "" {
			c.Listen = DefaultSocketPath()
		}
	default:
		return fmt.Errorf("config: listen-proto must be tcp or unix, got %q", c.ListenProto)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("config: max-conns must be >= 0")
	}
	if strings.TrimSpace(c.Store) == "" {
		store, err := DefaultStore()
		if err != nil {
			return fmt.Errorf("config: resolve default store: %w", err)
		}
		c.Store = store
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store %q: %w", c.Store, err)
	}
	if strings.TrimSpace(c.IndexStore) == "" {
		c.IndexStore = DefaultIndexStore
	}
	if _, err := url.Parse(c.IndexStore); err != nil {
		return fmt.Errorf("config: parse index-store %q: %w", c.IndexStore, err)
	}
	if c.LockTTL < 0 {
		return fmt.Errorf("config: lock-ttl must be >= 0")
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("config: chunk-size must be >= 0")
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.WatchPollInterval < 0 {
		return fmt.Errorf("config: watch-poll-interval must be >= 0")
	}
	if c.WatchPollInterval == 0 {
		c.WatchPollInterval = DefaultWatchPollInterval
	}
	if c.WatchChangesInterval <= 0 {
		c.WatchChangesInterval = DefaultWatchChangesInterval
	}
	if c.ParentPID < 0 {
		return fmt.Errorf("config: parent-pid must be >= 0")
	}
	if c.ParentPollInterval <= 0 {
		c.ParentPollInterval = DefaultParentPollInterval
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage-retry-max-delay must be >= storage-retry-base-delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown-timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	return nil
}

// DefaultStore returns the disk store under the XDG data directory.
func DefaultStore() (string, error) {
	dir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "disk", Path: filepath.ToSlash(dir)}).String(), nil
}

// DefaultDataDir is where the disk backend keeps sessions when no store is
// configured.
func DefaultDataDir() (string, error) {
	base, err := pathutil.DataHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "docstore", "sessions"), nil
}

// DefaultSocketPath names the unix socket for this process.
func DefaultSocketPath() string {
	return filepath.Join(pathutil.RuntimeDir(), fmt.Sprintf("docstore-%d.sock", os.Getpid()))
}

// DefaultConfigDir returns $DOCSTORE_CONFIG_DIR or ~/.docstore.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DOCSTORE_CONFIG_DIR")); override != "" {
		expanded, err := pathutil.ExpandUserAndEnv(override)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(expanded) {
			return expanded, nil
		}
		return filepath.Abs(expanded)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".docstore"), nil
}

// DefaultConfigPath returns the config file used when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
