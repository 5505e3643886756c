package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/docstore"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/pathutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DOCSTORE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "docstore")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if c, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if c == cmd {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := docstore.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.ExpandUserAndEnv(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	if expanded, err = filepath.Abs(expanded); err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "docstore",
		Short:         "docstore persists collaborative document sessions and serves them over gRPC",
		SilenceErrors: true,
		Example: `
  # Local disk store under $XDG_DATA_HOME/docstore/sessions
  docstore

  # Unix socket owned by an editor process, exiting with it
  docstore --listen-proto unix --parent-pid $PPID

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  DOCSTORE_STORE=s3://localhost:9000/docstore?insecure=1 DOCSTORE_S3_ACCESS_KEY_ID=minioadmin DOCSTORE_S3_SECRET_ACCESS_KEY=minioadmin docstore

  # AWS S3 with the session index in NATS JetStream KV
  docstore --store aws://my-bucket/docs?region=eu-north-1 --index-store nats://nats:4222/docstore-index

  # In-memory storage (tests/dev only)
  docstore --store mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to docstore",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
			)
			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			logLevel := cfg.LogLevel
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
			}

			server, err := docstore.NewServer(cfg, docstore.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Close()
			}()
			go func() {
				select {
				case <-ctx.Done():
				case <-server.Done():
					return
				}
				if err := server.Close(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.docstore/"+docstore.DefaultConfigFileName+")")
	if err := v.BindPFlag("config", persistentFlags.Lookup("config")); err != nil {
		panic(err)
	}

	flags := cmd.Flags()
	flags.String("listen", docstore.DefaultListen, "listen address (socket path when --listen-proto=unix)")
	flags.String("listen-proto", docstore.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.Int("max-conns", docstore.DefaultMaxConns, "maximum concurrent connections (0 is unlimited)")
	flags.String("store", "", "storage backend URL (disk:///path, mem://, s3://host[:port]/bucket, aws://bucket, r2://account/bucket, azure://account/container)")
	flags.String("index-store", docstore.DefaultIndexStore, "key-value store for object-store indexes and locks (mem://, cloudflare://account/namespace, nats://host:port/bucket)")
	flags.Duration("lock-ttl", docstore.DefaultLockTTL, "default lock TTL when callers pass 0")
	flags.String("chunk-size", humanizeBytes(docstore.DefaultChunkSize), "streamed chunk size for session and checkpoint payloads")
	flags.Duration("watch-poll-interval", docstore.DefaultWatchPollInterval, "default poll interval for watched object sources")
	flags.Duration("watch-changes-interval", docstore.DefaultWatchChangesInterval, "interval between change checks on WatchChanges streams")
	flags.String("sync-default-bucket", "", "bucket used for s3:// sync targets that omit one")
	flags.Int("parent-pid", 0, "shut down when this process exits (0 disables)")
	flags.Duration("parent-poll-interval", docstore.DefaultParentPollInterval, "interval between parent liveness checks")
	flags.Int("storage-retry-attempts", docstore.DefaultStorageRetryMaxAttempts, "maximum attempts for retryable storage operations")
	flags.Duration("storage-retry-base-delay", docstore.DefaultStorageRetryBaseDelay, "initial retry backoff for storage operations")
	flags.Duration("storage-retry-max-delay", docstore.DefaultStorageRetryMaxDelay, "maximum retry backoff for storage operations")
	flags.Float64("storage-retry-multiplier", docstore.DefaultStorageRetryMultiplier, "retry backoff multiplier")
	flags.String("metrics-listen", docstore.DefaultMetricsListen, "Prometheus listen address (empty disables)")
	flags.String("pprof-listen", docstore.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", docstore.DefaultLogLevel, "log level (trace|debug|info|warn|error)")
	flags.Duration("shutdown-timeout", docstore.DefaultShutdownTimeout, "time allowed for in-flight RPCs to drain on shutdown")

	v.SetEnvPrefix("DOCSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range serverConfigKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

var serverConfigKeys = []string{
	"listen", "listen-proto", "max-conns", "store", "index-store", "lock-ttl", "chunk-size",
	"watch-poll-interval", "watch-changes-interval", "sync-default-bucket", "parent-pid", "parent-poll-interval",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "log-level", "shutdown-timeout",
}

func bindConfig(v *viper.Viper) (docstore.Config, error) {
	var cfg docstore.Config
	cfg.Listen = v.GetString("listen")
	cfg.ListenProto = v.GetString("listen-proto")
	cfg.MaxConns = v.GetInt("max-conns")
	cfg.Store = v.GetString("store")
	cfg.IndexStore = v.GetString("index-store")
	cfg.LockTTL = v.GetDuration("lock-ttl")
	if chunk := strings.TrimSpace(v.GetString("chunk-size")); chunk != "" {
		size, err := humanize.ParseBytes(chunk)
		if err != nil {
			return cfg, fmt.Errorf("parse chunk-size: %w", err)
		}
		cfg.ChunkSize = int(size)
	}
	cfg.WatchPollInterval = v.GetDuration("watch-poll-interval")
	cfg.WatchChangesInterval = v.GetDuration("watch-changes-interval")
	cfg.SyncDefaultBucket = v.GetString("sync-default-bucket")
	cfg.ParentPID = v.GetInt("parent-pid")
	cfg.ParentPollInterval = v.GetDuration("parent-poll-interval")
	cfg.StorageRetryMaxAttempts = v.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = v.GetFloat64("storage-retry-multiplier")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(v.GetString("log-level")))
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
