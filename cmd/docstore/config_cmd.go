package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/docstore"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage docstore configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.docstore/" + docstore.DefaultConfigFileName
	if path, err := docstore.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default docstore configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := docstore.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                  string  `yaml:"listen"`
	ListenProto             string  `yaml:"listen-proto"`
	MaxConns                int     `yaml:"max-conns"`
	Store                   string  `yaml:"store"`
	IndexStore              string  `yaml:"index-store"`
	LockTTL                 string  `yaml:"lock-ttl"`
	ChunkSize               string  `yaml:"chunk-size"`
	WatchPollInterval       string  `yaml:"watch-poll-interval"`
	WatchChangesInterval    string  `yaml:"watch-changes-interval"`
	SyncDefaultBucket       string  `yaml:"sync-default-bucket"`
	ParentPollInterval      string  `yaml:"parent-poll-interval"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	LogLevel                string  `yaml:"log-level"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	store, err := docstore.DefaultStore()
	if err != nil {
		store = "mem://"
	}
	defaults := configDefaults{
		Listen:                  docstore.DefaultListen,
		ListenProto:             docstore.DefaultListenProto,
		MaxConns:                docstore.DefaultMaxConns,
		Store:                   store,
		IndexStore:              docstore.DefaultIndexStore,
		LockTTL:                 docstore.DefaultLockTTL.String(),
		ChunkSize:               humanizeBytes(docstore.DefaultChunkSize),
		WatchPollInterval:       docstore.DefaultWatchPollInterval.String(),
		WatchChangesInterval:    docstore.DefaultWatchChangesInterval.String(),
		ParentPollInterval:      docstore.DefaultParentPollInterval.String(),
		StorageRetryMaxAttempts: docstore.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   docstore.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    docstore.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  docstore.DefaultStorageRetryMultiplier,
		MetricsListen:           docstore.DefaultMetricsListen,
		PprofListen:             docstore.DefaultPprofListen,
		LogLevel:                "info",
		ShutdownTimeout:         docstore.DefaultShutdownTimeout.String(),
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
