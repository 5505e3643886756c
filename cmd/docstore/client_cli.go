package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"pkt.systems/jpact"

	"pkt.systems/docstore/internal/service"
)

const (
	clientServerKey  = "client.server"
	clientTenantKey  = "client.tenant"
	clientTimeoutKey = "client.timeout"

	defaultClientServer  = "127.0.0.1:50051"
	defaultClientTenant  = "default"
	defaultClientTimeout = 15 * time.Second
)

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{v: viper.New()}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running docstore server",
	}

	flags := cmd.PersistentFlags()
	flags.String("server", defaultClientServer, "server address (host:port or unix:///path/to.sock)")
	flags.String("tenant", defaultClientTenant, "tenant the session ids belong to")
	flags.Duration("timeout", defaultClientTimeout, "per-command RPC timeout")

	mustBindFlag(cfg.v, clientServerKey, "DOCSTORE_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(cfg.v, clientTenantKey, "DOCSTORE_CLIENT_TENANT", flags.Lookup("tenant"))
	mustBindFlag(cfg.v, clientTimeoutKey, "DOCSTORE_CLIENT_TIMEOUT", flags.Lookup("timeout"))

	cmd.AddCommand(
		newClientHealthCommand(cfg),
		newClientSessionsCommand(cfg),
		newClientIndexCommand(cfg),
		newClientWalCommand(cfg),
		newClientCheckpointsCommand(cfg),
		newClientLockCommand(cfg),
		newClientSyncCommand(cfg),
		newClientWatchCommand(cfg),
	)
	return cmd
}

func mustBindFlag(v *viper.Viper, key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := v.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	v *viper.Viper
}

// run dials the server, hands fn a tenant-scoped client and prints whatever
// it returns as JSON.
func (c *clientCLIConfig) run(cmd *cobra.Command, fn func(ctx context.Context, cli *service.Client) (any, error)) error {
	server := strings.TrimSpace(c.v.GetString(clientServerKey))
	if server == "" {
		server = defaultClientServer
	}
	tenant := strings.TrimSpace(c.v.GetString(clientTenantKey))
	if tenant == "" {
		return fmt.Errorf("--tenant must not be empty")
	}
	timeout := c.v.GetDuration(clientTimeoutKey)
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	opts := append(service.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(server, opts...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", server, err)
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	out, err := fn(ctx, service.NewClient(conn, tenant))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func newClientHealthCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:           "health",
		Short:         "Report backend health and server version",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				return cli.HealthCheck(ctx)
			})
		},
	}
}

type sessionSummary struct {
	SessionID  string `json:"session_id"`
	SourcePath string `json:"source_path,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
}

func newClientSessionsCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and delete stored sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List the tenant's sessions, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				resp, err := cli.ListSessions(ctx)
				if err != nil {
					return nil, err
				}
				out := make([]sessionSummary, 0, len(resp.Sessions))
				for _, s := range resp.Sessions {
					out = append(out, sessionSummary{
						SessionID:  s.SessionID,
						SourcePath: s.SourcePath,
						CreatedAt:  formatTime(s.CreatedAtUnix),
						ModifiedAt: formatTime(s.ModifiedAtUnix),
						SizeBytes:  s.SizeBytes,
					})
				}
				return out, nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "delete SESSION",
		Short:         "Delete a session with its WAL and checkpoints",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				return cli.DeleteSession(ctx, args[0])
			})
		},
	})
	return cmd
}

func newClientIndexCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect the tenant's session index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Print the stored index document",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				resp, err := cli.LoadIndex(ctx)
				if err != nil {
					return nil, err
				}
				if !resp.Found {
					return map[string]any{"found": false}, nil
				}
				return json.RawMessage(resp.IndexJSON), nil
			})
		},
	})
	return cmd
}

type walEntrySummary struct {
	Position  uint64          `json:"position"`
	Operation string          `json:"operation,omitempty"`
	Path      string          `json:"path,omitempty"`
	Patch     json.RawMessage `json:"patch"`
	Timestamp string          `json:"timestamp,omitempty"`
}

func newClientWalCommand(cfg *clientCLIConfig) *cobra.Command {
	var from, limit uint64
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect a session's write-ahead log",
	}
	read := &cobra.Command{
		Use:           "read SESSION",
		Short:         "Read WAL entries starting at --from",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				resp, err := cli.ReadWal(ctx, args[0], from, limit)
				if err != nil {
					return nil, err
				}
				entries := make([]walEntrySummary, 0, len(resp.Entries))
				for _, e := range resp.Entries {
					patch := json.RawMessage(e.PatchJSON)
					if !json.Valid(patch) {
						quoted, _ := json.Marshal(string(e.PatchJSON))
						patch = quoted
					}
					entries = append(entries, walEntrySummary{
						Position:  e.Position,
						Operation: e.Operation,
						Path:      e.Path,
						Patch:     patch,
						Timestamp: formatTime(e.TimestampUnix),
					})
				}
				return map[string]any{"entries": entries, "has_more": resp.HasMore}, nil
			})
		},
	}
	read.Flags().Uint64Var(&from, "from", 0, "first position to return")
	read.Flags().Uint64Var(&limit, "limit", 0, "maximum entries to return (0 is unlimited)")
	cmd.AddCommand(read, newClientWalAppendCommand(cfg))
	return cmd
}

func newClientWalAppendCommand(cfg *clientCLIConfig) *cobra.Command {
	var inputPath string
	var maxBytes string
	cmd := &cobra.Command{
		Use:   "append SESSION",
		Short: "Append JSON patches to a session's WAL",
		Long: `Reads one JSON document per patch from --file (or stdin) and appends them
in order. Each document is compacted onto a single line before it is sent.`,
		Example: `  # Append a pretty-printed patch
  docstore client wal append s1 --file patch.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var limit int64
			if maxBytes != "" {
				n, err := humanize.ParseBytes(maxBytes)
				if err != nil {
					return fmt.Errorf("parse --max-bytes: %w", err)
				}
				limit = int64(n)
			}
			var in io.Reader = cmd.InOrStdin()
			if inputPath != "" && inputPath != "-" {
				f, err := os.Open(inputPath)
				if err != nil {
					return fmt.Errorf("open %s: %w", inputPath, err)
				}
				defer f.Close()
				in = f
			}
			entries, err := readPatches(in, limit)
			if err != nil {
				return err
			}
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				tail, err := cli.AppendWal(ctx, args[0], entries)
				if err != nil {
					return nil, err
				}
				return map[string]any{"appended": len(entries), "new_position": tail}, nil
			})
		},
	}
	cmd.Flags().StringVarP(&inputPath, "file", "f", "", "file holding the JSON patches (default stdin)")
	cmd.Flags().StringVar(&maxBytes, "max-bytes", "", "reject patches larger than this (e.g. 1MiB)")
	return cmd
}

// readPatches splits a stream of concatenated JSON documents and compacts
// each one onto a single line.
func readPatches(r io.Reader, maxBytes int64) ([]service.WalEntry, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	var entries []service.WalEntry
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decode patch %d: %w", len(entries)+1, err)
		}
		compact, err := jpact.CompactToBuffer(bytes.NewReader(raw), maxBytes)
		if err != nil {
			return nil, fmt.Errorf("compact patch %d: %w", len(entries)+1, err)
		}
		entries = append(entries, service.WalEntry{PatchJSON: bytes.TrimSuffix(compact, []byte("\n"))})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no patches in input")
	}
	return entries, nil
}

func newClientCheckpointsCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect a session's checkpoints",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "list SESSION",
		Short:         "List checkpoint positions in ascending order",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				return cli.ListCheckpoints(ctx, args[0])
			})
		},
	})
	return cmd
}

func newClientLockCommand(cfg *clientCLIConfig) *cobra.Command {
	var holder string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire or release named locks",
	}
	cmd.PersistentFlags().StringVar(&holder, "holder", "", "lock holder identity (required)")
	acquire := &cobra.Command{
		Use:           "acquire RESOURCE",
		Short:         "Acquire or refresh a lock",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if holder == "" {
				return fmt.Errorf("--holder is required")
			}
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				resp, err := cli.AcquireLock(ctx, args[0], holder, uint64(ttl/time.Second))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"acquired":       resp.Acquired,
					"current_holder": resp.CurrentHolder,
					"expires_at":     formatTime(resp.ExpiresAtUnix),
				}, nil
			})
		},
	}
	acquire.Flags().DurationVar(&ttl, "ttl", 0, "lock TTL (0 uses the server default)")
	release := &cobra.Command{
		Use:           "release RESOURCE",
		Short:         "Release a lock held by --holder",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if holder == "" {
				return fmt.Errorf("--holder is required")
			}
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				if err := cli.ReleaseLock(ctx, args[0], holder); err != nil {
					return nil, err
				}
				return map[string]any{"released": true}, nil
			})
		},
	}
	cmd.AddCommand(acquire, release)
	return cmd
}

func newClientSyncCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect sync-to-source registrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "status SESSION",
		Short:         "Show the sync status of a session",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				return cli.GetSyncStatus(ctx, args[0])
			})
		},
	}, &cobra.Command{
		Use:           "list",
		Short:         "List every registered source for the tenant",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				return cli.ListSources(ctx)
			})
		},
	})
	return cmd
}

func newClientWatchCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Inspect external change watches",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "check SESSION",
		Short:         "Check a watched source for external changes",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *service.Client) (any, error) {
				return cli.CheckForChanges(ctx, args[0])
			})
		},
	})
	return cmd
}
