package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replica/pkg/bootstrap"
	"github.com/amirimatin/go-replica/pkg/internal/logutil"
	"github.com/amirimatin/go-replica/pkg/observability/tracing"
	"github.com/amirimatin/go-replica/pkg/state/kv"
	"github.com/amirimatin/go-replica/pkg/transport"
)

// AddAll attaches replica subcommands (run/status/write/read/quorum/log) to
// the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewWriteCmd())
	root.AddCommand(NewReadCmd())
	root.AddCommand(NewQuorumCmd())
	root.AddCommand(NewLogCmd())
}

// NewReplicaCommand returns a parent command "replica" containing all
// subcommands, for services that embed the CLI.
func NewReplicaCommand() *cobra.Command {
	parent := &cobra.Command{Use: "replica", Short: "replica management commands"}
	AddAll(parent)
	return parent
}

// NewRunCmd returns the "run" command used to start a replica.
func NewRunCmd() *cobra.Command {
	var (
		cfg         bootstrap.Config
		logOpts     logutil.Options
		traceEnable bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			logOpts.JSON = logOpts.JSON || logutil.JSONFromEnv()
			logger, err := logutil.New(logOpts)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			cfg.Logger = logger

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					logger.Warn("tracing setup failed", zap.Error(err))
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			n, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer scancel()
				if err := n.Stop(sctx); err != nil {
					logger.Error("stop", zap.Error(err))
				}
			}()

			fmt.Fprintf(cmd.OutOrStdout(), "replica %s running. Press Ctrl+C to exit.\n", n.PeerUUID())
			<-ctx.Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.PeerUUID, "peer-uuid", "", "peer uuid (generated on first start when empty)")
	f.StringVar(&cfg.DataDir, "data", "", "data dir; empty keeps everything in memory")
	f.StringVar(&cfg.StorageEngine, "storage", "", "storage engine: bolt|pebble|memory (bolt when --data is set)")
	f.StringVar(&cfg.MgmtAddr, "mgmt-addr", ":17946", "management address (tcp); empty disables it")
	f.StringVar(&cfg.MgmtProto, "mgmt-proto", bootstrap.ProtoHTTP, "management RPC protocol: http|grpc")
	f.StringVar(&cfg.AdvertiseAddr, "advertise", "", "address recorded for this peer (defaults to mgmt-addr)")
	f.IntVar(&cfg.MaxPending, "max-pending", 4096, "pending log reservations before writes are rejected (0 = unbounded)")
	f.IntVar(&cfg.PoolSize, "pool-size", 64, "transaction finalizer goroutines")
	f.DurationVar(&cfg.StartTimeout, "start-timeout", 10*time.Second, "wait for leadership on start")
	f.BoolVar(&cfg.DeadlockDetection, "deadlock-detection", false, "detect lock-order inversions and long waits on the ordering lock")
	f.DurationVar(&cfg.DeadlockTimeout, "deadlock-timeout", 30*time.Second, "lock wait reported as a potential deadlock")
	f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	f.StringVar(&logOpts.Level, "log-level", "info", "log level: debug|info|warn|error")
	f.BoolVar(&logOpts.JSON, "log-json", false, "log as JSON (also REPLICA_LOG_JSON=1)")
	f.StringVar(&logOpts.File, "log-file", "", "also log to this file, rotated")
	f.IntVar(&logOpts.MaxSizeMB, "log-max-size", 100, "log file size in MB before rotation")
	f.IntVar(&logOpts.MaxBackups, "log-max-backups", 5, "rotated log files kept")
	f.IntVar(&logOpts.MaxAgeDays, "log-max-age", 28, "days rotated log files are kept")
	bindTLS(cmd, &cfg)
	return cmd
}

func bindTLS(cmd *cobra.Command, cfg *bootstrap.Config) {
	f := cmd.Flags()
	f.BoolVar(&cfg.TLSEnable, "tls-enable", false, "enable TLS for the management transport")
	f.StringVar(&cfg.TLSCA, "tls-ca", "", "path to CA cert (PEM); enables client verification on servers")
	f.StringVar(&cfg.TLSCert, "tls-cert", "", "path to certificate (PEM)")
	f.StringVar(&cfg.TLSKey, "tls-key", "", "path to private key (PEM)")
	f.BoolVar(&cfg.TLSSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	f.StringVar(&cfg.TLSServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

// clientFlags are shared by commands that talk to a running replica.
type clientFlags struct {
	addr    string
	timeout time.Duration
	cfg     bootstrap.Config
}

func (c *clientFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a replica (host:port)")
	f.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
	f.StringVar(&c.cfg.MgmtProto, "mgmt-proto", bootstrap.ProtoHTTP, "management RPC protocol: http|grpc")
	bindTLS(cmd, &c.cfg)
}

func (c *clientFlags) client() (transport.RPCClient, context.Context, context.CancelFunc, error) {
	cli, err := bootstrap.NewClient(c.cfg, c.timeout)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	return cli, ctx, func() { cancel(); _ = cli.Close() }, nil
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch replica status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, done, err := cf.client()
			if err != nil {
				return err
			}
			defer done()
			data, err := cli.GetStatus(ctx, cf.addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = out.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				_, _ = io.WriteString(out, "\n")
			}
			return nil
		},
	}
	cf.bind(cmd)
	return cmd
}

// NewWriteCmd returns the "write" command.
func NewWriteCmd() *cobra.Command {
	var (
		cf         clientFlags
		key, value string
		del        bool
		raw        string
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Replicate a put or delete and print the committed outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			switch {
			case raw != "":
				data = []byte(raw)
			case key == "":
				return fmt.Errorf("missing required flag: --key (or --raw)")
			case del:
				data, err = kv.Delete(key)
			default:
				data, err = kv.Put(key, value)
			}
			if err != nil {
				return err
			}
			cli, ctx, done, err := cf.client()
			if err != nil {
				return err
			}
			defer done()
			resp, err := cli.PostWrite(ctx, cf.addr, transport.WriteRequest{Data: data})
			if encErr := json.NewEncoder(cmd.OutOrStdout()).Encode(resp); encErr != nil {
				return encErr
			}
			if err != nil {
				return fmt.Errorf("write error: %w", err)
			}
			return nil
		},
	}
	cf.bind(cmd)
	cmd.Flags().StringVar(&key, "key", "", "key to write")
	cmd.Flags().StringVar(&value, "value", "", "value to put")
	cmd.Flags().BoolVar(&del, "delete", false, "delete the key instead of putting a value")
	cmd.Flags().StringVar(&raw, "raw", "", "raw state machine command (JSON)")
	return cmd
}

// NewReadCmd returns the "read" command.
func NewReadCmd() *cobra.Command {
	var (
		cf  clientFlags
		key string
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read a key from a replica's applied state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("missing required flag: --key")
			}
			cli, ctx, done, err := cf.client()
			if err != nil {
				return err
			}
			defer done()
			resp, err := cli.GetRead(ctx, cf.addr, transport.ReadRequest{Key: key})
			if err != nil {
				return fmt.Errorf("read error: %w", err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
		},
	}
	cf.bind(cmd)
	cmd.Flags().StringVar(&key, "key", "", "key to read (required)")
	return cmd
}

// NewQuorumCmd returns the "quorum" command.
func NewQuorumCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "quorum",
		Short: "Print the committed quorum",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, done, err := cf.client()
			if err != nil {
				return err
			}
			defer done()
			q, err := cli.GetQuorum(ctx, cf.addr)
			if err != nil {
				return fmt.Errorf("quorum error: %w", err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(q)
		},
	}
	cf.bind(cmd)
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
