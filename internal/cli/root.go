// Package cli implements the tripload command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"tripload/internal/config"
	_ "tripload/internal/etl/sources"
	"tripload/internal/logger"
	"tripload/internal/metrics"
	"tripload/internal/secret"
	"tripload/internal/service"
	"tripload/internal/storage"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// NewRootCommand builds the tripload command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "tripload",
		Short: "Load large CSV and Parquet files into a database in fixed-size chunks.",
		Long: `tripload streams delimited text or Parquet files, local or remote and
optionally compressed, into a PostgreSQL, MySQL, SQLite or MongoDB table.

Rows are read in chunks, coerced into a declared schema and appended one
transaction per chunk. The destination table is replaced on every run, so
re-running a load never leaves stale rows behind.

Settings are read from a config file (--config), TRIPLOAD_* environment
variables and flags, in increasing priority.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from (toml, yaml or json).")
	rc.PersistentFlags().String("log.level", "info", "Log level: debug, info, warn or error.")
	rc.PersistentFlags().String("log.format", logger.FormatConsole, "Log format: console or json.")

	rc.AddCommand(newIngestCommand(stdin, stdout, stderr))
	rc.AddCommand(newJobsCommand(stdin, stdout, stderr))
	rc.AddCommand(newServeCommand(stdin, stdout, stderr))
	rc.AddCommand(newMCPCommand(stdin, stdout, stderr))
	rc.AddCommand(newSchemasCommand(stdin, stdout, stderr))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// Execute runs the root command against the process streams and exits
// non-zero on failure.
func Execute() {
	rc := NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rc.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// ── Shared setup ───────────────────────────────────────────

// env is what every command builds from configuration.
type env struct {
	cfg *config.Config
	log *zap.Logger
}

// loadEnv reads configuration for cmd. aliases binds short flag names to
// config keys, e.g. "host" to "sink.host".
func loadEnv(cmd *cobra.Command, aliases map[string]string) (*env, error) {
	v := viper.New()
	for key, name := range aliases {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, errors.Wrapf(err, "bind --%s", name)
		}
	}
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, file, cmd.Flags())
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log}, nil
}

// secrets builds the password lookup chain. Passwords saved for a
// connection win over the configured one unless it was given explicitly.
func (e *env) secrets(explicit bool) secret.SecretStore {
	conn := e.cfg.Connection()
	configured := secret.Static{}
	if e.cfg.Sink.Password != "" {
		configured[conn.SecretKey()] = []byte(e.cfg.Sink.Password)
	}
	saved := secret.Chain{secret.NewKeychain(), secret.NewEnvStore()}
	if explicit {
		return append(secret.Chain{configured}, saved...)
	}
	return append(saved, configured)
}

// openService opens the job store and builds the ingest service on it.
// The returned close func stops watchers and closes the store.
func (e *env) openService(emitter service.EventEmitter, explicitPassword bool) (*service.IngestService, func(), error) {
	var store *storage.IngestStore
	var db *storage.DB
	if e.cfg.Store.Path != "" {
		var err error
		db, err = storage.New(e.cfg.Store.Path)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open job store")
		}
		store = storage.NewIngestStore(db)
	}
	svc := service.NewIngestService(store, e.secrets(explicitPassword), emitter, e.log)
	return svc, func() {
		svc.Stop()
		if db != nil {
			if err := db.Close(); err != nil {
				e.log.Warn("close job store", zap.Error(err))
			}
		}
		_ = e.log.Sync()
	}, nil
}

// withMetrics registers a Prometheus recorder on svc when metrics are
// enabled and returns the registry to serve.
func (e *env) withMetrics(svc *service.IngestService) *prometheus.Registry {
	if e.cfg.Metrics.Addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	svc.Metrics = metrics.New(reg)
	return reg
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
