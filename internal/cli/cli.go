// Package cli implements the command-line interface for econstats.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"econstats/internal/config"
	"econstats/internal/logging"
	"econstats/internal/metrics"
	"econstats/internal/metrics/datadog"
	"econstats/internal/pipeline"
	"econstats/internal/storage"
	_ "econstats/internal/storage/all"
	"econstats/pkg/version"
)

// app holds the global flags and the resolved configuration of one
// invocation.
type app struct {
	cfgFile     string
	storageKind string
	dsn         string
	logLevel    string
	dataDir     string

	cfg          *config.Config
	closeMetrics func()
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	defer a.shutdown()
	return a.rootCmd().ExecuteContext(ctx)
}

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	return (&app{}).rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "etl",
		Short: "Economic statistics ETL into a star schema",
		Long: `etl downloads published price index and retail trade tables, reshapes
them into canonical rows and loads them into a star schema of four
dimensions and two fact tables. The loaded schema can then be queried from
the command line, served over HTTP or exported to parquet.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "",
		"config file (default: ./econstats.yaml)")
	root.PersistentFlags().StringVar(&a.storageKind, "storage-kind", "",
		"storage backend: "+strings.Join(storage.Kinds(), ", "))
	root.PersistentFlags().StringVar(&a.dsn, "dsn", "",
		"storage connection string")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "",
		"directory holding the raw table copies")

	root.AddCommand(
		a.runCmd(),
		a.fetchCmd(),
		a.initSchemaCmd(),
		a.seedCmd(),
		a.queryCmd(),
		a.exportCmd(),
		a.serveCmd(),
		a.probeCmd(),
		versionCmd(),
	)
	return root
}

func (a *app) initConfig(ctx context.Context) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}

	// Override with CLI flags
	if a.storageKind != "" {
		cfg.Storage.Kind = a.storageKind
	}
	if a.dsn != "" {
		cfg.Storage.DSN = a.dsn
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.dataDir != "" {
		cfg.Source.DataDir = a.dataDir
	}
	a.cfg = cfg

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})

	if a.closeMetrics == nil {
		a.closeMetrics = initMetrics(ctx, cfg.Metrics)
	}
	return nil
}

func (a *app) shutdown() {
	if a.closeMetrics != nil {
		a.closeMetrics()
	}
}

// initMetrics installs the Datadog backend when enabled. The returned func
// stops its flush loop, submits what is buffered and restores the no-op
// backend. An init failure leaves metrics disabled.
func initMetrics(ctx context.Context, mc config.MetricsConfig) func() {
	if !mc.Enabled {
		return func() {}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := datadog.NewBackend(context.WithoutCancel(ctx), datadog.Options{
		JobName:    mc.Job,
		Env:        mc.Env,
		Tags:       mc.Tags,
		FlushEvery: mc.FlushEvery,
	})
	if err != nil {
		logging.Warn().Err(err).Msg("metrics: datadog backend unavailable; metrics disabled")
		return func() {}
	}
	logging.Info().Str("job", mc.Job).Str("env", mc.Env).Strs("tags", mc.Tags).Msg("metrics: datadog backend enabled")
	metrics.SetBackend(b)
	return func() {
		if err := b.Close(); err != nil {
			logging.Warn().Err(err).Msg("metrics: datadog close/flush error")
		}
		metrics.SetBackend(nil)
	}
}

// openStore connects to the configured backend.
func (a *app) openStore(ctx context.Context) (storage.MultiRepository, error) {
	sc := a.cfg.Storage
	repo, err := storage.NewMulti(ctx, storage.MultiConfig{Kind: sc.Kind, DSN: sc.DSN, MaxConns: sc.MaxConns})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", pipeline.ErrConnection, sc.Kind, err)
	}
	return repo, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.Info())
		},
	}
}
