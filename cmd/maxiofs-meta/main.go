// maxiofs-meta administers the maxiofs metadata and accounting engine.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxiofs/maxiofs/internal/config"
	"github.com/maxiofs/maxiofs/internal/logging/loki"
	"github.com/maxiofs/maxiofs/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// app carries state shared by all subcommands of one invocation.
type app struct {
	cfgFile  string
	dataDir  string
	logLevel string
	jsonOut  bool

	serviceRun  bool
	serviceName string

	cfg    *config.Config
	logger zerolog.Logger
	loki   *loki.Writer
	eng    *engine
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{}
	rootCmd := newRootCmd(a)
	err := rootCmd.ExecuteContext(ctx)
	a.close()
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "maxiofs-meta",
		Short: "MaxIOFS metadata and storage accounting engine",
		Long: `maxiofs-meta manages tenants, buckets and objects in the MaxIOFS
metadata store, enforces per-tenant quotas and reports storage usage.

Examples:
  # Create a tenant with a 10 GiB quota
  maxiofs-meta tenant create acme --name "Acme Corp" --max-storage 10Gi

  # Create a versioned bucket and upload an object
  maxiofs-meta bucket create acme photos --versioning
  maxiofs-meta object put acme photos cat.jpg ./cat.jpg

  # Show storage usage per bucket
  maxiofs-meta metrics storage --tenant acme

  # Run the maintenance scheduler and admin endpoint
  maxiofs-meta run`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory when no config file is given")
	rootCmd.PersistentFlags().StringVarP(&a.logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&a.serviceRun, "service-run", false, "run under the service manager (internal use)")
	rootCmd.PersistentFlags().StringVar(&a.serviceName, "service-name", svc.DefaultServiceName, "service name when run by the service manager (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")
	_ = rootCmd.PersistentFlags().MarkHidden("service-name")
	rootCmd.MarkFlagsMutuallyExclusive("config", "data-dir")

	rootCmd.AddCommand(
		newTenantCmd(a),
		newUserCmd(a),
		newKeyCmd(a),
		newBucketCmd(a),
		newObjectCmd(a),
		newMetricsCmd(a),
		newRecomputeCmd(a),
		newPurgeCmd(a),
		newResumeCmd(a),
		newExpireCmd(a),
		newBackupCmd(a),
		newRestoreCmd(a),
		newStatsCmd(a),
		newRunCmd(a),
		newServiceCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "maxiofs-meta %s (commit %s, built %s)\n", Version, Commit, BuildTime)
			},
		},
	)
	return rootCmd
}

// init loads configuration and sets up logging.
func (a *app) init(stderr io.Writer) error {
	var cfg *config.Config
	if a.cfgFile != "" {
		var err error
		cfg, err = config.Load(a.cfgFile)
		if err != nil {
			return err
		}
	} else {
		cfg = config.ForDataDir(a.dataDir)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.setupLogging(stderr)
	return nil
}

func (a *app) setupLogging(stderr io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(a.cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = stderr
	if a.cfg.Log.Format == "console" {
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}
	if lc := a.cfg.Log.Loki; lc.URL != "" {
		a.loki = loki.NewWriter(loki.Config{
			URL:           lc.URL,
			Labels:        lc.Labels,
			BatchSize:     lc.BatchSize,
			FlushInterval: lc.FlushInterval,
			Gzip:          lc.Gzip,
		})
		a.loki.Start()
		out = zerolog.MultiLevelWriter(out, a.loki)
	}
	a.logger = zerolog.New(out).With().Timestamp().Logger()
	log.Logger = a.logger
}

// engine opens the metadata engine on first use.
func (a *app) engine() (*engine, error) {
	if a.eng != nil {
		return a.eng, nil
	}
	eng, err := openEngine(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.eng = eng
	return eng, nil
}

// close releases the engine and flushes shipped logs.
func (a *app) close() {
	if a.eng != nil {
		if err := a.eng.Close(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to close metadata store")
		}
		a.eng = nil
	}
	if a.loki != nil {
		a.loki.Stop()
		a.loki = nil
	}
}
