package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maxiofs/maxiofs/internal/accounting"
	"github.com/maxiofs/maxiofs/internal/admin"
	"github.com/maxiofs/maxiofs/internal/maintenance"
	"github.com/maxiofs/maxiofs/internal/metrics"
	"github.com/maxiofs/maxiofs/internal/svc"
	"github.com/maxiofs/maxiofs/internal/tracing"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(a *app) *cobra.Command {
	var job string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the maintenance scheduler and admin endpoint",
		Long: `Run the background maintenance jobs until interrupted: ledger recompute,
blob purge retries, resumption of interrupted deletions, reservation expiry and,
when enabled, noncurrent version expiry. With admin.enabled set, an HTTP
endpoint on admin.listen serves /health, Prometheus /metrics, read-only usage
queries under /api/v1 and, with admin.trace, runtime trace snapshots on
/debug/trace.

Use --job to run a single job once and exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if job != "" {
				return a.runJob(cmd, job)
			}
			if a.serviceRun {
				return svc.Run(&svc.Program{Run: a.serve, Logger: a.logger}, a.serviceConfig(a.serviceName, ""))
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "run one job once and exit")
	return cmd
}

// scheduler builds the maintenance scheduler. Metrics are registered only
// when the admin endpoint will expose them.
func (a *app) scheduler(eng *engine) (*maintenance.Scheduler, error) {
	var jm *metrics.JobMetrics
	var agg *accounting.Aggregator
	if a.cfg.Admin.Enabled {
		if err := eng.withMetrics(accounting.NewMetrics(metrics.Registry), a.logger); err != nil {
			return nil, err
		}
		jm = metrics.NewJobMetrics(metrics.Registry)
		metrics.InitBuildInfo(metrics.Registry, Version)
		agg = eng.agg
	}
	return maintenance.New(maintenance.Options{
		Manager:    eng.mgr,
		Aggregator: agg,
		Config:     a.cfg.Maintenance,
		Metrics:    jm,
		Logger:     a.logger,
	})
}

func (a *app) runJob(cmd *cobra.Command, job string) error {
	eng, err := a.engine()
	if err != nil {
		return err
	}
	sched, err := a.scheduler(eng)
	if err != nil {
		return err
	}
	defer func() { _ = sched.Shutdown() }()

	if err := sched.Run(cmd.Context(), job); err != nil {
		if errors.Is(err, maintenance.ErrUnknownJob) {
			return fmt.Errorf("%w (scheduled: %s)", err, strings.Join(sched.Jobs(), ", "))
		}
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Job %s finished\n", job)
	return err
}

// serve runs the scheduler and the admin endpoint until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	eng, err := a.engine()
	if err != nil {
		return err
	}
	sched, err := a.scheduler(eng)
	if err != nil {
		return err
	}
	defer func() { _ = sched.Shutdown() }()

	// Pick up deletions a previous process left half done before serving
	// anything.
	if _, err := eng.mgr.ResumePendingDeletes(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Some pending deletions could not be resumed")
	}

	var srv *admin.Server
	if a.cfg.Admin.Enabled {
		var rec *tracing.Recorder
		if a.cfg.Admin.Trace {
			rec, err = tracing.Start(a.cfg.Admin.TraceBuffer.Bytes())
			if err != nil {
				a.logger.Warn().Err(err).Msg("Flight recorder unavailable")
			} else {
				defer rec.Stop()
			}
		}
		srv, err = admin.NewServer(admin.Options{
			Accounting: eng.agg,
			Quotas:     eng.mgr,
			Recorder:   rec,
			Logger:     a.logger,
		})
		if err != nil {
			return err
		}
	}

	a.logger.Info().
		Strs("jobs", sched.Jobs()).
		Str("version", Version).
		Msg("Maintenance scheduler started")
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error {
			return srv.ListenAndServe(gctx, a.cfg.Admin.Listen)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()
	a.logger.Info().Msg("Shutting down")
	return err
}
