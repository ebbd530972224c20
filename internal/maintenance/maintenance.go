// Package maintenance runs the periodic background jobs that keep the
// metadata consistent: ledger recompute, metrics refresh, orphan purge,
// cascade resume, reservation expiry and noncurrent version expiry.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/maxiofs/maxiofs/internal/accounting"
	"github.com/maxiofs/maxiofs/internal/config"
	"github.com/maxiofs/maxiofs/internal/lifecycle"
	"github.com/maxiofs/maxiofs/internal/metrics"
	"github.com/maxiofs/maxiofs/internal/quota"
	"github.com/rs/zerolog"
)

// Job names.
const (
	JobRecompute      = "recompute"
	JobMetrics        = "metrics"
	JobPurge          = "purge"
	JobResume         = "resume"
	JobReservations   = "reservations"
	JobExpireVersions = "expire-versions"
)

// expireInterval paces the noncurrent version sweep.
const expireInterval = time.Hour

// Options configures a Scheduler.
type Options struct {
	Manager    *lifecycle.Manager
	Aggregator *accounting.Aggregator // nil disables the metrics job
	Config     config.MaintenanceConfig
	Metrics    *metrics.JobMetrics
	Logger     zerolog.Logger
}

// ErrUnknownJob is returned by Run for a job name that is not scheduled.
var ErrUnknownJob = errors.New("unknown maintenance job")

// Scheduler owns the gocron scheduler and the job table.
type Scheduler struct {
	sched   gocron.Scheduler
	mgr     *lifecycle.Manager
	ledger  *quota.Ledger
	agg     *accounting.Aggregator
	cfg     config.MaintenanceConfig
	metrics *metrics.JobMetrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]func(context.Context) error

	stopOnce sync.Once
	stopErr  error
}

// New builds a scheduler with every enabled job registered. Jobs start
// running once Start is called.
func New(opts Options) (*Scheduler, error) {
	if opts.Manager == nil {
		return nil, errors.New("maintenance: manager is required")
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sched:   sched,
		mgr:     opts.Manager,
		ledger:  opts.Manager.Ledger(),
		agg:     opts.Aggregator,
		cfg:     opts.Config,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "maintenance").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]func(context.Context) error),
	}

	type entry struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}
	entries := []entry{
		{JobRecompute, s.cfg.RecomputeInterval, s.recompute},
		{JobPurge, s.cfg.PurgeInterval, s.purge},
		{JobResume, s.cfg.ResumeInterval, s.resume},
		{JobReservations, s.cfg.ReservationMaxAge, s.expireReservations},
	}
	if s.agg != nil {
		entries = append(entries, entry{JobMetrics, s.cfg.MetricsInterval, s.refreshMetrics})
	}
	if s.cfg.NoncurrentVersionExpiry > 0 {
		entries = append(entries, entry{JobExpireVersions, expireInterval, s.expireVersions})
	}

	for _, e := range entries {
		if e.interval <= 0 {
			s.logger.Debug().Str("job", e.name).Msg("Job disabled")
			continue
		}
		if err := s.add(e.name, e.interval, e.fn); err != nil {
			cancel()
			_ = sched.Shutdown()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name string, interval time.Duration, fn func(context.Context) error) error {
	s.mu.Lock()
	s.jobs[name] = fn
	s.mu.Unlock()

	_, err := s.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func(ctx context.Context) { _ = s.Run(ctx, name) }, s.ctx),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Info().Str("job", name).Dur("interval", interval).Msg("Added maintenance job")
	return nil
}

// Jobs returns the names of the scheduled jobs, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info().Int("jobs", len(s.Jobs())).Msg("Starting maintenance scheduler")
	s.sched.Start()
}

// Shutdown cancels running jobs and stops the scheduler. Later calls return
// the first result.
func (s *Scheduler) Shutdown() error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping maintenance scheduler")
		s.cancel()
		s.stopErr = s.sched.Shutdown()
	})
	return s.stopErr
}

// Run executes one job synchronously. A panicking job is reported as an
// error rather than taking the process down.
func (s *Scheduler) Run(ctx context.Context, name string) (err error) {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
		took := time.Since(start)
		s.metrics.Observe(name, took, err)
		if err != nil {
			s.logger.Error().Err(err).Str("job", name).Dur("took", took).Msg("Maintenance job failed")
			return
		}
		s.logger.Debug().Str("job", name).Dur("took", took).Msg("Maintenance job finished")
	}()
	return fn(ctx)
}

func (s *Scheduler) recompute(ctx context.Context) error {
	results, err := s.ledger.RecomputeAll(ctx)
	for _, r := range results {
		if r.Drifted() {
			s.logger.Warn().
				Str("tenant", r.TenantID).
				Int64("bytes_before", r.Before.StorageBytes).
				Int64("bytes_after", r.After.StorageBytes).
				Int("buckets_repaired", len(r.Repaired)).
				Msg("Quota ledger drift repaired")
		}
	}
	return err
}

func (s *Scheduler) refreshMetrics(ctx context.Context) error {
	return s.agg.Refresh(ctx)
}

func (s *Scheduler) purge(ctx context.Context) error {
	stats, err := s.mgr.PurgeOrphans(ctx)
	if stats.Purged > 0 || stats.Remaining > 0 {
		s.logger.Info().Int("purged", stats.Purged).Int("remaining", stats.Remaining).Msg("Orphan purge sweep")
	}
	return err
}

func (s *Scheduler) resume(ctx context.Context) error {
	_, err := s.mgr.ResumePendingDeletes(ctx)
	return err
}

func (s *Scheduler) expireReservations(ctx context.Context) error {
	n, err := s.ledger.ExpireReservations(ctx, s.cfg.ReservationMaxAge)
	if n > 0 {
		s.logger.Warn().Int("expired", n).Msg("Rolled back stale quota reservations")
	}
	return err
}

func (s *Scheduler) expireVersions(ctx context.Context) error {
	n, err := s.mgr.ExpireNoncurrentVersions(ctx, s.cfg.NoncurrentVersionExpiry)
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("Expired noncurrent versions")
	}
	return err
}
