package main

import (
	"fmt"

	"github.com/maxiofs/maxiofs/internal/accounting"
	"github.com/maxiofs/maxiofs/internal/blob"
	"github.com/maxiofs/maxiofs/internal/config"
	"github.com/maxiofs/maxiofs/internal/lifecycle"
	"github.com/maxiofs/maxiofs/internal/logging/audit"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/quota"
	"github.com/maxiofs/maxiofs/internal/version"
	"github.com/rs/zerolog"
)

// engine wires the metadata store, quota ledger, lifecycle manager and
// accounting aggregator over one data directory.
type engine struct {
	store *meta.Store
	mgr   *lifecycle.Manager
	agg   *accounting.Aggregator
	blobs *blob.FSStore
	host  *accounting.Host
}

func openEngine(cfg *config.Config, logger zerolog.Logger) (*engine, error) {
	masterKey, err := config.EnsureMasterKey(cfg.Blobs.MasterKeyFile)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.NewFSStore(cfg.Blobs.Dir, masterKey)
	if err != nil {
		return nil, err
	}

	store, err := meta.Open(meta.Options{
		Path:    cfg.Metadata.Path,
		NoSync:  cfg.Metadata.NoSync,
		Timeout: cfg.Metadata.LockTimeout,
		Retry: meta.RetryPolicy{
			MaxAttempts:     cfg.Metadata.Retry.MaxAttempts,
			InitialInterval: cfg.Metadata.Retry.InitialInterval,
			MaxInterval:     cfg.Metadata.Retry.MaxInterval,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	ledger := quota.NewLedger(store, logger)
	mgr, err := lifecycle.New(lifecycle.Options{
		Store:             store,
		Ledger:            ledger,
		Chain:             version.NewChain(),
		Blobs:             blobs,
		Audit:             audit.NewLogger(logger),
		Logger:            logger,
		GlobalBucketNames: cfg.Lifecycle.GlobalBucketNames,
		LockStripes:       cfg.Lifecycle.LockStripes,
		PurgeAttempts:     cfg.Lifecycle.PurgeAttempts,
		PurgeInterval:     cfg.Lifecycle.PurgeInterval,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create lifecycle manager: %w", err)
	}

	host := accounting.NewHost(cfg.Blobs.Dir)
	agg, err := accounting.New(accounting.Options{
		Store:  store,
		Ledger: ledger,
		Host:   host,
		Blobs:  blobs,
		Logger: logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &engine{store: store, mgr: mgr, agg: agg, blobs: blobs, host: host}, nil
}

// withMetrics rebuilds the aggregator so Refresh publishes to m.
func (e *engine) withMetrics(m *accounting.Metrics, logger zerolog.Logger) error {
	agg, err := accounting.New(accounting.Options{
		Store:   e.store,
		Ledger:  e.mgr.Ledger(),
		Host:    e.host,
		Blobs:   e.blobs,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	e.agg = agg
	return nil
}

func (e *engine) Close() error {
	return e.store.Close()
}
