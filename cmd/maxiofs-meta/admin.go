package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/quota"
	"github.com/spf13/cobra"
)

func newRecomputeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute [tenant-id]",
		Short: "Rebuild usage counters from the metadata",
		Long: `Rebuild tenant usage counters and bucket aggregates from a full scan of
the object metadata, repairing any drift. Without a tenant id every tenant is
recomputed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			ledger := eng.mgr.Ledger()
			var results []*quota.RecomputeResult
			if len(args) == 1 {
				res, err := ledger.Recompute(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				results = []*quota.RecomputeResult{res}
			} else {
				results, err = ledger.RecomputeAll(cmd.Context())
				if err != nil {
					return err
				}
			}
			return a.emit(cmd, results, func(w io.Writer) error {
				tw := newTable(w)
				_, _ = fmt.Fprintln(tw, "TENANT\tSTORAGE\tOBJECTS\tBUCKETS\tREPAIRED")
				for _, r := range results {
					status := "ok"
					if r.Drifted() {
						status = fmt.Sprintf("drift (%d buckets)", len(r.Repaired))
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s -> %s\t%d -> %d\t%d -> %d\t%s\n",
						orDash(r.TenantID),
						formatBytes(r.Before.StorageBytes), formatBytes(r.After.StorageBytes),
						r.Before.ObjectCount, r.After.ObjectCount,
						r.Before.BucketCount, r.After.BucketCount,
						status)
				}
				return tw.Flush()
			})
		},
	}
}

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Retry queued blob purges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			stats, err := eng.mgr.PurgeOrphans(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, stats, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Purged %d blobs, %d remaining\n", stats.Purged, stats.Remaining)
				return err
			})
		},
	}
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Finish interrupted tenant and bucket deletions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			reports, err := eng.mgr.ResumePendingDeletes(cmd.Context())
			if a.jsonOut {
				if perr := printJSON(cmd.OutOrStdout(), reports); perr != nil {
					return perr
				}
				return err
			}
			if len(reports) == 0 && err == nil {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "No pending deletions")
				return err
			}
			for _, r := range reports {
				if perr := a.printReport(cmd, r, nil); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func newExpireCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Remove noncurrent object versions",
		Long: `Remove noncurrent versions and orphaned delete markers older than
--older-than across every bucket. Defaults to the configured
maintenance.noncurrent_version_expiry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			age := olderThan
			if !cmd.Flags().Changed("older-than") {
				age = a.cfg.Maintenance.NoncurrentVersionExpiry
			}
			if age <= 0 {
				return errors.New("no expiry age: pass --older-than or set maintenance.noncurrent_version_expiry")
			}
			eng, err := a.engine()
			if err != nil {
				return err
			}
			n, err := eng.mgr.ExpireNoncurrentVersions(cmd.Context(), age)
			if err != nil {
				return err
			}
			return a.emit(cmd, map[string]int{"expired": n}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Expired %d versions older than %s\n", n, age)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of a noncurrent version")
	return cmd
}

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file|->",
		Short: "Write a compressed snapshot of the metadata store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			if args[0] == "-" {
				_, err := eng.store.Backup(cmd.Context(), cmd.OutOrStdout())
				return err
			}

			tmp, err := os.CreateTemp(filepath.Dir(args[0]), ".backup-*.tmp")
			if err != nil {
				return fmt.Errorf("create backup file: %w", err)
			}
			n, err := eng.store.Backup(cmd.Context(), tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err == nil {
				err = os.Rename(tmp.Name(), args[0])
			}
			if err != nil {
				_ = os.Remove(tmp.Name())
				return err
			}
			a.logger.Info().Str("file", args[0]).Int64("bytes", n).Msg("Metadata backup written")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Backed up %s to %s\n", formatBytes(n), args[0])
			return err
		},
	}
}

func newRestoreCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restore <file|->",
		Short: "Replace the metadata store with a snapshot",
		Long: `Replace the metadata store with a snapshot written by backup. The engine
must not be running. An existing store is only replaced with --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Metadata.Path
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("metadata store %s exists (use --force to replace it)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("create metadata directory: %w", err)
			}

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			if err := meta.Restore(r, path); err != nil {
				return err
			}
			a.logger.Warn().Str("path", path).Msg("Metadata store restored from snapshot")
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Restored metadata store to %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing metadata store")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show metadata store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			st, err := eng.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			tenants, err := eng.mgr.ListTenants(cmd.Context())
			if err != nil {
				return err
			}
			view := struct {
				meta.Stats
				Path    string `json:"path"`
				Tenants int    `json:"tenants"`
			}{st, eng.store.Path(), len(tenants)}
			return a.emit(cmd, view, func(w io.Writer) error {
				tw := newTable(w)
				_, _ = fmt.Fprintf(tw, "Path:\t%s\n", view.Path)
				_, _ = fmt.Fprintf(tw, "File size:\t%s\n", formatBytes(st.FileBytes))
				_, _ = fmt.Fprintf(tw, "Keys:\t%d\n", st.Keys)
				_, _ = fmt.Fprintf(tw, "Tenants:\t%d\n", view.Tenants)
				return tw.Flush()
			})
		},
	}
}
