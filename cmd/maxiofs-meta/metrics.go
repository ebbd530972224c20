package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/maxiofs/maxiofs/internal/accounting"
	"github.com/maxiofs/maxiofs/internal/quota"
	"github.com/spf13/cobra"
)

func newMetricsCmd(a *app) *cobra.Command {
	var tenant string
	scope := func(cmd *cobra.Command) accounting.Scope {
		if cmd.Flags().Changed("tenant") {
			return accounting.Tenant(tenantArg(tenant))
		}
		return accounting.AllTenants()
	}

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Report storage usage",
		Long: `Report storage usage totals computed from bucket aggregates.

Examples:
  # Totals over every bucket
  maxiofs-meta metrics storage

  # The ten largest buckets of one tenant
  maxiofs-meta metrics top --tenant acme -n 10

  # Storage totals alongside host figures
  maxiofs-meta metrics system`,
	}
	metricsCmd.PersistentFlags().StringVar(&tenant, "tenant", "", `limit to one tenant ("-" for global buckets)`)

	storageCmd := &cobra.Command{
		Use:   "storage",
		Short: "Show storage totals and per-bucket figures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			sm, err := eng.agg.StorageMetrics(cmd.Context(), scope(cmd))
			if err != nil {
				return err
			}
			return a.emit(cmd, sm, func(w io.Writer) error {
				if err := printStorageTotals(w, sm); err != nil {
					return err
				}
				if len(sm.BucketMetrics) == 0 {
					return nil
				}
				_, _ = fmt.Fprintln(w)
				return printBucketMetrics(w, sm.BucketMetrics)
			})
		},
	}

	var topN int
	topCmd := &cobra.Command{
		Use:   "top",
		Short: "Show the largest buckets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			sm, err := eng.agg.StorageMetrics(cmd.Context(), scope(cmd))
			if err != nil {
				return err
			}
			top := sm.TopBuckets(topN)
			return a.emit(cmd, top, func(w io.Writer) error {
				if len(top) == 0 {
					_, err := fmt.Fprintln(w, "No buckets found")
					return err
				}
				return printBucketMetrics(w, top)
			})
		},
	}
	topCmd.Flags().IntVarP(&topN, "count", "n", 10, "number of buckets to show")

	systemCmd := &cobra.Command{
		Use:   "system",
		Short: "Show storage totals with host figures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			sys, err := eng.agg.SystemStorageMetrics(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, sys, func(w io.Writer) error {
				if err := printStorageTotals(w, &sys.Storage); err != nil {
					return err
				}
				h := sys.Host
				tw := newTable(w)
				_, _ = fmt.Fprintf(tw, "Storage used:\t%.1f%% of disk\n", sys.StorageUsedPercent)
				_, _ = fmt.Fprintf(tw, "Blob bytes:\t%s\n", formatBytes(sys.BlobBytes))
				_, _ = fmt.Fprintf(tw, "Purge queue:\t%d\n", sys.PurgeQueueLength)
				_, _ = fmt.Fprintf(tw, "CPU:\t%.1f%%\n", h.CPUUsagePercent)
				_, _ = fmt.Fprintf(tw, "Memory:\t%s / %s\n", humanize.IBytes(h.MemoryUsedBytes), humanize.IBytes(h.MemoryTotalBytes))
				_, _ = fmt.Fprintf(tw, "Disk:\t%s / %s\n", humanize.IBytes(h.DiskUsedBytes), humanize.IBytes(h.DiskTotalBytes))
				_, _ = fmt.Fprintf(tw, "Uptime:\t%s\n", h.Uptime.Round(time.Second))
				_, _ = fmt.Fprintf(tw, "Goroutines:\t%d\n", sys.Goroutines)
				_, _ = fmt.Fprintf(tw, "Heap:\t%s\n", humanize.IBytes(sys.HeapAllocBytes))
				return tw.Flush()
			})
		},
	}

	tenantsCmd := &cobra.Command{
		Use:   "tenants",
		Short: "Show quota usage for every tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			usages, err := eng.agg.TenantUsages(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, usages, func(w io.Writer) error {
				return printTenantUsages(w, usages)
			})
		},
	}

	metricsCmd.AddCommand(storageCmd, topCmd, systemCmd, tenantsCmd)
	return metricsCmd
}

func printStorageTotals(w io.Writer, sm *accounting.StorageMetrics) error {
	tw := newTable(w)
	_, _ = fmt.Fprintf(tw, "Buckets:\t%s\n", humanize.Comma(sm.TotalBuckets))
	_, _ = fmt.Fprintf(tw, "Objects:\t%s\n", humanize.Comma(sm.TotalObjects))
	_, _ = fmt.Fprintf(tw, "Total size:\t%s\n", formatBytes(sm.TotalSizeBytes))
	_, _ = fmt.Fprintf(tw, "Average object:\t%s\n", formatBytes(sm.AverageObjectSize))
	return tw.Flush()
}

func printBucketMetrics(w io.Writer, buckets []accounting.BucketMetric) error {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "TENANT\tBUCKET\tOBJECTS\tSIZE")
	for _, b := range buckets {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", orDash(b.TenantID), b.Name, b.ObjectCount, formatBytes(b.SizeBytes))
	}
	return tw.Flush()
}

func printTenantUsages(w io.Writer, usages []*quota.Usage) error {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "TENANT\tSTORAGE\tLIMIT\tOBJECTS\tBUCKETS\tKEYS")
	for _, u := range usages {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%s\t%d/%s\n",
			u.TenantID, formatBytes(u.CurrentStorageBytes), formatLimit(u.MaxStorageBytes, true),
			u.CurrentObjects,
			u.CurrentBuckets, formatLimit(u.MaxBuckets, false),
			u.CurrentAccessKeys, formatLimit(u.MaxAccessKeys, false))
	}
	return tw.Flush()
}
