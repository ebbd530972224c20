package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/maxiofs/maxiofs/internal/accounting"
	"github.com/maxiofs/maxiofs/internal/lifecycle"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/spf13/cobra"
)

func parseVersioning(s string) (meta.VersioningStatus, error) {
	switch strings.ToLower(s) {
	case "enabled", "on":
		return meta.VersioningEnabled, nil
	case "suspended":
		return meta.VersioningSuspended, nil
	default:
		return "", fmt.Errorf("invalid versioning status %q (want enabled or suspended)", s)
	}
}

func versioningLabel(v meta.VersioningStatus) string {
	if v == meta.VersioningOff {
		return "Off"
	}
	return string(v)
}

func newBucketCmd(a *app) *cobra.Command {
	bucketCmd := &cobra.Command{
		Use:   "bucket",
		Short: "Manage buckets",
		Long: `Manage buckets. A tenant id of "-" addresses the global scope.

Examples:
  # Create a versioned bucket
  maxiofs-meta bucket create acme photos --versioning

  # List a tenant's buckets with their sizes
  maxiofs-meta bucket list acme

  # Delete a bucket and all its objects
  maxiofs-meta bucket delete acme photos --force`,
	}

	var (
		versioned      bool
		encryptionFile string
	)
	createCmd := &cobra.Command{
		Use:   "create <tenant-id> <bucket>",
		Short: "Create a bucket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			var opts lifecycle.BucketOptions
			if versioned {
				opts.Versioning = meta.VersioningEnabled
			}
			if encryptionFile != "" {
				data, err := os.ReadFile(encryptionFile)
				if err != nil {
					return fmt.Errorf("read encryption config: %w", err)
				}
				opts.Config.Encryption = data
			}
			b, err := eng.mgr.CreateBucket(cmd.Context(), tenantArg(args[0]), args[1], opts)
			if err != nil {
				return err
			}
			return a.emit(cmd, b, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Created bucket %s\n", b.Name)
				return err
			})
		},
	}
	createCmd.Flags().BoolVar(&versioned, "versioning", false, "enable versioning")
	createCmd.Flags().StringVar(&encryptionFile, "encryption", "", "file holding the encryption configuration")

	listCmd := &cobra.Command{
		Use:     "list [tenant-id]",
		Aliases: []string{"ls"},
		Short:   "List buckets",
		Long:    `List a tenant's buckets, or every bucket when no tenant is given.`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			scope := accounting.AllTenants()
			if len(args) == 1 {
				scope = accounting.Tenant(tenantArg(args[0]))
			}
			summaries, err := eng.agg.BucketSummaries(cmd.Context(), scope)
			if err != nil {
				return err
			}
			return a.emit(cmd, summaries, func(w io.Writer) error {
				if len(summaries) == 0 {
					_, err := fmt.Fprintln(w, "No buckets found")
					return err
				}
				tw := newTable(w)
				_, _ = fmt.Fprintln(tw, "TENANT\tNAME\tOBJECTS\tSIZE\tVERSIONING\tENCRYPTED\tCREATED")
				for _, s := range summaries {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%t\t%s\n",
						orDash(s.TenantID), s.Name, s.ObjectCount, formatBytes(s.SizeBytes),
						versioningLabel(s.VersioningStatus), s.EncryptionEnabled, formatTime(s.CreationDate))
				}
				return tw.Flush()
			})
		},
	}

	versioningCmd := &cobra.Command{
		Use:   "versioning <tenant-id> <bucket> <enabled|suspended>",
		Short: "Change a bucket's versioning status",
		Long: `Enable or suspend versioning. A bucket that has had versioning enabled
can only be suspended, never turned off again.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := parseVersioning(args[2])
			if err != nil {
				return err
			}
			eng, err := a.engine()
			if err != nil {
				return err
			}
			if err := eng.mgr.SetBucketVersioning(cmd.Context(), tenantArg(args[0]), args[1], status); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Versioning for %s is now %s\n", args[1], status)
			return err
		},
	}

	var force bool
	deleteCmd := &cobra.Command{
		Use:     "delete <tenant-id> <bucket>",
		Aliases: []string{"rm"},
		Short:   "Delete a bucket",
		Long: `Delete a bucket. Without --force the bucket must be empty. With --force
every object version is removed and its content purged.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			report, err := eng.mgr.DeleteBucket(cmd.Context(), tenantArg(args[0]), args[1], force)
			return a.printReport(cmd, report, err)
		},
	}
	deleteCmd.Flags().BoolVarP(&force, "force", "f", false, "delete all objects first")

	bucketCmd.AddCommand(createCmd, listCmd, versioningCmd, deleteCmd)
	return bucketCmd
}
