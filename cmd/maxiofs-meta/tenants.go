package main

import (
	"fmt"
	"io"

	"github.com/maxiofs/maxiofs/internal/lifecycle"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/quota"
	"github.com/maxiofs/maxiofs/pkg/bytesize"
	"github.com/spf13/cobra"
)

// quotaFlags binds the limit flags shared by tenant create and tenant quota.
type quotaFlags struct {
	maxStorage    bytesize.Size
	maxBuckets    int64
	maxAccessKeys int64
}

func (q *quotaFlags) register(cmd *cobra.Command) {
	cmd.Flags().Var(&q.maxStorage, "max-storage", "storage limit, e.g. 10Gi (0 = unlimited)")
	cmd.Flags().Int64Var(&q.maxBuckets, "max-buckets", 0, "bucket limit (0 = unlimited)")
	cmd.Flags().Int64Var(&q.maxAccessKeys, "max-access-keys", 0, "access key limit (0 = unlimited)")
}

func (q *quotaFlags) changed(cmd *cobra.Command) bool {
	f := cmd.Flags()
	return f.Changed("max-storage") || f.Changed("max-buckets") || f.Changed("max-access-keys")
}

// limits overlays the flags that were set on base.
func (q *quotaFlags) limits(cmd *cobra.Command, base meta.QuotaLimits) meta.QuotaLimits {
	if cmd.Flags().Changed("max-storage") {
		base.MaxStorageBytes = q.maxStorage.Bytes()
	}
	if cmd.Flags().Changed("max-buckets") {
		base.MaxBuckets = q.maxBuckets
	}
	if cmd.Flags().Changed("max-access-keys") {
		base.MaxAccessKeys = q.maxAccessKeys
	}
	return base
}

// tenantArg maps "-" to the global scope.
func tenantArg(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

func newTenantCmd(a *app) *cobra.Command {
	tenantCmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants and their quotas",
		Long: `Manage tenants, their status and their quota limits.

Examples:
  # Create a tenant with the default quota from the config file
  maxiofs-meta tenant create acme --name "Acme Corp"

  # Raise the storage limit
  maxiofs-meta tenant quota acme --max-storage 1Ti

  # Delete a tenant and everything it owns
  maxiofs-meta tenant delete acme --force`,
	}

	var (
		name string
		qf   quotaFlags
	)
	createCmd := &cobra.Command{
		Use:   "create [tenant-id]",
		Short: "Create a tenant",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			spec := lifecycle.TenantSpec{DisplayName: name}
			if len(args) == 1 {
				spec.ID = args[0]
			}
			if spec.DisplayName == "" {
				spec.DisplayName = spec.ID
			}
			d := a.cfg.DefaultQuota
			spec.Quota = qf.limits(cmd, meta.QuotaLimits{
				MaxStorageBytes: d.MaxStorage.Bytes(),
				MaxBuckets:      d.MaxBuckets,
				MaxAccessKeys:   d.MaxAccessKeys,
			})
			t, err := eng.mgr.CreateTenant(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return a.emit(cmd, t, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Created tenant %s (%s)\n", t.ID, t.DisplayName)
				return err
			})
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "display name (defaults to the tenant id)")
	qf.register(createCmd)

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tenants",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			tenants, err := eng.mgr.ListTenants(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, tenants, func(w io.Writer) error {
				if len(tenants) == 0 {
					_, err := fmt.Fprintln(w, "No tenants found")
					return err
				}
				tw := newTable(w)
				_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tMAX STORAGE\tCREATED")
				for _, t := range tenants {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						t.ID, t.DisplayName, t.Status,
						formatLimit(t.Quota.MaxStorageBytes, true),
						formatTime(t.CreatedAt))
				}
				return tw.Flush()
			})
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <tenant-id>",
		Short: "Show a tenant and its usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			t, err := eng.mgr.GetTenant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			usage, err := eng.mgr.TenantQuota(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			view := struct {
				*meta.Tenant
				Usage *quota.Usage `json:"usage"`
			}{t, usage}
			return a.emit(cmd, view, func(w io.Writer) error {
				tw := newTable(w)
				_, _ = fmt.Fprintf(tw, "ID:\t%s\n", t.ID)
				_, _ = fmt.Fprintf(tw, "Name:\t%s\n", t.DisplayName)
				_, _ = fmt.Fprintf(tw, "Status:\t%s\n", t.Status)
				_, _ = fmt.Fprintf(tw, "Created:\t%s\n", formatTime(t.CreatedAt))
				if err := tw.Flush(); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(w)
				return printUsage(w, usage)
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <tenant-id> <active|inactive>",
		Short: "Activate or deactivate a tenant",
		Long: `Set a tenant's status. Inactive tenants can still be read but reject
every write.`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(meta.TenantActive), string(meta.TenantInactive)},
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			status := meta.TenantStatus(args[1])
			if err := eng.mgr.SetTenantStatus(cmd.Context(), args[0], status); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s is now %s\n", args[0], status)
			return err
		},
	}

	var setQuota quotaFlags
	quotaCmd := &cobra.Command{
		Use:   "quota <tenant-id>",
		Short: "Show or change a tenant's quota",
		Long: `Show a tenant's quota and usage. With any limit flag set, the limits are
changed first. Limits may be set below current usage; further writes are then
rejected until usage drops.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var usage *quota.Usage
			if setQuota.changed(cmd) {
				t, err := eng.mgr.GetTenant(ctx, args[0])
				if err != nil {
					return err
				}
				usage, err = eng.mgr.SetTenantQuota(ctx, args[0], setQuota.limits(cmd, t.Quota))
				if err != nil {
					return err
				}
			} else {
				usage, err = eng.mgr.TenantQuota(ctx, args[0])
				if err != nil {
					return err
				}
			}
			return a.emit(cmd, usage, func(w io.Writer) error {
				return printUsage(w, usage)
			})
		},
	}
	setQuota.register(quotaCmd)

	var force bool
	deleteCmd := &cobra.Command{
		Use:     "delete <tenant-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a tenant",
		Long: `Delete a tenant. Without --force the tenant must own no buckets. With
--force its buckets, objects, users and access keys are removed as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			report, err := eng.mgr.DeleteTenant(cmd.Context(), args[0], force)
			return a.printReport(cmd, report, err)
		},
	}
	deleteCmd.Flags().BoolVarP(&force, "force", "f", false, "remove everything the tenant owns")

	tenantCmd.AddCommand(createCmd, listCmd, getCmd, statusCmd, quotaCmd, deleteCmd)
	return tenantCmd
}

func printUsage(w io.Writer, u *quota.Usage) error {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "RESOURCE\tUSED\tPENDING\tLIMIT")
	_, _ = fmt.Fprintf(tw, "storage\t%s\t%s\t%s\n",
		formatBytes(u.CurrentStorageBytes), formatBytes(u.PendingBytes), formatLimit(u.MaxStorageBytes, true))
	_, _ = fmt.Fprintf(tw, "objects\t%d\t-\t-\n", u.CurrentObjects)
	_, _ = fmt.Fprintf(tw, "buckets\t%d\t-\t%s\n", u.CurrentBuckets, formatLimit(u.MaxBuckets, false))
	_, _ = fmt.Fprintf(tw, "access keys\t%d\t-\t%s\n", u.CurrentAccessKeys, formatLimit(u.MaxAccessKeys, false))
	return tw.Flush()
}

// printReport prints a delete report. A partial cascade failure still prints
// the report before the error is returned.
func (a *app) printReport(cmd *cobra.Command, report *lifecycle.DeleteReport, err error) error {
	if report == nil {
		return err
	}
	perr := a.emit(cmd, report, func(w io.Writer) error {
		_, _ = fmt.Fprintf(w, "%s %s: %s\n", report.Operation, report.Target, report.State())
		tw := newTable(w)
		for _, kind := range []string{lifecycle.ItemBucket, lifecycle.ItemObject, lifecycle.ItemUser, lifecycle.ItemAccessKey} {
			if n := report.Removed[kind]; n > 0 {
				_, _ = fmt.Fprintf(tw, "  %s removed:\t%d\n", kind, n)
			}
		}
		if report.Versions > 0 {
			_, _ = fmt.Fprintf(tw, "  versions removed:\t%d\n", report.Versions)
		}
		_, _ = fmt.Fprintf(tw, "  blobs purged:\t%d\n", report.BlobsPurged)
		for _, f := range report.Failed {
			_, _ = fmt.Fprintf(tw, "  failed:\t%s\n", f.Error())
		}
		return tw.Flush()
	})
	if err != nil {
		return err
	}
	return perr
}

func newUserCmd(a *app) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage tenant users",
	}

	userCmd.AddCommand(
		&cobra.Command{
			Use:   "create <tenant-id> <username>",
			Short: "Create a user",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := a.engine()
				if err != nil {
					return err
				}
				u, err := eng.mgr.CreateUser(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return a.emit(cmd, u, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Created user %s (%s)\n", u.Username, u.ID)
					return err
				})
			},
		},
		&cobra.Command{
			Use:     "list <tenant-id>",
			Aliases: []string{"ls"},
			Short:   "List a tenant's users",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := a.engine()
				if err != nil {
					return err
				}
				users, err := eng.mgr.ListUsers(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.emit(cmd, users, func(w io.Writer) error {
					tw := newTable(w)
					_, _ = fmt.Fprintln(tw, "ID\tUSERNAME\tCREATED")
					for _, u := range users {
						_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", u.ID, u.Username, formatTime(u.CreatedAt))
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:     "delete <tenant-id> <user-id>",
			Aliases: []string{"rm"},
			Short:   "Delete a user and revoke its access keys",
			Args:    cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := a.engine()
				if err != nil {
					return err
				}
				if err := eng.mgr.DeleteUser(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted user %s\n", args[1])
				return err
			},
		},
	)
	return userCmd
}

func newKeyCmd(a *app) *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage tenant access keys",
	}

	var userID string
	createCmd := &cobra.Command{
		Use:   "create <tenant-id>",
		Short: "Create an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			k, err := eng.mgr.CreateAccessKey(cmd.Context(), args[0], userID)
			if err != nil {
				return err
			}
			return a.emit(cmd, k, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Created access key %s\n", k.ID)
				return err
			})
		},
	}
	createCmd.Flags().StringVar(&userID, "user", "", "owning user id")

	keyCmd.AddCommand(
		createCmd,
		&cobra.Command{
			Use:     "list <tenant-id>",
			Aliases: []string{"ls"},
			Short:   "List a tenant's access keys",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := a.engine()
				if err != nil {
					return err
				}
				keys, err := eng.mgr.ListAccessKeys(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.emit(cmd, keys, func(w io.Writer) error {
					tw := newTable(w)
					_, _ = fmt.Fprintln(tw, "ID\tUSER\tCREATED")
					for _, k := range keys {
						_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", k.ID, orDash(k.UserID), formatTime(k.CreatedAt))
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:     "delete <tenant-id> <key-id>",
			Aliases: []string{"rm"},
			Short:   "Revoke an access key",
			Args:    cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := a.engine()
				if err != nil {
					return err
				}
				if err := eng.mgr.DeleteAccessKey(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted access key %s\n", args[1])
				return err
			},
		},
	)
	return keyCmd
}
