package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/maxiofs/maxiofs/internal/config"
	"github.com/maxiofs/maxiofs/internal/svc"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// serviceConfig describes the installed service. The config path is made
// absolute since service managers do not start in the caller's directory.
func (a *app) serviceConfig(name, user string) *svc.ServiceConfig {
	path := a.cfgFile
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return svc.ServiceConfig{Name: name, ConfigPath: path, UserName: user}.WithDefaults()
}

func newServiceCmd(a *app) *cobra.Command {
	var name string

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the maxiofs-meta system service",
		Long: `Install and control "maxiofs-meta run" as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  # Install with the default config (/etc/maxiofs/maxiofs.yaml)
  sudo maxiofs-meta service install

  # Install with another config, running as a dedicated user
  sudo maxiofs-meta --config /srv/maxiofs/maxiofs.yaml service install --user maxiofs

  # Control the service
  sudo maxiofs-meta service start
  sudo maxiofs-meta service status

  # View logs
  sudo maxiofs-meta service logs --follow`,
		// Service management does not open the metadata store.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()
			return nil
		},
	}
	serviceCmd.PersistentFlags().StringVarP(&name, "name", "n", svc.DefaultServiceName, "service name")

	privileged := func(run func(cmd *cobra.Command, cfg *svc.ServiceConfig) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			return run(cmd, a.serviceConfig(name, ""))
		}
	}

	var user string
	var force bool
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the service to start at boot",
		Long: `Install "maxiofs-meta run" as a system service that starts at boot. The
config file given with --config is validated first.

Requires administrator/root privileges.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := a.serviceConfig(name, user)
			if _, err := config.Load(cfg.ConfigPath); err != nil {
				return fmt.Errorf("service config: %w", err)
			}
			if err := svc.Install(cfg, force, a.logger); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Service %q installed (config %s)\nStart it with: maxiofs-meta service start --name %s\n",
				cfg.Name, cfg.ConfigPath, cfg.Name)
			return err
		},
	}
	installCmd.Flags().StringVar(&user, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&force, "force", "f", false, "reinstall if the service already exists")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  cobra.NoArgs,
		RunE: privileged(func(cmd *cobra.Command, cfg *svc.ServiceConfig) error {
			if err := svc.Uninstall(cfg, a.logger); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled\n", cfg.Name)
			return err
		}),
	}

	control := func(use, short, done string, fn func(*svc.ServiceConfig) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: privileged(func(cmd *cobra.Command, cfg *svc.ServiceConfig) error {
				if err := fn(cfg); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Service %q %s\n", cfg.Name, done)
				return err
			}),
		}
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.serviceConfig(name, "")
			tw := newTable(cmd.OutOrStdout())
			_, _ = fmt.Fprintf(tw, "Service:\t%s\n", cfg.Name)
			status, err := svc.Status(cfg)
			if err != nil {
				_, _ = fmt.Fprintf(tw, "Status:\tnot installed or unknown\n")
				_, _ = fmt.Fprintf(tw, "Error:\t%v\n", err)
				return tw.Flush()
			}
			_, _ = fmt.Fprintf(tw, "Status:\t%s\n", svc.StatusString(status))
			return tw.Flush()
		},
	}

	var follow bool
	var lines int
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View service logs",
		Long: `View logs from the service.

Log locations by platform:
  - Linux:   journalctl -u maxiofs-meta
  - macOS:   /var/log/maxiofs-meta.{out,err}.log
  - Windows: Event Viewer > Application log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(svc.LogOptions{
				ServiceName: name,
				Follow:      follow,
				Lines:       lines,
				Stdout:      cmd.OutOrStdout(),
				Stderr:      cmd.ErrOrStderr(),
			})
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&lines, "lines", 50, "number of log lines to show")

	serviceCmd.AddCommand(
		installCmd,
		uninstallCmd,
		control("start", "Start the service", "started", svc.Start),
		control("stop", "Stop the service", "stopped", svc.Stop),
		control("restart", "Restart the service", "restarted", svc.Restart),
		statusCmd,
		logsCmd,
	)
	return serviceCmd
}
