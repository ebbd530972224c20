// Package svc runs maxiofs-meta as a system service (systemd, launchd or the
// Windows Service Control Manager).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog"
)

const (
	DefaultServiceName = "maxiofs-meta"
	DefaultDisplayName = "MaxIOFS Metadata Engine"
	DefaultDescription = "MaxIOFS metadata maintenance scheduler and admin endpoint"
)

// RunFunc runs the service workload until ctx is cancelled.
type RunFunc func(ctx context.Context) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	Run    RunFunc
	Logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return errors.New("service program has no run function")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		err := p.Run(p.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.Logger.Error().Err(err).Msg("Service workload exited")
		}
		p.done <- err
	}()
	return nil
}

// Stop cancels the workload and waits for it to return.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux/macOS only
}

// DefaultConfigPath returns the platform's default config file location.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "MaxIOFS", "maxiofs.yaml")
	}
	return "/etc/maxiofs/maxiofs.yaml"
}

// WithDefaults returns a copy of cfg with empty fields filled in.
func (cfg ServiceConfig) WithDefaults() *ServiceConfig {
	if cfg.Name == "" {
		cfg.Name = DefaultServiceName
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = DefaultDisplayName
	}
	if cfg.Description == "" {
		cfg.Description = DefaultDescription
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = DefaultConfigPath()
	}
	return &cfg
}

// NewServiceConfig creates service.Config from our ServiceConfig for the
// given platform.
func NewServiceConfig(cfg *ServiceConfig, goos string) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{"--service-run", "--service-name", cfg.Name, "--config", cfg.ConfigPath, "run"},
	}

	switch goos {
	case "linux":
		svcCfg.Dependencies = []string{"After=local-fs.target network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

// CreateService creates a new service instance.
func CreateService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	s, err := service.New(prg, NewServiceConfig(cfg, runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// control creates the service handle and applies fn to it.
func control(cfg *ServiceConfig, fn func(service.Service) error) error {
	s, err := CreateService(&Program{}, cfg)
	if err != nil {
		return err
	}
	return fn(s)
}

// Install installs the service. An existing installation is replaced only
// with force.
func Install(cfg *ServiceConfig, force bool, logger zerolog.Logger) error {
	return control(cfg, func(s service.Service) error {
		if status, err := s.Status(); err == nil {
			if !force {
				if status == service.StatusRunning {
					return fmt.Errorf("service %q is running; stop it first or use --force", cfg.Name)
				}
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if status == service.StatusRunning {
				if err := s.Stop(); err != nil {
					logger.Warn().Err(err).Msg("Failed to stop service")
				}
			}
			if err := s.Uninstall(); err != nil {
				logger.Warn().Err(err).Msg("Failed to uninstall service")
			}
		}
		if err := s.Install(); err != nil {
			return fmt.Errorf("install service: %w", err)
		}
		return nil
	})
}

// Uninstall stops the service if it is running and removes it.
func Uninstall(cfg *ServiceConfig, logger zerolog.Logger) error {
	return control(cfg, func(s service.Service) error {
		if status, _ := s.Status(); status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				logger.Warn().Err(err).Msg("Failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			return fmt.Errorf("uninstall service: %w", err)
		}
		return nil
	})
}

func Start(cfg *ServiceConfig) error {
	return control(cfg, func(s service.Service) error {
		if err := s.Start(); err != nil {
			return fmt.Errorf("start service: %w", err)
		}
		return nil
	})
}

func Stop(cfg *ServiceConfig) error {
	return control(cfg, func(s service.Service) error {
		if err := s.Stop(); err != nil {
			return fmt.Errorf("stop service: %w", err)
		}
		return nil
	})
}

func Restart(cfg *ServiceConfig) error {
	return control(cfg, func(s service.Service) error {
		if err := s.Restart(); err != nil {
			return fmt.Errorf("restart service: %w", err)
		}
		return nil
	})
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	status := service.StatusUnknown
	err := control(cfg, func(s service.Service) error {
		var err error
		status, err = s.Status()
		return err
	})
	return status, err
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs prg under the service manager and blocks until it stops.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := CreateService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the caller may manage services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// Install fails with a clearer message when not elevated.
		return nil
	}
	if os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}
