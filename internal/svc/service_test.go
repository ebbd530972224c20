package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDefaults(t *testing.T) {
	cfg := ServiceConfig{UserName: "maxiofs"}.WithDefaults()
	assert.Equal(t, DefaultServiceName, cfg.Name)
	assert.Equal(t, DefaultDisplayName, cfg.DisplayName)
	assert.Equal(t, DefaultDescription, cfg.Description)
	assert.Equal(t, DefaultConfigPath(), cfg.ConfigPath)
	assert.Equal(t, "maxiofs", cfg.UserName)

	custom := ServiceConfig{Name: "meta-eu", ConfigPath: "/srv/eu.yaml"}.WithDefaults()
	assert.Equal(t, "meta-eu", custom.Name)
	assert.Equal(t, "/srv/eu.yaml", custom.ConfigPath)
}

func TestNewServiceConfig(t *testing.T) {
	cfg := &ServiceConfig{
		Name:        "maxiofs-meta",
		DisplayName: "MaxIOFS",
		Description: "test",
		ConfigPath:  "/etc/maxiofs/maxiofs.yaml",
		UserName:    "maxiofs",
	}

	linux := NewServiceConfig(cfg, "linux")
	assert.Equal(t, []string{"--service-run", "--service-name", "maxiofs-meta", "--config", "/etc/maxiofs/maxiofs.yaml", "run"}, linux.Arguments)
	assert.Equal(t, "maxiofs", linux.UserName)
	assert.Equal(t, "on-failure", linux.Option["Restart"])
	assert.NotEmpty(t, linux.Dependencies)

	darwin := NewServiceConfig(cfg, "darwin")
	assert.Equal(t, true, darwin.Option["KeepAlive"])
	assert.Equal(t, "maxiofs", darwin.UserName)

	windows := NewServiceConfig(cfg, "windows")
	assert.Empty(t, windows.UserName)
	assert.Equal(t, "restart", windows.Option["OnFailure"])
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}

func TestProgramStartStop(t *testing.T) {
	started := make(chan struct{})
	prg := &Program{
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		Logger: zerolog.Nop(),
	}
	require.NoError(t, prg.Start(nil))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("workload did not start")
	}
	assert.NoError(t, prg.Stop(nil), "cancellation is a clean stop")
}

func TestProgramStopReportsFailure(t *testing.T) {
	boom := errors.New("store locked")
	prg := &Program{
		Run:    func(ctx context.Context) error { return boom },
		Logger: zerolog.Nop(),
	}
	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), boom)
}

func TestProgramWithoutRun(t *testing.T) {
	prg := &Program{}
	assert.Error(t, prg.Start(nil))
	assert.NoError(t, prg.Stop(nil))
}
