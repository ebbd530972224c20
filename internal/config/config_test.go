package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxiofs/maxiofs/pkg/bytesize"
	"github.com/maxiofs/maxiofs/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	content := `
data_dir: /srv/maxiofs
metadata:
  path: /fast/meta.db
  lock_timeout: 3s
  retry:
    max_attempts: 8
    initial_interval: 5ms
    max_interval: 1s
default_quota:
  max_storage: 10Gi
  max_buckets: 100
  max_access_keys: 5
lifecycle:
  global_bucket_names: true
  lock_stripes: 64
maintenance:
  recompute_interval: 30m
  purge_interval: -1s
  noncurrent_version_expiry: 720h
admin:
  enabled: true
  listen: "0.0.0.0:9100"
  trace: true
  trace_buffer: 4Mi
log:
  level: debug
  format: json
  loki:
    url: http://127.0.0.1:3100
    labels:
      instance: node-1
    gzip: true
`
	path := testutil.TempFile(t, dir, "maxiofs.yaml", content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/maxiofs", cfg.DataDir)
	assert.Equal(t, "/fast/meta.db", cfg.Metadata.Path)
	assert.Equal(t, 3*time.Second, cfg.Metadata.LockTimeout)
	assert.Equal(t, uint(8), cfg.Metadata.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Millisecond, cfg.Metadata.Retry.InitialInterval)
	assert.Equal(t, time.Second, cfg.Metadata.Retry.MaxInterval)
	assert.Equal(t, 10*bytesize.GB, cfg.DefaultQuota.MaxStorage.Bytes())
	assert.Equal(t, int64(100), cfg.DefaultQuota.MaxBuckets)
	assert.Equal(t, int64(5), cfg.DefaultQuota.MaxAccessKeys)
	assert.True(t, cfg.Lifecycle.GlobalBucketNames)
	assert.Equal(t, 64, cfg.Lifecycle.LockStripes)
	assert.Equal(t, 30*time.Minute, cfg.Maintenance.RecomputeInterval)
	assert.Negative(t, cfg.Maintenance.PurgeInterval, "negative intervals survive defaults")
	assert.Equal(t, 720*time.Hour, cfg.Maintenance.NoncurrentVersionExpiry)
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "0.0.0.0:9100", cfg.Admin.Listen)
	assert.True(t, cfg.Admin.Trace)
	assert.Equal(t, 4*bytesize.MB, cfg.Admin.TraceBuffer.Bytes())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "http://127.0.0.1:3100", cfg.Log.Loki.URL)
	assert.Equal(t, map[string]string{"instance": "node-1"}, cfg.Log.Loki.Labels)
	assert.True(t, cfg.Log.Loki.Gzip)

	// Paths not set explicitly hang off data_dir
	assert.Equal(t, filepath.Join("/srv/maxiofs", "blobs"), cfg.Blobs.Dir)
	assert.Equal(t, filepath.Join("/srv/maxiofs", "master.key"), cfg.Blobs.MasterKeyFile)
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := testutil.TempFile(t, dir, "maxiofs.yaml", "data_dir: "+dir+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "meta.db"), cfg.Metadata.Path)
	assert.Equal(t, time.Second, cfg.Metadata.LockTimeout)
	assert.Equal(t, uint(5), cfg.Metadata.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Metadata.Retry.InitialInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Metadata.Retry.MaxInterval)
	assert.Zero(t, cfg.DefaultQuota.MaxStorage, "quota is unlimited by default")
	assert.False(t, cfg.Lifecycle.GlobalBucketNames)
	assert.Equal(t, 256, cfg.Lifecycle.LockStripes)
	assert.Equal(t, uint(3), cfg.Lifecycle.PurgeAttempts)
	assert.Equal(t, time.Hour, cfg.Maintenance.RecomputeInterval)
	assert.Equal(t, 30*time.Second, cfg.Maintenance.MetricsInterval)
	assert.Equal(t, 5*time.Minute, cfg.Maintenance.PurgeInterval)
	assert.Equal(t, time.Minute, cfg.Maintenance.ResumeInterval)
	assert.Equal(t, 15*time.Minute, cfg.Maintenance.ReservationMaxAge)
	assert.Zero(t, cfg.Maintenance.NoncurrentVersionExpiry)
	assert.False(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:9464", cfg.Admin.Listen)
	assert.False(t, cfg.Admin.Trace)
	assert.Equal(t, 10*bytesize.MB, cfg.Admin.TraceBuffer.Bytes())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/var/lib/maxiofs", cfg.DataDir)
	assert.Equal(t, "/var/lib/maxiofs/meta.db", cfg.Metadata.Path)
	assert.NoError(t, cfg.Validate())
}

func TestForDataDir(t *testing.T) {
	dir := t.TempDir()
	cfg := ForDataDir(dir)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "meta.db"), cfg.Metadata.Path)
	assert.Equal(t, filepath.Join(dir, "blobs"), cfg.Blobs.Dir)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	dir := t.TempDir()
	path := testutil.TempFile(t, dir, "maxiofs.yaml", "data_dir: ~/maxiofs\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "maxiofs"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "maxiofs", "meta.db"), cfg.Metadata.Path)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/maxiofs.yaml")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := testutil.TempFile(t, dir, "maxiofs.yaml", "data_dir: [invalid yaml\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidSize(t *testing.T) {
	dir := t.TempDir()
	path := testutil.TempFile(t, dir, "maxiofs.yaml", "default_quota:\n  max_storage: plenty\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid size")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"negative quota", func(c *Config) { c.DefaultQuota.MaxBuckets = -1 }, "default_quota.max_buckets"},
		{"negative storage", func(c *Config) { c.DefaultQuota.MaxStorage = -1 }, "default_quota.max_storage"},
		{"too many stripes", func(c *Config) { c.Lifecycle.LockStripes = 1 << 20 }, "lifecycle.lock_stripes"},
		{"retry interval inverted", func(c *Config) {
			c.Metadata.Retry.MaxInterval = c.Metadata.Retry.InitialInterval / 2
		}, "metadata.retry.max_interval"},
		{"zero reservation age", func(c *Config) { c.Maintenance.ReservationMaxAge = 0 }, "maintenance.reservation_max_age"},
		{"negative expiry", func(c *Config) { c.Maintenance.NoncurrentVersionExpiry = -time.Hour }, "maintenance.noncurrent_version_expiry"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad listen", func(c *Config) {
			c.Admin.Enabled = true
			c.Admin.Listen = "not a host port"
		}, "admin.listen"},
		{"listen ignored when disabled", func(c *Config) { c.Admin.Listen = "" }, ""},
		{"bad loki url", func(c *Config) { c.Log.Loki.URL = "not a url" }, "log.loki.url"},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
