// Package config handles configuration loading and validation for maxiofs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/maxiofs/maxiofs/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// RetryConfig bounds metadata transaction retries.
type RetryConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts" validate:"gte=1,lte=100"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gtefield=InitialInterval"`
}

// MetadataConfig configures the metadata database.
type MetadataConfig struct {
	Path        string        `yaml:"path"`         // default: <data_dir>/meta.db
	NoSync      bool          `yaml:"no_sync"`      // skip fsync per commit; unsafe outside tests
	LockTimeout time.Duration `yaml:"lock_timeout"` // wait for the database file lock (default: 1s)
	Retry       RetryConfig   `yaml:"retry"`
}

// BlobConfig configures content storage.
type BlobConfig struct {
	Dir string `yaml:"dir"` // default: <data_dir>/blobs
	// MasterKeyFile holds the key that encrypts content of buckets with an
	// encryption configuration. Created on first use when missing.
	MasterKeyFile string `yaml:"master_key_file"`
}

// QuotaConfig holds the limits applied to new tenants that do not set their
// own. Zero means unlimited.
type QuotaConfig struct {
	MaxStorage    bytesize.Size `yaml:"max_storage" validate:"gte=0"`
	MaxBuckets    int64         `yaml:"max_buckets" validate:"gte=0"`
	MaxAccessKeys int64         `yaml:"max_access_keys" validate:"gte=0"`
}

// LifecycleConfig tunes the lifecycle manager.
type LifecycleConfig struct {
	// GlobalBucketNames makes bucket names unique across all tenants.
	GlobalBucketNames bool          `yaml:"global_bucket_names"`
	LockStripes       int           `yaml:"lock_stripes" validate:"gte=1,lte=65536"`
	PurgeAttempts     uint          `yaml:"purge_attempts" validate:"gte=1,lte=100"`
	PurgeInterval     time.Duration `yaml:"purge_interval" validate:"gt=0"`
}

// MaintenanceConfig schedules background jobs. A negative interval
// disables the job.
type MaintenanceConfig struct {
	RecomputeInterval time.Duration `yaml:"recompute_interval"`
	MetricsInterval   time.Duration `yaml:"metrics_interval"` // also paces host CPU sampling
	PurgeInterval     time.Duration `yaml:"purge_interval"`
	ResumeInterval    time.Duration `yaml:"resume_interval"`
	// ReservationMaxAge is how long a quota reservation may stay pending
	// before the sweep rolls it back.
	ReservationMaxAge time.Duration `yaml:"reservation_max_age" validate:"gt=0"`
	// NoncurrentVersionExpiry removes noncurrent versions older than this.
	// Zero keeps them forever.
	NoncurrentVersionExpiry time.Duration `yaml:"noncurrent_version_expiry" validate:"gte=0"`
}

// AdminConfig configures the admin HTTP endpoint serving health checks,
// Prometheus metrics and read-only usage queries.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"required_if=Enabled true,omitempty,hostname_port"`
	// Trace keeps a runtime flight recorder running so /debug/trace can
	// return the last few seconds of execution.
	Trace       bool          `yaml:"trace"`
	TraceBuffer bytesize.Size `yaml:"trace_buffer" validate:"gte=0"`
}

// LokiConfig ships logs to Grafana Loki when URL is set.
type LokiConfig struct {
	URL           string            `yaml:"url" validate:"omitempty,http_url"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size" validate:"gte=0"`
	FlushInterval time.Duration     `yaml:"flush_interval" validate:"gte=0"`
	Gzip          bool              `yaml:"gzip"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string     `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string     `yaml:"format" validate:"oneof=console json"`
	Loki   LokiConfig `yaml:"loki"`
}

// Config is the full maxiofs-meta configuration.
type Config struct {
	DataDir      string            `yaml:"data_dir" validate:"required"`
	Metadata     MetadataConfig    `yaml:"metadata"`
	Blobs        BlobConfig        `yaml:"blobs"`
	DefaultQuota QuotaConfig       `yaml:"default_quota"`
	Lifecycle    LifecycleConfig   `yaml:"lifecycle"`
	Maintenance  MaintenanceConfig `yaml:"maintenance"`
	Admin        AdminConfig       `yaml:"admin"`
	Log          LogConfig         `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return ForDataDir("")
}

// ForDataDir returns the default configuration rooted at dataDir. An empty
// dataDir selects the system default.
func ForDataDir(dataDir string) *Config {
	cfg := &Config{DataDir: dataDir}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file, applies defaults and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/maxiofs"
	}
	c.DataDir = expandHome(c.DataDir)

	if c.Metadata.Path == "" {
		c.Metadata.Path = filepath.Join(c.DataDir, "meta.db")
	}
	c.Metadata.Path = expandHome(c.Metadata.Path)
	if c.Metadata.LockTimeout == 0 {
		c.Metadata.LockTimeout = time.Second
	}
	if c.Metadata.Retry.MaxAttempts == 0 {
		c.Metadata.Retry.MaxAttempts = 5
	}
	if c.Metadata.Retry.InitialInterval == 0 {
		c.Metadata.Retry.InitialInterval = 10 * time.Millisecond
	}
	if c.Metadata.Retry.MaxInterval == 0 {
		c.Metadata.Retry.MaxInterval = 500 * time.Millisecond
	}

	if c.Blobs.Dir == "" {
		c.Blobs.Dir = filepath.Join(c.DataDir, "blobs")
	}
	c.Blobs.Dir = expandHome(c.Blobs.Dir)
	if c.Blobs.MasterKeyFile == "" {
		c.Blobs.MasterKeyFile = filepath.Join(c.DataDir, "master.key")
	}
	c.Blobs.MasterKeyFile = expandHome(c.Blobs.MasterKeyFile)

	if c.Lifecycle.LockStripes == 0 {
		c.Lifecycle.LockStripes = 256
	}
	if c.Lifecycle.PurgeAttempts == 0 {
		c.Lifecycle.PurgeAttempts = 3
	}
	if c.Lifecycle.PurgeInterval == 0 {
		c.Lifecycle.PurgeInterval = 50 * time.Millisecond
	}

	if c.Maintenance.RecomputeInterval == 0 {
		c.Maintenance.RecomputeInterval = time.Hour
	}
	if c.Maintenance.MetricsInterval == 0 {
		c.Maintenance.MetricsInterval = 30 * time.Second
	}
	if c.Maintenance.PurgeInterval == 0 {
		c.Maintenance.PurgeInterval = 5 * time.Minute
	}
	if c.Maintenance.ResumeInterval == 0 {
		c.Maintenance.ResumeInterval = time.Minute
	}
	if c.Maintenance.ReservationMaxAge == 0 {
		c.Maintenance.ReservationMaxAge = 15 * time.Minute
	}

	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:9464"
	}
	if c.Admin.TraceBuffer == 0 {
		c.Admin.TraceBuffer = bytesize.Size(10 * bytesize.MB)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration. Field errors are reported by their
// YAML path, for example "maintenance.purge_interval".
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", path, fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// expandHome resolves a leading "~/" against the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
