package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/driveftp/pkg/errors"
)

// Remote providers.
const (
	ProviderGDrive = "gdrive"
	ProviderS3     = "s3"
	ProviderMemory = "memory"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Sync       SyncConfig       `yaml:"sync"`
	Remote     RemoteConfig     `yaml:"remote"`
	Controller ControllerConfig `yaml:"controller"`
	View       ViewConfig       `yaml:"view"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	FUSE       FUSEConfig       `yaml:"fuse"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// CacheConfig locates the metadata database.
type CacheConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// SyncConfig drives the synchronization loop.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
}

// RemoteConfig selects and tunes the remote store.
type RemoteConfig struct {
	Provider             string               `yaml:"provider"`
	MaxRequestsPerSecond float64              `yaml:"max_requests_per_second"`
	Burst                int                  `yaml:"burst"`
	Retry                RetryConfig          `yaml:"retry"`
	CircuitBreaker       CircuitBreakerConfig `yaml:"circuit_breaker"`
	GDrive               GDriveConfig         `yaml:"gdrive"`
	S3                   S3Config             `yaml:"s3"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// GDriveConfig configures the Google Drive gateway.
type GDriveConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	PageSize        int64  `yaml:"page_size"`
	Endpoint        string `yaml:"endpoint"`
}

// S3Config configures the S3 gateway.
type S3Config struct {
	Bucket            string `yaml:"bucket"`
	Region            string `yaml:"region"`
	Endpoint          string `yaml:"endpoint"`
	Prefix            string `yaml:"prefix"`
	ForcePathStyle    bool   `yaml:"force_path_style"`
	AccessKeyID       string `yaml:"access_key_id"`
	SecretAccessKey   string `yaml:"secret_access_key"`
	PartSize          int64  `yaml:"part_size"`
	UploadConcurrency int    `yaml:"upload_concurrency"`
}

// ControllerConfig tunes forced refreshes and upload commits.
type ControllerConfig struct {
	RefreshWindow    time.Duration `yaml:"refresh_window"`
	RefreshThreshold int           `yaml:"refresh_threshold"`
	RefreshHistory   int           `yaml:"refresh_history"`
	RefreshTimeout   time.Duration `yaml:"refresh_timeout"`
	UploadTimeout    time.Duration `yaml:"upload_timeout"`
}

// ViewConfig configures path resolution for sessions.
type ViewConfig struct {
	Home         string `yaml:"home"`
	IllegalChars string `yaml:"illegal_chars"`
	Replacement  string `yaml:"replacement"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// FUSEConfig configures the optional FUSE mount.
type FUSEConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Cache: CacheConfig{
			Path:     "./driveftp.db",
			PoolSize: 8,
		},
		Sync: SyncConfig{
			Interval: 10 * time.Second,
			Workers:  4,
		},
		Remote: RemoteConfig{
			Provider:             ProviderGDrive,
			MaxRequestsPerSecond: 10,
			Burst:                10,
			Retry: RetryConfig{
				MaxAttempts: 3,
				Delay:       1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
			GDrive: GDriveConfig{
				PageSize: 1000,
			},
			S3: S3Config{
				Region:            "us-east-1",
				PartSize:          16 * 1024 * 1024,
				UploadConcurrency: 4,
			},
		},
		Controller: ControllerConfig{
			RefreshWindow:    10 * time.Second,
			RefreshThreshold: 2,
			RefreshHistory:   10,
			RefreshTimeout:   30 * time.Second,
			UploadTimeout:    10 * time.Second,
		},
		View: ViewConfig{
			Home:         "/",
			IllegalChars: `\/:*?"<>|`,
			Replacement:  "_",
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Port:    9090,
				Path:    "/metrics",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").
			WithContext("file", filename).
			WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").
			WithContext("file", filename).
			WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from DRIVEFTP_* environment variables.
// Unset variables leave the current values alone.
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	// Global settings
	env.str("DRIVEFTP_LOG_LEVEL", &c.Global.LogLevel)
	env.str("DRIVEFTP_LOG_FORMAT", &c.Global.LogFormat)
	env.str("DRIVEFTP_LOG_FILE", &c.Global.LogFile)

	// Cache and sync
	env.str("DRIVEFTP_CACHE_PATH", &c.Cache.Path)
	env.int("DRIVEFTP_CACHE_POOL_SIZE", &c.Cache.PoolSize)
	env.duration("DRIVEFTP_SYNC_INTERVAL", &c.Sync.Interval)
	env.int("DRIVEFTP_SYNC_WORKERS", &c.Sync.Workers)

	// Remote store
	env.str("DRIVEFTP_REMOTE_PROVIDER", &c.Remote.Provider)
	env.float("DRIVEFTP_MAX_REQUESTS_PER_SECOND", &c.Remote.MaxRequestsPerSecond)
	env.str("DRIVEFTP_GDRIVE_CREDENTIALS_FILE", &c.Remote.GDrive.CredentialsFile)
	env.str("DRIVEFTP_S3_BUCKET", &c.Remote.S3.Bucket)
	env.str("DRIVEFTP_S3_REGION", &c.Remote.S3.Region)
	env.str("DRIVEFTP_S3_ENDPOINT", &c.Remote.S3.Endpoint)
	env.str("DRIVEFTP_S3_PREFIX", &c.Remote.S3.Prefix)
	env.bool("DRIVEFTP_S3_FORCE_PATH_STYLE", &c.Remote.S3.ForcePathStyle)
	env.str("DRIVEFTP_S3_ACCESS_KEY_ID", &c.Remote.S3.AccessKeyID)
	env.str("DRIVEFTP_S3_SECRET_ACCESS_KEY", &c.Remote.S3.SecretAccessKey)

	// Sessions
	env.str("DRIVEFTP_VIEW_HOME", &c.View.Home)

	// Monitoring and mount
	env.bool("DRIVEFTP_METRICS_ENABLED", &c.Monitoring.Metrics.Enabled)
	env.int("DRIVEFTP_METRICS_PORT", &c.Monitoring.Metrics.Port)
	env.bool("DRIVEFTP_FUSE_ENABLED", &c.FUSE.Enabled)
	env.str("DRIVEFTP_FUSE_MOUNT_POINT", &c.FUSE.MountPoint)

	return env.err
}

// envReader remembers the first malformed variable.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(key)
	return val, ok && val != ""
}

func (r *envReader) fail(key, val string, cause error) {
	if r.err == nil {
		r.err = errors.NewError(errors.ErrCodeInvalidConfig, "malformed environment variable").
			WithComponent("config").
			WithContext("variable", key).
			WithContext("value", val).
			WithCause(cause)
	}
}

func (r *envReader) str(key string, dst *string) {
	if val, ok := r.lookup(key); ok {
		*dst = val
	}
}

func (r *envReader) int(key string, dst *int) {
	if val, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) float(key string, dst *float64) {
	if val, ok := r.lookup(key); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) bool(key string, dst *bool) {
	if val, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if val, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = d
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to marshal config").
			WithComponent("config").
			WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to create config directory").
			WithComponent("config").
			WithContext("file", filename).
			WithCause(err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to write config file").
			WithComponent("config").
			WithContext("file", filename).
			WithCause(err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(c.Global.LogLevel)) {
		return invalid("log_level", c.Global.LogLevel,
			fmt.Sprintf("must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	if c.Global.LogFormat != "json" && c.Global.LogFormat != "console" {
		return invalid("log_format", c.Global.LogFormat, "must be json or console")
	}

	if c.Cache.Path == "" {
		return invalid("cache.path", c.Cache.Path, "cannot be empty")
	}
	if c.Cache.PoolSize <= 0 {
		return invalid("cache.pool_size", strconv.Itoa(c.Cache.PoolSize), "must be greater than 0")
	}
	if c.Sync.Interval <= 0 {
		return invalid("sync.interval", c.Sync.Interval.String(), "must be positive")
	}
	if c.Sync.Workers <= 0 {
		return invalid("sync.workers", strconv.Itoa(c.Sync.Workers), "must be greater than 0")
	}

	if err := c.Remote.validate(); err != nil {
		return err
	}

	if c.Controller.RefreshTimeout <= 0 {
		return invalid("controller.refresh_timeout", c.Controller.RefreshTimeout.String(), "must be positive")
	}
	if c.Controller.UploadTimeout <= 0 {
		return invalid("controller.upload_timeout", c.Controller.UploadTimeout.String(), "must be positive")
	}

	if strings.ContainsAny(c.View.Replacement, c.View.IllegalChars+"/") {
		return invalid("view.replacement", c.View.Replacement, "cannot contain illegal characters")
	}

	if c.Monitoring.Metrics.Enabled {
		if port := c.Monitoring.Metrics.Port; port <= 0 || port > 65535 {
			return invalid("monitoring.metrics.port", strconv.Itoa(port), "must be between 1 and 65535")
		}
	}

	if c.FUSE.Enabled && c.FUSE.MountPoint == "" {
		return invalid("fuse.mount_point", "", "is required when fuse is enabled")
	}

	return nil
}

func (r *RemoteConfig) validate() error {
	switch r.Provider {
	case ProviderGDrive, ProviderMemory:
	case ProviderS3:
		if r.S3.Bucket == "" {
			return invalid("remote.s3.bucket", "", "is required for the s3 provider")
		}
	default:
		return invalid("remote.provider", r.Provider, "must be gdrive, s3 or memory")
	}

	if r.MaxRequestsPerSecond < 0 {
		return invalid("remote.max_requests_per_second", strconv.FormatFloat(r.MaxRequestsPerSecond, 'f', -1, 64), "cannot be negative")
	}
	if r.Retry.MaxAttempts <= 0 {
		return invalid("remote.retry.max_attempts", strconv.Itoa(r.Retry.MaxAttempts), "must be greater than 0")
	}
	if r.CircuitBreaker.Enabled && r.CircuitBreaker.FailureThreshold <= 0 {
		return invalid("remote.circuit_breaker.failure_threshold", strconv.Itoa(r.CircuitBreaker.FailureThreshold), "must be greater than 0")
	}
	return nil
}

func invalid(key, value, reason string) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("invalid %s: %s", key, reason)).
		WithComponent("config").
		WithContext("key", key).
		WithContext("value", value)
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
