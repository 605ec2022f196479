// Package config loads service configuration from file and environment.
//
// Sources, in increasing precedence: built-in defaults, a YAML config
// file (explicit path or uws.yaml in the working directory or /etc/uws),
// and UWS_-prefixed environment variables (UWS_SERVER_PORT overrides
// server.port).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Storage StorageConfig `mapstructure:"storage"`
	Service ServiceConfig `mapstructure:"service"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RateLimit is requests per second per client, 0 disabling the
	// limiter.
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EngineConfig struct {
	// MaxRunningJobs caps concurrent executions; 0 means unlimited.
	MaxRunningJobs int `mapstructure:"max_running_jobs"`

	// DefaultExecutionDuration and MaxExecutionDuration use the
	// parameter duration syntax, e.g. "2h" or "600s". Empty means
	// unlimited.
	DefaultExecutionDuration string `mapstructure:"default_execution_duration"`
	MaxExecutionDuration     string `mapstructure:"max_execution_duration"`

	// DefaultDestructionInterval and MaxDestructionInterval bound how
	// long finished jobs linger before the sweeper reclaims them.
	DefaultDestructionInterval string `mapstructure:"default_destruction_interval"`
	MaxDestructionInterval     string `mapstructure:"max_destruction_interval"`

	// StopGrace bounds how long an abort waits for a worker to stop.
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

type StorageConfig struct {
	// Backend selects where job artifacts live: "local" or "s3".
	Backend string `mapstructure:"backend"`

	// JobsDir is the directory for persisted job records.
	JobsDir string `mapstructure:"jobs_dir"`

	Local LocalStorageConfig `mapstructure:"local"`
	S3    S3StorageConfig    `mapstructure:"s3"`
}

type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

type S3StorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type ServiceConfig struct {
	// Descriptor is the path to the service descriptor YAML defining
	// the query service exposed over the job interface.
	Descriptor string `mapstructure:"descriptor"`
}

// Load reads configuration. path may be empty, in which case the default
// search locations apply and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("UWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("uws")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/uws")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	decode := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 0.0)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("server.metrics_enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("engine.max_running_jobs", 4)
	v.SetDefault("engine.default_execution_duration", "600s")
	v.SetDefault("engine.max_execution_duration", "2h")
	v.SetDefault("engine.default_destruction_interval", "1W")
	v.SetDefault("engine.max_destruction_interval", "4W")
	v.SetDefault("engine.stop_grace", 2*time.Second)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.jobs_dir", "data/jobs")
	v.SetDefault("storage.local.base_dir", "data/files")

	v.SetDefault("service.descriptor", "service.yaml")
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "local":
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "s3":
		if strings.TrimSpace(c.Storage.S3.Bucket) == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q (expected local or s3)", c.Storage.Backend)
	}
	if c.Engine.MaxRunningJobs < 0 {
		return fmt.Errorf("engine.max_running_jobs must be >= 0")
	}
	return nil
}

// Addr returns the host:port the HTTP server binds.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
