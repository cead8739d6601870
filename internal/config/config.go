// Package config loads and validates the proxy's startup configuration: a
// YAML config file overlaid on built-in defaults, with S3CACHEPROXY_-prefixed
// environment variables overriding the keys that the file sets. No CLI flags
// are bound, and environment variables are not read when no config file is
// found. Configuration is immutable once the server starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	validator "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AudereNow/s3cacheproxy/internal/bytesize"
)

// Config is the proxy's full startup configuration, see README/SPEC for the
// semantics of each field.
type Config struct {
	Host string `mapstructure:"host" validate:"required" yaml:"host"`
	Port int    `mapstructure:"port" validate:"required,gt=0,lte=65535" yaml:"port"`

	Bucket      string            `mapstructure:"bucket" validate:"required" yaml:"bucket"`
	S3Prefix    string            `mapstructure:"s3_prefix" yaml:"s3_prefix"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store" yaml:"object_store"`

	IdleMinutes          int `mapstructure:"idle_minutes" validate:"gte=0" yaml:"idle_minutes"`
	SocketTimeoutSeconds int `mapstructure:"socket_timeout_seconds" validate:"gte=0" yaml:"socket_timeout_seconds"`

	ErrorsBeforePausing int `mapstructure:"errors_before_pausing" validate:"gte=0" yaml:"errors_before_pausing"`
	PauseMinutes        int `mapstructure:"pause_minutes" validate:"gte=0" yaml:"pause_minutes"`

	AllowOffline     bool `mapstructure:"allow_offline" yaml:"allow_offline"`
	AllowGccDepfiles bool `mapstructure:"allow_gcc_depfiles" yaml:"allow_gcc_depfiles"`

	MaxEntrySizeBytes bytesize.ByteSize `mapstructure:"max_entry_size_bytes" yaml:"max_entry_size_bytes"`

	AsyncUpload AsyncUploadConfig `mapstructure:"async_upload" yaml:"async_upload"`
	MemoryCache MemoryCacheConfig `mapstructure:"memory_cache" yaml:"memory_cache"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// ObjectStoreConfig configures the S3-compatible remote store client. When
// AccessKeyID and SecretAccessKey are both empty the default AWS credential
// chain is used instead of static credentials.
type ObjectStoreConfig struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// AsyncUploadConfig controls the upload-spooling pipeline.
type AsyncUploadConfig struct {
	Enabled            bool               `mapstructure:"enabled" yaml:"enabled"`
	CacheDir           string             `mapstructure:"cache_dir" validate:"required" yaml:"cache_dir"`
	MaxPendingUploadMB bytesize.ByteSize  `mapstructure:"max_pending_upload_mb" yaml:"max_pending_upload_mb"`
}

// MemoryCacheConfig bounds the in-memory read-through cache.
type MemoryCacheConfig struct {
	MaxTotalBytes bytesize.ByteSize `mapstructure:"max_total_bytes" yaml:"max_total_bytes"`
	MaxEntryBytes bytesize.ByteSize `mapstructure:"max_entry_bytes" yaml:"max_entry_bytes"`
}

// LoggingConfig controls logging behavior, matching internal/logger.Config.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// MetricsConfig controls the optional /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Load reads configuration from configPath (or the default search path when
// empty), environment variables, and defaults, then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.AsyncUpload.Enabled && cfg.AsyncUpload.CacheDir == "" {
		return fmt.Errorf("async_upload.cache_dir is required when async_upload.enabled is true")
	}
	return nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("S3CACHEPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "s3cacheproxy")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "s3cacheproxy")
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
