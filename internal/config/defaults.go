package config

import "path/filepath"

// Default returns a Config populated with the proxy's built-in defaults.
// Load starts from this and overlays file/env values on top.
func Default() *Config {
	return &Config{
		Host: "127.0.0.1",
		Port: 7777,

		S3Prefix: "",

		IdleMinutes:          0,
		SocketTimeoutSeconds: 30,

		ErrorsBeforePausing: 5,
		PauseMinutes:        2,

		AllowOffline:      true,
		AllowGccDepfiles:  true,
		MaxEntrySizeBytes: 0,

		AsyncUpload: AsyncUploadConfig{
			Enabled:            true,
			CacheDir:           defaultCacheDir(),
			MaxPendingUploadMB: 200 << 20,
		},
		MemoryCache: MemoryCacheConfig{
			MaxTotalBytes: 500 << 20,
			MaxEntryBytes: 50 << 20,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			File:   "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func defaultCacheDir() string {
	return filepath.Join(defaultConfigDir(), "spool")
}

// DefaultConfigPath returns the default location config init writes to and
// Load falls back to when no explicit path is given.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}
