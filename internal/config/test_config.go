package config

import (
	"path/filepath"
	"time"
)

// TestConfig returns a config suitable for testing
func TestConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Timeout: 1 * time.Second,
		},
		Fetch: FetchConfig{
			HTTPTimeout:    5 * time.Second,
			UserAgent:      "stow-test/1.0",
			MaxBodyBytes:   1 << 20,
			MaxAttempts:    3,
			InitialBackoff: 1 * time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			AllowPrivate:   true,
			Scheme:         "http",
		},
		Sync: SyncConfig{
			Workers: 4,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:0",
			Prefix:            "/local",
			DefaultImageWidth: 320,
		},
		Log:   LogConfig{Level: "off"},
		UI:    defaultConfig().UI,
		Media: defaultConfig().Media,
	}
}

// TestConfigIn is TestConfig with every storage path under dir.
func TestConfigIn(dir string) *Config {
	cfg := TestConfig()
	cfg.Storage.Path = filepath.Join(dir, "stow.db")
	cfg.Storage.CacheDir = filepath.Join(dir, "cache")
	cfg.Storage.SearchIndex = filepath.Join(dir, "index.bleve")
	return cfg
}
