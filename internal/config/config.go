package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	UI      UIConfig      `mapstructure:"ui"`
	Media   MediaConfig   `mapstructure:"media"`
}

type StorageConfig struct {
	Path        string        `mapstructure:"path"`
	CacheDir    string        `mapstructure:"cache_dir"`
	SearchIndex string        `mapstructure:"search_index"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type FetchConfig struct {
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	// AllowPrivate lets passthrough fetches reach loopback and private
	// addresses.
	AllowPrivate bool `mapstructure:"allow_private"`
	// Scheme used to rebuild remote URLs from resource keys.
	Scheme string `mapstructure:"scheme"`
}

type SyncConfig struct {
	Workers int `mapstructure:"workers"`
}

type ServerConfig struct {
	Addr              string `mapstructure:"addr"`
	Prefix            string `mapstructure:"prefix"`
	DefaultImageWidth int    `mapstructure:"default_image_width"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type UIConfig struct {
	Colors UIColors `mapstructure:"colors"`
}

type UIColors struct {
	Primary string `mapstructure:"primary"`
	Accent  string `mapstructure:"accent"`
	Text    string `mapstructure:"text"`
	Muted   string `mapstructure:"muted"`
	Error   string `mapstructure:"error"`
	Success string `mapstructure:"success"`
}

type MediaConfig struct {
	Darwin        MediaOpeners `mapstructure:"darwin"`
	Linux         MediaOpeners `mapstructure:"linux"`
	Windows       MediaOpeners `mapstructure:"windows"`
	DefaultOpener string       `mapstructure:"default_opener"`
}

// MediaOpeners lists candidate programs per content kind, tried in order.
type MediaOpeners struct {
	Image    []string `mapstructure:"image"`
	Document []string `mapstructure:"document"`
}

const (
	MinWorkers = 1
	MaxWorkers = 16
)

// DefaultConfig returns the built-in defaults, before any file or
// environment overrides.
func DefaultConfig() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".stow")

	return &Config{
		Storage: StorageConfig{
			Path:        filepath.Join(dataDir, "stow.db"),
			CacheDir:    filepath.Join(dataDir, "cache"),
			SearchIndex: filepath.Join(dataDir, "index.bleve"),
			Timeout:     1 * time.Second,
		},
		Fetch: FetchConfig{
			HTTPTimeout:    30 * time.Second,
			UserAgent:      "stow/1.0 (https://github.com/pders01/stow)",
			MaxBodyBytes:   32 << 20,
			MaxAttempts:    4,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Scheme:         "https",
		},
		Sync: SyncConfig{
			Workers: 4,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8731",
			Prefix:            "/local",
			DefaultImageWidth: 320,
		},
		Log: LogConfig{
			Level: "off",
		},
		UI: UIConfig{
			Colors: UIColors{
				Primary: "#FF6B6B",
				Accent:  "#95E1D3",
				Text:    "#EAEAEA",
				Muted:   "#94A3B8",
				Error:   "#F87171",
				Success: "#4ADE80",
			},
		},
		Media: MediaConfig{
			Darwin: MediaOpeners{
				Image:    []string{"preview", "open"},
				Document: []string{"open"},
			},
			Linux: MediaOpeners{
				Image:    []string{"sxiv", "feh", "eog", "xdg-open"},
				Document: []string{"xdg-open", "firefox"},
			},
			Windows: MediaOpeners{
				Image:    []string{"start"},
				Document: []string{"start"},
			},
			DefaultOpener: getDefaultOpener(),
		},
	}
}

func getDefaultOpener() string {
	switch runtime.GOOS {
	case "darwin":
		return "open"
	case "linux":
		return "xdg-open"
	case "windows":
		return "start"
	default:
		return "open"
	}
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v, defaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		configDir := filepath.Join(homeDir, ".config", "stow")

		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	// STOW_SYNC_WORKERS overrides sync.workers
	v.SetEnvPrefix("STOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandPaths(&config)
	config.normalize()

	return &config, nil
}

// setDefaults registers every leaf key so partial config files and
// environment overrides merge with the defaults.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.cache_dir", cfg.Storage.CacheDir)
	v.SetDefault("storage.search_index", cfg.Storage.SearchIndex)
	v.SetDefault("storage.timeout", cfg.Storage.Timeout)

	v.SetDefault("fetch.http_timeout", cfg.Fetch.HTTPTimeout)
	v.SetDefault("fetch.user_agent", cfg.Fetch.UserAgent)
	v.SetDefault("fetch.max_body_bytes", cfg.Fetch.MaxBodyBytes)
	v.SetDefault("fetch.max_attempts", cfg.Fetch.MaxAttempts)
	v.SetDefault("fetch.initial_backoff", cfg.Fetch.InitialBackoff)
	v.SetDefault("fetch.max_backoff", cfg.Fetch.MaxBackoff)
	v.SetDefault("fetch.allow_private", cfg.Fetch.AllowPrivate)
	v.SetDefault("fetch.scheme", cfg.Fetch.Scheme)

	v.SetDefault("sync.workers", cfg.Sync.Workers)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.prefix", cfg.Server.Prefix)
	v.SetDefault("server.default_image_width", cfg.Server.DefaultImageWidth)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)

	v.SetDefault("ui.colors.primary", cfg.UI.Colors.Primary)
	v.SetDefault("ui.colors.accent", cfg.UI.Colors.Accent)
	v.SetDefault("ui.colors.text", cfg.UI.Colors.Text)
	v.SetDefault("ui.colors.muted", cfg.UI.Colors.Muted)
	v.SetDefault("ui.colors.error", cfg.UI.Colors.Error)
	v.SetDefault("ui.colors.success", cfg.UI.Colors.Success)

	for goos, o := range map[string]MediaOpeners{"darwin": cfg.Media.Darwin, "linux": cfg.Media.Linux, "windows": cfg.Media.Windows} {
		v.SetDefault("media."+goos+".image", o.Image)
		v.SetDefault("media."+goos+".document", o.Document)
	}
	v.SetDefault("media.default_opener", cfg.Media.DefaultOpener)
}

// normalize clamps values that would otherwise stall or flood the engine.
func (c *Config) normalize() {
	if c.Sync.Workers < MinWorkers {
		c.Sync.Workers = MinWorkers
	}
	if c.Sync.Workers > MaxWorkers {
		c.Sync.Workers = MaxWorkers
	}
	if c.Fetch.MaxAttempts < 1 {
		c.Fetch.MaxAttempts = 1
	}
	if c.Fetch.Scheme == "" {
		c.Fetch.Scheme = "https"
	}
	if c.Server.Prefix == "" || c.Server.Prefix[0] != '/' {
		c.Server.Prefix = "/" + c.Server.Prefix
	}
	if len(c.Server.Prefix) > 1 && c.Server.Prefix[len(c.Server.Prefix)-1] == '/' {
		c.Server.Prefix = c.Server.Prefix[:len(c.Server.Prefix)-1]
	}
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

func expandPaths(cfg *Config) {
	cfg.Storage.Path = expandPath(cfg.Storage.Path)
	cfg.Storage.CacheDir = expandPath(cfg.Storage.CacheDir)
	cfg.Storage.SearchIndex = expandPath(cfg.Storage.SearchIndex)
	cfg.Log.File = expandPath(cfg.Log.File)
}

func Save(config *Config, path string) error {
	v := viper.New()

	// Convert durations to strings for TOML readability
	storageCfg := map[string]any{
		"path":         config.Storage.Path,
		"cache_dir":    config.Storage.CacheDir,
		"search_index": config.Storage.SearchIndex,
		"timeout":      config.Storage.Timeout.String(),
	}

	fetchCfg := map[string]any{
		"http_timeout":    config.Fetch.HTTPTimeout.String(),
		"user_agent":      config.Fetch.UserAgent,
		"max_body_bytes":  config.Fetch.MaxBodyBytes,
		"max_attempts":    config.Fetch.MaxAttempts,
		"initial_backoff": config.Fetch.InitialBackoff.String(),
		"max_backoff":     config.Fetch.MaxBackoff.String(),
		"allow_private":   config.Fetch.AllowPrivate,
		"scheme":          config.Fetch.Scheme,
	}

	serverCfg := map[string]any{
		"addr":                config.Server.Addr,
		"prefix":              config.Server.Prefix,
		"default_image_width": config.Server.DefaultImageWidth,
	}

	mediaCfg := map[string]any{
		"darwin":         openersMap(config.Media.Darwin),
		"linux":          openersMap(config.Media.Linux),
		"windows":        openersMap(config.Media.Windows),
		"default_opener": config.Media.DefaultOpener,
	}

	v.Set("storage", storageCfg)
	v.Set("fetch", fetchCfg)
	v.Set("sync", map[string]any{"workers": config.Sync.Workers})
	v.Set("server", serverCfg)
	v.Set("log", map[string]any{"level": config.Log.Level, "file": config.Log.File})
	v.Set("ui", config.UI)
	v.Set("media", mediaCfg)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

func openersMap(o MediaOpeners) map[string]any {
	return map[string]any{"image": o.Image, "document": o.Document}
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}

// DefaultPath is where Load looks first when no path is given.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "stow", "config.toml")
}
