package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds Sonata runtime configuration loaded from TOML.
type Config struct {
	ConfigVersion int           `toml:"config_version"`
	Server        ServerConfig  `toml:"server"`
	Library       LibraryConfig `toml:"library"`
	Network       NetworkConfig `toml:"network"`
	UI            UIConfig      `toml:"ui"`
	Muspy         MuspyConfig   `toml:"muspy"`
}

// ServerConfig identifies the media server and account.
type ServerConfig struct {
	BaseURL  string `toml:"base_url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// PasswordEnv names an environment variable consulted when password
	// is empty, keeping secrets out of the config file.
	PasswordEnv string `toml:"password_env"`
	DeviceID    string `toml:"device_id"`
}

// LibraryConfig tunes the sync engine.
type LibraryConfig struct {
	PageSize          int    `toml:"page_size"`
	GenreCooldownMins int    `toml:"genre_cooldown_mins"`
	YearCooldownMins  int    `toml:"year_cooldown_mins"`
	CacheDB           string `toml:"cache_db"`
}

// NetworkConfig tunes the transport layer.
type NetworkConfig struct {
	TimeoutMs      int `toml:"timeout_ms"`
	Retries        int `toml:"retries"`
	RetryBackoffMs int `toml:"retry_backoff_ms"`
}

type UIConfig struct {
	PageSize int  `toml:"page_size"`
	NoColor  bool `toml:"no_color"`
}

// MuspyConfig controls the release-feed integration.
type MuspyConfig struct {
	Enabled        bool   `toml:"enabled"`
	BaseURL        string `toml:"base_url"`
	RateLimitSecs  int    `toml:"rate_limit_secs"`
	MaxResolutions int    `toml:"max_resolutions"`
}

// Load reads configuration from disk. If path is empty, a default
// OS-specific location is used.
func Load(path string) (*Config, string, error) {
	cfgPath := path
	if cfgPath == "" {
		var err error
		cfgPath, err = defaultPath()
		if err != nil {
			return nil, "", fmt.Errorf("resolve config path: %w", err)
		}
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(cfg); err != nil {
		return nil, cfgPath, err
	}

	return &cfg, cfgPath, nil
}

func defaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	name := "sonata"
	if runtime.GOOS == "windows" {
		name = "Sonata"
	}
	base := filepath.Join(dir, name)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(base, "config.toml"), nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Password == "" && cfg.Server.PasswordEnv != "" {
		cfg.Server.Password = os.Getenv(cfg.Server.PasswordEnv)
	}
	if cfg.Library.PageSize == 0 {
		cfg.Library.PageSize = 100
	}
	if cfg.Library.GenreCooldownMins == 0 {
		cfg.Library.GenreCooldownMins = 30
	}
	if cfg.Library.YearCooldownMins == 0 {
		cfg.Library.YearCooldownMins = 30
	}
	if cfg.Network.TimeoutMs == 0 {
		cfg.Network.TimeoutMs = 8000
	}
	if cfg.Network.Retries == 0 {
		cfg.Network.Retries = 2
	}
	if cfg.Network.RetryBackoffMs == 0 {
		cfg.Network.RetryBackoffMs = 500
	}
	if cfg.UI.PageSize == 0 {
		cfg.UI.PageSize = 50
	}
	if cfg.Muspy.BaseURL == "" {
		cfg.Muspy.BaseURL = "https://muspy.com/api/1"
	}
	if cfg.Muspy.RateLimitSecs == 0 {
		cfg.Muspy.RateLimitSecs = 2
	}
	if cfg.Muspy.MaxResolutions == 0 {
		cfg.Muspy.MaxResolutions = 200
	}
}

// Validate performs semantic validation of the loaded config.
func Validate(cfg Config) error {
	if cfg.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}
	if cfg.Server.Username == "" {
		return errors.New("server.username is required")
	}
	if cfg.Library.PageSize < 1 || cfg.Library.PageSize > 1000 {
		return fmt.Errorf("library.page_size must be 1-1000")
	}
	if cfg.Network.Retries < 0 || cfg.Network.Retries > 10 {
		return fmt.Errorf("network.retries must be 0-10")
	}
	return nil
}

// GenreCooldown returns the genre index cooldown as a duration.
func (c Config) GenreCooldown() time.Duration {
	return time.Duration(c.Library.GenreCooldownMins) * time.Minute
}

// YearCooldown returns the year index cooldown as a duration.
func (c Config) YearCooldown() time.Duration {
	return time.Duration(c.Library.YearCooldownMins) * time.Minute
}

// Timeout returns the per-request network timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Network.TimeoutMs) * time.Millisecond
}

// RetryBackoff returns the base retry delay.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Network.RetryBackoffMs) * time.Millisecond
}

// DeadlineContext returns a context with the default network timeout.
func (c Config) DeadlineContext() (context.Context, context.CancelFunc) {
	d := c.Timeout()
	if d == 0 {
		d = 8 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}
