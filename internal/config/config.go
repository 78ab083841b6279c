// Package config loads fieldsync settings with viper.
//
// Sources, lowest to highest precedence: built-in defaults, a config file
// (fieldsync.yaml / fieldsync.toml in the data directory, or an explicit
// path), and FIELDSYNC_* environment variables (FIELDSYNC_SYNC_TIMEOUT=45s).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	Console    bool   `mapstructure:"console"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type SyncConfig struct {
	// Timeout bounds every call to the remote service. Expiry is a transport failure.
	Timeout time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	// ConfigSecret verifies the signed configuration blob returned at login.
	// Empty means the blob is decoded without verification.
	ConfigSecret string `mapstructure:"config_secret"`
}

type DaemonConfig struct {
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	DashboardPort    int           `mapstructure:"dashboard_port"`
	Latitude         float64       `mapstructure:"latitude"`
	Longitude        float64       `mapstructure:"longitude"`
}

type AttachmentConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxWidth int    `mapstructure:"max_width"`
}

type DevServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is the complete application configuration.
type Config struct {
	DataDir     string           `mapstructure:"data_dir"`
	PrefsFile   string           `mapstructure:"prefs_file"`
	Log         LogConfig        `mapstructure:"log"`
	Sync        SyncConfig       `mapstructure:"sync"`
	Session     SessionConfig    `mapstructure:"session"`
	Daemon      DaemonConfig     `mapstructure:"daemon"`
	Attachments AttachmentConfig `mapstructure:"attachments"`
	DevServer   DevServerConfig  `mapstructure:"devserver"`
}

// DefaultDataDir returns ~/.fieldsync, or ./.fieldsync when the home
// directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("prefs_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.console", false)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("sync.timeout", 30*time.Second)
	v.SetDefault("session.config_secret", "")
	v.SetDefault("daemon.probe_interval", 15*time.Second)
	v.SetDefault("daemon.ping_interval", 5*time.Minute)
	v.SetDefault("daemon.debounce_interval", 500*time.Millisecond)
	v.SetDefault("daemon.dashboard_port", 0)
	v.SetDefault("daemon.latitude", 0.0)
	v.SetDefault("daemon.longitude", 0.0)
	v.SetDefault("attachments.dir", "")
	v.SetDefault("attachments.max_width", 1280)
	v.SetDefault("devserver.addr", "127.0.0.1:8787")
}

// Load reads configuration. path may be empty, in which case fieldsync.{yaml,toml}
// is looked up in dataDir (or the default data directory when dataDir is empty).
// A missing config file is not an error; an unreadable one is.
func Load(path, dataDir string) (*Config, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	v := viper.New()
	setDefaults(v, dataDir)

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldsync")
		v.AddConfigPath(dataDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	c.fillDerived()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) fillDerived() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.PrefsFile == "" {
		c.PrefsFile = filepath.Join(c.DataDir, "prefs.toml")
	}
	if c.Attachments.Dir == "" {
		c.Attachments.Dir = filepath.Join(c.DataDir, "attachments")
	}
}

// Validate checks values that would otherwise fail later in confusing ways.
func (c *Config) Validate() error {
	if c.Sync.Timeout <= 0 {
		return fmt.Errorf("sync.timeout must be positive (got %s)", c.Sync.Timeout)
	}
	if c.Daemon.ProbeInterval <= 0 {
		return fmt.Errorf("daemon.probe_interval must be positive (got %s)", c.Daemon.ProbeInterval)
	}
	if c.Daemon.PingInterval <= 0 {
		return fmt.Errorf("daemon.ping_interval must be positive (got %s)", c.Daemon.PingInterval)
	}
	if c.Attachments.MaxWidth < 0 {
		return fmt.Errorf("attachments.max_width cannot be negative")
	}
	return nil
}
