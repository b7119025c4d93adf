package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is looked up in the working directory and ~/.config/androidmonitor.
	FileName = "androidmonitor.yaml"
	// EnvPrefix prefixes environment overrides, e.g. ANDROIDMONITOR_SERVER_ADDR.
	EnvPrefix = "ANDROIDMONITOR"
)

// Server configuration defaults
const (
	HTTPAddr       = ":8080"
	ADBPath        = "adb"    // Assumes ADB is in PATH
	ScrcpyPath     = "scrcpy" // Assumes scrcpy is in PATH
	DatabasePath   = "./data/androidmonitor.db"
	LogDir         = "log"
	WatchInterval  = 2 * time.Second
	ConnectTimeout = 10 * time.Second
	MaxStreams     = 50
)

// Client configuration defaults
const (
	BackendURL   = "http://localhost:8080"
	PollInterval = 5 * time.Second
	Debounce     = 100 * time.Millisecond
	CallTimeout  = 10 * time.Second
	ProbeTimeout = 2 * time.Second
)

type Config struct {
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Client ClientConfig `yaml:"client" mapstructure:"client"`
}

// ServerConfig configures the backend daemon.
type ServerConfig struct {
	Addr           string        `yaml:"addr" mapstructure:"addr"`
	ADBPath        string        `yaml:"adb_path" mapstructure:"adb_path"`
	ScrcpyPath     string        `yaml:"scrcpy_path" mapstructure:"scrcpy_path"`
	DatabasePath   string        `yaml:"database_path" mapstructure:"database_path"`
	LogDir         string        `yaml:"log_dir" mapstructure:"log_dir"`
	WatchInterval  time.Duration `yaml:"watch_interval" mapstructure:"watch_interval"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	MaxStreams     int           `yaml:"max_streams" mapstructure:"max_streams"`
	Window         WindowConfig  `yaml:"window" mapstructure:"window"`
}

// WindowConfig holds the scrcpy window flags that are not part of the
// global settings.
type WindowConfig struct {
	StayAwake   bool `yaml:"stay_awake" mapstructure:"stay_awake"`
	Borderless  bool `yaml:"borderless" mapstructure:"borderless"`
	AlwaysOnTop bool `yaml:"always_on_top" mapstructure:"always_on_top"`
}

// ClientConfig configures the monitoring client.
type ClientConfig struct {
	BackendURL   string        `yaml:"backend_url" mapstructure:"backend_url"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce" mapstructure:"debounce"`
	CallTimeout  time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	// ConnectTimeout of 0 derives the value from PollInterval and Debounce.
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           HTTPAddr,
			ADBPath:        ADBPath,
			ScrcpyPath:     ScrcpyPath,
			DatabasePath:   DatabasePath,
			LogDir:         LogDir,
			WatchInterval:  WatchInterval,
			ConnectTimeout: ConnectTimeout,
			MaxStreams:     MaxStreams,
			Window:         WindowConfig{StayAwake: true},
		},
		Client: ClientConfig{
			BackendURL:   BackendURL,
			PollInterval: PollInterval,
			Debounce:     Debounce,
			CallTimeout:  CallTimeout,
			ProbeTimeout: ProbeTimeout,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.adb_path", d.Server.ADBPath)
	v.SetDefault("server.scrcpy_path", d.Server.ScrcpyPath)
	v.SetDefault("server.database_path", d.Server.DatabasePath)
	v.SetDefault("server.log_dir", d.Server.LogDir)
	v.SetDefault("server.watch_interval", d.Server.WatchInterval)
	v.SetDefault("server.connect_timeout", d.Server.ConnectTimeout)
	v.SetDefault("server.max_streams", d.Server.MaxStreams)
	v.SetDefault("server.window.stay_awake", d.Server.Window.StayAwake)
	v.SetDefault("server.window.borderless", d.Server.Window.Borderless)
	v.SetDefault("server.window.always_on_top", d.Server.Window.AlwaysOnTop)
	v.SetDefault("client.backend_url", d.Client.BackendURL)
	v.SetDefault("client.poll_interval", d.Client.PollInterval)
	v.SetDefault("client.debounce", d.Client.Debounce)
	v.SetDefault("client.call_timeout", d.Client.CallTimeout)
	v.SetDefault("client.connect_timeout", d.Client.ConnectTimeout)
	v.SetDefault("client.probe_timeout", d.Client.ProbeTimeout)
}

// Load reads the config file at path. An empty path searches the working
// directory and ~/.config/androidmonitor and falls back to defaults when no
// file exists. Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "androidmonitor"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.WatchInterval <= 0 {
		return fmt.Errorf("server.watch_interval must be positive, got %s", c.Server.WatchInterval)
	}
	if c.Server.ConnectTimeout <= 0 {
		return fmt.Errorf("server.connect_timeout must be positive, got %s", c.Server.ConnectTimeout)
	}
	if c.Server.MaxStreams <= 0 {
		return fmt.Errorf("server.max_streams must be positive, got %d", c.Server.MaxStreams)
	}
	u, err := url.Parse(c.Client.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("client.backend_url must be an http(s) URL, got %q", c.Client.BackendURL)
	}
	if c.Client.PollInterval <= 0 {
		return fmt.Errorf("client.poll_interval must be positive, got %s", c.Client.PollInterval)
	}
	if c.Client.Debounce < 0 || c.Client.ConnectTimeout < 0 {
		return errors.New("client durations must not be negative")
	}
	return nil
}

// WriteDefault writes the built-in configuration to path as YAML.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
