// Package config loads packd configuration.
//
// Values are layered, lowest precedence first: built-in defaults, the YAML
// config file (with ${VAR} expansion), PACKD_* environment variables and
// finally CLI flags, which the cmd package applies on top of Load's result.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "packd.yaml"

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Project ProjectConfig `yaml:"project"`
	Watch   WatchConfig   `yaml:"watch"`
	HMR     HMRConfig     `yaml:"hmr"`
	History HistoryConfig `yaml:"history"`
	Events  EventsConfig  `yaml:"events"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Metrics        bool          `yaml:"metrics"`
}

// ProjectConfig describes what is bundled.
type ProjectConfig struct {
	Root      string            `yaml:"root"`
	Entry     string            `yaml:"entry"`
	OutDir    string            `yaml:"out_dir"`
	Platforms []string          `yaml:"platforms"`
	Dev       bool              `yaml:"dev"`
	Minify    bool              `yaml:"minify"`
	Define    map[string]string `yaml:"define,omitempty"`
	// SourceCacheSize bounds the number of project files kept for
	// symbolication.
	SourceCacheSize int `yaml:"source_cache_size"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
	Ignore   []string      `yaml:"ignore,omitempty"`
}

type HMRConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HistoryConfig controls the build history store. An empty DSN keeps the
// history in memory.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DSN           string        `yaml:"dsn"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// EventsConfig enables forwarding HMR messages to NATS when NATSURL is set.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	KVBucket      string `yaml:"kv_bucket"`
}

type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "localhost",
			Port:           8081,
			RequestTimeout: 2 * time.Minute,
			Metrics:        true,
		},
		Project: ProjectConfig{
			Root:            ".",
			Entry:           "index.js",
			OutDir:          "dist",
			Platforms:       []string{"ios", "android"},
			Dev:             true,
			SourceCacheSize: 256,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 100 * time.Millisecond,
		},
		HMR: HMRConfig{
			QueueSize:     16,
			PingInterval:  30 * time.Second,
			IdleTimeout:   90 * time.Second,
			SweepInterval: time.Minute,
		},
		History: HistoryConfig{
			Enabled:       true,
			DSN:           ":memory:",
			Retention:     24 * time.Hour,
			PruneInterval: 10 * time.Minute,
		},
		Events: EventsConfig{
			SubjectPrefix: "packd",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
		},
	}
}

// Load builds the effective configuration from defaults, the file at path
// (skipped when path is empty) and the environment. The result is
// normalized and validated.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ferrors.ConfigError("configuration file not found").
				WithContext("path", path).
				UserAction().
				Build()
		}
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "read configuration file").
			WithContext("path", path).
			Build()
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "parse configuration file").
			WithContext("path", path).
			UserAction().
			Build()
	}
	return nil
}
