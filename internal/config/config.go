// Package config loads planning-state settings from .planning-state.yaml,
// PLANNING_STATE_* environment variables and command line overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	FileName  = ".planning-state.yaml"
	EnvPrefix = "PLANNING_STATE"
)

type Config struct {
	// Root is the repository the state lives in. It is not read from the
	// file.
	Root     string        `mapstructure:"-" yaml:"-"`
	StateDir string        `mapstructure:"state_dir" yaml:"state_dir"`
	State    StateConfig   `mapstructure:"state" yaml:"state"`
	Session  SessionConfig `mapstructure:"session" yaml:"session"`
	Log      LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

type StateConfig struct {
	// DBFile is relative to the state directory unless absolute.
	DBFile string `mapstructure:"db_file" yaml:"db_file"`
	// EntitiesDir holds the JSON fallback documents.
	EntitiesDir      string `mapstructure:"entities_dir" yaml:"entities_dir"`
	ReconcileOnStart bool   `mapstructure:"reconcile_on_start" yaml:"reconcile_on_start"`
	MirrorWrites     bool   `mapstructure:"mirror_writes" yaml:"mirror_writes"`
}

type SessionConfig struct {
	SessionsDir       string `mapstructure:"sessions_dir" yaml:"sessions_dir"`
	ArchiveDir        string `mapstructure:"archive_dir" yaml:"archive_dir"`
	PreviewSampleSize int    `mapstructure:"preview_sample_size" yaml:"preview_sample_size"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// File is relative to the state directory. "-" logs to stderr.
	File string `mapstructure:"file" yaml:"file"`
}

type MetricsConfig struct {
	// Addr enables the Prometheus listener when set, e.g. "127.0.0.1:9464".
	Addr string `mapstructure:"addr" yaml:"addr"`
}

func Default() *Config {
	return &Config{
		StateDir: ".planning-state",
		State: StateConfig{
			DBFile:           "planning-state.db",
			EntitiesDir:      "entities",
			ReconcileOnStart: false,
			MirrorWrites:     true,
		},
		Session: SessionConfig{
			SessionsDir:       "sessions",
			ArchiveDir:        "archive",
			PreviewSampleSize: 5,
		},
		Log: LogConfig{
			Level: "INFO",
			File:  filepath.Join("logs", "planning-state.log"),
		},
	}
}

// SetDefaults registers every default on v so env variables can override
// keys that never appear in a file.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("state_dir", defaults.StateDir)

	v.SetDefault("state.db_file", defaults.State.DBFile)
	v.SetDefault("state.entities_dir", defaults.State.EntitiesDir)
	v.SetDefault("state.reconcile_on_start", defaults.State.ReconcileOnStart)
	v.SetDefault("state.mirror_writes", defaults.State.MirrorWrites)

	v.SetDefault("session.sessions_dir", defaults.Session.SessionsDir)
	v.SetDefault("session.archive_dir", defaults.Session.ArchiveDir)
	v.SetDefault("session.preview_sample_size", defaults.Session.PreviewSampleSize)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.file", defaults.Log.File)

	v.SetDefault("metrics.addr", defaults.Metrics.Addr)
}

type LoadOptions struct {
	Repo string
	// File overrides <repo>/.planning-state.yaml.
	File string
	// LogLevel overrides log.level when set.
	LogLevel string
}

// Load reads the configuration for options.Repo and validates it. A missing
// default config file is not an error; a missing explicit one is.
func Load(options LoadOptions) (*Config, error) {
	repo := options.Repo
	if strings.TrimSpace(repo) == "" {
		repo = "."
	}
	root, err := filepath.Abs(repo)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo path: %w", err)
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := options.File
	explicit := file != ""
	if !explicit {
		file = filepath.Join(root, FileName)
	}
	_, statErr := os.Stat(file)
	if explicit || statErr == nil {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}
	if options.LogLevel != "" {
		v.Set("log.level", options.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Root = root

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

func (cfg *Config) resolve(base, value string) string {
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Join(base, value)
}

func (cfg *Config) StatePath() string {
	return cfg.resolve(cfg.Root, cfg.StateDir)
}

func (cfg *Config) DBPath() string {
	return cfg.resolve(cfg.StatePath(), cfg.State.DBFile)
}

func (cfg *Config) EntitiesPath() string {
	return cfg.resolve(cfg.StatePath(), cfg.State.EntitiesDir)
}

func (cfg *Config) SessionsPath() string {
	return cfg.resolve(cfg.StatePath(), cfg.Session.SessionsDir)
}

func (cfg *Config) ArchivePath() string {
	return cfg.resolve(cfg.StatePath(), cfg.Session.ArchiveDir)
}

// LogPath returns the log file, or "" for stderr.
func (cfg *Config) LogPath() string {
	if cfg.Log.File == "" || cfg.Log.File == "-" {
		return ""
	}
	return cfg.resolve(cfg.StatePath(), cfg.Log.File)
}

// WriteDefault writes the default configuration to path. An existing file
// is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	header := []byte("# planning-state configuration. Relative paths are resolved against state_dir.\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
