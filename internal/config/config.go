package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/plugind/internal/cron"
	"github.com/loykin/plugind/internal/env"
	"github.com/loykin/plugind/internal/host"
	"github.com/loykin/plugind/internal/logger"
	"github.com/loykin/plugind/internal/store"
	"github.com/loykin/plugind/internal/subsystem"
)

// Defaults applied when the file leaves a key unset.
const (
	DefaultWorkers  = 4
	DefaultListen   = "127.0.0.1:8080"
	DefaultBasePath = "/api"
	DefaultTTL      = 30 * time.Second
	DefaultTokenTTL = 12 * time.Hour
)

// FileConfig is the TOML layout of the daemon configuration.
type FileConfig struct {
	Workers        int                 `toml:"workers" mapstructure:"workers"`
	PersistentPath string              `toml:"persistent_path" mapstructure:"persistent_path"`
	DownloadStore  string              `toml:"download_store" mapstructure:"download_store"`
	TTL            time.Duration       `toml:"ttl" mapstructure:"ttl"`
	Subsystems     []string            `toml:"subsystems" mapstructure:"subsystems"`
	Resumes        []store.ResumeEntry `toml:"resumes" mapstructure:"resumes"`
	Env            []string            `toml:"env" mapstructure:"env"`
	EnvFiles       []string            `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv       bool                `toml:"use_os_env" mapstructure:"use_os_env"`
	Server         ServerConfig        `toml:"server" mapstructure:"server"`
	Metrics        MetricsConfig       `toml:"metrics" mapstructure:"metrics"`
	Log            logger.Config       `toml:"log" mapstructure:"log"`
	Store          StoreConfig         `toml:"store" mapstructure:"store"`
	History        HistoryConfig       `toml:"history" mapstructure:"history"`
	Plugins        []PluginConfig      `toml:"plugins" mapstructure:"plugins"`
	Schedules      []ScheduleConfig    `toml:"schedules" mapstructure:"schedules"`
}

type ServerConfig struct {
	Listen   string     `toml:"listen" mapstructure:"listen"`
	BasePath string     `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig  `toml:"tls" mapstructure:"tls"`
	Auth     AuthConfig `toml:"auth" mapstructure:"auth"`
}

// AuthConfig guards the API with HS256 bearer tokens issued at /login.
type AuthConfig struct {
	Enabled   bool          `toml:"enabled" mapstructure:"enabled"`
	JWTSecret string        `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `toml:"token_ttl" mapstructure:"token_ttl"`
	Users     []UserConfig  `toml:"users" mapstructure:"users"`
}

// UserConfig is an API account. PasswordHash is a bcrypt hash.
type UserConfig struct {
	Username     string   `toml:"username" mapstructure:"username"`
	PasswordHash string   `toml:"password_hash" mapstructure:"password_hash"`
	Roles        []string `toml:"roles" mapstructure:"roles"`
}

// ScheduleConfig runs a control-plane method on a cron schedule.
type ScheduleConfig struct {
	Name     string         `toml:"name" mapstructure:"name"`
	Schedule string         `toml:"schedule" mapstructure:"schedule"`
	Timezone string         `toml:"timezone" mapstructure:"timezone"`
	Method   string         `toml:"method" mapstructure:"method"`
	Params   map[string]any `toml:"params" mapstructure:"params"`
}

// TLSConfig serves the API over HTTPS. CertFile/KeyFile win over Dir; with
// AutoGenerate a self-signed pair is created in Dir when missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

// MetricsConfig enables /metrics on the API server, or on its own listener when Listen is set.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// HistoryConfig lists event sinks by DSN.
type HistoryConfig struct {
	Sinks  []string `toml:"sinks" mapstructure:"sinks"`
	Buffer int      `toml:"buffer" mapstructure:"buffer"`
}

type PluginConfig struct {
	Callsign      string        `toml:"callsign" mapstructure:"callsign"`
	Command       string        `toml:"command" mapstructure:"command"`
	WorkDir       string        `toml:"work_dir" mapstructure:"work_dir"`
	Env           []string      `toml:"env" mapstructure:"env"`
	AutoStart     bool          `toml:"autostart" mapstructure:"autostart"`
	Preconditions []string      `toml:"preconditions" mapstructure:"preconditions"`
	Configuration string        `toml:"configuration" mapstructure:"configuration"`
	LiveConfig    bool          `toml:"live_config" mapstructure:"live_config"`
	StartDuration time.Duration `toml:"start_duration" mapstructure:"start_duration"`
	StopTimeout   time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	LogDir        string        `toml:"log_dir" mapstructure:"log_dir"`
}

// Config is a validated configuration ready to wire the daemon.
type Config struct {
	File FileConfig
	// Required is the subsystem set the host marks satisfied at startup.
	Required subsystem.Set
	Plugins  []host.Spec
	Env      *env.Env
}

// Load reads and validates the TOML file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return FromFile(fc, filepath.Dir(path))
}

// Default is the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var fc FileConfig
	_ = v.Unmarshal(&fc)
	cfg, _ := FromFile(fc, "")
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("ttl", DefaultTTL)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.auth.token_ttl", DefaultTokenTTL)
	v.SetDefault("history.buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// FromFile validates fc. Relative env_files resolve against baseDir.
func FromFile(fc FileConfig, baseDir string) (*Config, error) {
	if fc.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", fc.Workers)
	}
	required, err := subsystem.ParseSet(fc.Subsystems)
	if err != nil {
		return nil, fmt.Errorf("subsystems: %w", err)
	}

	e := env.New(fc.UseOSEnv)
	for _, p := range fc.EnvFiles {
		if !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		pairs, err := env.LoadFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file: %w", err)
		}
		e.Apply(pairs)
	}
	e.Apply(fc.Env)

	for i, r := range fc.Resumes {
		if strings.TrimSpace(r.Destination) == "" {
			return nil, fmt.Errorf("resumes[%d]: destination is required", i)
		}
	}

	if err := validateAuth(fc.Server.Auth); err != nil {
		return nil, err
	}
	if err := validateSchedules(fc.Schedules); err != nil {
		return nil, err
	}

	specs, err := pluginSpecs(fc)
	if err != nil {
		return nil, err
	}
	return &Config{File: fc, Required: required, Plugins: specs, Env: e}, nil
}

func validateAuth(a AuthConfig) error {
	if !a.Enabled {
		return nil
	}
	if a.JWTSecret == "" {
		return errors.New("server.auth: jwt_secret is required when auth is enabled")
	}
	if len(a.Users) == 0 {
		return errors.New("server.auth: at least one user is required when auth is enabled")
	}
	seen := make(map[string]bool, len(a.Users))
	for i, u := range a.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("server.auth.users[%d]: username and password_hash are required", i)
		}
		if seen[u.Username] {
			return fmt.Errorf("server.auth.users[%d]: duplicate username %q", i, u.Username)
		}
		seen[u.Username] = true
	}
	return nil
}

func validateSchedules(ss []ScheduleConfig) error {
	seen := make(map[string]bool, len(ss))
	for i, sc := range ss {
		switch {
		case sc.Name == "":
			return fmt.Errorf("schedules[%d]: name is required", i)
		case seen[sc.Name]:
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, sc.Name)
		case sc.Method == "":
			return fmt.Errorf("schedule %s: method is required", sc.Name)
		}
		seen[sc.Name] = true
		if err := cron.Validate(sc.Schedule, sc.Timezone); err != nil {
			return fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
	}
	return nil
}

func pluginSpecs(fc FileConfig) ([]host.Spec, error) {
	seen := make(map[string]bool, len(fc.Plugins))
	out := make([]host.Spec, 0, len(fc.Plugins))
	var errs []error
	for i, pc := range fc.Plugins {
		cs := strings.TrimSpace(pc.Callsign)
		if cs == "" {
			errs = append(errs, fmt.Errorf("plugins[%d]: callsign is required", i))
			continue
		}
		if seen[cs] {
			errs = append(errs, fmt.Errorf("plugins[%d]: duplicate callsign %q", i, cs))
			continue
		}
		seen[cs] = true
		if strings.TrimSpace(pc.Command) == "" {
			errs = append(errs, fmt.Errorf("plugin %s: command is required", cs))
			continue
		}
		pre, err := subsystem.ParseSet(pc.Preconditions)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: preconditions: %w", cs, err))
			continue
		}

		// plugin output inherits the daemon's log dir and rotation settings
		logDir := pc.LogDir
		if logDir == "" {
			logDir = fc.Log.File.Dir
		}
		logCfg := logger.Config{File: logger.FileConfig{
			Dir:        logDir,
			MaxSizeMB:  fc.Log.File.MaxSizeMB,
			MaxBackups: fc.Log.File.MaxBackups,
			MaxAgeDays: fc.Log.File.MaxAgeDays,
			Compress:   fc.Log.File.Compress,
		}}
		out = append(out, host.Spec{
			Callsign:      cs,
			Command:       pc.Command,
			WorkDir:       pc.WorkDir,
			Env:           pc.Env,
			AutoStart:     pc.AutoStart,
			Preconditions: pre,
			Configuration: pc.Configuration,
			LiveConfig:    pc.LiveConfig,
			StartDuration: pc.StartDuration,
			StopTimeout:   pc.StopTimeout,
			Log:           logCfg,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
