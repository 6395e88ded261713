package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/bpftraced/internal/env"
	"github.com/loykin/bpftraced/internal/logger"
	"github.com/loykin/bpftraced/internal/metrics"
)

// EnvPrefix is prepended to environment overrides, e.g. BPFTRACED_BPFTRACE_PATH.
const EnvPrefix = "BPFTRACED"

// Config represents the top-level TOML structure.
type Config struct {
	BPFtrace PMDAConfig    `toml:"bpftrace" mapstructure:"bpftrace"`
	Server   ServerConfig  `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Log      logger.Config `toml:"log" mapstructure:"log"`
	History  HistoryConfig `toml:"history" mapstructure:"history"`
	Store    StoreConfig   `toml:"store" mapstructure:"store"`
}

// PMDAConfig configures script execution.
type PMDAConfig struct {
	Path             string        `toml:"path" mapstructure:"path"`
	ScriptExpiryTime time.Duration `toml:"script_expiry_time" mapstructure:"script_expiry_time"`
	MaxThroughput    int           `toml:"max_throughput" mapstructure:"max_throughput"` // bytes per second
	AllowedUsers     []string      `toml:"allowed_users" mapstructure:"allowed_users"`
	StopTimeout      time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	StartTimeout     time.Duration `toml:"start_timeout" mapstructure:"start_timeout"`
	ReaperInterval   time.Duration `toml:"reaper_interval" mapstructure:"reaper_interval"` // derived from expiry when zero
	SkipVersionCheck bool          `toml:"skip_version_check" mapstructure:"skip_version_check"`
	Env              []string      `toml:"env" mapstructure:"env"`             // extra KEY=VALUE for bpftrace
	EnvFiles         []string      `toml:"env_files" mapstructure:"env_files"` // .env files merged before env
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the control API over HTTPS. Either cert_file/key_file or dir must be
// set; with auto_generate a self-signed pair is created in dir.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

type MetricsConfig struct {
	Enabled bool                         `toml:"enabled" mapstructure:"enabled"`
	Path    string                       `toml:"path" mapstructure:"path"`
	Process metrics.ProcessMetricsConfig `toml:"process" mapstructure:"process"`
}

// HistoryConfig lists lifecycle event sinks by DSN (sqlite://, postgres://, clickhouse://).
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
}

// StoreConfig locates the persistent-script store. Empty DSN disables persistence.
type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bpftrace.path", "bpftrace")
	v.SetDefault("bpftrace.script_expiry_time", 600*time.Second)
	v.SetDefault("bpftrace.max_throughput", 100*1024)
	v.SetDefault("bpftrace.allowed_users", []string{"admin"})
	v.SetDefault("bpftrace.stop_timeout", 5*time.Second)
	v.SetDefault("bpftrace.start_timeout", 60*time.Second)
	v.SetDefault("bpftrace.reaper_interval", time.Duration(0))
	v.SetDefault("bpftrace.skip_version_check", false)
	v.SetDefault("bpftrace.env", []string{})
	v.SetDefault("bpftrace.env_files", []string{})

	v.SetDefault("server.listen", "127.0.0.1:7171")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.min_version", "1.3")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.process.enabled", false)
	v.SetDefault("metrics.process.interval", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("store.dsn", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg, _ := Load("")
	return cfg
}

// Load reads a TOML file (optional when path is empty), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	b := c.BPFtrace
	if b.Path == "" {
		errs = append(errs, errors.New("bpftrace.path must be set"))
	}
	if b.ScriptExpiryTime <= 0 {
		errs = append(errs, errors.New("bpftrace.script_expiry_time must be positive"))
	}
	if b.MaxThroughput < 0 {
		errs = append(errs, errors.New("bpftrace.max_throughput must not be negative"))
	}
	if b.StopTimeout <= 0 {
		errs = append(errs, errors.New("bpftrace.stop_timeout must be positive"))
	}
	if b.StartTimeout < 0 {
		errs = append(errs, errors.New("bpftrace.start_timeout must not be negative"))
	}
	if b.ReaperInterval < 0 || (b.ReaperInterval > 0 && b.ReaperInterval >= b.ScriptExpiryTime) {
		errs = append(errs, errors.New("bpftrace.reaper_interval must be shorter than script_expiry_time"))
	}
	for _, kv := range b.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("bpftrace.env entry %q is not KEY=VALUE", kv))
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text, json or color", c.Log.Format))
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file, or dir"))
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history.dsns must list at least one sink when history is enabled"))
	}
	return errors.Join(errs...)
}

// ReaperEvery returns the sweep interval: the configured one, or a quarter of the
// expiry clamped to [1s, 60s].
func (p PMDAConfig) ReaperEvery() time.Duration {
	if p.ReaperInterval > 0 {
		return p.ReaperInterval
	}
	d := p.ScriptExpiryTime / 4
	switch {
	case d < time.Second:
		d = time.Second
	case d > time.Minute:
		d = time.Minute
	}
	if d >= p.ScriptExpiryTime {
		d = p.ScriptExpiryTime / 2
	}
	return d
}

// IsAllowed reports whether user may start scripts.
func (p PMDAConfig) IsAllowed(user string) bool {
	for _, u := range p.AllowedUsers {
		if u == user {
			return true
		}
	}
	return false
}

// ChildEnv merges env_files in order, then env entries, into KEY=VALUE pairs for
// bpftrace. Later entries override earlier ones; ${VAR} references are expanded.
func (p PMDAConfig) ChildEnv() ([]string, error) {
	e := env.New()
	for _, f := range p.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, err
		}
	}
	if err := e.SetPairs(p.Env); err != nil {
		return nil, err
	}
	return e.Pairs(), nil
}
