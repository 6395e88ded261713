package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotated log files. Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"` // daemon log file; stderr when empty
	Dir        string `mapstructure:"dir"`  // per-script bpftrace stderr logs
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config selects the daemon log handler and destinations.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text, json, color
	File   FileConfig `mapstructure:"file"`
}

func (f FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel maps a level name to slog.Level. Unknown names are an error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New builds the daemon logger. The returned closer releases the log file, if any.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		lw := cfg.File.rotated(cfg.File.Path)
		w, closer = lw, lw
	}
	return slog.New(NewHandler(w, cfg.Format, level)), closer, nil
}

// NewHandler returns a slog handler for format writing to w.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "color":
		return NewColorTextHandler(w, opts, true)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// ScriptStderr returns a rotated writer for the bpftrace stderr of script id, or nil
// when no per-script log directory is configured.
func (c Config) ScriptStderr(id string) (io.WriteCloser, error) {
	if c.File.Dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create script log dir: %w", err)
	}
	return c.File.rotated(filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", id))), nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
