package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestScriptStderr_WithDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	w, err := cfg.ScriptStderr("sabc")
	require.NoError(t, err)
	require.NotNil(t, w)
	_, _ = w.Write([]byte("ERROR: oops\n"))
	require.NoError(t, w.Close())
	_, err = os.Stat(filepath.Join(dir, "sabc.stderr.log"))
	assert.NoError(t, err)
}

func TestScriptStderr_Disabled(t *testing.T) {
	w, err := Config{}.ScriptStderr("sabc")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestRotationDefaultsAndOverrides(t *testing.T) {
	l := FileConfig{}.rotated("x")
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)

	l = FileConfig{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.rotated("y")
	assert.Equal(t, &lj.Logger{Filename: "y", MaxSize: 1, MaxBackups: 9, MaxAge: 11, Compress: true}, l)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)
	l, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, l)
	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bpftraced.log")
	log, closer, err := New(Config{Level: "info", Format: "json", File: FileConfig{Path: path}})
	require.NoError(t, err)
	log.Info("hello", "script", "s1")
	log.Debug("hidden")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(b), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "s1", rec["script"])
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, _, err := New(Config{Level: "verbose"})
	assert.Error(t, err)
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil, false)).With("script", "s1")
	log.Warn("stopping")
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "stopping")
	assert.Contains(t, out, "script=s1")
	assert.NotContains(t, out, "time=")
	assert.NotContains(t, out, "level=")
}
