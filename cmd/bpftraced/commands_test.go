package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bpftraced"
	"github.com/loykin/bpftraced/pkg/client"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	cfg := bpftraced.DefaultConfig()
	cfg.BPFtrace.SkipVersionCheck = true
	cfg.Metrics.Enabled = false
	d, err := bpftraced.Open(context.Background(), cfg, bpftraced.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	srv := httptest.NewServer(d.Handler("/api"))
	t.Cleanup(func() {
		srv.Close()
		_ = d.Close(context.Background())
	})
	return srv.URL + "/api"
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCreateListStatusDelete(t *testing.T) {
	api := startDaemon(t)
	file := filepath.Join(t.TempDir(), "ticks.bt")
	require.NoError(t, os.WriteFile(file, []byte("// name: ticks\nprofile:hz:99 { @x = count(); }\n"), 0o600))

	out, err := run(t, "", "create", "--api-url", api, "--file", file, "--username", "admin", "--no-start")
	require.NoError(t, err, out)
	var s client.Script
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, "stopped", s.State.Status)
	assert.Equal(t, "ticks", s.Metadata.Name)

	out, err = run(t, "", "list", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, s.ID)
	assert.Contains(t, out, "ticks")

	out, err = run(t, "", "status", "--api-url", api, s.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `"script_id": "`+s.ID+`"`)

	out, err = run(t, "", "stop", "--api-url", api, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID+" stopped\n", out)

	out, err = run(t, "", "delete", "--api-url", api, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID+" deleted\n", out)

	_, err = run(t, "", "status", "--api-url", api, s.ID)
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
}

func TestCreateFromStdinAndErrors(t *testing.T) {
	api := startDaemon(t)

	out, err := run(t, "BEGIN { @x = 1; }", "create", "--api-url", api, "--file", "-", "--username", "admin", "--no-start")
	require.NoError(t, err, out)

	_, err = run(t, "", "create", "--api-url", api, "--username", "admin")
	require.ErrorContains(t, err, "one of --file or --code")

	_, err = run(t, "", "create", "--api-url", api, "--code", "BEGIN {}", "--file", "x.bt")
	require.ErrorContains(t, err, "only one of")

	_, err = run(t, "", "create", "--api-url", api, "--code", "BEGIN { @x = 1; }", "--username", "mallory")
	var ae *client.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 403, ae.StatusCode)

	_, err = run(t, "", "start", "--api-url", api)
	require.Error(t, err, "id argument required")
}

func TestStatusVarsAndHistoryUnsupported(t *testing.T) {
	api := startDaemon(t)
	out, err := run(t, "", "create", "--api-url", api, "--code", "BEGIN { @x = 1; }", "--username", "admin", "--no-start")
	require.NoError(t, err)
	var s client.Script
	require.NoError(t, json.Unmarshal([]byte(out), &s))

	out, err = run(t, "", "status", "--vars", "--api-url", api, s.ID)
	require.NoError(t, err)
	assert.Empty(t, out, "no data before the script runs")

	_, err = run(t, "", "history", "--api-url", api, s.ID)
	var ae *client.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 501, ae.StatusCode)
}

func TestVersion(t *testing.T) {
	api := startDaemon(t)
	out, err := run(t, "", "version", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "bpftraced dev")
	assert.Contains(t, out, "compatible: true")

	out, err = run(t, "", "version", "--api-url", "http://127.0.0.1:1/api")
	require.NoError(t, err)
	assert.Contains(t, out, "daemon: unreachable")
}

func TestPrintVars(t *testing.T) {
	var buf bytes.Buffer
	printVars(&buf, client.Script{State: client.State{
		Data:  map[string]any{"b": []any{"line"}, "a": map[string]any{"k": 2.0}},
		Error: "boom",
	}})
	assert.Equal(t, "a = {\"k\":2}\nb = [\"line\"]\nerror: boom\n", buf.String())
}
