package client

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scriptJSON = `{
  "script_id": "s0123",
  "username": "admin",
  "persistent": false,
  "created_at": "2026-10-17T10:00:00Z",
  "last_accessed_at": "2026-10-17T10:00:05Z",
  "code": "BEGIN { @x = 1; }",
  "metadata": {"name": "", "include": [], "table_retain_lines": 0},
  "variables": {"x": {"single": true, "semantics": 3, "datatype": 5, "metrictype": "control"}},
  "state": {"status": "started", "pid": 42, "exit_code": 0, "error": "", "probes": 1,
            "data": {"x": 1}, "stats": {"records": 2, "accepted_bytes": 60}}
}`

func newTestServer(t *testing.T) (*Client, *[]string) {
	t.Helper()
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scripts", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		switch r.Method {
		case http.MethodPost:
			var req CreateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Username != "admin" {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"permission denied"}`))
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(scriptJSON))
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"scripts":[` + scriptJSON + `],"total":1,"offset":0,"limit":5}`))
		}
	})
	mux.HandleFunc("/api/scripts/s0123", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		if r.Method == http.MethodDelete {
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		_, _ = w.Write([]byte(scriptJSON))
	})
	mux.HandleFunc("/api/scripts/s0123/history", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		_, _ = w.Write([]byte(`[{"type":"created","occurred_at":"2026-10-17T10:00:00Z","script_id":"s0123"}]`))
	})
	mux.HandleFunc("/api/runtime", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"version":"0.21.2","compatible":true}`))
	})
	mux.HandleFunc("/api/scripts/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"script not found: missing"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)
	return c, &seen
}

func TestClientScripts(t *testing.T) {
	c, seen := newTestServer(t)
	ctx := context.Background()

	s, err := c.Create(ctx, CreateRequest{Code: "BEGIN { @x = 1; }", Username: "admin"})
	require.NoError(t, err)
	assert.Equal(t, "s0123", s.ID)
	assert.Equal(t, "started", s.State.Status)
	assert.Equal(t, 42, s.State.PID)
	assert.Equal(t, float64(1), s.State.Data["x"])
	assert.Equal(t, "control", s.Variables["x"].MetricType)
	assert.EqualValues(t, 60, s.State.Stats.AcceptedBytes)

	list, err := c.List(ctx, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Scripts, 1)

	_, err = c.Get(ctx, "s0123")
	require.NoError(t, err)
	events, err := c.History(ctx, "s0123", 3)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "created", events[0].Type)
	require.NoError(t, c.Delete(ctx, "s0123"))

	assert.Equal(t, []string{
		"POST /api/scripts",
		"GET /api/scripts?limit=5&offset=0",
		"GET /api/scripts/s0123",
		"GET /api/scripts/s0123/history?limit=3",
		"DELETE /api/scripts/s0123",
	}, *seen)

	assert.True(t, c.IsReachable(ctx))
}

func TestClientErrors(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateRequest{Code: "BEGIN {}", Username: "mallory"})
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusForbidden, ae.StatusCode)
	assert.Equal(t, "permission denied", ae.Message)

	_, err = c.Get(ctx, "missing")
	assert.True(t, IsNotFound(err))

	down, err := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	require.NoError(t, err)
	assert.False(t, down.IsReachable(ctx))
}

func TestClientTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"version":"0.21.2","compatible":true}`))
	}))
	t.Cleanup(srv.Close)

	caPath := filepath.Join(t.TempDir(), "ca.crt")
	der := srv.Certificate().Raw
	require.NoError(t, os.WriteFile(caPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	_, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	c, err := New(Config{BaseURL: srv.URL, TLS: &TLSClientConfig{Enabled: true, CACert: caPath}})
	require.NoError(t, err)
	rt, err := c.Runtime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.21.2", rt.Version)

	_, err = New(Config{BaseURL: srv.URL, TLS: &TLSClientConfig{Enabled: true, CACert: filepath.Join(t.TempDir(), "none")}})
	require.Error(t, err)
}
