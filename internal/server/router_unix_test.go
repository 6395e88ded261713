//go:build unix

package server

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bpftraced/internal/config"
	"github.com/loykin/bpftraced/internal/manager"
)

const fakeBPFtrace = `#!/bin/sh
cat > /dev/null
trap 'exit 0' INT
printf '%s\n' '{"type": "attached_probes", "data": {"probes": 1}}'
printf '%s\n' '{"type": "map", "data": {"@x": 7}}'
while true; do sleep 0.05; done
`

func TestStartStopRealProcess(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "bpftrace")
	require.NoError(t, os.WriteFile(bin, []byte(fakeBPFtrace), 0o755))
	cfg := config.Default().BPFtrace
	cfg.Path = bin
	cfg.StopTimeout = 2 * time.Second
	mgr, err := manager.New(cfg)
	require.NoError(t, err)
	h := setupRouter(t, "/api", mgr)

	rec := doReq(t, h, http.MethodPost, "/api/scripts", createReq{Code: "BEGIN { @x = 7; }", Username: "admin"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode(t, rec)["script_id"].(string)

	require.Eventually(t, func() bool {
		body := decode(t, doReq(t, h, http.MethodGet, "/api/scripts/"+id, nil))
		data, _ := body["state"].(map[string]any)["data"].(map[string]any)
		return status(body) == "started" && data["x"] == float64(7)
	}, 5*time.Second, 10*time.Millisecond)

	rec = doReq(t, h, http.MethodPost, "/api/scripts/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", status(decode(t, rec)))

	rec = doReq(t, h, http.MethodDelete, "/api/scripts/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
