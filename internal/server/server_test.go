package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"tradegrid/internal/config"
	"tradegrid/internal/platform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestServer(t *testing.T) (*httptest.Server, *platform.Platform) {
	t.Helper()
	dir := t.TempDir()

	gatewayPath := writeFile(t, dir, "gateway.toml", `
gateway_name = "Stub"
exchange = "Stub"

[[instruments]]
name = "BTCUSDT"
base = "BTC"
quote = "USDT"
`)
	robotPath := writeFile(t, dir, "robot.toml", `
name = "r1"
gateway = "Stub"

[strategy]
name = "stub"
strategy_type = "Stub"

[pnl]
currency = "USDT"
max_loss = 1000
stop_loss = 100
`)

	p, err := platform.Load(context.Background(), config.Platform{
		Robots:   []config.ComponentRef{{Name: "r1", ConfigFilePath: robotPath}},
		Gateways: []config.ComponentRef{{Name: "Stub", ConfigFilePath: gatewayPath}},
		Storage:  config.Storage{SnapshotDir: filepath.Join(dir, "data")},
	})
	require.NoError(t, err)

	s := New(":0", p)
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return ts, p
}

func get(t *testing.T, url string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]string{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func post(t *testing.T, url string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]string{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealthAndHome(t *testing.T) {
	ts, _ := newTestServer(t)

	code, body := get(t, ts.URL+"/api/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, _ = get(t, ts.URL+"/")
	assert.Equal(t, http.StatusOK, code)
}

func TestPlatformLifecycleEndpoints(t *testing.T) {
	ts, p := newTestServer(t)
	defer func() { _ = p.Stop() }()

	code, body := get(t, ts.URL+"/api/platform/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Stopped", body["status"])

	code, _ = post(t, ts.URL+"/api/platform/start")
	assert.Equal(t, http.StatusOK, code)

	// Starting twice is a conflict.
	code, body = post(t, ts.URL+"/api/platform/start")
	assert.Equal(t, http.StatusConflict, code)
	assert.NotEmpty(t, body["error"])

	code, body = get(t, ts.URL+"/api/platform/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Active", body["status"])

	code, _ = post(t, ts.URL+"/api/platform/stop")
	assert.Equal(t, http.StatusOK, code)
}

func TestRobotEndpoints(t *testing.T) {
	ts, p := newTestServer(t)
	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Stop() }()

	code, body := get(t, ts.URL+"/api/robot/list")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Active", body["r1"])

	code, body = get(t, ts.URL+"/api/robot/status/r1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Active", body["status"])

	code, body = get(t, ts.URL+"/api/robot/info/r1")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["info"], "r1")

	code, _ = get(t, ts.URL+"/api/robot/status/ghost")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = post(t, ts.URL+"/api/robot/lock/r1")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, ts.URL+"/api/robot/status/r1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Locked", body["status"])

	// A locked robot cannot be restarted.
	code, _ = post(t, ts.URL+"/api/robot/start/r1")
	assert.Equal(t, http.StatusConflict, code)
}

func TestGatewayEndpoints(t *testing.T) {
	ts, p := newTestServer(t)
	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Stop() }()

	code, body := get(t, ts.URL+"/api/gateway/list")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Active", body["Stub"])

	code, body = get(t, ts.URL+"/api/gateway/status/Stub")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Active", body["status"])

	code, _ = get(t, ts.URL+"/api/gateway/status/ghost")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/platform/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out, "order_path")
	assert.Contains(t, out, "queue_drops")
}
