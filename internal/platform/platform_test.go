package platform

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradegrid/internal/config"
	"tradegrid/internal/robot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testConfig(t *testing.T) config.Platform {
	t.Helper()
	dir := t.TempDir()

	gatewayPath := writeFile(t, dir, "gateway.toml", `
gateway_name = "Stub"
exchange = "Stub"

[[instruments]]
name = "BTCUSDT"
base = "BTC"
quote = "USDT"
lot_size = 0.001
min_order_size = 0.001
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
	return config.Platform{
		Robots:   []config.ComponentRef{{Name: "r1", ConfigFilePath: robotPath}},
		Gateways: []config.ComponentRef{{Name: "Stub", ConfigFilePath: gatewayPath}},
		Storage:  config.Storage{SnapshotDir: filepath.Join(dir, "data")},
	}
}

func TestPlatformLoadStartStop(t *testing.T) {
	p, err := Load(context.Background(), testConfig(t))
	require.NoError(t, err)

	assert.Equal(t, StatusStopped, p.Status())
	assert.Len(t, p.Robots(), 1)
	assert.Len(t, p.Gateways(), 1)

	_, ok := p.Robot("r1")
	require.True(t, ok)
	_, ok = p.Gateway("Stub")
	require.True(t, ok)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, StatusActive, p.Status())
	require.Error(t, p.Start(context.Background()))

	r, _ := p.Robot("r1")
	require.Eventually(t, func() bool {
		return r.Status() == robot.StatusActive
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Stop())
	assert.Equal(t, StatusStopped, p.Status())
	require.Error(t, p.Stop())
	assert.Equal(t, robot.StatusStopped, r.Status())
	p.Close()
}

func TestPlatformRestart(t *testing.T) {
	p, err := Load(context.Background(), testConfig(t))
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())
}

func TestPlatformLoadRejectsUnknownStrategy(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	bad := writeFile(t, dir, "robot.toml", `
name = "r2"
gateway = "Stub"

[strategy]
name = "x"
strategy_type = "Momentum"
`)
	cfg.Robots = append(cfg.Robots, config.ComponentRef{Name: "r2", ConfigFilePath: bad})

	_, err := Load(context.Background(), cfg)
	require.Error(t, err)
}

func TestPlatformLoadRejectsDuplicateRobot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Robots = append(cfg.Robots, cfg.Robots[0])

	_, err := Load(context.Background(), cfg)
	require.Error(t, err)
}
