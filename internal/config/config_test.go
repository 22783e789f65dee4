package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetSimCore/internal/routing"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("../../configs/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.NumWorkers)
	assert.Equal(t, 300*time.Second, cfg.Engine.FlowIdleTimeout)
	assert.True(t, cfg.Routing.Cache.Enabled)
	assert.Equal(t, 1500, cfg.Pool.BufferSize)
	require.Len(t, cfg.Writers, 3)
	assert.Equal(t, 30*time.Second, cfg.Writers[1].SnapshotInterval)

	routes, err := cfg.StaticRoutes()
	require.NoError(t, err)
	require.Len(t, routes, 4)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), routes[0].Prefix)
	assert.Equal(t, "eth0", routes[0].Interface)
	assert.Equal(t, routing.DefaultAdminDistance, routes[0].AdminDistance)

	addrs, err := cfg.LocalAddrs()
	require.NoError(t, err)
	assert.Contains(t, addrs, netip.MustParseAddr("2001:db8::fe"))
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("writers:\n  - type: file\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Positive(t, cfg.Engine.NumWorkers)
	assert.Equal(t, 1000, cfg.Pool.MaxBuffers)
	assert.Equal(t, 60*time.Second, cfg.Pool.MaxIdle)
	assert.True(t, cfg.Routing.Cache.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Writers[0].SnapshotInterval)
	assert.Equal(t, "log", cfg.Alerter.Notifier)
}

func TestValidationRejectsBadInput(t *testing.T) {
	doc := `
log:
  format: xml
engine:
  local_addresses: ["not-an-ip"]
routing:
  routes:
    - network: 10.0.0.0/33
      next_hop: 192.168.1.1
      interface: eth0
writers:
  - type: kafka
alerter:
  rules:
    - name: r
      metric: errors
      operator: "!="
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, routing.ErrInvalidRoute)
	for _, want := range []string{"log.format", "local_addresses[0]", "writers[0]", "alerter.rules[0]"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestAdminDistanceOverride(t *testing.T) {
	cfg, err := Parse([]byte(`
routing:
  routes:
    - network: 10.0.0.0/8
      next_hop: 192.168.1.1
      interface: eth0
      admin_distance: 110
`))
	require.NoError(t, err)
	routes, err := cfg.StaticRoutes()
	require.NoError(t, err)
	assert.EqualValues(t, 110, routes[0].AdminDistance)
}
