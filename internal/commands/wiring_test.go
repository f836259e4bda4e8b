package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/mockcloud/internal/collab"
	"evalgo.org/mockcloud/internal/config"
	"evalgo.org/mockcloud/internal/sandbox"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Fleet: config.FleetConfig{
			ServersRoot: filepath.Join(dir, "servers"),
			LedgerPath:  filepath.Join(dir, "mock_ledger.json"),
			SDCVersion:  "7.0",
		},
		Network: config.NetworkConfig{
			Assigner:       "pool",
			PoolCIDR:       "10.99.99.0/24",
			PoolServerHost: "10.99.99.1",
		},
		Booter:   config.BooterConfig{Port: 80, Timeout: time.Second},
		Metadata: config.MetadataConfig{Static: map[string]string{"mac_prefix": "06:de:ad"}},
		Agents:   config.AgentsConfig{UUIDEnv: "MOCKCN_SERVER_UUID", HeartbeatInterval: time.Hour},
	}
}

func noopExec(ctx context.Context, c sandbox.Command) ([]byte, error) {
	return nil, nil
}

func TestBuildFleet(t *testing.T) {
	c := testConfig(t)
	require.NoError(t, os.MkdirAll(c.Fleet.ServersRoot, 0755))

	stack, err := buildFleet(c, zaptest.NewLogger(t).Sugar(), nil, noopExec)
	require.NoError(t, err)
	require.NotNil(t, stack.service)
	assert.Equal(t, c.Fleet.ServersRoot, stack.layout.Root)

	report, err := stack.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Running)
	assert.Empty(t, stack.service.Ledger())
	restored, err := stack.service.RestoreLeases(context.Background())
	require.NoError(t, err)
	assert.Zero(t, restored)
	assert.NoError(t, stack.reconciler.Shutdown(context.Background()))
}

func TestBuildFleetBadCatalog(t *testing.T) {
	c := testConfig(t)
	c.Profiles.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := buildFleet(c, zaptest.NewLogger(t).Sugar(), nil, noopExec)
	assert.Error(t, err)
}

func TestBuildAssigner(t *testing.T) {
	pool, err := buildAssigner(config.NetworkConfig{PoolCIDR: "10.0.0.0/24", PoolServerHost: "10.0.0.1"})
	require.NoError(t, err)
	assert.IsType(t, &collab.PoolAssigner{}, pool)

	remote, err := buildAssigner(config.NetworkConfig{Assigner: "http", AssignerURL: "http://127.0.0.1:9000", Timeout: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &collab.HTTPAssigner{}, remote)

	_, err = buildAssigner(config.NetworkConfig{Assigner: "pool", PoolCIDR: "nope"})
	assert.Error(t, err)

	_, err = buildAssigner(config.NetworkConfig{Assigner: "dhcp"})
	assert.Error(t, err)
}

func TestAPIURL(t *testing.T) {
	saved := cfg
	t.Cleanup(func() { cfg = saved; serversURL = "" })

	cfg = &config.Config{Server: config.ServerConfig{Host: "0.0.0.0", Port: 8080}}
	assert.Equal(t, "http://127.0.0.1:8080", apiURL())

	cfg.Server.Host = "10.1.2.3"
	assert.Equal(t, "http://10.1.2.3:8080", apiURL())

	serversURL = "http://example.test:9999"
	assert.Equal(t, "http://example.test:9999", apiURL())
}
