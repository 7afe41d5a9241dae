package dispatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mosaicfx/farmd/pkg/config"
	"github.com/mosaicfx/farmd/pkg/events"
	"github.com/mosaicfx/farmd/pkg/licenses"
	"github.com/mosaicfx/farmd/pkg/pools"
	"github.com/mosaicfx/farmd/pkg/transport"
	"github.com/mosaicfx/farmd/pkg/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapFromFileBackend(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workers.lst"), []byte("vfx01:8000 8 2.6 16000\nvfx02:8000 16 3.1 32000\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pools.yaml"), []byte("pools:\n  - name: gpu\n    renderNodes: [\"vfx02:8000\"]\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "licences.lst"), []byte("maya 4\n"), 0644))

	cfg := config.Default()
	cfg.ConfDir = dir
	cfg.LicenseFile = filepath.Join(dir, "licences.lst")
	cfg.DBEnable = false
	cfg.MasterUpdateInterval = time.Hour

	dt := tree.NewDispatchTree()
	lic := licenses.NewManager()
	d := New(cfg, dt, lic, transport.NewSender(1, 1, time.Millisecond), nil, events.NewBroker())

	backend := &pools.FileBackend{PoolsPath: cfg.PoolsFile(), WorkersPath: cfg.WorkersFile()}
	require.NoError(t, d.Bootstrap(backend))

	assert.Contains(t, dt.Pools, "default")
	assert.Contains(t, dt.Pools, "gpu")
	require.Len(t, dt.RenderNodes, 2)

	// pool membership follows the inventory; unlisted workers default
	assert.Len(t, dt.Pools["gpu"].RenderNodes, 1)
	assert.Len(t, dt.Pools["default"].RenderNodes, 1)

	require.NotNil(t, lic.Get("maya"))
	assert.Equal(t, 4, lic.Get("maya").Maximum)
}

func TestBootstrapWithoutBackend(t *testing.T) {
	cfg := config.Default()
	cfg.DBEnable = false
	cfg.LicenseFile = ""

	dt := tree.NewDispatchTree()
	d := New(cfg, dt, licenses.NewManager(), transport.NewSender(1, 1, time.Millisecond), nil, events.NewBroker())

	require.NoError(t, d.Bootstrap(nil))
	assert.Contains(t, dt.Pools, "default")
	assert.NotNil(t, dt.FindNodeByPath("/graphs"))
}
