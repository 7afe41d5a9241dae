package pools

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendPools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pools.yaml")
	content := `
pools:
  - name: gpu
    renderNodes: ["vfx01:8000"]
  - name: cpu
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	b := &FileBackend{PoolsPath: path}
	pools, err := b.ListPools()
	require.NoError(t, err)

	// the default pool is always present
	require.Len(t, pools, 3)
	assert.Equal(t, "default", pools[0].Name)
	assert.Equal(t, "gpu", pools[1].Name)
	assert.Equal(t, []string{"vfx01:8000"}, pools[1].RenderNodes)
}

func TestFileBackendPoolsMissingFile(t *testing.T) {
	b := &FileBackend{PoolsPath: "/nonexistent/pools.yaml"}
	pools, err := b.ListPools()
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "default", pools[0].Name)
}

func TestFileBackendWorkers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.lst")
	content := `# farm inventory
vfx01:8000 8 2.6 16000
vfx02:8000 16 3.1 32000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	b := &FileBackend{WorkersPath: path}
	workers, err := b.ListWorkers()
	require.NoError(t, err)

	require.Len(t, workers, 2)
	assert.Equal(t, WorkerDesc{Name: "vfx01:8000", Host: "vfx01", Port: 8000, Cores: 8, Speed: 2.6, RAM: 16000}, workers[0])
}

func TestFileBackendWorkersMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.lst")
	require.NoError(t, os.WriteFile(path, []byte("vfx01 8 2.6 16000\n"), 0644))

	b := &FileBackend{WorkersPath: path}
	_, err := b.ListWorkers()
	assert.Error(t, err)
}

func TestWSBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pools":
			w.Write([]byte(`{"pools":[{"name":"default"},{"name":"gpu"}]}`))
		case "/workers":
			w.Write([]byte(`{"workers":[{"name":"vfx01:8000","host":"vfx01","port":8000,"cores":8,"speed":2.6,"ram":16000}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := NewWSBackend(srv.URL)

	pools, err := b.ListPools()
	require.NoError(t, err)
	assert.Len(t, pools, 2)

	workers, err := b.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "vfx01", workers[0].Host)
}
