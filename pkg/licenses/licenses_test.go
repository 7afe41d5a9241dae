package licenses

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "licences.lst")
	content := `# site licenses
maya 2

nuke 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	m := NewManager()
	require.NoError(t, m.LoadFile(path))

	maya := m.Get("maya")
	require.NotNil(t, maya)
	assert.Equal(t, 2, maya.Maximum)
	assert.Equal(t, 10, m.Get("nuke").Maximum)
	assert.Nil(t, m.Get("houdini"))
}

func TestLoadFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "licences.lst")
	require.NoError(t, os.WriteFile(path, []byte("maya two\n"), 0644))

	m := NewManager()
	assert.Error(t, m.LoadFile(path))
}

func TestReserveRelease(t *testing.T) {
	m := NewManager()
	m.SetMax("maya", 2)

	assert.True(t, m.Reserve("maya", "vfx01:8000"))
	assert.True(t, m.Reserve("maya", "vfx02:8000"))
	assert.False(t, m.Reserve("maya", "vfx03:8000"))

	lic := m.Get("maya")
	assert.Equal(t, 2, lic.Used)
	assert.Len(t, lic.CurrentUsingRenderNodes, 2)

	m.Release("maya", "vfx01:8000")
	assert.Equal(t, 1, lic.Used)
	assert.True(t, m.Reserve("maya", "vfx03:8000"))
}

func TestReserveUnknownLicense(t *testing.T) {
	m := NewManager()
	assert.False(t, m.Reserve("houdini", "vfx01:8000"))
}

func TestReleaseWithoutReservation(t *testing.T) {
	m := NewManager()
	m.SetMax("maya", 1)

	m.Release("maya", "vfx01:8000")
	assert.Equal(t, 0, m.Get("maya").Used)
}

func TestSetMaxKeepsHolders(t *testing.T) {
	m := NewManager()
	m.SetMax("maya", 3)
	m.Reserve("maya", "a")
	m.Reserve("maya", "b")

	m.SetMax("maya", 1)

	lic := m.Get("maya")
	assert.Equal(t, 2, lic.Used)
	assert.Equal(t, 1, lic.Maximum)
	// no new seats while over the maximum
	assert.False(t, m.Reserve("maya", "c"))
}

func TestReloadKeepsReservations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "licences.lst")
	require.NoError(t, os.WriteFile(path, []byte("maya 2\n"), 0644))

	m := NewManager()
	require.NoError(t, m.LoadFile(path))
	m.Reserve("maya", "vfx01:8000")

	require.NoError(t, os.WriteFile(path, []byte("maya 5\n"), 0644))
	require.NoError(t, m.LoadFile(path))

	lic := m.Get("maya")
	assert.Equal(t, 5, lic.Maximum)
	assert.Equal(t, 1, lic.Used)
}

func TestListSorted(t *testing.T) {
	m := NewManager()
	m.SetMax("nuke", 1)
	m.SetMax("maya", 1)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "maya", list[0].Name)
	assert.Equal(t, "nuke", list[1].Name)
}
