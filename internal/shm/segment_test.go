package shm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenOrCreateSizesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	seg, err := OpenOrCreate(path, 4096)
	require.NoError(t, err)
	defer seg.Close()

	size, err := seg.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 4096, size)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMappingsShareBackingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	w, err := OpenOrCreate(path, 4096)
	require.NoError(t, err)
	defer w.Close()
	wm, err := w.Map(0, 4096)
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	rm, err := r.Map(0, 4096)
	require.NoError(t, err)

	copy(wm, "visible through the other mapping")
	assert.Equal(t, []byte("visible"), rm[:7])
}

func TestGrowNeverShrinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	seg, err := OpenOrCreate(path, 4096)
	require.NoError(t, err)
	defer seg.Close()

	require.NoError(t, seg.Grow(8192))
	require.Error(t, seg.Grow(1024))

	size, err := seg.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 8192, size)
}

func TestRemoveToleratesMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")
	seg, err := OpenOrCreate(path, 64)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path))
}
