package shmsync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("raw-frames.cam0"))

	assert.ErrorIs(t, ValidateName(""), ErrNameInvalid)
	assert.ErrorIs(t, ValidateName("has space"), ErrNameInvalid)
	assert.ErrorIs(t, ValidateName("slash/attack"), ErrNameInvalid)

	long := make([]byte, MaxChannelNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, ValidateName(string(long)), ErrNameInvalid)
}

func TestSegmentPathNamespacing(t *testing.T) {
	dir := t.TempDir()

	plain, err := NewRegistry(dir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shmsync_frames"), plain.SegmentPath("frames"))

	spaced, err := NewRegistry(dir, "rig2")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shmsync_rig2_frames"), spaced.SegmentPath("frames"))
}

func TestEphemeralRegistriesDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	a := EphemeralRegistry(dir)
	b := EphemeralRegistry(dir)
	assert.NotEqual(t, a.SegmentPath("ch"), b.SegmentPath("ch"))
}

func TestRegistryExists(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir, "")
	require.NoError(t, err)

	assert.False(t, reg.Exists("ch"))
	require.NoError(t, os.WriteFile(reg.SegmentPath("ch"), nil, 0o600))
	assert.True(t, reg.Exists("ch"))
}
