package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMarkerStore_SetAndCheck verifies the existence semantics.
func TestMarkerStore_SetAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".grass-configured")
	store := NewFileMarkerStore(path)

	assert.False(t, store.IsSet())

	require.NoError(t, store.Set())
	assert.True(t, store.IsSet())

	// Setting again is harmless.
	require.NoError(t, store.Set())
	assert.True(t, store.IsSet())
}

// TestMarkerStore_Clear verifies clear removes the marker and is idempotent.
func TestMarkerStore_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".grass-configured")
	store := NewFileMarkerStore(path)

	require.NoError(t, store.Set())
	require.NoError(t, store.Clear())
	assert.False(t, store.IsSet())

	// Clearing an unset marker is a no-op.
	require.NoError(t, store.Clear())
}

// TestMarkerStore_CreatesParentDir verifies Set works when the parent
// directory does not exist yet.
func TestMarkerStore_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", ".configured")
	store := NewFileMarkerStore(path)

	require.NoError(t, store.Set())
	assert.True(t, store.IsSet())

	// No temp residue next to the marker.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
