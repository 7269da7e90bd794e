package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	require.NoError(t, err)

	const tileID = "tile_4.200000_50.800000_4.250000_50.850000"
	require.Equal(t, filepath.Join(store.Dir(), tileID+".json"), store.RawPath(tileID))
	require.Equal(t, filepath.Join(store.Dir(), tileID+".sqlite"), store.ArtifactPath(tileID))
	require.False(t, store.HasArtifact(tileID))

	rawPath, err := store.WriteRaw(tileID, []byte(`{"type":"FeatureCollection","features":[]}`))
	require.NoError(t, err)
	require.FileExists(t, rawPath)

	store.RemoveRaw(tileID)
	require.NoFileExists(t, rawPath)

	// Removing an already-removed raw file is not an error.
	store.RemoveRaw(tileID)
}

func TestStoreCreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "output")
	_, err := NewStore(dir, nil)
	require.NoError(t, err)
	require.DirExists(t, dir)
}

func TestStoreRejectsEmptyDir(t *testing.T) {
	t.Parallel()

	_, err := NewStore("  ", nil)
	require.Error(t, err)
}

func TestListArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	require.NoError(t, err)

	names := []string{"tile_b.sqlite", "tile_a.sqlite", "tile_c.sqlite"}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	// Non-artifact files and partials are excluded from the listing.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tile_d.json"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tile_e.sqlite.partial"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.sqlite"), 0o750))

	paths, err := store.ListArtifacts()
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(store.Dir(), "tile_a.sqlite"),
		filepath.Join(store.Dir(), "tile_b.sqlite"),
		filepath.Join(store.Dir(), "tile_c.sqlite"),
	}, paths)
}
