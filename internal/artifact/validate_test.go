package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildArtifact(t *testing.T, dir, name, layer string) string {
	t.Helper()
	rawPath := writeRaw(t, dir, samplePayload)
	path := filepath.Join(dir, name)
	conv := NewSQLiteConverter(layer, "EPSG:4326", "EPSG:4326", false, nil)
	require.NoError(t, conv.Convert(context.Background(), rawPath, path, name))
	return path
}

func TestValidateFiltersInvalidArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := buildArtifact(t, dir, "tile_good.sqlite", "buildings")
	wrongLayer := buildArtifact(t, dir, "tile_wrong.sqlite", "roads")

	garbage := filepath.Join(dir, "tile_garbage.sqlite")
	require.NoError(t, os.WriteFile(garbage, []byte("not a database"), 0o600))

	missing := filepath.Join(dir, "tile_missing.sqlite")

	v := NewValidator("buildings", 500, nil)
	valid := v.Validate(context.Background(), []string{good, wrongLayer, garbage, missing})
	require.Equal(t, []string{good}, valid)
}

func TestValidateChunksLargeSets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	paths := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		paths = append(paths, buildArtifact(t, dir, fmt.Sprintf("tile_%02d.sqlite", i), "buildings"))
	}

	// Chunk size smaller than the input forces multiple passes.
	v := NewValidator("buildings", 3, nil)
	valid := v.Validate(context.Background(), paths)
	require.ElementsMatch(t, paths, valid)
}

func TestValidateEmptyInput(t *testing.T) {
	t.Parallel()

	v := NewValidator("buildings", 0, nil)
	require.Empty(t, v.Validate(context.Background(), nil))
}
