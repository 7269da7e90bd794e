package harvest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wfsharvest/internal/artifact"
	"wfsharvest/internal/geo"
	"wfsharvest/internal/merge"
	"wfsharvest/internal/wfs"
)

// fakeGetter serves canned payloads and records how many requests it saw.
type fakeGetter struct {
	mu      sync.Mutex
	calls   int
	respond func(req wfs.Request) ([]byte, error)
}

func (f *fakeGetter) GetFeatures(_ context.Context, req wfs.Request) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeGetter) RequestURL(wfs.Request) string {
	return "http://wfs.example.test/geoserver/wfs"
}

func (f *fakeGetter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// collectionPayload builds a FeatureCollection with n features whose ids
// are derived from the bounding box, so different tiles yield overlapping
// feature keys only when their requests overlap.
func collectionPayload(bbox geo.BBox, n int) []byte {
	features := make([]string, 0, n)
	for i := 0; i < n; i++ {
		features = append(features, fmt.Sprintf(
			`{"type":"Feature","id":"buildings.%s.%d","geometry":{"type":"Point","coordinates":[%g,%g]},"properties":{"seq":%d}}`,
			geo.Coord(bbox.West), i, bbox.West, bbox.South, i))
	}
	return []byte(`{"type":"FeatureCollection","features":[` + strings.Join(features, ",") + `]}`)
}

func newTestFetcher(t *testing.T, dir string, cfg FetcherConfig, client wfs.FeatureGetter) (*Fetcher, *artifact.Store) {
	t.Helper()
	store, err := artifact.NewStore(dir, nil)
	require.NoError(t, err)
	conv := artifact.NewSQLiteConverter("buildings", "EPSG:4326", "EPSG:4326", false, nil)
	return NewFetcher(cfg, client, store, conv, zap.NewNop()), store
}

func rootTile() geo.Tile {
	return geo.Tile{
		BBox: geo.BBox{West: 4.2, South: 50.8, East: 4.25, North: 50.85},
		Path: "r0000",
	}
}

func TestFetchSkipsExistingArtifact(t *testing.T) {
	t.Parallel()

	client := &fakeGetter{respond: func(req wfs.Request) ([]byte, error) {
		return collectionPayload(req.BBox, 1), nil
	}}
	f, store := newTestFetcher(t, t.TempDir(), FetcherConfig{}, client)

	tile := rootTile()
	first := f.Fetch(context.Background(), tile)
	require.Len(t, first, 1)
	require.Equal(t, 1, client.callCount())

	// The second pass finds the artifact and never touches the network.
	second := f.Fetch(context.Background(), tile)
	require.Equal(t, first, second)
	require.Equal(t, 1, client.callCount())
	require.True(t, store.HasArtifact(tile.ID()))
}

func TestFetchSplitsSaturatedTile(t *testing.T) {
	t.Parallel()

	// MaxFeatures 10 puts the saturation threshold at 4 features. The root
	// tile responds saturated, its quadrants do not.
	client := &fakeGetter{respond: func(req wfs.Request) ([]byte, error) {
		if req.BBox.East-req.BBox.West > 0.03 {
			return collectionPayload(req.BBox, 4), nil
		}
		return collectionPayload(req.BBox, 2), nil
	}}
	f, store := newTestFetcher(t, t.TempDir(), FetcherConfig{MaxFeatures: 10}, client)

	paths := f.Fetch(context.Background(), rootTile())
	require.Len(t, paths, 4)
	// One root request plus one per quadrant.
	require.Equal(t, 5, client.callCount())
	// The saturated root produced no artifact of its own.
	require.False(t, store.HasArtifact(rootTile().ID()))
}

func TestFetchStopsSplittingAtMaxDepth(t *testing.T) {
	t.Parallel()

	// Every response is saturated, so only the depth bound stops the
	// recursion: 1 root, 4 at depth one, 16 converted leaves at depth two.
	client := &fakeGetter{respond: func(req wfs.Request) ([]byte, error) {
		return collectionPayload(req.BBox, 10), nil
	}}
	f, _ := newTestFetcher(t, t.TempDir(), FetcherConfig{MaxFeatures: 10, MaxDepth: 2}, client)

	paths := f.Fetch(context.Background(), rootTile())
	require.Len(t, paths, 16)
	require.Equal(t, 21, client.callCount())
}

func TestFetchIsolatesFailures(t *testing.T) {
	t.Parallel()

	client := &fakeGetter{respond: func(req wfs.Request) ([]byte, error) {
		return nil, fmt.Errorf("connection reset")
	}}
	f, _ := newTestFetcher(t, t.TempDir(), FetcherConfig{}, client)

	require.Empty(t, f.Fetch(context.Background(), rootTile()))
}

func newTestPipeline(t *testing.T, dir string, client wfs.FeatureGetter) (*Pipeline, *artifact.Store) {
	t.Helper()

	harvestDir := filepath.Join(dir, "harvest")
	f, store := newTestFetcher(t, harvestDir, FetcherConfig{MaxFeatures: 10}, client)
	validator := artifact.NewValidator("buildings", 0, nil)
	merger, err := merge.NewCoordinator(merge.Config{
		Layer:       "buildings",
		MergedPath:  filepath.Join(dir, "merged.sqlite"),
		DedupedPath: filepath.Join(dir, "deduped.sqlite"),
	}, nil)
	require.NoError(t, err)

	p, err := NewPipeline(PipelineConfig{
		Extent:      geo.Extent{West: 4.2, South: 50.8, East: 4.3, North: 50.85},
		Step:        0.05,
		Concurrency: 2,
	}, f, store, validator, merger, zap.NewNop())
	require.NoError(t, err)
	return p, store
}

func TestPipelineRun(t *testing.T) {
	t.Parallel()

	client := &fakeGetter{respond: func(req wfs.Request) ([]byte, error) {
		return collectionPayload(req.BBox, 2), nil
	}}
	p, store := newTestPipeline(t, t.TempDir(), client)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	// Two root tiles, two features each, all keys distinct.
	require.Equal(t, 2, res.Artifacts)
	require.Equal(t, int64(4), res.Merged)
	require.Equal(t, int64(4), res.Deduped)
	require.FileExists(t, res.DedupedPath)

	artifacts, err := store.ListArtifacts()
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
}

func TestPipelineResumeSkipsFetchedTiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	client := &fakeGetter{respond: func(req wfs.Request) ([]byte, error) {
		return collectionPayload(req.BBox, 2), nil
	}}
	p, _ := newTestPipeline(t, dir, client)

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	fetched := client.callCount()
	require.Equal(t, 2, fetched)

	// A rerun over the same grid reuses every artifact.
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, fetched, client.callCount())
}

func TestPipelineToleratesFailedTiles(t *testing.T) {
	t.Parallel()

	// One tile keeps failing; the run still merges the other.
	client := &fakeGetter{respond: func(req wfs.Request) ([]byte, error) {
		if req.BBox.West < 4.24 {
			return nil, fmt.Errorf("upstream timeout")
		}
		return collectionPayload(req.BBox, 2), nil
	}}
	p, _ := newTestPipeline(t, t.TempDir(), client)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Artifacts)
	require.Equal(t, int64(2), res.Merged)
}

func TestNewPipelineValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPipeline(PipelineConfig{
		Extent: geo.Extent{West: 4.3, South: 50.8, East: 4.2, North: 50.85},
		Step:   0.05,
	}, nil, nil, nil, nil, nil)
	require.Error(t, err)

	_, err = NewPipeline(PipelineConfig{
		Extent: geo.Extent{West: 4.2, South: 50.8, East: 4.3, North: 50.85},
		Step:   0,
	}, nil, nil, nil, nil, nil)
	require.Error(t, err)
}
