// Package harvest orchestrates the tile fetch pipeline: adaptive
// subdivision of saturated tiles, bounded root-tile concurrency, and the
// validate and merge phases that turn artifacts into the final datasets.
package harvest

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"wfsharvest/internal/artifact"
	"wfsharvest/internal/geo"
	"wfsharvest/internal/metrics"
	"wfsharvest/internal/wfs"
)

const (
	defaultMaxFeatures = 1000
	defaultSaturation  = 0.4
	defaultMaxDepth    = 5
)

// FetcherConfig controls a single tile fetch and the subdivision policy.
type FetcherConfig struct {
	// MaxFeatures is the page cap requested from the service. A response
	// holding SaturationRatio of it or more is treated as truncated.
	MaxFeatures     int
	SaturationRatio float64
	MaxDepth        int
}

func (c *FetcherConfig) applyDefaults() {
	if c.MaxFeatures <= 0 {
		c.MaxFeatures = defaultMaxFeatures
	}
	if c.SaturationRatio <= 0 {
		c.SaturationRatio = defaultSaturation
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = defaultMaxDepth
	}
}

// Fetcher resolves one tile into zero or more artifacts, recursively
// splitting tiles whose responses look truncated by the service cap.
type Fetcher struct {
	cfg       FetcherConfig
	threshold int
	client    wfs.FeatureGetter
	store     *artifact.Store
	converter artifact.Converter
	logger    *zap.Logger
}

// NewFetcher builds a Fetcher.
func NewFetcher(cfg FetcherConfig, client wfs.FeatureGetter, store *artifact.Store, converter artifact.Converter, logger *zap.Logger) *Fetcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		threshold: int(cfg.SaturationRatio * float64(cfg.MaxFeatures)),
		client:    client,
		store:     store,
		converter: converter,
		logger:    logger,
	}
}

// Fetch resolves a tile into artifact paths. A failed tile is logged and
// contributes nothing; it never fails the run. Recursion after a split is
// deliberately not bounded by the root semaphore, so a splitting tile can
// briefly exceed the configured concurrency.
func (f *Fetcher) Fetch(ctx context.Context, tile geo.Tile) []string {
	tileID := tile.ID()

	// Resume support: an existing artifact means the tile is done.
	if f.store.HasArtifact(tileID) {
		f.logger.Debug("artifact exists, skipping fetch", zap.String("tile", tileID))
		metrics.ObserveTile("cached")
		return []string{f.store.ArtifactPath(tileID)}
	}

	req := wfs.Request{BBox: tile.BBox, Count: f.cfg.MaxFeatures}
	payload, err := f.client.GetFeatures(ctx, req)
	if err != nil {
		f.logger.Error("tile fetch failed",
			zap.String("tile", tileID),
			zap.String("url", f.client.RequestURL(req)),
			zap.Error(err),
		)
		metrics.ObserveTile("failed")
		return nil
	}

	count := wfs.CountFeatures(payload)
	if count >= f.threshold && tile.Depth < f.cfg.MaxDepth {
		f.logger.Info("tile saturated, splitting",
			zap.String("tile", tileID),
			zap.Int("features", count),
			zap.Int("depth", tile.Depth),
		)
		metrics.ObserveTileSplit()
		metrics.ObserveTile("split")
		return f.fetchQuadrants(ctx, tile)
	}

	rawPath, err := f.store.WriteRaw(tileID, payload)
	if err != nil {
		f.logger.Error("tile write failed", zap.String("tile", tileID), zap.Error(err))
		metrics.ObserveTile("failed")
		return nil
	}

	artifactPath := f.store.ArtifactPath(tileID)
	if err := f.converter.Convert(ctx, rawPath, artifactPath, tileID); err != nil {
		f.logger.Error("tile conversion failed",
			zap.String("tile", tileID),
			zap.String("url", f.client.RequestURL(req)),
			zap.Error(err),
		)
		metrics.ObserveTile("failed")
		return nil
	}
	f.store.RemoveRaw(tileID)

	f.logger.Debug("tile converted", zap.String("tile", tileID), zap.Int("features", count))
	metrics.ObserveTile("converted")
	return []string{artifactPath}
}

// fetchQuadrants fetches the four quadrants of a saturated tile
// concurrently and flattens their artifacts.
func (f *Fetcher) fetchQuadrants(ctx context.Context, tile geo.Tile) []string {
	quads := geo.SplitQuad(tile)

	var wg sync.WaitGroup
	results := make([][]string, len(quads))
	for i, quad := range quads {
		wg.Add(1)
		go func(i int, quad geo.Tile) {
			defer wg.Done()
			results[i] = f.Fetch(ctx, quad)
		}(i, quad)
	}
	wg.Wait()

	var flat []string
	for _, r := range results {
		flat = append(flat, r...)
	}
	return flat
}
