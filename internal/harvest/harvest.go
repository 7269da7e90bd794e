package harvest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wfsharvest/internal/artifact"
	"wfsharvest/internal/geo"
	"wfsharvest/internal/merge"
	"wfsharvest/internal/metrics"
)

const defaultConcurrency = 6

// PipelineConfig controls a full harvest run.
type PipelineConfig struct {
	Extent geo.Extent
	Step   float64
	// Concurrency bounds how many root tiles are in flight at once. It does
	// not bound the recursive fan-out below a splitting tile.
	Concurrency int
}

// Pipeline wires the fetch, validate and merge phases together.
type Pipeline struct {
	cfg       PipelineConfig
	fetcher   *Fetcher
	store     *artifact.Store
	validator *artifact.Validator
	merger    *merge.Coordinator
	logger    *zap.Logger
}

// NewPipeline builds a Pipeline.
func NewPipeline(cfg PipelineConfig, fetcher *Fetcher, store *artifact.Store, validator *artifact.Validator, merger *merge.Coordinator, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Extent.Validate(); err != nil {
		return nil, fmt.Errorf("invalid extent: %w", err)
	}
	if cfg.Step <= 0 {
		return nil, fmt.Errorf("grid step must be positive, got %g", cfg.Step)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:       cfg,
		fetcher:   fetcher,
		store:     store,
		validator: validator,
		merger:    merger,
		logger:    logger,
	}, nil
}

// Run executes a full harvest: fetch every root tile, then validate and
// merge whatever artifacts the store holds. Tiles that already have an
// artifact are skipped, so rerunning after an interruption resumes where
// the previous run stopped.
func (p *Pipeline) Run(ctx context.Context) (merge.Result, error) {
	runID := uuid.NewString()
	start := time.Now()

	tiles := geo.Grid(p.cfg.Extent, p.cfg.Step)
	p.logger.Info("starting harvest",
		zap.String("run_id", runID),
		zap.Int("tiles", len(tiles)),
		zap.Float64("step", p.cfg.Step),
		zap.Int("concurrency", p.cfg.Concurrency),
	)
	if len(tiles) == 0 {
		return merge.Result{}, fmt.Errorf("grid for extent is empty")
	}

	p.fetchTiles(ctx, tiles)
	if err := ctx.Err(); err != nil {
		return merge.Result{}, fmt.Errorf("harvest interrupted: %w", err)
	}

	res, err := p.ValidateAndMerge(ctx)
	if err != nil {
		return res, err
	}
	p.logger.Info("harvest complete",
		zap.String("run_id", runID),
		zap.Int("artifacts", res.Artifacts),
		zap.Int64("merged", res.Merged),
		zap.Int64("deduped", res.Deduped),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// fetchTiles dispatches root tiles through the concurrency gate. Each root
// tile owns its recursive subtree; subtree fan-out is not gated.
func (p *Pipeline) fetchTiles(ctx context.Context, tiles []geo.Tile) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.cfg.Concurrency)
	for _, tile := range tiles {
		sem <- struct{}{}
		metrics.RootFetchStarted()
		wg.Add(1)
		go func(tile geo.Tile) {
			defer func() {
				metrics.RootFetchFinished()
				<-sem
				wg.Done()
			}()
			p.fetcher.Fetch(ctx, tile)
		}(tile)
	}
	wg.Wait()
}

// ValidateAndMerge runs the second half of the pipeline against whatever
// the store currently holds. The harvest command calls it after fetching;
// the merge command calls it directly to resume from existing artifacts.
func (p *Pipeline) ValidateAndMerge(ctx context.Context) (merge.Result, error) {
	candidates, err := p.store.ListArtifacts()
	if err != nil {
		return merge.Result{}, fmt.Errorf("list artifacts: %w", err)
	}
	p.logger.Info("validating artifacts", zap.Int("candidates", len(candidates)))

	valid := p.validator.Validate(ctx, candidates)
	if dropped := len(candidates) - len(valid); dropped > 0 {
		p.logger.Warn("dropped invalid artifacts", zap.Int("dropped", dropped))
	}

	res, err := p.merger.Merge(ctx, valid)
	if err != nil {
		return res, fmt.Errorf("merge: %w", err)
	}
	return res, nil
}
