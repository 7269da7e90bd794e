// Package merge combines validated artifacts into a single dataset and
// derives the final deduplicated dataset from it. Unlike per-tile fetch
// failures, which are absorbed, any failure here aborts the whole merge:
// the output dataset is either complete or absent, never partial.
package merge

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"go.uber.org/zap"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"wfsharvest/internal/artifact"
	"wfsharvest/internal/metrics"
)

const (
	defaultBatchSize = 1000
	partialSuffix    = ".partial"
)

// Config controls the merge coordinator.
type Config struct {
	Layer       string
	BatchSize   int
	MergedPath  string
	DedupedPath string
}

// LayerRef points at one artifact's layer table.
type LayerRef struct {
	Path  string
	Table string
}

// Composite is the virtual descriptor for one batch: every source the
// append pass pulls from.
type Composite struct {
	Sources []LayerRef
}

// Result summarizes a completed merge.
type Result struct {
	MergedPath  string
	DedupedPath string
	Artifacts   int
	Batches     int
	Merged      int64
	Deduped     int64
}

// Coordinator batches artifacts into the merged dataset and runs the
// deduplication pass.
type Coordinator struct {
	cfg    Config
	table  string
	logger *zap.Logger
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if cfg.MergedPath == "" || cfg.DedupedPath == "" {
		return nil, fmt.Errorf("merged and deduplicated output paths are required")
	}
	if cfg.MergedPath == cfg.DedupedPath {
		return nil, fmt.Errorf("merged and deduplicated output paths must differ")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:    cfg,
		table:  artifact.LayerTable(cfg.Layer),
		logger: logger,
	}, nil
}

// Merge appends every artifact into the merged dataset in fixed-size
// batches, then derives the deduplicated dataset. Both outputs are written
// to a partial path and renamed into place only on success.
func (c *Coordinator) Merge(ctx context.Context, artifacts []string) (Result, error) {
	res := Result{Artifacts: len(artifacts)}
	if len(artifacts) == 0 {
		return res, fmt.Errorf("no valid artifacts to merge")
	}

	merged, err := c.mergeBatches(ctx, artifacts, &res)
	if err != nil {
		return res, err
	}
	res.MergedPath = c.cfg.MergedPath
	res.Merged = merged

	deduped, err := c.dedupe(ctx)
	if err != nil {
		return res, err
	}
	res.DedupedPath = c.cfg.DedupedPath
	res.Deduped = deduped
	return res, nil
}

func (c *Coordinator) mergeBatches(ctx context.Context, artifacts []string, res *Result) (int64, error) {
	partial := c.cfg.MergedPath + partialSuffix
	_ = os.Remove(partial)

	db, err := openDataset(partial)
	if err != nil {
		return 0, err
	}
	defer db.Close() //nolint:errcheck // closed before rename below

	if err := c.createLayerTable(ctx, db, ""); err != nil {
		_ = os.Remove(partial)
		return 0, err
	}

	for start := 0; start < len(artifacts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(artifacts) {
			end = len(artifacts)
		}
		comp := c.buildComposite(artifacts[start:end])
		if err := c.appendComposite(ctx, db, comp); err != nil {
			_ = db.Close()
			_ = os.Remove(partial)
			return 0, fmt.Errorf("merge batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		metrics.ObserveMergeBatch()
		c.logger.Info("merged artifact batch",
			zap.Int("batch", res.Batches),
			zap.Int("artifacts", end),
			zap.Int("total", len(artifacts)),
		)
	}

	var rows int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+c.table).Scan(&rows); err != nil {
		_ = db.Close()
		_ = os.Remove(partial)
		return 0, fmt.Errorf("count merged records: %w", err)
	}

	if err := db.Close(); err != nil {
		_ = os.Remove(partial)
		return 0, fmt.Errorf("close merged dataset: %w", err)
	}
	if err := os.Rename(partial, c.cfg.MergedPath); err != nil {
		_ = os.Remove(partial)
		return 0, fmt.Errorf("finalize merged dataset: %w", err)
	}
	return rows, nil
}

// buildComposite assembles the virtual descriptor for one batch.
func (c *Coordinator) buildComposite(paths []string) Composite {
	sources := make([]LayerRef, 0, len(paths))
	for _, p := range paths {
		sources = append(sources, LayerRef{Path: p, Table: c.table})
	}
	return Composite{Sources: sources}
}

// appendComposite attaches each source in turn and appends its layer into
// the output table. The first failing source fails the batch.
func (c *Coordinator) appendComposite(ctx context.Context, db *sql.DB, comp Composite) error {
	for _, src := range comp.Sources {
		if _, err := db.ExecContext(ctx, `ATTACH DATABASE ? AS src`, src.Path); err != nil {
			return fmt.Errorf("attach %s: %w", src.Path, err)
		}
		insert := fmt.Sprintf(
			`INSERT INTO %s (feature_key, tile_id, properties, geometry)
			 SELECT feature_key, tile_id, properties, geometry FROM src.%s`,
			c.table, src.Table)
		_, insErr := db.ExecContext(ctx, insert)
		if _, err := db.ExecContext(ctx, `DETACH DATABASE src`); err != nil && insErr == nil {
			insErr = fmt.Errorf("detach %s: %w", src.Path, err)
		}
		if insErr != nil {
			return fmt.Errorf("append %s: %w", src.Path, insErr)
		}
	}
	return nil
}

// dedupe derives the deduplicated dataset: per feature_key group, exactly
// the record with the smallest fid survives.
func (c *Coordinator) dedupe(ctx context.Context) (int64, error) {
	partial := c.cfg.DedupedPath + partialSuffix
	_ = os.Remove(partial)

	db, err := openDataset(partial)
	if err != nil {
		return 0, err
	}
	defer db.Close() //nolint:errcheck // closed before rename below

	fail := func(err error) (int64, error) {
		_ = db.Close()
		_ = os.Remove(partial)
		return 0, err
	}

	if err := c.createLayerTable(ctx, db, ""); err != nil {
		return fail(err)
	}
	if _, err := db.ExecContext(ctx, `ATTACH DATABASE ? AS merged`, c.cfg.MergedPath); err != nil {
		return fail(fmt.Errorf("attach merged dataset: %w", err))
	}
	insert := fmt.Sprintf(
		`INSERT INTO %[1]s (fid, feature_key, tile_id, properties, geometry)
		 SELECT f.fid, f.feature_key, f.tile_id, f.properties, f.geometry
		 FROM merged.%[1]s f
		 JOIN (SELECT MIN(fid) AS fid FROM merged.%[1]s GROUP BY feature_key) keep
		   ON keep.fid = f.fid`, c.table)
	if _, err := db.ExecContext(ctx, insert); err != nil {
		return fail(fmt.Errorf("deduplicate: %w", err))
	}
	if _, err := db.ExecContext(ctx, `DETACH DATABASE merged`); err != nil {
		return fail(fmt.Errorf("detach merged dataset: %w", err))
	}

	var rows int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+c.table).Scan(&rows); err != nil {
		return fail(fmt.Errorf("count deduplicated records: %w", err))
	}

	if err := db.Close(); err != nil {
		_ = os.Remove(partial)
		return 0, fmt.Errorf("close deduplicated dataset: %w", err)
	}
	if err := os.Rename(partial, c.cfg.DedupedPath); err != nil {
		_ = os.Remove(partial)
		return 0, fmt.Errorf("finalize deduplicated dataset: %w", err)
	}
	return rows, nil
}

func (c *Coordinator) createLayerTable(ctx context.Context, db *sql.DB, prefix string) error {
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s%s (
		fid INTEGER PRIMARY KEY AUTOINCREMENT,
		feature_key TEXT NOT NULL,
		tile_id TEXT NOT NULL,
		properties TEXT NOT NULL,
		geometry TEXT NOT NULL
	)`, prefix, c.table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create layer table: %w", err)
	}
	return nil
}

// openDataset opens a dataset on a single connection; ATTACH is
// per-connection state, so the pool must never grow past one.
func openDataset(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
