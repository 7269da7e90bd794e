package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wfsharvest/internal/api"
	"wfsharvest/internal/artifact"
	"wfsharvest/internal/config"
	"wfsharvest/internal/harvest"
	"wfsharvest/internal/merge"
	"wfsharvest/internal/wfs"
)

// newHarvestCmd creates the 'harvest' subcommand: the full pipeline from
// tile grid to deduplicated dataset.
func newHarvestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "harvest",
		Short: "Fetch all tiles, then validate and merge the artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pipeline, err := buildPipeline(cfg, logger)
			if err != nil {
				return err
			}

			if cfg.Server.Enabled {
				srv := api.NewServer(logger)
				go func() {
					if err := srv.ListenAndServe(cmd.Context(), cfg.Server.Port); err != nil {
						logger.Warn("status server stopped", zap.Error(err))
					}
				}()
			}

			res, err := pipeline.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("harvest: %w", err)
			}
			logger.Info("datasets written",
				zap.String("merged", res.MergedPath),
				zap.String("deduped", res.DedupedPath),
			)
			return nil
		},
	}
}

// buildPipeline assembles the full pipeline from configuration.
func buildPipeline(cfg config.Config, logger *zap.Logger) (*harvest.Pipeline, error) {
	client, err := wfs.New(wfs.Config{
		BaseURL:      cfg.WFS.BaseURL,
		Layer:        cfg.WFS.Layer,
		Version:      cfg.WFS.Version,
		SRS:          cfg.WFS.SRS,
		OutputFormat: cfg.WFS.OutputFormat,
		UserAgent:    cfg.WFS.UserAgent,
		Timeout:      cfg.HTTPTimeout(),
		RPS:          cfg.WFS.RPS,
	})
	if err != nil {
		return nil, fmt.Errorf("init wfs client: %w", err)
	}
	retrying := wfs.NewRetryingClient(client, cfg.Fetch.MaxRetries, cfg.BackoffBase(), logger)

	store, err := artifact.NewStore(cfg.Output.HarvestDir, logger)
	if err != nil {
		return nil, fmt.Errorf("init artifact store: %w", err)
	}
	converter := artifact.NewSQLiteConverter(cfg.WFS.Layer, cfg.WFS.SRS, cfg.WFS.SRS, cfg.WFS.SwapAxes, logger)

	fetcher := harvest.NewFetcher(harvest.FetcherConfig{
		MaxFeatures:     cfg.Fetch.MaxFeatures,
		SaturationRatio: cfg.Fetch.SaturationRatio,
		MaxDepth:        cfg.Fetch.MaxDepth,
	}, retrying, store, converter, logger)

	validator := artifact.NewValidator(cfg.WFS.Layer, cfg.Validation.ChunkSize, logger)

	merger, err := merge.NewCoordinator(merge.Config{
		Layer:       cfg.WFS.Layer,
		BatchSize:   cfg.Merge.BatchSize,
		MergedPath:  cfg.Output.MergedPath,
		DedupedPath: cfg.Output.DedupedPath,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init merge coordinator: %w", err)
	}

	return harvest.NewPipeline(harvest.PipelineConfig{
		Extent:      cfg.Extent(),
		Step:        cfg.Grid.Step,
		Concurrency: cfg.Fetch.Concurrency,
	}, fetcher, store, validator, merger, logger)
}
