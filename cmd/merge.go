package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newMergeCmd creates the 'merge' subcommand. It skips fetching entirely
// and rebuilds the datasets from whatever artifacts the harvest directory
// already holds, which is how an interrupted run is finished by hand.
func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Validate and merge existing artifacts without fetching",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pipeline, err := buildPipeline(cfg, logger)
			if err != nil {
				return err
			}
			res, err := pipeline.ValidateAndMerge(cmd.Context())
			if err != nil {
				return fmt.Errorf("merge: %w", err)
			}
			logger.Info("datasets written",
				zap.Int("artifacts", res.Artifacts),
				zap.Int64("merged", res.Merged),
				zap.Int64("deduped", res.Deduped),
				zap.String("merged_path", res.MergedPath),
				zap.String("deduped_path", res.DedupedPath),
			)
			return nil
		},
	}
}
