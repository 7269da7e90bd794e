package artifact

import (
	"context"
	"database/sql"
	"sync"

	"go.uber.org/zap"

	"wfsharvest/internal/metrics"
)

const defaultValidateChunk = 500

// Validator checks candidate artifacts for the expected feature layer in
// bounded concurrent chunks. Its input is the store listing, not the fetch
// results, so it works equally for a fresh run and a resumed one.
type Validator struct {
	table     string
	chunkSize int
	logger    *zap.Logger
}

// NewValidator builds a Validator for the given layer.
func NewValidator(layer string, chunkSize int, logger *zap.Logger) *Validator {
	if chunkSize <= 0 {
		chunkSize = defaultValidateChunk
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		table:     LayerTable(layer),
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// Validate returns the subset of paths whose artifact contains the expected
// layer. Probes that fail for any reason are excluded the same way invalid
// artifacts are; the merge phase simply never sees them.
func (v *Validator) Validate(ctx context.Context, paths []string) []string {
	valid := make([]string, 0, len(paths))
	for start := 0; start < len(paths); start += v.chunkSize {
		end := start + v.chunkSize
		if end > len(paths) {
			end = len(paths)
		}
		chunk := paths[start:end]

		results := make([]bool, len(chunk))
		var wg sync.WaitGroup
		for i, path := range chunk {
			wg.Add(1)
			go func(i int, path string) {
				defer wg.Done()
				results[i] = v.probe(ctx, path)
			}(i, path)
		}
		wg.Wait()

		for i, ok := range results {
			if ok {
				valid = append(valid, chunk[i])
				metrics.ObserveValidation("valid")
			} else {
				metrics.ObserveValidation("invalid")
				v.logger.Debug("artifact failed validation", zap.String("path", chunk[i]))
			}
		}
		v.logger.Info("validated artifact chunk",
			zap.Int("checked", end), zap.Int("total", len(paths)), zap.Int("valid", len(valid)))
	}
	return valid
}

func (v *Validator) probe(ctx context.Context, path string) bool {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return false
	}
	defer db.Close() //nolint:errcheck // read-only probe

	var n int
	err = db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, v.table).Scan(&n)
	return err == nil && n == 1
}
