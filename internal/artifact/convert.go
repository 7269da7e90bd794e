package artifact

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Converter materializes a named artifact from a raw fetched payload.
// It is invoked once per leaf tile.
type Converter interface {
	Convert(ctx context.Context, rawPath, artifactPath, tileID string) error
}

// SQLiteConverter parses a raw GeoJSON payload and writes a single-layer
// SQLite artifact. The artifact is written to a partial path and renamed
// into place only when complete, so an interrupted conversion never
// satisfies the resume check.
type SQLiteConverter struct {
	layer     string
	sourceSRS string
	targetSRS string
	swapAxes  bool
	logger    *zap.Logger
}

// NewSQLiteConverter builds a converter for the given layer. swapAxes
// applies the axis-order correction for services that return lat/lon pairs
// for the declared source reference system.
func NewSQLiteConverter(layer, sourceSRS, targetSRS string, swapAxes bool, logger *zap.Logger) *SQLiteConverter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteConverter{
		layer:     layer,
		sourceSRS: sourceSRS,
		targetSRS: targetSRS,
		swapAxes:  swapAxes,
		logger:    logger,
	}
}

// LayerTable maps a layer name to the SQLite table name used in artifacts
// and the merged dataset.
func LayerTable(layer string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, layer)
	if mapped == "" {
		return "features"
	}
	return mapped
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	ID         any             `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// Convert reads the raw payload, applies the axis-order correction, and
// writes the artifact.
func (c *SQLiteConverter) Convert(ctx context.Context, rawPath, artifactPath, tileID string) error {
	raw, err := os.ReadFile(rawPath)
	if err != nil {
		return fmt.Errorf("read raw payload: %w", err)
	}

	var fc featureCollection
	if err := json.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse payload for %s: %w", tileID, err)
	}
	if fc.Type != "FeatureCollection" {
		return fmt.Errorf("payload for %s is not a feature collection (type %q)", tileID, fc.Type)
	}

	partial := artifactPath + partialSuffix
	_ = os.Remove(partial)
	if err := c.writeArtifact(ctx, partial, tileID, fc.Features); err != nil {
		_ = os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, artifactPath); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("finalize artifact %s: %w", artifactPath, err)
	}
	return nil
}

func (c *SQLiteConverter) writeArtifact(ctx context.Context, path, tileID string, features []feature) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open artifact db: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-write handle closed after commit

	table := LayerTable(c.layer)
	schema := fmt.Sprintf(`CREATE TABLE %s (
		fid INTEGER PRIMARY KEY AUTOINCREMENT,
		feature_key TEXT NOT NULL,
		tile_id TEXT NOT NULL,
		properties TEXT NOT NULL,
		geometry TEXT NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create layer table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin artifact tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (feature_key, tile_id, properties, geometry) VALUES (?, ?, ?, ?)`, table))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // statement owned by tx

	skipped := 0
	for _, f := range features {
		if len(f.Geometry) == 0 || string(f.Geometry) == "null" {
			skipped++
			continue
		}
		geom, err := c.normalizeGeometry(f.Geometry)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("normalize geometry for %s: %w", tileID, err)
		}
		props, err := json.Marshal(f.Properties)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode properties for %s: %w", tileID, err)
		}
		key := featureKey(f, geom, props)
		if _, err := stmt.ExecContext(ctx, key, tileID, string(props), string(geom)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert feature for %s: %w", tileID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifact tx: %w", err)
	}
	if skipped > 0 {
		c.logger.Debug("skipped features without geometry",
			zap.String("tile", tileID), zap.Int("skipped", skipped))
	}
	return nil
}

// normalizeGeometry applies the axis-order correction and re-encodes the
// geometry in a canonical form.
func (c *SQLiteConverter) normalizeGeometry(raw json.RawMessage) (json.RawMessage, error) {
	if !c.swapAxes {
		return raw, nil
	}
	var geom map[string]any
	if err := json.Unmarshal(raw, &geom); err != nil {
		return nil, fmt.Errorf("parse geometry: %w", err)
	}
	if coords, ok := geom["coordinates"]; ok {
		swapCoords(coords)
	}
	out, err := json.Marshal(geom)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	return out, nil
}

// swapCoords swaps the first two values of every innermost coordinate pair
// in place, at any nesting depth (Point through MultiPolygon).
func swapCoords(v any) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return
	}
	if _, leaf := arr[0].(float64); leaf {
		if len(arr) >= 2 {
			arr[0], arr[1] = arr[1], arr[0]
		}
		return
	}
	for _, el := range arr {
		swapCoords(el)
	}
}

// featureKey derives the domain-stable identifier used for deduplication.
// The service-assigned feature id wins; features without one fall back to a
// digest of their canonical geometry and properties, which is stable across
// tiles capturing the same real-world feature.
func featureKey(f feature, geom, props []byte) string {
	switch id := f.ID.(type) {
	case string:
		if id != "" {
			return id
		}
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	h := sha256.New()
	h.Write(geom)
	h.Write([]byte{0})
	h.Write(props)
	return hex.EncodeToString(h.Sum(nil))
}
