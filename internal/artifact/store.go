// Package artifact manages per-tile harvest outputs on the local
// filesystem: raw fetched payloads, converted single-layer SQLite
// artifacts, validation of artifacts, and the directory listing that later
// phases rehydrate their working set from.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const (
	rawSuffix      = ".json"
	artifactSuffix = ".sqlite"
	partialSuffix  = ".partial"
)

// Store owns the output directory layout. Artifact names derive from tile
// identifiers, which are deterministic per grid position, so no two
// concurrent tasks ever write the same artifact.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates the output directory if needed and verifies it is
// writable.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	probe := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("output directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up writability probe: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}
	return &Store{dir: abs, logger: logger}, nil
}

// Dir returns the absolute output directory.
func (s *Store) Dir() string { return s.dir }

// RawPath returns where the raw payload for a tile is staged.
func (s *Store) RawPath(tileID string) string {
	return filepath.Join(s.dir, tileID+rawSuffix)
}

// ArtifactPath returns where the converted artifact for a tile lives.
func (s *Store) ArtifactPath(tileID string) string {
	return filepath.Join(s.dir, tileID+artifactSuffix)
}

// HasArtifact reports whether the converted artifact for a tile already
// exists. This is the idempotent-resume check: a hit means the tile needs no
// network activity at all.
func (s *Store) HasArtifact(tileID string) bool {
	info, err := os.Stat(s.ArtifactPath(tileID))
	return err == nil && !info.IsDir()
}

// WriteRaw persists a fetched payload for conversion and returns its path.
func (s *Store) WriteRaw(tileID string, payload []byte) (string, error) {
	path := s.RawPath(tileID)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", fmt.Errorf("write raw payload %s: %w", path, err)
	}
	return path, nil
}

// RemoveRaw deletes the raw intermediate once the artifact exists.
// Best-effort; a leftover raw file is harmless.
func (s *Store) RemoveRaw(tileID string) {
	if err := os.Remove(s.RawPath(tileID)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove raw payload failed", zap.String("tile", tileID), zap.Error(err))
	}
}

// ListArtifacts returns the sorted absolute paths of all converted
// artifacts in the store. The validator and merge phases re-derive their
// working set from this listing rather than from fetch results, which gives
// resumability after a crash between fetch and merge.
func (s *Store) ListArtifacts() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list output directory: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, artifactSuffix) || strings.HasSuffix(name, partialSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}
