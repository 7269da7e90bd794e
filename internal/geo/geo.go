// Package geo partitions a harvest extent into bounding-box tiles and
// subdivides tiles into quadrants. Tile coordinates are rounded to a fixed
// precision so that tile identifiers are stable across runs.
package geo

import (
	"fmt"
	"math"
	"strconv"
)

// Precision is the number of decimal digits kept in tile coordinates.
// Rounding every coordinate to this precision guarantees that re-running the
// grid generator produces byte-identical tile identifiers.
const Precision = 6

// gridEpsilon absorbs float drift when an extent span is an exact multiple
// of the step (0.2/0.05 must yield 4 columns, not 5).
const gridEpsilon = 1e-9

// Extent is the rectangular area to harvest, in lon/lat degrees.
type Extent struct {
	West  float64 `mapstructure:"west"`
	South float64 `mapstructure:"south"`
	East  float64 `mapstructure:"east"`
	North float64 `mapstructure:"north"`
}

// Validate enforces the extent invariants.
func (e Extent) Validate() error {
	if e.West >= e.East {
		return fmt.Errorf("extent west (%v) must be < east (%v)", e.West, e.East)
	}
	if e.South >= e.North {
		return fmt.Errorf("extent south (%v) must be < north (%v)", e.South, e.North)
	}
	return nil
}

// Width returns the extent span along the west-east axis.
func (e Extent) Width() float64 { return e.East - e.West }

// Height returns the extent span along the south-north axis.
func (e Extent) Height() float64 { return e.North - e.South }

// BBox is a rectangular query region with rounded coordinates.
type BBox struct {
	West  float64
	South float64
	East  float64
	North float64
}

// Tile is one fetchable bounding box. Path is the hierarchical identifier:
// the root grid index plus the quadrant indices accumulated through
// subdivision (e.g. "r0012q3q0"). Identity for artifact naming derives from
// the rounded bounds alone, which is what makes resume idempotent.
type Tile struct {
	BBox  BBox
	Path  string
	Depth int
}

// ID returns the deterministic identifier derived from the tile's rounded
// bounds. Two tiles with identical rounded bounds are the same tile.
func (t Tile) ID() string {
	return fmt.Sprintf("tile_%s_%s_%s_%s",
		Coord(t.BBox.West), Coord(t.BBox.South), Coord(t.BBox.East), Coord(t.BBox.North))
}

// Round rounds a coordinate to the fixed precision.
func Round(v float64) float64 {
	scale := math.Pow10(Precision)
	return math.Round(v*scale) / scale
}

// Coord formats a coordinate with the fixed precision.
func Coord(v float64) string {
	return strconv.FormatFloat(v, 'f', Precision, 64)
}

// Grid partitions the extent into a regular grid of depth-0 tiles, iterating
// south to north and west to east in step increments. The last row and
// column may extend beyond the extent's far edge; tiles are not clipped.
// A non-positive step or span yields no tiles.
func Grid(e Extent, step float64) []Tile {
	if step <= 0 {
		return nil
	}
	cols := spanCount(e.Width(), step)
	rows := spanCount(e.Height(), step)
	if cols == 0 || rows == 0 {
		return nil
	}

	tiles := make([]Tile, 0, rows*cols)
	idx := 0
	for row := 0; row < rows; row++ {
		south := Round(e.South + float64(row)*step)
		north := Round(e.South + float64(row+1)*step)
		for col := 0; col < cols; col++ {
			west := Round(e.West + float64(col)*step)
			east := Round(e.West + float64(col+1)*step)
			tiles = append(tiles, Tile{
				BBox: BBox{West: west, South: south, East: east, North: north},
				Path: fmt.Sprintf("r%04d", idx),
			})
			idx++
		}
	}
	return tiles
}

func spanCount(span, step float64) int {
	if span <= 0 {
		return 0
	}
	return int(math.Ceil(span/step - gridEpsilon))
}

// SplitQuad splits a tile into its four quadrants (southwest, southeast,
// northwest, northeast). The quadrants share edges with no gaps or overlaps
// and exactly tile the parent box.
func SplitQuad(t Tile) [4]Tile {
	midX := Round((t.BBox.West + t.BBox.East) / 2)
	midY := Round((t.BBox.South + t.BBox.North) / 2)

	boxes := [4]BBox{
		{West: t.BBox.West, South: t.BBox.South, East: midX, North: midY},
		{West: midX, South: t.BBox.South, East: t.BBox.East, North: midY},
		{West: t.BBox.West, South: midY, East: midX, North: t.BBox.North},
		{West: midX, South: midY, East: t.BBox.East, North: t.BBox.North},
	}

	var quads [4]Tile
	for i, b := range boxes {
		quads[i] = Tile{
			BBox:  b,
			Path:  fmt.Sprintf("%sq%d", t.Path, i),
			Depth: t.Depth + 1,
		}
	}
	return quads
}
