// Package spatial holds the two indexes the simulation keeps over entity
// slots: a uniform proximity Grid and the multi-resolution collision
// Hierarchy. Both identify entities by slot and are kept in step with
// store compaction through Move.
package spatial

import (
	"math"

	"cellsim/engine/geom"
)

// layout is the geometry of one uniform grid.
type layout struct {
	cellSize float64
	inv      float64 // 1 / cellSize
	cols     int
	rows     int
}

// MaxCells bounds the cell count of a Grid, and of all levels of a
// Hierarchy together.
const MaxCells = 1 << 20

// Cells returns how many cells a uniform grid over a width x height map
// needs. It is computed in floating point so absurd sizes cannot overflow.
func Cells(width, height int32, cellSize float64) float64 {
	return (math.Ceil(float64(width)/cellSize) + 1) * (math.Ceil(float64(height)/cellSize) + 1)
}

func newLayout(width, height int32, cellSize float64) layout {
	if cellSize <= 0 || math.IsNaN(cellSize) {
		cellSize = 1
	}
	cols := int(math.Ceil(float64(width)/cellSize)) + 1
	rows := int(math.Ceil(float64(height)/cellSize)) + 1
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return layout{cellSize: cellSize, inv: 1 / cellSize, cols: cols, rows: rows}
}

func (l layout) size() int { return l.cols * l.rows }

func (l layout) clampCol(c int) int {
	if c < 0 {
		return 0
	}
	if c >= l.cols {
		return l.cols - 1
	}
	return c
}

func (l layout) clampRow(r int) int {
	if r < 0 {
		return 0
	}
	if r >= l.rows {
		return l.rows - 1
	}
	return r
}

// box returns the clamped cell range covering the bounding box of the
// circle.
func (l layout) box(c geom.Vec, r float64) (minCX, minCY, maxCX, maxCY int) {
	minCX = l.clampCol(int(math.Floor((c.X - r) * l.inv)))
	maxCX = l.clampCol(int(math.Floor((c.X + r) * l.inv)))
	minCY = l.clampRow(int(math.Floor((c.Y - r) * l.inv)))
	maxCY = l.clampRow(int(math.Floor((c.Y + r) * l.inv)))
	return
}

func (l layout) rect(idx int) geom.Rect {
	cx := idx % l.cols
	cy := idx / l.cols
	return geom.Rect{
		MinX: float64(cx) * l.cellSize,
		MinY: float64(cy) * l.cellSize,
		MaxX: float64(cx+1) * l.cellSize,
		MaxY: float64(cy+1) * l.cellSize,
	}
}

// overlapping appends, in row-major order, the index of every cell whose
// rect intersects the circle. A circle that misses every cell (it lies
// outside the grid) is assigned the nearest cell so that every entity is
// registered somewhere.
func (l layout) overlapping(c geom.Vec, r float64, buf []int32) []int32 {
	start := len(buf)
	// Widen by one cell so circles touching a boundary exactly are not lost
	// to rounding in the cell computation.
	minCX, minCY, maxCX, maxCY := l.box(c, r)
	minCX, minCY = l.clampCol(minCX-1), l.clampRow(minCY-1)
	maxCX, maxCY = l.clampCol(maxCX+1), l.clampRow(maxCY+1)
	for cy := minCY; cy <= maxCY; cy++ {
		for cx := minCX; cx <= maxCX; cx++ {
			idx := cy*l.cols + cx
			if geom.CircleIntersectsRect(c, r, l.rect(idx)) {
				buf = append(buf, int32(idx))
			}
		}
	}
	if len(buf) == start {
		cx := l.clampCol(int(math.Floor(c.X * l.inv)))
		cy := l.clampRow(int(math.Floor(c.Y * l.inv)))
		buf = append(buf, int32(cy*l.cols+cx))
	}
	return buf
}
