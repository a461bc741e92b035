package spatial

import (
	"fmt"
	"slices"

	"cellsim/engine/geom"
)

// Entry is one (slot, cached position) pair stored in a proximity cell.
type Entry struct {
	Slot int32
	Pos  geom.Point
}

// gridCell is a small free-list-indexed set of entries. Free entries have
// Slot -1.
type gridCell struct {
	entries []Entry
	free    []int32
}

func (c *gridCell) add(e Entry) int32 {
	if n := len(c.free); n > 0 {
		i := c.free[n-1]
		c.free = c.free[:n-1]
		c.entries[i] = e
		return i
	}
	c.entries = append(c.entries, e)
	return int32(len(c.entries) - 1)
}

func (c *gridCell) remove(i int32) {
	c.entries[i].Slot = -1
	c.free = append(c.free, i)
}

type cellRef struct {
	cell  int32
	entry int32
}

// Grid is the uniform proximity grid. An entity is registered in exactly
// the cells whose rect intersects its bounding circle.
//
// Insert, Remove, Move and Update mutate the grid and must run on one
// goroutine. Query, HasMoved and Refresh may run concurrently with each
// other provided Refresh calls target distinct slots.
type Grid struct {
	lay   layout
	cells []gridCell
	regs  [][]cellRef
	count int
}

// NewGrid creates a grid covering a width x height map.
func NewGrid(width, height int32, cellSize float64) *Grid {
	lay := newLayout(width, height, cellSize)
	return &Grid{lay: lay, cells: make([]gridCell, lay.size())}
}

// CellSize returns the edge length of a cell.
func (g *Grid) CellSize() float64 { return g.lay.cellSize }

// Count returns the number of registered slots.
func (g *Grid) Count() int { return g.count }

// Registered reports whether slot is in the grid.
func (g *Grid) Registered(slot int) bool {
	return slot < len(g.regs) && len(g.regs[slot]) > 0
}

// CellsOverlapping appends the cells intersecting the circle at p.
func (g *Grid) CellsOverlapping(p geom.Point, r float64, buf []int32) []int32 {
	return g.lay.overlapping(p.Vec(), r, buf)
}

// Insert registers slot.
func (g *Grid) Insert(slot int, p geom.Point, r float64) {
	for slot >= len(g.regs) {
		g.regs = append(g.regs, nil)
	}
	if len(g.regs[slot]) > 0 {
		panic(fmt.Sprintf("spatial: slot %d inserted twice into proximity grid", slot))
	}
	var buf [16]int32
	refs := g.regs[slot][:0]
	for _, c := range g.lay.overlapping(p.Vec(), r, buf[:0]) {
		i := g.cells[c].add(Entry{Slot: int32(slot), Pos: p})
		refs = append(refs, cellRef{cell: c, entry: i})
	}
	g.regs[slot] = refs
	g.count++
}

// Remove unregisters slot. Removing an unregistered slot is a no-op.
func (g *Grid) Remove(slot int) {
	if !g.Registered(slot) {
		return
	}
	for _, ref := range g.regs[slot] {
		g.cells[ref.cell].remove(ref.entry)
	}
	g.regs[slot] = g.regs[slot][:0]
	g.count--
}

// Move re-keys the registration of slot from to slot to after store
// compaction. to must not be registered.
func (g *Grid) Move(from, to int) {
	if !g.Registered(from) {
		return
	}
	if g.Registered(to) {
		panic(fmt.Sprintf("spatial: move onto registered slot %d", to))
	}
	refs := g.regs[from]
	for _, ref := range refs {
		g.cells[ref.cell].entries[ref.entry].Slot = int32(to)
	}
	g.regs[to], g.regs[from] = refs, g.regs[to][:0]
}

// HasMoved reports whether the set of cells slot should occupy differs from
// the set it is registered in. scratch is reused and returned.
func (g *Grid) HasMoved(slot int, p geom.Point, r float64, scratch []int32) (bool, []int32) {
	scratch = g.lay.overlapping(p.Vec(), r, scratch[:0])
	refs := g.regs[slot]
	if len(refs) != len(scratch) {
		return true, scratch
	}
	for i, ref := range refs {
		if ref.cell != scratch[i] {
			return true, scratch
		}
	}
	return false, scratch
}

// Refresh updates the cached position of slot in place.
func (g *Grid) Refresh(slot int, p geom.Point) {
	for _, ref := range g.regs[slot] {
		g.cells[ref.cell].entries[ref.entry].Pos = p
	}
}

// Update refreshes slot in place when it stayed in the same cells and
// reinserts it otherwise. It reports whether a reinsert happened.
func (g *Grid) Update(slot int, p geom.Point, r float64) bool {
	var buf [16]int32
	moved, _ := g.HasMoved(slot, p, r, buf[:0])
	if !moved {
		g.Refresh(slot, p)
		return false
	}
	g.Remove(slot)
	g.Insert(slot, p, r)
	return true
}

// Query appends every distinct slot registered in a cell that intersects
// the circle at p with the given radius.
func (g *Grid) Query(p geom.Point, radius float64, buf []int32) []int32 {
	start := len(buf)
	minCX, minCY, maxCX, maxCY := g.lay.box(p.Vec(), radius)
	for cy := minCY; cy <= maxCY; cy++ {
		for cx := minCX; cx <= maxCX; cx++ {
			for _, e := range g.cells[cy*g.lay.cols+cx].entries {
				if e.Slot >= 0 {
					buf = append(buf, e.Slot)
				}
			}
		}
	}
	tail := buf[start:]
	slices.Sort(tail)
	tail = slices.Compact(tail)
	return buf[:start+len(tail)]
}

// Visit calls fn for every entry in the cells around p, including
// duplicates of entities spanning several cells. Returning false stops.
func (g *Grid) Visit(p geom.Point, radius float64, fn func(e Entry) bool) {
	minCX, minCY, maxCX, maxCY := g.lay.box(p.Vec(), radius)
	for cy := minCY; cy <= maxCY; cy++ {
		for cx := minCX; cx <= maxCX; cx++ {
			for _, e := range g.cells[cy*g.lay.cols+cx].entries {
				if e.Slot >= 0 && !fn(e) {
					return
				}
			}
		}
	}
}

// Membership returns the cells slot is registered in.
func (g *Grid) Membership(slot int) []int32 {
	if !g.Registered(slot) {
		return nil
	}
	out := make([]int32, len(g.regs[slot]))
	for i, ref := range g.regs[slot] {
		out[i] = ref.cell
	}
	return out
}

// Clear removes every registration, keeping cell capacity.
func (g *Grid) Clear() {
	for i := range g.cells {
		g.cells[i].entries = g.cells[i].entries[:0]
		g.cells[i].free = g.cells[i].free[:0]
	}
	for i := range g.regs {
		g.regs[i] = g.regs[i][:0]
	}
	g.count = 0
}

// Reset clears the grid and changes its geometry.
func (g *Grid) Reset(width, height int32, cellSize float64) {
	g.lay = newLayout(width, height, cellSize)
	g.cells = make([]gridCell, g.lay.size())
	for i := range g.regs {
		g.regs[i] = g.regs[i][:0]
	}
	g.count = 0
}
