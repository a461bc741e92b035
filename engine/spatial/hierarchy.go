package spatial

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"cellsim/engine/geom"
)

// MaxLevels bounds the depth of a collision hierarchy.
const MaxLevels = 8

// ErrBadConfig is returned for an unusable hierarchy configuration.
var ErrBadConfig = errors.New("spatial: invalid hierarchy config")

// Config describes a collision grid hierarchy. Level i has cells of edge
// BaseCellSize * Ratio^i.
type Config struct {
	Width        int32   `msgpack:"w" json:"width"`
	Height       int32   `msgpack:"h" json:"height"`
	BaseCellSize float64 `msgpack:"base" json:"base_cell_size"`
	Ratio        float64 `msgpack:"ratio" json:"ratio"`
	Levels       int     `msgpack:"levels" json:"levels"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: map %dx%d", ErrBadConfig, c.Width, c.Height)
	case !(c.BaseCellSize > 0) || math.IsInf(c.BaseCellSize, 0):
		return fmt.Errorf("%w: base cell size %v", ErrBadConfig, c.BaseCellSize)
	case !(c.Ratio >= 2) || math.IsInf(c.Ratio, 0):
		return fmt.Errorf("%w: ratio %v below 2", ErrBadConfig, c.Ratio)
	case c.Levels < 1 || c.Levels > MaxLevels:
		return fmt.Errorf("%w: %d levels", ErrBadConfig, c.Levels)
	case c.Cells() > MaxCells:
		return fmt.Errorf("%w: %.0f cells over limit %d", ErrBadConfig, c.Cells(), MaxCells)
	}
	return nil
}

// Cells returns the cell count summed over all levels.
func (c Config) Cells() float64 {
	var total float64
	size := c.BaseCellSize
	for range c.Levels {
		total += Cells(c.Width, c.Height, size)
		size *= c.Ratio
	}
	return total
}

// levelRef locates one entry: which level, which cell, which index.
type levelRef struct {
	level int8
	cell  int32
	idx   int32
}

type hcell struct {
	owners   []int32
	ownFree  []int32
	listed   []int32
	listFree []int32
}

func addTo(list, free *[]int32, slot int32) int32 {
	if n := len(*free); n > 0 {
		i := (*free)[n-1]
		*free = (*free)[:n-1]
		(*list)[i] = slot
		return i
	}
	*list = append(*list, slot)
	return int32(len(*list) - 1)
}

type hlevel struct {
	lay   layout
	cells []hcell
}

// registration is what the hierarchy knows about one slot: its home level,
// the owning entries there and the listings in every coarser level.
type registration struct {
	home   int8
	owned  []levelRef
	listed []levelRef
}

func (r *registration) registered() bool { return len(r.owned) > 0 }

// Hierarchy is the multi-resolution collision grid. Every registered
// entity owns entries in the cells of its home level and is listed in the
// overlapping cells of every coarser level, so a scan of a coarse cell sees
// all smaller entities touching it.
//
// Mutating methods must run on one goroutine; Candidates and Changed are
// read-only and safe to call concurrently.
type Hierarchy struct {
	cfg    Config
	levels []hlevel
	regs   []registration
	count  int
}

// NewHierarchy builds an empty hierarchy.
func NewHierarchy(cfg Config) (*Hierarchy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Hierarchy{}
	h.reset(cfg)
	return h, nil
}

func (h *Hierarchy) reset(cfg Config) {
	h.cfg = cfg
	h.levels = make([]hlevel, cfg.Levels)
	size := cfg.BaseCellSize
	for i := range h.levels {
		lay := newLayout(cfg.Width, cfg.Height, size)
		h.levels[i] = hlevel{lay: lay, cells: make([]hcell, lay.size())}
		size *= cfg.Ratio
	}
	for i := range h.regs {
		h.regs[i] = registration{}
	}
	h.count = 0
}

// Config returns the active configuration.
func (h *Hierarchy) Config() Config { return h.cfg }

// Levels returns the number of levels.
func (h *Hierarchy) Levels() int { return len(h.levels) }

// CellSize returns the cell edge of a level.
func (h *Hierarchy) CellSize(level int) float64 { return h.levels[level].lay.cellSize }

// Count returns the number of registered slots.
func (h *Hierarchy) Count() int { return h.count }

// Registered reports whether slot is in the hierarchy.
func (h *Hierarchy) Registered(slot int) bool {
	return slot < len(h.regs) && h.regs[slot].registered()
}

// HomeLevel returns the finest level whose cells are wider than the
// diameter 2r, or the coarsest level.
func (h *Hierarchy) HomeLevel(r float64) int {
	for i, lv := range h.levels {
		if lv.lay.cellSize > 2*r {
			return i
		}
	}
	return len(h.levels) - 1
}

// Register inserts slot at its home level and lists it in every coarser
// level.
func (h *Hierarchy) Register(slot int, p geom.Point, r float64) {
	for slot >= len(h.regs) {
		h.regs = append(h.regs, registration{})
	}
	reg := &h.regs[slot]
	if reg.registered() {
		panic(fmt.Sprintf("spatial: slot %d registered twice in collision grid", slot))
	}
	c := p.Vec()
	home := h.HomeLevel(r)
	reg.home = int8(home)
	reg.owned = reg.owned[:0]
	reg.listed = reg.listed[:0]

	var buf [16]int32
	lv := &h.levels[home]
	for _, ci := range lv.lay.overlapping(c, r, buf[:0]) {
		cell := &lv.cells[ci]
		i := addTo(&cell.owners, &cell.ownFree, int32(slot))
		reg.owned = append(reg.owned, levelRef{level: int8(home), cell: ci, idx: i})
	}
	for l := home + 1; l < len(h.levels); l++ {
		lv := &h.levels[l]
		for _, ci := range lv.lay.overlapping(c, r, buf[:0]) {
			cell := &lv.cells[ci]
			i := addTo(&cell.listed, &cell.listFree, int32(slot))
			reg.listed = append(reg.listed, levelRef{level: int8(l), cell: ci, idx: i})
		}
	}
	h.count++
}

// Unregister removes slot and all of its listings. Unregistering an
// unknown slot is a no-op.
func (h *Hierarchy) Unregister(slot int) {
	if !h.Registered(slot) {
		return
	}
	reg := &h.regs[slot]
	for _, ref := range reg.owned {
		cell := &h.levels[ref.level].cells[ref.cell]
		if cell.owners[ref.idx] != int32(slot) {
			panic(fmt.Sprintf("spatial: collision grid desync for slot %d", slot))
		}
		cell.owners[ref.idx] = -1
		cell.ownFree = append(cell.ownFree, ref.idx)
	}
	for _, ref := range reg.listed {
		cell := &h.levels[ref.level].cells[ref.cell]
		cell.listed[ref.idx] = -1
		cell.listFree = append(cell.listFree, ref.idx)
	}
	reg.owned = reg.owned[:0]
	reg.listed = reg.listed[:0]
	h.count--
}

// Move re-keys slot from to slot to after compaction.
func (h *Hierarchy) Move(from, to int) {
	if !h.Registered(from) {
		return
	}
	for to >= len(h.regs) {
		h.regs = append(h.regs, registration{})
	}
	if h.regs[to].registered() {
		panic(fmt.Sprintf("spatial: move onto registered slot %d", to))
	}
	reg := h.regs[from]
	for _, ref := range reg.owned {
		h.levels[ref.level].cells[ref.cell].owners[ref.idx] = int32(to)
	}
	for _, ref := range reg.listed {
		h.levels[ref.level].cells[ref.cell].listed[ref.idx] = int32(to)
	}
	h.regs[to], h.regs[from] = reg, h.regs[to]
	h.regs[from].owned = h.regs[from].owned[:0]
	h.regs[from].listed = h.regs[from].listed[:0]
}

// Scratch is reusable per-goroutine memory for Changed and Candidates.
type Scratch struct {
	cells []int32
}

// Changed reports whether slot's home level or any of its cells differ from
// what the circle at p requires.
func (h *Hierarchy) Changed(slot int, p geom.Point, r float64, s *Scratch) bool {
	if !h.Registered(slot) {
		return true
	}
	reg := &h.regs[slot]
	home := h.HomeLevel(r)
	if int(reg.home) != home {
		return true
	}
	c := p.Vec()
	s.cells = h.levels[home].lay.overlapping(c, r, s.cells[:0])
	if len(s.cells) != len(reg.owned) {
		return true
	}
	for i, ref := range reg.owned {
		if ref.cell != s.cells[i] {
			return true
		}
	}
	k := 0
	for l := home + 1; l < len(h.levels); l++ {
		s.cells = h.levels[l].lay.overlapping(c, r, s.cells[:0])
		for _, ci := range s.cells {
			if k >= len(reg.listed) || int(reg.listed[k].level) != l || reg.listed[k].cell != ci {
				return true
			}
			k++
		}
	}
	return k != len(reg.listed)
}

// Update re-registers slot when Changed reports a difference. It returns
// whether a rebuild of the registration happened.
func (h *Hierarchy) Update(slot int, p geom.Point, r float64, s *Scratch) bool {
	if !h.Changed(slot, p, r, s) {
		return false
	}
	h.Unregister(slot)
	h.Register(slot, p, r)
	return true
}

// Candidates appends the distinct slots that may collide with slot: owners
// and listings in its home cells, plus owners in the coarser cells it is
// listed in. slot itself is excluded.
func (h *Hierarchy) Candidates(slot int, buf []int32) []int32 {
	if !h.Registered(slot) {
		return buf
	}
	start := len(buf)
	reg := &h.regs[slot]
	self := int32(slot)
	for _, ref := range reg.owned {
		cell := &h.levels[ref.level].cells[ref.cell]
		for _, o := range cell.owners {
			if o >= 0 && o != self {
				buf = append(buf, o)
			}
		}
		for _, o := range cell.listed {
			if o >= 0 && o != self {
				buf = append(buf, o)
			}
		}
	}
	for _, ref := range reg.listed {
		cell := &h.levels[ref.level].cells[ref.cell]
		for _, o := range cell.owners {
			if o >= 0 {
				buf = append(buf, o)
			}
		}
	}
	tail := buf[start:]
	slices.Sort(tail)
	tail = slices.Compact(tail)
	return buf[:start+len(tail)]
}

// Membership describes where a slot is registered.
type Membership struct {
	Home   int
	Owned  []int32   // cells at the home level
	Listed [][]int32 // Listed[l] are the cells at level l; nil for l <= Home
}

// Membership returns the registration of slot, or ok=false.
func (h *Hierarchy) Membership(slot int) (m Membership, ok bool) {
	if !h.Registered(slot) {
		return m, false
	}
	reg := &h.regs[slot]
	m.Home = int(reg.home)
	m.Listed = make([][]int32, len(h.levels))
	for _, ref := range reg.owned {
		m.Owned = append(m.Owned, ref.cell)
	}
	for _, ref := range reg.listed {
		m.Listed[ref.level] = append(m.Listed[ref.level], ref.cell)
	}
	return m, true
}

// ExpectedMembership computes the registration a circle should have from
// geometry alone, by testing every cell of every level.
func (h *Hierarchy) ExpectedMembership(p geom.Point, r float64) Membership {
	c := p.Vec()
	m := Membership{Home: h.HomeLevel(r), Listed: make([][]int32, len(h.levels))}
	for l := m.Home; l < len(h.levels); l++ {
		lay := h.levels[l].lay
		var cells []int32
		for idx := 0; idx < lay.size(); idx++ {
			if geom.CircleIntersectsRect(c, r, lay.rect(idx)) {
				cells = append(cells, int32(idx))
			}
		}
		if l == m.Home {
			m.Owned = cells
		} else {
			m.Listed[l] = cells
		}
	}
	return m
}

// Body is one entity handed to Rebuild.
type Body struct {
	Slot   int
	Pos    geom.Point
	Radius float64
}

// Rebuild discards every registration, applies cfg and registers bodies
// from scratch. It is the only way to change the level count or ratio.
func (h *Hierarchy) Rebuild(cfg Config, bodies []Body) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	h.reset(cfg)
	for _, b := range bodies {
		h.Register(b.Slot, b.Pos, b.Radius)
	}
	return nil
}
