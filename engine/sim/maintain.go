package sim

import (
	"math"

	"cellsim/engine/entity"
	"cellsim/engine/geom"
)

const (
	markGrid uint8 = 1 << iota
	markCollision
)

// maintain brings both spatial indexes up to date with the committed
// positions and masses. A parallel pass refreshes entities that stayed in
// their cells and marks the rest; a serial pass re-registers the marked
// ones. It also refreshes the drawable column.
func (w *World) maintain() {
	n := w.store.Len()
	w.marks = grow(w.marks, n)
	pos := w.store.Positions()
	flags := w.store.Flags()

	w.forSlots(func(lo, hi, worker int) {
		sc := &w.scratch[worker]
		for i := lo; i < hi; i++ {
			var m uint8
			r := w.store.Radius(i)
			moved, cells := w.grid.HasMoved(i, pos[i], r, sc.cells)
			sc.cells = cells
			if moved {
				m |= markGrid
			} else {
				w.grid.Refresh(i, pos[i])
			}
			if flags[i].Has(entity.Collidable) && w.coll.Changed(i, pos[i], r, &sc.hs) {
				m |= markCollision
			}
			w.marks[i] = m
			w.store.RefreshDrawable(i)
		}
	})

	regridded := 0
	for i, m := range w.marks[:n] {
		if m == 0 {
			continue
		}
		r := w.store.Radius(i)
		if m&markGrid != 0 {
			w.grid.Remove(i)
			w.grid.Insert(i, pos[i], r)
		}
		if m&markCollision != 0 {
			w.coll.Unregister(i)
			w.coll.Register(i, pos[i], r)
		}
		regridded++
	}
	w.stats.Regridded = regridded
}

// fixRoster recomputes the per-player aggregates published with snapshots
// and drops the steering target of players left without cells.
func (w *World) fixRoster() {
	roster := w.store.Roster()
	pos := w.store.Positions()
	mass := w.store.Masses()
	w.players = w.players[:0]
	for _, id := range roster.IDs() {
		p := roster.Get(id)
		st := PlayerStat{ID: p.ID, Name: p.Name, Color: p.Color, Cells: len(p.Slots)}
		if len(p.Slots) == 0 {
			p.HasTarget = false
			w.players = append(w.players, st)
			continue
		}
		var cx, cy float64
		minX, minY := int32(math.MaxInt32), int32(math.MaxInt32)
		maxX, maxY := int32(math.MinInt32), int32(math.MinInt32)
		for _, s := range p.Slots {
			m := mass[s]
			st.Mass += m
			cx += float64(pos[s].X) * float64(m)
			cy += float64(pos[s].Y) * float64(m)
			r := int32(math.Ceil(w.store.Radius(int(s))))
			minX = min(minX, pos[s].X-r)
			minY = min(minY, pos[s].Y-r)
			maxX = max(maxX, pos[s].X+r)
			maxY = max(maxY, pos[s].Y+r)
		}
		if st.Mass > 0 {
			st.Center = geom.Vec{X: cx / float64(st.Mass), Y: cy / float64(st.Mass)}.Round()
		}
		st.Min = geom.Pt(minX, minY)
		st.Max = geom.Pt(maxX, maxY)
		w.players = append(w.players, st)
	}
}

// Players returns the aggregates computed during the last step.
func (w *World) Players() []PlayerStat { return w.players }
