package sim

import (
	"cellsim/engine/action"
	"cellsim/engine/entity"
)

// canEat reports whether e may absorb v on mass and ownership grounds
// alone. Cells of one player merge once neither carries merge immunity;
// the heavier cell, or the lower slot on a tie, absorbs the other. Between
// owners the eater must be strictly heavier, so eating is never mutual.
func (w *World) canEat(e, v int) bool {
	if e == v || !w.store.Flags()[e].Has(entity.Killer) {
		return false
	}
	mass := w.store.Masses()
	owner := w.store.Players()
	if owner[e] != entity.NoPlayer && owner[e] == owner[v] {
		timers := w.store.Timers()
		if timers[e].Active(action.MergeImmunity) || timers[v].Active(action.MergeImmunity) {
			return false
		}
		return mass[e] > mass[v] || (mass[e] == mass[v] && e < v)
	}
	return mass[e] > mass[v] && float64(mass[e]) >= w.settings.EatRatio*float64(mass[v])
}

// eating lets every killer look for victims it covers and tells each of
// them who wants it through a Killed action. A victim may receive several;
// the apply phase picks one.
func (w *World) eating() {
	flags := w.store.Flags()
	pos := w.store.Positions()
	box := w.store.Actions()
	reach := 1 - w.settings.EatReach

	w.forSlots(func(lo, hi, worker int) {
		sc := &w.scratch[worker]
		for i := lo; i < hi; i++ {
			if !flags[i].Has(entity.Killer) {
				continue
			}
			ri := w.store.Radius(i)
			sc.buf = w.grid.Query(pos[i], ri, sc.buf[:0])
			for _, j32 := range sc.buf {
				j := int(j32)
				if !w.canEat(i, j) {
					continue
				}
				rj := w.store.Radius(j)
				limit := ri - reach*rj
				if limit <= 0 {
					continue
				}
				if pos[i].Dist2(pos[j]) <= limit*limit {
					box.Send(j, action.One, action.Kill(int32(i)))
				}
			}
		}
	})
}
