package sim

import (
	"math"

	"cellsim/engine/action"
	"cellsim/engine/entity"
	"cellsim/engine/geom"
)

// solver holds the collision shadow state. pos, vel and pressure are double
// buffered: iteration k reads buffer cur and writes buffer 1-cur, so the
// result of an iteration does not depend on the order slots are visited.
type solver struct {
	base     []geom.Vec
	v0       []geom.Vec
	pos      [2][]geom.Vec
	vel      [2][]geom.Vec
	pressure [2][]float64
	radius   []float64
	active   []bool
	contacts [][]int32
	swaps    int
}

func grow[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n, n+n/4)
	}
	return s[:n]
}

func (s *solver) resize(n int) {
	s.base = grow(s.base, n)
	s.v0 = grow(s.v0, n)
	s.radius = grow(s.radius, n)
	s.active = grow(s.active, n)
	for k := range 2 {
		s.pos[k] = grow(s.pos[k], n)
		s.vel[k] = grow(s.vel[k], n)
		s.pressure[k] = grow(s.pressure[k], n)
	}
	if cap(s.contacts) < n {
		c := make([][]int32, n, n+n/4)
		copy(c, s.contacts)
		s.contacts = c
	}
	s.contacts = s.contacts[:n]
}

// Pressure returns the pressure the last collision pass computed for slot,
// or 1 when it had no contacts. Slots are those of that pass, before the
// apply phase compacted the store.
func (w *World) Pressure(slot int) float64 {
	if slot >= len(w.solver.pressure[0]) || len(w.solver.contacts[slot]) == 0 {
		return 1
	}
	return w.solver.lastPressure(slot)
}

func (s *solver) lastPressure(slot int) float64 { return s.pressure[s.cur()][slot] }

// cur is the buffer holding the committed state after the last pass.
func (s *solver) cur() int { return s.swaps & 1 }

// collides is the eligibility predicate for two overlapping collidables:
// cells of one player push each other only while one of them is merge
// immune, everything else collides unless one side may eat the other.
func (w *World) collides(i, j int) bool {
	owner := w.store.Players()
	if owner[i] != entity.NoPlayer && owner[i] == owner[j] {
		timers := w.store.Timers()
		return timers[i].Active(action.MergeImmunity) || timers[j].Active(action.MergeImmunity)
	}
	return !w.canEat(i, j) && !w.canEat(j, i)
}

// predict returns where integratePosition will put slot, before rounding,
// and its velocity after edge handling.
func (w *World) predict(slot int) (geom.Vec, geom.Vec) {
	p := w.store.Positions()[slot].Vec()
	v := w.store.Velocities()[slot]
	f := w.store.Flags()[slot]
	if !f.Has(entity.Movable) || v == (geom.Vec{}) {
		return p, v
	}
	width, height := w.store.Bounds()
	return edges(p.Add(v), v, float64(width), float64(height), f.Has(entity.Bounce))
}

// collide detects contacts between predicted positions, relaxes them for
// CollisionIterations rounds and sends each entity its net position and
// speed correction.
func (w *World) collide() {
	s := &w.solver
	s.resize(w.store.Len())
	s.swaps = 0
	flags := w.store.Flags()
	timers := w.store.Timers()

	w.forSlots(func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			p, v := w.predict(i)
			s.base[i] = p.Round().Vec()
			s.pos[0][i], s.vel[0][i], s.v0[i] = p, v, v
			s.pressure[0][i] = 1
			s.radius[i] = w.store.Radius(i)
			s.active[i] = flags[i].Has(entity.Collidable) && !timers[i].Active(action.CollisionImmunity)
			s.contacts[i] = s.contacts[i][:0]
		}
	})

	w.forSlots(func(lo, hi, worker int) {
		sc := &w.scratch[worker]
		for i := lo; i < hi; i++ {
			if !s.active[i] {
				continue
			}
			sc.buf = w.coll.Candidates(i, sc.buf[:0])
			for _, j32 := range sc.buf {
				j := int(j32)
				if !s.active[j] || !w.collides(i, j) {
					continue
				}
				if geom.Overlaps(s.pos[0][i], s.radius[i], s.pos[0][j], s.radius[j]) {
					s.contacts[i] = append(s.contacts[i], j32)
				}
			}
		}
	})

	for range w.settings.CollisionIterations {
		w.relax()
		s.swaps++
	}

	c := s.cur()
	box := w.store.Actions()
	limit := w.settings.MaxDelta
	w.forSlots(func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			if len(s.contacts[i]) == 0 || !flags[i].Has(entity.Movable) {
				continue
			}
			if dp := geom.ClampVec(s.pos[c][i].Sub(s.base[i]), limit); dp != (geom.Vec{}) {
				box.Send(i, action.One, action.Position(dp))
			}
			if dv := geom.ClampVec(s.vel[c][i].Sub(s.v0[i]), limit); dv != (geom.Vec{}) {
				box.Send(i, action.One, action.Speed(dv))
			}
		}
	})
}

// relax runs one relaxation iteration from buffer cur into buffer 1-cur.
func (w *World) relax() {
	s := &w.solver
	cur := s.cur()
	next := 1 - cur
	flags := w.store.Flags()
	mass := w.store.Masses()
	ids := w.store.IDs()
	slop := w.settings.CollisionSlop

	w.forSlots(func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			ci, vi, pi := s.pos[cur][i], s.vel[cur][i], s.pressure[cur][i]
			if len(s.contacts[i]) == 0 {
				s.pos[next][i], s.vel[next][i], s.pressure[next][i] = ci, vi, 1
				continue
			}
			movable := flags[i].Has(entity.Movable)
			var push, dv geom.Vec
			pressure := 1.0
			n := 0
			for _, j32 := range s.contacts[i] {
				j := int(j32)
				d := ci.Sub(s.pos[cur][j])
				dist := d.Len()
				sum := s.radius[i] + s.radius[j]
				overlap := sum - dist
				if overlap <= 0 {
					continue
				}
				pj := s.pressure[cur][j]
				pressure += overlap / sum * 2 * math.Sqrt(pj)
				if !movable {
					continue
				}
				nrm := geom.Jitter(ids[i], ids[j])
				if dist > 1e-9 {
					nrm = d.Scale(1 / dist)
				}
				share := 1.0
				if flags[j].Has(entity.Movable) {
					share = 0.5
					if total := float64(mass[i] + mass[j]); total > 0 {
						share = float64(mass[j]) / total
					}
				}
				weight := 2 * pj / (pi + pj)
				push = push.Add(nrm.Scale((overlap + slop) * share * weight))
				if rel := vi.Sub(s.vel[cur][j]).Dot(nrm); rel < 0 {
					dv = dv.Add(nrm.Scale(-rel * share))
				}
				n++
			}
			if n > 0 {
				inv := 1 / float64(n)
				ci = ci.Add(push.Scale(inv))
				vi = vi.Add(dv.Scale(inv))
			}
			s.pos[next][i], s.vel[next][i], s.pressure[next][i] = ci, vi, pressure
		}
	})
}
