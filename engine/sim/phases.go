package sim

import (
	"math"

	"cellsim/engine/action"
	"cellsim/engine/entity"
	"cellsim/engine/geom"
)

// updateIndependent clears the per-tick flags, counts timers down and queues
// mass evolution and lifetime expiry. Every write targets the worker's own
// slots or a mailbox.
func (w *World) updateIndependent() {
	flags := w.store.Flags()
	timers := w.store.Timers()
	traits := w.store.Traits()
	mass := w.store.Masses()
	box := w.store.Actions()

	w.forSlots(func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			flags[i] &^= entity.TickBits
			t := &timers[i]
			for k := range t {
				if t[k] > 0 {
					t[k]--
					if action.Timer(k) == action.Lifetime && t[k] == 0 {
						box.Send(i, action.One, action.Kill(-1))
					}
				}
			}
			if tr := traits[i]; tr.Evolves() {
				next := int64(math.Round(float64(mass[i]) * tr.MassEvolution))
				if d := next - mass[i]; d != 0 {
					box.Send(i, action.One, action.Mass(d))
				}
			}
		}
	})
}

// integrateVelocity steers player cells toward their target, applies
// friction to everything else and caps speeds.
func (w *World) integrateVelocity() {
	flags := w.store.Flags()
	timers := w.store.Timers()
	traits := w.store.Traits()
	vel := w.store.Velocities()
	pos := w.store.Positions()
	owner := w.store.Players()
	roster := w.store.Roster()
	steer := w.settings.Steer

	w.forSlots(func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			if !flags[i].Has(entity.Movable) {
				vel[i] = geom.Vec{}
				continue
			}
			tr := traits[i]
			v := vel[i]
			coasting := timers[i].Active(action.InertiaDecay)
			p := roster.Get(owner[i])
			switch {
			case coasting || p == nil || !p.HasTarget:
				v = v.Scale(tr.Friction)
			default:
				to := p.Target.Vec().Sub(pos[i].Vec())
				want := geom.Vec{}
				if dist := to.Len(); dist > 0 {
					want = to.Scale(math.Min(tr.MaxSpeed, dist) / dist)
				}
				v = v.Add(want.Sub(v).Scale(steer))
			}
			if !coasting {
				if l := v.Len(); l > tr.MaxSpeed {
					v = v.Scale(tr.MaxSpeed / l)
				}
			}
			if !v.Finite() || v.Len2() < 1e-6 {
				v = geom.Vec{}
			}
			vel[i] = v
		}
	})
}

// applyGravity lets every gravity-affected entity accumulate the pull of
// the gravity sources around it. Each worker writes only its own
// velocities.
func (w *World) applyGravity() {
	if w.gravityReach <= 0 {
		return
	}
	flags := w.store.Flags()
	traits := w.store.Traits()
	vel := w.store.Velocities()
	pos := w.store.Positions()
	reach := w.gravityReach

	w.forSlots(func(lo, hi, worker int) {
		sc := &w.scratch[worker]
		for i := lo; i < hi; i++ {
			if !flags[i].Has(entity.GravityAffected | entity.Movable) {
				continue
			}
			c := pos[i].Vec()
			var pull geom.Vec
			sc.buf = w.grid.Query(pos[i], reach, sc.buf[:0])
			for _, j := range sc.buf {
				if int(j) == i {
					continue
				}
				g := traits[j].Gravity
				if g == nil || g.Strength == 0 {
					continue
				}
				d := pos[j].Vec().Sub(c)
				dist := d.Len()
				if dist == 0 || dist >= g.Radius {
					continue
				}
				pull = pull.Add(d.Scale(g.Strength * (1 - dist/g.Radius) / dist))
			}
			if pull.Finite() {
				vel[i] = vel[i].Add(pull)
			}
		}
	})
}

// throwing queues a Throw for every thrower whose cooldown has run out and
// that can spare the mass.
func (w *World) throwing() {
	flags := w.store.Flags()
	timers := w.store.Timers()
	traits := w.store.Traits()
	mass := w.store.Masses()
	vel := w.store.Velocities()
	ids := w.store.IDs()
	box := w.store.Actions()

	w.forSlots(func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			if !flags[i].Has(entity.Throws) || timers[i].Active(action.ThrowCooldown) {
				continue
			}
			spec := traits[i].Throw
			if mass[i]-spec.Mass < traits[i].MinMass {
				continue
			}
			dir, ok := vel[i].Normalize()
			if !ok {
				dir = geom.Jitter(ids[i], uint32(w.tick))
			}
			box.Send(i, action.One, action.ThrowToward(dir))
			box.Send(i, action.One, action.TimerDelta(action.ThrowCooldown, int64(spec.Interval)))
		}
	})
}

// integratePosition moves every movable entity by its velocity and handles
// the map edges: bouncing entities reflect, others stop at the border.
func (w *World) integratePosition() {
	flags := w.store.Flags()
	vel := w.store.Velocities()
	pos := w.store.Positions()
	width, height := w.store.Bounds()

	w.forSlots(func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			if !flags[i].Has(entity.Movable) || vel[i] == (geom.Vec{}) {
				continue
			}
			next, v := edges(pos[i].Vec().Add(vel[i]), vel[i], float64(width), float64(height), flags[i].Has(entity.Bounce))
			vel[i] = v
			np := next.Round()
			if np != pos[i] {
				pos[i] = np
				flags[i] |= entity.Moved
			}
		}
	})
}

// edges keeps p inside [0,w]x[0,h].
func edges(p, v geom.Vec, w, h float64, bounce bool) (geom.Vec, geom.Vec) {
	if p.X < 0 || p.X > w {
		if bounce {
			if p.X < 0 {
				p.X = -p.X
			} else {
				p.X = 2*w - p.X
			}
			v.X = -v.X
		} else {
			v.X = 0
		}
		p.X = geom.Clamp(p.X, 0, w)
	}
	if p.Y < 0 || p.Y > h {
		if bounce {
			if p.Y < 0 {
				p.Y = -p.Y
			} else {
				p.Y = 2*h - p.Y
			}
			v.Y = -v.Y
		} else {
			v.Y = 0
		}
		p.Y = geom.Clamp(p.Y, 0, h)
	}
	return p, v
}
