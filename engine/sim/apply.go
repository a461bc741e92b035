package sim

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"cellsim/engine/action"
	"cellsim/engine/entity"
	"cellsim/engine/geom"
)

// Killer markers in World.killer.
const (
	noKiller int32 = -1
	expired  int32 = -2
)

// intent is a structural action held back until the kills of the tick are
// settled, so that dying entities neither split nor throw.
type intent struct {
	slot int32
	act  action.Action
}

// apply commits the tick. Stage one is drained in parallel and every victim
// picks a killer; victims then forward their mass along the kill chain
// through stage two, which is drained in a third pass. Destruction and
// creation follow on the calling goroutine.
func (w *World) apply() {
	n := w.store.Len()
	w.killer = grow(w.killer, n)
	for k := range w.scratch {
		w.scratch[k].intents = w.scratch[k].intents[:0]
		w.scratch[k].dead = w.scratch[k].dead[:0]
	}
	// Killer selection compares radii from before this tick's mass changes.
	w.solver.radius = grow(w.solver.radius, n)
	w.forSlots(func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			w.solver.radius[i] = w.store.Radius(i)
		}
	})

	w.drainFirst()
	w.forwardKills()
	dead := w.drainSecond()

	w.spawns = w.spawns[:0]
	w.runIntents()
	w.deathSpawns(dead)

	slices.SortFunc(dead, func(a, b int32) int { return cmp.Compare(b, a) })
	for _, slot := range dead {
		w.destroy(int(slot))
	}
	for _, sp := range w.spawns {
		if _, ok := w.create(sp); !ok {
			w.stats.Dropped++
		}
	}
	if w.stats.Dropped > 0 {
		w.logf("sim: tick %d dropped %d spawns at entity cap %d", w.tick, w.stats.Dropped, w.settings.MaxEntities)
	}
}

// betterKiller picks between two killer candidates for one victim: any
// eater beats lifetime expiry, a larger eater beats a smaller one and the
// lower slot wins a tie.
func (w *World) betterKiller(cur, cand int32) int32 {
	if cand < 0 {
		if cur == noKiller {
			return expired
		}
		return cur
	}
	if cur < 0 {
		return cand
	}
	r := w.solver.radius
	if r[cand] > r[cur] || (r[cand] == r[cur] && cand < cur) {
		return cand
	}
	return cur
}

func (w *World) drainFirst() {
	flags := w.store.Flags()
	pos := w.store.Positions()
	vel := w.store.Velocities()
	mass := w.store.Masses()
	timers := w.store.Timers()
	traits := w.store.Traits()
	colors := w.store.Colors()
	box := w.store.Actions()
	limit := w.settings.MaxDelta
	tick := w.tick

	w.forSlots(func(lo, hi, worker int) {
		sc := &w.scratch[worker]
		for i := lo; i < hi; i++ {
			w.killer[i] = noKiller
			m := box.At(i)
			if !m.Has(action.One) {
				continue
			}
			var dp geom.Vec
			var dm int64
			killer := noKiller
			for a := range m.Receive(action.One, tick) {
				switch a.Kind {
				case action.AddPosition:
					dp = dp.Add(geom.ClampVec(a.Vec, limit))
				case action.AddSpeed:
					if v := vel[i].Add(geom.ClampVec(a.Vec, limit)); v.Finite() {
						vel[i] = v
					}
				case action.AddMass:
					dm = addSaturating(dm, a.N)
				case action.AddTimer:
					t := int64(timers[i][a.Timer]) + a.N
					timers[i][a.Timer] = int32(geom.ClampInt64(t, 0, math.MaxInt32))
				case action.SetColor:
					colors[i] = uint32(a.N)
				case action.Killed:
					killer = w.betterKiller(killer, a.From)
				case action.Split, action.Throw:
					sc.intents = append(sc.intents, intent{slot: int32(i), act: a})
				default:
					panic(fmt.Sprintf("sim: %v queued in stage one of slot %d", a.Kind, i))
				}
			}
			if dp != (geom.Vec{}) {
				np := w.store.ClampPoint(pos[i].Vec().Add(dp).Round())
				if np != pos[i] {
					pos[i] = np
					flags[i] |= entity.Moved
				}
			}
			if dm != 0 {
				if nm := traits[i].ClampMass(addSaturating(mass[i], dm)); nm != mass[i] {
					mass[i] = nm
					flags[i] |= entity.MassChanged
				}
			}
			w.killer[i] = killer
		}
	})
}

// recipient follows the kill chain from victim to the first killer that
// survives the tick. It returns -1 when the mass leaves the simulation.
func (w *World) recipient(victim int) int32 {
	k := w.killer[victim]
	for steps := 0; k >= 0 && w.killer[k] != noKiller; steps++ {
		if steps > len(w.killer) {
			panic(fmt.Sprintf("sim: kill cycle through slot %d", victim))
		}
		k = w.killer[k]
	}
	if k < 0 {
		return -1
	}
	return k
}

func (w *World) forwardKills() {
	mass := w.store.Masses()
	box := w.store.Actions()

	w.forSlots(func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			if w.killer[i] == noKiller {
				continue
			}
			to := w.recipient(i)
			if to >= 0 && mass[i] > 0 {
				box.Send(int(to), action.Two, action.Mass(mass[i]))
			}
			box.Send(i, action.Two, action.Confirm(to))
		}
	})
}

// drainSecond applies stage two and returns the slots confirmed dead.
func (w *World) drainSecond() []int32 {
	flags := w.store.Flags()
	mass := w.store.Masses()
	traits := w.store.Traits()
	box := w.store.Actions()
	tick := w.tick

	w.forSlots(func(lo, hi, worker int) {
		sc := &w.scratch[worker]
		for i := lo; i < hi; i++ {
			m := box.At(i)
			if !m.Has(action.Two) {
				continue
			}
			var dm int64
			for a := range m.Receive(action.Two, tick) {
				switch a.Kind {
				case action.AddMass:
					dm = addSaturating(dm, a.N)
				case action.KilledConfirmed:
					if flags[i].Has(entity.Dead) {
						panic(fmt.Sprintf("sim: slot %d confirmed dead twice in tick %d", i, tick))
					}
					flags[i] |= entity.Dead
					sc.dead = append(sc.dead, int32(i))
				default:
					panic(fmt.Sprintf("sim: %v queued in stage two of slot %d", a.Kind, i))
				}
			}
			if dm != 0 && !flags[i].Has(entity.Dead) {
				mass[i] = traits[i].ClampMass(addSaturating(mass[i], dm))
				flags[i] |= entity.MassChanged
			}
		}
	})

	var dead []int32
	for k := range w.scratch {
		dead = append(dead, w.scratch[k].dead...)
	}
	return dead
}

// runIntents turns the surviving Split and Throw intents into spawns, in
// slot order.
func (w *World) runIntents() {
	var all []intent
	for k := range w.scratch {
		all = append(all, w.scratch[k].intents...)
	}
	slices.SortStableFunc(all, func(a, b intent) int { return cmp.Compare(a.slot, b.slot) })
	flags := w.store.Flags()
	for _, in := range all {
		slot := int(in.slot)
		if flags[slot].Has(entity.Dead) {
			continue
		}
		switch in.act.Kind {
		case action.Split:
			w.split(slot, int(in.act.N), in.act.Vec)
		case action.Throw:
			w.throw(slot, in.act.Vec)
		}
	}
}

// room returns how many more entities may be spawned this tick.
func (w *World) room() int {
	return w.settings.MaxEntities - w.store.Len() - len(w.spawns)
}

func (w *World) launchDir(slot int, dir geom.Vec, salt uint32) geom.Vec {
	if d, ok := dir.Normalize(); ok {
		return d
	}
	return geom.Jitter(w.store.IDs()[slot], salt)
}

// split divides slot into count equal pieces. The number of pieces is
// reduced so each keeps at least the minimum mass and the owner stays under
// MaxPlayerCells. The remainder of the division stays with the parent.
func (w *World) split(slot, count int, dir geom.Vec) {
	tr := w.store.Traits()[slot]
	mass := w.store.Masses()
	m := mass[slot]
	count = min(count, int(m/max(tr.MinMass, 1)), w.room()+1)
	if pid := w.store.Players()[slot]; pid != entity.NoPlayer {
		if p := w.store.Roster().Get(pid); p != nil {
			count = min(count, w.settings.MaxPlayerCells-len(p.Slots)-w.pendingCells(pid)+1)
		}
	}
	if count < 2 {
		return
	}
	piece := m / int64(count)
	mass[slot] = m - piece*int64(count-1)
	w.store.Flags()[slot] |= entity.MassChanged

	timers := w.store.Timers()
	timers[slot][action.MergeImmunity] = max(timers[slot][action.MergeImmunity], tr.MergeTicks)

	d := w.launchDir(slot, dir, uint32(w.tick))
	p := w.store.Positions()[slot]
	v := w.store.Velocities()[slot]
	rc := geom.RadiusOf(piece, w.store.RadiusScale())
	for k := 1; k < count; k++ {
		// Fan the pieces out around the split direction.
		angle := float64(k-count/2) * 0.35
		if count == 2 {
			angle = 0
		}
		sin, cos := math.Sincos(angle)
		dk := geom.Vec{X: d.X*cos - d.Y*sin, Y: d.X*sin + d.Y*cos}
		var t entity.Timers
		t[action.InertiaDecay] = w.settings.SplitInertia
		t[action.MergeImmunity] = tr.MergeTicks
		t[action.CollisionImmunity] = w.settings.SplitImmunity
		t[action.Lifetime] = timers[slot][action.Lifetime]
		w.spawns = append(w.spawns, entity.Spawn{
			Traits: tr,
			Pos:    p.Offset(int64(math.Round(dk.X*rc)), int64(math.Round(dk.Y*rc))),
			Vel:    v.Add(dk.Scale(w.settings.SplitSpeed)),
			Mass:   piece,
			Player: w.store.Players()[slot],
			Color:  w.store.Colors()[slot],
			Timers: t,
			Exact:  true,
		})
	}
}

// pendingCells counts spawns queued this tick for player pid.
func (w *World) pendingCells(pid int32) int {
	n := 0
	for i := range w.spawns {
		if w.spawns[i].Player == pid {
			n++
		}
	}
	return n
}

// throw ejects a child from slot. The child's mass is taken from the
// parent, so a throw never creates mass.
func (w *World) throw(slot int, dir geom.Vec) {
	if w.room() < 1 {
		return
	}
	tr := w.store.Traits()[slot]
	spec := tr.Throw
	child := tr
	if spec == nil {
		spec = &entity.ThrowSpec{Mass: w.settings.ThrowMass, Speed: w.settings.ThrowSpeed}
		child = w.throwTraits
	} else if spec.Traits != nil {
		child = spec.Traits
	}
	mass := w.store.Masses()
	cm := child.ClampMass(spec.Mass)
	if mass[slot]-cm < tr.MinMass {
		return
	}
	mass[slot] -= cm
	w.store.Flags()[slot] |= entity.MassChanged

	d := w.launchDir(slot, dir, uint32(w.tick)^0x5bd1e995)
	off := w.store.Radius(slot) + geom.RadiusOf(cm, w.store.RadiusScale()) + 1
	var t entity.Timers
	t[action.CollisionImmunity] = w.settings.SplitImmunity
	w.spawns = append(w.spawns, entity.Spawn{
		Traits: child,
		Pos:    w.store.Positions()[slot].Offset(int64(math.Round(d.X*off)), int64(math.Round(d.Y*off))),
		Vel:    w.store.Velocities()[slot].Add(d.Scale(spec.Speed)),
		Mass:   cm,
		Color:  w.store.Colors()[slot],
		Timers: t,
	})
}

// deathSpawns queues the OnDeath fragments of every dead entity.
func (w *World) deathSpawns(dead []int32) {
	traits := w.store.Traits()
	for _, s := range dead {
		slot := int(s)
		od := traits[slot].OnDeath
		if od == nil || od.Count <= 0 || od.Mass <= 0 {
			continue
		}
		ft := od.Traits
		if ft == nil {
			ft = entity.Food
		}
		p := w.store.Positions()[slot]
		r := w.store.Radius(slot) / 2
		base := geom.Jitter(w.store.IDs()[slot], uint32(w.tick))
		for k := range od.Count {
			angle := 2 * math.Pi * float64(k) / float64(od.Count)
			sin, cos := math.Sincos(angle)
			d := geom.Vec{X: base.X*cos - base.Y*sin, Y: base.X*sin + base.Y*cos}
			w.spawns = append(w.spawns, entity.Spawn{
				Traits: ft,
				Pos:    p.Offset(int64(math.Round(d.X*r)), int64(math.Round(d.Y*r))),
				Vel:    d.Scale(od.Speed),
				Mass:   od.Mass,
			})
		}
	}
}

func addSaturating(a, b int64) int64 {
	s := a + b
	if a > 0 && b > 0 && s < 0 {
		return math.MaxInt64
	}
	if a < 0 && b < 0 && s >= 0 {
		return math.MinInt64
	}
	return s
}
