// Package sim runs the cell simulation: it owns the entity store and both
// spatial indexes and advances them one tick at a time through a fixed
// sequence of parallel solver phases joined on a worker pool.
package sim

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"cellsim/engine/entity"
	"cellsim/engine/geom"
	"cellsim/engine/parallel"
	"cellsim/engine/spatial"
)

// Options are process-level knobs that are not part of the saved state.
type Options struct {
	// Workers sizes a private pool when Runner is nil. 0 uses GOMAXPROCS.
	Workers int
	// Runner is a pool shared with other worlds. It must outlive the world.
	Runner *parallel.Runner
	Logger *log.Logger
	// OnTick is called on the simulation goroutine after every step.
	OnTick func(TickStats)
}

// TickStats summarises one step.
type TickStats struct {
	Tick      uint64        `msgpack:"tick" json:"tick"`
	Entities  int           `msgpack:"entities" json:"entities"`
	Players   int           `msgpack:"players" json:"players"`
	Mass      int64         `msgpack:"mass" json:"mass"`
	Created   int           `msgpack:"created" json:"created"`
	Destroyed int           `msgpack:"destroyed" json:"destroyed"`
	Dropped   int           `msgpack:"dropped" json:"dropped"`
	Regridded int           `msgpack:"regridded" json:"regridded"`
	Duration  time.Duration `msgpack:"duration" json:"duration"`
}

// scratch is per-worker memory reused across phases.
type scratch struct {
	buf     []int32
	cells   []int32
	hs      spatial.Scratch
	intents []intent
	dead    []int32
}

// World is one simulation. Step and Run must be called from a single
// goroutine; Submit and Snapshots may be used from anywhere.
type World struct {
	settings Settings
	store    *entity.Store
	grid     *spatial.Grid
	coll     *spatial.Hierarchy
	runner   *parallel.Runner
	ownPool  bool
	logger   *log.Logger
	onTick   func(TickStats)
	pacer    *Pacer

	tick         uint64
	gravityReach float64
	throwTraits  *entity.Traits

	cmdMu sync.Mutex
	cmds  []Command
	spare []Command

	scratch []scratch
	solver  solver
	killer  []int32
	marks   []uint8
	spawns  []entity.Spawn
	players []PlayerStat
	stats   TickStats

	snaps    *tripleBuffer
	reader   *SnapshotReader
	stopped  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWorld validates settings and builds an empty world.
func NewWorld(settings Settings, opts Options) (*World, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	coll, err := spatial.NewHierarchy(settings.CollisionConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGrid, err)
	}
	w := &World{
		settings: settings,
		store:    entity.NewStore(settings.Width, settings.Height, settings.RadiusScale, 1024),
		grid:     spatial.NewGrid(settings.Width, settings.Height, settings.ProximityCell),
		coll:     coll,
		runner:   opts.Runner,
		logger:   opts.Logger,
		onTick:   opts.OnTick,
		pacer:    NewPacer(settings.TickRate, settings.Adaptive),
		snaps:    newTripleBuffer(),
		stop:     make(chan struct{}),
	}
	if w.runner == nil {
		w.runner = parallel.NewRunner(opts.Workers)
		w.ownPool = true
	}
	if w.logger == nil {
		w.logger = log.New(io.Discard, "", 0)
	}
	w.reader = &SnapshotReader{tb: w.snaps, front: 2}
	w.scratch = make([]scratch, w.runner.Workers())
	w.throwTraits = w.defaultThrowTraits()
	return w, nil
}

// Close stops the world and releases a private worker pool.
func (w *World) Close() {
	w.Stop()
	if w.ownPool {
		w.runner.Close()
	}
}

// Settings returns the active settings.
func (w *World) Settings() Settings { return w.settings }

// Store exposes the entity table. It must not be used while Run is active.
func (w *World) Store() *entity.Store { return w.store }

// Grid exposes the proximity grid.
func (w *World) Grid() *spatial.Grid { return w.grid }

// Collision exposes the collision grid hierarchy.
func (w *World) Collision() *spatial.Hierarchy { return w.coll }

// Tick returns the number of completed steps.
func (w *World) Tick() uint64 { return w.tick }

// Stats returns the statistics of the last step.
func (w *World) Stats() TickStats { return w.stats }

// Pacer returns the tick pacer.
func (w *World) Pacer() *Pacer { return w.pacer }

// Create inserts an entity immediately. It is meant for setup between
// ticks; running worlds take spawns through Submit. It returns -1 and false
// when the entity cap is reached.
func (w *World) Create(sp entity.Spawn) (int, bool) {
	return w.create(sp)
}

// Join adds a player immediately. Like Create it is for setup only.
func (w *World) Join(name string, color uint32) int32 {
	return w.store.Roster().Join(name, color).ID
}

func (w *World) create(sp entity.Spawn) (int, bool) {
	if w.store.Len() >= w.settings.MaxEntities {
		return -1, false
	}
	slot := w.store.Create(sp)
	p := w.store.Positions()[slot]
	r := w.store.Radius(slot)
	w.grid.Insert(slot, p, r)
	if w.store.Flags()[slot].Has(entity.Collidable) {
		w.coll.Register(slot, p, r)
	}
	if g := w.store.Traits()[slot].Gravity; g != nil && g.Radius > w.gravityReach {
		w.gravityReach = g.Radius
	}
	w.stats.Created++
	return slot, true
}

// destroy removes slot from both indexes and compacts the store, re-keying
// the entity that moved into slot.
func (w *World) destroy(slot int) {
	w.grid.Remove(slot)
	w.coll.Unregister(slot)
	moved := w.store.SwapRemove(slot)
	if moved >= 0 {
		w.grid.Move(moved, slot)
		w.coll.Move(moved, slot)
	}
	w.stats.Destroyed++
}

// defaultThrowTraits is what a player throw ejects when the thrower's
// traits have no throw record.
func (w *World) defaultThrowTraits() *entity.Traits {
	t := *entity.Food
	t.Name = "ejected"
	t.MinMass = 1
	t.MaxMass = w.settings.ThrowMass
	t.Movable = true
	t.Collide = true
	t.Bounce = true
	t.MaxSpeed = w.settings.ThrowSpeed
	t.Friction = 0.9
	return t.Normalized()
}

// Radius is the radius of slot.
func (w *World) Radius(slot int) float64 { return w.store.Radius(slot) }

// TotalMass sums the mass of every entity.
func (w *World) TotalMass() int64 {
	var total int64
	for _, m := range w.store.Masses() {
		total += m
	}
	return total
}

// Check verifies the store and that every entity is registered in both
// indexes exactly as its geometry requires.
func (w *World) Check() error {
	if err := w.store.Check(); err != nil {
		return err
	}
	n := w.store.Len()
	if w.grid.Count() != n {
		return fmt.Errorf("proximity grid holds %d entities, store %d", w.grid.Count(), n)
	}
	collidable := 0
	var buf []int32
	for slot := 0; slot < n; slot++ {
		p := w.store.Positions()[slot]
		r := w.store.Radius(slot)
		buf = w.grid.CellsOverlapping(p, r, buf[:0])
		got := w.grid.Membership(slot)
		if len(got) != len(buf) {
			return fmt.Errorf("slot %d in %d proximity cells, want %d", slot, len(got), len(buf))
		}
		for i := range got {
			if got[i] != buf[i] {
				return fmt.Errorf("slot %d in proximity cell %d, want %d", slot, got[i], buf[i])
			}
		}
		if !w.store.Flags()[slot].Has(entity.Collidable) {
			if w.coll.Registered(slot) {
				return fmt.Errorf("slot %d is not collidable but registered", slot)
			}
			continue
		}
		collidable++
		var s spatial.Scratch
		if w.coll.Changed(slot, p, r, &s) {
			return fmt.Errorf("slot %d has a stale collision registration", slot)
		}
	}
	if w.coll.Count() != collidable {
		return fmt.Errorf("collision grid holds %d entities, want %d", w.coll.Count(), collidable)
	}
	return nil
}

// Step advances the world by one tick.
func (w *World) Step() {
	start := time.Now()
	w.stats = TickStats{}

	w.runCommands()
	w.updateIndependent()
	w.integrateVelocity()
	w.applyGravity()
	w.throwing()
	w.eating()
	w.collide()
	w.integratePosition()
	w.apply()
	w.fixRoster()
	w.maintain()
	w.publish()

	w.tick++
	w.stats.Tick = w.tick
	w.stats.Entities = w.store.Len()
	w.stats.Players = w.store.Roster().Len()
	w.stats.Mass = w.TotalMass()
	w.stats.Duration = time.Since(start)
	if w.onTick != nil {
		w.onTick(w.stats)
	}
}

// Run steps the world until Stop is called, pacing ticks with the pacer.
func (w *World) Run() {
	for !w.stopped.Load() {
		start := time.Now()
		w.Step()
		if !w.pacer.Wait(w.stop, time.Since(start)) {
			return
		}
	}
}

// Stop makes Run return after the current tick.
func (w *World) Stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		close(w.stop)
	})
}

// Stopped reports whether Stop was called.
func (w *World) Stopped() bool { return w.stopped.Load() }

// forSlots runs fn over every slot in parallel chunks.
func (w *World) forSlots(fn func(lo, hi, worker int)) {
	w.runner.Chunks(w.store.Len(), w.settings.ChunkSize, fn)
}

func (w *World) logf(format string, args ...any) {
	w.logger.Printf(format, args...)
}

// direction returns the unit vector from a toward b, or a deterministic
// fallback when they coincide.
func direction(a, b geom.Vec, fallback geom.Vec) geom.Vec {
	if d, ok := b.Sub(a).Normalize(); ok {
		return d
	}
	return fallback
}
