package sim

import (
	"errors"
	"fmt"

	"cellsim/engine/action"
	"cellsim/engine/entity"
	"cellsim/engine/geom"
	"cellsim/engine/spatial"
)

var (
	ErrUnknownPlayer = errors.New("sim: unknown player")
	ErrWorldFull     = errors.New("sim: entity limit reached")
)

// CommandKind tags a Command.
type CommandKind uint8

const (
	CmdSpawn CommandKind = iota + 1
	CmdJoin
	CmdLeave
	CmdMoveTo
	CmdSplit
	CmdThrow
	CmdRebuild
	CmdRestore
	CmdDump
)

// Result is handed to Command.Done once the command ran.
type Result struct {
	Player int32
	Handle entity.Handle
	Dump   *Dump
	Err    error
}

// Command is an input event queued from outside the simulation goroutine
// and executed at the start of the next tick.
type Command struct {
	Kind   CommandKind
	Player int32

	Spawn  entity.Spawn
	Target geom.Point
	// HasTarget makes Split and Throw aim at Target instead of the
	// player's steering target. MoveTo always uses Target.
	HasTarget bool

	Name  string
	Color uint32

	Settings Settings
	Dump     *Dump

	// Done, when set, is called on the simulation goroutine.
	Done func(Result)
}

// Submit queues c for the next tick. It is safe for concurrent use.
func (w *World) Submit(c Command) {
	w.cmdMu.Lock()
	w.cmds = append(w.cmds, c)
	w.cmdMu.Unlock()
}

// Pending returns the number of queued commands.
func (w *World) Pending() int {
	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()
	return len(w.cmds)
}

func (w *World) runCommands() {
	w.cmdMu.Lock()
	cmds := w.cmds
	w.cmds = w.spare[:0]
	w.cmdMu.Unlock()

	for i := range cmds {
		res := w.execute(&cmds[i])
		if cmds[i].Done != nil {
			cmds[i].Done(res)
		}
	}
	clear(cmds)
	w.spare = cmds[:0]
}

func (w *World) execute(c *Command) Result {
	roster := w.store.Roster()
	switch c.Kind {
	case CmdSpawn:
		slot, ok := w.create(c.Spawn)
		if !ok {
			w.stats.Dropped++
			return Result{Err: ErrWorldFull}
		}
		return Result{Player: w.store.Players()[slot], Handle: w.store.Handle(slot)}

	case CmdJoin:
		p := roster.Join(c.Name, c.Color)
		return Result{Player: p.ID}

	case CmdLeave:
		if roster.Get(c.Player) == nil {
			return Result{Err: fmt.Errorf("%w: %d", ErrUnknownPlayer, c.Player)}
		}
		w.store.LeavePlayer(c.Player)
		return Result{Player: c.Player}

	case CmdMoveTo:
		p := roster.Get(c.Player)
		if p == nil {
			return Result{Err: fmt.Errorf("%w: %d", ErrUnknownPlayer, c.Player)}
		}
		p.Target = w.store.ClampPoint(c.Target)
		p.HasTarget = true
		return Result{Player: p.ID}

	case CmdSplit, CmdThrow:
		p := roster.Get(c.Player)
		if p == nil {
			return Result{Err: fmt.Errorf("%w: %d", ErrUnknownPlayer, c.Player)}
		}
		target := c.Target
		if !c.HasTarget && p.HasTarget {
			target = p.Target
		}
		ids := w.store.IDs()
		pos := w.store.Positions()
		for _, slot := range p.Slots {
			dir := direction(pos[slot].Vec(), target.Vec(), geom.Jitter(ids[slot], 0))
			if c.Kind == CmdSplit {
				w.store.Actions().Send(int(slot), action.One, action.SplitInto(2, dir))
			} else {
				w.store.Actions().Send(int(slot), action.One, action.ThrowToward(dir))
			}
		}
		return Result{Player: p.ID}

	case CmdRebuild:
		if err := w.rebuild(c.Settings); err != nil {
			return Result{Err: err}
		}
		return Result{}

	case CmdRestore:
		if err := w.Restore(c.Dump); err != nil {
			return Result{Err: err}
		}
		return Result{}

	case CmdDump:
		return Result{Dump: w.Dump()}
	}
	return Result{Err: fmt.Errorf("sim: unknown command %d", c.Kind)}
}

// rebuild applies new settings. Changing the map or either grid geometry
// re-seeds the indexes from scratch.
func (w *World) rebuild(s Settings) error {
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	old := w.settings
	w.settings = s
	w.throwTraits = w.defaultThrowTraits()
	w.pacer.SetRate(s.TickRate)
	w.pacer.adaptive = s.Adaptive

	mapChanged := s.Width != old.Width || s.Height != old.Height
	if mapChanged {
		w.store.SetBounds(s.Width, s.Height)
	}
	if s.RadiusScale != old.RadiusScale {
		w.store.SetRadiusScale(s.RadiusScale)
	}
	if mapChanged || s.ProximityCell != old.ProximityCell || s.RadiusScale != old.RadiusScale {
		w.reseedProximity()
	}
	if mapChanged || s.CollisionConfig() != old.CollisionConfig() || s.RadiusScale != old.RadiusScale {
		if err := w.coll.Rebuild(s.CollisionConfig(), w.bodies()); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidGrid, err)
		}
	}
	w.logf("sim: rebuilt grids (map %dx%d, proximity %.0f, collision %.1f x%.1f^%d)",
		s.Width, s.Height, s.ProximityCell, s.CollisionBaseCell, s.CollisionRatio, s.CollisionLevels)
	return nil
}

func (w *World) reseedProximity() {
	s := w.settings
	w.grid.Reset(s.Width, s.Height, s.ProximityCell)
	for slot := range w.store.Len() {
		w.grid.Insert(slot, w.store.Positions()[slot], w.store.Radius(slot))
	}
}

// bodies lists every collidable entity for a hierarchy rebuild.
func (w *World) bodies() []spatial.Body {
	flags := w.store.Flags()
	out := make([]spatial.Body, 0, len(flags))
	for slot, f := range flags {
		if f.Has(entity.Collidable) {
			out = append(out, spatial.Body{Slot: slot, Pos: w.store.Positions()[slot], Radius: w.store.Radius(slot)})
		}
	}
	return out
}
