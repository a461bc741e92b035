// Package entity is the structure-of-arrays table of live entities: dense
// index-aligned columns compacted by swap-remove, a free-list id allocator
// with a generation-checked handle table, and the player roster.
package entity

import (
	"fmt"

	"cellsim/engine/action"
	"cellsim/engine/geom"
)

// Timers holds an entity's countdowns in ticks, indexed by action.Timer.
// A value of 0 means the timer is inactive.
type Timers [action.NumTimers]int32

// Active reports whether timer t is counting down.
func (t *Timers) Active(which action.Timer) bool { return t[which] > 0 }

// Drawable is the per-entity state handed to the renderer.
type Drawable struct {
	ID       uint32  `msgpack:"id"`
	Player   int32   `msgpack:"p"`
	X        int32   `msgpack:"x"`
	Y        int32   `msgpack:"y"`
	Radius   float32 `msgpack:"r"`
	Mass     int64   `msgpack:"m"`
	Color    uint32  `msgpack:"c"`
	Texture  uint16  `msgpack:"t"`
	Lifetime int32   `msgpack:"l"`
}

// Spawn is an entity creation request.
type Spawn struct {
	Traits *Traits
	Pos    geom.Point
	Vel    geom.Vec
	Mass   int64
	Player int32
	// Color 0 uses the player's colour, then the traits' colour.
	Color  uint32
	Timers Timers
	// Exact keeps Timers as given instead of seeding them from Traits.
	Exact bool
}

// Store is the entity table. Structural methods (Create, SwapRemove, the
// roster mutators) must only be called from a single goroutine while no
// parallel phase is running. Column slices may be read and written
// concurrently as long as each slot is written by one goroutine.
type Store struct {
	width, height int32
	radiusScale   float64

	ids      []uint32
	player   []int32
	local    []int32
	color    []uint32
	traits   []*Traits
	pos      []geom.Point
	vel      []geom.Vec
	mass     []int64
	timers   []Timers
	flags    []Flags
	drawable []Drawable
	actions  action.Buffer

	handles handleTable
	roster  Roster
}

// NewStore creates an empty store for a width x height map.
func NewStore(width, height int32, radiusScale float64, capacity int) *Store {
	if radiusScale <= 0 {
		radiusScale = 1
	}
	return &Store{
		width:       width,
		height:      height,
		radiusScale: radiusScale,
		ids:         make([]uint32, 0, capacity),
		player:      make([]int32, 0, capacity),
		local:       make([]int32, 0, capacity),
		color:       make([]uint32, 0, capacity),
		traits:      make([]*Traits, 0, capacity),
		pos:         make([]geom.Point, 0, capacity),
		vel:         make([]geom.Vec, 0, capacity),
		mass:        make([]int64, 0, capacity),
		timers:      make([]Timers, 0, capacity),
		flags:       make([]Flags, 0, capacity),
		drawable:    make([]Drawable, 0, capacity),
		roster:      newRoster(),
	}
}

// Len returns the number of live entities.
func (s *Store) Len() int { return len(s.ids) }

// Bounds returns the map size.
func (s *Store) Bounds() (width, height int32) { return s.width, s.height }

// SetBounds changes the map size. Existing positions are clamped.
func (s *Store) SetBounds(width, height int32) {
	s.width, s.height = width, height
	for i := range s.pos {
		s.pos[i] = s.ClampPoint(s.pos[i])
	}
}

// RadiusScale returns the mass-to-radius factor.
func (s *Store) RadiusScale() float64 { return s.radiusScale }

// SetRadiusScale changes the mass-to-radius factor.
func (s *Store) SetRadiusScale(scale float64) {
	if scale > 0 {
		s.radiusScale = scale
	}
}

// ClampPoint restricts p to the map.
func (s *Store) ClampPoint(p geom.Point) geom.Point {
	if p.X < 0 {
		p.X = 0
	} else if p.X > s.width {
		p.X = s.width
	}
	if p.Y < 0 {
		p.Y = 0
	} else if p.Y > s.height {
		p.Y = s.height
	}
	return p
}

// Create validates sp and appends it to every column. Mass is clamped to
// the traits' bounds and the position to the map. Traits with unusable
// mass bounds are replaced by a normalized copy. Entities of unknown
// players are created unowned.
func (s *Store) Create(sp Spawn) int {
	t := sp.Traits
	if t == nil {
		t = Food
	} else if !t.Valid() {
		t = t.Normalized()
	}
	slot := len(s.ids)
	h := s.handles.alloc(slot)

	owner := sp.Player
	p := s.roster.Get(owner)
	if p == nil {
		owner = NoPlayer
	}
	color := sp.Color
	if color == 0 && p != nil {
		color = p.Color
	}
	if color == 0 {
		color = t.Color
	}
	timers := sp.Timers
	if !sp.Exact && timers[action.Lifetime] == 0 {
		timers[action.Lifetime] = t.Lifetime
	}
	vel := sp.Vel
	if !vel.Finite() {
		vel = geom.Vec{}
	}

	s.ids = append(s.ids, h.ID)
	s.player = append(s.player, owner)
	s.local = append(s.local, -1)
	s.color = append(s.color, color)
	s.traits = append(s.traits, t)
	s.pos = append(s.pos, s.ClampPoint(sp.Pos))
	s.vel = append(s.vel, vel)
	s.mass = append(s.mass, t.ClampMass(sp.Mass))
	s.timers = append(s.timers, timers)
	s.flags = append(s.flags, t.Flags())
	s.drawable = append(s.drawable, Drawable{})
	s.actions.Append()

	if p != nil {
		s.local[slot] = int32(len(p.Slots))
		p.Slots = append(p.Slots, int32(slot))
	}
	s.RefreshDrawable(slot)
	return slot
}

// SwapRemove destroys the entity at slot: it leaves its player's roster,
// releases its unique id, and is replaced by the last entity. It returns
// the former slot of the entity that moved into slot, or -1 when the
// removed entity was last.
func (s *Store) SwapRemove(slot int) int {
	last := len(s.ids) - 1
	if slot < 0 || slot > last {
		panic(fmt.Sprintf("entity: remove of slot %d out of range [0,%d)", slot, last+1))
	}

	s.leavePlayer(slot)
	s.handles.release(s.ids[slot])

	moved := -1
	if slot != last {
		moved = last
		s.ids[slot] = s.ids[last]
		s.player[slot] = s.player[last]
		s.local[slot] = s.local[last]
		s.color[slot] = s.color[last]
		s.traits[slot] = s.traits[last]
		s.pos[slot] = s.pos[last]
		s.vel[slot] = s.vel[last]
		s.mass[slot] = s.mass[last]
		s.timers[slot] = s.timers[last]
		s.flags[slot] = s.flags[last]
		s.drawable[slot] = s.drawable[last]

		s.handles.relocate(s.ids[slot], slot)
		if pid := s.player[slot]; pid != NoPlayer {
			s.roster.players[pid].Slots[s.local[slot]] = int32(slot)
		}
	}
	s.actions.SwapRemove(slot)

	s.traits[last] = nil
	s.ids = s.ids[:last]
	s.player = s.player[:last]
	s.local = s.local[:last]
	s.color = s.color[:last]
	s.traits = s.traits[:last]
	s.pos = s.pos[:last]
	s.vel = s.vel[:last]
	s.mass = s.mass[:last]
	s.timers = s.timers[:last]
	s.flags = s.flags[:last]
	s.drawable = s.drawable[:last]
	return moved
}

// leavePlayer removes slot from its player's list, swap-removing within
// the list and fixing the local index of the entity swapped in.
func (s *Store) leavePlayer(slot int) {
	pid := s.player[slot]
	if pid == NoPlayer {
		return
	}
	p := s.roster.players[pid]
	li := s.local[slot]
	last := int32(len(p.Slots) - 1)
	if p.Slots[li] != int32(slot) {
		panic(fmt.Sprintf("entity: roster desync for slot %d (player %d local %d holds %d)", slot, pid, li, p.Slots[li]))
	}
	if li != last {
		other := p.Slots[last]
		p.Slots[li] = other
		s.local[other] = li
	}
	p.Slots = p.Slots[:last]
	s.player[slot] = NoPlayer
	s.local[slot] = -1
}

// Reassign moves slot to another player (or NoPlayer).
func (s *Store) Reassign(slot int, pid int32) {
	s.leavePlayer(slot)
	p := s.roster.Get(pid)
	if p == nil {
		return
	}
	s.player[slot] = pid
	s.local[slot] = int32(len(p.Slots))
	p.Slots = append(p.Slots, int32(slot))
}

// Clear removes every entity and player.
func (s *Store) Clear() {
	s.handles.reset()
	s.actions.Clear()
	clear(s.traits)
	s.ids = s.ids[:0]
	s.player = s.player[:0]
	s.local = s.local[:0]
	s.color = s.color[:0]
	s.traits = s.traits[:0]
	s.pos = s.pos[:0]
	s.vel = s.vel[:0]
	s.mass = s.mass[:0]
	s.timers = s.timers[:0]
	s.flags = s.flags[:0]
	s.drawable = s.drawable[:0]
	s.roster = newRoster()
}

// Radius returns the radius of slot derived from its mass.
func (s *Store) Radius(slot int) float64 {
	return geom.RadiusOf(s.mass[slot], s.radiusScale)
}

// RefreshDrawable copies slot's state into the drawable column.
func (s *Store) RefreshDrawable(slot int) {
	s.drawable[slot] = Drawable{
		ID:       s.ids[slot],
		Player:   s.player[slot],
		X:        s.pos[slot].X,
		Y:        s.pos[slot].Y,
		Radius:   float32(s.Radius(slot)),
		Mass:     s.mass[slot],
		Color:    s.color[slot],
		Texture:  s.traits[slot].Texture,
		Lifetime: s.timers[slot][action.Lifetime],
	}
}

// Handle returns the weak handle of slot.
func (s *Store) Handle(slot int) Handle { return s.handles.handle(s.ids[slot]) }

// Resolve returns the current slot of h.
func (s *Store) Resolve(h Handle) (int, bool) { return s.handles.resolve(h) }

// Roster returns the player roster.
func (s *Store) Roster() *Roster { return &s.roster }

// LeavePlayer removes a player. Its entities become unowned.
func (s *Store) LeavePlayer(pid int32) {
	p := s.roster.Get(pid)
	if p == nil {
		return
	}
	for len(p.Slots) > 0 {
		s.leavePlayer(int(p.Slots[len(p.Slots)-1]))
	}
	s.roster.remove(pid)
}

// Column accessors. The returned slices alias the store and are only
// valid until the next structural change.

func (s *Store) IDs() []uint32           { return s.ids }
func (s *Store) Players() []int32        { return s.player }
func (s *Store) Locals() []int32         { return s.local }
func (s *Store) Colors() []uint32        { return s.color }
func (s *Store) Traits() []*Traits       { return s.traits }
func (s *Store) Positions() []geom.Point { return s.pos }
func (s *Store) Velocities() []geom.Vec  { return s.vel }
func (s *Store) Masses() []int64         { return s.mass }
func (s *Store) Timers() []Timers        { return s.timers }
func (s *Store) Flags() []Flags          { return s.flags }
func (s *Store) Drawables() []Drawable   { return s.drawable }
func (s *Store) Actions() *action.Buffer { return &s.actions }

// Check verifies that every column has the same length, that every
// handle resolves to its own slot and that the roster is consistent. It
// returns the first violation found.
func (s *Store) Check() error {
	n := len(s.ids)
	lens := []int{len(s.player), len(s.local), len(s.color), len(s.traits), len(s.pos),
		len(s.vel), len(s.mass), len(s.timers), len(s.flags), len(s.drawable), s.actions.Len()}
	for i, l := range lens {
		if l != n {
			return fmt.Errorf("column %d has length %d, want %d", i, l, n)
		}
	}
	for slot := 0; slot < n; slot++ {
		got, ok := s.Resolve(s.Handle(slot))
		if !ok || got != slot {
			return fmt.Errorf("handle of slot %d resolves to %d (ok=%v)", slot, got, ok)
		}
		if pid := s.player[slot]; pid != NoPlayer {
			p := s.roster.Get(pid)
			if p == nil {
				return fmt.Errorf("slot %d owned by missing player %d", slot, pid)
			}
			li := s.local[slot]
			if li < 0 || int(li) >= len(p.Slots) || p.Slots[li] != int32(slot) {
				return fmt.Errorf("slot %d has bad player-local index %d", slot, li)
			}
		}
	}
	for _, pid := range s.roster.IDs() {
		for li, slot := range s.roster.players[pid].Slots {
			if int(slot) >= n || s.player[slot] != pid || s.local[slot] != int32(li) {
				return fmt.Errorf("player %d entry %d points at slot %d", pid, li, slot)
			}
		}
	}
	return nil
}
