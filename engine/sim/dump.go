package sim

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"cellsim/engine/entity"
	"cellsim/engine/geom"
)

// DumpVersion is written into every dump.
const DumpVersion = 1

var ErrBadDump = errors.New("sim: invalid dump")

// DumpTraits is one row of the traits table. Nested traits refer to other
// rows by index; -1 means the default.
type DumpTraits struct {
	Name          string  `msgpack:"name"`
	MinMass       int64   `msgpack:"min"`
	MaxMass       int64   `msgpack:"max"`
	MassEvolution float64 `msgpack:"evo,omitempty"`

	Killer          bool `msgpack:"killer,omitempty"`
	Collide         bool `msgpack:"collide,omitempty"`
	Movable         bool `msgpack:"movable,omitempty"`
	Bounce          bool `msgpack:"bounce,omitempty"`
	GravityAffected bool `msgpack:"gaffected,omitempty"`

	MergeTicks int32   `msgpack:"merge,omitempty"`
	Lifetime   int32   `msgpack:"life,omitempty"`
	MaxSpeed   float64 `msgpack:"speed"`
	Friction   float64 `msgpack:"friction"`

	Gravity *entity.Gravity `msgpack:"gravity,omitempty"`
	Throw   *DumpThrow      `msgpack:"throw,omitempty"`
	OnDeath *DumpOnDeath    `msgpack:"ondeath,omitempty"`

	Color   uint32 `msgpack:"color"`
	Texture uint16 `msgpack:"tex"`
}

type DumpThrow struct {
	Mass     int64   `msgpack:"mass"`
	Speed    float64 `msgpack:"speed"`
	Interval int32   `msgpack:"interval"`
	Traits   int     `msgpack:"traits"`
}

type DumpOnDeath struct {
	Count  int     `msgpack:"count"`
	Mass   int64   `msgpack:"mass"`
	Speed  float64 `msgpack:"speed"`
	Traits int     `msgpack:"traits"`
}

type DumpPlayer struct {
	ID        int32      `msgpack:"id"`
	Name      string     `msgpack:"name"`
	Color     uint32     `msgpack:"color"`
	Target    geom.Point `msgpack:"target"`
	HasTarget bool       `msgpack:"has_target"`
}

type DumpEntity struct {
	Traits int           `msgpack:"t"`
	Player int32         `msgpack:"p"`
	Pos    geom.Point    `msgpack:"pos"`
	Vel    geom.Vec      `msgpack:"vel"`
	Mass   int64         `msgpack:"m"`
	Color  uint32        `msgpack:"c"`
	Timers entity.Timers `msgpack:"timers"`
}

// Dump is the full reconstructable state of a world.
type Dump struct {
	Version  int          `msgpack:"version"`
	Tick     uint64       `msgpack:"tick"`
	Settings Settings     `msgpack:"settings"`
	Traits   []DumpTraits `msgpack:"traits"`
	Players  []DumpPlayer `msgpack:"players"`
	Entities []DumpEntity `msgpack:"entities"`
}

// traitsTable numbers every distinct traits record reachable from the
// entities, nested records included.
type traitsTable struct {
	index map[*entity.Traits]int
	rows  []DumpTraits
}

func (tt *traitsTable) add(t *entity.Traits) int {
	if t == nil {
		return -1
	}
	if i, ok := tt.index[t]; ok {
		return i
	}
	i := len(tt.rows)
	tt.index[t] = i
	tt.rows = append(tt.rows, DumpTraits{})
	row := DumpTraits{
		Name:            t.Name,
		MinMass:         t.MinMass,
		MaxMass:         t.MaxMass,
		MassEvolution:   t.MassEvolution,
		Killer:          t.Killer,
		Collide:         t.Collide,
		Movable:         t.Movable,
		Bounce:          t.Bounce,
		GravityAffected: t.GravityAffected,
		MergeTicks:      t.MergeTicks,
		Lifetime:        t.Lifetime,
		MaxSpeed:        t.MaxSpeed,
		Friction:        t.Friction,
		Color:           t.Color,
		Texture:         t.Texture,
	}
	if t.Gravity != nil {
		g := *t.Gravity
		row.Gravity = &g
	}
	if t.Throw != nil {
		row.Throw = &DumpThrow{Mass: t.Throw.Mass, Speed: t.Throw.Speed, Interval: t.Throw.Interval, Traits: tt.add(t.Throw.Traits)}
	}
	if t.OnDeath != nil {
		row.OnDeath = &DumpOnDeath{Count: t.OnDeath.Count, Mass: t.OnDeath.Mass, Speed: t.OnDeath.Speed, Traits: tt.add(t.OnDeath.Traits)}
	}
	tt.rows[i] = row
	return i
}

// Dump enumerates the world. It must not run concurrently with Step.
func (w *World) Dump() *Dump {
	tt := traitsTable{index: make(map[*entity.Traits]int)}
	d := &Dump{Version: DumpVersion, Tick: w.tick, Settings: w.settings}

	roster := w.store.Roster()
	for _, id := range roster.IDs() {
		p := roster.Get(id)
		d.Players = append(d.Players, DumpPlayer{ID: p.ID, Name: p.Name, Color: p.Color, Target: p.Target, HasTarget: p.HasTarget})
	}
	n := w.store.Len()
	d.Entities = make([]DumpEntity, n)
	for i := range n {
		d.Entities[i] = DumpEntity{
			Traits: tt.add(w.store.Traits()[i]),
			Player: w.store.Players()[i],
			Pos:    w.store.Positions()[i],
			Vel:    w.store.Velocities()[i],
			Mass:   w.store.Masses()[i],
			Color:  w.store.Colors()[i],
			Timers: w.store.Timers()[i],
		}
	}
	d.Traits = tt.rows
	return d
}

// traits rebuilds the traits records of the table.
func (d *Dump) traits() ([]*entity.Traits, error) {
	out := make([]*entity.Traits, len(d.Traits))
	for i := range d.Traits {
		out[i] = &entity.Traits{}
	}
	ref := func(i int) (*entity.Traits, error) {
		if i == -1 {
			return nil, nil
		}
		if i < 0 || i >= len(out) {
			return nil, fmt.Errorf("%w: traits reference %d of %d", ErrBadDump, i, len(out))
		}
		return out[i], nil
	}
	for i, row := range d.Traits {
		t := out[i]
		*t = entity.Traits{
			Name:            row.Name,
			MinMass:         row.MinMass,
			MaxMass:         row.MaxMass,
			MassEvolution:   row.MassEvolution,
			Killer:          row.Killer,
			Collide:         row.Collide,
			Movable:         row.Movable,
			Bounce:          row.Bounce,
			GravityAffected: row.GravityAffected,
			MergeTicks:      row.MergeTicks,
			Lifetime:        row.Lifetime,
			MaxSpeed:        row.MaxSpeed,
			Friction:        row.Friction,
			Color:           row.Color,
			Texture:         row.Texture,
		}
		if row.Gravity != nil {
			g := *row.Gravity
			t.Gravity = &g
		}
		if row.Throw != nil {
			nested, err := ref(row.Throw.Traits)
			if err != nil {
				return nil, err
			}
			t.Throw = &entity.ThrowSpec{Mass: row.Throw.Mass, Speed: row.Throw.Speed, Interval: row.Throw.Interval, Traits: nested}
		}
		if row.OnDeath != nil {
			nested, err := ref(row.OnDeath.Traits)
			if err != nil {
				return nil, err
			}
			t.OnDeath = &entity.OnDeath{Count: row.OnDeath.Count, Mass: row.OnDeath.Mass, Speed: row.OnDeath.Speed, Traits: nested}
		}
	}
	return out, nil
}

// Restore replaces the whole world with d. A dump that fails validation
// leaves the world unchanged.
func (w *World) Restore(d *Dump) error {
	if d == nil {
		return fmt.Errorf("%w: nil", ErrBadDump)
	}
	if d.Version != DumpVersion {
		return fmt.Errorf("%w: version %d", ErrBadDump, d.Version)
	}
	s := d.Settings.Normalize()
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadDump, err)
	}
	if len(d.Entities) > s.MaxEntities {
		return fmt.Errorf("%w: %d entities over limit %d", ErrWorldFull, len(d.Entities), s.MaxEntities)
	}
	traits, err := d.traits()
	if err != nil {
		return err
	}
	seen := make(map[int32]bool, len(d.Players))
	for _, p := range d.Players {
		if p.ID <= entity.NoPlayer || seen[p.ID] {
			return fmt.Errorf("%w: player id %d", ErrBadDump, p.ID)
		}
		seen[p.ID] = true
	}
	for i, e := range d.Entities {
		if e.Traits < 0 || e.Traits >= len(traits) {
			return fmt.Errorf("%w: entity %d has traits %d", ErrBadDump, i, e.Traits)
		}
	}

	w.store.Clear()
	w.grid.Clear()
	w.settings = s
	w.store.SetBounds(s.Width, s.Height)
	w.store.SetRadiusScale(s.RadiusScale)
	w.grid.Reset(s.Width, s.Height, s.ProximityCell)
	if err := w.coll.Rebuild(s.CollisionConfig(), nil); err != nil {
		return fmt.Errorf("%w: %w", ErrBadDump, err)
	}
	w.pacer.SetRate(s.TickRate)
	w.pacer.adaptive = s.Adaptive
	w.throwTraits = w.defaultThrowTraits()
	w.gravityReach = 0
	w.tick = d.Tick

	roster := w.store.Roster()
	for _, p := range d.Players {
		rp := roster.Restore(p.ID, p.Name, p.Color)
		rp.Target, rp.HasTarget = p.Target, p.HasTarget
	}
	for _, e := range d.Entities {
		w.create(entity.Spawn{
			Traits: traits[e.Traits],
			Pos:    e.Pos,
			Vel:    e.Vel,
			Mass:   e.Mass,
			Player: e.Player,
			Color:  e.Color,
			Timers: e.Timers,
			Exact:  true,
		})
	}
	w.stats.Created = 0
	w.logf("sim: restored tick %d with %d entities and %d players", d.Tick, w.store.Len(), roster.Len())
	return nil
}

// EncodeDump serializes d with msgpack.
func EncodeDump(d *Dump) ([]byte, error) {
	return msgpack.Marshal(d)
}

// DecodeDump parses a dump produced by EncodeDump.
func DecodeDump(b []byte) (*Dump, error) {
	var d Dump
	if err := msgpack.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadDump, err)
	}
	return &d, nil
}
