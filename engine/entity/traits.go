package entity

import "math"

// Flags is the per-entity capability and per-tick status bitset.
type Flags uint16

const (
	Killer Flags = 1 << iota
	Collidable
	Movable
	Bounce
	GravityAffected
	Throws

	// Per-tick status bits, cleared at the start of every tick.
	Moved
	MassChanged
	Dead
)

// TickBits are the bits reset at the start of a tick.
const TickBits = Moved | MassChanged

// Has reports whether every bit of x is set.
func (f Flags) Has(x Flags) bool { return f&x == x }

// Gravity makes an entity pull GravityAffected neighbours.
type Gravity struct {
	Strength float64
	Radius   float64
}

// ThrowSpec makes an entity periodically eject children.
type ThrowSpec struct {
	Mass     int64
	Speed    float64
	Interval int32
	Traits   *Traits // nil throws copies of the parent's traits
}

// OnDeath spawns fragments when an entity is killed.
type OnDeath struct {
	Count  int
	Mass   int64
	Speed  float64
	Traits *Traits
}

// Traits is the behavioural record an entity is created with. Traits are
// shared between entities and must not be modified after use.
type Traits struct {
	Name string

	MinMass int64
	MaxMass int64
	// MassEvolution multiplies the mass every tick; 0 and 1 both mean none.
	MassEvolution float64

	Killer          bool
	Collide         bool
	Movable         bool
	Bounce          bool
	GravityAffected bool

	// MergeTicks is the merge immunity given to split pieces.
	MergeTicks int32
	// Lifetime in ticks; 0 lives forever.
	Lifetime int32

	MaxSpeed float64
	Friction float64

	Gravity *Gravity
	Throw   *ThrowSpec
	OnDeath *OnDeath

	Color   uint32
	Texture uint16
}

// Flags returns the capability bits the traits grant.
func (t *Traits) Flags() Flags {
	var f Flags
	if t.Killer {
		f |= Killer
	}
	if t.Collide {
		f |= Collidable
	}
	if t.Movable {
		f |= Movable
	}
	if t.Bounce {
		f |= Bounce
	}
	if t.GravityAffected {
		f |= GravityAffected
	}
	if t.Throw != nil && t.Throw.Mass > 0 && t.Throw.Interval > 0 {
		f |= Throws
	}
	return f
}

// Evolves reports whether MassEvolution changes the mass.
func (t *Traits) Evolves() bool {
	return t.MassEvolution != 0 && t.MassEvolution != 1
}

// Normalized returns a copy with mass bounds and physics knobs clamped to
// usable values. Inverted bounds are swapped.
func (t Traits) Normalized() *Traits {
	if t.MinMass > t.MaxMass && t.MaxMass > 0 {
		t.MinMass, t.MaxMass = t.MaxMass, t.MinMass
	}
	if t.MinMass < 1 {
		t.MinMass = 1
	}
	if t.MaxMass <= 0 {
		t.MaxMass = math.MaxInt32
	}
	if t.MaxMass < t.MinMass {
		t.MaxMass = t.MinMass
	}
	if t.MassEvolution < 0 || math.IsNaN(t.MassEvolution) {
		t.MassEvolution = 1
	}
	if t.MaxSpeed <= 0 {
		t.MaxSpeed = 50
	}
	if t.Friction <= 0 || t.Friction > 1 {
		t.Friction = 0.9
	}
	if t.MergeTicks < 0 {
		t.MergeTicks = 0
	}
	if t.Lifetime < 0 {
		t.Lifetime = 0
	}
	return &t
}

// Valid reports whether the mass bounds are usable as they are.
func (t *Traits) Valid() bool {
	return t.MinMass >= 1 && t.MaxMass >= t.MinMass
}

// ClampMass restricts m to the traits' bounds.
func (t *Traits) ClampMass(m int64) int64 {
	if m < t.MinMass {
		return t.MinMass
	}
	if m > t.MaxMass {
		return t.MaxMass
	}
	return m
}

// Cell is the default player-controlled traits record.
var Cell = Traits{
	Name:       "cell",
	MinMass:    10,
	MaxMass:    10_000_000,
	Killer:     true,
	Collide:    true,
	Movable:    true,
	MergeTicks: 300,
	MaxSpeed:   40,
	Friction:   0.85,
	Color:      0x33cc33,
}.Normalized()

// Food is the default passive pellet record.
var Food = Traits{
	Name:    "food",
	MinMass: 1,
	MaxMass: 100,
	Color:   0xffcc00,
}.Normalized()
