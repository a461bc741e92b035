package sim

import (
	"errors"
	"fmt"
	"math"

	"cellsim/engine/spatial"
)

var (
	ErrInvalidMap        = errors.New("sim: invalid map size")
	ErrInvalidGrid       = errors.New("sim: invalid grid configuration")
	ErrInvalidIterations = errors.New("sim: invalid collision iteration count")
	ErrInvalidLimit      = errors.New("sim: invalid entity limit")
	ErrInvalidRate       = errors.New("sim: invalid tick rate")
	ErrInvalidEatRatio   = errors.New("sim: eat ratio must be above 1")
)

// MaxMapSize bounds both map dimensions.
const MaxMapSize = 1 << 24

// Settings configures a World. The zero value is not usable; start from
// DefaultSettings.
type Settings struct {
	Width  int32 `msgpack:"width" json:"width"`
	Height int32 `msgpack:"height" json:"height"`

	// RadiusScale converts mass to radius: r = sqrt(mass) * RadiusScale.
	RadiusScale float64 `msgpack:"radius_scale" json:"radius_scale"`

	ProximityCell float64 `msgpack:"proximity_cell" json:"proximity_cell"`

	CollisionBaseCell   float64 `msgpack:"collision_base_cell" json:"collision_base_cell"`
	CollisionRatio      float64 `msgpack:"collision_ratio" json:"collision_ratio"`
	CollisionLevels     int     `msgpack:"collision_levels" json:"collision_levels"`
	CollisionIterations int     `msgpack:"collision_iterations" json:"collision_iterations"`
	// CollisionSlop is extra separation added to every resolved contact so
	// rounding to integer positions never leaves residual penetration.
	CollisionSlop float64 `msgpack:"collision_slop" json:"collision_slop"`

	MaxEntities int `msgpack:"max_entities" json:"max_entities"`
	ChunkSize   int `msgpack:"chunk_size" json:"chunk_size"`

	// EatRatio is the minimum eater/victim mass ratio between players. It
	// must exceed 1 so that no two entities can eat each other.
	EatRatio float64 `msgpack:"eat_ratio" json:"eat_ratio"`
	// EatReach is how much of its radius a victim may still stick out of
	// the eater when it is swallowed.
	EatReach float64 `msgpack:"eat_reach" json:"eat_reach"`

	MaxPlayerCells int     `msgpack:"max_player_cells" json:"max_player_cells"`
	SplitSpeed     float64 `msgpack:"split_speed" json:"split_speed"`
	SplitInertia   int32   `msgpack:"split_inertia" json:"split_inertia"`
	SplitImmunity  int32   `msgpack:"split_immunity" json:"split_immunity"`
	// Steer is the fraction of the gap between current and desired
	// velocity closed every tick for player cells.
	Steer float64 `msgpack:"steer" json:"steer"`

	// ThrowMass and ThrowSpeed are used for player throws from cells whose
	// traits carry no throw record.
	ThrowMass  int64   `msgpack:"throw_mass" json:"throw_mass"`
	ThrowSpeed float64 `msgpack:"throw_speed" json:"throw_speed"`

	// MaxDelta bounds each component of a position or speed action.
	MaxDelta float64 `msgpack:"max_delta" json:"max_delta"`

	TickRate int  `msgpack:"tick_rate" json:"tick_rate"`
	Adaptive bool `msgpack:"adaptive" json:"adaptive"`
}

// DefaultSettings returns a playable configuration.
func DefaultSettings() Settings {
	return Settings{
		Width:               10000,
		Height:              10000,
		RadiusScale:         1,
		ProximityCell:       128,
		CollisionBaseCell:   16,
		CollisionRatio:      4,
		CollisionLevels:     4,
		CollisionIterations: 5,
		CollisionSlop:       1,
		MaxEntities:         100_000,
		ChunkSize:           256,
		EatRatio:            1.25,
		EatReach:            0.6,
		MaxPlayerCells:      16,
		SplitSpeed:          30,
		SplitInertia:        15,
		SplitImmunity:       4,
		Steer:               0.2,
		ThrowMass:           16,
		ThrowSpeed:          40,
		MaxDelta:            1 << 20,
		TickRate:            60,
		Adaptive:            true,
	}
}

// CollisionConfig returns the collision hierarchy configuration.
func (s Settings) CollisionConfig() spatial.Config {
	return spatial.Config{
		Width:        s.Width,
		Height:       s.Height,
		BaseCellSize: s.CollisionBaseCell,
		Ratio:        s.CollisionRatio,
		Levels:       s.CollisionLevels,
	}
}

func positive(f float64) bool { return f > 0 && !math.IsInf(f, 0) }

// Validate reports the first unusable field.
func (s Settings) Validate() error {
	if s.Width <= 0 || s.Height <= 0 || s.Width > MaxMapSize || s.Height > MaxMapSize {
		return fmt.Errorf("%w: %dx%d", ErrInvalidMap, s.Width, s.Height)
	}
	if !positive(s.ProximityCell) {
		return fmt.Errorf("%w: proximity cell %v", ErrInvalidGrid, s.ProximityCell)
	}
	if n := spatial.Cells(s.Width, s.Height, s.ProximityCell); n > spatial.MaxCells {
		return fmt.Errorf("%w: proximity grid of %.0f cells", ErrInvalidGrid, n)
	}
	if err := s.CollisionConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGrid, err)
	}
	if s.CollisionIterations < 1 || s.CollisionIterations > 64 {
		return fmt.Errorf("%w: %d", ErrInvalidIterations, s.CollisionIterations)
	}
	if s.MaxEntities < 1 {
		return fmt.Errorf("%w: max entities %d", ErrInvalidLimit, s.MaxEntities)
	}
	if s.MaxPlayerCells < 1 {
		return fmt.Errorf("%w: max player cells %d", ErrInvalidLimit, s.MaxPlayerCells)
	}
	if s.TickRate < 1 || s.TickRate > 1000 {
		return fmt.Errorf("%w: %d", ErrInvalidRate, s.TickRate)
	}
	if !(s.EatRatio > 1) || math.IsInf(s.EatRatio, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidEatRatio, s.EatRatio)
	}
	return nil
}

// Normalize fills zero and out-of-range fields with defaults and clamps the
// rest, so that the result always validates. Grids too fine for the map
// get coarser cells.
func (s Settings) Normalize() Settings {
	d := DefaultSettings()
	if s.Width <= 0 {
		s.Width = d.Width
	}
	if s.Height <= 0 {
		s.Height = d.Height
	}
	s.Width = min(s.Width, MaxMapSize)
	s.Height = min(s.Height, MaxMapSize)
	fill := func(v *float64, def float64) {
		if !positive(*v) {
			*v = def
		}
	}
	fill(&s.RadiusScale, d.RadiusScale)
	fill(&s.ProximityCell, d.ProximityCell)
	fill(&s.CollisionBaseCell, d.CollisionBaseCell)
	fill(&s.SplitSpeed, d.SplitSpeed)
	fill(&s.ThrowSpeed, d.ThrowSpeed)
	fill(&s.MaxDelta, d.MaxDelta)
	if !(s.CollisionRatio >= 2) || math.IsInf(s.CollisionRatio, 0) {
		s.CollisionRatio = d.CollisionRatio
	}
	if s.CollisionLevels < 1 {
		s.CollisionLevels = d.CollisionLevels
	}
	s.CollisionLevels = min(s.CollisionLevels, spatial.MaxLevels)
	if s.CollisionIterations < 1 {
		s.CollisionIterations = d.CollisionIterations
	}
	s.CollisionIterations = min(s.CollisionIterations, 64)
	if s.CollisionSlop < 0 || math.IsNaN(s.CollisionSlop) {
		s.CollisionSlop = 0
	}
	if s.MaxEntities < 1 {
		s.MaxEntities = d.MaxEntities
	}
	if s.ChunkSize < 1 {
		s.ChunkSize = d.ChunkSize
	}
	if !(s.EatRatio > 1) || math.IsInf(s.EatRatio, 0) {
		s.EatRatio = d.EatRatio
	}
	if !(s.EatReach >= 0 && s.EatReach <= 1) {
		s.EatReach = d.EatReach
	}
	if s.MaxPlayerCells < 1 {
		s.MaxPlayerCells = d.MaxPlayerCells
	}
	if s.SplitInertia < 0 {
		s.SplitInertia = 0
	}
	if s.SplitImmunity < 0 {
		s.SplitImmunity = 0
	}
	if !(s.Steer > 0 && s.Steer <= 1) {
		s.Steer = d.Steer
	}
	if s.ThrowMass < 1 {
		s.ThrowMass = d.ThrowMass
	}
	if s.TickRate < 1 {
		s.TickRate = d.TickRate
	}
	s.TickRate = min(s.TickRate, 1000)
	for spatial.Cells(s.Width, s.Height, s.ProximityCell) > spatial.MaxCells {
		s.ProximityCell *= 2
	}
	for s.CollisionConfig().Cells() > spatial.MaxCells {
		s.CollisionBaseCell *= 2
	}
	return s
}
