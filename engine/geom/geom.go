// Package geom holds the small amount of 2-D math the simulation needs:
// integer positions, float velocities, saturating arithmetic and the
// circle tests used by both spatial indexes.
package geom

import "math"

// Point is an integer world position.
type Point struct {
	X, Y int32
}

// Vec is a float displacement or velocity.
type Vec struct {
	X, Y float64
}

// Pt is shorthand for Point{x, y}.
func Pt(x, y int32) Point { return Point{X: x, Y: y} }

// Vec converts the point to float coordinates.
func (p Point) Vec() Vec { return Vec{X: float64(p.X), Y: float64(p.Y)} }

// Offset moves the point by (dx, dy), saturating at the int32 range.
func (p Point) Offset(dx, dy int64) Point {
	return Point{
		X: SaturateInt32(int64(p.X) + dx),
		Y: SaturateInt32(int64(p.Y) + dy),
	}
}

// Dist2 returns the squared distance between two points without overflow.
func (p Point) Dist2(q Point) float64 {
	dx := float64(q.X) - float64(p.X)
	dy := float64(q.Y) - float64(p.Y)
	return dx*dx + dy*dy
}

// Add returns v+w.
func (v Vec) Add(w Vec) Vec { return Vec{X: v.X + w.X, Y: v.Y + w.Y} }

// Sub returns v-w.
func (v Vec) Sub(w Vec) Vec { return Vec{X: v.X - w.X, Y: v.Y - w.Y} }

// Scale returns v*s.
func (v Vec) Scale(s float64) Vec { return Vec{X: v.X * s, Y: v.Y * s} }

// Dot returns the dot product.
func (v Vec) Dot(w Vec) float64 { return v.X*w.X + v.Y*w.Y }

// Len2 returns the squared length.
func (v Vec) Len2() float64 { return v.X*v.X + v.Y*v.Y }

// Len returns the length.
func (v Vec) Len() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y) }

// Normalize returns the unit vector of v. ok is false for zero-length or
// non-finite input, in which case the zero vector is returned.
func (v Vec) Normalize() (Vec, bool) {
	l := v.Len()
	if l < 1e-12 || !v.Finite() {
		return Vec{}, false
	}
	return Vec{X: v.X / l, Y: v.Y / l}, true
}

// Finite reports whether both components are neither NaN nor Inf.
func (v Vec) Finite() bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0)
}

// Round converts the vector to the nearest integer point, saturating.
func (v Vec) Round() Point {
	return Point{X: saturateFloat(math.Round(v.X)), Y: saturateFloat(math.Round(v.Y))}
}

// Clamp restricts v to [min, max]
func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ClampInt64 restricts v to [min, max]
func ClampInt64(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// SaturateInt32 narrows v to the int32 range.
func SaturateInt32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

func saturateFloat(f float64) int32 {
	if math.IsNaN(f) {
		return 0
	}
	if f >= math.MaxInt32 {
		return math.MaxInt32
	}
	if f <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(f)
}

// ClampVec limits each component of a delta to ±limit and drops
// non-finite components.
func ClampVec(v Vec, limit float64) Vec {
	if math.IsNaN(v.X) {
		v.X = 0
	}
	if math.IsNaN(v.Y) {
		v.Y = 0
	}
	return Vec{X: Clamp(v.X, -limit, limit), Y: Clamp(v.Y, -limit, limit)}
}

// Distance returns the distance between two points
func Distance(x1, y1, x2, y2 float64) float64 {
	dx := x2 - x1
	dy := y2 - y1
	return math.Sqrt(dx*dx + dy*dy)
}

// RadiusOf returns the radius of a cell with the given mass.
func RadiusOf(mass int64, scale float64) float64 {
	if mass <= 0 {
		return 0
	}
	return math.Sqrt(float64(mass)) * scale
}

// Overlaps checks if two circles overlap. Touching circles do not.
func Overlaps(a Vec, ra float64, b Vec, rb float64) bool {
	dx := b.X - a.X
	dy := b.Y - a.Y
	rs := ra + rb
	return dx*dx+dy*dy < rs*rs
}

// Rect is an axis-aligned rectangle with closed bounds.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// CircleIntersectsRect reports whether the circle at c with radius r
// touches the closed rectangle.
func CircleIntersectsRect(c Vec, r float64, rect Rect) bool {
	nx := Clamp(c.X, rect.MinX, rect.MaxX)
	ny := Clamp(c.Y, rect.MinY, rect.MaxY)
	dx := c.X - nx
	dy := c.Y - ny
	return dx*dx+dy*dy <= r*r
}

// Jitter returns a deterministic unit vector for a pair of ids. It is
// used when two centres coincide and no separation direction exists.
// Jitter(a, b) == -Jitter(b, a).
func Jitter(a, b uint32) Vec {
	lo, hi, sign := a, b, 1.0
	if a > b {
		lo, hi, sign = b, a, -1.0
	}
	h := uint64(lo)*0x9E3779B97F4A7C15 ^ uint64(hi)*0xC2B2AE3D27D4EB4F
	h ^= h >> 29
	h *= 0xBF58476D1CE4E5B9
	h ^= h >> 32
	angle := float64(h%6283) / 1000.0
	return Vec{X: sign * math.Cos(angle), Y: sign * math.Sin(angle)}
}
