package geom

import (
	"math"
	"testing"
)

func TestOverlaps(t *testing.T) {
	// Overlapping circles
	if !Overlaps(Vec{0, 0}, 10, Vec{15, 0}, 10) {
		t.Error("circles should overlap")
	}

	// Touching circles
	if Overlaps(Vec{0, 0}, 10, Vec{20, 0}, 10) {
		t.Error("touching circles should not overlap")
	}

	// Same position
	if !Overlaps(Vec{5, 5}, 1, Vec{5, 5}, 1) {
		t.Error("same position should overlap")
	}
}

func TestCircleIntersectsRect(t *testing.T) {
	cell := Rect{MinX: 10, MinY: 10, MaxX: 20, MaxY: 20}
	tests := []struct {
		name string
		c    Vec
		r    float64
		want bool
	}{
		{"inside", Vec{15, 15}, 1, true},
		{"edge touch", Vec{5, 15}, 5, true},
		{"left miss", Vec{4, 15}, 5, false},
		{"corner miss", Vec{6, 6}, 5, false},
		{"corner hit", Vec{7, 7}, 5, true},
	}
	for _, tt := range tests {
		if got := CircleIntersectsRect(tt.c, tt.r, cell); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSaturation(t *testing.T) {
	p := Pt(math.MaxInt32-5, math.MinInt32+5)
	q := p.Offset(100, -100)
	if q.X != math.MaxInt32 || q.Y != math.MinInt32 {
		t.Errorf("expected saturation, got %+v", q)
	}
	if got := (Vec{math.Inf(1), math.NaN()}).Round(); got.X != math.MaxInt32 || got.Y != 0 {
		t.Errorf("Round of non-finite = %+v", got)
	}
	if got := ClampVec(Vec{math.NaN(), 1e12}, 1000); got.X != 0 || got.Y != 1000 {
		t.Errorf("ClampVec = %+v", got)
	}
}

func TestNormalizeZero(t *testing.T) {
	if _, ok := (Vec{}).Normalize(); ok {
		t.Error("zero vector should not normalize")
	}
	n, ok := (Vec{3, 4}).Normalize()
	if !ok || math.Abs(n.Len()-1) > 1e-12 {
		t.Errorf("expected unit vector, got %+v", n)
	}
}

func TestJitterAntisymmetric(t *testing.T) {
	for a := uint32(0); a < 20; a++ {
		for b := uint32(0); b < 20; b++ {
			j1, j2 := Jitter(a, b), Jitter(b, a)
			if a == b {
				continue
			}
			if math.Abs(j1.X+j2.X) > 1e-12 || math.Abs(j1.Y+j2.Y) > 1e-12 {
				t.Fatalf("Jitter(%d,%d)=%+v not opposite of %+v", a, b, j1, j2)
			}
			if math.Abs(j1.Len()-1) > 1e-9 {
				t.Fatalf("Jitter(%d,%d) not unit: %v", a, b, j1.Len())
			}
		}
	}
}

func TestRadiusOf(t *testing.T) {
	if r := RadiusOf(1_000_000, 1); r != 1000 {
		t.Errorf("expected radius 1000, got %v", r)
	}
	if r := RadiusOf(0, 1); r != 0 {
		t.Errorf("expected radius 0, got %v", r)
	}
}
