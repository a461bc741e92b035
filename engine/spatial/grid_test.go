package spatial

import (
	"math/rand"
	"slices"
	"testing"

	"cellsim/engine/geom"
)

// bruteCells lists every cell of lay whose rect intersects the circle.
func bruteCells(lay layout, p geom.Point, r float64) []int32 {
	var out []int32
	for idx := 0; idx < lay.size(); idx++ {
		if geom.CircleIntersectsRect(p.Vec(), r, lay.rect(idx)) {
			out = append(out, int32(idx))
		}
	}
	return out
}

func TestGridInsertAndQuery(t *testing.T) {
	g := NewGrid(1000, 1000, 50)
	g.Insert(0, geom.Pt(100, 100), 5)

	found := g.Query(geom.Pt(100, 100), 50, nil)
	if !slices.Contains(found, 0) {
		t.Error("expected to find slot 0 near (100,100)")
	}
	if found := g.Query(geom.Pt(900, 900), 20, nil); len(found) != 0 {
		t.Errorf("expected nothing near (900,900), got %v", found)
	}
}

func TestGridMembershipMatchesGeometry(t *testing.T) {
	g := NewGrid(500, 300, 32)
	rng := rand.New(rand.NewSource(3))
	type body struct {
		p geom.Point
		r float64
	}
	bodies := make([]body, 300)
	for i := range bodies {
		bodies[i] = body{geom.Pt(rng.Int31n(501), rng.Int31n(301)), rng.Float64() * 80}
		g.Insert(i, bodies[i].p, bodies[i].r)
	}
	for i, b := range bodies {
		want := bruteCells(g.lay, b.p, b.r)
		if got := g.Membership(i); !slices.Equal(got, want) {
			t.Fatalf("slot %d at %+v r=%.1f: cells %v, want %v", i, b.p, b.r, got, want)
		}
	}
	if g.Count() != len(bodies) {
		t.Errorf("expected %d registered, got %d", len(bodies), g.Count())
	}
}

func TestGridReinsertIsIdempotent(t *testing.T) {
	g := NewGrid(1000, 1000, 64)
	p := geom.Pt(130, 260)
	g.Insert(3, p, 40)
	before := g.Membership(3)

	g.Remove(3)
	if g.Registered(3) {
		t.Fatal("slot 3 should be gone")
	}
	g.Insert(3, p, 40)
	if after := g.Membership(3); !slices.Equal(before, after) {
		t.Errorf("membership changed: %v -> %v", before, after)
	}
}

func TestGridUpdateRefreshesInPlace(t *testing.T) {
	g := NewGrid(1000, 1000, 100)
	g.Insert(0, geom.Pt(150, 150), 10)

	if g.Update(0, geom.Pt(160, 155), 10) {
		t.Error("small move inside a cell should not reinsert")
	}
	var seen geom.Point
	g.Visit(geom.Pt(160, 155), 1, func(e Entry) bool {
		seen = e.Pos
		return false
	})
	if seen != geom.Pt(160, 155) {
		t.Errorf("cached position not refreshed: %+v", seen)
	}

	if !g.Update(0, geom.Pt(450, 150), 10) {
		t.Error("move across cells should reinsert")
	}
	if found := g.Query(geom.Pt(150, 150), 5, nil); len(found) != 0 {
		t.Errorf("old cell still holds %v", found)
	}
}

func TestGridMoveRekeysSlot(t *testing.T) {
	g := NewGrid(1000, 1000, 100)
	g.Insert(0, geom.Pt(100, 100), 10)
	g.Insert(1, geom.Pt(500, 500), 10)

	g.Remove(0)
	g.Move(1, 0)
	if g.Registered(1) {
		t.Error("slot 1 still registered after move")
	}
	found := g.Query(geom.Pt(500, 500), 5, nil)
	if !slices.Equal(found, []int32{0}) {
		t.Errorf("expected slot 0 at (500,500), got %v", found)
	}
}

func TestGridOutsideMapUsesNearestCell(t *testing.T) {
	g := NewGrid(100, 100, 10)
	g.Insert(0, geom.Pt(-500, 50), 1)
	if m := g.Membership(0); len(m) != 1 {
		t.Errorf("expected one fallback cell, got %v", m)
	}
}

func BenchmarkGridUpdate(b *testing.B) {
	g := NewGrid(10000, 10000, 64)
	rng := rand.New(rand.NewSource(1))
	pos := make([]geom.Point, 10000)
	for i := range pos {
		pos[i] = geom.Pt(rng.Int31n(10000), rng.Int31n(10000))
		g.Insert(i, pos[i], 8)
	}
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		i := n % len(pos)
		pos[i] = pos[i].Offset(int64(rng.Intn(9)-4), int64(rng.Intn(9)-4))
		g.Update(i, pos[i], 8)
	}
}
