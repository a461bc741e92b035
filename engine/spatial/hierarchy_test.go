package spatial

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	"cellsim/engine/geom"
)

func mustHierarchy(t testing.TB, cfg Config) *Hierarchy {
	t.Helper()
	h, err := NewHierarchy(cfg)
	if err != nil {
		t.Fatalf("NewHierarchy: %v", err)
	}
	return h
}

func sameMembership(a, b Membership) bool {
	if a.Home != b.Home || !slices.Equal(a.Owned, b.Owned) || len(a.Listed) != len(b.Listed) {
		return false
	}
	for i := range a.Listed {
		if !slices.Equal(a.Listed[i], b.Listed[i]) {
			return false
		}
	}
	return true
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{Width: 100, Height: 100, BaseCellSize: 1, Ratio: 10, Levels: 3}, true},
		{"zero map", Config{Width: 0, Height: 100, BaseCellSize: 1, Ratio: 10, Levels: 3}, false},
		{"zero cell", Config{Width: 100, Height: 100, BaseCellSize: 0, Ratio: 10, Levels: 3}, false},
		{"small ratio", Config{Width: 100, Height: 100, BaseCellSize: 1, Ratio: 1.5, Levels: 3}, false},
		{"no levels", Config{Width: 100, Height: 100, BaseCellSize: 1, Ratio: 10, Levels: 0}, false},
		{"too many levels", Config{Width: 100, Height: 100, BaseCellSize: 1, Ratio: 2, Levels: MaxLevels + 1}, false},
		{"too many cells", Config{Width: 100_000, Height: 100_000, BaseCellSize: 1, Ratio: 4, Levels: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrBadConfig) {
				t.Errorf("expected ErrBadConfig, got %v", err)
			}
		})
	}
}

func TestHomeLevel(t *testing.T) {
	h := mustHierarchy(t, Config{Width: 1000, Height: 1000, BaseCellSize: 10, Ratio: 4, Levels: 3})
	tests := []struct {
		r    float64
		want int
	}{
		{1, 0},
		{4.9, 0},
		{5, 1},
		{19, 1},
		{20, 2},
		{500, 2},
	}
	for _, tt := range tests {
		if got := h.HomeLevel(tt.r); got != tt.want {
			t.Errorf("HomeLevel(%v) = %d, want %d", tt.r, got, tt.want)
		}
	}
}

func TestHierarchyMembershipMatchesGeometry(t *testing.T) {
	h := mustHierarchy(t, Config{Width: 800, Height: 600, BaseCellSize: 8, Ratio: 3, Levels: 4})
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 400; i++ {
		p := geom.Pt(rng.Int31n(801), rng.Int31n(601))
		r := rng.Float64() * 60
		h.Register(i, p, r)
		got, ok := h.Membership(i)
		if !ok {
			t.Fatalf("slot %d not registered", i)
		}
		if want := h.ExpectedMembership(p, r); !sameMembership(got, want) {
			t.Fatalf("slot %d at %+v r=%.2f:\n got %+v\nwant %+v", i, p, r, got, want)
		}
	}
}

func TestHierarchyReRegisterIsIdempotent(t *testing.T) {
	h := mustHierarchy(t, Config{Width: 500, Height: 500, BaseCellSize: 10, Ratio: 5, Levels: 3})
	p := geom.Pt(123, 321)
	h.Register(7, p, 12)
	before, _ := h.Membership(7)

	h.Unregister(7)
	if h.Registered(7) || h.Count() != 0 {
		t.Fatal("slot 7 should be unregistered")
	}
	h.Register(7, p, 12)
	after, _ := h.Membership(7)
	if !sameMembership(before, after) {
		t.Errorf("membership changed:\n%+v\n%+v", before, after)
	}

	var s Scratch
	if h.Update(7, p, 12, &s) {
		t.Error("Update without change should not re-register")
	}
	if !h.Update(7, p, 200, &s) {
		t.Error("Update after growth should re-register")
	}
}

func TestCandidatesSeeAcrossLevels(t *testing.T) {
	h := mustHierarchy(t, Config{Width: 1000, Height: 1000, BaseCellSize: 10, Ratio: 10, Levels: 3})
	h.Register(0, geom.Pt(500, 500), 200) // coarse
	h.Register(1, geom.Pt(450, 480), 2)   // fine, inside the big one
	h.Register(2, geom.Pt(453, 480), 2)   // fine neighbour
	h.Register(3, geom.Pt(50, 50), 2)     // far away

	big := h.Candidates(0, nil)
	if !slices.Contains(big, 1) || !slices.Contains(big, 2) {
		t.Errorf("coarse entity should see listed fine ones, got %v", big)
	}
	small := h.Candidates(1, nil)
	if !slices.Contains(small, 0) || !slices.Contains(small, 2) {
		t.Errorf("fine entity should see owner above and neighbour, got %v", small)
	}
	if slices.Contains(small, 3) || slices.Contains(small, 1) {
		t.Errorf("unexpected candidates %v", small)
	}
}

func TestHierarchyMoveRekeysSlot(t *testing.T) {
	h := mustHierarchy(t, Config{Width: 1000, Height: 1000, BaseCellSize: 10, Ratio: 10, Levels: 3})
	h.Register(0, geom.Pt(100, 100), 3)
	h.Register(1, geom.Pt(102, 100), 3)
	h.Register(2, geom.Pt(104, 100), 3)

	h.Unregister(0)
	h.Move(2, 0)
	if h.Registered(2) {
		t.Error("slot 2 still registered")
	}
	got := h.Candidates(1, nil)
	if !slices.Equal(got, []int32{0}) {
		t.Errorf("expected slot 1 to see moved slot 0, got %v", got)
	}
}

func TestRebuildPreservesCount(t *testing.T) {
	h := mustHierarchy(t, Config{Width: 100, Height: 100, BaseCellSize: 0.5, Ratio: 4, Levels: 2})
	rng := rand.New(rand.NewSource(42))
	bodies := make([]Body, 10000)
	for i := range bodies {
		bodies[i] = Body{
			Slot:   i,
			Pos:    geom.Pt(rng.Int31n(101), rng.Int31n(101)),
			Radius: rng.Float64() * 3,
		}
		h.Register(i, bodies[i].Pos, bodies[i].Radius)
	}

	cfg := Config{Width: 100, Height: 100, BaseCellSize: 1, Ratio: 10, Levels: 3}
	if err := h.Rebuild(cfg, bodies); err != nil {
		t.Fatal(err)
	}
	if h.Count() != len(bodies) {
		t.Fatalf("expected %d registered, got %d", len(bodies), h.Count())
	}
	if h.Levels() != 3 || h.CellSize(2) != 100 {
		t.Errorf("unexpected geometry: %d levels, top cell %v", h.Levels(), h.CellSize(2))
	}
	for _, b := range bodies {
		got, ok := h.Membership(b.Slot)
		if !ok {
			t.Fatalf("slot %d lost by rebuild", b.Slot)
		}
		if want := h.ExpectedMembership(b.Pos, b.Radius); !sameMembership(got, want) {
			t.Fatalf("slot %d has invalid registration after rebuild", b.Slot)
		}
	}

	if err := h.Rebuild(Config{Width: 100, Height: 100, BaseCellSize: 1, Ratio: 1, Levels: 3}, bodies); err == nil {
		t.Error("expected bad config to be rejected")
	}
}
