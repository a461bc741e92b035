package main

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"cellsim/engine/sim"
)

// mockBroadcaster captures sent messages for testing
type mockBroadcaster struct {
	mu       sync.Mutex
	messages []interface{}
	frames   [][]byte
}

func (m *mockBroadcaster) SendJSON(msg interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *mockBroadcaster) SendBinary(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, append([]byte(nil), data...))
}

func (m *mockBroadcaster) lastFrame() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frames) == 0 {
		return nil
	}
	return m.frames[len(m.frames)-1]
}

func testSettings() sim.Settings {
	s := sim.DefaultSettings()
	s.Width, s.Height = 2000, 2000
	s.TickRate = 120
	return s
}

// startGame runs a game with a private pool until the test ends.
func startGame(t *testing.T, fill int) *Game {
	t.Helper()
	g, err := NewGame("test", testSettings(), nil, nil)
	if err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	g.Fill(fill)
	go g.Run()
	t.Cleanup(g.Stop)
	return g
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (g *Game) cellsOf(pid int32) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cells[pid]
}

func TestGameAddRemovePlayer(t *testing.T) {
	g := startGame(t, 0)
	pid, err := g.AddPlayer("Tester")
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	if pid <= 0 {
		t.Errorf("expected positive player id, got %d", pid)
	}
	if g.PlayerCount() != 1 {
		t.Errorf("expected 1 player, got %d", g.PlayerCount())
	}
	waitFor(t, "first cell", func() bool { return g.cellsOf(pid) == 1 })

	g.RemovePlayer(pid)
	if g.PlayerCount() != 0 {
		t.Errorf("expected 0 players, got %d", g.PlayerCount())
	}
	if g.HasPlayer(pid) {
		t.Error("removed player still known")
	}
}

func TestGameBroadcastsMsgpackState(t *testing.T) {
	g := startGame(t, 40)
	pid, err := g.AddPlayer("Viewer")
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	mb := &mockBroadcaster{}
	g.SetClient(pid, mb)

	var gs GameState
	waitFor(t, "state with the player's cell", func() bool {
		raw := mb.lastFrame()
		if raw == nil {
			return false
		}
		gs = GameState{}
		if err := msgpack.Unmarshal(raw, &gs); err != nil {
			t.Fatalf("msgpack unmarshal: %v", err)
		}
		p, ok := gs.Player(pid)
		return ok && p.Cells == 1
	})
	// The new cell may already have eaten a pellet or two.
	if gs.Count < 2 || gs.Count > 41 || gs.Count != len(gs.Entities) {
		t.Errorf("unexpected entity count %d (%d drawables)", gs.Count, len(gs.Entities))
	}
	if gs.Width != 2000 || gs.Height != 2000 {
		t.Errorf("expected 2000x2000 map, got %dx%d", gs.Width, gs.Height)
	}
	if p, _ := gs.Player(pid); p.Mass < StartMass || p.Name != "Viewer" {
		t.Errorf("unexpected player stat %+v", p)
	}
}

func TestGameSessionFull(t *testing.T) {
	g := startGame(t, 0)
	for i := 0; i < maxPlayersPerSession; i++ {
		if _, err := g.AddPlayer("P"); err != nil {
			t.Fatalf("AddPlayer %d: %v", i, err)
		}
	}
	if _, err := g.AddPlayer("Late"); !errors.Is(err, errSessionFull) {
		t.Fatalf("expected errSessionFull, got %v", err)
	}
}

func TestGameRespawnOnlyWhenDead(t *testing.T) {
	g := startGame(t, 0)
	pid, err := g.AddPlayer("Phoenix")
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	if g.Respawn(pid) {
		t.Error("respawn accepted while the first cell is pending")
	}
	waitFor(t, "first cell", func() bool { return g.cellsOf(pid) == 1 })
	if g.Respawn(pid) {
		t.Error("respawn accepted while alive")
	}
	if g.Respawn(9999) {
		t.Error("respawn accepted for an unknown player")
	}
}

func TestGameInputMovesCells(t *testing.T) {
	g := startGame(t, 0)
	pid, err := g.AddPlayer("Mover")
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	mb := &mockBroadcaster{}
	g.SetClient(pid, mb)

	center := func() (int32, bool) {
		raw := mb.lastFrame()
		if raw == nil {
			return 0, false
		}
		var gs GameState
		if err := msgpack.Unmarshal(raw, &gs); err != nil {
			t.Fatalf("msgpack unmarshal: %v", err)
		}
		p, ok := gs.Player(pid)
		if !ok || p.Cells == 0 {
			return 0, false
		}
		return p.Center.X, true
	}
	var start int32
	waitFor(t, "first cell", func() bool {
		x, ok := center()
		start = x
		return ok
	})

	target := int32(0)
	if start < 1000 {
		target = 2000
	}
	g.HandleInput(pid, ClientInput{MX: target, MY: 1000})
	waitFor(t, "cell to move toward the target", func() bool {
		x, ok := center()
		if !ok {
			return false
		}
		if target > start {
			return x > start+20
		}
		return x < start-20
	})
}

func TestGameDumpRestore(t *testing.T) {
	g := startGame(t, 30)
	pid, err := g.AddPlayer("Saver")
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	waitFor(t, "first cell", func() bool { return g.cellsOf(pid) == 1 })

	d, err := g.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if len(d.Players) != 1 || d.Players[0].ID != pid {
		t.Fatalf("expected player %d in dump, got %+v", pid, d.Players)
	}
	owned := 0
	for _, e := range d.Entities {
		if e.Player == pid {
			owned++
		}
	}
	if owned != 1 || len(d.Entities) < 2 {
		t.Fatalf("expected one owned cell among the pellets, got %d of %d", owned, len(d.Entities))
	}

	other := startGame(t, 5)
	if err := other.Restore(d); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	mb := &mockBroadcaster{}
	// Restored players have no client until someone joins.
	if other.HasPlayer(d.Players[0].ID) {
		t.Error("restored player should not be attached to a client")
	}
	joined, err := other.AddPlayer("Joiner")
	if err != nil {
		t.Fatalf("AddPlayer after restore: %v", err)
	}
	if joined == d.Players[0].ID {
		t.Errorf("new player reused restored id %d", joined)
	}
	other.SetClient(joined, mb)
	waitFor(t, "restored state", func() bool {
		raw := mb.lastFrame()
		if raw == nil {
			return false
		}
		var gs GameState
		if err := msgpack.Unmarshal(raw, &gs); err != nil {
			t.Fatalf("msgpack unmarshal: %v", err)
		}
		restored, ok := gs.Player(pid)
		if !ok || restored.Cells != 1 {
			return false
		}
		mine, ok := gs.Player(joined)
		return ok && mine.Cells == 1 && gs.Tick > d.Tick
	})
}

func TestGameApplySettings(t *testing.T) {
	g := startGame(t, 10)
	s := testSettings()
	s.Width, s.Height = 3000, 1500
	s.CollisionIterations = 3
	got, err := g.ApplySettings(s)
	if err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	if got.Width != 3000 || g.Settings().Height != 1500 || g.Settings().CollisionIterations != 3 {
		t.Errorf("settings not applied: %+v", g.Settings())
	}
}

func TestGameStopIsIdempotent(t *testing.T) {
	g, err := NewGame("stop", testSettings(), nil, nil)
	if err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	go g.Run()
	waitFor(t, "game to run", g.Running)
	g.Stop()
	g.Stop()
	if g.Running() {
		t.Error("game still running after Stop")
	}
}

func TestGameStopBeforeRun(t *testing.T) {
	g, err := NewGame("early", testSettings(), nil, nil)
	if err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	g.Stop()
	done := make(chan struct{})
	go func() {
		g.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after an earlier Stop")
	}
}
