package main

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"cellsim/engine/entity"
	"cellsim/engine/geom"
	"cellsim/engine/parallel"
	"cellsim/engine/sim"
)

const (
	BroadcastRate = 30 // state broadcasts per second
	StatsEvery    = 60 // ticks between recorded stats samples
	StartMass     = 100
)

const (
	maxPlayersPerSession = 20
	commandTimeout       = 2 * time.Second
)

var (
	errSessionFull = errors.New("session full")
	errTimeout     = errors.New("simulation did not respond")
)

// Broadcaster interface for sending messages to clients
type Broadcaster interface {
	SendJSON(msg interface{})
	SendBinary(data []byte)
}

// Game runs one simulation world and fans its snapshots out to clients.
type Game struct {
	mu       sync.RWMutex
	world    *sim.World
	settings sim.Settings
	players  map[int32]string // sim player id -> name
	clients  map[int32]Broadcaster
	cells    map[int32]int  // cell count per player in the last broadcast
	spawning map[int32]bool // respawns not yet visible in a broadcast
	running  bool
	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
	lastTick uint64
	entities int
}

// NewGame creates a world with the given settings. stats may be nil.
func NewGame(sessionID string, settings sim.Settings, runner *parallel.Runner, stats *StatsWriter) (*Game, error) {
	g := &Game{
		settings: settings,
		players:  make(map[int32]string),
		clients:  make(map[int32]Broadcaster),
		cells:    make(map[int32]int),
		spawning: make(map[int32]bool),
		stop:     make(chan struct{}),
	}
	w, err := sim.NewWorld(settings, sim.Options{
		Runner: runner,
		Logger: log.Default(),
		OnTick: func(ts sim.TickStats) {
			if stats != nil && ts.Tick%StatsEvery == 0 {
				stats.Track(sessionID, ts)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	g.world = w
	return g, nil
}

// Fill scatters n pellets over the map before the game starts running.
func (g *Game) Fill(n int) {
	s := g.settings
	for range n {
		p := geom.Pt(rand.Int31n(s.Width+1), rand.Int31n(s.Height+1))
		if _, ok := g.world.Create(entity.Spawn{Traits: entity.Food, Pos: p, Mass: 1 + rand.Int63n(5)}); !ok {
			return
		}
	}
}

// Run starts the simulation goroutine and broadcasts snapshots until Stop.
func (g *Game) Run() {
	g.mu.Lock()
	select {
	case <-g.stop:
		g.mu.Unlock()
		return
	default:
	}
	g.running = true
	g.done.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.done.Done()
		g.world.Run()
	}()

	ticker := time.NewTicker(time.Second / BroadcastRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.broadcastState()
		case <-g.stop:
			return
		}
	}
}

// Stop terminates the game loop and waits for the simulation to finish.
func (g *Game) Stop() {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.running = false
		close(g.stop)
		g.mu.Unlock()

		g.world.Stop()
		g.done.Wait()
		g.world.Close()
	})
}

// Running reports whether Run is active.
func (g *Game) Running() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

// call submits c and waits for its result.
func (g *Game) call(c sim.Command) sim.Result {
	ch := make(chan sim.Result, 1)
	c.Done = func(r sim.Result) { ch <- r }
	g.world.Submit(c)
	select {
	case r := <-ch:
		return r
	case <-time.After(commandTimeout):
		return sim.Result{Err: errTimeout}
	}
}

// AddPlayer joins a player and gives it a first cell.
func (g *Game) AddPlayer(name string) (int32, error) {
	g.mu.Lock()
	if len(g.players) >= maxPlayersPerSession {
		g.mu.Unlock()
		return 0, errSessionFull
	}
	g.mu.Unlock()

	color := 0x404040 | uint32(rand.Int31n(0xbfbfbf))
	res := g.call(sim.Command{Kind: sim.CmdJoin, Name: name, Color: color})
	if res.Err != nil {
		return 0, res.Err
	}
	g.mu.Lock()
	g.players[res.Player] = name
	g.mu.Unlock()

	g.Respawn(res.Player)
	return res.Player, nil
}

// Respawn gives pid a new cell at a random point. It reports false when
// pid still has cells or a respawn is already on its way.
func (g *Game) Respawn(pid int32) bool {
	g.mu.Lock()
	if _, ok := g.players[pid]; !ok || g.cells[pid] > 0 || g.spawning[pid] {
		g.mu.Unlock()
		return false
	}
	g.spawning[pid] = true
	s := g.settings
	g.mu.Unlock()

	p := geom.Pt(rand.Int31n(s.Width+1), rand.Int31n(s.Height+1))
	g.world.Submit(sim.Command{
		Kind: sim.CmdSpawn,
		Spawn: entity.Spawn{
			Traits: entity.Cell,
			Player: pid,
			Pos:    p,
			Mass:   StartMass,
		},
		Done: func(r sim.Result) {
			if r.Err != nil {
				g.mu.Lock()
				delete(g.spawning, pid)
				g.mu.Unlock()
			}
		},
	})
	return true
}

// RemovePlayer removes a player from the game
func (g *Game) RemovePlayer(pid int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.players[pid]; !ok {
		return
	}
	delete(g.players, pid)
	delete(g.clients, pid)
	delete(g.cells, pid)
	delete(g.spawning, pid)
	g.world.Submit(sim.Command{Kind: sim.CmdLeave, Player: pid})
}

// SetClient associates a broadcaster with a player
func (g *Game) SetClient(pid int32, client Broadcaster) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.players[pid]; ok {
		g.clients[pid] = client
	}
}

// HandleInput processes input from a player
func (g *Game) HandleInput(pid int32, input ClientInput) {
	if !g.HasPlayer(pid) {
		return
	}
	target := geom.Pt(input.MX, input.MY)
	g.world.Submit(sim.Command{Kind: sim.CmdMoveTo, Player: pid, Target: target})
	if input.Split {
		g.world.Submit(sim.Command{Kind: sim.CmdSplit, Player: pid, Target: target, HasTarget: true})
	}
	if input.Throw {
		g.world.Submit(sim.Command{Kind: sim.CmdThrow, Player: pid, Target: target, HasTarget: true})
	}
}

// Split splits every cell of pid toward its target.
func (g *Game) Split(pid int32) {
	if g.HasPlayer(pid) {
		g.world.Submit(sim.Command{Kind: sim.CmdSplit, Player: pid})
	}
}

// Throw ejects mass from every cell of pid toward its target.
func (g *Game) Throw(pid int32) {
	if g.HasPlayer(pid) {
		g.world.Submit(sim.Command{Kind: sim.CmdThrow, Player: pid})
	}
}

// HasPlayer reports whether pid joined this game.
func (g *Game) HasPlayer(pid int32) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.players[pid]
	return ok
}

// PlayerCount returns the number of players
func (g *Game) PlayerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.players)
}

// EntityCount returns the entity count of the last broadcast.
func (g *Game) EntityCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entities
}

// Settings returns the active simulation settings.
func (g *Game) Settings() sim.Settings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

// ApplySettings rebuilds the world with s.
func (g *Game) ApplySettings(s sim.Settings) (sim.Settings, error) {
	s = s.Normalize()
	res := g.call(sim.Command{Kind: sim.CmdRebuild, Settings: s})
	if res.Err != nil {
		return sim.Settings{}, res.Err
	}
	g.mu.Lock()
	g.settings = s
	g.mu.Unlock()
	return s, nil
}

// Dump captures the world between two ticks.
func (g *Game) Dump() (*sim.Dump, error) {
	res := g.call(sim.Command{Kind: sim.CmdDump})
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Dump, nil
}

// Restore replaces the world with d. Players of the dump that are not
// connected to this game stay in the world without a client.
func (g *Game) Restore(d *sim.Dump) error {
	res := g.call(sim.Command{Kind: sim.CmdRestore, Dump: d})
	if res.Err != nil {
		return fmt.Errorf("restore: %w", res.Err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings = d.Settings.Normalize()
	known := make(map[int32]bool, len(d.Players))
	for _, p := range d.Players {
		known[p.ID] = true
	}
	for pid := range g.players {
		if !known[pid] {
			delete(g.players, pid)
			delete(g.clients, pid)
		}
	}
	clear(g.spawning)
	return nil
}

// broadcastState sends the newest snapshot to all clients. It is the only
// reader of the world's snapshots.
func (g *Game) broadcastState() {
	snap := g.world.Snapshots().Latest()
	if snap == nil || snap.Tick == g.lastTick {
		return
	}
	g.lastTick = snap.Tick

	data, err := msgpack.Marshal(snap)
	if err != nil {
		log.Printf("state marshal error: %v", err)
		return
	}

	g.mu.Lock()
	g.entities = snap.Count
	clear(g.cells)
	for _, p := range snap.Players {
		g.cells[p.ID] = p.Cells
		if p.Cells > 0 {
			delete(g.spawning, p.ID)
		}
	}
	clients := make([]Broadcaster, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.SendBinary(data)
	}
}

// broadcastMsg sends a message to all clients in the session
func (g *Game) broadcastMsg(msg Envelope) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, client := range g.clients {
		client.SendJSON(msg)
	}
}
