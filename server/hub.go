package main

import (
	"sync"

	"cellsim/engine/parallel"
	"cellsim/engine/sim"
)

const (
	maxConnsPerIP = 5
	maxTotalConns = 1000
)

// Config holds what the hub needs to create sessions.
type Config struct {
	Settings sim.Settings
	// Runner is shared by every session. Nil gives each session its own pool.
	Runner *parallel.Runner
	// Fill is the number of pellets scattered into each new session.
	Fill int
	// PublicURL prefixes session links encoded in QR codes.
	PublicURL string
}

// Hub manages all connected clients and routes them to sessions
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	sessions   *SessionManager
	publicURL  string
	// Connection limiting (mutex-protected, accessed from HTTP handlers)
	connMu     sync.Mutex
	ipConns    map[string]int
	totalConns int
	// Auth, persistence & stats; all nil without a database
	db    *DB
	auth  *Auth
	stats *StatsWriter
}

// NewHub creates a new Hub. db may be nil, which disables operator
// accounts, saves and stats.
func NewHub(cfg Config, db *DB) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		ipConns:    make(map[string]int),
		publicURL:  cfg.PublicURL,
		db:         db,
	}
	if db != nil {
		h.auth = NewAuth(db)
		h.stats = NewStatsWriter(db)
	}
	h.sessions = NewSessionManager(cfg.Settings.Normalize(), cfg.Runner, h.stats, cfg.Fill)
	return h
}

// Close stops every session and flushes pending stats.
func (h *Hub) Close() {
	h.sessions.StopAll()
	if h.stats != nil {
		h.stats.Stop()
	}
}

func (h *Hub) CanAccept(ip string) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.totalConns >= maxTotalConns {
		return false
	}
	if h.ipConns[ip] >= maxConnsPerIP {
		return false
	}
	return true
}

func (h *Hub) TrackConnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]++
	h.totalConns++
}

func (h *Hub) TrackDisconnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
	h.totalConns--
}

// Run processes register/unregister events
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			// Remove from session if in one
			if sid, pid := client.session(); sid != "" {
				h.sessions.RemovePlayer(sid, pid)
			}
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TotalConns returns the tracked connection count
func (h *Hub) TotalConns() int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.totalConns
}
