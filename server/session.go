package main

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"cellsim/engine/parallel"
	"cellsim/engine/sim"
)

const maxSessions = 100

// SessionIdleTimeout is how long an empty session survives before it is
// stopped and removed.
var SessionIdleTimeout = 30 * time.Second

var errTooManySessions = errors.New("too many active sessions")

// Session represents a game session that players can join
type Session struct {
	ID      string
	Name    string
	Game    *Game
	Created time.Time

	lastActive time.Time // guarded by SessionManager.mu
}

// SessionManager handles creation and lookup of sessions
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	defaults sim.Settings
	runner   *parallel.Runner
	stats    *StatsWriter
	fill     int
}

// NewSessionManager creates a new SessionManager. runner and stats may be
// nil; every game then gets a private pool and records no stats.
func NewSessionManager(defaults sim.Settings, runner *parallel.Runner, stats *StatsWriter, fill int) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		defaults: defaults,
		runner:   runner,
		stats:    stats,
		fill:     fill,
	}
}

// Defaults returns the settings new sessions start with.
func (sm *SessionManager) Defaults() sim.Settings {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.defaults
}

// SetDefaults replaces the settings new sessions start with.
func (sm *SessionManager) SetDefaults(s sim.Settings) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.defaults = s
}

// CreateSession creates and starts a new game session. A nil settings uses
// the manager defaults.
func (sm *SessionManager) CreateSession(name string, settings *sim.Settings) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= maxSessions {
		return nil, errTooManySessions
	}
	s := sm.defaults
	if settings != nil {
		s = settings.Normalize()
	}

	id := GenerateUUID()
	game, err := NewGame(id, s, sm.runner, sm.stats)
	if err != nil {
		return nil, err
	}
	game.Fill(sm.fill)

	now := time.Now()
	sess := &Session{
		ID:         id,
		Name:       name,
		Game:       game,
		Created:    now,
		lastActive: now,
	}
	sm.sessions[id] = sess
	go game.Run()
	sm.scheduleReap(id)
	log.Printf("session %s (%s) created", id, name)
	return sess, nil
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(id string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// MarkActive postpones the idle reaping of a session.
func (sm *SessionManager) MarkActive(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sess, ok := sm.sessions[id]; ok {
		sess.lastActive = time.Now()
	}
}

// RemovePlayer removes a player from a session. Empty sessions are reaped
// after SessionIdleTimeout.
func (sm *SessionManager) RemovePlayer(sessionID string, playerID int32) {
	sess := sm.GetSession(sessionID)
	if sess == nil {
		return
	}
	sess.Game.RemovePlayer(playerID)
	if sess.Game.PlayerCount() == 0 {
		sm.MarkActive(sessionID)
		sm.scheduleReap(sessionID)
	}
}

func (sm *SessionManager) scheduleReap(id string) {
	time.AfterFunc(SessionIdleTimeout, func() { sm.reap(id) })
}

// reap stops the session if it is still empty and idle.
func (sm *SessionManager) reap(id string) {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	if !ok || sess.Game.PlayerCount() > 0 || time.Since(sess.lastActive) < SessionIdleTimeout {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, id)
	sm.mu.Unlock()

	sess.Game.Stop()
	log.Printf("session %s (%s) reaped", id, sess.Name)
}

// ListSessions returns info about all active sessions, oldest first
func (sm *SessionManager) ListSessions() []SessionInfo {
	sm.mu.RLock()
	all := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		all = append(all, sess)
	}
	sm.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Created.Before(all[j].Created) })
	list := make([]SessionInfo, 0, len(all))
	for _, sess := range all {
		list = append(list, SessionInfo{
			ID:       sess.ID,
			Name:     sess.Name,
			Players:  sess.Game.PlayerCount(),
			Entities: sess.Game.EntityCount(),
		})
	}
	return list
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// StopAll stops every session.
func (sm *SessionManager) StopAll() {
	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()
	for _, sess := range all {
		sess.Game.Stop()
	}
}
