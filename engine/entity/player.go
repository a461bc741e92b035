package entity

import (
	"slices"

	"cellsim/engine/geom"
)

// NoPlayer is the player id of unowned entities. Player ids start at 1 so
// the zero Spawn is unowned.
const NoPlayer int32 = 0

// Player owns an ordered list of entity slots. Entities record their index
// in this list (the player-local index) so removal is O(1).
type Player struct {
	ID    int32
	Name  string
	Color uint32

	// Target is the point the player's cells steer toward.
	Target    geom.Point
	HasTarget bool

	Slots []int32
}

// Roster holds every player.
type Roster struct {
	players map[int32]*Player
	nextID  int32
}

func newRoster() Roster {
	return Roster{players: make(map[int32]*Player), nextID: 1}
}

// Join creates a player and returns it.
func (r *Roster) Join(name string, color uint32) *Player {
	p := &Player{ID: r.nextID, Name: name, Color: color}
	r.nextID++
	r.players[p.ID] = p
	return p
}

// Restore creates a player with a known id.
func (r *Roster) Restore(id int32, name string, color uint32) *Player {
	p := &Player{ID: id, Name: name, Color: color}
	r.players[id] = p
	if id >= r.nextID {
		r.nextID = id + 1
	}
	return p
}

// Get returns a player by id.
func (r *Roster) Get(id int32) *Player {
	return r.players[id]
}

// Len returns the number of players.
func (r *Roster) Len() int {
	return len(r.players)
}

// IDs returns all player ids in ascending order.
func (r *Roster) IDs() []int32 {
	ids := make([]int32, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// remove drops the player record. The caller owns its entities.
func (r *Roster) remove(id int32) {
	delete(r.players, id)
}
