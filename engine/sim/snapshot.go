package sim

import (
	"sync/atomic"

	"cellsim/engine/entity"
	"cellsim/engine/geom"
)

// PlayerStat is the per-player aggregate published with a snapshot.
type PlayerStat struct {
	ID     int32      `msgpack:"id" json:"id"`
	Name   string     `msgpack:"name" json:"name"`
	Color  uint32     `msgpack:"c" json:"color"`
	Cells  int        `msgpack:"cells" json:"cells"`
	Mass   int64      `msgpack:"m" json:"mass"`
	Center geom.Point `msgpack:"center" json:"center"`
	Min    geom.Point `msgpack:"min" json:"min"`
	Max    geom.Point `msgpack:"max" json:"max"`
}

// Snapshot is the immutable state of one tick handed to renderers.
type Snapshot struct {
	Tick      uint64            `msgpack:"tick" json:"tick"`
	Width     int32             `msgpack:"w" json:"width"`
	Height    int32             `msgpack:"h" json:"height"`
	Count     int               `msgpack:"n" json:"count"`
	TotalMass int64             `msgpack:"mass" json:"total_mass"`
	Entities  []entity.Drawable `msgpack:"e" json:"entities"`
	Players   []PlayerStat      `msgpack:"p" json:"players"`
}

// Player returns the aggregate of player id.
func (s *Snapshot) Player(id int32) (PlayerStat, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return PlayerStat{}, false
}

const dirty = 1 << 2

// tripleBuffer hands snapshots from the simulation goroutine to one reader.
// The writer owns back, the reader owns front and they trade through mid,
// whose dirty bit marks an unread publication.
type tripleBuffer struct {
	bufs [3]Snapshot
	back uint32
	mid  atomic.Uint32
}

func newTripleBuffer() *tripleBuffer {
	tb := &tripleBuffer{back: 0}
	tb.mid.Store(1)
	return tb
}

// writable returns the buffer the writer may fill.
func (tb *tripleBuffer) writable() *Snapshot { return &tb.bufs[tb.back] }

// publish exposes the back buffer and takes over the previous middle one.
func (tb *tripleBuffer) publish() {
	old := tb.mid.Swap(tb.back | dirty)
	tb.back = old &^ dirty
}

// SnapshotReader is the single consumer side of a world's snapshots.
type SnapshotReader struct {
	tb    *tripleBuffer
	front uint32
	seen  bool
}

// Latest returns the newest published snapshot, or nil before the first
// publication. The snapshot stays valid until the next call to Latest.
func (r *SnapshotReader) Latest() *Snapshot {
	if r.tb.mid.Load()&dirty != 0 {
		old := r.tb.mid.Swap(r.front)
		r.front = old &^ dirty
		r.seen = true
	}
	if !r.seen {
		return nil
	}
	return &r.tb.bufs[r.front]
}

// Snapshots returns the world's reader. Latest must only be called from
// one goroutine at a time.
func (w *World) Snapshots() *SnapshotReader { return w.reader }

// publish copies the committed state into the back buffer and exposes it.
func (w *World) publish() {
	s := w.snaps.writable()
	s.Tick = w.tick + 1
	s.Width, s.Height = w.store.Bounds()
	s.Count = w.store.Len()
	s.Entities = append(s.Entities[:0], w.store.Drawables()...)
	s.Players = append(s.Players[:0], w.players...)
	var total int64
	for i := range s.Entities {
		total += s.Entities[i].Mass
	}
	s.TotalMass = total
	w.snaps.publish()
}
