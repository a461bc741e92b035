package action

import (
	"iter"
	"sync"
	"sync/atomic"
)

// Stage selects one of the two mailbox buffers. Stage One carries
// first-order intents; Stage Two carries reactions that may only be computed
// once every Stage One action of the tick is visible.
type Stage uint8

const (
	One Stage = iota
	Two
)

type queue struct {
	mu    sync.Mutex
	has   atomic.Bool
	items []Action
	spare []Action
	// last tick+1 this stage was drained; 0 means never
	drained uint64
}

// Mailbox is the deferred-action queue of a single entity. Any number of
// goroutines may Send concurrently; Receive belongs to the single consumer
// pass for the entity.
type Mailbox struct {
	q [2]queue
}

// Send appends a to the stage and raises its flag.
func (m *Mailbox) Send(stage Stage, a Action) {
	q := &m.q[stage]
	q.mu.Lock()
	q.items = append(q.items, a)
	q.mu.Unlock()
	q.has.Store(true)
}

// Has reports whether the stage holds unreceived actions.
func (m *Mailbox) Has(stage Stage) bool {
	return m.q[stage].has.Load()
}

// Receive clears the stage flag and returns an iterator draining the queued
// actions in send order. Draining the same stage twice in one tick is an
// ordering bug and panics.
func (m *Mailbox) Receive(stage Stage, tick uint64) iter.Seq[Action] {
	q := &m.q[stage]
	if q.drained == tick+1 {
		panic("action: stage drained twice in one tick")
	}
	q.drained = tick + 1
	q.has.Store(false)

	q.mu.Lock()
	taken := q.items
	q.items = q.spare[:0]
	q.spare = nil
	q.mu.Unlock()

	return func(yield func(Action) bool) {
		defer func() {
			clear(taken)
			q.spare = taken[:0]
		}()
		for _, a := range taken {
			if !yield(a) {
				return
			}
		}
	}
}

// reset drops every queued action.
func (m *Mailbox) reset() {
	for i := range m.q {
		q := &m.q[i]
		q.mu.Lock()
		q.items = q.items[:0]
		q.mu.Unlock()
		q.has.Store(false)
		q.drained = 0
	}
}

// Buffer is the mailbox column of the entity store, index-aligned with the
// other columns.
type Buffer struct {
	boxes []*Mailbox
	pool  []*Mailbox
}

// Len returns the number of mailboxes.
func (b *Buffer) Len() int { return len(b.boxes) }

// Append adds an empty mailbox for a new slot.
func (b *Buffer) Append() {
	var m *Mailbox
	if n := len(b.pool); n > 0 {
		m = b.pool[n-1]
		b.pool = b.pool[:n-1]
	} else {
		m = &Mailbox{}
	}
	b.boxes = append(b.boxes, m)
}

// SwapRemove discards the mailbox at slot and moves the last one into its
// place.
func (b *Buffer) SwapRemove(slot int) {
	last := len(b.boxes) - 1
	m := b.boxes[slot]
	m.reset()
	b.pool = append(b.pool, m)
	b.boxes[slot] = b.boxes[last]
	b.boxes[last] = nil
	b.boxes = b.boxes[:last]
}

// At returns the mailbox of slot.
func (b *Buffer) At(slot int) *Mailbox { return b.boxes[slot] }

// Send queues a for slot.
func (b *Buffer) Send(slot int, stage Stage, a Action) {
	b.boxes[slot].Send(stage, a)
}

// Clear drops every mailbox.
func (b *Buffer) Clear() {
	for _, m := range b.boxes {
		m.reset()
		b.pool = append(b.pool, m)
	}
	clear(b.boxes)
	b.boxes = b.boxes[:0]
}
