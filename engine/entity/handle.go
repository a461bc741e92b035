package entity

// Handle is a weak reference to an entity that survives compaction. ID is
// the entity's stable unique id; Gen guards against the id being reused.
// The zero Handle never resolves.
type Handle struct {
	ID  uint32
	Gen uint32
}

type handleCell struct {
	slot int32
	gen  uint32
}

// handleTable maps unique ids to current slots. Ids come from a free list
// and are only reused after release, at which point the generation moves on.
type handleTable struct {
	cells []handleCell
	free  []uint32
}

func (t *handleTable) alloc(slot int) Handle {
	var id uint32
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		id = uint32(len(t.cells))
		t.cells = append(t.cells, handleCell{slot: -1})
	}
	c := &t.cells[id]
	c.gen++
	if c.gen == 0 {
		c.gen = 1
	}
	c.slot = int32(slot)
	return Handle{ID: id, Gen: c.gen}
}

func (t *handleTable) release(id uint32) {
	c := &t.cells[id]
	c.slot = -1
	c.gen++
	t.free = append(t.free, id)
}

func (t *handleTable) relocate(id uint32, slot int) {
	t.cells[id].slot = int32(slot)
}

func (t *handleTable) resolve(h Handle) (int, bool) {
	if h.Gen == 0 || int(h.ID) >= len(t.cells) {
		return -1, false
	}
	c := t.cells[h.ID]
	if c.gen != h.Gen || c.slot < 0 {
		return -1, false
	}
	return int(c.slot), true
}

func (t *handleTable) handle(id uint32) Handle {
	return Handle{ID: id, Gen: t.cells[id].gen}
}

func (t *handleTable) reset() {
	for i := range t.cells {
		if t.cells[i].slot >= 0 {
			t.cells[i].slot = -1
			t.cells[i].gen++
			t.free = append(t.free, uint32(i))
		}
	}
}
