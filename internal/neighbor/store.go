package neighbor

import (
	"container/list"
	"iter"
)

type slot struct {
	gen   uint32
	entry *Entry
	elem  *list.Element
}

// store is an arena of entries indexed by key and ordered from most to
// least recently used.
type store struct {
	slots []slot
	free  []uint32
	index map[Key]Handle
	lru   *list.List
}

func newStore() *store {
	return &store{
		index: map[Key]Handle{},
		lru:   list.New(),
	}
}

// Len returns the number of live entries.
func (m *store) Len() int {
	return len(m.index)
}

// Get resolves a handle. Stale handles resolve to nil.
func (m *store) Get(h Handle) *Entry {
	if int(h.idx) >= len(m.slots) {
		return nil
	}
	s := &m.slots[h.idx]
	if s.gen != h.gen || s.entry == nil {
		return nil
	}
	return s.entry
}

// Find returns the entry for a key.
func (m *store) Find(key Key) *Entry {
	h, ok := m.index[key]
	if !ok {
		return nil
	}
	return m.Get(h)
}

// Insert adds a fresh entry for key at the front of the LRU order. The key
// must not be present.
func (m *store) Insert(key Key) *Entry {
	var idx uint32
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		idx = uint32(len(m.slots))
		m.slots = append(m.slots, slot{})
	}

	s := &m.slots[idx]
	e := &Entry{
		handle: Handle{idx: idx, gen: s.gen},
		key:    key,
	}
	s.entry = e
	s.elem = m.lru.PushFront(e.handle)
	m.index[key] = e.handle
	return e
}

// Remove drops the entry and bumps its slot generation. It reports whether
// the entry was present.
func (m *store) Remove(e *Entry) bool {
	if m.Get(e.handle) != e {
		return false
	}
	s := &m.slots[e.handle.idx]
	m.lru.Remove(s.elem)
	s.entry = nil
	s.elem = nil
	s.gen++
	delete(m.index, e.key)
	m.free = append(m.free, e.handle.idx)
	return true
}

// Touch moves the entry to the front of the LRU order.
func (m *store) Touch(e *Entry) {
	if m.Get(e.handle) != e {
		return
	}
	m.lru.MoveToFront(m.slots[e.handle.idx].elem)
}

// Oldest returns the least recently used entry.
func (m *store) Oldest() *Entry {
	back := m.lru.Back()
	if back == nil {
		return nil
	}
	return m.Get(back.Value.(Handle))
}

// All yields every live entry. Entries may be removed while iterating.
func (m *store) All() iter.Seq[*Entry] {
	return func(yield func(*Entry) bool) {
		handles := make([]Handle, 0, len(m.index))
		for _, h := range m.index {
			handles = append(handles, h)
		}
		for _, h := range handles {
			e := m.Get(h)
			if e == nil {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}
