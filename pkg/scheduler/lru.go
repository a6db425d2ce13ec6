package scheduler

import "container/list"

// lruEntry pairs a slot index with the named-state id currently resident
// there. The list's front is most-recently-used.
type lruEntry struct {
	slot int
	id   string
}

// lru is a recency-ordered index over resident slots, keyed both by slot
// index and by named-state id, so admission can ask either "is this id
// resident" or "which slot is least recently used" in O(1)/O(log n).
type lru struct {
	order    *list.List
	bySlot   map[int]*list.Element
	byID     map[string]*list.Element
}

func newLRU() *lru {
	return &lru{order: list.New(), bySlot: make(map[int]*list.Element), byID: make(map[string]*list.Element)}
}

// slotFor returns the slot index currently holding id, if resident.
func (l *lru) slotFor(id string) (int, bool) {
	el, ok := l.byID[id]
	if !ok {
		return 0, false
	}
	return el.Value.(*lruEntry).slot, true
}

// idAt returns the id resident at slot, if any.
func (l *lru) idAt(slot int) (string, bool) {
	el, ok := l.bySlot[slot]
	if !ok {
		return "", false
	}
	return el.Value.(*lruEntry).id, true
}

// promote marks slot (newly associated with id, or already resident) as
// most recently used.
func (l *lru) promote(slot int, id string) {
	if el, ok := l.bySlot[slot]; ok {
		old := el.Value.(*lruEntry)
		delete(l.byID, old.id)
		l.order.Remove(el)
		delete(l.bySlot, slot)
	}
	entry := &lruEntry{slot: slot, id: id}
	el := l.order.PushFront(entry)
	l.bySlot[slot] = el
	l.byID[id] = el
}

// evictLRU removes and returns the least-recently-used entry, skipping any
// slot for which reserved(slot) is true. Returns ok=false if every resident
// slot is reserved.
func (l *lru) evictLRU(reserved func(slot int) bool) (lruEntry, bool) {
	for el := l.order.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*lruEntry)
		if reserved(entry.slot) {
			continue
		}
		l.order.Remove(el)
		delete(l.bySlot, entry.slot)
		delete(l.byID, entry.id)
		return *entry, true
	}
	return lruEntry{}, false
}

func (l *lru) len() int { return l.order.Len() }
