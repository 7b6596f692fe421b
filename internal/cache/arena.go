package cache

// nilSlot marks the absence of a neighbour in the recency list.
const nilSlot int32 = -1

// handle addresses one arena slot. The generation makes handles to freed or
// reused slots detectably stale.
type handle struct {
	slot int32
	gen  uint32
}

// entry is one cached object and its node in the recency list.
type entry struct {
	key     string
	size    int64
	tier    Tier
	path    string
	data    []byte
	pending bool

	prev, next int32
	gen        uint32
	live       bool
}

// recencyList is a doubly linked list stored in a dense slice. Head is the
// least recently used entry, tail the most recent.
type recencyList struct {
	slots  []entry
	free   []int32
	head   int32
	tail   int32
	length int
}

func newRecencyList() *recencyList {
	return &recencyList{head: nilSlot, tail: nilSlot}
}

// Len returns the number of live entries.
func (l *recencyList) Len() int {
	return l.length
}

// get returns the entry for h, or nil when h is stale.
func (l *recencyList) get(h handle) *entry {
	if h.slot < 0 || int(h.slot) >= len(l.slots) {
		return nil
	}
	e := &l.slots[h.slot]
	if !e.live || e.gen != h.gen {
		return nil
	}
	return e
}

// pushBack stores e as the most recently used entry.
func (l *recencyList) pushBack(e entry) handle {
	var slot int32
	if n := len(l.free); n > 0 {
		slot = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.slots = append(l.slots, entry{})
		slot = int32(len(l.slots) - 1)
	}

	e.gen = l.slots[slot].gen
	e.live = true
	l.slots[slot] = e
	l.link(slot)
	l.length++

	return handle{slot: slot, gen: e.gen}
}

// remove unlinks h, frees its slot and returns a copy of the entry.
func (l *recencyList) remove(h handle) (entry, bool) {
	e := l.get(h)
	if e == nil {
		return entry{}, false
	}
	l.unlink(h.slot)
	removed := *e

	// bumping the generation invalidates every outstanding handle to the slot
	l.slots[h.slot] = entry{gen: e.gen + 1, prev: nilSlot, next: nilSlot}
	l.free = append(l.free, h.slot)
	l.length--

	return removed, true
}

// moveToBack marks h as most recently used.
func (l *recencyList) moveToBack(h handle) bool {
	if l.get(h) == nil {
		return false
	}
	if l.tail == h.slot {
		return true
	}
	l.unlink(h.slot)
	l.link(h.slot)
	return true
}

// front returns the least recently used entry.
func (l *recencyList) front() (handle, bool) {
	if l.head == nilSlot {
		return handle{}, false
	}
	return handle{slot: l.head, gen: l.slots[l.head].gen}, true
}

// keys returns keys from least to most recently used.
func (l *recencyList) keys() []string {
	out := make([]string, 0, l.length)
	for s := l.head; s != nilSlot; s = l.slots[s].next {
		out = append(out, l.slots[s].key)
	}
	return out
}

func (l *recencyList) link(slot int32) {
	e := &l.slots[slot]
	e.prev = l.tail
	e.next = nilSlot
	if l.tail != nilSlot {
		l.slots[l.tail].next = slot
	} else {
		l.head = slot
	}
	l.tail = slot
}

func (l *recencyList) unlink(slot int32) {
	e := &l.slots[slot]
	if e.prev != nilSlot {
		l.slots[e.prev].next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nilSlot {
		l.slots[e.next].prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nilSlot, nilSlot
}
