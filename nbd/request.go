package nbd

// CompletionFunc is how a request slot calls back to the upstream
// block layer once it has a final status. It stands in for
// td_complete_request(upstream_tag, errno) in the original driver.
type CompletionFunc func(err error)

// requestSlot is one element of the fixed-size request pool. Exactly
// one of {free, pending, sent} owns it at any moment via the prev/next
// indices below, mirroring the original's intrusive list_head.
type requestSlot struct {
	inUse      bool
	reqType    uint32
	handle     [8]byte
	generation uint32 // available for a stricter handle check than the bare comparison in use

	header      [RequestHeaderSize]byte
	headerCur   int
	body        []byte // borrowed from the caller, never owned
	bodyCur     int

	complete CompletionFunc

	prev, next int // list linkage; -1 = no neighbour
}

func (s *requestSlot) headerRemaining() int { return RequestHeaderSize - s.headerCur }
func (s *requestSlot) headerDone() bool     { return s.headerCur >= RequestHeaderSize }
func (s *requestSlot) bodyRemaining() int   { return len(s.body) - s.bodyCur }
func (s *requestSlot) bodyDone() bool       { return s.bodyCur >= len(s.body) }

// slotList is an intrusive doubly-linked list of slot indices into a
// shared arena. head/tail are slot indices, -1 meaning empty. This
// exists so the engine can move a slot between free/pending/sent in
// O(1) without any heap traffic on the request path, per spec.md §9's
// "owned arena + indices" design note.
type slotList struct {
	head, tail int
	length     int
}

func newSlotList() slotList { return slotList{head: -1, tail: -1} }

// pushTail appends idx (currently not in any list) to the tail of l.
func (c *Conn) pushTail(l *slotList, idx int) {
	s := &c.slots[idx]
	s.prev, s.next = l.tail, -1
	if l.tail != -1 {
		c.slots[l.tail].next = idx
	} else {
		l.head = idx
	}
	l.tail = idx
	l.length++
}

// popHead removes and returns the head of l, or -1 if l is empty.
func (c *Conn) popHead(l *slotList) int {
	idx := l.head
	if idx == -1 {
		return -1
	}
	c.removeFrom(l, idx)
	return idx
}

// removeFrom detaches idx from l, wherever in the list it sits.
func (c *Conn) removeFrom(l *slotList, idx int) {
	s := &c.slots[idx]
	if s.prev != -1 {
		c.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != -1 {
		c.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = -1, -1
	l.length--
}

// moveTo removes idx from src and appends it to the tail of dst.
func (c *Conn) moveTo(src, dst *slotList, idx int) {
	c.removeFrom(src, idx)
	c.pushTail(dst, idx)
}

// forEach calls fn for every slot currently in l, head to tail. fn
// must not mutate l itself (callers that need to move slots out of l
// while iterating should snapshot with collectIndices first).
func (c *Conn) forEach(l *slotList, fn func(idx int)) {
	for idx := l.head; idx != -1; {
		next := c.slots[idx].next
		fn(idx)
		idx = next
	}
}

// collectIndices snapshots l's members, head to tail, so the caller
// may freely move them between lists while iterating the snapshot.
func (c *Conn) collectIndices(l *slotList) []int {
	out := make([]int, 0, l.length)
	for idx := l.head; idx != -1; idx = c.slots[idx].next {
		out = append(out, idx)
	}
	return out
}
