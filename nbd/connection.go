package nbd

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/chunjiez/blktap/sched"
)

// FlagSecondary marks a connection opened in "secondary" mode: read
// requests are forwarded to another driver instead of being sent over
// NBD. Only the driver facade interprets this bit; the engine itself
// never inspects it.
const FlagSecondary = uint32(1 << 0)

// connState is the connection's tri-state lifecycle, written as an
// explicit enum rather than the untyped {0, 2, 3} values (with 1 left
// unused) that the original C driver core used.
type connState int

const (
	StateLive     connState = iota // live, accepting new requests
	StateDiscSent                  // DISC has left the send queue, full disable pending
	StateDead                      // disabled: no callbacks registered, nothing will change again
)

func (s connState) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateDiscSent:
		return "disc-sent"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// globalHandleCounter is a process-wide monotonic counter; every Conn
// in the process draws handles from it, so two Conns never hand out
// the same 8-byte wire handle at the same moment, though nothing
// beyond this counter actually enforces that uniqueness.
var globalHandleCounter uint32

// formatHandle renders id as the 8-byte wire handle "td" + 5 hex
// digits + a trailing NUL, reproducing the original's
// snprintf(handle, 8, "td%05x", id % 0x100000) byte for byte.
func formatHandle(id uint32) [8]byte {
	var h [8]byte
	s := fmt.Sprintf("td%05x", id&0xFFFFF)
	copy(h[:], s)
	return h
}

// Conn is the NBD client engine for one connection: a bounded pool of
// request slots, three lists (free/pending/sent), and the writer and
// reader callbacks that drive them over a non-blocking socket. All
// engine operations run on a single event-loop thread; the engine
// performs no locking of its own.
type Conn struct {
	logger *log.Logger
	debug  bool

	fd    int
	sched sched.Scheduler

	writerEvent int // -1 = not registered
	readerEvent int

	slots                []requestSlot
	free, pending, sent  slotList
	nrFree               int

	currentReply        [ReplyHeaderSize]byte
	currentReplyCursor  int
	currentReplyReq     int // slot index, -1 = unmatched

	flags uint32
	state connState
}

// NewConn allocates a Conn with a fixed pool of capacity request
// slots, all initially free. fd must already be a connected,
// non-blocking stream socket (i.e. the handshake has already run).
// The reader callback is not registered automatically — callers
// (normally the driver facade) call RegisterReader once negotiation
// has produced export geometry.
func NewConn(capacity int, fd int, scheduler sched.Scheduler, logger *log.Logger, debug bool, flags uint32) *Conn {
	c := &Conn{
		logger:          logger,
		debug:           debug,
		fd:              fd,
		sched:           scheduler,
		writerEvent:     -1,
		readerEvent:     -1,
		slots:           make([]requestSlot, capacity),
		free:            newSlotList(),
		pending:         newSlotList(),
		sent:            newSlotList(),
		currentReplyReq: -1,
		flags:           flags,
		state:           StateLive,
	}
	for i := range c.slots {
		c.slots[i].prev, c.slots[i].next = -1, -1
		c.pushTail(&c.free, i)
	}
	c.nrFree = capacity
	return c
}

// NrFree returns the number of free request slots, for tests and
// invariant checking.
func (c *Conn) NrFree() int { return c.nrFree }

// State returns the connection's current lifecycle state.
func (c *Conn) State() connState { return c.state }

// RegisterReader registers the reader callback for read-readiness.
// Idempotent.
func (c *Conn) RegisterReader() {
	if c.readerEvent != -1 {
		return
	}
	c.readerEvent = c.sched.Register(sched.Read, c.fd, c.onReadable, c)
}

// ensureWriterRegistered registers the writer callback iff it is not
// already registered. Called whenever pending becomes non-empty.
func (c *Conn) ensureWriterRegistered() {
	if c.writerEvent != -1 {
		return
	}
	c.writerEvent = c.sched.Register(sched.Write, c.fd, c.onWritable, c)
}

func (c *Conn) unregisterWriter() {
	if c.writerEvent == -1 {
		return
	}
	c.sched.Unregister(c.writerEvent)
	c.writerEvent = -1
}

func (c *Conn) unregisterReader() {
	if c.readerEvent == -1 {
		return
	}
	c.sched.Unregister(c.readerEvent)
	c.readerEvent = -1
}

// QueueRequest enqueues a new request of reqType for offset/body and
// arranges for complete to be invoked exactly once with its final
// status. On a dead connection complete is invoked immediately with
// ETIMEDOUT. On pool exhaustion it returns EBUSY and complete is never
// invoked.
func (c *Conn) QueueRequest(reqType uint32, offset uint64, body []byte, complete CompletionFunc) error {
	if c.nrFree == 0 {
		return EBUSY
	}
	if c.state == StateDead {
		if complete != nil {
			complete(ETIMEDOUT)
		}
		return ETIMEDOUT
	}

	idx := c.popHead(&c.free)
	s := &c.slots[idx]

	id := atomic.AddUint32(&globalHandleCounter, 1) - 1
	s.handle = formatHandle(id)
	s.generation++
	s.reqType = reqType
	s.header = encodeRequestHeader(&RequestHeader{
		Magic:  RequestMagic,
		Type:   reqType,
		Handle: s.handle,
		Offset: offset,
		Length: uint32(len(body)),
	})
	s.headerCur = 0
	s.body = body
	s.bodyCur = 0
	s.complete = complete
	s.inUse = true

	c.pushTail(&c.pending, idx)
	c.nrFree--
	c.ensureWriterRegistered()
	return nil
}

// onWritable is the writer callback: fires when the socket becomes
// writable. It walks pending from the head, pushing header (and, for
// writes, body) bytes until the socket refuses more or the list is
// drained. Cooperative and non-reentrant: the scheduler never calls
// it again until this invocation returns.
func (c *Conn) onWritable(eventID int, mode sched.Mode, ctx any) {
	for _, idx := range c.collectIndices(&c.pending) {
		s := &c.slots[idx]

		hio := queuedIO{buf: s.header[:], soFar: s.headerCur}
		left, err := writeSome(c.fd, &hio)
		s.headerCur = hio.soFar
		if err != nil {
			c.disable(EIO)
			return
		}
		if left > 0 {
			return
		}

		if s.reqType == CmdWrite {
			bio := queuedIO{buf: s.body, soFar: s.bodyCur}
			left, err := writeSome(c.fd, &bio)
			s.bodyCur = bio.soFar
			if err != nil {
				c.disable(EIO)
				return
			}
			if left > 0 {
				return
			}
		}

		if s.reqType == CmdDisc {
			info(c.logger, "sent DISC request")
			c.moveTo(&c.pending, &c.free, idx)
			c.nrFree++
			c.state = StateDiscSent
		} else {
			c.moveTo(&c.pending, &c.sent, idx)
		}
	}

	c.unregisterWriter()

	if c.state == StateDiscSent {
		c.disable(EIO)
	}
}

// matchSentRequest linear-scans sent for the slot whose handle matches
// rep's. Each slot's generation field (bumped on every QueueRequest)
// is carried for diagnostics and left available for a stricter
// (index, generation) comparison on top of the bare handle check
// below, but with handles drawn from a single process-wide counter
// and sent never outliving a handful of in-flight requests, a
// collision should not arise in practice.
func (c *Conn) matchSentRequest(handle [8]byte) int {
	for idx := c.sent.head; idx != -1; idx = c.slots[idx].next {
		if c.slots[idx].handle == handle {
			return idx
		}
	}
	return -1
}

// onReadable is the reader callback: fires when the socket becomes
// readable. It assembles the 16-byte reply header, matches it to a
// sent request by handle, then (for reads) drains the reply body.
func (c *Conn) onReadable(eventID int, mode sched.Mode, ctx any) {
	hio := queuedIO{buf: c.currentReply[:], soFar: c.currentReplyCursor}
	left, err := readSome(c.fd, &hio)
	c.currentReplyCursor = hio.soFar
	if err != nil {
		errorf(c.logger, "error reading reply header: %v", err)
		c.disable(EIO)
		return
	}
	if left > 0 {
		return
	}

	rep := decodeReplyHeader(c.currentReply[:])
	if rep.Magic != ReplyMagic {
		errorf(c.logger, "bad reply magic 0x%x", rep.Magic)
		c.disable(EIO)
		return
	}
	if rep.Error != 0 {
		errorf(c.logger, "error in reply: %d", rep.Error)
		c.disable(EIO)
		return
	}

	if c.currentReplyReq == -1 {
		found := c.matchSentRequest(rep.Handle)
		if found == -1 {
			errorf(c.logger, "couldn't find request corresponding to reply (handle=%q)", string(rep.Handle[:]))
			c.disable(EIO)
			return
		}
		c.currentReplyReq = found
	}

	idx := c.currentReplyReq
	s := &c.slots[idx]

	switch s.reqType {
	case CmdRead:
		bio := queuedIO{buf: s.body, soFar: s.bodyCur}
		left, err := readSome(c.fd, &bio)
		s.bodyCur = bio.soFar
		if err != nil {
			errorf(c.logger, "error reading body of request: %v", err)
			c.disable(EIO)
			return
		}
		if left > 0 {
			return
		}
		c.completeSlot(idx, nil)
	case CmdWrite:
		c.completeSlot(idx, nil)
	default:
		// The original C driver core sets a do_disable flag here but
		// returns before acting on it, leaving current_reply_req
		// stale. Disable immediately instead of deferring.
		errorf(c.logger, "unhandled request response type: %d", s.reqType)
		c.disable(EIO)
		return
	}

	c.moveTo(&c.sent, &c.free, idx)
	c.nrFree++
	c.currentReplyCursor = 0
	c.currentReplyReq = -1
}

func (c *Conn) completeSlot(idx int, err error) {
	s := &c.slots[idx]
	if s.complete != nil {
		s.complete(err)
	}
}

// disable is the connection-fatal transition: every request still on
// sent or pending completes with e, both callbacks are unregistered,
// and the connection moves to StateDead for good.
func (c *Conn) disable(e Errno) {
	if c.state == StateDead {
		return
	}

	info(c.logger, "NBD client full-disable: %v", e)

	c.unregisterWriter()
	c.unregisterReader()

	for _, idx := range c.collectIndices(&c.sent) {
		c.cancelSlot(idx, e)
	}
	for _, idx := range c.collectIndices(&c.pending) {
		c.cancelSlot(idx, e)
	}

	c.state = StateDead
}

func (c *Conn) cancelSlot(idx int, e Errno) {
	s := &c.slots[idx]
	info(c.logger, "entry %d: handle=%q type=%d len=%d: %v", idx, string(s.handle[:]), s.reqType, len(s.body), e)
	if s.complete != nil {
		s.complete(e)
	}
}
