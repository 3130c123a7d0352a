package nbd

import "github.com/chunjiez/blktap/sched"

// fakeScheduler is a synchronous, single-connection stand-in for
// sched.Scheduler: Register just remembers the callback, and tests
// fire it directly by calling fireRead/fireWrite. This lets the engine
// tests in connection_test.go drive Conn's state machine
// deterministically without an actual poll(2) loop.
type fakeScheduler struct {
	nextID  int
	reads   map[int]sched.Callback
	readCtx map[int]any
	writes  map[int]sched.Callback
	writeCtx map[int]any
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		reads:    make(map[int]sched.Callback),
		readCtx:  make(map[int]any),
		writes:   make(map[int]sched.Callback),
		writeCtx: make(map[int]any),
	}
}

func (f *fakeScheduler) Register(mode sched.Mode, fd int, cb sched.Callback, ctx any) int {
	id := f.nextID
	f.nextID++
	if mode == sched.Write {
		f.writes[id] = cb
		f.writeCtx[id] = ctx
	} else {
		f.reads[id] = cb
		f.readCtx[id] = ctx
	}
	return id
}

func (f *fakeScheduler) Unregister(eventID int) {
	delete(f.reads, eventID)
	delete(f.readCtx, eventID)
	delete(f.writes, eventID)
	delete(f.writeCtx, eventID)
}

func (f *fakeScheduler) registeredForWrite() bool { return len(f.writes) > 0 }
func (f *fakeScheduler) registeredForRead() bool  { return len(f.reads) > 0 }

// fireWrite invokes every registered write callback once, as poll(2)
// would after a single writability edge.
func (f *fakeScheduler) fireWrite() {
	for id, cb := range f.writes {
		cb(id, sched.Write, f.writeCtx[id])
	}
}

func (f *fakeScheduler) fireRead() {
	for id, cb := range f.reads {
		cb(id, sched.Read, f.readCtx[id])
	}
}
