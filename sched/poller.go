package sched

import (
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

// Poller is a reference Scheduler built on a single poll(2) loop, run
// on one goroutine. It is deliberately simple: one fd set, one
// blocking syscall per iteration, callbacks invoked synchronously on
// the poller's own goroutine — exactly the cooperative, single-
// threaded model the NBD client engine assumes of whatever scheduler
// drives it.
type Poller struct {
	logger *log.Logger

	mu       sync.Mutex
	nextID   int
	regs     map[int]*registration
	wakeR    int // self-pipe read end, always polled for Read
	wakeW    int // self-pipe write end, written to on Register/Unregister
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

type registration struct {
	id   int
	mode Mode
	fd   int
	cb   Callback
	ctx  any
}

// NewPoller creates a Poller. Call Run to start servicing it.
func NewPoller(logger *log.Logger) (*Poller, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return &Poller{
		logger: logger,
		regs:   make(map[int]*registration),
		wakeR:  fds[0],
		wakeW:  fds[1],
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Register implements Scheduler.
func (p *Poller) Register(mode Mode, fd int, cb Callback, ctx any) int {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.regs[id] = &registration{id: id, mode: mode, fd: fd, cb: cb, ctx: ctx}
	p.mu.Unlock()
	p.wake()
	return id
}

// Unregister implements Scheduler.
func (p *Poller) Unregister(eventID int) {
	p.mu.Lock()
	delete(p.regs, eventID)
	p.mu.Unlock()
	p.wake()
}

func (p *Poller) wake() {
	var b [1]byte
	_, _ = unix.Write(p.wakeW, b[:])
}

// Stop terminates the poll loop and closes the self-pipe. Safe to
// call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wake()
		<-p.doneCh
		_ = unix.Close(p.wakeR)
		_ = unix.Close(p.wakeW)
	})
}

// Run services the poll loop until Stop is called. It blocks the
// calling goroutine; callers typically `go poller.Run()`.
func (p *Poller) Run() {
	defer close(p.doneCh)
	drain := make([]byte, 64)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		p.mu.Lock()
		fds := make([]unix.PollFd, 0, len(p.regs)+1)
		fds = append(fds, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
		order := make([]int, 0, len(p.regs))
		for id, r := range p.regs {
			var events int16 = unix.POLLIN
			if r.mode == Write {
				events = unix.POLLOUT
			}
			fds = append(fds, unix.PollFd{Fd: int32(r.fd), Events: events})
			order = append(order, id)
		}
		p.mu.Unlock()

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if p.logger != nil {
				p.logger.Printf("[ERROR] poll: %v", err)
			}
			return
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents != 0 {
			_, _ = unix.Read(p.wakeR, drain)
		}

		var ready []*registration
		p.mu.Lock()
		for i, id := range order {
			pf := fds[i+1]
			if pf.Revents == 0 {
				continue
			}
			if r, ok := p.regs[id]; ok {
				ready = append(ready, r)
			}
		}
		p.mu.Unlock()

		for _, r := range ready {
			r.cb(r.id, r.mode, r.ctx)
		}
	}
}
