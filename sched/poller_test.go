package sched

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], 0); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollerFiresOnReadable(t *testing.T) {
	p, err := NewPoller(nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	go p.Run()
	t.Cleanup(p.Stop)

	r, w := newPipe(t)

	fired := make(chan Mode, 1)
	p.Register(Read, r, func(eventID int, mode Mode, ctx any) {
		select {
		case fired <- mode:
		default:
		}
	}, nil)

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case mode := <-fired:
		if mode != Read {
			t.Fatalf("mode = %v, want Read", mode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the read callback")
	}
}

func TestPollerFiresOnWritable(t *testing.T) {
	p, err := NewPoller(nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	go p.Run()
	t.Cleanup(p.Stop)

	_, w := newPipe(t)

	fired := make(chan struct{}, 1)
	p.Register(Write, w, func(eventID int, mode Mode, ctx any) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, nil)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("a pipe write end should be immediately writable")
	}
}

func TestPollerUnregisterStopsCallbacks(t *testing.T) {
	p, err := NewPoller(nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	go p.Run()
	t.Cleanup(p.Stop)

	r, w := newPipe(t)

	calls := make(chan struct{}, 8)
	id := p.Register(Read, r, func(eventID int, mode Mode, ctx any) {
		calls <- struct{}{}
	}, nil)
	p.Unregister(id)

	if _, err := unix.Write(w, []byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-calls:
		t.Fatal("callback fired after Unregister")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPollerCallbackReceivesItsOwnEventID(t *testing.T) {
	p, err := NewPoller(nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	go p.Run()
	t.Cleanup(p.Stop)

	_, w1 := newPipe(t)
	_, w2 := newPipe(t)

	got := make(chan int, 2)
	send := func(eventID int, mode Mode, ctx any) {
		select {
		case got <- eventID:
		default:
		}
	}
	id1 := p.Register(Write, w1, send, nil)
	id2 := p.Register(Write, w2, send, nil)

	seen := map[int]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case id := <-got:
			seen[id] = true
		case <-deadline:
			t.Fatal("timed out waiting for both callbacks")
		}
	}
	if !seen[id1] || !seen[id2] {
		t.Fatalf("expected callbacks tagged with their own event IDs %d and %d, got %v", id1, id2, seen)
	}
}
