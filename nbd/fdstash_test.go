package nbd

import (
	"testing"

	"golang.org/x/sys/unix"
)

func pipeFD(t *testing.T) int {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], 0); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return fds[0]
}

func TestFDStashRoundTrip(t *testing.T) {
	s := NewFDStash(nil)
	fd := pipeFD(t)

	s.Stash(fd, "control")

	got := s.Retrieve("control")
	if got != fd {
		t.Fatalf("Retrieve = %d, want %d", got, fd)
	}
	_ = unix.Close(fd)

	if s.Retrieve("control") != -1 {
		t.Fatalf("second Retrieve should miss after the slot was cleared")
	}
}

func TestFDStashRetrieveMiss(t *testing.T) {
	s := NewFDStash(nil)
	if got := s.Retrieve("nope"); got != -1 {
		t.Fatalf("Retrieve of unknown id = %d, want -1", got)
	}
}

func TestFDStashReplacesSameID(t *testing.T) {
	s := NewFDStash(nil)
	fd1 := pipeFD(t)
	fd2 := pipeFD(t)

	s.Stash(fd1, "dup")
	s.Stash(fd2, "dup")

	got := s.Retrieve("dup")
	if got != fd2 {
		t.Fatalf("Retrieve = %d, want the second stash (%d)", got, fd2)
	}
}

func TestFDStashFullDropsAndCloses(t *testing.T) {
	s := NewFDStash(nil)
	for i := 0; i < NPassedFDs; i++ {
		s.Stash(pipeFD(t), string(rune('a'+i)))
	}

	overflow := pipeFD(t)
	s.Stash(overflow, "overflow")

	if s.Retrieve("overflow") != -1 {
		t.Fatalf("stash was full, the overflow id should never have been stored")
	}
}
