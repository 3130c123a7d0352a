package nbd

import (
	"log"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// NPassedFDs is the fixed capacity of the FD stash, carried over from
// the original's N_PASSED_FDS.
const NPassedFDs = 10

// idLen mirrors the original's 40-byte id field; ids are compared
// with a prefix match up to 39 bytes, leaving room for a NUL the C
// struct relied on and this Go port does not need but keeps for
// fidelity of the comparison length.
const idLen = 40

// FDStash is the process-wide table mapping a string identifier to a
// connected socket, populated by the external fd-receiver and drained
// by Driver.Open. spec.md §9 calls for an explicit singleton with
// init/shutdown entry points rather than a bare package-level global.
type FDStash struct {
	logger *log.Logger

	mu      sync.Mutex
	entries [NPassedFDs]stashEntry
}

type stashEntry struct {
	id string
	fd int
}

// NewFDStash returns an empty stash, every slot holding fd == -1.
func NewFDStash(logger *log.Logger) *FDStash {
	s := &FDStash{logger: logger}
	for i := range s.entries {
		s.entries[i].fd = -1
	}
	return s
}

// idMatches applies the same truncate-to-39-bytes prefix comparison
// the original's strncmp(msg, id, sizeof(id)-1) performs.
func idMatches(a, b string) bool {
	const n = idLen - 1
	if len(a) > n {
		a = a[:n]
	}
	if len(b) > n {
		b = b[:n]
	}
	return a == b
}

// Stash stores fd under id. It first looks for a slot already
// carrying id (replacing it — collision policy favors replacement
// over rejection, per spec.md §4.5) and otherwise the first free
// slot (fd == -1). If the chosen slot currently holds a live fd, that
// fd is closed unconditionally before being overwritten. If the
// stash is full, fd is closed and the id is dropped with a logged
// error.
func (s *FDStash) Stash(fd int, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := -1
	for i := range s.entries {
		if s.entries[i].fd != -1 && idMatches(id, s.entries[i].id) {
			free = i
			break
		}
	}
	if free == -1 {
		for i := range s.entries {
			if s.entries[i].fd == -1 {
				free = i
				break
			}
		}
	}

	if free == -1 {
		errorf(s.logger, "more than %d fds passed! cannot stash another", NPassedFDs)
		_ = unix.Close(fd)
		return
	}

	if s.entries[free].fd > -1 {
		_ = unix.Close(s.entries[free].fd)
	}
	s.entries[free].fd = fd
	s.entries[free].id = id
}

// Retrieve takes the fd stored under id, if any, clearing the slot
// (marking it -1) so a later Stash can reuse it. Returns -1 on miss.
func (s *FDStash) Retrieve(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if idMatches(id, s.entries[i].id) {
			fd := s.entries[i].fd
			s.entries[i].fd = -1
			return fd
		}
	}
	errorf(s.logger, "couldn't find the fd named: %s", id)
	return -1
}

// Park is equivalent to Stash; it exists as a separate name because
// Driver.Close calls it to hand a socket back to the stash instead of
// closing it, so a future Open(name) can reuse the connection.
func (s *FDStash) Park(fd int, id string) {
	s.Stash(fd, id)
}

// hasID reports whether any populated slot carries id, compared
// against the stored id with surrounding whitespace trimmed. An empty
// id never matches.
func (s *FDStash) hasID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		return false
	}
	for i := range s.entries {
		if s.entries[i].fd != -1 && strings.TrimSpace(s.entries[i].id) == id {
			return true
		}
	}
	return false
}
