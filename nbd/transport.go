package nbd

import (
	"time"

	"golang.org/x/sys/unix"
)

// handshakeTimeout bounds the blocking recv used only during
// negotiation (spec: "waits up to 10s for readability").
const handshakeTimeout = 10 * time.Second

// queuedIO is a buffer-with-cursor: a send or receive in progress,
// tracking how much of buf has been transferred so far.
type queuedIO struct {
	buf   []byte
	soFar int
}

func (q *queuedIO) remaining() int { return len(q.buf) - q.soFar }
func (q *queuedIO) done() bool     { return q.soFar >= len(q.buf) }
func (q *queuedIO) reset(buf []byte) {
	q.buf = buf
	q.soFar = 0
}

// writeSome attempts to send whatever of q remains on fd, a
// non-blocking stream socket. It returns the number of bytes still
// left to send (0 meaning fully sent) and an error. EAGAIN/EWOULDBLOCK
// is not an error: it is reported as "bytes remaining, nil error" so
// the caller knows to retry on the next writability callback. A
// return of 0 from send(2) (premature peer shutdown) is reported as
// an error.
func writeSome(fd int, q *queuedIO) (int, error) {
	for q.remaining() > 0 {
		n, err := unix.Write(fd, q.buf[q.soFar:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return q.remaining(), nil
			}
			return 0, err
		}
		if n == 0 {
			return 0, errPeerShutdown
		}
		q.soFar += n
	}
	return 0, nil
}

// readSome is the symmetric counterpart of writeSome, using recv(2).
func readSome(fd int, q *queuedIO) (int, error) {
	for q.remaining() > 0 {
		n, err := unix.Read(fd, q.buf[q.soFar:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return q.remaining(), nil
			}
			return 0, err
		}
		if n == 0 {
			return 0, errPeerShutdown
		}
		q.soFar += n
	}
	return 0, nil
}

// waitRecv is a blocking helper used only during the one-shot
// handshake: it waits up to handshakeTimeout for fd to become
// readable, then issues a single recv. It distinguishes a poll
// timeout from a peer close (0 bytes) from an outright errno failure
// so the handshake can log the right thing.
func waitRecv(fd int, buf []byte) (int, error) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, int(handshakeTimeout/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if n == 0 {
			return 0, unix.ETIMEDOUT
		}
		break
	}
	return unix.Read(fd, buf)
}

// waitRecvFull calls waitRecv repeatedly, looping over short reads,
// until buf is completely filled; a 0-byte read is reported as peer
// shutdown, and an error or timeout is returned as is. The handshake only ever deals in
// fixed-size fields, so every call site wants "exactly len(buf)
// bytes or fail".
func waitRecvFull(fd int, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := waitRecv(fd, buf[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			return errPeerShutdown
		}
		got += n
	}
	return nil
}
