package nbd

import (
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// FDReceiverPrefix is the fixed prefix the fd-receiver's local socket
// is named with; the full path is "<prefix><pid>" (spec.md §6,
// "Local-socket naming for fd hand-off").
const FDReceiverPrefix = "/var/run/blktap-nbdclient-fdreceiver."

// FDReceiverPath returns the listen path for a process with the
// given pid.
func FDReceiverPath(pid int) string {
	return fmt.Sprintf("%s%d", FDReceiverPrefix, pid)
}

// FDReceiverCallback is invoked once per fd handed in by a peer
// process, with the string identifier it was tagged with. The core
// supplies StashCallback, below, as the usual choice.
type FDReceiverCallback func(fd int, name string)

// FDReceiver is the side-channel described in spec.md §2/§6: it
// accepts already-connected sockets from a peer process over a local
// AF_UNIX control socket, tagged with a string identifier, via
// SCM_RIGHTS ancillary data. It carries no NBD protocol knowledge of
// its own; it exists only so Open(name)'s third resolution branch
// (spec.md §6) is exercisable end-to-end rather than stubbed out.
type FDReceiver struct {
	logger   *log.Logger
	path     string
	listenFD int
	cb       FDReceiverCallback
	done     chan struct{}
}

// StashCallback adapts an FDStash into an FDReceiverCallback.
func StashCallback(stash *FDStash) FDReceiverCallback {
	return func(fd int, name string) { stash.Stash(fd, name) }
}

// StartFDReceiver creates and binds the control socket at path and
// begins accepting connections in a background goroutine. Call Stop
// to shut it down and remove the socket file.
func StartFDReceiver(path string, logger *log.Logger, cb FDReceiverCallback) (*FDReceiver, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("fdreceiver: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fdreceiver: bind: %w", err)
	}
	if err := unix.Listen(fd, 8); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fdreceiver: listen: %w", err)
	}

	r := &FDReceiver{
		logger:   logger,
		path:     path,
		listenFD: fd,
		cb:       cb,
		done:     make(chan struct{}),
	}
	go r.serve()
	return r, nil
}

// Stop closes the listening socket and removes the socket file. It
// does not affect fds already handed off.
func (r *FDReceiver) Stop() {
	_ = unix.Shutdown(r.listenFD, unix.SHUT_RDWR)
	_ = unix.Close(r.listenFD)
	<-r.done
	_ = os.Remove(r.path)
}

func (r *FDReceiver) serve() {
	defer close(r.done)
	for {
		connFD, _, err := unix.Accept(r.listenFD)
		if err != nil {
			return
		}
		go r.handle(connFD)
	}
}

// handle reads exactly one SCM_RIGHTS message off connFD: a name
// string as the regular payload, one fd as ancillary data. It then
// closes the control connection — the passed fd itself lives on,
// handed to cb.
func (r *FDReceiver) handle(connFD int) {
	defer func() { _ = unix.Close(connFD) }()

	nameBuf := make([]byte, idLen)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(connFD, nameBuf, oob, 0)
	if err != nil {
		errorf(r.logger, "fdreceiver: recvmsg: %v", err)
		return
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(scms) == 0 {
		errorf(r.logger, "fdreceiver: no control message in fd handoff")
		return
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		errorf(r.logger, "fdreceiver: no fd in control message")
		return
	}

	name := strings.TrimRight(string(nameBuf[:n]), "\x00")
	r.cb(fds[0], name)

	for _, extra := range fds[1:] {
		_ = unix.Close(extra)
	}
}
