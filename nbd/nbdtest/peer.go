// Package nbdtest is a minimal loop-back NBD peer used to exercise
// the client core end to end (spec.md §8's round-trip property and
// literal end-to-end scenarios). It speaks just enough of the wire
// protocol to negotiate and serve READ/WRITE/DISC — it is not a
// general-purpose NBD server.
package nbdtest

import (
	"encoding/binary"
	"fmt"
	"net"
	"path/filepath"

	"github.com/chunjiez/blktap/backend/file"
	"github.com/chunjiez/blktap/nbd"
	"golang.org/x/net/context"
)

var be = binary.BigEndian

// Style selects which handshake variant a Peer offers.
type Style int

const (
	StyleOld Style = iota
	StyleNew
)

// Peer is a single-connection, single-use mock NBD server.
type Peer struct {
	ln      net.Listener
	style   Style
	backend *file.Backend
	conn    net.Conn

	// ReplyOutOfOrder, when set, makes Serve answer two queued
	// requests in the reverse of the order they arrived (spec.md §8
	// scenario 4).
	ReplyOutOfOrder bool

	// CloseAfterReplyHeaderBytes, when > 0, makes Serve write only
	// this many bytes of the first READ reply header then close the
	// connection; WRITE replies are always sent whole (spec.md §8 scenario 5).
	CloseAfterReplyHeaderBytes int
}

// NewPeer creates a Peer backed by a temp file of sizeBytes,
// listening on 127.0.0.1 with an OS-assigned port.
func NewPeer(t interface {
	TempDir() string
	Fatalf(format string, args ...any)
}, style Style, sizeBytes uint64) *Peer {
	path := filepath.Join(t.TempDir(), "nbdtest.img")
	backend, err := file.New(context.Background(), path, sizeBytes)
	if err != nil {
		t.Fatalf("nbdtest: opening backing file: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("nbdtest: listen: %v", err)
	}

	return &Peer{ln: ln, style: style, backend: backend}
}

// Addr is the "HOST:PORT" string the driver facade's Open accepts.
func (p *Peer) Addr() string { return p.ln.Addr().String() }

// Backend exposes the backing store so tests can pre-fill or inspect
// bytes.
func (p *Peer) Backend() *file.Backend { return p.backend }

// Close tears down the listener and, if still open, the accepted
// connection.
func (p *Peer) Close() {
	_ = p.ln.Close()
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// Serve accepts exactly one connection, negotiates per p.style, then
// answers requests until the peer sends DISC or closes. It runs
// synchronously; tests call it in a goroutine.
func (p *Peer) Serve() error {
	conn, err := p.ln.Accept()
	if err != nil {
		return err
	}
	p.conn = conn
	defer conn.Close()

	if err := p.handshake(conn); err != nil {
		return err
	}
	return p.serveRequests(conn)
}

func (p *Peer) handshake(conn net.Conn) error {
	var magic [8]byte
	be.PutUint64(magic[:], nbd.OldStyleMagic)
	if _, err := conn.Write(magic[:]); err != nil {
		return err
	}

	switch p.style {
	case StyleOld:
		be.PutUint64(magic[:], nbd.OldVersionMagic)
		if _, err := conn.Write(magic[:]); err != nil {
			return err
		}
		var rest [8 + 4 + 124]byte
		be.PutUint64(rest[0:8], p.backend.Size())
		// flags left zero; pad already zero
		if _, err := conn.Write(rest[:]); err != nil {
			return err
		}
		return nil
	case StyleNew:
		be.PutUint64(magic[:], nbd.OptsMagic)
		if _, err := conn.Write(magic[:]); err != nil {
			return err
		}
		var gflags [2]byte
		be.PutUint16(gflags[:], uint16(nbd.FlagFixedNewstyle|nbd.FlagNoZeroes))
		if _, err := conn.Write(gflags[:]); err != nil {
			return err
		}
		var cflags [4]byte
		if _, err := readFull(conn, cflags[:]); err != nil {
			return err
		}
		var optHdr [16]byte
		if _, err := readFull(conn, optHdr[:]); err != nil {
			return err
		}
		optlen := be.Uint32(optHdr[12:16])
		name := make([]byte, optlen)
		if _, err := readFull(conn, name); err != nil {
			return err
		}
		var reply [10]byte
		be.PutUint64(reply[0:8], p.backend.Size())
		be.PutUint16(reply[8:10], 1) // transmission flags: HAS_FLAGS
		if _, err := conn.Write(reply[:]); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("nbdtest: unknown style %v", p.style)
	}
}

type wireRequest struct {
	typ    uint32
	handle [8]byte
	offset uint64
	length uint32
}

func readRequest(conn net.Conn) (wireRequest, error) {
	var hdr [28]byte
	if _, err := readFull(conn, hdr[:]); err != nil {
		return wireRequest{}, err
	}
	var r wireRequest
	r.typ = be.Uint32(hdr[4:8])
	copy(r.handle[:], hdr[8:16])
	r.offset = be.Uint64(hdr[16:24])
	r.length = be.Uint32(hdr[24:28])
	return r, nil
}

func (p *Peer) replyOK(conn net.Conn, handle [8]byte, data []byte) error {
	var hdr [16]byte
	be.PutUint32(hdr[0:4], nbd.ReplyMagic)
	be.PutUint32(hdr[4:8], 0)
	copy(hdr[8:16], handle[:])
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := conn.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) serveRequests(conn net.Conn) error {
	var pendingReads []wireRequest
	for {
		req, err := readRequest(conn)
		if err != nil {
			return err
		}

		switch req.typ {
		case nbd.CmdDisc:
			return nil
		case nbd.CmdWrite:
			buf := make([]byte, req.length)
			if _, err := readFull(conn, buf); err != nil {
				return err
			}
			if _, err := p.backend.WriteAt(context.Background(), buf, int64(req.offset)); err != nil {
				return err
			}
			if err := p.replyOK(conn, req.handle, nil); err != nil {
				return err
			}
		case nbd.CmdRead:
			if p.ReplyOutOfOrder {
				pendingReads = append(pendingReads, req)
				if len(pendingReads) < 2 {
					continue
				}
				for i := len(pendingReads) - 1; i >= 0; i-- {
					if err := p.replyRead(conn, pendingReads[i]); err != nil {
						return err
					}
				}
				pendingReads = nil
				continue
			}
			if err := p.replyRead(conn, req); err != nil {
				return err
			}
		default:
			return fmt.Errorf("nbdtest: unexpected command type %d", req.typ)
		}
	}
}

func (p *Peer) replyRead(conn net.Conn, req wireRequest) error {
	if p.CloseAfterReplyHeaderBytes > 0 {
		var hdr [16]byte
		be.PutUint32(hdr[0:4], nbd.ReplyMagic)
		be.PutUint32(hdr[4:8], 0)
		copy(hdr[8:16], req.handle[:])
		_, _ = conn.Write(hdr[:p.CloseAfterReplyHeaderBytes])
		return conn.Close()
	}

	buf := make([]byte, req.length)
	if _, err := p.backend.ReadAt(context.Background(), buf, int64(req.offset)); err != nil {
		return err
	}
	return p.replyOK(conn, req.handle, buf)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	got := 0
	for got < len(buf) {
		n, err := conn.Read(buf[got:])
		if err != nil {
			return got, err
		}
		got += n
	}
	return got, nil
}
