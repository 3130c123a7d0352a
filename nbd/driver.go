package nbd

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chunjiez/blktap/sched"
)

// NoParent is returned by GetParentID: this driver is always a leaf,
// it never has a differencing parent (spec.md §4.6, §6).
const NoParent = -1

// DefaultCapacity is the request-pool size used when DriverConfig
// does not override it — a stand-in for the surrounding daemon's
// compile-time TAPDISK_DATA_REQUESTS constant.
const DefaultCapacity = 64

// closeDeadline bounds the blocking DISC flush in Close when the
// caller's context carries no deadline of its own (spec.md §9, Open
// Question: "a rewrite should bound this with a write-deadline").
const closeDeadline = 10 * time.Second

// Request is what the upper block layer hands the driver facade for
// a read or a write: a sector range, a data buffer, and how to be
// told the outcome.
type Request struct {
	SectorStart uint64
	SectorCount uint32
	Buffer      []byte
	Complete    CompletionFunc
}

// ForwardFunc is the "forward-to-next-driver" hook spec.md §4.6
// delegates secondary-mode reads to. It is supplied by whatever
// assembled this driver into a stack; this package never implements
// one itself.
type ForwardFunc func(req Request) error

// connectKind records how a Driver reached its socket, so Close knows
// whether to park it back in the stash or simply close it.
type connectKind int

const (
	connectTCP connectKind = iota
	connectUnix
	connectStashed
)

// Driver is the narrow surface the upper block layer calls: Open,
// Close, QueueRead, QueueWrite, GetParentID, ValidateParent.
type Driver struct {
	logger   *log.Logger
	debug    bool
	sched    sched.Scheduler
	stash    *FDStash
	capacity int
	forward  ForwardFunc

	conn *Conn
	info ExportInfo
	flags uint32

	via         connectKind
	stashedName string
}

// DriverParams groups the collaborators a Driver needs from its
// environment: the scheduler it registers callbacks with, the
// process-wide fd stash, and (for secondary mode) the forwarding
// hook.
type DriverParams struct {
	Scheduler sched.Scheduler
	Stash     *FDStash
	Logger    *log.Logger
	Debug     bool
	Capacity  int      // 0 => DefaultCapacity
	Forward   ForwardFunc
}

// NewDriver builds an unopened Driver. Call Open before issuing any
// requests.
func NewDriver(p DriverParams) *Driver {
	cap := p.Capacity
	if cap == 0 {
		cap = DefaultCapacity
	}
	return &Driver{
		logger:   p.Logger,
		debug:    p.Debug,
		sched:    p.Scheduler,
		stash:    p.Stash,
		capacity: cap,
		forward:  p.Forward,
	}
}

// hostPortPattern mirrors the original's sscanf("%255[^:]:%d", ...):
// up to 255 non-colon bytes, a colon, then a decimal port.
var hostPortPattern = regexp.MustCompile(`^([^:]{1,255}):(\d+)$`)

// Open resolves name per spec.md §6's three forms, connects,
// negotiates, and brings the engine up. flags is passed straight
// through to the Conn it creates (notably FlagSecondary).
func (d *Driver) Open(name string, flags uint32) error {
	info(d.logger, "opening nbd export %q (flags=%#x)", name, flags)

	fd, via, stashedName, err := d.resolveAndConnect(name)
	if err != nil {
		return err
	}

	exp, err := negotiate(fd, d.logger)
	if err != nil {
		_ = unix.Close(fd)
		errorf(d.logger, "failed to negotiate with the NBD server: %v", err)
		return err
	}

	d.conn = NewConn(d.capacity, fd, d.sched, d.logger, d.debug, flags)
	d.conn.RegisterReader()
	d.info = exp
	d.flags = flags
	d.via = via
	d.stashedName = stashedName

	if flags&FlagSecondary != 0 {
		info(d.logger, "opening in secondary mode: read requests will be forwarded")
	}
	return nil
}

// Info returns the export geometry negotiated at Open.
func (d *Driver) Info() ExportInfo { return d.info }

func (d *Driver) resolveAndConnect(name string) (fd int, via connectKind, stashedName string, err error) {
	if st, statErr := os.Stat(name); statErr == nil && st.Mode()&os.ModeSocket != 0 {
		fd, err = dialUnix(name)
		return fd, connectUnix, "", err
	}

	if m := hostPortPattern.FindStringSubmatch(name); m != nil {
		host, port := m[1], m[2]
		if ip := net.ParseIP(host); ip == nil || ip.To4() == nil {
			return -1, 0, "", fmt.Errorf("nbd: %q is not a dotted-quad IPv4 address", host)
		}
		var p int
		_, _ = fmt.Sscanf(port, "%d", &p)
		fd, err = dialTCP(host, p)
		return fd, connectTCP, "", err
	}

	fd = d.stash.Retrieve(name)
	if fd < 0 {
		return -1, 0, "", fmt.Errorf("nbd: couldn't find stashed fd named %q", name)
	}
	return fd, connectStashed, name, nil
}

func dialTCP(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("nbd: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("nbd: set TCP_NODELAY: %w", err)
	}
	ip4 := net.ParseIP(host).To4()
	addr := unix.SockaddrInet4{Port: port}
	copy(addr.Addr[:], ip4)
	if err := unix.Connect(fd, &addr); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("nbd: connect to %s:%d: %w", host, port, err)
	}
	return fd, nil
}

func dialUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("nbd: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("nbd: connect to %s: %w", path, err)
	}
	return fd, nil
}

// Close implements spec.md §4.6's close algorithm: if the connection
// is already dead, just close the fd; otherwise enqueue a DISC,
// switch to blocking, flush it synchronously (bounded by ctx's
// deadline, resolving spec.md §9's open question), then either park
// the socket back in the stash or close it.
func (d *Driver) Close(ctx context.Context) error {
	if d.conn == nil {
		return nil
	}

	if d.conn.State() == StateDead {
		info(d.logger, "nbd close: already decided that the connection is dead")
		_ = unix.Close(d.conn.fd)
		return nil
	}

	info(d.logger, "sending disconnect request")
	_ = d.conn.QueueRequest(CmdDisc, 0, nil, nil)

	info(d.logger, "switching socket to blocking IO mode")
	if err := unix.SetNonblock(d.conn.fd, false); err != nil {
		errorf(d.logger, "could not clear non-blocking flag: %v", err)
	}

	deadline := closeDeadline
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			deadline = remaining
		}
	}
	if err := setSendTimeout(d.conn.fd, deadline); err != nil {
		errorf(d.logger, "could not bound DISC flush: %v", err)
	}

	info(d.logger, "writing disconnection request")
	d.conn.onWritable(0, sched.Write, d.conn)
	info(d.logger, "written")

	switch d.via {
	case connectStashed:
		d.stash.Park(d.conn.fd, d.stashedName)
	default:
		_ = unix.Close(d.conn.fd)
	}
	return nil
}

// setSendTimeout sets SO_SNDTIMEO so a blocking write on fd cannot
// hang longer than d.
func setSendTimeout(fd int, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
}

// QueueRead implements spec.md §4.6: forwarded when FlagSecondary is
// set, otherwise a plain READ enqueue.
func (d *Driver) QueueRead(req Request) error {
	if d.flags&FlagSecondary != 0 {
		if d.forward == nil {
			return fmt.Errorf("nbd: secondary mode set but no forward hook configured")
		}
		return d.forward(req)
	}
	offset := req.SectorStart * DefaultSectorSize
	length := uint32(req.SectorCount) * DefaultSectorSize
	if uint32(len(req.Buffer)) < length {
		return EINVAL
	}
	return d.conn.QueueRequest(CmdRead, offset, req.Buffer[:length], req.Complete)
}

// QueueWrite implements spec.md §4.6: always a plain WRITE enqueue.
func (d *Driver) QueueWrite(req Request) error {
	offset := req.SectorStart * DefaultSectorSize
	length := uint32(req.SectorCount) * DefaultSectorSize
	if uint32(len(req.Buffer)) < length {
		return EINVAL
	}
	return d.conn.QueueRequest(CmdWrite, offset, req.Buffer[:length], req.Complete)
}

// GetParentID implements spec.md §4.6: this driver is always a leaf.
func (d *Driver) GetParentID() (int, error) {
	return NoParent, nil
}

// ValidateParent implements spec.md §4.6: this driver never accepts a
// parent.
func (d *Driver) ValidateParent(parent *Driver, flags uint32) error {
	return EINVAL
}
