package nbd

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"
)

// ExportInfo is what the handshake yields on success: everything the
// upper block layer needs to know about the export's geometry.
type ExportInfo struct {
	SizeSectors uint64
	SectorSize  uint32
}

// sendFull writes the whole of buf to fd, looping over short writes.
// Used only during the (blocking-mode) handshake.
func sendFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return errPeerShutdown
		}
		buf = buf[n:]
	}
	return nil
}

// negotiate runs the blocking-mode NBD handshake dialog described in
// spec.md §4.3 exactly once per connection. fd must be a connected,
// blocking-mode stream socket. On success it flips fd to
// non-blocking and returns the export's geometry; on any error fd is
// left blocking and the caller must close it — the connection is not
// usable.
func negotiate(fd int, logger *log.Logger) (ExportInfo, error) {
	var magic [8]byte
	if err := waitRecvFull(fd, magic[:]); err != nil {
		return ExportInfo{}, fmt.Errorf("nbd handshake: reading magic: %w", err)
	}
	if be.Uint64(magic[:]) != OldStyleMagic {
		return ExportInfo{}, fmt.Errorf("nbd handshake: bad opening magic 0x%x", be.Uint64(magic[:]))
	}

	if err := waitRecvFull(fd, magic[:]); err != nil {
		return ExportInfo{}, fmt.Errorf("nbd handshake: reading style magic: %w", err)
	}
	style := be.Uint64(magic[:])

	var info ExportInfo
	var err error
	switch style {
	case OldVersionMagic:
		info, err = negotiateOld(fd, logger)
	case OptsMagic:
		info, err = negotiateNew(fd, logger)
	default:
		return ExportInfo{}, fmt.Errorf("nbd handshake: unknown style magic 0x%x", style)
	}
	if err != nil {
		return ExportInfo{}, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return ExportInfo{}, fmt.Errorf("nbd handshake: set non-blocking: %w", err)
	}
	return info, nil
}

// negotiateOld runs the OLD-style tail of the handshake: size, flags,
// 124 bytes of reserved padding.
func negotiateOld(fd int, logger *log.Logger) (ExportInfo, error) {
	var sizeBuf [8]byte
	if err := waitRecvFull(fd, sizeBuf[:]); err != nil {
		return ExportInfo{}, fmt.Errorf("nbd handshake (old): reading size: %w", err)
	}
	size := be.Uint64(sizeBuf[:])

	var flagsBuf [4]byte
	if err := waitRecvFull(fd, flagsBuf[:]); err != nil {
		return ExportInfo{}, fmt.Errorf("nbd handshake (old): reading flags: %w", err)
	}

	pad := make([]byte, oldStylePadBytes)
	if err := waitRecvFull(fd, pad); err != nil {
		return ExportInfo{}, fmt.Errorf("nbd handshake (old): draining pad: %w", err)
	}

	info(logger, "negotiated OLD-style NBD export, size=%d bytes", size)
	return ExportInfo{
		SizeSectors: size >> 9,
		SectorSize:  DefaultSectorSize,
	}, nil
}

// negotiateNew runs the NEW-style tail of the handshake: server
// gflags, our cflags, an EXPORT_NAME option, and its reply.
func negotiateNew(fd int, logger *log.Logger) (ExportInfo, error) {
	var gflagsBuf [2]byte
	if err := waitRecvFull(fd, gflagsBuf[:]); err != nil {
		return ExportInfo{}, fmt.Errorf("nbd handshake (new): reading server flags: %w", err)
	}

	cflags := FlagFixedNewstyle | FlagNoZeroes
	var cflagsBuf [4]byte
	be.PutUint32(cflagsBuf[:], cflags)
	if err := sendFull(fd, cflagsBuf[:]); err != nil {
		return ExportInfo{}, fmt.Errorf("nbd handshake (new): sending client flags: %w", err)
	}

	exportName := []byte(DefaultExportName)
	var optHdr [16]byte
	be.PutUint64(optHdr[0:8], OptsMagic)
	be.PutUint32(optHdr[8:12], OptExportName)
	be.PutUint32(optHdr[12:16], uint32(len(exportName)))
	if err := sendFull(fd, optHdr[:]); err != nil {
		return ExportInfo{}, fmt.Errorf("nbd handshake (new): sending option header: %w", err)
	}
	if err := sendFull(fd, exportName); err != nil {
		return ExportInfo{}, fmt.Errorf("nbd handshake (new): sending export name: %w", err)
	}

	var reply [exportNameReplyNoZeroesSize]byte
	if err := waitRecvFull(fd, reply[:]); err != nil {
		return ExportInfo{}, fmt.Errorf("nbd handshake (new): reading export reply: %w", err)
	}
	size := be.Uint64(reply[0:8])

	info(logger, "negotiated NEW-style NBD export %q, size=%d bytes", DefaultExportName, size)
	return ExportInfo{
		SizeSectors: size >> 9,
		SectorSize:  DefaultSectorSize,
	}, nil
}
