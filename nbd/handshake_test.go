package nbd

import (
	"testing"

	"golang.org/x/sys/unix"
)

func serveOldStyle(t *testing.T, peer int, size uint64) {
	t.Helper()
	var magic [8]byte
	be.PutUint64(magic[:], OldStyleMagic)
	if err := sendFull(peer, magic[:]); err != nil {
		t.Errorf("server: sending opening magic: %v", err)
		return
	}
	be.PutUint64(magic[:], OldVersionMagic)
	if err := sendFull(peer, magic[:]); err != nil {
		t.Errorf("server: sending style magic: %v", err)
		return
	}
	var rest [8 + 4 + oldStylePadBytes]byte
	be.PutUint64(rest[0:8], size)
	if err := sendFull(peer, rest[:]); err != nil {
		t.Errorf("server: sending size/flags/pad: %v", err)
		return
	}
}

func TestNegotiateOldStyle(t *testing.T) {
	local, peer := socketpair(t)
	go serveOldStyle(t, peer, 1<<20)

	info, err := negotiate(local, nil)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if info.SizeSectors != (1<<20)>>9 {
		t.Fatalf("SizeSectors = %d, want %d", info.SizeSectors, (1<<20)>>9)
	}
	if info.SectorSize != DefaultSectorSize {
		t.Fatalf("SectorSize = %d, want %d", info.SectorSize, DefaultSectorSize)
	}
}

func serveNewStyle(t *testing.T, peer int, size uint64) {
	t.Helper()
	var magic [8]byte
	be.PutUint64(magic[:], OldStyleMagic)
	if err := sendFull(peer, magic[:]); err != nil {
		t.Errorf("server: opening magic: %v", err)
		return
	}
	be.PutUint64(magic[:], OptsMagic)
	if err := sendFull(peer, magic[:]); err != nil {
		t.Errorf("server: style magic: %v", err)
		return
	}
	var gflags [2]byte
	be.PutUint16(gflags[:], uint16(FlagFixedNewstyle|FlagNoZeroes))
	if err := sendFull(peer, gflags[:]); err != nil {
		t.Errorf("server: gflags: %v", err)
		return
	}

	var cflags [4]byte
	if _, err := unix.Read(peer, cflags[:]); err != nil {
		t.Errorf("server: reading cflags: %v", err)
		return
	}

	var optHdr [16]byte
	if _, err := unix.Read(peer, optHdr[:]); err != nil {
		t.Errorf("server: reading option header: %v", err)
		return
	}
	optlen := be.Uint32(optHdr[12:16])
	name := make([]byte, optlen)
	if _, err := unix.Read(peer, name); err != nil {
		t.Errorf("server: reading export name: %v", err)
		return
	}
	if string(name) != DefaultExportName {
		t.Errorf("server: export name = %q, want %q", name, DefaultExportName)
		return
	}

	var reply [exportNameReplyNoZeroesSize]byte
	be.PutUint64(reply[0:8], size)
	if err := sendFull(peer, reply[:]); err != nil {
		t.Errorf("server: sending export reply: %v", err)
		return
	}
}

func TestNegotiateNewStyle(t *testing.T) {
	local, peer := socketpair(t)
	go serveNewStyle(t, peer, 2<<20)

	info, err := negotiate(local, nil)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if info.SizeSectors != (2<<20)>>9 {
		t.Fatalf("SizeSectors = %d, want %d", info.SizeSectors, (2<<20)>>9)
	}
}

func TestNegotiateBadOpeningMagic(t *testing.T) {
	local, peer := socketpair(t)
	go func() {
		var junk [8]byte
		_ = sendFull(peer, junk[:])
	}()

	if _, err := negotiate(local, nil); err == nil {
		t.Fatal("negotiate should reject a bad opening magic")
	}
}
