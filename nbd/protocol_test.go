package nbd

import "testing"

func TestEncodeRequestHeader(t *testing.T) {
	req := &RequestHeader{
		Magic:  RequestMagic,
		Type:   CmdWrite,
		Handle: [8]byte{'t', 'd', '0', '0', '0', '0', '1', 0},
		Offset: 0x1000,
		Length: 512,
	}
	buf := encodeRequestHeader(req)

	if len(buf) != RequestHeaderSize {
		t.Fatalf("buffer size = %d, want %d", len(buf), RequestHeaderSize)
	}
	if got := be.Uint32(buf[0:4]); got != RequestMagic {
		t.Errorf("magic = %#x, want %#x", got, RequestMagic)
	}
	if got := be.Uint32(buf[4:8]); got != CmdWrite {
		t.Errorf("type = %d, want %d", got, CmdWrite)
	}
	if string(buf[8:16]) != "td00001\x00" {
		t.Errorf("handle = %q, want %q", buf[8:16], "td00001\x00")
	}
	if got := be.Uint64(buf[16:24]); got != 0x1000 {
		t.Errorf("offset = %#x, want %#x", got, 0x1000)
	}
	if got := be.Uint32(buf[24:28]); got != 512 {
		t.Errorf("length = %d, want %d", got, 512)
	}
}

func TestDecodeReplyHeader(t *testing.T) {
	var buf [ReplyHeaderSize]byte
	be.PutUint32(buf[0:4], ReplyMagic)
	be.PutUint32(buf[4:8], 5)
	copy(buf[8:16], []byte("td00042\x00"))

	rep := decodeReplyHeader(buf[:])
	if rep.Magic != ReplyMagic {
		t.Errorf("magic = %#x, want %#x", rep.Magic, ReplyMagic)
	}
	if rep.Error != 5 {
		t.Errorf("error = %d, want 5", rep.Error)
	}
	if string(rep.Handle[:]) != "td00042\x00" {
		t.Errorf("handle = %q", rep.Handle)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := &RequestHeader{
		Magic:  RequestMagic,
		Type:   CmdRead,
		Handle: [8]byte{'t', 'd', 'a', 'b', 'c', 'd', 'e', 0},
		Offset: 123456,
		Length: 4096,
	}
	buf := encodeRequestHeader(req)

	var magic uint32
	magic = be.Uint32(buf[0:4])
	if magic != RequestMagic {
		t.Fatalf("round trip broke magic: got %#x", magic)
	}
	if be.Uint64(buf[16:24]) != req.Offset {
		t.Fatalf("round trip broke offset")
	}
}
