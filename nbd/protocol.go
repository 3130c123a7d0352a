// Package nbd implements the tapdisk NBD client core: protocol
// negotiation, a pipelined request/reply engine driven by a
// single-threaded event loop, and the narrow driver facade the
// upper block layer calls.
package nbd

import "encoding/binary"

// be is the byte order used for every multi-byte field on the wire.
var be = binary.BigEndian

/* --- START OF NBD PROTOCOL SECTION --- */

// this section is a transcription of the subset of the NBD wire
// protocol this client core speaks; see proto.md upstream for the
// full protocol (that file is not GPL, this transcription is not
// derived from it).

// NBD commands issued by this client. The server may define more
// (flush, trim, write-zeroes, ...) but this core never sends them.
const (
	CmdRead  = 0
	CmdWrite = 1
	CmdDisc  = 2
)

// NBD magic numbers, all big-endian on the wire.
const (
	OldStyleMagic   = 0x4e42444d41474943 // "NBDMAGIC"
	RequestMagic    = 0x25609513
	ReplyMagic      = 0x67446698
	OldVersionMagic = 0x00420281861253
	OptsMagic       = 0x49484156454f5054 // "IHAVEOPT"
)

// NBD options used during NEW-style negotiation.
const (
	OptExportName = 1
)

// NBD handshake flags, client and server.
const (
	FlagFixedNewstyle = uint32(1 << 0)
	FlagNoZeroes      = uint32(1 << 1)
)

// DefaultExportName is the single fixed export this core always asks
// for; tapdisk's NBD driver never negotiates export selection.
const DefaultExportName = "tapdisk"

// DefaultSectorSize is the fixed sector size this core reports to the
// upper block layer, regardless of what the server actually supports.
const DefaultSectorSize = 512

// RequestHeader is the 28-byte NBD request header, always written in
// network byte order before being placed on the wire.
type RequestHeader struct {
	Magic  uint32
	Type   uint32
	Handle [8]byte
	Offset uint64
	Length uint32
}

// RequestHeaderSize is the on-wire size of RequestHeader.
const RequestHeaderSize = 4 + 4 + 8 + 8 + 4

// ReplyHeader is the 16-byte NBD simple-reply header.
type ReplyHeader struct {
	Magic  uint32
	Error  uint32
	Handle [8]byte
}

// ReplyHeaderSize is the on-wire size of ReplyHeader.
const ReplyHeaderSize = 4 + 4 + 8

// oldStylePadBytes is the amount of reserved padding following the
// OLD-style preamble's flags field.
const oldStylePadBytes = 124

// exportNameReplyNoZeroesSize is the size of the EXPORT_NAME option
// reply when NO_ZEROES was negotiated (no 124-byte zero pad).
const exportNameReplyNoZeroesSize = 8 + 2

/* --- END OF NBD PROTOCOL SECTION --- */

// encodeRequestHeader serializes req into a freshly laid-out 28-byte
// big-endian buffer.
func encodeRequestHeader(req *RequestHeader) [RequestHeaderSize]byte {
	var buf [RequestHeaderSize]byte
	be.PutUint32(buf[0:4], req.Magic)
	be.PutUint32(buf[4:8], req.Type)
	copy(buf[8:16], req.Handle[:])
	be.PutUint64(buf[16:24], req.Offset)
	be.PutUint32(buf[24:28], req.Length)
	return buf
}

// decodeReplyHeader parses a 16-byte big-endian buffer into a
// ReplyHeader.
func decodeReplyHeader(buf []byte) ReplyHeader {
	var rep ReplyHeader
	rep.Magic = be.Uint32(buf[0:4])
	rep.Error = be.Uint32(buf[4:8])
	copy(rep.Handle[:], buf[8:16])
	return rep
}
