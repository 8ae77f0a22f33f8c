// Package frame implements the packed tunnel frame wire format.
//
// Every frame starts with a fixed header followed by a sequence of
// length-prefixed datagram records:
//
//	offset 0   magic "RPI" (3 bytes)
//	offset 3   desc: version (low 2 bits) + flags (high 6 bits)
//	offset 4   total frame size, uint16
//	offset 6   session id (16 bytes)
//	offset 22  sequence number, uint64
//	offset 30  signature (128 bytes)
//	offset 158 payload: (uint16 size, size bytes) records up to the frame size
//
// All multi-byte fields are little-endian on the wire.
package frame

import (
	"errors"

	"github.com/google/uuid"
)

const (
	// MaxSize is the maximum size of a tunnel frame. Actual frames may be
	// smaller.
	MaxSize = 4096

	// MinWriterSize is the smallest buffer over which a Writer may be
	// constructed (header plus one record separator).
	MinWriterSize = 160

	// HeaderSize is the full fixed header (magic through signature).
	HeaderSize = 158

	// HeaderInfoSize covers the leading magic, desc and size fields, which
	// is all a stream needs to learn the total frame length.
	HeaderInfoSize = 6

	// Version is the only protocol version currently in existence.
	Version = 1

	// FlagCompressed marks a frame whose payload region is S2-compressed.
	FlagCompressed = 0x1

	// InitSeqNum is the sequence number of the identity frame that opens
	// every stream. Data frames of a session start at InitSeqNum + 1.
	InitSeqNum = 0

	// SessionIDSize is the size of the session identifier field.
	SessionIDSize = 16

	// SeqNumOffset and SeqNumSize delimit the sequence number field, which
	// the sender stamps onto an already closed (and possibly signed) buffer.
	SeqNumOffset = 22
	SeqNumSize   = 8

	// SignatureOffset and SignatureSize delimit the opaque signature field.
	SignatureOffset = 30
	SignatureSize   = 128

	sizeOffset    = 4
	sessionOffset = 6
	separatorSize = 2
)

// Identity records exchanged by the first frame of every stream.
const (
	ClientIdentity = "RuralPipeClient"
	ServerIdentity = "RuralPipeServer"
	IdentitySize   = 16
)

var magic = [3]byte{'R', 'P', 'I'}

// ErrBadFrame rejects a buffer that does not parse as a tunnel frame.
var ErrBadFrame = errors.New("bad tunnel frame")

func getUint16(b []byte) int {
	return int(b[0]) | int(b[1])<<8
}

func putUint16(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// HeaderInfo is the decoded leading HeaderInfoSize bytes of a frame.
type HeaderInfo struct {
	Flags byte
	Size  int
}

// CheckHeaderInfo validates the magic, version and size bound of the leading
// bytes of a frame. All three magic bytes are compared.
func CheckHeaderInfo(b []byte) (HeaderInfo, error) {
	if len(b) < HeaderInfoSize {
		return HeaderInfo{}, errors.New("short tunnel frame header")
	}
	if b[0] != magic[0] || b[1] != magic[1] || b[2] != magic[2] {
		return HeaderInfo{}, errors.New("unrecognised tunnel frame magic")
	}
	desc := b[3]
	if desc&0x3 != Version {
		return HeaderInfo{}, errors.New("unrecognised tunnel frame version")
	}
	size := getUint16(b[sizeOffset:])
	if size < HeaderInfoSize || size > MaxSize {
		return HeaderInfo{}, errors.New("invalid tunnel frame size")
	}
	return HeaderInfo{Flags: desc >> 2, Size: size}, nil
}

// SessionID reads the session id of a frame.
func SessionID(b []byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], b[sessionOffset:sessionOffset+SessionIDSize])
	return id
}

// SetSessionID overwrites the session id field of a built frame.
func SetSessionID(b []byte, id uuid.UUID) {
	copy(b[sessionOffset:sessionOffset+SessionIDSize], id[:])
}

// SeqNum reads the sequence number of a frame.
func SeqNum(b []byte) uint64 {
	v := uint64(0)
	for i := SeqNumSize - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[SeqNumOffset+i])
	}
	return v
}

// SetSeqNum overwrites the sequence number of a built frame. The sender uses
// it to stamp the number on an already closed buffer just before transmit.
func SetSeqNum(b []byte, seq uint64) {
	for i := 0; i < SeqNumSize; i++ {
		b[SeqNumOffset+i] = byte(seq >> (8 * i))
	}
}

// Flags reads the desc flag bits of a frame.
func Flags(b []byte) byte {
	return b[3] >> 2
}

// SetFlags overwrites the desc flag bits, preserving the version.
func SetFlags(b []byte, flags byte) {
	b[3] = flags<<2 | Version
}

// SetSize overwrites the total size field. Stages which rewrite the payload
// region (compression) use it to keep the header consistent.
func SetSize(b []byte, size int) {
	putUint16(b[sizeOffset:], size)
}

// Signature returns the signature field of a frame.
func Signature(b []byte) []byte {
	return b[SignatureOffset : SignatureOffset+SignatureSize]
}
