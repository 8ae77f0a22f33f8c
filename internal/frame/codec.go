package frame

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Writer builds a tunnel frame over a caller-provided buffer.
type Writer struct {
	buf    []byte
	cur    int
	closed bool
}

// NewWriter initialises the header over buf. The buffer must be between
// MinWriterSize and MaxSize bytes; the session id, sequence number and
// signature start out zeroed.
func NewWriter(buf []byte) (*Writer, error) {
	if len(buf) < MinWriterSize || len(buf) > MaxSize {
		return nil, fmt.Errorf("%w: writer buffer of %d bytes", ErrBadFrame, len(buf))
	}
	for i := 0; i < HeaderSize; i++ {
		buf[i] = 0
	}
	copy(buf, magic[:])
	buf[3] = Version
	return &Writer{buf: buf, cur: HeaderSize}, nil
}

// RemainingBytes returns the size of the biggest datagram record the writer
// can still accept.
func (w *Writer) RemainingBytes() int {
	left := len(w.buf) - w.cur - separatorSize
	if left < 0 {
		return 0
	}
	return left
}

// Append copies one datagram into the frame behind a length prefix. The
// caller must check RemainingBytes first; an oversized datagram or a closed
// writer is an error.
func (w *Writer) Append(p []byte) error {
	if w.closed {
		return errors.New("append to a closed tunnel frame writer")
	}
	if len(p) > w.RemainingBytes() {
		return fmt.Errorf("%w: %d byte datagram does not fit %d remaining",
			ErrBadFrame, len(p), w.RemainingBytes())
	}
	putUint16(w.buf[w.cur:], len(p))
	copy(w.buf[w.cur+separatorSize:], p)
	w.cur += separatorSize + len(p)
	return nil
}

// Close finalises the size field and returns the built frame. No mutating
// calls are permitted afterwards; SetSeqNum/SetSessionID operate on the
// returned buffer directly.
func (w *Writer) Close() []byte {
	w.closed = true
	putUint16(w.buf[sizeOffset:], w.cur)
	return w.buf[:w.cur]
}

// Reader iterates the datagram records of a received frame.
type Reader struct {
	buf  []byte
	cur  int
	end  int
	data []byte
}

// NewReader validates the frame header and positions the cursor before the
// first record.
func NewReader(buf []byte) (*Reader, error) {
	hi, err := CheckHeaderInfo(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if hi.Size < HeaderSize || hi.Size > len(buf) {
		return nil, fmt.Errorf("%w: header claims %d of %d bytes", ErrBadFrame, hi.Size, len(buf))
	}
	return &Reader{buf: buf, cur: HeaderSize, end: hi.Size}, nil
}

// SessionID reads the session id of the frame under iteration.
func (r *Reader) SessionID() uuid.UUID {
	return SessionID(r.buf)
}

// SeqNum reads the sequence number of the frame under iteration.
func (r *Reader) SeqNum() uint64 {
	return SeqNum(r.buf)
}

// Next advances to the following datagram record. It returns false once the
// cursor reaches the frame size and an error for a record which would read
// past it.
func (r *Reader) Next() (bool, error) {
	if r.cur >= r.end {
		return false, nil
	}
	if r.cur+separatorSize > r.end {
		return false, fmt.Errorf("%w: truncated record separator", ErrBadFrame)
	}
	size := getUint16(r.buf[r.cur:])
	if r.cur+separatorSize+size > r.end {
		return false, fmt.Errorf("%w: %d byte record overflows frame", ErrBadFrame, size)
	}
	r.data = r.buf[r.cur+separatorSize : r.cur+separatorSize+size]
	r.cur += separatorSize + size
	return true, nil
}

// Data returns the current datagram record. Only defined after Next returned
// true.
func (r *Reader) Data() []byte {
	return r.data
}
