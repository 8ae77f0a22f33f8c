package sock

import (
	"fmt"
	"io"
	"net"

	"github.com/kaloianm/rural-pipe/internal/frame"
)

// tunnelFrameStream sends and receives whole tunnel frames over one
// connected byte-stream endpoint. It owns the connection and keeps a single
// frame-sized scratch buffer, so memory stays bounded per stream.
type tunnelFrameStream struct {
	conn net.Conn
	buf  [frame.MaxSize]byte
}

func newTunnelFrameStream(conn net.Conn) *tunnelFrameStream {
	return &tunnelFrameStream{conn: conn}
}

func (s *tunnelFrameStream) String() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "stream"
}

// send writes a closed frame to the connection in full.
func (s *tunnelFrameStream) send(buf []byte) error {
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("send %d byte frame: %w", len(buf), err)
	}
	return nil
}

// receive reads exactly one frame: first the leading header info to learn
// the total size, then the remainder. Partial reads are coalesced; EOF is
// terminal for the stream.
func (s *tunnelFrameStream) receive() ([]byte, error) {
	if _, err := io.ReadFull(s.conn, s.buf[:frame.HeaderInfoSize]); err != nil {
		return nil, fmt.Errorf("receive frame header: %w", err)
	}
	hi, err := frame.CheckHeaderInfo(s.buf[:frame.HeaderInfoSize])
	if err != nil {
		return nil, err
	}
	if hi.Size < frame.HeaderSize {
		return nil, fmt.Errorf("%w: stream frame of %d bytes", frame.ErrBadFrame, hi.Size)
	}
	if _, err := io.ReadFull(s.conn, s.buf[frame.HeaderInfoSize:hi.Size]); err != nil {
		return nil, fmt.Errorf("receive %d byte frame: %w", hi.Size, err)
	}
	return s.buf[:hi.Size], nil
}

func (s *tunnelFrameStream) close() error {
	return s.conn.Close()
}
