// Package transport establishes the byte-stream endpoints the socket
// producer/consumer runs over: TCP connections pinned to physical
// interfaces and, optionally, single-stream QUIC connections.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const alpnProtocol = "ruralpipe"

// streamConn wraps a quic.Stream as a net.Conn so it can be handed to
// AddSocket like any TCP connection.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// DefaultQUICClientTLS TLS for the QUIC client (InsecureSkipVerify; the
// tunnel carries its own signing).
func DefaultQUICClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{alpnProtocol},
	}
}

// DialStream dials QUIC to addr, opens one stream and returns it as a
// net.Conn.
func DialStream(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if tlsConfig == nil {
		tlsConfig = DefaultQUICClientTLS()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

// ListenAddr QUIC listen on addr; tlsConfig must carry certificates.
func ListenAddr(addr string, tlsConfig *tls.Config) (*quic.Listener, error) {
	if tlsConfig.NextProtos == nil {
		tlsConfig.NextProtos = []string{alpnProtocol}
	}
	return quic.ListenAddr(addr, tlsConfig, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
}

// WrapStream adapts an accepted QUIC stream to a net.Conn.
func WrapStream(conn *quic.Conn, stream *quic.Stream) net.Conn {
	return &streamConn{Stream: stream, conn: conn}
}
