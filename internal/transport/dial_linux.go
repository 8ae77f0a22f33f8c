//go:build linux

package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Dial connects to the server over TCP. A non-empty iface pins the
// connection to that physical interface with SO_BINDTODEVICE, which is what
// lets several uplinks carry streams of the same session.
func Dial(ctx context.Context, host string, port int, iface string) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	if iface != "" {
		d.Control = func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
			})
			if err != nil {
				return err
			}
			if serr != nil {
				return fmt.Errorf("bind to device %s: %w", iface, serr)
			}
			return nil
		}
	}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}
