//go:build !linux

package tun

import (
	"fmt"
	"io"
)

// Device: TUN stub (non-Linux).
type Device struct{}

// Open errs on non-Linux (multi-queue TUN is Linux-only).
func Open(name string, queues int) (*Device, error) {
	return nil, fmt.Errorf("tun only supported on Linux")
}

// Name stub.
func (d *Device) Name() string {
	return ""
}

// MTU stub.
func (d *Device) MTU() (int, error) {
	return 0, fmt.Errorf("tun only supported on Linux")
}

// Queues stub.
func (d *Device) Queues() []io.ReadWriteCloser {
	return nil
}

// Close stub.
func (d *Device) Close() error {
	return nil
}
