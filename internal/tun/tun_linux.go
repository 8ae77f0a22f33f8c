//go:build linux

// Package tun opens the multi-queue TUN device the tunnel producer/consumer
// reads from and writes to (Linux, CAP_NET_ADMIN or root).
package tun

import (
	"fmt"
	"io"

	"github.com/songgao/water"
	"golang.org/x/sys/unix"
)

// Device: a TUN interface with one file handle per queue.
type Device struct {
	name  string
	ifces []*water.Interface
}

// Open creates the device with the requested number of queues. Opening the
// same name repeatedly with the multi-queue flag yields one handle per
// kernel queue.
func Open(name string, queues int) (*Device, error) {
	if queues <= 0 {
		return nil, fmt.Errorf("tun: %d queues requested", queues)
	}
	d := &Device{}
	for i := 0; i < queues; i++ {
		ifce, err := water.New(water.Config{
			DeviceType: water.TUN,
			PlatformSpecificParams: water.PlatformSpecificParams{
				Name:       name,
				MultiQueue: queues > 1,
			},
		})
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("tun: queue %d: %w", i, err)
		}
		d.ifces = append(d.ifces, ifce)
		d.name = ifce.Name()
	}
	return d, nil
}

// Name returns the interface name (e.g. rpi0).
func (d *Device) Name() string {
	return d.name
}

// MTU reads the device MTU from the kernel.
func (d *Device) MTU() (int, error) {
	s, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, fmt.Errorf("tun: mtu check socket: %w", err)
	}
	defer unix.Close(s)

	ifr, err := unix.NewIfreq(d.name)
	if err != nil {
		return 0, fmt.Errorf("tun: %w", err)
	}
	if err := unix.IoctlIfreq(s, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, fmt.Errorf("tun: SIOCGIFMTU %s: %w", d.name, err)
	}
	return int(ifr.Uint32()), nil
}

// Queues returns one byte-stream handle per device queue.
func (d *Device) Queues() []io.ReadWriteCloser {
	out := make([]io.ReadWriteCloser, len(d.ifces))
	for i, ifce := range d.ifces {
		out[i] = ifce
	}
	return out
}

// Close closes every queue handle.
func (d *Device) Close() error {
	var first error
	for _, ifce := range d.ifces {
		if err := ifce.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
