// Package netiface wraps a host-local TUN device behind a small capability
// set: open-or-create by name, read one outbound packet without blocking
// the pump, inject one inbound packet, stop the session. It is backed by
// github.com/songgao/water, the same family of userspace TUN/WinTun driver
// the original Python client loads directly via ctypes.
package netiface

import (
	"errors"
	"fmt"

	"github.com/songgao/water"
)

// ErrAdapterUnavailable is returned when the underlying driver library is
// absent or the adapter cannot be created/opened. The caller (the packet
// pump) must disable its NIC half and continue running the control plane
// only.
var ErrAdapterUnavailable = errors.New("netiface: virtual NIC adapter unavailable")

// readBufferSize bounds the size of one NIC read. water.Interface.Read
// already blocks on the OS file descriptor, so reads cost nothing when idle;
// this only bounds how much of one packet the adapter will copy per read.
const readBufferSize = 65536

// Adapter is a host-local layer-3 network interface.
type Adapter struct {
	iface   *water.Interface
	name    string
	packets chan []byte
	closed  chan struct{}
}

// Open creates or opens a TUN device named name. On any failure to create
// the underlying interface — missing driver, insufficient privilege, name
// collision — it returns ErrAdapterUnavailable wrapping the driver's error.
func Open(name string) (*Adapter, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}

	a := &Adapter{
		iface:   iface,
		name:    name,
		packets: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
	go a.readLoop()
	return a, nil
}

// Name returns the device name this adapter was opened with.
func (a *Adapter) Name() string { return a.name }

// readLoop is the single goroutine that owns iface.Read; it feeds a
// buffered channel the pump selects on, so the pump never blocks directly
// on the kernel file descriptor.
func (a *Adapter) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := a.iface.Read(buf)
		if err != nil {
			close(a.packets)
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case a.packets <- pkt:
		case <-a.closed:
			return
		}
	}
}

// Packets returns the channel of outbound packets read from the kernel.
// It is closed when the adapter's session ends.
func (a *Adapter) Packets() <-chan []byte { return a.packets }

// Inject writes one inbound IP packet into the adapter's send ring, copying
// it into the kernel's view of the interface.
func (a *Adapter) Inject(packet []byte) error {
	_, err := a.iface.Write(packet)
	return err
}

// Close stops the adapter's session.
func (a *Adapter) Close() error {
	close(a.closed)
	return a.iface.Close()
}
