//go:build !linux
// +build !linux

package ebpf

import (
	"errors"
	"syscall"

	"github.com/cilium/ebpf"
)

// Stub implementation for non-Linux platforms.
// sk_lookup is Linux-only, so the dispatcher is always disabled here.

// Supported always returns false on non-Linux platforms.
func Supported() bool {
	return false
}

// Dispatcher stub for non-Linux platforms
type Dispatcher struct{}

// NewDispatcher returns a disabled dispatcher on non-Linux platforms
func NewDispatcher() (*Dispatcher, error) {
	return &Dispatcher{}, nil
}

func (d *Dispatcher) Attach(nsPath string) error {
	return ErrNotEnabled
}

func (d *Dispatcher) SetProxySocket(sc syscall.Conn) error {
	return ErrNotEnabled
}

func (d *Dispatcher) ClearProxySocket() error {
	return ErrNotEnabled
}

func (d *Dispatcher) ProxySocketCookie() (uint64, bool) {
	return 0, false
}

func (d *Dispatcher) RegisterPorts(ports ...int) error {
	return ErrNotEnabled
}

func (d *Dispatcher) UnregisterPorts(ports ...int) error {
	return ErrNotEnabled
}

func (d *Dispatcher) Ports() []int {
	return nil
}

func (d *Dispatcher) Explain(ev Event) (Verdict, error) {
	return VerdictPass, ErrNotEnabled
}

func (d *Dispatcher) Program() *ebpf.Program {
	return nil
}

// Close is a no-op on non-Linux platforms
func (d *Dispatcher) Close() error {
	return nil
}

// IsEnabled always returns false on non-Linux platforms
func (d *Dispatcher) IsEnabled() bool {
	return false
}

// SocketCookie is unavailable on non-Linux platforms
func SocketCookie(sc syscall.Conn) (uint64, error) {
	return 0, errors.New("socket cookies not supported on this platform")
}
