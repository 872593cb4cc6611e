package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"go.uber.org/multierr"

	"github.com/SkynetNext/port-dispatcher/internal/middleware"
	"github.com/SkynetNext/port-dispatcher/pkg/ebpf"
	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

const ModeEBPF = "ebpf"

// dispatcher is the part of *ebpf.Dispatcher the listener drives.
type dispatcher interface {
	Attach(nsPath string) error
	SetProxySocket(sc syscall.Conn) error
	ClearProxySocket() error
	RegisterPorts(ports ...int) error
	UnregisterPorts(ports ...int) error
	Ports() []int
	Explain(ev ebpf.Event) (ebpf.Verdict, error)
	Close() error
}

// EBPFListener serves every intercepted port from one socket. The kernel
// steers connections to it; the accepted conn keeps the original
// destination as its local address.
type EBPFListener struct {
	mu         sync.RWMutex
	addr       string
	netnsPath  string
	dispatcher dispatcher
	base       net.Listener
	handle     HandleFunc
	wg         sync.WaitGroup
	published  bool
	closed     bool
}

var _ Interface = (*EBPFListener)(nil)

// NewEBPFListener loads the dispatcher. It returns ebpf.ErrNotEnabled when
// the host cannot run sk_lookup programs.
func NewEBPFListener(addr, netnsPath string, handle HandleFunc) (*EBPFListener, error) {
	d, err := ebpf.NewDispatcher()
	if err != nil {
		return nil, err
	}
	if !d.IsEnabled() {
		return nil, ebpf.ErrNotEnabled
	}
	return newEBPFListener(d, addr, netnsPath, handle), nil
}

func newEBPFListener(d dispatcher, addr, netnsPath string, handle HandleFunc) *EBPFListener {
	return &EBPFListener{
		addr:       addr,
		netnsPath:  netnsPath,
		dispatcher: d,
		handle:     handle,
	}
}

func (e *EBPFListener) Mode() string { return ModeEBPF }

// Listen opens the proxy socket, publishes it to the dispatcher and attaches
// the program to the network namespace.
func (e *EBPFListener) Listen(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.base != nil {
		return ebpf.ErrAlreadyAttached
	}

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", e.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.addr, err)
	}

	sc, ok := lis.(syscall.Conn)
	if !ok {
		lis.Close()
		return fmt.Errorf("listener %T exposes no file descriptor", lis)
	}
	if err := e.dispatcher.SetProxySocket(sc); err != nil {
		lis.Close()
		return fmt.Errorf("registering proxy socket: %w", err)
	}
	e.published = true
	middleware.SetProxySocketRegistered(true)

	if err := e.dispatcher.Attach(e.netnsPath); err != nil {
		err = multierr.Append(err, e.clearProxySocket())
		lis.Close()
		return err
	}

	e.base = lis
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		serve(ctx, lis, e.handle, &e.wg)
	}()

	xlog.Infof("Proxy listening on %s (ebpf mode)", lis.Addr())
	return nil
}

// Addr returns the proxy socket address, or nil before Listen.
func (e *EBPFListener) Addr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.base == nil {
		return nil
	}
	return e.base.Addr()
}

// Close empties the socket table first so no lookup can select a socket
// that is being torn down, then detaches the program and closes the socket.
func (e *EBPFListener) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	ports := e.dispatcher.Ports()

	var err error
	err = multierr.Append(err, e.clearProxySocket())
	err = multierr.Append(err, e.dispatcher.Close())
	if e.base != nil {
		err = multierr.Append(err, e.base.Close())
	}
	middleware.SetRegisteredPorts(ModeEBPF, 0)

	for _, port := range ports {
		xlog.Infof("Closed port %d", port)
	}
	return err
}

// clearProxySocket empties the socket table if this listener filled it.
// Callers hold e.mu.
func (e *EBPFListener) clearProxySocket() error {
	if !e.published {
		return nil
	}
	if err := e.dispatcher.ClearProxySocket(); err != nil {
		return fmt.Errorf("clearing proxy socket: %w", err)
	}
	e.published = false
	middleware.SetProxySocketRegistered(false)
	return nil
}

func (e *EBPFListener) AddPorts(ports ...int) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	err := e.dispatcher.RegisterPorts(ports...)
	middleware.RecordPortOperation("register", err)
	middleware.SetRegisteredPorts(ModeEBPF, len(e.dispatcher.Ports()))
	if err != nil {
		return err
	}
	xlog.Infof("Added ports %v", ports)
	return nil
}

func (e *EBPFListener) RemovePorts(ports ...int) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	err := e.dispatcher.UnregisterPorts(ports...)
	middleware.RecordPortOperation("unregister", err)
	middleware.SetRegisteredPorts(ModeEBPF, len(e.dispatcher.Ports()))
	if err != nil {
		return err
	}
	xlog.Infof("Removed ports %v", ports)
	return nil
}

func (e *EBPFListener) Ports() []int {
	return e.dispatcher.Ports()
}

// Explain reports what the dispatcher would decide for an IPv4 connection
// to port.
func (e *EBPFListener) Explain(port int, protocol string) (ebpf.Verdict, error) {
	if port <= 0 || port > 65535 {
		return ebpf.VerdictDrop, fmt.Errorf("%w: %d", ebpf.ErrInvalidPort, port)
	}
	proto, err := ParseProtocol(protocol)
	if err != nil {
		return ebpf.VerdictDrop, err
	}
	return e.dispatcher.Explain(ebpf.Event{
		Family:    syscall.AF_INET,
		Protocol:  proto,
		LocalPort: uint16(port),
	})
}

// Wait blocks until the accept loop and all handlers have returned.
func (e *EBPFListener) Wait() {
	e.wg.Wait()
}
