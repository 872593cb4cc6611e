package listener

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/multierr"

	"github.com/SkynetNext/port-dispatcher/internal/middleware"
	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

const ModeNative = "native"

// NativeListener opens one listening socket per port.
type NativeListener struct {
	mu        sync.RWMutex
	host      string
	ctx       context.Context
	listeners map[int]net.Listener
	handle    HandleFunc
	wg        sync.WaitGroup
}

var _ Interface = (*NativeListener)(nil)

// NewNativeListener binds ports on host; empty host means all interfaces.
func NewNativeListener(host string, handle HandleFunc) *NativeListener {
	return &NativeListener{
		host:      host,
		ctx:       context.Background(),
		listeners: make(map[int]net.Listener),
		handle:    handle,
	}
}

func (n *NativeListener) Mode() string { return ModeNative }

// Listen sets the context handed to connection handlers. Sockets are opened
// by AddPorts.
func (n *NativeListener) Listen(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ctx = ctx
	xlog.Infof("Proxy listening per port (native mode)")
	return nil
}

func (n *NativeListener) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var err error
	for port, l := range n.listeners {
		if cerr := l.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
			continue
		}
		delete(n.listeners, port)
		xlog.Infof("Closed port %d", port)
	}
	middleware.SetRegisteredPorts(ModeNative, len(n.listeners))
	return err
}

func (n *NativeListener) AddPorts(ports ...int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var err error
	for _, port := range ports {
		if _, ok := n.listeners[port]; ok {
			continue
		}
		if port <= 0 || port > 65535 {
			err = multierr.Append(err, fmt.Errorf("invalid port %d", port))
			continue
		}

		l, lerr := net.Listen("tcp", net.JoinHostPort(n.host, strconv.Itoa(port)))
		if lerr != nil {
			err = multierr.Append(err, lerr)
			continue
		}

		n.wg.Add(1)
		go func(ctx context.Context) {
			defer n.wg.Done()
			serve(ctx, l, n.handle, &n.wg)
		}(n.ctx)

		n.listeners[port] = l
		xlog.Infof("Added port %d", port)
	}

	middleware.RecordPortOperation("register", err)
	middleware.SetRegisteredPorts(ModeNative, len(n.listeners))
	return err
}

func (n *NativeListener) RemovePorts(ports ...int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var err error
	for _, port := range ports {
		l, ok := n.listeners[port]
		if !ok {
			continue
		}
		if cerr := l.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
			continue
		}
		delete(n.listeners, port)
		xlog.Infof("Removed port %d", port)
	}

	middleware.RecordPortOperation("unregister", err)
	middleware.SetRegisteredPorts(ModeNative, len(n.listeners))
	return err
}

func (n *NativeListener) Ports() []int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ports := make([]int, 0, len(n.listeners))
	for port := range n.listeners {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// Wait blocks until all accept loops and handlers have returned.
func (n *NativeListener) Wait() {
	n.wg.Wait()
}
