// Package listener accepts the connections the proxy serves. In ebpf mode a
// single socket receives every intercepted port through the sk_lookup
// dispatcher; in native mode each port gets its own listening socket.
package listener

import (
	"context"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/SkynetNext/port-dispatcher/pkg/ebpf"
)

// HandleFunc serves one accepted connection. It owns conn.
type HandleFunc func(ctx context.Context, conn net.Conn)

// Interface is implemented by both listener modes.
type Interface interface {
	Listen(ctx context.Context) error
	Close() error

	AddPorts(ports ...int) error
	RemovePorts(ports ...int) error
	Ports() []int

	// Mode is "ebpf" or "native".
	Mode() string
	// Wait blocks until accept loops and connection handlers return.
	Wait()
}

// Explainer is implemented by listeners that can simulate a dispatch
// decision for a port.
type Explainer interface {
	Explain(port int, protocol string) (ebpf.Verdict, error)
}

// ParseProtocol maps "tcp"/"udp" to the IP protocol number seen by the
// lookup program. Empty means tcp.
func ParseProtocol(protocol string) (uint32, error) {
	switch strings.ToLower(protocol) {
	case "", "tcp":
		return syscall.IPPROTO_TCP, nil
	case "udp":
		return syscall.IPPROTO_UDP, nil
	default:
		return 0, fmt.Errorf("unsupported protocol %q", protocol)
	}
}
