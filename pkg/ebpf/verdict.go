package ebpf

import "errors"

// Verdict is the outcome of a single connection-lookup event.
type Verdict int

const (
	// VerdictDrop fails the lookup; the initiator sees a refused connection.
	VerdictDrop Verdict = iota
	// VerdictPass hands the lookup back to the kernel's default socket lookup.
	VerdictPass
	// VerdictRedirect means the proxy socket was assigned and the lookup
	// completed with SK_PASS.
	VerdictRedirect
)

// sk_lookup program return codes.
const (
	skDrop = 0
	skPass = 1
)

func (v Verdict) String() string {
	switch v {
	case VerdictDrop:
		return "drop"
	case VerdictPass:
		return "pass"
	case VerdictRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Action returns the code the kernel program returns for v. Redirect and
// Pass share SK_PASS; they differ only in whether a socket was assigned.
func (v Verdict) Action() uint32 {
	if v == VerdictDrop {
		return skDrop
	}
	return skPass
}

// Event carries the fields of a pending connection that the dispatcher reads.
type Event struct {
	Family    uint32
	Protocol  uint32
	LocalPort uint16
}

// Registry answers whether a port is intercepted.
type Registry interface {
	Contains(port uint16) bool
}

// SocketTable yields a borrowed reference to the socket at index, if any.
type SocketTable interface {
	Get(index uint32) (SocketRef, bool)
}

// SocketRef is a borrowed, reference counted socket handle.
// Release must be called exactly once.
type SocketRef interface {
	Assign(ev Event) error
	Release()
}

var ErrProtocolMismatch = errors.New("socket protocol does not match lookup")

// Decide mirrors the kernel program: pass on a registry miss, drop when the
// port is intercepted but no proxy socket is registered or assignment fails.
func Decide(ev Event, reg Registry, sockets SocketTable) Verdict {
	if !reg.Contains(ev.LocalPort) {
		return VerdictPass
	}

	sk, ok := sockets.Get(SocketKey)
	if !ok {
		return VerdictDrop
	}
	defer sk.Release()

	if err := sk.Assign(ev); err != nil {
		return VerdictDrop
	}
	return VerdictRedirect
}
