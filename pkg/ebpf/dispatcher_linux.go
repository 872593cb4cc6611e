//go:build linux

package ebpf

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netns"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

// Dispatcher owns the sk_lookup program, its two maps and the netns link.
// It is the only writer of the maps.
type Dispatcher struct {
	mu        sync.Mutex
	objs      *bpfObjects
	netnsLink link.Link
	ports     map[uint16]struct{}
	socketSet bool
	enabled   bool
}

// NewDispatcher loads the dispatcher. When the kernel or the process
// privileges do not allow sk_lookup, a disabled Dispatcher is returned and
// callers are expected to fall back to per-port listeners.
func NewDispatcher() (*Dispatcher, error) {
	if !Supported() {
		xlog.Infof("sk_lookup dispatch not available, falling back to native listeners")
		return &Dispatcher{enabled: false}, nil
	}

	objs := &bpfObjects{}
	if err := loadBpfObjects(objs, nil); err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			xlog.Warnf("Dispatcher rejected by verifier:\n%+v", verr)
		}
		return nil, fmt.Errorf("loading dispatcher objects: %w", err)
	}

	xlog.Infof("sk_lookup dispatcher loaded (max_destinations=%d)", MaxDestinations)
	return &Dispatcher{
		objs:    objs,
		ports:   make(map[uint16]struct{}),
		enabled: true,
	}, nil
}

// Attach links the program into the network namespace at nsPath, or the
// current namespace when nsPath is empty.
func (d *Dispatcher) Attach(nsPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return ErrNotEnabled
	}

	if d.netnsLink != nil {
		return ErrAlreadyAttached
	}

	var (
		ns  netns.NsHandle
		err error
	)
	if nsPath == "" {
		ns, err = netns.Get()
	} else {
		ns, err = netns.GetFromPath(nsPath)
	}
	if err != nil {
		return fmt.Errorf("opening network namespace %q: %w", nsPath, err)
	}
	defer ns.Close()

	l, err := link.AttachNetNs(int(ns), d.objs.Dispatch)
	if err != nil {
		return fmt.Errorf("attaching dispatcher to netns: %w", err)
	}
	d.netnsLink = l

	xlog.Infof("sk_lookup dispatcher attached to netns %s", describeNetns(nsPath))
	return nil
}

// SetProxySocket stores the listening socket behind sc in slot 0 of the
// sockets map, replacing any previous one.
func (d *Dispatcher) SetProxySocket(sc syscall.Conn) error {
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("getting raw proxy socket: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return ErrNotEnabled
	}

	var putErr error
	if err := raw.Control(func(fd uintptr) {
		putErr = d.objs.Sockets.Put(SocketKey, uint64(fd))
	}); err != nil {
		return fmt.Errorf("accessing proxy socket fd: %w", err)
	}
	if putErr != nil {
		return fmt.Errorf("updating sockets map: %w", putErr)
	}
	d.socketSet = true

	if cookie, err := SocketCookie(sc); err == nil {
		xlog.Infof("Proxy socket registered (cookie=%d)", cookie)
	}
	return nil
}

// ClearProxySocket empties slot 0. Intercepted ports are dropped until a
// new socket is set.
func (d *Dispatcher) ClearProxySocket() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return ErrNotEnabled
	}

	if !d.socketSet {
		return nil
	}

	// Deleting an empty sockmap slot reports EINVAL rather than ENOENT.
	err := d.objs.Sockets.Delete(SocketKey)
	if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("clearing sockets map: %w", err)
	}
	d.socketSet = false
	xlog.Infof("Proxy socket cleared")
	return nil
}

// ProxySocketCookie returns the cookie of the registered proxy socket.
func (d *Dispatcher) ProxySocketCookie() (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return 0, false
	}

	var cookie uint64
	if err := d.objs.Sockets.Lookup(SocketKey, &cookie); err != nil {
		return 0, false
	}
	return cookie, true
}

// RegisterPorts marks ports as intercepted. Ports already registered are
// skipped; the call fails without changes if capacity would be exceeded.
func (d *Dispatcher) RegisterPorts(ports ...int) error {
	keys, err := validatePorts(ports)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return ErrNotEnabled
	}

	var fresh []uint16
	for _, k := range keys {
		if _, ok := d.ports[k]; !ok {
			fresh = append(fresh, k)
		}
	}
	if len(d.ports)+len(fresh) > MaxDestinations {
		return fmt.Errorf("%w: %d registered, %d requested", ErrRegistryFull, len(d.ports), len(fresh))
	}

	var errs error
	for _, k := range fresh {
		if err := d.objs.Destinations.Update(k, uint8(0), ebpf.UpdateAny); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("adding port %d to destinations map: %w", k, err))
			continue
		}
		d.ports[k] = struct{}{}
	}
	return errs
}

// UnregisterPorts removes ports from the registry. Unknown ports are ignored.
func (d *Dispatcher) UnregisterPorts(ports ...int) error {
	keys, err := validatePorts(ports)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return ErrNotEnabled
	}

	var errs error
	for _, k := range keys {
		err := d.objs.Destinations.Delete(k)
		if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			errs = multierr.Append(errs, fmt.Errorf("removing port %d from destinations map: %w", k, err))
			continue
		}
		delete(d.ports, k)
	}
	return errs
}

// Ports returns the registered ports in ascending order.
func (d *Dispatcher) Ports() []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]int, 0, len(d.ports))
	for p := range d.ports {
		out = append(out, int(p))
	}
	sort.Ints(out)
	return out
}

// Explain evaluates the dispatch decision for ev against the live maps.
// Assignment is simulated: it succeeds for TCP lookups since the proxy
// socket is a TCP listener.
func (d *Dispatcher) Explain(ev Event) (Verdict, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return VerdictPass, ErrNotEnabled
	}
	return Decide(ev, mapRegistry{d.objs.Destinations}, mapSocketTable{d.objs.Sockets}), nil
}

// Program exposes the loaded program, e.g. for BPF_PROG_TEST_RUN.
func (d *Dispatcher) Program() *ebpf.Program {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return nil
	}
	return d.objs.Dispatch
}

// Close detaches the program and releases the maps. It is safe to call
// more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return nil
	}

	var err error
	if d.netnsLink != nil {
		if cerr := d.netnsLink.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing netns link: %w", cerr))
		}
		d.netnsLink = nil
	}
	if d.objs != nil {
		if cerr := d.objs.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing dispatcher objects: %w", cerr))
		}
		d.objs = nil
	}
	d.ports = nil
	d.socketSet = false
	d.enabled = false

	xlog.Infof("sk_lookup dispatcher closed")
	return err
}

// IsEnabled returns whether sk_lookup dispatch is active.
func (d *Dispatcher) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// SocketCookie returns the kernel cookie of a socket, the value sk_lookup
// reports for a selected socket.
func SocketCookie(sc syscall.Conn) (uint64, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		cookie uint64
		optErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cookie, optErr = unix.GetsockoptUint64(int(fd), unix.SOL_SOCKET, unix.SO_COOKIE)
	}); err != nil {
		return 0, err
	}
	if optErr != nil {
		return 0, fmt.Errorf("getsockopt SO_COOKIE: %w", optErr)
	}
	return cookie, nil
}

func describeNetns(path string) string {
	if path == "" {
		return "(current)"
	}
	return path
}

type mapRegistry struct {
	m *ebpf.Map
}

func (r mapRegistry) Contains(port uint16) bool {
	var marker uint8
	if err := r.m.Lookup(port, &marker); err != nil {
		if !errors.Is(err, ebpf.ErrKeyNotExist) {
			xlog.Debugf("destinations lookup for port %d failed: %v", port, err)
		}
		return false
	}
	return true
}

type mapSocketTable struct {
	m *ebpf.Map
}

func (t mapSocketTable) Get(index uint32) (SocketRef, bool) {
	var cookie uint64
	if err := t.m.Lookup(index, &cookie); err != nil {
		return nil, false
	}
	return &cookieRef{cookie: cookie}, true
}

// cookieRef stands in for a socket seen from userspace, where only the
// cookie is observable and no reference is held.
type cookieRef struct {
	cookie uint64
}

func (r *cookieRef) Assign(ev Event) error {
	if ev.Protocol != unix.IPPROTO_TCP {
		return ErrProtocolMismatch
	}
	return nil
}

func (r *cookieRef) Release() {}
