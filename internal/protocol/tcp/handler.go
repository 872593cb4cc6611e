package tcp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/SkynetNext/port-dispatcher/internal/middleware"
	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

var (
	ErrNoApp       = errors.New("no app for port")
	ErrNoUpstreams = errors.New("no upstreams")
)

// HealthChecker reports whether an upstream should be preferred.
type HealthChecker interface {
	IsHealthy(upstream string) bool
}

// Admission decides whether a freshly accepted connection may proceed.
type Admission interface {
	CheckConnection(addr net.Addr) error
}

// Options tune a Handler. Zero values disable the feature.
type Options struct {
	DialTimeout time.Duration
	IdleTimeout time.Duration
	Health      HealthChecker
	Admission   Admission
	AccessLog   *middleware.AccessLogger
}

// Handler routes a connection by its local port to an app and proxies it
// to one of the app's targets.
type Handler struct {
	mu          sync.RWMutex
	upstreams   map[string][]string // app name -> targets
	portMapping map[int]string      // port -> app name

	opts Options
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewHandler(opts Options) *Handler {
	d := &net.Dialer{Timeout: opts.DialTimeout}
	return &Handler{
		upstreams:   make(map[string][]string),
		portMapping: make(map[int]string),
		opts:        opts,
		dial:        d.DialContext,
	}
}

// UpdateConfig swaps the routing tables. Connections already proxied keep
// their upstream.
func (h *Handler) UpdateConfig(upstreams map[string][]string, portMapping map[int]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.upstreams = upstreams
	h.portMapping = portMapping
}

// Route returns the app and its targets for a local port.
func (h *Handler) Route(port int) (string, []string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	app := h.portMapping[port]
	if app == "" {
		return "", nil, fmt.Errorf("%w %d", ErrNoApp, port)
	}
	targets := h.upstreams[app]
	if len(targets) == 0 {
		return app, nil, fmt.Errorf("app %q: %w", app, ErrNoUpstreams)
	}
	return app, append([]string(nil), targets...), nil
}

func (h *Handler) Handle(ctx context.Context, src net.Conn) {
	defer src.Close()

	start := time.Now()
	entry := &middleware.AccessLog{
		Timestamp:  start,
		ClientAddr: src.RemoteAddr().String(),
		LocalPort:  localPort(src),
	}
	defer func() {
		entry.DurationMs = time.Since(start).Milliseconds()
		h.opts.AccessLog.Log(entry)
	}()

	if h.opts.Admission != nil {
		if err := h.opts.Admission.CheckConnection(src.RemoteAddr()); err != nil {
			xlog.Debugf("Rejected %s: %v", src.RemoteAddr(), err)
			entry.Error = err.Error()
			return
		}
	}

	app, targets, err := h.Route(entry.LocalPort)
	if err != nil {
		if errors.Is(err, ErrNoApp) {
			middleware.RecordAdmissionReject("no_app")
		} else {
			middleware.RecordAdmissionReject("no_upstream")
		}
		xlog.Warnf("Dropping %s -> :%d: %v", src.RemoteAddr(), entry.LocalPort, err)
		entry.App = app
		entry.Error = err.Error()
		return
	}
	entry.App = app

	dst, upstream, err := h.pickUpstream(ctx, targets)
	if err != nil {
		middleware.RecordAdmissionReject("no_upstream")
		xlog.Warnf("App %s: %v", app, err)
		entry.Error = err.Error()
		return
	}
	defer dst.Close()
	entry.Upstream = upstream

	middleware.IncActiveConnections(app)
	defer middleware.DecActiveConnections(app)

	xlog.Debugf("Proxying %s -> :%d -> %s (%s)", src.RemoteAddr(), entry.LocalPort, upstream, app)
	in, out, err := CopyBidirectional(ctx, src, dst, h.opts.IdleTimeout)
	entry.BytesIn, entry.BytesOut = in, out
	if !isNormalTermination(err) {
		xlog.Debugf("Copy %s <-> %s ended: %v", src.RemoteAddr(), upstream, err)
		entry.Error = err.Error()
	}
	middleware.RecordConnection(app, time.Since(start).Seconds(), in, out)
}

// pickUpstream tries healthy targets in random order, then the rest.
func (h *Handler) pickUpstream(ctx context.Context, targets []string) (net.Conn, string, error) {
	var err error
	for _, target := range h.candidates(targets) {
		conn, dialErr := h.dial(ctx, "tcp", target)
		middleware.RecordUpstreamDial(target, dialErr)
		if dialErr == nil {
			return conn, target, nil
		}
		xlog.Debugf("Dial upstream %s failed: %v", target, dialErr)
		err = dialErr
	}
	return nil, "", fmt.Errorf("%w reachable (last error: %v)", ErrNoUpstreams, err)
}

func (h *Handler) candidates(targets []string) []string {
	shuffled := append([]string(nil), targets...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	if h.opts.Health == nil {
		return shuffled
	}

	healthy := make([]string, 0, len(shuffled))
	var unhealthy []string
	for _, t := range shuffled {
		if h.opts.Health.IsHealthy(t) {
			healthy = append(healthy, t)
		} else {
			unhealthy = append(unhealthy, t)
		}
	}
	return append(healthy, unhealthy...)
}

func localPort(c net.Conn) int {
	if addr, ok := c.LocalAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	_, port, err := net.SplitHostPort(c.LocalAddr().String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}
