package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/SkynetNext/port-dispatcher/internal/api"
	"github.com/SkynetNext/port-dispatcher/internal/config"
	"github.com/SkynetNext/port-dispatcher/internal/discovery"
	"github.com/SkynetNext/port-dispatcher/internal/healthcheck"
	"github.com/SkynetNext/port-dispatcher/internal/listener"
	"github.com/SkynetNext/port-dispatcher/internal/middleware"
	"github.com/SkynetNext/port-dispatcher/internal/observability"
	"github.com/SkynetNext/port-dispatcher/internal/protocol/tcp"
	"github.com/SkynetNext/port-dispatcher/internal/security"
	"github.com/SkynetNext/port-dispatcher/pkg/ebpf"
	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

// Config sources, also used as metric labels.
const (
	SourceFile  = "file"
	SourceRedis = "redis"
	SourceAdmin = "admin"
)

type Server struct {
	cfg        *config.Config
	listener   listener.Interface
	handler    *tcp.Handler
	health     *healthcheck.UpstreamHealthChecker
	security   *security.Manager
	discovery  *discovery.K8sServiceDiscovery
	redisStore *config.RedisStore
	accessLog  *middleware.AccessLogger
	logCloser  io.Closer

	// mu serializes reconciliation and admin port changes
	mu     sync.Mutex
	apps   *config.AppSet
	pinned map[int]struct{}

	draining atomic.Bool
}

// NewServer builds the proxy and picks the listener mode. store may be nil.
func NewServer(cfg *config.Config, store *config.RedisStore) (*Server, error) {
	s := newServer(cfg, store)
	l, err := newListener(cfg, s.handler.Handle)
	if err != nil {
		s.closeSupport()
		return nil, err
	}
	s.listener = l
	xlog.Infof("Dispatch mode: %s", l.Mode())
	return s, nil
}

// newServer wires everything except the listener.
func newServer(cfg *config.Config, store *config.RedisStore) *Server {
	s := &Server{
		cfg:        cfg,
		security:   security.NewManager(&cfg.Security),
		health:     healthcheck.NewUpstreamHealthChecker(cfg.Proxy.HealthInterval, cfg.Proxy.DialTimeout),
		discovery:  discovery.NewK8sServiceDiscovery(),
		redisStore: store,
		pinned:     make(map[int]struct{}),
	}

	sink, closer := openAccessLogSink(cfg.Proxy.AccessLog)
	if sink != nil {
		s.accessLog = middleware.NewAccessLogger(sink, 1024)
		s.logCloser = closer
	}

	s.handler = tcp.NewHandler(tcp.Options{
		DialTimeout: cfg.Proxy.DialTimeout,
		IdleTimeout: cfg.Proxy.IdleTimeout,
		Health:      s.health,
		Admission:   s.security,
		AccessLog:   s.accessLog,
	})
	return s
}

// Run serves until ctx is canceled, then drains and returns.
func (s *Server) Run(ctx context.Context) error {
	// Connection handlers outlive ctx until the drain timeout.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	if err := s.listener.Listen(connCtx); err != nil {
		if cerr := s.listener.Close(); cerr != nil {
			xlog.Warnf("Failed to close %s listener: %v", s.listener.Mode(), cerr)
		}
		s.closeSupport()
		return fmt.Errorf("starting %s listener: %w", s.listener.Mode(), err)
	}

	s.loadInitial(ctx)
	s.health.Start()

	g, gctx := errgroup.WithContext(ctx)

	var httpServer *http.Server
	if s.cfg.Metrics.Enabled {
		httpServer = &http.Server{
			Addr:              s.cfg.Metrics.ListenAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			xlog.Infof("Metrics server listening on %s", s.cfg.Metrics.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if s.redisStore != nil {
		g.Go(func() error {
			s.consumeRedisUpdates(gctx)
			return nil
		})
	} else if s.cfg.Apps.File != "" {
		watcher := config.NewFileWatcher(s.cfg.Apps.File, s.cfg.Apps.PollInterval, func(set *config.AppSet) {
			if err := s.Reconcile(gctx, set, SourceFile); err != nil {
				xlog.Errorf("Apps file reconcile: %v", err)
			}
		})
		watcher.Prime()
		watcher.Start()
		g.Go(func() error {
			<-gctx.Done()
			watcher.Stop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		err := s.GracefulShutdown(cancelConns)
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = multierr.Append(err, httpServer.Shutdown(shutdownCtx))
		}
		return err
	})

	return g.Wait()
}

// loadInitial applies the first app set. Redis is authoritative when
// enabled; the apps file is the fallback.
func (s *Server) loadInitial(ctx context.Context) {
	if s.redisStore != nil {
		set, err := s.redisStore.LoadApps(ctx)
		if err == nil {
			if err := s.Reconcile(ctx, set, SourceRedis); err != nil {
				xlog.Errorf("Initial reconcile from Redis: %v", err)
			}
			return
		}
		xlog.Warnf("Failed to load apps from Redis: %v (trying apps file)", err)
	}

	if s.cfg.Apps.File == "" {
		return
	}
	set, err := config.LoadAppsFile(s.cfg.Apps.File)
	if err != nil {
		xlog.Errorf("Failed to load apps file: %v (starting with no ports)", err)
		return
	}
	if err := s.Reconcile(ctx, set, SourceFile); err != nil {
		xlog.Errorf("Initial reconcile from apps file: %v", err)
	}
}

func (s *Server) consumeRedisUpdates(ctx context.Context) {
	updates := s.redisStore.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			xlog.Infof("Reloading apps from Redis (type=%s)", update.Type)
			set, err := s.redisStore.LoadApps(ctx)
			if err != nil {
				middleware.RecordReconcile(SourceRedis, err)
				xlog.Warnf("Failed to reload apps from Redis: %v", err)
				continue
			}
			if err := s.Reconcile(ctx, set, SourceRedis); err != nil {
				xlog.Errorf("Redis reconcile: %v", err)
			}
		}
	}
}

// Reconcile makes the listener and router match set. Ports pinned through
// the admin API stay registered. A set that cannot fit in the destinations
// map is rejected whole and the previous state kept.
func (s *Server) Reconcile(ctx context.Context, set *config.AppSet, source string) (err error) {
	ctx, span := observability.StartSpan(ctx, "dispatcher.reconcile", attribute.String("source", source))
	defer func() {
		middleware.RecordReconcile(source, err)
		observability.EndSpan(span, err)
	}()

	if err := set.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	desired := s.desiredPortsLocked(set)
	if err := s.checkCapacityLocked(len(desired)); err != nil {
		return err
	}

	existing := make(map[int]struct{})
	for _, p := range s.listener.Ports() {
		existing[p] = struct{}{}
	}
	var toAdd, toRemove []int
	for p := range desired {
		if _, ok := existing[p]; !ok {
			toAdd = append(toAdd, p)
		}
	}
	for p := range existing {
		if _, ok := desired[p]; !ok {
			toRemove = append(toRemove, p)
		}
	}
	sort.Ints(toAdd)
	sort.Ints(toRemove)
	span.SetAttributes(observability.PortsAttr(toAdd), attribute.IntSlice("dispatch.removed_ports", toRemove))

	// Routes first, so a newly intercepted port never lands on an empty table.
	upstreams := s.discovery.QualifyUpstreams(set.Upstreams())
	s.handler.UpdateConfig(upstreams, set.PortMapping())
	s.health.SetTargets(distinctTargets(upstreams))

	if len(toAdd) > 0 {
		err = multierr.Append(err, s.listener.AddPorts(toAdd...))
	}
	if len(toRemove) > 0 {
		err = multierr.Append(err, s.listener.RemovePorts(toRemove...))
	}
	s.apps = set

	xlog.Infof("Reconciled apps from %s: apps=%d, added=%v, removed=%v", source, len(set.Apps), toAdd, toRemove)
	return err
}

func (s *Server) desiredPortsLocked(set *config.AppSet) map[int]struct{} {
	desired := make(map[int]struct{})
	for _, p := range set.Ports() {
		desired[p] = struct{}{}
	}
	for p := range s.pinned {
		desired[p] = struct{}{}
	}
	return desired
}

// checkCapacityLocked enforces the destinations map size in ebpf mode.
func (s *Server) checkCapacityLocked(n int) error {
	if s.listener.Mode() == listener.ModeEBPF && n > ebpf.MaxDestinations {
		return fmt.Errorf("%d ports requested: %w", n, ebpf.ErrRegistryFull)
	}
	return nil
}

// PinPorts registers ports outside any app. They survive reconciles until
// unpinned.
func (s *Server) PinPorts(ctx context.Context, ports ...int) error {
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%w: %d", ebpf.ErrInvalidPort, p)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	desired := s.desiredPortsLocked(s.apps)
	for _, p := range ports {
		desired[p] = struct{}{}
	}
	if err := s.checkCapacityLocked(len(desired)); err != nil {
		return err
	}

	if err := s.listener.AddPorts(ports...); err != nil {
		return err
	}
	for _, p := range ports {
		s.pinned[p] = struct{}{}
	}
	return nil
}

// UnpinPorts drops pins and unregisters ports that no app still claims.
func (s *Server) UnpinPorts(ctx context.Context, ports ...int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := s.apps.PortMapping()
	var release []int
	for _, p := range ports {
		delete(s.pinned, p)
		if _, ok := owned[p]; !ok {
			release = append(release, p)
		}
	}
	if len(release) == 0 {
		return nil
	}
	return s.listener.RemovePorts(release...)
}

func (s *Server) Mode() string { return s.listener.Mode() }

func (s *Server) Ports() []int {
	ports := s.listener.Ports()
	sort.Ints(ports)
	return ports
}

// Explain simulates the lookup verdict for port; ebpf mode only.
func (s *Server) Explain(port int, protocol string) (ebpf.Verdict, error) {
	ex, ok := s.listener.(listener.Explainer)
	if !ok {
		return ebpf.VerdictDrop, api.ErrExplainUnsupported
	}
	return ex.Explain(port, protocol)
}

func (s *Server) Apps() *config.AppSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apps
}

func (s *Server) UpstreamStatus() []healthcheck.Status {
	return s.health.Snapshot()
}

// Handler serves metrics, probes and the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler) // K8s Readiness Probe

	admin := http.NewServeMux()
	api.NewAdminAPI(s.cfg, s, s.security).RegisterRoutes(admin)
	mux.Handle("/admin/", middleware.TracingMiddleware(admin))
	return mux
}

// GracefulShutdown handles the shutdown process. cancelConns is invoked
// when active connections outlive the shutdown timeout.
func (s *Server) GracefulShutdown(cancelConns context.CancelFunc) error {
	xlog.Infof("Entering Drain Mode...")

	// /ready now returns 503, prompting K8s to remove this pod from endpoints
	s.draining.Store(true)
	if d := s.cfg.Lifecycle.DrainDelay; d > 0 {
		xlog.Infof("Waiting %v for endpoints to deregister...", d)
		time.Sleep(d)
	}

	// Stop accepting. In ebpf mode this empties the socket table first, so
	// intercepted ports are refused rather than half-served.
	err := s.listener.Close()

	xlog.Infof("Waiting for active connections to drain (Timeout: %v)...", s.cfg.Lifecycle.ShutdownTimeout)
	drained := make(chan struct{})
	go func() {
		s.listener.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.cfg.Lifecycle.ShutdownTimeout):
		xlog.Warnf("Drain timeout reached, closing remaining connections")
		cancelConns()
		<-drained
	}

	s.closeSupport()
	xlog.Infof("Shutdown complete.")
	return err
}

// closeSupport stops everything the server owns besides the listener.
func (s *Server) closeSupport() {
	s.health.Stop()
	if s.redisStore != nil {
		if err := s.redisStore.Close(); err != nil {
			xlog.Warnf("Failed to close Redis store: %v", err)
		}
	}
	s.accessLog.Close()
	if s.logCloser != nil {
		s.logCloser.Close()
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler for K8s Readiness Probe
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		// In drain mode, return 503 to signal K8s to stop sending traffic
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	if s.redisStore != nil {
		if err := s.redisStore.CheckHealth(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Redis unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func distinctTargets(upstreams map[string][]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, targets := range upstreams {
		for _, t := range targets {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
