package healthcheck

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/SkynetNext/port-dispatcher/internal/middleware"
	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// UpstreamHealthChecker periodically dials app targets. Targets that have
// not been checked yet count as healthy so a fresh config is usable at once.
type UpstreamHealthChecker struct {
	tcpTimeout time.Duration
	interval   time.Duration
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	mu         sync.RWMutex
	targets    []string
	healthMap  map[string]bool // upstream -> healthy
	recheck    chan struct{}
}

// NewUpstreamHealthChecker creates a new health checker
func NewUpstreamHealthChecker(interval, timeout time.Duration) *UpstreamHealthChecker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var d net.Dialer
	return &UpstreamHealthChecker{
		tcpTimeout: timeout,
		interval:   interval,
		dial:       d.DialContext,
		stopChan:   make(chan struct{}),
		healthMap:  make(map[string]bool),
		recheck:    make(chan struct{}, 1),
	}
}

// SetTargets replaces the checked set and schedules an immediate check.
// Targets no longer configured are forgotten.
func (c *UpstreamHealthChecker) SetTargets(targets []string) {
	c.mu.Lock()
	c.targets = append([]string(nil), targets...)
	keep := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		keep[t] = struct{}{}
	}
	for t := range c.healthMap {
		if _, ok := keep[t]; !ok {
			delete(c.healthMap, t)
			middleware.UpstreamHealth.DeleteLabelValues(t)
		}
	}
	c.mu.Unlock()

	select {
	case c.recheck <- struct{}{}:
	default:
	}
}

// Start begins periodic health checking
func (c *UpstreamHealthChecker) Start() {
	c.wg.Add(1)
	go c.run()
	xlog.Infof("Upstream health checker started (interval: %v)", c.interval)
}

// Stop stops the health checker
func (c *UpstreamHealthChecker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
		xlog.Infof("Upstream health checker stopped")
	})
}

// IsHealthy returns the health status of an upstream
func (c *UpstreamHealthChecker) IsHealthy(upstream string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	healthy, known := c.healthMap[upstream]
	return !known || healthy
}

// Snapshot returns the known status of every target, sorted by address.
func (c *UpstreamHealthChecker) Snapshot() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, 0, len(c.targets))
	for _, t := range c.targets {
		healthy, known := c.healthMap[t]
		out = append(out, Status{Upstream: t, Healthy: !known || healthy, Checked: known})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Upstream < out[j].Upstream })
	return out
}

// Status is the health of one target.
type Status struct {
	Upstream string `json:"upstream"`
	Healthy  bool   `json:"healthy"`
	Checked  bool   `json:"checked"`
}

// run performs periodic health checks
func (c *UpstreamHealthChecker) run() {
	defer c.wg.Done()

	// Initial check
	c.CheckAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckAll()
		case <-c.recheck:
			c.CheckAll()
		case <-c.stopChan:
			return
		}
	}
}

// CheckAll dials every configured target concurrently.
func (c *UpstreamHealthChecker) CheckAll() {
	c.mu.RLock()
	targets := append([]string(nil), c.targets...)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			c.updateHealth(target, c.checkTCP(target))
		}(target)
	}
	wg.Wait()
}

// checkTCP checks TCP backend health
func (c *UpstreamHealthChecker) checkTCP(addr string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.tcpTimeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		xlog.Debugf("Health check: upstream %s is unhealthy: %v", addr, err)
		return false
	}
	conn.Close()
	return true
}

// updateHealth updates the health status and metrics
func (c *UpstreamHealthChecker) updateHealth(upstream string, healthy bool) {
	c.mu.Lock()
	stillConfigured := false
	for _, t := range c.targets {
		if t == upstream {
			stillConfigured = true
			break
		}
	}
	if !stillConfigured {
		c.mu.Unlock()
		return
	}
	oldHealthy, known := c.healthMap[upstream]
	c.healthMap[upstream] = healthy
	c.mu.Unlock()

	// Update Prometheus metric
	middleware.SetUpstreamHealth(upstream, healthy)

	// Log status changes
	if !known || oldHealthy != healthy {
		if healthy {
			xlog.Infof("Upstream %s is now healthy", upstream)
		} else {
			xlog.Warnf("Upstream %s is now unhealthy", upstream)
		}
	}
}
