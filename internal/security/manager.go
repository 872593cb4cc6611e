package security

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/yl2chen/cidranger"
	"golang.org/x/time/rate"

	"github.com/SkynetNext/port-dispatcher/internal/config"
	"github.com/SkynetNext/port-dispatcher/internal/middleware"
	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrBlockedIP   = errors.New("blocked IP")
)

// Manager admits or refuses proxied connections right after accept.
type Manager struct {
	stateMu sync.RWMutex
	blocked cidranger.Ranger
	limiter *rate.Limiter
}

func NewManager(cfg *config.SecurityConfig) *Manager {
	m := &Manager{}
	if cfg == nil {
		return m
	}
	if cfg.RateLimit.Enabled {
		m.UpdateRateLimit(cfg.RateLimit.ConnectionsPerSecond, cfg.RateLimit.Burst)
	}
	if len(cfg.BlockedIPs) > 0 {
		m.UpdateBlockedIPs(cfg.BlockedIPs)
	}
	return m
}

// CheckConnection performs per-connection checks before any upstream is
// dialed.
func (m *Manager) CheckConnection(addr net.Addr) error {
	if addr == nil {
		return nil
	}

	if ip, ok := extractIP(addr.String()); ok && m.isBlockedIP(ip) {
		middleware.RecordAdmissionReject("blocked_ip")
		return fmt.Errorf("%w: %s", ErrBlockedIP, ip)
	}

	limiter := m.getLimiter()
	if limiter != nil && !limiter.Allow() {
		middleware.RecordAdmissionReject("rate_limit")
		return ErrRateLimited
	}

	return nil
}

func (m *Manager) getLimiter() *rate.Limiter {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.limiter
}

func (m *Manager) isBlockedIP(ip net.IP) bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	if m.blocked == nil {
		return false
	}
	contains, err := m.blocked.Contains(ip)
	if err != nil {
		xlog.Debugf("Blocked IP lookup for %s failed: %v", ip, err)
		return false
	}
	return contains
}

func extractIP(addr string) (net.IP, bool) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, false
	}
	if v4 := ip.To4(); v4 != nil {
		return v4, true
	}
	return ip, true
}

// UpdateRateLimit updates rate limiter configuration at runtime
func (m *Manager) UpdateRateLimit(cps float64, burst int) {
	if cps <= 0 || burst <= 0 {
		m.DisableRateLimit()
		return
	}
	m.stateMu.Lock()
	m.limiter = rate.NewLimiter(rate.Limit(cps), burst)
	m.stateMu.Unlock()
	xlog.Infof("Connection rate limiter updated: cps=%.2f, burst=%d", cps, burst)
}

// DisableRateLimit disables rate limiting
func (m *Manager) DisableRateLimit() {
	m.stateMu.Lock()
	m.limiter = nil
	m.stateMu.Unlock()
	xlog.Infof("Connection rate limiting disabled")
}

// UpdateBlockedIPs replaces the block list. Entries are addresses or CIDR
// prefixes; invalid entries are skipped.
func (m *Manager) UpdateBlockedIPs(entries []string) {
	ranger := cidranger.NewPCTrieRanger()
	var addrs, nets int
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		network, err := parseBlockedEntry(entry)
		if err != nil {
			xlog.Warnf("Invalid blocked entry %q: %v", entry, err)
			continue
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			xlog.Warnf("Failed to add blocked entry %q: %v", entry, err)
			continue
		}
		if strings.Contains(entry, "/") {
			nets++
		} else {
			addrs++
		}
	}

	m.stateMu.Lock()
	m.blocked = ranger
	m.stateMu.Unlock()
	xlog.Infof("Blocked IPs updated: addresses=%d, prefixes=%d", addrs, nets)
}

// parseBlockedEntry turns an address into a host network, or parses a CIDR.
func parseBlockedEntry(entry string) (*net.IPNet, error) {
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		return network, err
	}
	ip, ok := extractIP(entry)
	if !ok {
		return nil, errors.New("not an IP address")
	}
	bits := 8 * len(ip)
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
