package security

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SkynetNext/port-dispatcher/internal/config"
)

func tcpAddr(s string) net.Addr {
	addr, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		panic(err)
	}
	return addr
}

func TestCheckConnectionAllowsByDefault(t *testing.T) {
	m := NewManager(nil)
	assert.NoError(t, m.CheckConnection(tcpAddr("10.0.0.1:5555")))
	assert.NoError(t, m.CheckConnection(nil))
}

func TestCheckConnectionBlockedIPs(t *testing.T) {
	m := NewManager(&config.SecurityConfig{
		BlockedIPs: []string{"192.0.2.7", "198.51.100.0/24", "not-an-ip"},
	})

	tests := []struct {
		addr    string
		blocked bool
	}{
		{"192.0.2.7:1234", true},
		{"192.0.2.8:1234", false},
		{"198.51.100.42:80", true},
		{"[::ffff:192.0.2.7]:1234", true},
		{"203.0.113.1:9", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			err := m.CheckConnection(tcpAddr(tt.addr))
			if tt.blocked {
				assert.ErrorIs(t, err, ErrBlockedIP)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckConnectionRateLimit(t *testing.T) {
	m := NewManager(&config.SecurityConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, ConnectionsPerSecond: 0.001, Burst: 2},
	})
	addr := tcpAddr("10.0.0.1:5555")

	assert.NoError(t, m.CheckConnection(addr))
	assert.NoError(t, m.CheckConnection(addr))
	assert.ErrorIs(t, m.CheckConnection(addr), ErrRateLimited)

	m.DisableRateLimit()
	assert.NoError(t, m.CheckConnection(addr))
}

func TestUpdateRateLimitInvalidDisables(t *testing.T) {
	m := NewManager(nil)
	m.UpdateRateLimit(10, 1)
	assert.NotNil(t, m.getLimiter())
	m.UpdateRateLimit(0, 0)
	assert.Nil(t, m.getLimiter())
}

func TestUpdateBlockedIPsReplacesRanger(t *testing.T) {
	m := NewManager(nil)
	m.UpdateBlockedIPs([]string{"10.1.0.0/16", "2001:db8::/32", " 172.16.0.9 "})

	assert.ErrorIs(t, m.CheckConnection(tcpAddr("10.1.200.3:443")), ErrBlockedIP)
	assert.ErrorIs(t, m.CheckConnection(tcpAddr("[2001:db8::1]:443")), ErrBlockedIP)
	assert.ErrorIs(t, m.CheckConnection(tcpAddr("172.16.0.9:22")), ErrBlockedIP)
	assert.NoError(t, m.CheckConnection(tcpAddr("10.2.0.1:443")))
	assert.NoError(t, m.CheckConnection(tcpAddr("[2001:db9::1]:443")))

	m.UpdateBlockedIPs(nil)
	assert.NoError(t, m.CheckConnection(tcpAddr("10.1.200.3:443")))
}
