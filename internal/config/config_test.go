package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, ModeAuto, cfg.Dispatch.Mode)
	assert.Empty(t, cfg.Dispatch.NetnsPath)
	assert.Equal(t, "127.0.0.1:4444", cfg.Proxy.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Proxy.DialTimeout)
	assert.Equal(t, "./config.json", cfg.Apps.File)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "dispatcher:", cfg.Redis.KeyPrefix)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DISPATCH_MODE", "NATIVE")
	t.Setenv("DISPATCH_NETNS", "/var/run/netns/edge")
	t.Setenv("PROXY_LISTEN_ADDR", "127.0.0.1:5555")
	t.Setenv("PROXY_IDLE_TIMEOUT", "90s")
	t.Setenv("RATE_LIMIT_ENABLED", "1")
	t.Setenv("RATE_LIMIT_CPS", "12.5")
	t.Setenv("RATE_LIMIT_BURST", "not-a-number")
	t.Setenv("BLOCKED_IPS", " 10.0.0.1, ,10.0.0.2 ")

	cfg := LoadConfig()

	assert.Equal(t, ModeNative, cfg.Dispatch.Mode)
	assert.Equal(t, "/var/run/netns/edge", cfg.Dispatch.NetnsPath)
	assert.Equal(t, "127.0.0.1:5555", cfg.Proxy.ListenAddr)
	assert.Equal(t, 90*time.Second, cfg.Proxy.IdleTimeout)
	assert.True(t, cfg.Security.RateLimit.Enabled)
	assert.Equal(t, 12.5, cfg.Security.RateLimit.ConnectionsPerSecond)
	assert.Equal(t, 2000, cfg.Security.RateLimit.Burst, "unparsable value keeps the default")
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Security.BlockedIPs)
}

func TestConfigValidate(t *testing.T) {
	cfg := LoadConfig()
	cfg.Dispatch.Mode = "iptables"
	assert.Error(t, cfg.Validate())

	cfg = LoadConfig()
	cfg.Proxy.ListenAddr = ""
	assert.Error(t, cfg.Validate())

	cfg = LoadConfig()
	cfg.Apps.File = ""
	assert.Error(t, cfg.Validate())
	cfg.Redis.Enabled = true
	assert.NoError(t, cfg.Validate())
}
