package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Dispatch modes.
const (
	ModeAuto   = "auto"
	ModeEBPF   = "ebpf"
	ModeNative = "native"
)

// Config holds all dispatcher configuration
type Config struct {
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Apps      AppsConfig      `yaml:"apps"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Security  SecurityConfig  `yaml:"security"`
	Redis     RedisConfig     `yaml:"redis"`
}

type DispatchConfig struct {
	// auto, ebpf or native
	Mode string `yaml:"mode" env:"DISPATCH_MODE"`
	// Network namespace to attach to; empty means the current one
	NetnsPath string `yaml:"netns_path" env:"DISPATCH_NETNS"`
}

type ProxyConfig struct {
	// Single listener that receives all intercepted ports in ebpf mode
	ListenAddr  string        `yaml:"listen_addr" env:"PROXY_LISTEN_ADDR"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"PROXY_DIAL_TIMEOUT"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"PROXY_IDLE_TIMEOUT"`
	// Bind host for native mode listeners; empty means all interfaces
	NativeHost string `yaml:"native_host" env:"PROXY_NATIVE_HOST"`
	// stdout, stderr, file:///path or empty to disable
	AccessLog string `yaml:"access_log" env:"ACCESS_LOG"`
	// Upstream health check period
	HealthInterval time.Duration `yaml:"health_interval" env:"HEALTH_CHECK_INTERVAL"`
}

type AppsConfig struct {
	File         string        `yaml:"file" env:"APPS_FILE"`
	PollInterval time.Duration `yaml:"poll_interval" env:"APPS_POLL_INTERVAL"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	ListenAddr string `yaml:"listen_addr" env:"METRICS_LISTEN_ADDR"`
}

type TracingConfig struct {
	ServiceName    string `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	JaegerEndpoint string `yaml:"jaeger_endpoint" env:"JAEGER_ENDPOINT"`
}

type LifecycleConfig struct {
	// Time /ready reports draining before listeners close
	DrainDelay      time.Duration `yaml:"drain_delay" env:"DRAIN_DELAY"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type SecurityConfig struct {
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	BlockedIPs []string        `yaml:"blocked_ips" env:"BLOCKED_IPS"`
}

type RateLimitConfig struct {
	Enabled              bool    `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	ConnectionsPerSecond float64 `yaml:"connections_per_second" env:"RATE_LIMIT_CPS"`
	Burst                int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"REDIS_ENABLED"`
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			Mode:      strings.ToLower(getEnv("DISPATCH_MODE", ModeAuto)),
			NetnsPath: getEnv("DISPATCH_NETNS", ""),
		},
		Proxy: ProxyConfig{
			ListenAddr:     getEnv("PROXY_LISTEN_ADDR", "127.0.0.1:4444"),
			DialTimeout:    getEnvDuration("PROXY_DIAL_TIMEOUT", 5*time.Second),
			IdleTimeout:    getEnvDuration("PROXY_IDLE_TIMEOUT", 5*time.Minute),
			NativeHost:     getEnv("PROXY_NATIVE_HOST", ""),
			AccessLog:      getEnv("ACCESS_LOG", ""),
			HealthInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Apps: AppsConfig{
			File:         getEnv("APPS_FILE", "./config.json"),
			PollInterval: getEnvDuration("APPS_POLL_INTERVAL", 5*time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:    getEnvBool("METRICS_ENABLED", true),
			ListenAddr: getEnv("METRICS_LISTEN_ADDR", ":9090"),
		},
		Tracing: TracingConfig{
			ServiceName:    getEnv("TRACING_SERVICE_NAME", "port-dispatcher"),
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
		},
		Lifecycle: LifecycleConfig{
			DrainDelay:      getEnvDuration("DRAIN_DELAY", 5*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:              getEnvBool("RATE_LIMIT_ENABLED", false),
				ConnectionsPerSecond: getEnvFloat("RATE_LIMIT_CPS", 1000),
				Burst:                getEnvInt("RATE_LIMIT_BURST", 2000),
			},
			BlockedIPs: getEnvSlice("BLOCKED_IPS"),
		},
		Redis: RedisConfig{
			Enabled:   getEnvBool("REDIS_ENABLED", false),
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "dispatcher:"),
		},
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Dispatch.Mode {
	case ModeAuto, ModeEBPF, ModeNative:
	default:
		return fmt.Errorf("invalid dispatch mode %q (want auto, ebpf or native)", c.Dispatch.Mode)
	}
	if c.Proxy.ListenAddr == "" {
		return fmt.Errorf("proxy listen address must not be empty")
	}
	if c.Apps.File == "" && !c.Redis.Enabled {
		return fmt.Errorf("no app source configured (set APPS_FILE or REDIS_ENABLED)")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var result int
		if _, err := fmt.Sscanf(v, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		var result float64
		if _, err := fmt.Sscanf(v, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvSlice(key string) []string {
	if v := os.Getenv(key); v != "" {
		return splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
