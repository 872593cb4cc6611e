package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================================================
	// Dispatch (control plane) Metrics
	// ============================================================================

	// RegisteredPorts: Ports currently intercepted (Gauge)
	// Labels: mode (ebpf, native)
	RegisteredPorts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_registered_ports",
			Help: "Number of ports currently intercepted",
		},
		[]string{"mode"},
	)

	// PortOperationsTotal: Port register/unregister calls (Counter)
	// Labels: op (register, unregister), result (success, error)
	PortOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_port_operations_total",
			Help: "Total port register/unregister operations",
		},
		[]string{"op", "result"},
	)

	// ProxySocketRegistered: 1 while the proxy socket is in the socket table (Gauge)
	ProxySocketRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_proxy_socket_registered",
			Help: "Whether the proxy socket is registered for sk_lookup dispatch (1=yes, 0=no)",
		},
	)

	// ReconcilesTotal: App set reconciliations (Counter)
	// Labels: source (file, redis, admin), result (success, error)
	ReconcilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_reconciles_total",
			Help: "Total app set reconciliations",
		},
		[]string{"source", "result"},
	)

	// ============================================================================
	// Proxy Connection Metrics
	// ============================================================================

	// ConnectionsTotal: Total connections accepted (Counter)
	// Labels: app
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_connections_total",
			Help: "Total number of proxied connections accepted",
		},
		[]string{"app"},
	)

	// ActiveConnections: Current active connections (Gauge)
	// Labels: app
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_active_connections",
			Help: "Current number of active proxied connections",
		},
		[]string{"app"},
	)

	// ConnectionDuration: Connection lifetime (Histogram)
	// Labels: app
	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_connection_duration_seconds",
			Help:    "Proxied connection lifetime in seconds",
			Buckets: []float64{0.01, 0.1, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"app"},
	)

	// BytesTotal: Bytes copied (Counter)
	// Labels: app, direction (in/out)
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_bytes_total",
			Help: "Total bytes copied between clients and upstreams",
		},
		[]string{"app", "direction"},
	)

	// ============================================================================
	// Upstream/Backend Metrics
	// ============================================================================

	// UpstreamDialsTotal: Dials to upstream targets (Counter)
	// Labels: upstream, result (success, error)
	UpstreamDialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_upstream_dials_total",
			Help: "Total dial attempts to upstream targets",
		},
		[]string{"upstream", "result"},
	)

	// UpstreamHealth: Upstream health status (Gauge, 1=healthy, 0=unhealthy)
	// Labels: upstream
	UpstreamHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_upstream_health",
			Help: "Upstream health status (1=healthy, 0=unhealthy)",
		},
		[]string{"upstream"},
	)

	// ============================================================================
	// Admission Metrics
	// ============================================================================

	// AdmissionRejectsTotal: Connections refused after accept (Counter)
	// Labels: reason (rate_limit, blocked_ip, no_app, no_upstream)
	AdmissionRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_admission_rejects_total",
			Help: "Total connections rejected by the proxy",
		},
		[]string{"reason"},
	)

	// AdminRequestsTotal: Admin API requests (Counter)
	// Labels: path, code
	AdminRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_admin_requests_total",
			Help: "Total admin API requests",
		},
		[]string{"path", "code"},
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordPortOperation records a register/unregister call
func RecordPortOperation(op string, err error) {
	PortOperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

// SetRegisteredPorts sets the intercepted port count for mode
func SetRegisteredPorts(mode string, n int) {
	RegisteredPorts.WithLabelValues(mode).Set(float64(n))
}

// SetProxySocketRegistered flags whether the socket table is populated
func SetProxySocketRegistered(registered bool) {
	v := 0.0
	if registered {
		v = 1.0
	}
	ProxySocketRegistered.Set(v)
}

// RecordReconcile records one reconciliation pass
func RecordReconcile(source string, err error) {
	ReconcilesTotal.WithLabelValues(source, resultLabel(err)).Inc()
}

func IncActiveConnections(app string) {
	ActiveConnections.WithLabelValues(app).Inc()
	ConnectionsTotal.WithLabelValues(app).Inc()
}

func DecActiveConnections(app string) {
	ActiveConnections.WithLabelValues(app).Dec()
}

// RecordConnection records lifetime and bytes of a finished connection
func RecordConnection(app string, durationSeconds float64, bytesIn, bytesOut int64) {
	ConnectionDuration.WithLabelValues(app).Observe(durationSeconds)
	BytesTotal.WithLabelValues(app, "in").Add(float64(bytesIn))
	BytesTotal.WithLabelValues(app, "out").Add(float64(bytesOut))
}

// RecordUpstreamDial records one dial attempt
func RecordUpstreamDial(upstream string, err error) {
	UpstreamDialsTotal.WithLabelValues(upstream, resultLabel(err)).Inc()
}

// SetUpstreamHealth sets upstream health status
func SetUpstreamHealth(upstream string, healthy bool) {
	health := 0.0
	if healthy {
		health = 1.0
	}
	UpstreamHealth.WithLabelValues(upstream).Set(health)
}

// RecordAdmissionReject records a connection refused by the proxy
func RecordAdmissionReject(reason string) {
	AdmissionRejectsTotal.WithLabelValues(reason).Inc()
}
