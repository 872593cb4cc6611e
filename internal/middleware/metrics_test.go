package middleware

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordPortOperation(t *testing.T) {
	before := testutil.ToFloat64(PortOperationsTotal.WithLabelValues("register", "error"))
	RecordPortOperation("register", assert.AnError)
	assert.Equal(t, before+1, testutil.ToFloat64(PortOperationsTotal.WithLabelValues("register", "error")))
}

func TestConnectionGauges(t *testing.T) {
	IncActiveConnections("metrics-test")
	IncActiveConnections("metrics-test")
	DecActiveConnections("metrics-test")
	assert.Equal(t, 1.0, testutil.ToFloat64(ActiveConnections.WithLabelValues("metrics-test")))
	assert.Equal(t, 2.0, testutil.ToFloat64(ConnectionsTotal.WithLabelValues("metrics-test")))

	RecordConnection("metrics-test", 0.5, 10, 20)
	assert.Equal(t, 10.0, testutil.ToFloat64(BytesTotal.WithLabelValues("metrics-test", "in")))
	assert.Equal(t, 20.0, testutil.ToFloat64(BytesTotal.WithLabelValues("metrics-test", "out")))
}

func TestGaugeSetters(t *testing.T) {
	SetProxySocketRegistered(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(ProxySocketRegistered))
	SetProxySocketRegistered(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(ProxySocketRegistered))

	SetRegisteredPorts("ebpf", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(RegisteredPorts.WithLabelValues("ebpf")))

	SetUpstreamHealth("10.9.9.9:80", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(UpstreamHealth.WithLabelValues("10.9.9.9:80")))
}
