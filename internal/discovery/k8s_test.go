package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualifyTarget(t *testing.T) {
	k := &K8sServiceDiscovery{namespace: "edge"}

	tests := []struct {
		in, want string
	}{
		{"backend:8080", "backend.edge.svc.cluster.local:8080"},
		{"backend.other.svc.cluster.local:80", "backend.other.svc.cluster.local:80"},
		{"10.0.0.2:80", "10.0.0.2:80"},
		{"[fd00::1]:80", "[fd00::1]:80"},
		{"localhost:80", "localhost:80"},
		{"no-port", "no-port"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, k.QualifyTarget(tt.in))
		})
	}
}

func TestNilDiscoveryLeavesTargets(t *testing.T) {
	var k *K8sServiceDiscovery
	assert.Equal(t, "backend:80", k.QualifyTarget("backend:80"))

	in := map[string][]string{"web": {"backend:80"}}
	assert.Equal(t, in, k.QualifyUpstreams(in))
	assert.Empty(t, k.Namespace())
}

func TestNewK8sServiceDiscoveryFromEnv(t *testing.T) {
	t.Setenv("POD_NAMESPACE", "prod")
	k := NewK8sServiceDiscovery()
	require.NotNil(t, k)
	assert.Equal(t, "prod", k.Namespace())

	got := k.QualifyUpstreams(map[string][]string{"web": {"api:80", "10.1.1.1:80"}})
	assert.Equal(t, []string{"api.prod.svc.cluster.local:80", "10.1.1.1:80"}, got["web"])
}
