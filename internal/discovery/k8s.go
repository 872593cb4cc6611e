package discovery

import (
	"net"
	"net/netip"
	"os"
	"strings"
)

const serviceAccountNamespace = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// K8sServiceDiscovery qualifies short Kubernetes service names in app
// targets, so "backend:8080" dials backend.<ns>.svc.cluster.local:8080.
type K8sServiceDiscovery struct {
	namespace string
}

// NewK8sServiceDiscovery reads the pod namespace from the downward API or the
// service account. Outside a cluster it returns nil, and a nil discovery
// leaves targets untouched.
func NewK8sServiceDiscovery() *K8sServiceDiscovery {
	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		data, err := os.ReadFile(serviceAccountNamespace)
		if err != nil {
			return nil
		}
		namespace = strings.TrimSpace(string(data))
	}
	if namespace == "" {
		return nil
	}
	return &K8sServiceDiscovery{namespace: namespace}
}

// Namespace returns the namespace short names are qualified with.
func (k *K8sServiceDiscovery) Namespace() string {
	if k == nil {
		return ""
	}
	return k.namespace
}

// QualifyTarget rewrites host:port when host is a bare service name.
// Addresses, FQDNs and "localhost" are returned as-is.
func (k *K8sServiceDiscovery) QualifyTarget(target string) string {
	if k == nil {
		return target
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil || host == "" || host == "localhost" || strings.Contains(host, ".") {
		return target
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return target
	}
	return net.JoinHostPort(host+"."+k.namespace+".svc.cluster.local", port)
}

// QualifyUpstreams applies QualifyTarget to every app's targets.
func (k *K8sServiceDiscovery) QualifyUpstreams(upstreams map[string][]string) map[string][]string {
	if k == nil {
		return upstreams
	}
	out := make(map[string][]string, len(upstreams))
	for app, targets := range upstreams {
		qualified := make([]string, len(targets))
		for i, t := range targets {
			qualified[i] = k.QualifyTarget(t)
		}
		out[app] = qualified
	}
	return out
}

// GetPodName returns the current Pod name (from K8s downward API)
func GetPodName() string {
	return os.Getenv("POD_NAME")
}
