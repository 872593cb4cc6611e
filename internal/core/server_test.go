package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/port-dispatcher/internal/api"
	"github.com/SkynetNext/port-dispatcher/internal/config"
	"github.com/SkynetNext/port-dispatcher/internal/listener"
	"github.com/SkynetNext/port-dispatcher/pkg/ebpf"
)

type fakeListener struct {
	mu        sync.Mutex
	mode      string
	ports     map[int]struct{}
	listenErr error
	closed    bool
}

func newFakeListener(mode string) *fakeListener {
	return &fakeListener{mode: mode, ports: make(map[int]struct{})}
}

func (f *fakeListener) Listen(context.Context) error { return f.listenErr }
func (f *fakeListener) Mode() string                 { return f.mode }
func (f *fakeListener) Wait()                        {}

func (f *fakeListener) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeListener) AddPorts(ports ...int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range ports {
		f.ports[p] = struct{}{}
	}
	return nil
}

func (f *fakeListener) RemovePorts(ports ...int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range ports {
		delete(f.ports, p)
	}
	return nil
}

func (f *fakeListener) Ports() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.ports))
	for p := range f.ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

type explainingListener struct {
	*fakeListener
}

func (e explainingListener) Explain(port int, protocol string) (ebpf.Verdict, error) {
	if _, ok := e.ports[port]; ok {
		return ebpf.VerdictRedirect, nil
	}
	return ebpf.VerdictPass, nil
}

func testConfig() *config.Config {
	cfg := config.LoadConfig()
	cfg.Apps.File = ""
	cfg.Metrics.Enabled = false
	cfg.Lifecycle.DrainDelay = 0
	cfg.Lifecycle.ShutdownTimeout = time.Second
	cfg.Proxy.HealthInterval = time.Hour
	return cfg
}

func testServer(t *testing.T, l listener.Interface) *Server {
	t.Helper()
	s := newServer(testConfig(), nil)
	s.listener = l
	t.Cleanup(s.closeSupport)
	return s
}

func appSet(apps ...config.App) *config.AppSet {
	return &config.AppSet{Apps: apps}
}

func TestReconcileDiffsPorts(t *testing.T) {
	l := newFakeListener(listener.ModeEBPF)
	s := testServer(t, l)
	ctx := context.Background()

	require.NoError(t, s.Reconcile(ctx, appSet(
		config.App{Name: "web", Ports: []int{80, 443}, Targets: []string{"10.0.0.2:8080"}},
		config.App{Name: "ssh", Ports: []int{22}, Targets: []string{"10.0.0.3:22"}},
	), SourceFile))
	assert.Equal(t, []int{22, 80, 443}, s.Ports())

	app, targets, err := s.handler.Route(443)
	require.NoError(t, err)
	assert.Equal(t, "web", app)
	assert.Equal(t, []string{"10.0.0.2:8080"}, targets)

	require.NoError(t, s.Reconcile(ctx, appSet(
		config.App{Name: "web", Ports: []int{80, 8443}, Targets: []string{"10.0.0.2:8080"}},
	), SourceRedis))
	assert.Equal(t, []int{80, 8443}, s.Ports())

	_, _, err = s.handler.Route(22)
	assert.Error(t, err)
	assert.Len(t, s.Apps().Apps, 1)
}

func TestReconcileRejectsOverCapacity(t *testing.T) {
	l := newFakeListener(listener.ModeEBPF)
	s := testServer(t, l)
	ctx := context.Background()

	require.NoError(t, s.Reconcile(ctx, appSet(config.App{Name: "web", Ports: []int{80}}), SourceFile))

	ports := make([]int, ebpf.MaxDestinations+1)
	for i := range ports {
		ports[i] = 10000 + i
	}
	err := s.Reconcile(ctx, appSet(config.App{Name: "bulk", Ports: ports}), SourceFile)
	assert.ErrorIs(t, err, ebpf.ErrRegistryFull)
	assert.Equal(t, []int{80}, s.Ports(), "previous state kept")
}

func TestReconcileNativeModeHasNoCap(t *testing.T) {
	l := newFakeListener(listener.ModeNative)
	s := testServer(t, l)

	ports := make([]int, ebpf.MaxDestinations+1)
	for i := range ports {
		ports[i] = 10000 + i
	}
	require.NoError(t, s.Reconcile(context.Background(), appSet(config.App{Name: "bulk", Ports: ports}), SourceFile))
	assert.Len(t, s.Ports(), ebpf.MaxDestinations+1)
}

func TestReconcileInvalidSet(t *testing.T) {
	s := testServer(t, newFakeListener(listener.ModeEBPF))
	assert.ErrorIs(t, s.Reconcile(context.Background(), appSet(), SourceFile), config.ErrNoApps)
}

func TestPinnedPortsSurviveReconcile(t *testing.T) {
	l := newFakeListener(listener.ModeEBPF)
	s := testServer(t, l)
	ctx := context.Background()

	require.NoError(t, s.Reconcile(ctx, appSet(config.App{Name: "web", Ports: []int{80}}), SourceFile))
	require.NoError(t, s.PinPorts(ctx, 9000))
	assert.Equal(t, []int{80, 9000}, s.Ports())

	require.NoError(t, s.Reconcile(ctx, appSet(config.App{Name: "web", Ports: []int{81}}), SourceFile))
	assert.Equal(t, []int{81, 9000}, s.Ports())

	// Unpinning a port an app owns keeps it registered.
	require.NoError(t, s.UnpinPorts(ctx, 81, 9000))
	assert.Equal(t, []int{81}, s.Ports())

	assert.ErrorIs(t, s.PinPorts(ctx, 0), ebpf.ErrInvalidPort)
}

func TestPinPortsCapacity(t *testing.T) {
	s := testServer(t, newFakeListener(listener.ModeEBPF))
	ports := make([]int, ebpf.MaxDestinations)
	for i := range ports {
		ports[i] = 20000 + i
	}
	require.NoError(t, s.PinPorts(context.Background(), ports...))
	assert.ErrorIs(t, s.PinPorts(context.Background(), 30000), ebpf.ErrRegistryFull)
}

func TestExplain(t *testing.T) {
	native := testServer(t, newFakeListener(listener.ModeNative))
	_, err := native.Explain(80, "tcp")
	assert.ErrorIs(t, err, api.ErrExplainUnsupported)

	l := explainingListener{newFakeListener(listener.ModeEBPF)}
	s := testServer(t, l)
	require.NoError(t, s.PinPorts(context.Background(), 80))

	v, err := s.Explain(80, "tcp")
	require.NoError(t, err)
	assert.Equal(t, ebpf.VerdictRedirect, v)
}

func TestReadyHandler(t *testing.T) {
	s := testServer(t, newFakeListener(listener.ModeNative))
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s.draining.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/ports", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunClosesListenerWhenListenFails(t *testing.T) {
	l := newFakeListener(listener.ModeEBPF)
	l.listenErr = assert.AnError
	s := testServer(t, l)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, l.closed, "loaded dispatcher released on startup failure")
}

func TestRunNativeEndToEnd(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()
	go func() {
		for {
			c, err := upstream.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(c)
		}
	}()

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	appsFile := filepath.Join(t.TempDir(), "apps.yaml")
	require.NoError(t, os.WriteFile(appsFile, []byte(fmt.Sprintf(
		"apps:\n  - name: echo\n    ports: [%d]\n    targets: [%q]\n", port, upstream.Addr().String())), 0o644))

	cfg := testConfig()
	cfg.Dispatch.Mode = config.ModeNative
	cfg.Proxy.NativeHost = "127.0.0.1"
	cfg.Apps.File = appsFile

	s, err := NewServer(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, listener.ModeNative, s.Mode())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.Ports()) == 1 }, 2*time.Second, 10*time.Millisecond)

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.Empty(t, s.Ports())
}
