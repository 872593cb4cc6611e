package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/SkynetNext/port-dispatcher/internal/config"
	"github.com/SkynetNext/port-dispatcher/internal/healthcheck"
	"github.com/SkynetNext/port-dispatcher/internal/observability"
	"github.com/SkynetNext/port-dispatcher/internal/security"
	"github.com/SkynetNext/port-dispatcher/pkg/ebpf"
	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

// ErrExplainUnsupported is returned by controllers that cannot simulate a
// dispatch decision (native mode).
var ErrExplainUnsupported = errors.New("dispatch explanation requires ebpf mode")

// Controller is the server surface the admin API drives.
type Controller interface {
	Mode() string
	Ports() []int
	PinPorts(ctx context.Context, ports ...int) error
	UnpinPorts(ctx context.Context, ports ...int) error
	Explain(port int, protocol string) (ebpf.Verdict, error)
	Apps() *config.AppSet
	UpstreamStatus() []healthcheck.Status
}

// AdminAPI provides control plane API for ports and admission settings
type AdminAPI struct {
	cfg      *config.Config
	ctrl     Controller
	security *security.Manager
	mu       sync.RWMutex
}

func NewAdminAPI(cfg *config.Config, ctrl Controller, sec *security.Manager) *AdminAPI {
	return &AdminAPI{
		cfg:      cfg,
		ctrl:     ctrl,
		security: sec,
	}
}

// RegisterRoutes registers admin API routes
func (a *AdminAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/ports", a.handlePorts)
	mux.HandleFunc("/admin/dispatch", a.handleDispatch)
	mux.HandleFunc("/admin/config", a.handleConfig)
	mux.HandleFunc("/admin/upstreams", a.handleUpstreams)
	mux.HandleFunc("/admin/security/rate-limit", a.handleRateLimit)
	mux.HandleFunc("/admin/security/blocked-ips", a.handleBlockedIPs)
	mux.HandleFunc("/admin/health", a.handleHealth)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// GET    /admin/ports - List intercepted ports
// POST   /admin/ports {"ports": [..]} - Register ports
// DELETE /admin/ports {"ports": [..]} - Unregister ports
func (a *AdminAPI) handlePorts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"mode":  a.ctrl.Mode(),
			"ports": a.ctrl.Ports(),
		})
		return
	case http.MethodPost, http.MethodDelete:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Ports []int `json:"ports"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Ports) == 0 {
		http.Error(w, "No ports given", http.StatusBadRequest)
		return
	}

	ctx, span := observability.StartSpan(r.Context(), "admin.ports."+r.Method, observability.PortsAttr(req.Ports))
	var err error
	if r.Method == http.MethodPost {
		err = a.ctrl.PinPorts(ctx, req.Ports...)
	} else {
		err = a.ctrl.UnpinPorts(ctx, req.Ports...)
	}
	observability.EndSpan(span, err)

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ebpf.ErrInvalidPort) || errors.Is(err, ebpf.ErrRegistryFull) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	xlog.Infof("Ports updated via admin API: method=%s, ports=%v", r.Method, req.Ports)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ports": a.ctrl.Ports()})
}

// GET /admin/dispatch?port=N&proto=tcp|udp - Simulate the lookup verdict
func (a *AdminAPI) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if err != nil {
		http.Error(w, "Invalid port", http.StatusBadRequest)
		return
	}
	proto := r.URL.Query().Get("proto")
	if proto == "" {
		proto = "tcp"
	}

	verdict, err := a.ctrl.Explain(port, proto)
	switch {
	case errors.Is(err, ErrExplainUnsupported), errors.Is(err, ebpf.ErrNotEnabled):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"port":    port,
		"proto":   proto,
		"verdict": verdict.String(),
		"action":  verdict.Action(),
	})
}

// GET /admin/config - Get current configuration
func (a *AdminAPI) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	apps := []config.App{}
	if set := a.ctrl.Apps(); set != nil {
		apps = set.Apps
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode": a.ctrl.Mode(),
		"apps": apps,
		"proxy": map[string]any{
			"listen_addr":  a.cfg.Proxy.ListenAddr,
			"dial_timeout": a.cfg.Proxy.DialTimeout.String(),
			"idle_timeout": a.cfg.Proxy.IdleTimeout.String(),
		},
		"security": map[string]any{
			"rate_limit": map[string]any{
				"enabled":                a.cfg.Security.RateLimit.Enabled,
				"connections_per_second": a.cfg.Security.RateLimit.ConnectionsPerSecond,
				"burst":                  a.cfg.Security.RateLimit.Burst,
			},
			"blocked_ips": a.cfg.Security.BlockedIPs,
		},
	})
}

// GET /admin/upstreams - Health of every configured target
func (a *AdminAPI) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"upstreams": a.ctrl.UpstreamStatus()})
}

// POST /admin/security/rate-limit - Update connection rate limit
func (a *AdminAPI) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Enabled *bool    `json:"enabled"`
		CPS     *float64 `json:"connections_per_second"`
		Burst   *int     `json:"burst"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	if req.Enabled != nil {
		a.cfg.Security.RateLimit.Enabled = *req.Enabled
	}
	if req.CPS != nil {
		a.cfg.Security.RateLimit.ConnectionsPerSecond = *req.CPS
	}
	if req.Burst != nil {
		a.cfg.Security.RateLimit.Burst = *req.Burst
	}
	enabled := a.cfg.Security.RateLimit.Enabled
	cps := a.cfg.Security.RateLimit.ConnectionsPerSecond
	burst := a.cfg.Security.RateLimit.Burst
	a.mu.Unlock()

	if enabled && cps > 0 {
		a.security.UpdateRateLimit(cps, burst)
	} else {
		a.security.DisableRateLimit()
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /admin/security/blocked-ips {"action": "add"|"remove", "ips": [..]}
func (a *AdminAPI) handleBlockedIPs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Action string   `json:"action"` // "add" or "remove"
		IPs    []string `json:"ips"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch req.Action {
	case "add":
		for _, ip := range req.IPs {
			if !slices.Contains(a.cfg.Security.BlockedIPs, ip) {
				a.cfg.Security.BlockedIPs = append(a.cfg.Security.BlockedIPs, ip)
			}
		}
	case "remove":
		a.cfg.Security.BlockedIPs = slices.DeleteFunc(a.cfg.Security.BlockedIPs, func(ip string) bool {
			return slices.Contains(req.IPs, ip)
		})
	default:
		http.Error(w, "Invalid action, use 'add' or 'remove'", http.StatusBadRequest)
		return
	}
	a.security.UpdateBlockedIPs(a.cfg.Security.BlockedIPs)

	xlog.Infof("Blocked IPs updated: action=%s, count=%d", req.Action, len(req.IPs))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /admin/health - Admin API health check
func (a *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   a.ctrl.Mode(),
		"ports":  len(a.ctrl.Ports()),
	})
}
