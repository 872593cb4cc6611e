package core

import (
	"errors"
	"fmt"

	"github.com/SkynetNext/port-dispatcher/internal/config"
	"github.com/SkynetNext/port-dispatcher/internal/listener"
	"github.com/SkynetNext/port-dispatcher/pkg/ebpf"
	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

// newListener picks the listener for cfg.Dispatch.Mode. In auto mode a host
// without sk_lookup support gets per-port listeners.
func newListener(cfg *config.Config, handle listener.HandleFunc) (listener.Interface, error) {
	switch cfg.Dispatch.Mode {
	case config.ModeNative:
		return listener.NewNativeListener(cfg.Proxy.NativeHost, handle), nil

	case config.ModeEBPF:
		l, err := listener.NewEBPFListener(cfg.Proxy.ListenAddr, cfg.Dispatch.NetnsPath, handle)
		if err != nil {
			return nil, fmt.Errorf("ebpf mode requested: %w", err)
		}
		return l, nil

	case config.ModeAuto, "":
		l, err := listener.NewEBPFListener(cfg.Proxy.ListenAddr, cfg.Dispatch.NetnsPath, handle)
		if err == nil {
			return l, nil
		}
		if errors.Is(err, ebpf.ErrNotEnabled) {
			xlog.Infof("sk_lookup unavailable, using native listeners")
		} else {
			xlog.Warnf("Failed to load sk_lookup dispatcher, using native listeners: %v", err)
		}
		return listener.NewNativeListener(cfg.Proxy.NativeHost, handle), nil

	default:
		return nil, fmt.Errorf("invalid dispatch mode %q", cfg.Dispatch.Mode)
	}
}
