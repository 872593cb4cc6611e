package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/SkynetNext/port-dispatcher/internal/config"
	"github.com/SkynetNext/port-dispatcher/internal/core"
	"github.com/SkynetNext/port-dispatcher/internal/observability"
	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

func main() {
	if err := run(); err != nil {
		xlog.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	// Environment first; flags override it.
	cfg := config.LoadConfig()

	pflag.StringVar(&cfg.Apps.File, "apps-file", cfg.Apps.File, "Apps file (YAML or JSON), polled for changes")
	pflag.StringVar(&cfg.Dispatch.Mode, "mode", cfg.Dispatch.Mode, "Dispatch mode: auto | ebpf | native")
	pflag.StringVar(&cfg.Dispatch.NetnsPath, "netns", cfg.Dispatch.NetnsPath, "Network namespace path to attach to. Empty uses the current one.")
	pflag.StringVar(&cfg.Proxy.ListenAddr, "proxy-listen", cfg.Proxy.ListenAddr, "Proxy socket address used in ebpf mode")
	pflag.StringVar(&cfg.Metrics.ListenAddr, "metrics-listen", cfg.Metrics.ListenAddr, "Metrics and admin API listen address")
	pflag.StringVar(&cfg.Proxy.AccessLog, "access-log", cfg.Proxy.AccessLog, "Access log sink: stdout | stderr | file:///path. Empty disables.")
	logLevel := pflag.String("log-level", "", "Log level: debug | info | warn | error (overrides LOG_LEVEL)")
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *logLevel != "" {
		xlog.SetLevel(xlog.ParseLevel(*logLevel))
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	xlog.Infof("Starting port dispatcher (mode=%s)...", cfg.Dispatch.Mode)

	shutdownTracing, err := observability.InitTracing(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
	if err != nil {
		xlog.Warnf("Tracing disabled: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			xlog.Warnf("Failed to flush traces: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := config.NewRedisStore(ctx, &cfg.Redis)
	if err != nil {
		return err
	}

	// The server owns store from here on.
	srv, err := core.NewServer(cfg, store)
	if err != nil {
		return err
	}

	err = srv.Run(ctx)
	xlog.Infof("Server exited")
	return err
}
