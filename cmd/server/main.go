package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/showport/internal/directory"
	"github.com/matst80/showport/internal/obs"
	"github.com/matst80/showport/internal/ratelimit"
	"github.com/matst80/showport/internal/registry"
	"github.com/matst80/showport/internal/tunnel"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = directory.DefaultInstanceID()
	}
	obs.Info("server.start", obs.Fields{"control": cfg.ControlAddr, "metrics": cfg.MetricsAddr, "instance": cfg.InstanceID})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The control port is bound before anything else; failing here is fatal.
	ctrlLn, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		obs.Error("listen.control", obs.Fields{"err": err.Error(), "addr": cfg.ControlAddr})
		os.Exit(1)
	}

	dir, err := directory.New(cfg.InstanceID, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.directoryTTL())
	if err != nil {
		obs.Error("directory.init", obs.Fields{"err": err.Error()})
		_ = ctrlLn.Close()
		os.Exit(1)
	}
	defer dir.Close()

	reg := registry.New(cfg.PendingGrace)
	limiter := ratelimit.NewLimiter(cfg.GlobalConnRate, cfg.ConnRate, cfg.ConnBurst)
	srv := tunnel.New(cfg.tunnelConfig(), reg, dir, limiter)
	status := &serverStatus{}

	if cfg.MetricsAddr != "" {
		go startMetricsServer(ctx, cfg.MetricsAddr, status, srv, dir)
	}
	go runMaintenanceLoop(ctx, limiter, cfg.MaintenanceTick, cfg.LimiterIdleTTL)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ctrlLn) }()

	status.setReady(true)
	obs.Info("server.ready", obs.Fields{"addr": ctrlLn.Addr().String()})

	served := false
	select {
	case <-ctx.Done():
		obs.Info("server.shutdown.signal", obs.Fields{})
	case err := <-serveErr:
		if err != nil {
			obs.Error("server.serve", obs.Fields{"err": err.Error()})
		}
		served = true
		stop()
	}
	status.setClosing(true)
	if !served {
		select {
		case <-serveErr:
		case <-time.After(10 * time.Second):
			obs.Error("server.shutdown.timeout", obs.Fields{})
		}
	}
	// Final sweep of visitors nobody will claim anymore.
	closed := reg.Close()
	obs.Info("server.shutdown.complete", obs.Fields{"pending_closed": closed})
}

func runMaintenanceLoop(ctx context.Context, limiter *ratelimit.Limiter, interval, idle time.Duration) {
	if !limiter.Enabled() || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := limiter.Prune(idle); n > 0 {
				obs.Debug("ratelimit.pruned", obs.Fields{"removed": n, "remaining": limiter.Keys()})
			}
		}
	}
}
