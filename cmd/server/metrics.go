package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/matst80/showport/internal/directory"
	"github.com/matst80/showport/internal/obs"
	"github.com/matst80/showport/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newMux(status *serverStatus, src StatsSource, dir directory.Directory) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(r.Context(), src, dir)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(r.Context(), src, dir)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
			obs.Error("dashboard.render", obs.Fields{"err": err.Error()})
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !status.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// startMetricsServer serves Prometheus metrics plus health, state and dashboard endpoints until ctx is done.
func startMetricsServer(ctx context.Context, addr string, status *serverStatus, src StatsSource, dir directory.Directory) {
	hs := &http.Server{Addr: addr, Handler: newMux(status, src, dir), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
