package main

import (
	"context"
	"sync"
	"time"

	"github.com/matst80/showport/internal/directory"
	"github.com/matst80/showport/internal/tunnel"
)

// serverStatus backs the readiness probe.
type serverStatus struct {
	mu      sync.Mutex
	ready   bool
	closing bool
}

func (s *serverStatus) setReady(v bool)   { s.mu.Lock(); s.ready = v; s.mu.Unlock() }
func (s *serverStatus) setClosing(v bool) { s.mu.Lock(); s.closing = v; s.mu.Unlock() }
func (s *serverStatus) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closing
}

// StatsSource is what the HTTP endpoints read from.
type StatsSource interface {
	Stats() tunnel.Stats
}

// Stats represents current server stats for dashboards & API.
type Stats struct {
	ActiveSessions int64             `json:"active_sessions"`
	TotalSessions  int64             `json:"total_sessions"`
	TotalTunnels   int64             `json:"total_tunnels"`
	Pending        int               `json:"pending"`
	Evicted        int64             `json:"evicted"`
	Sessions       []directory.Entry `json:"sessions"`
	DirectoryError string            `json:"directory_error,omitempty"`
	Now            string            `json:"now"`
}

func collectStats(ctx context.Context, src StatsSource, dir directory.Directory) Stats {
	st := src.Stats()
	out := Stats{
		ActiveSessions: st.ActiveSessions,
		TotalSessions:  st.TotalSessions,
		TotalTunnels:   st.TotalTunnels,
		Pending:        st.Registry.Pending,
		Evicted:        st.Registry.Evicted,
		Now:            time.Now().UTC().Format(time.RFC3339),
	}
	sessions, err := dir.List(ctx)
	if err != nil {
		out.DirectoryError = err.Error()
	}
	out.Sessions = sessions
	return out
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Active":   s.ActiveSessions,
		"Sessions": s.Sessions,
		"Total":    s.TotalTunnels,
		"Pending":  s.Pending,
		"Evicted":  s.Evicted,
		"DirErr":   s.DirectoryError,
	}
}
