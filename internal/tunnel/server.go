// Package tunnel implements the relay side of the reverse tunnel protocol.
//
// A control client sends Hello(port) on a fresh connection; the relay binds
// that public port, heartbeats, and announces every visitor with
// Connection(id). The client then opens another connection, sends
// Accept(id), and the relay splices it with the waiting visitor.
package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/showport/internal/directory"
	"github.com/matst80/showport/internal/obs"
	"github.com/matst80/showport/internal/ratelimit"
	"github.com/matst80/showport/internal/registry"
)

// DefaultControlPort is the well-known port control clients dial.
const DefaultControlPort = 37835

const (
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultDirectoryRefresh = 10 * time.Second
)

// Config tunes a Server. Zero values select the defaults.
type Config struct {
	// BindHost is the host public ports are bound on; empty means all interfaces.
	BindHost         string
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	DirectoryRefresh time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DirectoryRefresh <= 0 {
		c.DirectoryRefresh = DefaultDirectoryRefresh
	}
	return c
}

// Server accepts control connections and runs one session per connection.
// The pending registry is the only state sessions share.
type Server struct {
	cfg     Config
	reg     *registry.Registry
	dir     directory.Directory
	limiter *ratelimit.Limiter

	wg       sync.WaitGroup
	sessions atomic.Int64
	tunnels  atomic.Int64
	active   atomic.Int64
}

// New creates a Server. dir and limiter may be nil.
func New(cfg Config, reg *registry.Registry, dir directory.Directory, limiter *ratelimit.Limiter) *Server {
	if dir == nil {
		dir = directory.NewMemory("local")
	}
	return &Server{cfg: cfg.withDefaults(), reg: reg, dir: dir, limiter: limiter}
}

// ListenAndServe binds the control address and serves until ctx is done.
// Failing to bind is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts control connections on ln until ctx is done or ln fails
// permanently. Temporary accept errors are retried with backoff. On return ln
// is closed, running sessions are cancelled and waited for.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	obs.Info("tunnel.serve", obs.Fields{"addr": ln.Addr().String()})
	sessCtx, cancelSessions := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()
	defer cancelSessions()
	defer ln.Close()

	retry := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && (ne.Timeout() || ne.Temporary()) {
				wait := retry.Duration()
				obs.Warn("accept.control.temp", obs.Fields{"err": err.Error(), "retry_in": wait.String()})
				obs.ErrorsTotal.WithLabelValues("accept_temp").Inc()
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
				continue
			}
			obs.Error("accept.control", obs.Fields{"err": err.Error()})
			return err
		}
		retry.Reset()
		if !s.admit(c) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(sessCtx, c)
		}()
	}
}

func (s *Server) admit(c net.Conn) bool {
	if !s.limiter.Enabled() {
		return true
	}
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		host = c.RemoteAddr().String()
	}
	if s.limiter.Allow(host) {
		return true
	}
	obs.Debug("control.rate_limited", obs.Fields{"remote": host})
	obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
	_ = c.Close()
	return false
}

// Stats is a snapshot of server counters.
type Stats struct {
	ActiveSessions int64          `json:"active_sessions"`
	TotalSessions  int64          `json:"total_sessions"`
	TotalTunnels   int64          `json:"total_tunnels"`
	Registry       registry.Stats `json:"registry"`
}

func (s *Server) Stats() Stats {
	return Stats{
		ActiveSessions: s.active.Load(),
		TotalSessions:  s.sessions.Load(),
		TotalTunnels:   s.tunnels.Load(),
		Registry:       s.reg.Stats(),
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
