// Package client is the control side of the tunnel: it asks the relay to
// publish a port and forwards every announced visitor to a local target.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"
	"github.com/matst80/showport/internal/obs"
	"github.com/matst80/showport/internal/proto"
	"github.com/matst80/showport/internal/relay"
)

// Config holds what a control client needs to expose one local service.
type Config struct {
	ServerAddr string
	// Port requested on the relay; 0 lets the relay choose.
	Port   uint16
	Target string

	DialTimeout time.Duration
	// HeartbeatTimeout is how long the control connection may stay silent
	// before the relay is considered gone.
	HeartbeatTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// RejectedError carries the relay's Error message.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string { return "relay rejected hello: " + e.Message }

// Session is one established control connection.
type Session struct {
	cfg   Config
	codec *proto.Codec
	port  uint16
	wg    sync.WaitGroup
}

// Dial opens a control connection and completes the Hello exchange.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.ServerAddr)
	if err != nil {
		return nil, err
	}
	codec := proto.NewCodec(conn)
	if err := codec.Send(proto.Hello(cfg.Port)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	var reply proto.ServerMessage
	ok, err := codec.RecvTimeout(&reply, cfg.HeartbeatTimeout)
	if err == nil && !ok {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	switch reply.Kind {
	case proto.ServerHello:
		return &Session{cfg: cfg, codec: codec, port: reply.Port}, nil
	case proto.ServerError:
		_ = conn.Close()
		return nil, &RejectedError{Message: reply.Message}
	}
	_ = conn.Close()
	return nil, fmt.Errorf("%w: %v before hello", proto.ErrUnexpectedMessage, reply.Kind)
}

// Port is the public port the relay bound for this session.
func (s *Session) Port() uint16 { return s.port }

// Serve processes relay messages until the control connection fails or ctx
// is done. Tunnels started by the session are closed before Serve returns.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer s.wg.Wait()
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = s.codec.Close() })
	defer stop()
	defer s.codec.Close()

	for {
		var m proto.ServerMessage
		ok, err := s.codec.RecvTimeout(&m, s.cfg.HeartbeatTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if !ok {
			return io.EOF
		}
		switch m.Kind {
		case proto.ServerHeartbeat:
		case proto.ServerConnection:
			s.wg.Add(1)
			go func(id uuid.UUID) {
				defer s.wg.Done()
				s.forward(ctx, id)
			}(m.ID)
		case proto.ServerError:
			return &RejectedError{Message: m.Message}
		default:
			obs.Debug("client.unexpected", obs.Fields{"kind": m.Kind.String()})
		}
	}
}

// forward claims visitor id on a fresh connection and splices it with the
// local target.
func (s *Session) forward(ctx context.Context, id uuid.UUID) {
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	claim, err := d.DialContext(ctx, "tcp", s.cfg.ServerAddr)
	if err != nil {
		obs.Error("client.dial_relay", obs.Fields{"err": err.Error(), "id": id.String()})
		return
	}
	if err := proto.NewCodec(claim).Send(proto.Accept(id)); err != nil {
		obs.Error("client.accept", obs.Fields{"err": err.Error(), "id": id.String()})
		_ = claim.Close()
		return
	}
	local, err := d.DialContext(ctx, "tcp", s.cfg.Target)
	if err != nil {
		obs.Error("client.dial_target", obs.Fields{"err": err.Error(), "id": id.String(), "target": s.cfg.Target})
		_ = claim.Close()
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = claim.Close(); _ = local.Close() })
	defer stop()

	res := relay.Splice(claim, local)
	obs.Debug("client.tunnel.closed", obs.Fields{"id": id.String(), "in": sizestr.ToString(res.AToB), "out": sizestr.ToString(res.BToA)})
}

// Run keeps a session up until ctx is done, reconnecting with jittered
// exponential backoff. onBound, if set, is called with every bound port.
func Run(ctx context.Context, cfg Config, onBound func(port uint16)) error {
	cfg = cfg.withDefaults()
	b := &backoff.Backoff{Min: cfg.MinBackoff, Max: cfg.MaxBackoff, Factor: 2, Jitter: true}
	for {
		sess, err := Dial(ctx, cfg)
		if err == nil {
			b.Reset()
			obs.Info("client.registered", obs.Fields{"server": cfg.ServerAddr, "port": sess.Port(), "target": cfg.Target})
			if onBound != nil {
				onBound(sess.Port())
			}
			err = sess.Serve(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}
		var rej *RejectedError
		if errors.As(err, &rej) {
			obs.Error("client.rejected", obs.Fields{"err": rej.Message, "port": cfg.Port})
		} else {
			obs.Error("client.control", obs.Fields{"err": err.Error()})
		}
		wait := b.Duration()
		obs.Info("client.reconnect", obs.Fields{"in": wait.String()})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
