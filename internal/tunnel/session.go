package tunnel

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/matst80/showport/internal/directory"
	"github.com/matst80/showport/internal/obs"
	"github.com/matst80/showport/internal/proto"
	"github.com/matst80/showport/internal/registry"
	"github.com/matst80/showport/internal/relay"
)

// MsgPortInUse is the text sent to a client whose requested port cannot be bound.
const MsgPortInUse = "port already in use"

const directoryTimeout = 2 * time.Second

// handleConn reads the first message and dispatches on it. Whichever branch
// runs owns c from then on.
func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	codec := proto.NewCodec(c)
	remote := c.RemoteAddr().String()

	var msg proto.ClientMessage
	ok, err := codec.RecvTimeout(&msg, s.cfg.HandshakeTimeout)
	if err != nil {
		kind := "handshake_read"
		switch {
		case errors.Is(err, proto.ErrTimeout):
			kind = "handshake_timeout"
		case errors.Is(err, proto.ErrMalformed), errors.Is(err, proto.ErrFrameTooLarge):
			kind = "handshake_decode"
		}
		obs.Error("session.handshake", obs.Fields{"err": err.Error(), "remote": remote})
		obs.ErrorsTotal.WithLabelValues(kind).Inc()
		_ = c.Close()
		return
	}
	if !ok {
		obs.Debug("session.handshake.eof", obs.Fields{"remote": remote})
		_ = c.Close()
		return
	}

	switch msg.Kind {
	case proto.ClientHello:
		s.serveHello(ctx, codec, msg.Port)
	case proto.ClientAccept:
		s.serveAccept(ctx, codec, msg.ID)
	default:
		_ = c.Close()
	}
}

// controlSession is the state of one Hello-branch connection.
type controlSession struct {
	codec    *proto.Codec
	ln       *net.TCPListener
	port     uint16
	remote   string
	since    time.Time
	visitors atomic.Int64
}

func (s *Server) serveHello(ctx context.Context, codec *proto.Codec, requested uint16) {
	defer codec.Close()
	remote := codec.RemoteAddr().String()

	addr := net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(int(requested)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		obs.Error("session.hello.bind", obs.Fields{"err": err.Error(), "port": requested, "remote": remote})
		obs.ErrorsTotal.WithLabelValues("port_in_use").Inc()
		_ = codec.Send(proto.ErrorMessage(MsgPortInUse))
		return
	}
	// The public port lives exactly as long as its session.
	defer ln.Close()

	sess := &controlSession{
		codec:  codec,
		ln:     ln.(*net.TCPListener),
		port:   uint16(ln.Addr().(*net.TCPAddr).Port),
		remote: remote,
		since:  time.Now(),
	}
	s.sessions.Add(1)
	s.active.Add(1)
	obs.ActiveSessions.Inc()
	defer func() {
		s.active.Add(-1)
		obs.ActiveSessions.Dec()
		obs.Info("session.closed", obs.Fields{"port": sess.port, "remote": remote, "visitors": sess.visitors.Load()})
	}()

	if err := codec.Send(proto.HelloAck(sess.port)); err != nil {
		obs.ErrorsTotal.WithLabelValues("send_failed").Inc()
		return
	}
	obs.Info("session.hello", obs.Fields{"requested": requested, "port": sess.port, "remote": remote})

	// Directory updates never sit on the heartbeat path.
	pubCtx, stopPublishing := context.WithCancel(context.Background())
	published := make(chan struct{})
	go func() {
		defer close(published)
		s.publishLoop(pubCtx, sess)
	}()
	defer func() {
		stopPublishing()
		<-published
		s.unpublish(sess)
	}()

	err = s.serveLoop(ctx, sess)
	if err != nil && !isClosed(err) {
		obs.Debug("session.ended", obs.Fields{"err": err.Error(), "port": sess.port})
	}
}

// serveLoop heartbeats at least once per poll interval and announces every
// visitor accepted on the public port. It returns when the control
// connection cannot be written to.
func (s *Server) serveLoop(ctx context.Context, sess *controlSession) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := sess.codec.Send(proto.Heartbeat()); err != nil {
			obs.ErrorsTotal.WithLabelValues("send_failed").Inc()
			return err
		}

		_ = sess.ln.SetDeadline(time.Now().Add(s.cfg.PollInterval))
		visitor, err := sess.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			obs.Error("session.accept", obs.Fields{"err": err.Error(), "port": sess.port})
			return err
		}

		id := registry.NewID()
		s.reg.Insert(id, visitor)
		sess.visitors.Add(1)
		obs.VisitorsAcceptedTotal.Inc()
		obs.Debug("session.visitor", obs.Fields{"id": id.String(), "port": sess.port, "visitor": visitor.RemoteAddr().String()})

		// A failed announcement leaves the entry to expire on its own.
		if err := sess.codec.Send(proto.Connection(id)); err != nil {
			obs.ErrorsTotal.WithLabelValues("send_failed").Inc()
			return err
		}
	}
}

// publishLoop publishes the session right away and then on every directory
// refresh tick until ctx is done.
func (s *Server) publishLoop(ctx context.Context, sess *controlSession) {
	t := time.NewTicker(s.cfg.DirectoryRefresh)
	defer t.Stop()
	for {
		s.publish(ctx, sess)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) publish(ctx context.Context, sess *controlSession) {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	err := s.dir.Publish(ctx, directory.Entry{
		Port:     sess.port,
		Remote:   sess.remote,
		Since:    sess.since,
		Visitors: sess.visitors.Load(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		obs.Warn("directory.publish", obs.Fields{"err": err.Error(), "port": sess.port})
		obs.ErrorsTotal.WithLabelValues("directory").Inc()
	}
}

func (s *Server) unpublish(sess *controlSession) {
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	if err := s.dir.Remove(ctx, sess.port); err != nil {
		obs.Warn("directory.remove", obs.Fields{"err": err.Error(), "port": sess.port})
		obs.ErrorsTotal.WithLabelValues("directory").Inc()
	}
}

// serveAccept claims the pending visitor id and relays it against the
// claiming connection. Unknown or expired ids close the connection silently.
func (s *Server) serveAccept(ctx context.Context, codec *proto.Codec, id uuid.UUID) {
	visitor, ok := s.reg.Take(id)
	if !ok {
		obs.Debug("session.accept.unknown", obs.Fields{"id": id.String(), "remote": codec.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("unknown_id").Inc()
		_ = codec.Close()
		return
	}
	claim := codec.Conn()
	s.tunnels.Add(1)
	obs.TunnelEstablishedTotal.Inc()
	obs.Info("tunnel.established", obs.Fields{"id": id.String(), "visitor": visitor.RemoteAddr().String(), "client": claim.RemoteAddr().String()})

	stop := context.AfterFunc(ctx, func() {
		_ = visitor.Close()
		_ = claim.Close()
	})
	defer stop()

	start := time.Now()
	res := relay.Splice(visitor, claim)
	elapsed := time.Since(start)

	obs.RelayBytesTotal.WithLabelValues("visitor_to_client").Add(float64(res.AToB))
	obs.RelayBytesTotal.WithLabelValues("client_to_visitor").Add(float64(res.BToA))
	obs.TunnelDurationSeconds.Observe(elapsed.Seconds())
	obs.Info("tunnel.closed", obs.Fields{
		"id":       id.String(),
		"up":       sizestr.ToString(res.AToB),
		"down":     sizestr.ToString(res.BToA),
		"duration": elapsed.String(),
	})
}
