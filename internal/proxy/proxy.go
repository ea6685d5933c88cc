// Package proxy runs the per-connection tunnel protocol after the handshake gate.
package proxy

import (
	"bytes"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/openuds/udstunnel/internal/obs"
	"github.com/openuds/udstunnel/internal/proto"
	"github.com/openuds/udstunnel/internal/stats"
)

// Notifier resolves tickets and records tunnel teardown on the broker.
type Notifier interface {
	Resolve(ctx context.Context, ticket, peerIP string) (proto.Target, error)
	Stop(ctx context.Context, notify string, sent, recv int64) error
}

var ErrForbidden = errors.New("stats query forbidden")

type Config struct {
	// TLS is nil for a plaintext listener.
	TLS            *tls.Config
	CommandTimeout time.Duration
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	// NotifyTimeout bounds the stop notification, which runs after the session context may be gone.
	NotifyTimeout time.Duration
	IPv6          bool
	Secret        string
	Allowed       func(ip string) bool
}

type Proxy struct {
	cfg       Config
	notifier  Notifier
	collector *stats.Collector
	store     stats.Store
	dialer    func(ctx context.Context, network, addr string) (net.Conn, error)
}

func New(cfg Config, n Notifier, collector *stats.Collector, store stats.Store) *Proxy {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.Allowed == nil {
		cfg.Allowed = func(string) bool { return false }
	}
	if store == nil {
		store = stats.NewMemoryStore(collector)
	}
	d := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Proxy{cfg: cfg, notifier: n, collector: collector, store: store, dialer: d.DialContext}
}

// session is the state carried through one connection.
type session struct {
	conn   net.Conn
	worker int
	peer   string
	peerIP string
	shard  *stats.Counters
}

func (s *session) fail(kind string) {
	s.shard.Errors.Add(1)
	obs.ErrorsTotal.WithLabelValues(kind).Inc()
}

// Handle serves one connection that already passed the handshake. It always closes conn.
func (p *Proxy) Handle(ctx context.Context, conn net.Conn, worker int) {
	s := &session{conn: conn, worker: worker, peer: conn.RemoteAddr().String(), shard: p.collector.Shard(worker)}
	s.peerIP = hostOnly(s.peer)
	defer func() { _ = s.conn.Close() }()

	if p.cfg.TLS != nil {
		tconn := tls.Server(conn, p.cfg.TLS)
		_ = conn.SetDeadline(time.Now().Add(p.cfg.CommandTimeout))
		if err := tconn.HandshakeContext(ctx); err != nil {
			s.shard.Accepted.Add(1)
			s.fail("tls")
			obs.Debug("tunnel.tls_failed", obs.Fields{"remote": s.peer, "err": err.Error()})
			return
		}
		_ = conn.SetDeadline(time.Time{})
		s.conn = tconn
	}

	cmd, ok := p.readCommand(s)
	// Stats queries are observers and stay out of the worker counters.
	if !isStatsCommand(cmd) {
		s.shard.Accepted.Add(1)
	}
	if !ok {
		return
	}
	switch {
	case bytes.Equal(cmd, proto.CommandTest):
		obs.Debug("tunnel.test", obs.Fields{"remote": s.peer})
		_, _ = s.conn.Write(proto.ResponseOK)
	case bytes.Equal(cmd, proto.CommandOpen):
		p.open(ctx, s)
	case bytes.Equal(cmd, proto.CommandStat):
		p.stats(s, true)
	case bytes.Equal(cmd, proto.CommandInfo):
		p.stats(s, false)
	default:
		s.fail("command")
		obs.Warn("tunnel.bad_command", obs.Fields{"remote": s.peer, "command": strconv.Quote(string(cmd))})
		_, _ = s.conn.Write(proto.ResponseErrorCommand)
	}
}

func isStatsCommand(cmd []byte) bool {
	return bytes.Equal(cmd, proto.CommandStat) || bytes.Equal(cmd, proto.CommandInfo)
}

// readFixed reads exactly n bytes under a fresh deadline. It reports how many arrived.
func (p *Proxy) readFixed(s *session, n int) ([]byte, int, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(p.cfg.CommandTimeout))
	buf := make([]byte, n)
	got, err := io.ReadFull(s.conn, buf)
	if err == nil {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	return buf, got, err
}

func (p *Proxy) readCommand(s *session) ([]byte, bool) {
	cmd, got, err := p.readFixed(s, proto.CommandLength)
	if err == nil {
		return cmd, true
	}
	if got == 0 && errors.Is(err, io.EOF) {
		obs.Debug("tunnel.closed_early", obs.Fields{"remote": s.peer})
		return nil, false
	}
	s.fail("timeout")
	obs.Warn("tunnel.command_timeout", obs.Fields{"remote": s.peer, "received": got})
	_, _ = s.conn.Write(proto.ResponseErrorTimeout)
	return nil, false
}

func (p *Proxy) stats(s *session, detailed bool) {
	pass, _, err := p.readFixed(s, proto.PasswordLength)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("stats_timeout").Inc()
		_, _ = s.conn.Write(proto.ResponseErrorTimeout)
		return
	}
	if err := p.authorize(s.peerIP, pass); err != nil {
		obs.ErrorsTotal.WithLabelValues("forbidden").Inc()
		obs.Warn("tunnel.stats_forbidden", obs.Fields{"remote": s.peer})
		_, _ = s.conn.Write(proto.ResponseForbidden)
		return
	}
	obs.Info("tunnel.stats", obs.Fields{"remote": s.peer, "detailed": detailed})
	var out bytes.Buffer
	for _, line := range p.collector.Report().Lines(detailed) {
		out.WriteString(line)
		out.WriteByte('\n')
	}
	_, _ = s.conn.Write(out.Bytes())
}

func (p *Proxy) authorize(ip string, pass []byte) error {
	if p.cfg.Secret == "" || !p.cfg.Allowed(ip) {
		return ErrForbidden
	}
	pass = bytes.TrimRight(pass, "\x00")
	if subtle.ConstantTimeCompare(pass, []byte(p.cfg.Secret)) != 1 {
		return ErrForbidden
	}
	return nil
}

func (p *Proxy) open(ctx context.Context, s *session) {
	ticket, _, err := p.readFixed(s, proto.TicketLength)
	if err != nil {
		s.fail("timeout")
		obs.Warn("tunnel.ticket_timeout", obs.Fields{"remote": s.peer})
		_, _ = s.conn.Write(proto.ResponseErrorTimeout)
		return
	}
	if !proto.ValidTicket(ticket) {
		s.fail("ticket")
		obs.Warn("tunnel.bad_ticket", obs.Fields{"remote": s.peer})
		_, _ = s.conn.Write(proto.ResponseErrorTimeout)
		return
	}

	target, err := p.notifier.Resolve(ctx, string(ticket), s.peerIP)
	if err != nil {
		s.fail("resolve")
		obs.Warn("tunnel.resolve_failed", obs.Fields{"remote": s.peer, "err": err.Error()})
		_, _ = s.conn.Write(proto.ResponseErrorTimeout)
		return
	}
	dest := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

	backend, err := p.dialer(ctx, backendNetwork(target.Host, p.cfg.IPv6), dest)
	if err != nil {
		s.fail("connect")
		obs.Error("tunnel.connect_failed", obs.Fields{"remote": s.peer, "target": dest, "err": err.Error()})
		p.notifyStop(target.Notify, 0, 0)
		return
	}

	tun := p.collector.Open(s.worker, s.peer, dest)
	p.notifyStart(ctx, tun)
	started := time.Now()

	if _, err := s.conn.Write(proto.ResponseOK); err != nil {
		_ = backend.Close()
		p.finish(tun, target.Notify, started, err)
		return
	}
	err = relay(ctx, s.conn, backend, p.cfg.IdleTimeout, func(n int64) {
		tun.AddSent(n)
		obs.BytesTotal.WithLabelValues("sent").Add(float64(n))
	}, func(n int64) {
		tun.AddRecv(n)
		obs.BytesTotal.WithLabelValues("recv").Add(float64(n))
	})
	p.finish(tun, target.Notify, started, err)
}

// notifyStart records the tunnel locally. The broker logged the start when it answered the resolve.
func (p *Proxy) notifyStart(ctx context.Context, tun *stats.Tunnel) {
	sess := tun.Session()
	obs.TunnelsTotal.Inc()
	obs.Info("tunnel.open", obs.Fields{"id": sess.ID, "worker": sess.Worker, "remote": sess.Source, "target": sess.Target})
	if err := p.store.SessionOpened(ctx, sess); err != nil {
		obs.Warn("stats.session_open", obs.Fields{"id": sess.ID, "err": err.Error()})
	}
}

func (p *Proxy) finish(tun *stats.Tunnel, notify string, started time.Time, relayErr error) {
	p.collector.Close(tun)
	sess := tun.Session()
	elapsed := time.Since(started)
	obs.SessionDurationSecs.Observe(elapsed.Seconds())
	f := obs.Fields{
		"id":       sess.ID,
		"remote":   sess.Source,
		"target":   sess.Target,
		"sent":     sizestr.ToString(sess.Sent),
		"recv":     sizestr.ToString(sess.Recv),
		"duration": elapsed.Truncate(time.Millisecond).String(),
	}
	if relayErr != nil {
		f["err"] = relayErr.Error()
	}
	obs.Info("tunnel.close", f)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.NotifyTimeout)
	defer cancel()
	if err := p.store.SessionClosed(ctx, sess); err != nil {
		obs.Warn("stats.session_close", obs.Fields{"id": sess.ID, "err": err.Error()})
	}
	p.notifyStopCtx(ctx, notify, sess.Sent, sess.Recv)
}

// notifyStop runs on a fresh context so shutdown never suppresses it.
func (p *Proxy) notifyStop(notify string, sent, recv int64) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.NotifyTimeout)
	defer cancel()
	p.notifyStopCtx(ctx, notify, sent, recv)
}

func (p *Proxy) notifyStopCtx(ctx context.Context, notify string, sent, recv int64) {
	if notify == "" {
		return
	}
	if err := p.notifier.Stop(ctx, notify, sent, recv); err != nil {
		obs.Warn("tunnel.notify_stop_failed", obs.Fields{"notify": notify, "err": err.Error()})
	}
}

// backendNetwork picks tcp6 for IPv6 literals, and for names when IPv6 is preferred.
func backendNetwork(host string, preferIPv6 bool) string {
	if strings.Contains(host, ":") {
		return "tcp6"
	}
	if preferIPv6 && !strings.Contains(host, ".") {
		return "tcp6"
	}
	return "tcp"
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
