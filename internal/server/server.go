// Package server wires the listener, admission control, handshake gate, worker pool and proxy together.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/openuds/udstunnel/internal/config"
	"github.com/openuds/udstunnel/internal/gate"
	"github.com/openuds/udstunnel/internal/notifier"
	"github.com/openuds/udstunnel/internal/obs"
	"github.com/openuds/udstunnel/internal/pool"
	"github.com/openuds/udstunnel/internal/proxy"
	"github.com/openuds/udstunnel/internal/ratelimit"
	"github.com/openuds/udstunnel/internal/stats"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdle          = 5 * time.Minute
)

type Server struct {
	cfg       config.ServerConfig
	tls       *tls.Config
	collector *stats.Collector
	store     stats.Store
	notifier  proxy.Notifier
	limiter   *ratelimit.RateLimiter

	mu       sync.RWMutex
	listener net.Listener
	readyCh  chan struct{}
	pool     *pool.Pool
}

type Option func(*Server)

// WithNotifier replaces the HTTP notifier built from the config.
func WithNotifier(n proxy.Notifier) Option { return func(s *Server) { s.notifier = n } }

// WithStore sets where session open and close events are mirrored.
func WithStore(st stats.Store) Option { return func(s *Server) { s.store = st } }

// WithTLS overrides the certificate files named in the config.
func WithTLS(c *tls.Config) Option { return func(s *Server) { s.tls = c } }

// New validates TLS material and prepares the server. Nothing listens until Listen or Serve.
func New(cfg config.ServerConfig, collector *stats.Collector, opts ...Option) (*Server, error) {
	if collector == nil {
		collector = stats.NewCollector()
	}
	s := &Server{
		cfg:       cfg,
		collector: collector,
		limiter:   ratelimit.New(cfg.RateLimit, cfg.RateBurst),
		readyCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tls == nil {
		tlsCfg, err := cfg.TLSConfig()
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		s.tls = tlsCfg
	}
	if s.tls == nil {
		obs.Warn("server.plaintext", obs.Fields{"reason": "no ssl_certificate configured"})
	}
	if s.notifier == nil {
		s.notifier = notifier.New(notifier.Config{
			BaseURL:   cfg.UDSServer,
			Token:     cfg.UDSToken,
			Timeout:   cfg.UDSTimeout.Duration,
			VerifySSL: cfg.VerifySSL(),
			Retries:   cfg.UDSRetries,
		})
	}
	if s.store == nil {
		s.store = stats.NewMemoryStore(collector)
	}
	return s, nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Collector() *stats.Collector { return s.collector }

// Listen binds the tunnel port. Callers that drop privileges bind first and Serve afterwards.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen(s.cfg.ListenNetwork(), s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr(), err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.listener = ln
	close(s.readyCh)
	obs.Info("server.listen", obs.Fields{"addr": ln.Addr().String(), "tls": s.tls != nil, "max_connections": s.cfg.MaxConnections})
	return nil
}

// Serve runs until ctx ends, then drains sessions for the configured grace period.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	px := proxy.New(proxy.Config{
		TLS:            s.tls,
		CommandTimeout: s.cfg.CommandTimeout.Duration,
		ConnectTimeout: s.cfg.ConnectTimeout.Duration,
		IdleTimeout:    s.cfg.IdleTimeout.Duration,
		NotifyTimeout:  s.cfg.UDSTimeout.Duration,
		IPv6:           s.cfg.IPv6,
		Secret:         s.cfg.Secret,
		Allowed:        s.cfg.Allowed,
	}, s.notifier, s.collector, s.store)
	p := pool.New(pool.Config{
		Workers:     s.cfg.Workers,
		Backlog:     s.cfg.Backlog,
		GracePeriod: s.cfg.GracePeriod.Duration,
	}, s.collector, px)
	s.mu.Lock()
	s.pool = p
	s.mu.Unlock()
	g := gate.New(s.cfg.HandshakeWorkers, s.cfg.Backlog, s.cfg.HandshakeTimeout.Duration, p)

	eg, gctx := errgroup.WithContext(ctx)
	gateDone := make(chan struct{})
	// The gate keeps draining its queue after shutdown starts, so it gets its own context.
	go func() {
		g.Run(context.Background())
		close(gateDone)
	}()
	eg.Go(func() error {
		<-gctx.Done()
		return s.listener.Close()
	})
	eg.Go(func() error {
		err := s.acceptLoop(gctx, g)
		g.Close()
		return err
	})
	if s.limiter != nil {
		eg.Go(func() error {
			s.sweepLimiter(gctx)
			return nil
		})
	}
	obs.Info("server.ready", obs.Fields{"workers": s.cfg.Workers, "handshake_workers": s.cfg.HandshakeWorkers})

	err := eg.Wait()
	<-gateDone
	obs.Info("server.shutdown.draining", obs.Fields{"grace": s.cfg.GracePeriod.String()})
	p.Shutdown()
	obs.Info("server.shutdown.complete", obs.Fields{})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, g *gate.Gate) error {
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			d := b.Duration()
			obs.Error("accept.temp", obs.Fields{"err": err.Error(), "retry_in": d.String()})
			if d >= time.Second && b.Attempt() > 20 {
				return fmt.Errorf("accept: %w", err)
			}
			time.Sleep(d)
			continue
		}
		b.Reset()
		if !s.admit(conn) {
			continue
		}
		_ = g.Submit(conn)
	}
}

// admit applies the per-source rate limit. Rejected sockets are closed without a byte.
func (s *Server) admit(conn net.Conn) bool {
	if s.limiter == nil {
		return true
	}
	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if s.limiter.AllowConnection(ip) {
		return true
	}
	_ = conn.Close()
	obs.AdmissionRejected.Inc()
	obs.Debug("server.rate_limited", obs.Fields{"remote": ip})
	return false
}

func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Sweep(limiterIdle); n > 0 {
				obs.Debug("server.limiter_sweep", obs.Fields{"removed": n})
			}
		}
	}
}

// Workers reports the pool's routing slots while serving.
func (s *Server) Workers() []pool.WorkerInfo {
	s.mu.RLock()
	p := s.pool
	s.mu.RUnlock()
	if p == nil {
		return nil
	}
	return p.Workers()
}
