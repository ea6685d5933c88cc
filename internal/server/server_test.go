package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openuds/udstunnel/internal/client"
	"github.com/openuds/udstunnel/internal/config"
	"github.com/openuds/udstunnel/internal/proto"
	"github.com/openuds/udstunnel/internal/stats"
	"github.com/openuds/udstunnel/internal/testcert"
)

const ticket = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKL"

// fakeBroker answers resolve requests with target and records stop calls.
type fakeBroker struct {
	mu     sync.Mutex
	target proto.Target
	status int
	stops  []string
}

func (b *fakeBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.Contains(r.URL.Path, "/"+proto.StopMarker+"/") {
		b.stops = append(b.stops, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{}`))
		return
	}
	if b.status != 0 {
		w.WriteHeader(b.status)
		return
	}
	_ = json.NewEncoder(w).Encode(b.target)
}

func (b *fakeBroker) stopCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stops)
}

func startBroker(t *testing.T, target proto.Target) (*fakeBroker, string) {
	t.Helper()
	b := &fakeBroker{target: target}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, srv.URL
}

func startEcho(t *testing.T, network, addr string) proto.Target {
	t.Helper()
	ln, err := net.Listen(network, addr)
	if err != nil {
		t.Skipf("listen %s %s: %v", network, addr, err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return proto.Target{Host: host, Port: p, Notify: "stop-" + port}
}

func testConfig(t *testing.T, listenAddr, brokerURL string) config.ServerConfig {
	t.Helper()
	cfg, err := config.Normalize(config.ServerConfig{
		ListenAddress:    listenAddr,
		UDSServer:        brokerURL,
		UDSToken:         "tok",
		UDSRetries:       1,
		Workers:          2,
		HandshakeWorkers: 2,
		CommandTimeout:   config.Duration{Duration: 500 * time.Millisecond},
		HandshakeTimeout: config.Duration{Duration: 500 * time.Millisecond},
		GracePeriod:      config.Duration{Duration: 200 * time.Millisecond},
		UDSTimeout:       config.Duration{Duration: time.Second},
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.ListenPort = 0
	return cfg
}

type running struct {
	srv    *Server
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, cfg config.ServerConfig, opts ...Option) *running {
	t.Helper()
	tlsCfg, err := testcert.ServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(cfg, nil, append([]Option{WithTLS(tlsCfg)}, opts...)...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-r.done:
		t.Fatalf("serve: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	r.addr = srv.Addr().String()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return r
}

func (r *running) dialer() client.Dialer {
	return client.Dialer{Addr: r.addr, TLS: &tls.Config{InsecureSkipVerify: true}, Timeout: 2 * time.Second}
}

func TestBadHandshakeGetsNothing(t *testing.T) {
	_, url := startBroker(t, proto.Target{})
	r := startServer(t, testConfig(t, "127.0.0.1", url))

	conn, err := net.Dial("tcp", r.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, _ := io.ReadAll(conn)
	if len(got) != 0 {
		t.Errorf("expected zero bytes, got %q", got)
	}
}

func TestTestCommand(t *testing.T) {
	_, url := startBroker(t, proto.Target{})
	r := startServer(t, testConfig(t, "127.0.0.1", url))
	if err := r.dialer().Test(context.Background()); err != nil {
		t.Fatalf("TEST: %v", err)
	}
}

func TestResolveFailureAnswersTimeout(t *testing.T) {
	b, url := startBroker(t, proto.Target{})
	b.status = http.StatusForbidden
	r := startServer(t, testConfig(t, "127.0.0.1", url))

	_, err := r.dialer().Open(context.Background(), ticket)
	var re *client.ResponseError
	if !errors.As(err, &re) || re.Token != string(proto.ResponseErrorTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func roundTrip(t *testing.T, listenAddr, backendNetwork, backendAddr string) {
	target := startEcho(t, backendNetwork, backendAddr)
	b, url := startBroker(t, target)
	r := startServer(t, testConfig(t, listenAddr, url))

	conn, err := r.dialer().Open(context.Background(), ticket)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	payload := bytes.Repeat([]byte("tunnel-payload:"), 5000)
	go func() { _, _ = conn.Write(payload) }()
	got := make([]byte, len(payload))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted in transit")
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for b.stopCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if b.stopCount() != 1 {
		t.Fatalf("expected one stop notification, got %d", b.stopCount())
	}
	want := "recv=" + strconv.Itoa(len(payload)) + "&sent=" + strconv.Itoa(len(payload))
	b.mu.Lock()
	got0 := b.stops[0]
	b.mu.Unlock()
	if got0 != want {
		t.Errorf("stop query = %q, want %q", got0, want)
	}
}

func TestRoundTripIPv4(t *testing.T) {
	roundTrip(t, "127.0.0.1", "tcp4", "127.0.0.1:0")
}

func TestRoundTripIPv6(t *testing.T) {
	if ln, err := net.Listen("tcp6", "[::1]:0"); err != nil {
		t.Skipf("no IPv6 loopback: %v", err)
	} else {
		ln.Close()
	}
	roundTrip(t, "::1", "tcp6", "[::1]:0")
}

func TestConcurrentTunnelsSpreadAcrossWorkers(t *testing.T) {
	target := startEcho(t, "tcp4", "127.0.0.1:0")
	_, url := startBroker(t, target)
	cfg := testConfig(t, "127.0.0.1", url)
	cfg.Workers = 4
	r := startServer(t, cfg)

	const k = 8
	conns := make([]net.Conn, 0, k)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < k; i++ {
		c, err := r.dialer().Open(context.Background(), ticket)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		conns = append(conns, c)
	}

	busy := 0
	for _, w := range r.srv.Collector().Workers() {
		if w.Active > 0 {
			busy++
		}
	}
	if busy < 2 {
		t.Errorf("expected sessions on more than one worker, got %+v", r.srv.Collector().Workers())
	}
	if tot := r.srv.Collector().Report().Totals(); tot.Active != k || tot.Tunnels != k {
		t.Errorf("totals = %+v, want %d active tunnels", tot, k)
	}
}

func TestShutdownClosesRelaysAfterGrace(t *testing.T) {
	target := startEcho(t, "tcp4", "127.0.0.1:0")
	_, url := startBroker(t, target)
	r := startServer(t, testConfig(t, "127.0.0.1", url))

	conn, err := r.dialer().Open(context.Background(), ticket)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
		r.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return")
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Error("in-flight relay was not given the grace period")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected relay to be closed after shutdown")
	}
	if c, err := net.DialTimeout("tcp", r.addr, 500*time.Millisecond); err == nil {
		c.Close()
		t.Error("listener still accepting after shutdown")
	}
}

func TestRateLimitedSourceIsDropped(t *testing.T) {
	_, url := startBroker(t, proto.Target{})
	cfg := testConfig(t, "127.0.0.1", url)
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	r := startServer(t, cfg)

	if err := r.dialer().Test(context.Background()); err != nil {
		t.Fatalf("first TEST: %v", err)
	}
	if err := r.dialer().Test(context.Background()); err == nil {
		t.Fatal("second connection should have been dropped")
	}
}

func TestStatsQueryOverWire(t *testing.T) {
	_, url := startBroker(t, proto.Target{})
	cfg := testConfig(t, "127.0.0.1", url)
	cfg.Secret = "stats-secret"
	r := startServer(t, cfg)

	lines, err := r.dialer().QueryStats(context.Background(), "stats-secret", false)
	if err != nil {
		t.Fatalf("INFO: %v", err)
	}
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "total ") {
		t.Errorf("unexpected report: %q", lines)
	}

	_, err = r.dialer().QueryStats(context.Background(), "wrong", true)
	var re *client.ResponseError
	if !errors.As(err, &re) || re.Token != string(proto.ResponseForbidden) {
		t.Errorf("expected FORBIDDEN, got %v", err)
	}
}

func TestStoreSeesSessionLifecycle(t *testing.T) {
	target := startEcho(t, "tcp4", "127.0.0.1:0")
	_, url := startBroker(t, target)
	collector := stats.NewCollector()
	mem := &recordingStore{Store: stats.NewMemoryStore(collector)}
	cfg := testConfig(t, "127.0.0.1", url)

	tlsCfg, err := testcert.ServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(cfg, collector, WithTLS(tlsCfg), WithStore(mem))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	<-srv.Ready()
	defer func() { cancel(); <-done }()

	d := client.Dialer{Addr: srv.Addr().String(), TLS: &tls.Config{InsecureSkipVerify: true}, Timeout: 2 * time.Second}
	conn, err := d.Open(context.Background(), ticket)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for mem.closedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mem.openedCount() != 1 || mem.closedCount() != 1 {
		t.Errorf("opened=%d closed=%d, want 1/1", mem.openedCount(), mem.closedCount())
	}
}

type recordingStore struct {
	stats.Store
	mu             sync.Mutex
	opened, closed int
}

func (r *recordingStore) SessionOpened(ctx context.Context, s stats.Session) error {
	r.mu.Lock()
	r.opened++
	r.mu.Unlock()
	return r.Store.SessionOpened(ctx, s)
}

func (r *recordingStore) SessionClosed(ctx context.Context, s stats.Session) error {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	return r.Store.SessionClosed(ctx, s)
}

func (r *recordingStore) openedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

func (r *recordingStore) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
