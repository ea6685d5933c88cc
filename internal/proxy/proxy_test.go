package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openuds/udstunnel/internal/proto"
	"github.com/openuds/udstunnel/internal/stats"
	"github.com/openuds/udstunnel/internal/testcert"
)

const validTicket = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUV"

type stopCall struct {
	notify     string
	sent, recv int64
}

type fakeNotifier struct {
	mu       sync.Mutex
	target   proto.Target
	err      error
	resolved []string
	stops    chan stopCall
}

func newFakeNotifier(target proto.Target, err error) *fakeNotifier {
	return &fakeNotifier{target: target, err: err, stops: make(chan stopCall, 4)}
}

func (f *fakeNotifier) Resolve(ctx context.Context, ticket, peerIP string) (proto.Target, error) {
	f.mu.Lock()
	f.resolved = append(f.resolved, ticket+"@"+peerIP)
	f.mu.Unlock()
	return f.target, f.err
}

func (f *fakeNotifier) Stop(ctx context.Context, notify string, sent, recv int64) error {
	f.stops <- stopCall{notify: notify, sent: sent, recv: recv}
	return nil
}

func (f *fakeNotifier) resolveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resolved)
}

// startProxy serves p on a loopback listener and returns its address.
func startProxy(t *testing.T, p *Proxy) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		ln.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Handle(ctx, conn, 0)
			}()
		}
	}()
	return ln.Addr().String()
}

// startEcho runs a backend that echoes everything back.
func startEcho(t *testing.T, network, addr string) string {
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
	return ln.Addr().String()
}

func readAll(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := io.ReadAll(conn)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("read timed out after %q", data)
	}
	return data
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newPlainProxy(n Notifier, c *stats.Collector) *Proxy {
	return New(Config{CommandTimeout: 200 * time.Millisecond, ConnectTimeout: time.Second, NotifyTimeout: time.Second}, n, c, nil)
}

func TestTestCommand(t *testing.T) {
	n := newFakeNotifier(proto.Target{}, errors.New("unused"))
	conn := dial(t, startProxy(t, newPlainProxy(n, stats.NewCollector())))
	if _, err := conn.Write(proto.CommandTest); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, conn); !bytes.Equal(got, proto.ResponseOK) {
		t.Errorf("got %q, want OK", got)
	}
	if n.resolveCount() != 0 {
		t.Error("TEST must not touch the notifier")
	}
}

func TestUnknownCommand(t *testing.T) {
	c := stats.NewCollector()
	conn := dial(t, startProxy(t, newPlainProxy(newFakeNotifier(proto.Target{}, nil), c)))
	_, _ = conn.Write([]byte("XXXX"))
	if got := readAll(t, conn); !bytes.Equal(got, proto.ResponseErrorCommand) {
		t.Errorf("got %q, want ERROR_COMMAND", got)
	}
	if c.Shard(0).Errors.Load() != 1 {
		t.Errorf("expected one error counted")
	}
}

func TestPartialCommandTimesOut(t *testing.T) {
	conn := dial(t, startProxy(t, newPlainProxy(newFakeNotifier(proto.Target{}, nil), stats.NewCollector())))
	_, _ = conn.Write([]byte("OP"))
	if got := readAll(t, conn); !bytes.Equal(got, proto.ResponseErrorTimeout) {
		t.Errorf("got %q, want TIMEOUT", got)
	}
}

func TestSilentCommandTimesOut(t *testing.T) {
	conn := dial(t, startProxy(t, newPlainProxy(newFakeNotifier(proto.Target{}, nil), stats.NewCollector())))
	if got := readAll(t, conn); !bytes.Equal(got, proto.ResponseErrorTimeout) {
		t.Errorf("got %q, want TIMEOUT", got)
	}
}

func TestEarlyCloseIsSilent(t *testing.T) {
	addr := startProxy(t, newPlainProxy(newFakeNotifier(proto.Target{}, nil), stats.NewCollector()))
	conn := dial(t, addr)
	_ = conn.(*net.TCPConn).CloseWrite()
	if got := readAll(t, conn); len(got) != 0 {
		t.Errorf("expected no bytes, got %q", got)
	}
}

func TestTicketTimeout(t *testing.T) {
	conn := dial(t, startProxy(t, newPlainProxy(newFakeNotifier(proto.Target{}, nil), stats.NewCollector())))
	_, _ = conn.Write(append(append([]byte{}, proto.CommandOpen...), "short"...))
	if got := readAll(t, conn); !bytes.Equal(got, proto.ResponseErrorTimeout) {
		t.Errorf("got %q, want TIMEOUT", got)
	}
}

func TestMalformedTicketNeverResolved(t *testing.T) {
	n := newFakeNotifier(proto.Target{Host: "127.0.0.1", Port: 1}, nil)
	conn := dial(t, startProxy(t, newPlainProxy(n, stats.NewCollector())))
	bad := strings.Repeat("-", proto.TicketLength)
	_, _ = conn.Write(append(append([]byte{}, proto.CommandOpen...), bad...))
	if got := readAll(t, conn); !bytes.Equal(got, proto.ResponseErrorTimeout) {
		t.Errorf("got %q, want TIMEOUT", got)
	}
	if n.resolveCount() != 0 {
		t.Error("malformed ticket reached the notifier")
	}
}

func TestResolveFailure(t *testing.T) {
	n := newFakeNotifier(proto.Target{}, errors.New("ticket not resolved"))
	conn := dial(t, startProxy(t, newPlainProxy(n, stats.NewCollector())))
	_, _ = conn.Write(append(append([]byte{}, proto.CommandOpen...), validTicket...))
	if got := readAll(t, conn); !bytes.Equal(got, proto.ResponseErrorTimeout) {
		t.Errorf("got %q, want TIMEOUT", got)
	}
	if n.resolveCount() != 1 {
		t.Errorf("expected one resolve, got %d", n.resolveCount())
	}
}

func TestBackendUnreachableClosesSilently(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	n := newFakeNotifier(proto.Target{Host: "127.0.0.1", Port: port, Notify: "nn"}, nil)
	conn := dial(t, startProxy(t, newPlainProxy(n, stats.NewCollector())))
	_, _ = conn.Write(append(append([]byte{}, proto.CommandOpen...), validTicket...))
	if got := readAll(t, conn); len(got) != 0 {
		t.Errorf("expected empty close, got %q", got)
	}
	select {
	case call := <-n.stops:
		if call.notify != "nn" || call.sent != 0 || call.recv != 0 {
			t.Errorf("unexpected stop: %+v", call)
		}
	case <-time.After(2 * time.Second):
		t.Error("stop not notified")
	}
}

func roundTrip(t *testing.T, network, backendAddr string) {
	backend := startEcho(t, network, backendAddr)
	host, portStr, _ := net.SplitHostPort(backend)
	port, _ := strconv.Atoi(portStr)
	n := newFakeNotifier(proto.Target{Host: host, Port: port, Notify: "notify-1"}, nil)

	tlsCfg, err := testcert.ServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	c := stats.NewCollector()
	p := New(Config{TLS: tlsCfg, CommandTimeout: time.Second, ConnectTimeout: time.Second}, n, c, nil)
	raw := dial(t, startProxy(t, p))
	conn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})

	if _, err := conn.Write(append(append([]byte{}, proto.CommandOpen...), validTicket...)); err != nil {
		t.Fatal(err)
	}
	resp := make([]byte, len(proto.ResponseOK))
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, resp); err != nil || !bytes.Equal(resp, proto.ResponseOK) {
		t.Fatalf("expected OK, got %q err=%v", resp, err)
	}

	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	go func() { _, _ = conn.Write(payload) }()
	echo := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(echo, payload) {
		t.Fatal("echo differs from payload")
	}
	if sessions := c.Sessions(); len(sessions) != 1 {
		t.Errorf("expected 1 live session, got %d", len(sessions))
	}
	conn.Close()

	select {
	case call := <-n.stops:
		if call.notify != "notify-1" || call.sent != int64(len(payload)) || call.recv != int64(len(payload)) {
			t.Errorf("unexpected stop: %+v", call)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stop not notified")
	}
	w := c.Shard(0).Snapshot(0)
	if w.Tunnels != 1 || w.Sent != int64(len(payload)) || w.Recv != int64(len(payload)) {
		t.Errorf("unexpected counters: %+v", w)
	}
	if len(c.Sessions()) != 0 {
		t.Error("session not removed after close")
	}
}

func TestRoundTripIPv4(t *testing.T) { roundTrip(t, "tcp4", "127.0.0.1:0") }

func TestRoundTripIPv6Backend(t *testing.T) { roundTrip(t, "tcp6", "[::1]:0") }

func TestTLSGarbageClosesSilently(t *testing.T) {
	tlsCfg, err := testcert.ServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	p := New(Config{TLS: tlsCfg, CommandTimeout: 200 * time.Millisecond}, newFakeNotifier(proto.Target{}, nil), stats.NewCollector(), nil)
	conn := dial(t, startProxy(t, p))
	_, _ = conn.Write([]byte("TEST"))
	got := readAll(t, conn)
	if bytes.Contains(got, proto.ResponseOK) {
		t.Errorf("plaintext command must not be answered on a TLS listener: %q", got)
	}
}

func TestStatsCommand(t *testing.T) {
	c := stats.NewCollector()
	c.Shard(0).Accepted.Add(5)
	password := func(s string) []byte {
		b := make([]byte, proto.PasswordLength)
		copy(b, s)
		return b
	}
	cases := []struct {
		name    string
		allowed bool
		cmd     []byte
		pass    string
		want    string
	}{
		{"summary", true, proto.CommandInfo, "s3cret", "total active="},
		{"detailed", true, proto.CommandStat, "s3cret", "sessions 0"},
		{"wrong password", true, proto.CommandInfo, "nope", "FORBIDDEN"},
		{"not allowed", false, proto.CommandInfo, "s3cret", "FORBIDDEN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(Config{CommandTimeout: time.Second, Secret: "s3cret", Allowed: func(string) bool { return tc.allowed }}, newFakeNotifier(proto.Target{}, nil), c, nil)
			conn := dial(t, startProxy(t, p))
			_, _ = conn.Write(append(append([]byte{}, tc.cmd...), password(tc.pass)...))
			got := string(readAll(t, conn))
			if !strings.Contains(got, tc.want) {
				t.Errorf("got %q, want it to contain %q", got, tc.want)
			}
			if tc.want != "FORBIDDEN" && !strings.Contains(got, "accepted=5") {
				t.Errorf("report missing counters: %q", got)
			}
		})
	}
}

func TestStatsQueryLeavesCountersAlone(t *testing.T) {
	c := stats.NewCollector()
	p := New(Config{CommandTimeout: time.Second, Secret: "s3cret", Allowed: func(string) bool { return true }}, newFakeNotifier(proto.Target{}, nil), c, nil)
	addr := startProxy(t, p)
	query := func(cmd []byte, pass string) string {
		conn := dial(t, addr)
		buf := make([]byte, proto.PasswordLength)
		copy(buf, pass)
		_, _ = conn.Write(append(append([]byte{}, cmd...), buf...))
		return string(readAll(t, conn))
	}

	if got := query(proto.CommandInfo, "s3cret"); !strings.HasPrefix(got, "total ") {
		t.Fatalf("INFO = %q", got)
	}
	if got := query(proto.CommandStat, "wrong"); got != "FORBIDDEN" {
		t.Fatalf("STAT with bad password = %q", got)
	}
	if w := c.Shard(0).Snapshot(0); w.Accepted != 0 || w.Errors != 0 {
		t.Errorf("stats queries changed counters: %+v", w)
	}

	conn := dial(t, addr)
	_, _ = conn.Write(proto.CommandTest)
	_ = readAll(t, conn)
	if w := c.Shard(0).Snapshot(0); w.Accepted != 1 {
		t.Errorf("TEST not counted: %+v", w)
	}
}

func TestBackendNetwork(t *testing.T) {
	cases := []struct {
		host string
		ipv6 bool
		want string
	}{
		{"10.0.0.1", false, "tcp"},
		{"10.0.0.1", true, "tcp"},
		{"fe80::1", false, "tcp6"},
		{"rdp.example.com", false, "tcp"},
		{"rdp.example.com", true, "tcp"},
		{"backend", true, "tcp6"},
		{"backend", false, "tcp"},
	}
	for _, tc := range cases {
		if got := backendNetwork(tc.host, tc.ipv6); got != tc.want {
			t.Errorf("backendNetwork(%q, %v) = %q, want %q", tc.host, tc.ipv6, got, tc.want)
		}
	}
}
