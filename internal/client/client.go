// Package client speaks the tunnel protocol from the connecting side.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/openuds/udstunnel/internal/proto"
)

// ErrClosed means the server hung up without a response token.
var ErrClosed = errors.New("tunnel closed without response")

// ResponseError carries the token the server answered instead of OK.
type ResponseError struct {
	Token string
}

func (e *ResponseError) Error() string { return "tunnel answered " + e.Token }

type Dialer struct {
	Addr string
	// TLS is nil for a plaintext server.
	TLS     *tls.Config
	Timeout time.Duration
}

func (d Dialer) timeout() time.Duration {
	if d.Timeout <= 0 {
		return 10 * time.Second
	}
	return d.Timeout
}

// Dial connects, sends the handshake on the raw socket and then runs TLS when configured.
func (d Dialer) Dial(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.timeout()}
	raw, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	_ = raw.SetDeadline(time.Now().Add(d.timeout()))
	if _, err := raw.Write(proto.Handshake); err != nil {
		raw.Close()
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	conn := raw
	if d.TLS != nil {
		cfg := d.TLS.Clone()
		if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
			if host, _, err := net.SplitHostPort(d.Addr); err == nil {
				cfg.ServerName = host
			}
		}
		tconn := tls.Client(raw, cfg)
		if err := tconn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tconn
	}
	_ = raw.SetDeadline(time.Time{})
	return conn, nil
}

// readResponse reads the server answer. OK is returned as nil; anything else as an error.
func readResponse(conn net.Conn, deadline time.Duration) error {
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	defer conn.SetReadDeadline(time.Time{})
	head := make([]byte, len(proto.ResponseOK))
	n, err := io.ReadFull(conn, head)
	if err == nil && bytes.Equal(head, proto.ResponseOK) {
		return nil
	}
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return ErrClosed
		}
		return err
	}
	rest, _ := io.ReadAll(io.LimitReader(conn, 32))
	return &ResponseError{Token: string(head[:n]) + string(rest)}
}

// Test runs the health check command.
func (d Dialer) Test(ctx context.Context) error {
	conn, err := d.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Write(proto.CommandTest); err != nil {
		return err
	}
	return readResponse(conn, d.timeout())
}

// Open asks the server to relay to whatever ticket resolves to. The returned conn is the relay.
func (d Dialer) Open(ctx context.Context, ticket string) (net.Conn, error) {
	if len(ticket) != proto.TicketLength {
		return nil, fmt.Errorf("ticket must be %d characters", proto.TicketLength)
	}
	conn, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, proto.CommandLength+proto.TicketLength)
	msg = append(msg, proto.CommandOpen...)
	msg = append(msg, ticket...)
	if _, err := conn.Write(msg); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readResponse(conn, d.timeout()); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// QueryStats runs INFO, or STAT when detailed, and returns the report lines.
func (d Dialer) QueryStats(ctx context.Context, secret string, detailed bool) ([]string, error) {
	conn, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	cmd := proto.CommandInfo
	if detailed {
		cmd = proto.CommandStat
	}
	pass := make([]byte, proto.PasswordLength)
	copy(pass, secret)
	if _, err := conn.Write(append(append([]byte{}, cmd...), pass...)); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(d.timeout()))
	var lines []string
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) == 0 {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
	if len(lines) == 1 && !strings.Contains(lines[0], " ") {
		return nil, &ResponseError{Token: lines[0]}
	}
	return lines, nil
}
