// Package notifier talks to the broker endpoint that resolves tickets and records tunnel teardown.
package notifier

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jpillora/backoff"

	"github.com/openuds/udstunnel/internal/obs"
	"github.com/openuds/udstunnel/internal/proto"
)

var (
	// ErrResolve wraps every reason a ticket could not be turned into a target.
	ErrResolve = errors.New("ticket not resolved")
	ErrStop    = errors.New("stop notification failed")
)

// StatusError is a non-2xx answer from the broker.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return "notifier status " + strconv.Itoa(e.Code) }

func (e *StatusError) retryable() bool { return e.Code >= 500 }

type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	VerifySSL bool
	Retries   int
	// Backoff bounds between attempts.
	MinDelay time.Duration
	MaxDelay time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

const maxBody = 64 * 1024

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opted out
	}
	return &Client{cfg: cfg, http: &http.Client{Transport: tr, Timeout: cfg.Timeout}}
}

// Resolve asks the broker where ticket should go. peerIP is the tunnel client's address.
func (c *Client) Resolve(ctx context.Context, ticket, peerIP string) (proto.Target, error) {
	u := c.cfg.BaseURL + "/" + url.PathEscape(ticket) + "/" + url.PathEscape(peerIP) + "/" + url.PathEscape(c.cfg.Token)
	body, err := c.get(ctx, "resolve", u)
	if err != nil {
		return proto.Target{}, fmt.Errorf("%w: %w", ErrResolve, err)
	}
	var t proto.Target
	if err := json.Unmarshal(body, &t); err != nil {
		obs.NotifierRequestsTotal.WithLabelValues("resolve", "malformed").Inc()
		return proto.Target{}, fmt.Errorf("%w: decode: %w", ErrResolve, err)
	}
	if t.Host == "" || t.Port <= 0 || t.Port > 65535 {
		obs.NotifierRequestsTotal.WithLabelValues("resolve", "malformed").Inc()
		return proto.Target{}, fmt.Errorf("%w: incomplete target %q:%d", ErrResolve, t.Host, t.Port)
	}
	return t, nil
}

// Stop reports the end of a tunnel with its byte counts.
func (c *Client) Stop(ctx context.Context, notify string, sent, recv int64) error {
	q := url.Values{}
	q.Set("sent", strconv.FormatInt(sent, 10))
	q.Set("recv", strconv.FormatInt(recv, 10))
	u := c.cfg.BaseURL + "/" + url.PathEscape(notify) + "/" + proto.StopMarker + "/" + url.PathEscape(c.cfg.Token) + "?" + q.Encode()
	if _, err := c.get(ctx, "stop", u); err != nil {
		return fmt.Errorf("%w: %w", ErrStop, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, op, rawURL string) ([]byte, error) {
	b := &backoff.Backoff{Min: c.cfg.MinDelay, Max: c.cfg.MaxDelay, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		body, err := c.once(ctx, rawURL)
		if err == nil {
			obs.NotifierRequestsTotal.WithLabelValues(op, "ok").Inc()
			return body, nil
		}
		lastErr = err
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			obs.NotifierRequestsTotal.WithLabelValues(op, "rejected").Inc()
			return nil, err
		}
		obs.NotifierRequestsTotal.WithLabelValues(op, "error").Inc()
		if attempt == c.cfg.Retries {
			break
		}
		d := b.Duration()
		obs.Debug("notifier.retry", obs.Fields{"op": op, "attempt": attempt, "delay_ms": d.Milliseconds(), "err": err.Error()})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", proto.UserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return body, nil
}
