package main

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"

	"github.com/openuds/udstunnel/internal/client"
	"github.com/openuds/udstunnel/internal/obs"
)

// Forwarder accepts local connections and opens one tunnel per connection.
type Forwarder struct {
	dialer  client.Dialer
	ticket  string
	timeout time.Duration

	ln      net.Listener
	active  atomic.Int64
	started atomic.Bool
	wg      sync.WaitGroup
}

func NewForwarder(c Config) *Forwarder {
	d := client.Dialer{Addr: c.ServerAddr, Timeout: 10 * time.Second, TLS: &tls.Config{}}
	if c.Insecure {
		d.TLS.InsecureSkipVerify = true
		obs.Warn("forward.insecure", obs.Fields{"server": c.ServerAddr})
	}
	return &Forwarder{dialer: d, ticket: c.Ticket, timeout: c.Timeout}
}

// Listen binds the local side and returns its address.
func (f *Forwarder) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	f.ln = ln
	return ln.Addr(), nil
}

// Run accepts until ctx ends or the timeout rule stops it, then waits for open relays.
func (f *Forwarder) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = f.ln.Close()
	}()
	if f.timeout > 0 {
		go f.watchTimeout(ctx, cancel)
	}
	b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 2 * time.Second}
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			d := b.Duration()
			obs.Error("forward.accept", obs.Fields{"err": err.Error(), "retry_in": d.String()})
			time.Sleep(d)
			continue
		}
		b.Reset()
		f.started.Store(true)
		f.active.Add(1)
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			defer f.active.Add(-1)
			f.handle(ctx, conn)
		}()
	}
	f.wg.Wait()
	return nil
}

// watchTimeout stops the forwarder when nothing connected in time, or when it went idle after the deadline.
func (f *Forwarder) watchTimeout(ctx context.Context, stop context.CancelFunc) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(f.timeout):
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !f.started.Load() || f.active.Load() == 0 {
			obs.Info("forward.timeout", obs.Fields{"started": f.started.Load()})
			stop()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, local net.Conn) {
	defer local.Close()
	remote, err := f.dialer.Open(ctx, f.ticket)
	if err != nil {
		obs.Error("forward.open", obs.Fields{"err": err.Error(), "server": f.dialer.Addr})
		return
	}
	defer remote.Close()
	obs.Info("forward.tunnel", obs.Fields{"local": local.RemoteAddr().String(), "server": f.dialer.Addr})

	var sent, recv int64
	var once sync.Once
	closeBoth := func() {
		_ = local.Close()
		_ = remote.Close()
	}
	done := make(chan struct{}, 2)
	go func() {
		sent, _ = io.Copy(remote, local)
		once.Do(closeBoth)
		done <- struct{}{}
	}()
	go func() {
		recv, _ = io.Copy(local, remote)
		once.Do(closeBoth)
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		once.Do(closeBoth)
		<-done
	}
	<-done
	obs.Info("forward.closed", obs.Fields{"sent": sizestr.ToString(sent), "recv": sizestr.ToString(recv)})
}
