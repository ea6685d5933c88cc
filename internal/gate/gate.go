// Package gate filters freshly accepted sockets by their handshake preamble.
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/openuds/udstunnel/internal/obs"
	"github.com/openuds/udstunnel/internal/proto"
)

var (
	ErrMismatch  = errors.New("handshake mismatch")
	ErrQueueFull = errors.New("handshake queue full")
	ErrClosed    = errors.New("gate closed")
)

// Dispatcher receives sockets that passed the handshake. On error the gate closes the socket.
type Dispatcher interface {
	Dispatch(conn net.Conn) error
}

// Check reads the preamble from conn within timeout and clears the deadline on success.
func Check(conn net.Conn, timeout time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	buf := make([]byte, len(proto.Handshake))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if !bytes.Equal(buf, proto.Handshake) {
		return ErrMismatch
	}
	return conn.SetReadDeadline(time.Time{})
}

// Gate runs handshake reads on a bounded set of goroutines so a slow peer never stalls accept.
type Gate struct {
	queue   chan net.Conn
	workers int
	timeout time.Duration
	next    Dispatcher

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(workers, queue int, timeout time.Duration, next Dispatcher) *Gate {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers
	}
	return &Gate{
		queue:   make(chan net.Conn, queue),
		workers: workers,
		timeout: timeout,
		next:    next,
	}
}

// Submit queues conn for checking. The gate owns conn afterwards, even on error.
func (g *Gate) Submit(conn net.Conn) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		_ = conn.Close()
		return ErrClosed
	}
	select {
	case g.queue <- conn:
		return nil
	default:
		_ = conn.Close()
		obs.HandshakeRejected.Inc()
		obs.ErrorsTotal.WithLabelValues("gate_queue_full").Inc()
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until Close was called and the queue drained, or ctx ended.
func (g *Gate) Run(ctx context.Context) {
	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go g.worker(ctx)
	}
	g.wg.Wait()
}

// Close stops accepting submissions. Queued sockets are still checked.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.queue)
}

func (g *Gate) worker(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			g.drain()
			return
		case conn, ok := <-g.queue:
			if !ok {
				return
			}
			g.handle(conn)
		}
	}
}

func (g *Gate) handle(conn net.Conn) {
	if err := Check(conn, g.timeout); err != nil {
		_ = conn.Close()
		obs.HandshakeRejected.Inc()
		obs.Debug("gate.reject", obs.Fields{"remote": conn.RemoteAddr().String(), "err": err.Error()})
		return
	}
	if err := g.next.Dispatch(conn); err != nil {
		_ = conn.Close()
		obs.Warn("gate.dispatch_failed", obs.Fields{"remote": conn.RemoteAddr().String(), "err": err.Error()})
	}
}

func (g *Gate) drain() {
	for {
		select {
		case conn, ok := <-g.queue:
			if !ok {
				return
			}
			_ = conn.Close()
		default:
			return
		}
	}
}
