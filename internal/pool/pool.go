// Package pool spreads handshake-validated connections across long-lived worker routines.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openuds/udstunnel/internal/obs"
	"github.com/openuds/udstunnel/internal/stats"
)

var (
	ErrNoWorker   = errors.New("no worker can take the connection")
	ErrPoolClosed = errors.New("pool closed")
)

// Handler runs one connection to completion and owns conn. ctx ends when the grace period expires.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn, worker int)
}

type HandlerFunc func(ctx context.Context, conn net.Conn, worker int)

func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn, worker int) { f(ctx, conn, worker) }

type Config struct {
	Workers     int
	Backlog     int
	GracePeriod time.Duration
}

type worker struct {
	index    int
	gen      int
	inbox    chan net.Conn
	counters *stats.Counters
	queued   atomic.Int64
	dead     atomic.Bool
}

// load is what routing compares: running sessions plus queued ones.
func (w *worker) load() int64 {
	return w.counters.Active.Load() + w.queued.Load()
}

// WorkerInfo describes a routing slot.
type WorkerInfo struct {
	Index      int
	Generation int
	Active     int64
	Queued     int
}

type Pool struct {
	cfg       Config
	handler   Handler
	collector *stats.Collector

	mu      sync.Mutex
	workers []*worker
	next    int
	closed  bool

	hardCtx    context.Context
	hardCancel context.CancelFunc
	loops      sync.WaitGroup
	sessions   sync.WaitGroup
}

// New starts cfg.Workers worker routines.
func New(cfg Config, collector *stats.Collector, handler Handler) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 1
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if collector == nil {
		collector = stats.NewCollector()
	}
	hardCtx, hardCancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		handler:    handler,
		collector:  collector,
		workers:    make([]*worker, cfg.Workers),
		hardCtx:    hardCtx,
		hardCancel: hardCancel,
	}
	p.mu.Lock()
	for i := range p.workers {
		p.workers[i] = p.spawn(i, 0)
	}
	p.mu.Unlock()
	obs.Info("pool.start", obs.Fields{"workers": cfg.Workers, "backlog": cfg.Backlog})
	return p
}

// spawn must be called with p.mu held.
func (p *Pool) spawn(index, gen int) *worker {
	w := &worker{
		index:    index,
		gen:      gen,
		inbox:    make(chan net.Conn, p.cfg.Backlog),
		counters: p.collector.Shard(index),
	}
	p.loops.Add(1)
	go p.loop(w)
	return w
}

// Dispatch hands conn to the least loaded live worker. On error the caller still owns conn.
func (p *Pool) Dispatch(conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	for _, w := range p.candidates() {
		w.queued.Add(1)
		select {
		case w.inbox <- conn:
			p.next = (w.index + 1) % len(p.workers)
			obs.AcceptedTotal.Inc()
			return nil
		default:
			w.queued.Add(-1)
		}
	}
	obs.ErrorsTotal.WithLabelValues("pool_full").Inc()
	return ErrNoWorker
}

// candidates orders live workers by load, breaking ties round-robin from p.next. p.mu held.
func (p *Pool) candidates() []*worker {
	n := len(p.workers)
	type cand struct {
		w    *worker
		load int64
		dist int
	}
	list := make([]cand, 0, n)
	for _, w := range p.workers {
		if w.dead.Load() {
			continue
		}
		list = append(list, cand{w: w, load: w.load(), dist: (w.index - p.next + n) % n})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].load != list[j].load {
			return list[i].load < list[j].load
		}
		return list[i].dist < list[j].dist
	})
	out := make([]*worker, len(list))
	for i, c := range list {
		out[i] = c.w
	}
	return out
}

func (p *Pool) loop(w *worker) {
	defer p.loops.Done()
	for conn := range w.inbox {
		if w.dead.Load() {
			w.queued.Add(-1)
			_ = conn.Close()
			continue
		}
		// Active goes up before queued goes down so load never dips.
		w.counters.Active.Add(1)
		w.queued.Add(-1)
		p.sessions.Add(1)
		go p.run(w, conn)
	}
}

func (p *Pool) run(w *worker, conn net.Conn) {
	defer p.sessions.Done()
	obs.ActiveSessions.Inc()
	defer func() {
		w.counters.Active.Add(-1)
		obs.ActiveSessions.Dec()
	}()
	defer func() {
		if r := recover(); r != nil {
			_ = conn.Close()
			w.counters.Errors.Add(1)
			obs.ErrorsTotal.WithLabelValues("worker_panic").Inc()
			obs.Error("worker.panic", obs.Fields{"worker": w.index, "generation": w.gen, "panic": fmt.Sprint(r), "stack": string(debug.Stack())})
			p.crash(w)
		}
	}()
	p.handler.Handle(p.hardCtx, conn, w.index)
}

// crash takes w out of routing and starts its replacement. Sessions already running on w finish normally.
func (p *Pool) crash(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !w.dead.CompareAndSwap(false, true) {
		return
	}
	if p.closed {
		return
	}
	close(w.inbox)
	if p.workers[w.index] == w {
		p.workers[w.index] = p.spawn(w.index, w.gen+1)
	}
	obs.WorkerRestartsTotal.Inc()
	obs.Warn("worker.restart", obs.Fields{"worker": w.index, "generation": w.gen + 1})
}

// Workers reports the current routing slots.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, WorkerInfo{Index: w.index, Generation: w.gen, Active: w.counters.Active.Load(), Queued: int(w.queued.Load())})
	}
	return out
}

// Shutdown stops routing, waits up to the grace period for sessions, then cancels the rest.
// It returns true when every session ended inside the grace period.
func (p *Pool) Shutdown() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return true
	}
	p.closed = true
	for _, w := range p.workers {
		if !w.dead.Load() {
			close(w.inbox)
		}
	}
	p.mu.Unlock()
	p.loops.Wait()

	done := make(chan struct{})
	go func() {
		p.sessions.Wait()
		close(done)
	}()
	timer := time.NewTimer(p.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-done:
		p.hardCancel()
		obs.Info("pool.stopped", obs.Fields{"graceful": true})
		return true
	case <-timer.C:
	}
	obs.Warn("pool.grace_expired", obs.Fields{"grace": p.cfg.GracePeriod.String()})
	p.hardCancel()
	<-done
	obs.Info("pool.stopped", obs.Fields{"graceful": false})
	return false
}
