package stats

import (
	"sync/atomic"
	"time"
)

// Counters is one worker's shard. Only sessions running on that worker mutate it.
type Counters struct {
	Active   atomic.Int64
	Accepted atomic.Int64
	Tunnels  atomic.Int64
	Sent     atomic.Int64
	Recv     atomic.Int64
	Errors   atomic.Int64
}

// WorkerStats is a point-in-time copy of a shard.
type WorkerStats struct {
	Instance string `json:"instance,omitempty"`
	Worker   int    `json:"worker"`
	Active   int64  `json:"active"`
	Accepted int64  `json:"accepted"`
	Tunnels  int64  `json:"tunnels"`
	Sent     int64  `json:"sent"`
	Recv     int64  `json:"recv"`
	Errors   int64  `json:"errors"`
}

func (c *Counters) Snapshot(worker int) WorkerStats {
	return WorkerStats{
		Worker:   worker,
		Active:   c.Active.Load(),
		Accepted: c.Accepted.Load(),
		Tunnels:  c.Tunnels.Load(),
		Sent:     c.Sent.Load(),
		Recv:     c.Recv.Load(),
		Errors:   c.Errors.Load(),
	}
}

// Session describes one opened tunnel.
type Session struct {
	ID      string    `json:"id"`
	Worker  int       `json:"worker"`
	Source  string    `json:"source"`
	Target  string    `json:"target"`
	Started time.Time `json:"started"`
	Sent    int64     `json:"sent"`
	Recv    int64     `json:"recv"`
}

// Tunnel is the live form of a Session. Byte counts feed both the session and its worker shard.
type Tunnel struct {
	info     Session
	sent     atomic.Int64
	recv     atomic.Int64
	counters *Counters
}

func (t *Tunnel) ID() string { return t.info.ID }

// AddSent records client to backend bytes.
func (t *Tunnel) AddSent(n int64) {
	t.sent.Add(n)
	t.counters.Sent.Add(n)
}

// AddRecv records backend to client bytes.
func (t *Tunnel) AddRecv(n int64) {
	t.recv.Add(n)
	t.counters.Recv.Add(n)
}

func (t *Tunnel) Sent() int64 { return t.sent.Load() }
func (t *Tunnel) Recv() int64 { return t.recv.Load() }

func (t *Tunnel) Session() Session {
	s := t.info
	s.Sent = t.sent.Load()
	s.Recv = t.recv.Load()
	return s
}
