package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Collector holds every worker shard and the open tunnel table of this process.
// Shards are keyed by worker index and survive worker restarts.
type Collector struct {
	mu       sync.RWMutex
	shards   map[int]*Counters
	sessions map[string]*Tunnel
	now      func() time.Time
}

func NewCollector() *Collector {
	return &Collector{
		shards:   make(map[int]*Counters),
		sessions: make(map[string]*Tunnel),
		now:      time.Now,
	}
}

// Shard returns the counters for worker idx, creating them on first use.
func (c *Collector) Shard(idx int) *Counters {
	c.mu.RLock()
	s, ok := c.shards[idx]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.shards[idx]; !ok {
		s = &Counters{}
		c.shards[idx] = s
	}
	return s
}

// Workers snapshots every shard ordered by worker index.
func (c *Collector) Workers() []WorkerStats {
	c.mu.RLock()
	out := make([]WorkerStats, 0, len(c.shards))
	for idx, s := range c.shards {
		out = append(out, s.Snapshot(idx))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

// Open registers a tunnel for worker and counts it on the worker's shard.
func (c *Collector) Open(worker int, source, target string) *Tunnel {
	shard := c.Shard(worker)
	t := &Tunnel{
		info: Session{
			ID:      uuid.NewString(),
			Worker:  worker,
			Source:  source,
			Target:  target,
			Started: c.now().UTC(),
		},
		counters: shard,
	}
	shard.Tunnels.Add(1)
	c.mu.Lock()
	c.sessions[t.info.ID] = t
	c.mu.Unlock()
	return t
}

func (c *Collector) Close(t *Tunnel) {
	c.mu.Lock()
	delete(c.sessions, t.info.ID)
	c.mu.Unlock()
}

// Sessions snapshots the open tunnels, oldest first.
func (c *Collector) Sessions() []Session {
	c.mu.RLock()
	out := make([]Session, 0, len(c.sessions))
	for _, t := range c.sessions {
		out = append(out, t.Session())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

func (c *Collector) Report() Report {
	return Report{
		Generated: c.now().UTC(),
		Workers:   c.Workers(),
		Sessions:  c.Sessions(),
	}
}
