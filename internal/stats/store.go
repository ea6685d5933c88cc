package stats

import (
	"context"
	"time"

	"github.com/openuds/udstunnel/internal/obs"
)

// Store exposes the collector to readers outside the owning goroutines.
// The memory backend serves a single process; the redis backend lets a separate
// invocation attach and read the same table.
type Store interface {
	SessionOpened(ctx context.Context, s Session) error
	SessionClosed(ctx context.Context, s Session) error
	// Flush publishes the current collector state.
	Flush(ctx context.Context) error
	Report(ctx context.Context) (Report, error)
	Close() error
}

type StoreConfig struct {
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	Prefix        string
	FlushInterval time.Duration
}

// NewStore creates either an in-memory or Redis-backed store. c may be nil for a read-only attach.
func NewStore(ctx context.Context, cfg StoreConfig, c *Collector) (Store, error) {
	if cfg.RedisAddress == "" {
		obs.Info("stats.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(c), nil
	}
	obs.Info("stats.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddress})
	return NewRedisStore(ctx, cfg, c)
}

// RunFlusher calls Flush every interval until ctx ends, then once more.
func RunFlusher(ctx context.Context, s Store, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.Flush(fctx); err != nil {
				obs.Warn("stats.flush_final", obs.Fields{"err": err.Error()})
			}
			cancel()
			return nil
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				obs.Warn("stats.flush", obs.Fields{"err": err.Error()})
			}
		}
	}
}
