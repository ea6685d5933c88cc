package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openuds/udstunnel/internal/obs"
)

// redisStore mirrors the collector into Redis so a separate invocation can read it.
// Keys: <prefix>:instances (set), <prefix>:workers:<instance> and <prefix>:sessions:<instance> (hashes).
type redisStore struct {
	client     *redis.Client
	c          *Collector
	prefix     string
	instanceID string
	keyTTL     time.Duration

	// mu orders Flush against session events so a close never lands inside a flush.
	mu sync.Mutex
	// afterSnapshot runs between reading the collector and writing Redis. Tests only.
	afterSnapshot func()
}

func NewRedisStore(ctx context.Context, cfg StoreConfig, c *Collector) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	ttl := 3 * cfg.FlushInterval
	if ttl < 15*time.Second {
		ttl = 15 * time.Second
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "udstunnel"
	}
	host, _ := os.Hostname()
	return &redisStore{
		client:     rdb,
		c:          c,
		prefix:     prefix,
		instanceID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		keyTTL:     ttl,
	}, nil
}

var _ Store = (*redisStore)(nil)

func (r *redisStore) instancesKey() string { return r.prefix + ":instances" }
func (r *redisStore) workersKey(instance string) string {
	return r.prefix + ":workers:" + instance
}
func (r *redisStore) sessionsKey(instance string) string {
	return r.prefix + ":sessions:" + instance
}

func (r *redisStore) SessionOpened(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.sessionsKey(r.instanceID), s.ID, data)
	pipe.Expire(ctx, r.sessionsKey(r.instanceID), r.keyTTL)
	pipe.SAdd(ctx, r.instancesKey(), r.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis session open: %w", err)
	}
	return nil
}

func (r *redisStore) SessionClosed(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.client.HDel(ctx, r.sessionsKey(r.instanceID), s.ID).Err(); err != nil {
		return fmt.Errorf("redis session close: %w", err)
	}
	return nil
}

// Flush rewrites this instance's worker and session hashes and extends their TTL.
// Session events wait for it, so a tunnel closed after the snapshot is removed once the rewrite lands.
func (r *redisStore) Flush(ctx context.Context) error {
	if r.c == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	workers := make(map[string]any)
	for _, w := range r.c.Workers() {
		w.Instance = r.instanceID
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("marshal worker: %w", err)
		}
		workers[strconv.Itoa(w.Worker)] = data
	}
	sessions := make(map[string]any)
	for _, s := range r.c.Sessions() {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		sessions[s.ID] = data
	}
	if r.afterSnapshot != nil {
		r.afterSnapshot()
	}
	wk, sk := r.workersKey(r.instanceID), r.sessionsKey(r.instanceID)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.instancesKey(), r.instanceID)
	pipe.Expire(ctx, r.instancesKey(), r.keyTTL)
	pipe.Del(ctx, wk, sk)
	if len(workers) > 0 {
		pipe.HSet(ctx, wk, workers)
		pipe.Expire(ctx, wk, r.keyTTL)
	}
	if len(sessions) > 0 {
		pipe.HSet(ctx, sk, sessions)
		pipe.Expire(ctx, sk, r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis flush: %w", err)
	}
	return nil
}

// Report reads every live instance. Instances whose keys expired are pruned from the set.
func (r *redisStore) Report(ctx context.Context) (Report, error) {
	instances, err := r.client.SMembers(ctx, r.instancesKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Report{}, fmt.Errorf("redis instances: %w", err)
	}
	sort.Strings(instances)
	rep := Report{Generated: time.Now().UTC()}
	for _, inst := range instances {
		wvals, err := r.client.HGetAll(ctx, r.workersKey(inst)).Result()
		if err != nil {
			return Report{}, fmt.Errorf("redis workers %s: %w", inst, err)
		}
		svals, err := r.client.HGetAll(ctx, r.sessionsKey(inst)).Result()
		if err != nil {
			return Report{}, fmt.Errorf("redis sessions %s: %w", inst, err)
		}
		if len(wvals) == 0 && len(svals) == 0 {
			if err := r.client.SRem(ctx, r.instancesKey(), inst).Err(); err != nil {
				obs.Warn("stats.redis.prune", obs.Fields{"instance": inst, "err": err.Error()})
			}
			continue
		}
		var workers []WorkerStats
		for field, raw := range wvals {
			var w WorkerStats
			if err := json.Unmarshal([]byte(raw), &w); err != nil {
				obs.Warn("stats.redis.decode_worker", obs.Fields{"instance": inst, "worker": field, "err": err.Error()})
				continue
			}
			w.Instance = inst
			workers = append(workers, w)
		}
		sort.Slice(workers, func(i, j int) bool { return workers[i].Worker < workers[j].Worker })
		rep.Workers = append(rep.Workers, workers...)
		for id, raw := range svals {
			var s Session
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				obs.Warn("stats.redis.decode_session", obs.Fields{"instance": inst, "session": id, "err": err.Error()})
				continue
			}
			rep.Sessions = append(rep.Sessions, s)
		}
	}
	sort.Slice(rep.Sessions, func(i, j int) bool { return rep.Sessions[i].Started.Before(rep.Sessions[j].Started) })
	return rep, nil
}

// Close removes this instance's keys when it owned a collector, then closes the client.
func (r *redisStore) Close() error {
	if r.c != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, r.workersKey(r.instanceID), r.sessionsKey(r.instanceID))
		pipe.SRem(ctx, r.instancesKey(), r.instanceID)
		if _, err := pipe.Exec(ctx); err != nil {
			obs.Warn("stats.redis.cleanup", obs.Fields{"err": err.Error()})
		}
		cancel()
	}
	return r.client.Close()
}
