// Package ratelimit throttles inbound websocket events per user.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Limiter reports whether one more event for key is allowed right now.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

// Local is an in-process token bucket per key.
type Local struct {
	mu   sync.Mutex
	m    map[string]*keyLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

// NewLocal starts a limiter whose idle buckets are dropped after ttl.
func NewLocal(r rate.Limit, burst int, ttl time.Duration) *Local {
	l := &Local{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
	go l.gc()
	return l
}

func (l *Local) Allow(_ context.Context, key string) bool {
	return l.get(key).Allow()
}

func (l *Local) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.m[key]
	if ok {
		kl.ts = time.Now()
		return kl.lim
	}
	lim := rate.NewLimiter(l.r, l.b)
	l.m[key] = &keyLimiter{lim: lim, ts: time.Now()}
	return lim
}

func (l *Local) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for k, v := range l.m {
				if now.Sub(v.ts) > l.ttl {
					delete(l.m, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop ends the cleanup goroutine.
func (l *Local) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Redis counts events in fixed windows shared by every instance. When Redis
// is unreachable it falls back to the local limiter.
type Redis struct {
	client   *redis.Client
	limit    int64
	window   time.Duration
	fallback Limiter
}

// NewRedis builds a fixed-window limiter allowing limit events per window.
func NewRedis(client *redis.Client, limit int, window time.Duration, fallback Limiter) *Redis {
	return &Redis{client: client, limit: int64(limit), window: window, fallback: fallback}
}

// Connect parses url and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (r *Redis) Allow(ctx context.Context, key string) bool {
	bucket := time.Now().UnixNano() / int64(r.window)
	k := fmt.Sprintf("ratelimit:events:%s:%d", key, bucket)

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis rate limit unavailable, using local limiter")
		if r.fallback != nil {
			return r.fallback.Allow(ctx, key)
		}
		return true
	}
	return incr.Val() <= r.limit
}

var (
	_ Limiter = (*Local)(nil)
	_ Limiter = (*Redis)(nil)
)
