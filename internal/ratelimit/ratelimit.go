// Package ratelimit admission-controls the exchange endpoints. The primary
// limiter counts in redis so the limit holds across replicas; when redis is
// unreachable each replica degrades to an in-process token bucket rather
// than failing open or closed outright.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"auth9.org/internal/obs"
)

// Limiter answers whether one more request from key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Local is a per-key token bucket kept in process memory. Idle buckets are
// swept after a TTL so the map stays bounded.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*localBucket

	perSecond rate.Limit
	burst     int
	ttl       time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type localBucket struct {
	lim *rate.Limiter
	ts  time.Time
}

// NewLocal builds an in-process limiter allowing perSecond sustained requests
// with the given burst per key.
func NewLocal(perSecond, burst int) *Local {
	l := &Local{
		buckets:   make(map[string]*localBucket),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		ttl:       5 * time.Minute,
		stop:      make(chan struct{}),
	}
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-l.stop:
				return
			}
		}
	}()
	return l
}

// Close stops the background sweeper. The limiter itself stays usable.
func (l *Local) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Local) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for k, b := range l.buckets {
		if now.Sub(b.ts) > l.ttl {
			delete(l.buckets, k)
		}
	}
}

func (l *Local) Allow(_ context.Context, key string) bool {
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[key] = b
	}
	b.ts = time.Now()
	l.mu.Unlock()
	return b.lim.Allow()
}

// Redis is a fixed-window counter shared across replicas. Any redis failure
// routes the decision to the fallback limiter.
type Redis struct {
	client   *redis.Client
	limit    int64
	window   time.Duration
	prefix   string
	fallback Limiter
}

// NewRedis builds a limiter allowing limit requests per window per key.
func NewRedis(client *redis.Client, limit int, window time.Duration, fallback Limiter) *Redis {
	return &Redis{
		client:   client,
		limit:    int64(limit),
		window:   window,
		prefix:   "auth9:rl:",
		fallback: fallback,
	}
}

func (r *Redis) Allow(ctx context.Context, key string) bool {
	if key == "" {
		key = "unknown"
	}
	window := time.Now().Unix() / int64(r.window.Seconds())
	redisKey := fmt.Sprintf("%s%s:%d", r.prefix, key, window)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.LogEvent(map[string]any{
			"level": "warn",
			"msg":   "rate limiter redis unavailable, using local fallback",
			"err":   err.Error(),
		})
		if r.fallback != nil {
			return r.fallback.Allow(ctx, key)
		}
		// No fallback configured: admit rather than hard-fail the whole
		// exchange path on a limiter outage.
		return true
	}
	return incr.Val() <= r.limit
}

// KeyFor picks the strongest available identity signal for limiting: the
// authenticated subject when known, the client address otherwise.
func KeyFor(subject, remoteAddr string) string {
	subject = strings.TrimSpace(subject)
	if subject != "" {
		return "sub:" + subject
	}
	if host := strings.TrimSpace(remoteAddr); host != "" {
		return "ip:" + host
	}
	return "unknown"
}
