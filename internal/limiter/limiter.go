// Package limiter applies per-key rate limits to the ingest path.
package limiter

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tunnelmesh/fleet/internal/config"
	"github.com/tunnelmesh/fleet/internal/logger"
)

// KeyedLimiter maintains a token bucket per key (instance id, client ip).
// Buckets idle past the eviction window are dropped by Cleanup.
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	limit rate.Limit
	burst int
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter builds a limiter from throttling config.
func NewKeyedLimiter(cfg config.ThrottlingConfig) *KeyedLimiter {
	return &KeyedLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(cfg.HeartbeatsPerSecond),
		burst:   cfg.HeartbeatBurst,
	}
}

// Allow reports whether an event for key may proceed now. Empty keys are
// never limited.
func (kl *KeyedLimiter) Allow(key string) bool {
	if key == "" {
		return true
	}

	kl.mu.Lock()
	b, ok := kl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(kl.limit, kl.burst)}
		kl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	kl.mu.Unlock()

	allowed := b.lim.Allow()
	if !allowed {
		logger.Debug("Rate limit exceeded", zap.String("key", key))
	}
	return allowed
}

// Cleanup removes buckets idle longer than maxIdle.
func (kl *KeyedLimiter) Cleanup(maxIdle time.Duration) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for key, b := range kl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(kl.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.buckets)
}
