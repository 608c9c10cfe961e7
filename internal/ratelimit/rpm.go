package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RPMLimiter is an in-memory token bucket limiter keyed by API key id. The
// per-minute rate comes from the key's owning user, so each bucket carries
// its own capacity.
type RPMLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	maxKeys int // max entries before evicting oldest
	stop    chan struct{}
	counter prometheus.Counter // optional: incremented on each rejection
}

type bucket struct {
	tokens   int
	lastFill time.Time
}

// RPMOption configures an RPMLimiter.
type RPMOption func(*RPMLimiter)

// WithRejectCounter sets a Prometheus counter incremented on each rejection.
func WithRejectCounter(c prometheus.Counter) RPMOption {
	return func(l *RPMLimiter) {
		l.counter = c
	}
}

// NewRPMLimiter creates a limiter and starts its background cleanup.
func NewRPMLimiter(opts ...RPMOption) *RPMLimiter {
	l := &RPMLimiter{
		buckets: make(map[string]*bucket),
		maxKeys: 100000,
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup()
	return l
}

// Allow reports whether the key may make another request at the given
// requests-per-minute rate. rpm <= 0 means unlimited.
func (l *RPMLimiter) Allow(keyID string, rpm int) bool {
	if rpm <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[keyID]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictOldest()
		}
		b = &bucket{tokens: rpm, lastFill: time.Now()}
		l.buckets[keyID] = b
	}

	// Refill tokens based on elapsed whole minutes.
	elapsed := time.Since(b.lastFill)
	refill := int(elapsed/time.Minute) * rpm
	if refill > 0 {
		b.tokens += refill
		if b.tokens > rpm {
			b.tokens = rpm
		}
		b.lastFill = time.Now()
	}

	if b.tokens <= 0 {
		if l.counter != nil {
			l.counter.Inc()
		}
		return false
	}
	b.tokens--
	return true
}

// evictOldest removes the bucket with the oldest lastFill time.
// Must be called with l.mu held.
func (l *RPMLimiter) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, b := range l.buckets {
		if first || b.lastFill.Before(oldestTime) {
			oldestKey = k
			oldestTime = b.lastFill
			first = false
		}
	}
	if !first {
		delete(l.buckets, oldestKey)
	}
}

// Stop terminates the background cleanup goroutine.
func (l *RPMLimiter) Stop() {
	close(l.stop)
}

func (l *RPMLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, b := range l.buckets {
				if b.lastFill.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
