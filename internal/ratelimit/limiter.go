package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// Limiter keeps one token bucket per client key and expires idle buckets so
// the map does not grow with every address ever seen.
type Limiter struct {
	capacity   float64
	refillRate float64
	idleTTL    time.Duration

	mu      sync.Mutex
	buckets map[string]*entry
}

type entry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// NewLimiter returns a Limiter with the given per-client bucket parameters.
func NewLimiter(capacity, refillRate float64) *Limiter {
	l := &Limiter{
		capacity:   capacity,
		refillRate: refillRate,
		idleTTL:    10 * time.Minute,
		buckets:    map[string]*entry{},
	}
	return l
}

// Allow reports whether the client identified by key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{bucket: NewTokenBucket(l.capacity, l.refillRate)}
		l.buckets[key] = e
		l.sweepLocked()
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.bucket.Allow()
}

// sweepLocked drops buckets idle longer than idleTTL. Callers hold l.mu.
func (l *Limiter) sweepLocked() {
	cutoff := time.Now().Add(-l.idleTTL)
	for key, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Middleware limits requests per remote IP, answering 429 when a client
// exhausts its bucket.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}
		if !l.Allow(key) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
