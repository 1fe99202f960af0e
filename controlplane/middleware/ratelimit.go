package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/switchyardhq/switchyard/controlplane/fault"
	"github.com/switchyardhq/switchyard/controlplane/observability"
)

// SubmitLimiter is a per-principal token bucket on task submission. It
// bounds webhook-driven recursion: an orchestrator resubmitting through
// its own callbacks drains its bucket instead of flooding the queue.
type SubmitLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     rate.Limit
	burst    int
	lastSeen time.Duration
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewSubmitLimiter allows ratePerSec submissions per principal sustained,
// with the given burst.
func NewSubmitLimiter(ratePerSec float64, burst int) *SubmitLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	if burst <= 0 {
		burst = 20
	}
	return &SubmitLimiter{
		buckets:  make(map[string]*bucket),
		rate:     rate.Limit(ratePerSec),
		burst:    burst,
		lastSeen: 10 * time.Minute,
	}
}

// Allow consumes one token for the principal.
func (l *SubmitLimiter) Allow(principalID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[principalID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[principalID] = b
	}
	b.seen = time.Now()

	// Opportunistic GC keeps the map bounded by active principals.
	if len(l.buckets) > 1024 {
		cutoff := time.Now().Add(-l.lastSeen)
		for id, st := range l.buckets {
			if st.seen.Before(cutoff) {
				delete(l.buckets, id)
			}
		}
	}
	return b.limiter.Allow()
}

// Limit rejects submissions past the principal's bucket with 429.
func (l *SubmitLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFrom(r.Context())
		if !ok {
			writeFault(w, r, fault.New(fault.Unauthenticated, "no principal"))
			return
		}
		if !l.Allow(principal.ID) {
			observability.RateLimited.Inc()
			writeFault(w, r, fault.New(fault.RateLimited, "submission rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
