package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vizbridge/vizbridge/internal/metrics"
)

const (
	// limiterIdle is how long a client bucket may go unused before the
	// sweeper discards it.
	limiterIdle  = 3 * time.Minute
	limiterSweep = time.Minute
)

// ClientLimiter hands out one token bucket per client key so a single
// chatty dashboard cannot starve the chat endpoints for everyone else.
type ClientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	rps     rate.Limit
	burst   int
	stop    chan struct{}
	once    sync.Once
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter creates a limiter allowing rps requests per second with
// the given burst per client, and starts a background sweep of idle buckets.
func NewClientLimiter(rps float64, burst int) *ClientLimiter {
	cl := &ClientLimiter{
		clients: make(map[string]*clientEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		stop:    make(chan struct{}),
	}
	go cl.sweepLoop()
	return cl
}

// Allow reports whether the client identified by key may proceed, creating
// its bucket on first sight.
func (cl *ClientLimiter) Allow(key string) bool {
	cl.mu.Lock()
	e, ok := cl.clients[key]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.clients[key] = e
	}
	e.lastSeen = time.Now()
	cl.mu.Unlock()

	return e.limiter.Allow()
}

// Close stops the background sweeper. Safe to call more than once.
func (cl *ClientLimiter) Close() {
	cl.once.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweep)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.sweep(time.Now().Add(-limiterIdle))
		}
	}
}

func (cl *ClientLimiter) sweep(cutoff time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for key, e := range cl.clients {
		if e.lastSeen.Before(cutoff) {
			delete(cl.clients, key)
		}
	}
}

// RateLimitMiddleware rejects requests exceeding the per-client budget with
// 429 before they reach the exchange pipeline.
func RateLimitMiddleware(limiter *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				metrics.RateLimited.Inc()
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller by remote IP, falling back to the raw
// RemoteAddr when it has no port component.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
