package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// hostRateLimiter throttles outgoing requests per destination host with expiration.
type hostRateLimiter struct {
	next http.RoundTripper

	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

// RateLimit wraps next so that each destination host receives at most
// perSecond requests per second plus burst. Callers block until a token is
// available or their request context ends.
func RateLimit(perSecond float64, burst int) Middleware {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}

	return func(next http.RoundTripper) http.RoundTripper {
		return &hostRateLimiter{
			next:     next,
			visitors: make(map[string]*visitor),
			limit:    rate.Limit(perSecond),
			burst:    burst,
			ttl:      5 * time.Minute,
			now:      time.Now,
		}
	}
}

func (l *hostRateLimiter) RoundTrip(req *http.Request) (*http.Response, error) {
	key := req.URL.Host
	if key == "" {
		key = "unknown"
	}

	now := l.now()

	l.mu.Lock()
	v := l.getVisitorLocked(key, now)
	l.gcLocked(now)
	l.mu.Unlock()

	if err := v.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return l.next.RoundTrip(req)
}

func (l *hostRateLimiter) getVisitorLocked(key string, now time.Time) *visitor {
	if v, ok := l.visitors[key]; ok {
		v.lastSeen = now
		return v
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	v := &visitor{limiter: limiter, lastSeen: now}
	l.visitors[key] = v
	return v
}

func (l *hostRateLimiter) gcLocked(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, key)
		}
	}
}
