package api

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
	"github.com/gyaneshwarpardhi/quorumledger/internal/metrics"
)

// ActorHeader carries the pre-authenticated caller identity.
const ActorHeader = "X-Actor-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs each request and observes its latency under the
// matched route pattern.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(float64(elapsed.Milliseconds()))
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"actor", r.Header.Get(ActorHeader),
			"duration", elapsed,
		)
	})
}

// rateLimiter hands out one token bucket per actor, falling back to the
// client IP for anonymous callers.
type rateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	sweepAt time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const (
	bucketIdle    = 10 * time.Minute
	sweepInterval = time.Minute
)

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{limit: rate.Limit(rps), burst: burst, buckets: make(map[string]*bucket)}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.After(l.sweepAt) {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > bucketIdle {
				delete(l.buckets, k)
			}
		}
		l.sweepAt = now.Add(sweepInterval)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		if !l.allow(clientKey(r), time.Now()) {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, apperrors.CodeBusy, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if actor := r.Header.Get(ActorHeader); actor != "" {
		return "actor:" + actor
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
