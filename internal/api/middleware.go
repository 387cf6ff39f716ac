package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tablazat/quotebot/internal/log"
	"github.com/tablazat/quotebot/internal/observability"
)

// RateLimitConfig configures per-client request limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// clientLimiters keeps one token bucket per client IP.
type clientLimiters struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func newClientLimiters(cfg RateLimitConfig) *clientLimiters {
	return &clientLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      cfg.RequestsPerSecond,
		burst:    cfg.Burst,
	}
}

func (c *clientLimiters) allow(clientID string) bool {
	c.mu.RLock()
	limiter, ok := c.limiters[clientID]
	c.mu.RUnlock()
	if ok {
		return limiter.Allow()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if limiter, ok = c.limiters[clientID]; !ok {
		limiter = rate.NewLimiter(rate.Limit(c.rps), c.burst)
		c.limiters[clientID] = limiter
	}
	return limiter.Allow()
}

func rateLimitMiddleware(limiters *clientLimiters, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Probes and scrapers neither consume the budget nor get shed.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !limiters.allow(host) {
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited",
				"too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health and metrics stay open for probes and scrapers.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogMiddleware(logger log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		observability.RecordHTTPRequest(r.Method, r.URL.Path,
			strconv.Itoa(rec.status), duration)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", duration.Milliseconds())
	})
}
