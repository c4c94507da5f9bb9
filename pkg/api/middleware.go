package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares outermost-first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// RequestID ensures every request carries an X-Request-Id, generating one
// when the caller did not supply it, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// RequestRecorder is the slice of the observability provider the HTTP
// layer feeds: request counts, durations, and server errors.
type RequestRecorder interface {
	RecordRequest(ctx context.Context, attrs ...attribute.KeyValue)
	RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue)
	RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Metrics records one request, its duration, and a server-error count
// when the response is 5xx.
func Metrics(rec RequestRecorder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			attrs := []attribute.KeyValue{
				attribute.String("http.method", r.Method),
				attribute.String("http.route", routePrefix(r.URL.Path)),
				attribute.Int("http.status_code", sw.status),
			}
			rec.RecordRequest(r.Context(), attrs...)
			rec.RecordDuration(r.Context(), time.Since(start), attrs...)
			if sw.status >= http.StatusInternalServerError {
				rec.RecordError(r.Context(), fmt.Errorf("http %d", sw.status), attrs...)
			}
		})
	}
}

// routePrefix keeps metric cardinality bounded: the mount point of the
// route, never resource ids.
func routePrefix(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return "/" + trimmed
}

// RequireMTLS rejects plaintext or certificate-less requests when the
// deployment demands mutual TLS.
func RequireMTLS(enabled bool) Middleware {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				WriteError(w, http.StatusUnauthorized, "mtls_required",
					"mutual TLS client certificate required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type caller struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles per caller. The caller key is X-Service-Id when
// present, otherwise the remote IP.
type RateLimiter struct {
	mu      sync.Mutex
	callers map[string]*caller
	rps     rate.Limit
	burst   int

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRateLimiter(rps, burst int) *RateLimiter {
	rl := &RateLimiter{
		callers: make(map[string]*caller),
		rps:     rate.Limit(rps),
		burst:   burst,
		stopCh:  make(chan struct{}),
	}
	go rl.evictStale()
	return rl
}

// Stop halts the background eviction loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) evictStale() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, c := range rl.callers {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(rl.callers, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.callers[key]
	if !ok {
		c = &caller{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.callers[key] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

func callerKey(r *http.Request) string {
	if svc := r.Header.Get("X-Service-Id"); svc != "" {
		return "svc:" + svc
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip:" + ip
}

// Middleware enforces the limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiterFor(callerKey(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			WriteError(w, http.StatusTooManyRequests, "rate_limited",
				"request rate exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Capabilities parses the comma-separated X-Capabilities header, set by
// the authenticating proxy from the caller's credential.
func Capabilities(r *http.Request) map[string]bool {
	out := make(map[string]bool)
	for _, c := range strings.Split(r.Header.Get("X-Capabilities"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			out[c] = true
		}
	}
	return out
}

// Actor identifies the caller for audit attribution.
func Actor(r *http.Request) string {
	if svc := r.Header.Get("X-Service-Id"); svc != "" {
		return "svc:" + svc
	}
	return "anonymous"
}
