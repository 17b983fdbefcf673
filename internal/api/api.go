// Package api serves the engine over REST, with a websocket stream of group
// events.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/engine"
	"github.com/joescharf/thinkflow/internal/event"
	"github.com/joescharf/thinkflow/internal/logging"
)

const (
	// ClientIDHeader selects the workflow guard for a request.
	ClientIDHeader  = "X-Client-ID"
	RequestIDHeader = "X-Request-ID"

	defaultClientID = "http"
)

// Config tunes the HTTP layer.
type Config struct {
	RateLimit float64 // requests per second per remote address; <= 0 disables limiting
	Burst     int
}

func DefaultConfig() Config {
	return Config{RateLimit: 20, Burst: 40}
}

// Server provides the REST API handlers.
type Server struct {
	svc     engine.Service
	bus     *event.Bus
	logger  *logging.Logger
	limiter *rateLimiter
}

// NewServer creates a new API server. bus may be nil, which disables the
// group event stream.
func NewServer(svc engine.Service, bus *event.Bus, logger *logging.Logger, cfg Config) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{svc: svc, bus: bus, logger: logger}
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return s
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(s.logRequests)
	r.Use(s.rateLimit)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/techniques", s.discover)
		r.Post("/plans", s.createPlan)
		r.Post("/plans/{id}/steps", s.executeStep)
		r.Post("/workflow/check", s.checkWorkflow)
		r.Get("/status", s.status)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)
			r.Get("/{id}", s.getSession)
			r.Delete("/{id}", s.deleteSession)
			r.Post("/{id}/steps", s.appendStep)
			r.Post("/{id}/complete", s.completeSession)
			r.Post("/{id}/fail", s.failSession)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.listGroups)
			r.Post("/", s.createGroup)
			r.Get("/{id}", s.getGroup)
			r.Get("/{id}/progress", s.groupProgress)
			r.Get("/{id}/results", s.groupResults)
			r.Post("/{id}/converge", s.convergeGroup)
			r.Get("/{id}/events", s.groupEvents)
		})
	})
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+ClientIDHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestID propagates or assigns a request id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Header.Get(RequestIDHeader),
			"client_id", clientID(r))
	})
}

// rateLimit buckets requests by remote address, after RealIP has applied
// any forwarded address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.allow(remoteIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientID(r *http.Request) string {
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return id
	}
	return defaultClientID
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

const (
	defaultMaxLimiters = 4096
	limiterIdleTTL     = 10 * time.Minute
)

// rateLimiter keeps one token bucket per remote address, bounded to
// maxKeys. Idle buckets are dropped first, then the least recently used.
type rateLimiter struct {
	mu      sync.Mutex
	limits  map[string]*bucket
	rate    rate.Limit
	burst   int
	maxKeys int
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(r rate.Limit, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limits:  make(map[string]*bucket),
		rate:    r,
		burst:   burst,
		maxKeys: defaultMaxLimiters,
		now:     time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	b, ok := rl.limits[key]
	if !ok {
		if len(rl.limits) >= rl.maxKeys {
			rl.pruneLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limits[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// pruneLocked drops idle buckets, or the least recently seen one when none
// are idle. Caller holds mu.
func (rl *rateLimiter) pruneLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, b := range rl.limits {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(rl.limits, k)
			continue
		}
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey, oldest = k, b.lastSeen
		}
	}
	if len(rl.limits) >= rl.maxKeys && oldestKey != "" {
		delete(rl.limits, oldestKey)
	}
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limits)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError writes err as its structured body with the status its kind
// maps to.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	status := StatusFor(ae)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			"path", r.URL.Path,
			"code", ae.Code,
			"correlation_id", ae.CorrelationID,
			"request_id", r.Header.Get(RequestIDHeader))
	}
	writeJSON(w, status, ae)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(e *apperr.Error) int {
	switch e.Code {
	case apperr.CodeSessionNotFound, apperr.CodeGroupNotFound:
		return http.StatusNotFound
	case apperr.CodeSessionAlreadyExists, apperr.CodeSessionConflict, apperr.CodeDependenciesNotMet:
		return http.StatusConflict
	case apperr.CodeSessionTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.CodeMaxSessionsExceeded:
		return http.StatusInsufficientStorage
	case apperr.CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeCircularDependency, apperr.CodeUnknownDependency:
		return http.StatusUnprocessableEntity
	}
	switch e.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindWorkflow:
		return http.StatusPreconditionFailed
	case apperr.KindGraph:
		return http.StatusConflict
	case apperr.KindCapacity:
		return http.StatusInsufficientStorage
	case apperr.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
