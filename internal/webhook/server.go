// Package webhook is the HTTP ingress: GitHub Actions events and custom
// notifications are authenticated, parsed and handed to a Notifier.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

const (
	serviceName = "Xiaomi Speaker Notification Service"

	// maxBodyBytes bounds webhook payloads.
	maxBodyBytes = 1 << 20
)

// Option configures the Server.
type Option func(*Server)

// WithGitHubSecret enables X-Hub-Signature-256 verification.
func WithGitHubSecret(secret string) Option {
	return func(s *Server) {
		s.githubSecret = secret
	}
}

// WithAPISecret enables X-API-Key checks on the custom endpoint.
func WithAPISecret(secret string) Option {
	return func(s *Server) {
		s.apiSecret = secret
	}
}

// WithRateLimit caps webhook requests per second across all clients.
// <= 0 disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithVersion sets the version reported by GET /.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// Server routes webhook requests to a Notifier.
type Server struct {
	notifier     domain.Notifier
	githubSecret string
	apiSecret    string
	limiter      *rate.Limiter
	version      string
	log          *logger.Logger
	router       chi.Router
}

// New builds the router.
func New(n domain.Notifier, log *logger.Logger, opts ...Option) *Server {
	s := &Server{
		notifier: n,
		version:  "dev",
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiSecret == "" {
		log.Warn("API_SECRET not configured, custom notifications are unauthenticated")
	}
	if s.githubSecret == "" {
		log.Warn("GITHUB_WEBHOOK_SECRET not configured, signatures are not verified")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/webhook", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/github", s.handleGitHub)
		r.Post("/custom", s.handleCustom)
	})

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": s.version,
		"endpoints": map[string]string{
			"health":              "/health",
			"github_webhook":      "/webhook/github",
			"custom_notification": "/webhook/custom",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.log.Warn("rate limit exceeded for %s %s", r.Method, r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("%s %s %d %s [%s]", r.Method, r.URL.Path, ww.Status(),
			time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// readBody reads at most maxBodyBytes and answers 413 past that. On false
// the response has been written.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "Could not read body")
		return nil, false
	}
	return body, true
}
