package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/goliatone/go-payhooks/command"
	"github.com/goliatone/go-payhooks/core"
)

const SignatureHeader = "X-Signature"

// HealthCheck reports a dependency problem by returning an error.
type HealthCheck func(ctx context.Context) error

type Server struct {
	webhooks     command.WebhookHandler
	path         string
	maxBodyBytes int64
	observer     *core.Observer
	metrics      http.Handler
	checks       map[string]HealthCheck
	admin        bool
	checkTimeout time.Duration
}

type Option func(*Server)

func WithWebhookPath(path string) Option {
	return func(s *Server) {
		if path = strings.TrimSpace(path); path != "" {
			s.path = "/" + strings.TrimLeft(path, "/")
		}
	}
}

func WithMaxBodyBytes(limit int64) Option {
	return func(s *Server) {
		if limit > 0 {
			s.maxBodyBytes = limit
		}
	}
}

// WithWebhookConfig applies the path and body limit.
func WithWebhookConfig(cfg core.WebhookConfig) Option {
	return func(s *Server) {
		WithWebhookPath(cfg.Path)(s)
		WithMaxBodyBytes(cfg.MaxBodyBytes)(s)
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(s *Server) {
		s.observer = observer
	}
}

// WithMetricsHandler serves handler on GET /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = handler
	}
}

func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil && strings.TrimSpace(name) != "" {
			s.checks[strings.TrimSpace(name)] = check
		}
	}
}

// WithAdminRoutes mounts the transaction and dead-letter routes. They answer
// through the command and query dispatchers, so the matching handlers must
// be registered.
func WithAdminRoutes() Option {
	return func(s *Server) {
		s.admin = true
	}
}

func NewServer(webhooks command.WebhookHandler, opts ...Option) (*Server, error) {
	if webhooks == nil {
		return nil, errors.New("httpapi: webhook handler is required")
	}
	defaults := core.DefaultConfig().Webhook
	s := &Server{
		webhooks:     webhooks,
		path:         defaults.Path,
		maxBodyBytes: defaults.MaxBodyBytes,
		checks:       map[string]HealthCheck{},
		checkTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Post(s.path, s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.admin {
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", s.handleCreateTransaction)
			r.Get("/{orderCode}", s.handleGetTransaction)
			r.Get("/{orderCode}/deliveries", s.handleListDeliveries)
		})
		r.Get("/dead-letters", s.handleListDeadLetters)
	}
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, payloadTooLarge(s.maxBodyBytes))
			return
		}
		writeError(w, http.StatusBadRequest, core.NewMalformedEvent("webhook body could not be read", err))
		return
	}

	acceptance, err := s.webhooks.HandleWebhook(r.Context(), body, strings.TrimSpace(r.Header.Get(SignatureHeader)))
	if acceptance.Accepted() {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	if err == nil {
		err = core.MapError(errors.New("webhook was not accepted"))
	}
	writeError(w, acceptance.StatusCode, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		tags := map[string]string{
			"method": r.Method,
			"route":  routePattern(r),
			"code":   strconv.Itoa(status),
		}
		s.observer.Count(r.Context(), "http.requests.total", 1, tags)
		s.observer.Histogram(r.Context(), "http.request.duration_ms", float64(time.Since(start).Milliseconds()), tags)
		if status >= http.StatusInternalServerError {
			s.observer.Warn(r.Context(), "http request failed", map[string]any{
				"method":     r.Method,
				"route":      tags["route"],
				"status":     status,
				"request_id": chimw.GetReqID(r.Context()),
			})
		}
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
