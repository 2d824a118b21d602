// Package api exposes the conversation engine over HTTP.
//
// It serves a stateless advance endpoint where the caller owns the state,
// session-backed conversation endpoints and health/metrics. Inbound webhooks
// of messaging channels are mounted outside API key auth.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/flow"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// Server defaults.
const (
	DefaultAddr           = ":8080"
	DefaultRateLimit      = 20
	DefaultRateBurst      = 40
	DefaultRequestTimeout = 60 * time.Second
	shutdownTimeout       = 10 * time.Second
	maxRequestBodyBytes   = 1 << 20
)

// ErrNoAPIKey is returned by NewServer when no API key is configured and insecure mode is off.
var ErrNoAPIKey = errors.New("api key not configured; set API_KEY or run with --insecure")

// Opts holds configuration options for the Server.
type Opts struct {
	Addr      string
	APIKey    string
	Insecure  bool
	RateLimit float64
	RateBurst int
	Metrics   http.Handler
	Webhooks  map[string]http.Handler
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAPIKey sets the key clients must send in the x-api-key header.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithInsecure allows running without an API key.
func WithInsecure(insecure bool) Option {
	return func(o *Opts) { o.Insecure = insecure }
}

// WithRateLimit sets the per-process request rate (per second) and burst. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *Opts) {
		o.RateLimit = perSecond
		o.RateBurst = burst
	}
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.Metrics = h }
}

// WithWebhook mounts a channel webhook at path, outside API key auth.
func WithWebhook(path string, h http.Handler) Option {
	return func(o *Opts) {
		if o.Webhooks == nil {
			o.Webhooks = make(map[string]http.Handler)
		}
		o.Webhooks[path] = h
	}
}

// Server routes HTTP requests to the engine and the session manager.
type Server struct {
	engine   *flow.Engine
	sessions *flow.SessionManager
	opts     Opts
	limiter  *rate.Limiter
	handler  http.Handler
}

// NewServer builds the router. It refuses to run unauthenticated unless WithInsecure is set.
func NewServer(sessions *flow.SessionManager, opts ...Option) (*Server, error) {
	cfg := Opts{Addr: DefaultAddr, RateLimit: DefaultRateLimit, RateBurst: DefaultRateBurst}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" && !cfg.Insecure {
		return nil, ErrNoAPIKey
	}
	if cfg.APIKey == "" {
		slog.Warn("Server.NewServer: running without API key authentication")
	}

	s := &Server{engine: sessions.Engine(), sessions: sessions, opts: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(DefaultRequestTimeout))

	r.Get("/health", s.healthHandler)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	for path, h := range s.opts.Webhooks {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Method(http.MethodPost, path, h)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.requireAPIKey)
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/advance", s.advanceHandler)
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", s.listConversationsHandler)
			r.Post("/", s.createConversationHandler)
			r.Get("/{id}", s.getConversationHandler)
			r.Delete("/{id}", s.deleteConversationHandler)
			r.Post("/{id}/advance", s.advanceConversationHandler)
		})
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
