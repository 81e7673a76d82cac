// Package httpserver provides the HTTP API of promoter: run triggers,
// approval signals, run status and the version ledger.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/go-chi/chi/v5"

	"github.com/relicta-tech/promoter/internal/httpserver/handlers"
	"github.com/relicta-tech/promoter/internal/httpserver/middleware"
	httpws "github.com/relicta-tech/promoter/internal/httpserver/websocket"
)

// Config configures the server.
type Config struct {
	Address string
	// Token is required as a bearer token on API routes when set.
	Token string
	// ReviewerTokens maps reviewer identities to personal bearer tokens.
	ReviewerTokens  map[string]string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	// RequestsPerMinute caps API requests per client IP; zero disables it.
	RequestsPerMinute int
}

// Server is the HTTP server for the promoter API.
type Server struct {
	config     Config
	api        *handlers.API
	metrics    MetricsHandler
	router     chi.Router
	httpServer *http.Server
	wsHub      *httpws.Hub
	limiter    ratelimit.RateLimiter
}

// MetricsHandler serves /metrics and measures requests.
type MetricsHandler interface {
	middleware.RequestRecorder
	Handler() http.Handler
}

// ServerDeps contains dependencies for creating a new server.
type ServerDeps struct {
	Config Config
	API    *handlers.API
	// Metrics is optional; /metrics is not served without it.
	Metrics MetricsHandler
	// Hub streams gate events on /api/v1/events. A hub is created when nil.
	Hub *httpws.Hub
}

// NewServer creates a new HTTP server.
func NewServer(deps ServerDeps) *Server {
	hub := deps.Hub
	if hub == nil {
		hub = httpws.NewHub()
	}
	s := &Server{
		config:  deps.Config,
		api:     deps.API,
		metrics: deps.Metrics,
		wsHub:   hub,
	}
	if deps.Config.RequestsPerMinute > 0 {
		s.limiter = ratelimit.New(&ratelimit.Config{
			Rate:     deps.Config.RequestsPerMinute,
			Burst:    deps.Config.RequestsPerMinute,
			Interval: time.Minute,
		})
	}

	s.router = s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  durationOr(s.config.ReadTimeout, 15*time.Second),
		WriteTimeout: durationOr(s.config.WriteTimeout, 15*time.Second),
		IdleTimeout:  durationOr(s.config.IdleTimeout, 60*time.Second),
	}

	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go s.wsHub.Run(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background()) //nolint:contextcheck // Intentionally new context for graceful shutdown
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, durationOr(s.config.ShutdownTimeout, 30*time.Second))
	defer cancel()

	s.wsHub.Close()
	if s.limiter != nil {
		_ = s.limiter.Close()
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Address
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *httpws.Hub {
	return s.wsHub
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
