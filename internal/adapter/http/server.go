// Package adapthttp is the driving HTTP adapter: a JSON API over the poll
// manager plus the live stream and metrics endpoints.
package adapthttp

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"tankwatch/internal/app"
	"tankwatch/internal/domain"
)

// Controller is the application surface the API drives. *app.Manager
// implements it.
type Controller interface {
	Healthy() bool
	Snapshots() []domain.Snapshot
	Snapshot(tankID string) (domain.Snapshot, error)
	RemoveTank(ctx context.Context, tankID string) error
	Statuses() []app.SchedulerStatus
	RequestRefresh(ctx context.Context) error
	Settings() app.Settings
	Configure(next app.Settings) (app.Settings, error)
}

var _ Controller = (*app.Manager)(nil)

// Server routes requests to the controller.
type Server struct {
	ctrl      Controller
	stream    http.Handler
	metrics   http.Handler
	tokenHash []byte
	log       *zap.Logger
}

// Option configures optional endpoints.
type Option func(*Server)

// WithStream mounts the websocket stream at /api/stream.
func WithStream(h http.Handler) Option {
	return func(s *Server) { s.stream = h }
}

// WithMetrics mounts a Prometheus handler at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithControlToken protects the control endpoints with a bearer token
// checked against the bcrypt hash.
func WithControlToken(bcryptHash string) Option {
	return func(s *Server) { s.tokenHash = []byte(bcryptHash) }
}

// New creates a Server.
func New(ctrl Controller, log *zap.Logger, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the root http.Handler for the application.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/tanks", s.handleTanks)
	mux.HandleFunc("GET /api/tanks/{id}", s.handleTank)
	mux.Handle("DELETE /api/tanks/{id}", s.requireToken(http.HandlerFunc(s.handleRemoveTank)))

	mux.HandleFunc("GET /api/accounts", s.handleAccounts)
	mux.Handle("POST /api/refresh", s.requireToken(http.HandlerFunc(s.handleRefresh)))

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.Handle("PUT /api/settings", s.requireToken(http.HandlerFunc(s.handlePutSettings)))

	if s.stream != nil {
		mux.Handle("GET /api/stream", s.stream)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.loggingMiddleware(withNoCache(mux))
}
