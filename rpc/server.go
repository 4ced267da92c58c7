package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nhbchain/core"
	"nhbchain/journal"
	"nhbchain/observability"
)

const maxRequestBytes = 1 << 16

// Server exposes read-only ledger queries and a message submission endpoint.
type Server struct {
	dispatcher *core.Dispatcher
	limiter    *RateLimiter
	auth       *Authenticator
	hub        *EventHub
	journal    *journal.Store
	logger     *slog.Logger
	router     chi.Router
	handler    http.Handler
}

// ServerOption enables optional API features.
type ServerOption func(*Server)

// WithAuthenticator requires bearer tokens on message submission.
func WithAuthenticator(auth *Authenticator) ServerOption {
	return func(s *Server) { s.auth = auth }
}

// WithEventHub serves the committed event stream at /events. The hub must
// also be installed as the dispatcher's emitter.
func WithEventHub(hub *EventHub) ServerOption {
	return func(s *Server) { s.hub = hub }
}

// WithJournal archives every receipt and serves /receipts.
func WithJournal(store *journal.Store) ServerOption {
	return func(s *Server) { s.journal = store }
}

// NewServer wires the HTTP routes around dispatcher.
func NewServer(dispatcher *core.Dispatcher, limit RateLimit, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		dispatcher: dispatcher,
		limiter:    NewRateLimiter(limit),
		logger:     logger.With(slog.String("component", "rpc")),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.handler = otelhttp.NewHandler(s.router, "escrow.api")
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(observe("query"))
		r.Get("/state", s.handleState)
		r.Get("/state/raw", s.handleRawState)
		r.Get("/moderator", s.handleModerator)
		r.Get("/pool", s.handlePool)
		r.Get("/policy", s.handlePolicy)
		r.Get("/deals/counter", s.handleDealCounter)
		r.Get("/deals/memo/{memo}", s.handleDealByMemo)
		r.Get("/deals/{id}", s.handleDeal)
		r.Get("/deals/{id}/exists", s.handleDealExists)
		r.Get("/quarantine/{key}", s.handleQuarantine)
		r.Get("/receipts", s.handleReceipts)
		r.Get("/receipts/{id}", s.handleReceipt)
	})
	r.Get("/events", s.handleEventsWS)
	r.Group(func(r chi.Router) {
		r.Use(observe("messages"))
		r.Use(s.limiter.Middleware("messages"))
		r.Use(s.auth.Middleware("messages"))
		r.Post("/messages", s.handleSubmit)
	})
	return r
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	// Only header reads are bounded: /events streams outlive a request and
	// bound each write themselves, and request bodies are size-limited.
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("query api listening", slog.String("address", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func observe(module string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)
			route := req.URL.Path
			if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			observability.ModuleMetrics().Observe(module, route, rec.status, time.Since(start))
		})
	}
}
