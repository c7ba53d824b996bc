package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tierd/tierd/internal/config"
	"github.com/tierd/tierd/internal/logging"
	"github.com/tierd/tierd/internal/notify"
	"github.com/tierd/tierd/internal/reconcile"
	"github.com/tierd/tierd/internal/voting"
)

// HealthChecker reports whether the primary database answers.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	// Primary is nil when the server runs on the fallback store only.
	Primary HealthChecker
	Votes   *voting.Service
	Hub     *notify.Hub
	// Reconcilers are keyed by store name; DefaultStore picks the one used
	// when a request does not name a store.
	Reconcilers  map[string]*reconcile.Service
	DefaultStore string
}

// Server wires HTTP routing, middleware, and handlers.
type Server struct {
	cfg     config.Config
	deps    Deps
	logger  *zap.Logger
	router  chi.Router
	httpSrv *http.Server
}

// New constructs the HTTP server with base middleware and routes.
func New(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger).Named("http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		router: r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Route("/vote", func(r chi.Router) {
		r.Get("/", s.handleGetVote)
		r.Post("/", s.handleCastVote)
		r.Get("/updates", s.handleVoteUpdates)
		r.Get("/history", s.handleVoteHistory)
	})
	s.router.Get("/vote-fix", s.handleCheckProduct)
	s.router.Post("/vote-fix", s.handleFixProduct)
	s.router.Get("/vote-fix-all", s.handleCheckAll)
	s.router.Post("/vote-fix-all", s.handleFixAll)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start boots the HTTP server and blocks until ctx is done or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSecs) * time.Second,
	}
	// Shutdown does not wait for hijacked or streaming responses to end on
	// their own; closing the hub ends every update stream.
	if s.deps.Hub != nil {
		s.httpSrv.RegisterOnShutdown(s.deps.Hub.Close)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Primary string `json:"primary"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Primary == nil {
		s.respondJSON(w, http.StatusOK, healthResponse{Status: "degraded", Primary: "disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Primary.HealthCheck(ctx); err != nil {
		s.logger.Warn("primary health check failed", zap.Error(err))
		s.respondJSON(w, http.StatusOK, healthResponse{Status: "degraded", Primary: "down"})
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{Status: "ok", Primary: "up"})
}

// requestLogger replaces chi's middleware.Logger with structured zap output.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("requestId", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
