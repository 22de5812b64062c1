// Package api is the HTTP surface: handler upload and inspection, result
// retrieval, event submission, heartbeat and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pardalotus/metabeak/internal/model"
)

// Store is the persistence surface the API needs.
type Store interface {
	UpsertHandler(ctx context.Context, code string, ownerID int32) (*model.Handler, bool, error)
	GetHandler(ctx context.Context, id int64) (*model.Handler, error)
	GetCode(ctx context.Context, id int64) (string, error)
	ListHandlers(ctx context.Context) ([]model.Handler, error)
	SetStatus(ctx context.Context, id int64, to model.HandlerStatus) error
	GetResults(ctx context.Context, handlerID, after int64, limit int, successOnly bool) ([]model.ResultRow, int64, error)
	InsertEvent(ctx context.Context, ev *model.Event) (int64, error)
	Heartbeat(ctx context.Context) error
}

// Config holds the HTTP server settings.
type Config struct {
	Addr            string
	MaxUploadBytes  int64
	ResultPageSize  int
	ShutdownTimeout time.Duration
}

// Server serves the public API.
type Server struct {
	httpServer *http.Server
	store      Store
	cfg        Config
	logger     *slog.Logger
}

func New(cfg Config, store Store, logger *slog.Logger) *Server {
	s := &Server{store: store, cfg: cfg, logger: logger}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	router.Get("/", s.getRoot)
	router.Get("/heartbeat", s.getHeartbeat)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/functions", func(r chi.Router) {
		r.Get("/", s.listFunctions)
		r.Post("/", s.postFunction)
		r.Route("/{functionID}", func(r chi.Router) {
			r.Get("/", s.getFunction)
			r.Get("/code.js", s.getFunctionCode)
			r.Post("/status", s.postFunctionStatus)
			r.Get("/results", s.getFunctionResults(true))
			r.Get("/debug", s.getFunctionResults(false))
		})
	})
	router.Post("/events", s.postEvent)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("API shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("elapsed", time.Since(start)))
		})
	}
}
