// Пакет server — HTTP-сервер Alliance Sync с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bigkaa/alliance-sync/internal/api/handlers"
	"github.com/bigkaa/alliance-sync/internal/api/middleware"
	"github.com/bigkaa/alliance-sync/internal/config"
	"github.com/bigkaa/alliance-sync/internal/domain/rbac"
)

// Server — HTTP-сервер Alliance Sync.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, handler *handlers.APIHandler, jwtAuth *middleware.JWTAuth) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(handler, jwtAuth, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты. Health и metrics публичны, /api/v1 требует JWT.
func NewRouter(h *handlers.APIHandler, jwtAuth *middleware.JWTAuth, logger *slog.Logger) http.Handler {
	router := chi.NewRouter()

	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(jwtAuth.Middleware())
		viewer := middleware.RequireRole(rbac.RoleViewer)
		operator := middleware.RequireRole(rbac.RoleOperator)

		r.With(middleware.RequireScope(rbac.ScopeRolesObserve)).Post("/observations", h.Observe)
		r.With(operator).Post("/poll", h.Poll)

		r.With(viewer).Get("/conflicts/{conflictID}", h.GetConflict)
		r.With(operator).Post("/conflicts/{conflictID}/resolve", h.ResolveConflict)

		r.Route("/alliances/{allianceID}", func(r chi.Router) {
			r.With(viewer).Get("/conflicts", h.ListConflicts)
			r.With(middleware.RequireRoleOrScope(rbac.RoleOperator, rbac.ScopeIdentityWrite)).
				Post("/bindings", h.CreateBinding)

			r.With(viewer).Get("/channels", h.ListChannels)
			r.With(operator).Put("/channels", h.UpsertChannel)

			r.With(operator).Post("/reconcile", h.Reconcile)

			r.With(operator).Post("/roles", h.CreateRole)
			r.Route("/roles/{roleID}", func(r chi.Router) {
				r.Use(operator)
				r.Put("/link", h.LinkRole)
				r.Put("/members/{userID}", h.GrantRole)
				r.Delete("/members/{userID}", h.RevokeRole)
			})
		})
	})

	return router
}

// Run запускает сервер и блокируется до отмены ctx (SIGINT, SIGTERM)
// или ошибки сервера. При отмене выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Получен сигнал завершения")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
