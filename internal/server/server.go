// Пакет server — HTTP-сервер roomguard с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bigkaa/roomguard/internal/api/handlers"
	"github.com/bigkaa/roomguard/internal/api/middleware"
	"github.com/bigkaa/roomguard/internal/config"
	"github.com/bigkaa/roomguard/internal/domain/rbac"
)

// Scopes сервисных аккаунтов.
const (
	ScopeAuthzCheck   = "authz:check"
	ScopeAuditAppend  = "audit:append"
	ScopeAuditVerify  = "audit:verify"
	ScopeRetentionRun = "retention:run"
	ScopeMessagesRead = "messages:read"
)

// Server — HTTP-сервер roomguard.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// jwtAuth может быть nil только в тестах.
func New(cfg *config.Config, logger *slog.Logger, h *handlers.APIHandler, jwtAuth *middleware.JWTAuth) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, h, jwtAuth),
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

// NewRouter собирает маршруты. Health и metrics доступны без JWT:
// их проверяет Kubernetes напрямую, без API Gateway.
func NewRouter(logger *slog.Logger, h *handlers.APIHandler, jwtAuth *middleware.JWTAuth) chi.Router {
	router := chi.NewRouter()

	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	admin := []string{rbac.RoleAdmin}

	router.Route("/api/v1", func(r chi.Router) {
		if jwtAuth != nil {
			r.Use(jwtAuth.Middleware())
		}

		r.With(middleware.RequireScope(ScopeAuthzCheck)).
			Post("/authz/check", h.CheckAccess)

		r.With(middleware.RequireScope(ScopeAuditAppend)).
			Post("/audit/entries", h.AppendAudit)
		r.With(middleware.RequireRoleOrScope(admin, []string{ScopeAuditVerify})).
			Get("/audit/verify", h.VerifyAudit)

		r.Route("/retention", func(r chi.Router) {
			r.With(middleware.RequireRoleOrScope(admin, []string{ScopeRetentionRun})).
				Post("/schedule", h.ScheduleRetention)
			r.With(middleware.RequireScope(ScopeRetentionRun)).
				Post("/claim", h.ClaimRetention)
			r.With(middleware.RequireScope(ScopeRetentionRun)).
				Post("/{id}/complete", h.CompleteRetention)
			r.With(middleware.RequireRoleOrScope(admin, []string{ScopeRetentionRun})).
				Get("/{id}", h.GetRetention)
		})

		r.Route("/legal-holds", func(r chi.Router) {
			r.Use(middleware.RequireRole(rbac.RoleAdmin))
			r.Get("/", h.ListLegalHolds)
			r.Post("/", h.PlaceLegalHold)
			r.Delete("/{id}", h.ReleaseLegalHold)
		})

		r.With(middleware.RequireRole(rbac.RoleAdmin)).
			Get("/healing-log", h.ListHealingLog)

		r.With(middleware.RequireScope(ScopeMessagesRead)).
			Post("/messages/batch", h.FetchMessages)
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
