// Пакет server — HTTP-сервер File Relay с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cachebox/file-relay/internal/api/handlers"
	"github.com/cachebox/file-relay/internal/api/middleware"
	"github.com/cachebox/file-relay/internal/config"
)

// Handlers — набор обработчиков, монтируемых сервером.
type Handlers struct {
	Files       *handlers.FilesHandler
	Groups      *handlers.GroupsHandler
	Maintenance *handlers.MaintenanceHandler
	Health      *handlers.HealthHandler
	Auth        *middleware.JWTAuth
}

// Server — HTTP-сервер File Relay.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// Аутентификация требуется только на /upload: остальные endpoints
// обслуживают доверенные клиенты и статику.
func New(cfg *config.Config, logger *slog.Logger, h Handlers) *Server {
	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	// Служебные endpoints
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/health/live", h.Health.Live)
	router.Get("/health/ready", h.Health.Ready)

	// Загрузка — только с валидным JWT
	router.Group(func(r chi.Router) {
		r.Use(h.Auth.Middleware())
		r.Post("/upload/{groupId}", h.Files.Upload)
	})

	// Файловые операции
	router.Get("/list/{groupId}", h.Files.List)
	router.Delete("/delete/{groupId}/{fileId}", h.Files.Delete)
	router.Get("/files/{groupId}/{fileName}", h.Files.ServeFile)

	// Жизненный цикл групп
	router.Post("/group/{groupId}/schedule-delete", h.Groups.ScheduleDelete)
	router.Post("/group/{groupId}/undo-delete", h.Groups.UndoDelete)

	// Администрирование
	router.Post("/maintenance/reconcile", h.Maintenance.Reconcile)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Настройка TLS
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown с таймаутом
// FR_SHUTDOWN_TIMEOUT.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSCert != ""),
		)

		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
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

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
