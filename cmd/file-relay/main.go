// Точка входа File Relay — сервера обмена файлами групп.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cachebox/file-relay/internal/api/handlers"
	"github.com/cachebox/file-relay/internal/api/middleware"
	"github.com/cachebox/file-relay/internal/config"
	"github.com/cachebox/file-relay/internal/groupdoc"
	"github.com/cachebox/file-relay/internal/server"
	"github.com/cachebox/file-relay/internal/service"
	"github.com/cachebox/file-relay/internal/storage/groupdir"
	"github.com/cachebox/file-relay/internal/storage/metastore"
	"github.com/cachebox/file-relay/internal/storage/wal"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("File Relay запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("upload_dir", cfg.UploadDir),
		slog.String("grace_period", cfg.GracePeriod.String()),
	)

	// --- Инициализация компонентов ---

	// 1. Директории групп
	dirs, err := groupdir.New(cfg.UploadDir)
	if err != nil {
		logger.Error("Ошибка инициализации директории загрузок", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Хранилище метаданных групп
	meta := metastore.New(dirs, logger)

	// 3. WAL-движок
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Хранилище документов групп
	docs, err := groupdoc.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("Ошибка открытия базы документов групп", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Сервисы
	uploadSvc := service.NewUploadService(cfg, walEngine, dirs, meta, logger)
	reconcileSvc := service.NewReconcileService(cfg, dirs, meta, logger)
	lifecycleSvc := service.NewLifecycleService(cfg, dirs, docs, logger)

	// WAL recovery: откатываем оборванные загрузки
	if err := uploadSvc.RecoverWAL(); err != nil {
		logger.Error("Ошибка восстановления WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Фоновые процессы
	ctx := context.Background()

	// 6.1 Sweeper — зачистка просроченных групп
	sweeper := service.NewSweeper(docs, lifecycleSvc, cfg.SweepInterval, logger)
	sweeper.Start(ctx)

	// 6.2 topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.DephealthName,
		cfg.DephealthGroup,
		cfg.DephealthDepName,
		cfg.JWKSUrl,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("jwks_url", cfg.JWKSUrl),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 7. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(cfg.JWKSUrl, cfg.JWKSCACert, logger)
	if err != nil {
		logger.Error("Ошибка настройки JWT аутентификации",
			slog.String("jwks_url", cfg.JWKSUrl),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))

	// 8. Handlers и HTTP-сервер
	srv := server.New(cfg, logger, server.Handlers{
		Files:       handlers.NewFilesHandler(uploadSvc, reconcileSvc, dirs, meta),
		Groups:      handlers.NewGroupsHandler(lifecycleSvc),
		Maintenance: handlers.NewMaintenanceHandler(reconcileSvc),
		Health:      handlers.NewHealthHandler(cfg.UploadDir, cfg.WALDir, docs),
		Auth:        jwtAuth,
	})

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	sweeper.Stop()
	lifecycleSvc.Shutdown()
	if dephealthErr == nil {
		dephealthSvc.Stop()
	}

	logger.Info("File Relay остановлен")
}
