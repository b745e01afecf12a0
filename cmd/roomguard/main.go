// Точка входа roomguard — сервис контроля доступа и жизненного цикла данных чата.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт сервисный слой (политика доступа, журнал аудита, legal hold,
// планировщик retention), запускает фоновые задачи (retention, topologymetrics),
// HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/roomguard/internal/api/handlers"
	"github.com/bigkaa/roomguard/internal/api/middleware"
	"github.com/bigkaa/roomguard/internal/config"
	"github.com/bigkaa/roomguard/internal/database"
	"github.com/bigkaa/roomguard/internal/domain/capability"
	"github.com/bigkaa/roomguard/internal/domain/policy"
	"github.com/bigkaa/roomguard/internal/repository"
	"github.com/bigkaa/roomguard/internal/server"
	"github.com/bigkaa/roomguard/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("roomguard запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("instance", cfg.InstanceID),
	)

	if os.Getenv("RG_DEPHEALTH_GROUP") == "" {
		logger.Warn("RG_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories
	identityRepo := repository.NewIdentityRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	auditRepo := repository.NewAuditLogRepository(pool)
	holdRepo := repository.NewLegalHoldRepository(pool)
	retentionRepo := repository.NewRetentionRepository(pool)
	healingRepo := repository.NewHealingLogRepository(pool)

	// 6. Сервисные capability выдаются только здесь
	auditCap := capability.Issue("audit", logger)
	retentionCap := capability.Issue("retention", logger)

	// 7. Services
	healingLog := service.NewHealingLog(healingRepo, cfg.HealingTimeout, logger)

	auditWriter, err := service.NewAuditWriter(
		auditRepo, auditCap, healingLog,
		cfg.AuditAppendAttempts, cfg.AuditVerifyPageSize, cfg.StoreTimeout,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания журнала аудита", slog.String("error", err.Error()))
		os.Exit(1)
	}

	holdGuard := service.NewLegalHoldGuard(holdRepo, auditWriter, cfg.StoreTimeout, logger)

	accessSvc := service.NewAccessService(
		identityRepo, messageRepo, holdRepo,
		policy.NewEvaluator(cfg.SelfDeleteWindow),
		service.NewRoomCache(cfg.RoomCacheSize, cfg.RoomCacheTTL),
		healingLog,
		cfg.StoreTimeout,
		logger,
	)

	scheduler, err := service.NewRetentionScheduler(
		retentionRepo, identityRepo, messageRepo,
		holdGuard, auditWriter, healingLog, retentionCap,
		service.RetentionOptions{
			Worker:      cfg.InstanceID,
			Interval:    cfg.RetentionInterval,
			BatchSize:   cfg.RetentionBatchSize,
			StaleAfter:  cfg.RetentionStaleAfter,
			MaxAttempts: cfg.RetentionMaxAttempts,
			RetryDelay:  cfg.RetentionRetryDelay,
		},
		cfg.StoreTimeout,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания планировщика retention", slog.String("error", err.Error()))
		os.Exit(1)
	}
	// Архивация и очистка комнат сбрасывают кэш проверки доступа
	scheduler.SetRoomInvalidator(accessSvc.InvalidateRoom)

	batchFetcher := service.NewBatchFetcher(messageRepo, cfg.BatchMaxRooms, cfg.StoreTimeout, logger)

	// 8. Readiness checkers (PostgreSQL + IdP)
	pgChecker := database.NewReadinessChecker(pool)
	idpChecker, err := middleware.NewIdPReadinessChecker(cfg.JWTJWKSURL, cfg.IdPCACert, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания IdP readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. API handler
	apiHandler := handlers.NewAPIHandler(handlers.Deps{
		Health:          handlers.NewHealthHandler(pgChecker, idpChecker),
		Access:          accessSvc,
		Audit:           auditWriter,
		Retention:       scheduler,
		Holds:           holdGuard,
		Healing:         healingLog,
		Messages:        batchFetcher,
		AdminGroups:     cfg.RoleAdminGroups,
		ModeratorGroups: cfg.RoleModeratorGroups,
	}, logger)

	// 10. JWT middleware. Сохранённая роль пользователя берётся из AccessService.
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthParams{
		JWKSURL:         cfg.JWTJWKSURL,
		CACertPath:      cfg.IdPCACert,
		Issuer:          cfg.JWTIssuer,
		AdminGroups:     cfg.RoleAdminGroups,
		ModeratorGroups: cfg.RoleModeratorGroups,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		Leeway:          cfg.JWTLeeway,
	}, accessSvc, logger)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 11. Запуск фоновых задач
	if cfg.RetentionEnabled {
		scheduler.Start(ctx)
	} else {
		logger.Info("Планировщик retention отключён (RG_RETENTION_ENABLED=false)")
	}

	// 11.1 topologymetrics — мониторинг зависимостей (PostgreSQL + IdP)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthParams{
		ServiceID:     "roomguard",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PGConnURL:     cfg.DatabaseURL(),
		JWKSURL:       cfg.JWTJWKSURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 12. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 13. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	scheduler.Stop()

	logger.Info("roomguard остановлен")
}
