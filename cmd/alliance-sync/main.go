// Точка входа Alliance Sync — синхронизации событий альянсов с Discord.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт клиенты игрового API и Discord, сервисный слой и API handlers,
// запускает фоновые задачи (опрос войн, reconcile, topologymetrics),
// HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bigkaa/alliance-sync/internal/api/handlers"
	"github.com/bigkaa/alliance-sync/internal/api/middleware"
	"github.com/bigkaa/alliance-sync/internal/config"
	"github.com/bigkaa/alliance-sync/internal/database"
	"github.com/bigkaa/alliance-sync/internal/discord"
	"github.com/bigkaa/alliance-sync/internal/gameapi"
	"github.com/bigkaa/alliance-sync/internal/notify"
	"github.com/bigkaa/alliance-sync/internal/repository"
	"github.com/bigkaa/alliance-sync/internal/server"
	"github.com/bigkaa/alliance-sync/internal/service"
)

func main() {
	// 1. Конфигурация из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Логирование
	logger := config.SetupLogger(cfg)
	logger.Info("Alliance Sync запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("sink", cfg.Sink),
	)

	if os.Getenv("AS_DEPHEALTH_GROUP") == "" {
		logger.Warn("AS_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Миграции БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. PostgreSQL (pgxpool)
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	pgDB := database.SQLDB(pool)
	defer pgDB.Close()

	// 5. Repositories
	allianceRepo := repository.NewAllianceRepository(pool)
	credentialRepo := repository.NewCredentialRepository(pool)
	channelRepo := repository.NewChannelConfigRepository(pool, logger)
	cursorRepo := repository.NewCursorRepository(pool)
	identityRepo := repository.NewIdentityRepository(pool, repository.NewTxRunner(pool))
	roleRepo := repository.NewRoleRepository(pool)

	// 6. Внешние клиенты
	gameClient := gameapi.New(cfg.GameAPIURL, cfg.GameAPITimeout, logger)
	discordClient := discord.New(cfg.DiscordAPIURL, cfg.DiscordBotToken, nil, logger)

	var sink notify.Sink
	switch cfg.Sink {
	case config.SinkKafka:
		kafkaSink := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer closeQuietly(logger, "kafka", kafkaSink)
		sink = kafkaSink
	default:
		sink = notify.NewDiscordSink(discordClient)
	}
	logger.Info("Приёмник уведомлений создан", slog.String("sink", sink.Name()))

	// 7. Services
	credentials := service.NewCredentialResolver(credentialRepo, cfg.GameFallbackKey, logger)
	defer credentials.Wait()

	router := service.NewFanoutRouter(channelRepo, sink, service.FanoutConfig{
		DedupSize:    cfg.DedupSize,
		DedupTTL:     cfg.DedupTTL,
		QueueSize:    cfg.DeliveryRetryQueue,
		MaxAttempts:  cfg.DeliveryMaxAttempts,
		RetryBackoff: cfg.PollInterval,
	}, logger)

	poller := service.NewEventPoller(allianceRepo, cursorRepo, credentials, gameClient, router,
		service.PollerConfig{
			Interval:     cfg.PollInterval,
			CycleTimeout: cfg.PollCycleTimeout,
			Workers:      cfg.PollWorkers,
			PageSize:     cfg.PollPageSize,
		}, logger)

	identities := service.NewIdentityReconciler(identityRepo, logger)
	roleSync := service.NewRoleSyncService(allianceRepo, roleRepo, identityRepo, identities, discordClient,
		service.RetryPolicy{Attempts: cfg.SyncRetryAttempts, Backoff: cfg.SyncRetryBackoff}, logger)
	reconciler := service.NewReconcileService(allianceRepo, roleSync, cfg.ReconcileInterval, logger)

	channels, err := service.NewChannelConfigService(allianceRepo, channelRepo, logger)
	if err != nil {
		logger.Error("Ошибка инициализации схемы настроек каналов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 8. Фоновые задачи
	poller.Start(ctx)
	reconciler.Start(ctx)

	dephealthSvc, dephealthErr := service.NewDephealthService(
		"alliance-sync",
		cfg.DephealthGroup,
		service.DephealthTargets{
			DB:            pgDB,
			PostgresURL:   cfg.DatabaseURL(),
			GameAPIURL:    gameClient.HealthURL(),
			DiscordAPIURL: discordClient.HealthURL(),
		},
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics не запущен", slog.String("error", dephealthErr.Error()))
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	}

	// 9. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.JWTIssuer,
		cfg.RoleOperatorGroups,
		cfg.RoleViewerGroups,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка инициализации JWT", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 10. API handlers и HTTP-сервер
	health := handlers.NewHealthHandler(
		database.NewReadinessChecker(pool),
		middleware.NewIdPReadinessChecker(cfg.JWTJWKSURL, cfg.GameAPITimeout),
	)
	apiHandler := handlers.NewAPIHandler(health, identities, roleSync, channels, reconciler, poller, logger)

	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
	}

	// 11. Остановка фоновых задач
	stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	poller.Stop()
	reconciler.Stop()

	logger.Info("Alliance Sync остановлен")
}

func closeQuietly(logger *slog.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warn("Ошибка закрытия", slog.String("resource", name), slog.String("error", err.Error()))
	}
}
