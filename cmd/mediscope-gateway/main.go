// Точка входа MediScope Gateway — шлюз медицинских загрузок.
// Загружает конфигурацию, подключает хранилище (PostgreSQL или MongoDB),
// создаёт клиент AI-сервисов, сервисный слой и API handlers,
// запускает фоновые задачи (рассылка событий, очистка загрузок, topologymetrics),
// HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/mediscope-gateway/internal/aiclient"
	"github.com/bigkaa/mediscope-gateway/internal/api/handlers"
	"github.com/bigkaa/mediscope-gateway/internal/api/middleware"
	"github.com/bigkaa/mediscope-gateway/internal/api/openapi"
	"github.com/bigkaa/mediscope-gateway/internal/auth"
	"github.com/bigkaa/mediscope-gateway/internal/config"
	"github.com/bigkaa/mediscope-gateway/internal/database"
	"github.com/bigkaa/mediscope-gateway/internal/events"
	"github.com/bigkaa/mediscope-gateway/internal/repository"
	"github.com/bigkaa/mediscope-gateway/internal/repository/mongostore"
	"github.com/bigkaa/mediscope-gateway/internal/server"
	"github.com/bigkaa/mediscope-gateway/internal/service"
	"github.com/bigkaa/mediscope-gateway/internal/storage/uploads"
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
	logger.Info("MediScope Gateway запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("store", cfg.StoreBackend),
	)

	// Предупреждение о дефолтном значении topologymetrics
	if os.Getenv("MS_DEPHEALTH_GROUP") == "" {
		logger.Warn("MS_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx := context.Background()

	// 3. Хранилище: пользователи и история
	var (
		userRepo     repository.UserRepository
		historyRepo  repository.HistoryRepository
		storeChecker handlers.ReadinessChecker
		pgDB         *sql.DB
	)
	switch cfg.StoreBackend {
	case config.StoreBackendMongo:
		store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Error("Ошибка подключения к MongoDB", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			if err := store.Close(context.Background()); err != nil {
				logger.Warn("Ошибка закрытия MongoDB", slog.String("error", err.Error()))
			}
		}()
		userRepo = store.Users()
		historyRepo = store.History()
		storeChecker = database.NewPingerReadinessChecker("MongoDB", store)

	default:
		// 3.1 Применение миграций БД
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}

		// 3.2 Подключение к PostgreSQL (pgxpool)
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		// 3.3 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
		pgDB = stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()

		userRepo = repository.NewUserRepository(pool)
		historyRepo = repository.NewHistoryRepository(pool)
		storeChecker = database.NewReadinessChecker(pool)
	}

	// 4. Каталог временных загрузок
	uploadStore, err := uploads.New(cfg.UploadDir)
	if err != nil {
		logger.Error("Ошибка инициализации каталога загрузок",
			slog.String("dir", cfg.UploadDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	logger.Info("Каталог загрузок готов", slog.String("dir", uploadStore.Dir()))

	// 5. Клиент AI-сервисов
	aiClient := aiclient.New(aiclient.Config{
		XrayURL:        cfg.XrayURL,
		LabURL:         cfg.LabURL,
		InterpreterURL: cfg.InterpreterURL,
		Timeout:        cfg.UpstreamTimeout,
	}, logger)

	// 6. Рассылка событий статуса
	broadcaster := events.NewBroadcaster(cfg.EventsBuffer, logger)

	// 7. Services
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer)
	authSvc := service.NewAuthService(userRepo, auth.NewPasswordHasher(cfg.BcryptCost), tokens, logger)
	historySvc := service.NewHistoryService(historyRepo, cfg.HistoryCacheSize, cfg.HistoryCacheTTL, logger)
	processSvc := service.NewProcessService(aiClient, uploadStore, historySvc, broadcaster, logger)
	chatSvc := service.NewChatService(aiClient, logger)

	// 8. OpenAPI-контракт и валидатор запросов
	doc, err := openapi.Load()
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI-документа", slog.String("error", err.Error()))
		os.Exit(1)
	}
	validator, err := openapi.NewValidator(doc, logger)
	if err != nil {
		logger.Error("Ошибка создания валидатора OpenAPI", slog.String("error", err.Error()))
		os.Exit(1)
	}
	specHandler, err := openapi.SpecHandler(doc)
	if err != nil {
		logger.Error("Ошибка сериализации OpenAPI-документа", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. Запуск фоновых задач
	broadcaster.Start(ctx)

	sweeper := service.NewUploadSweeper(uploadStore, cfg.UploadSweepInterval, cfg.UploadMaxAge, logger)
	sweeper.Start(ctx)

	// 9.1 topologymetrics — мониторинг зависимостей (PostgreSQL + AI-сервисы)
	var dephealthSvc *service.DephealthService
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"mediscope-gateway",
		cfg.DephealthGroup,
		service.DependencyTargets{
			DB:          pgDB,
			PostgresURL: cfg.DatabaseURL(),
			Upstreams: []service.UpstreamTarget{
				{Name: "xray-service", URL: cfg.XrayURL, HealthPath: cfg.XrayHealthPath},
				{Name: "lab-service", URL: cfg.LabURL, HealthPath: cfg.LabHealthPath},
				{Name: "interpreter-service", URL: cfg.InterpreterURL, HealthPath: cfg.InterpreterHealthPath},
			},
		},
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
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 10. Health handler: без мониторинга зависимостей проверяется только хранилище
	var deps handlers.DependencyHealth
	if dephealthSvc != nil {
		deps = dephealthSvc
	}
	healthHandler := handlers.NewHealthHandler(storeChecker, deps)

	// 11. API handler
	apiHandler := handlers.NewAPIHandler(
		authSvc,
		processSvc,
		historySvc,
		chatSvc,
		broadcaster,
		handlers.Options{
			MaxUploadBytes: cfg.UploadMaxBytes,
			Heartbeat:      cfg.SSEHeartbeat,
		},
		logger,
	)

	// 12. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, server.Routes{
		API:            apiHandler,
		Health:         healthHandler,
		Auth:           middleware.NewJWTAuth(tokens, logger),
		Validator:      validator,
		Spec:           specHandler,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})
	// Закрытие каналов подписчиков завершает SSE-потоки
	srv.OnShutdown(broadcaster.Stop)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 13. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	sweeper.Stop()
	broadcaster.Stop()

	logger.Info("MediScope Gateway остановлен")
}
