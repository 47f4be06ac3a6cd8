// Пакет server — HTTP-сервер MediScope Gateway с graceful shutdown.
// Без TLS — TLS termination выполняется на ingress.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	ghandlers "github.com/gorilla/handlers"

	"github.com/bigkaa/mediscope-gateway/internal/api/handlers"
	"github.com/bigkaa/mediscope-gateway/internal/api/middleware"
	"github.com/bigkaa/mediscope-gateway/internal/api/openapi"
	"github.com/bigkaa/mediscope-gateway/internal/config"
)

// Routes — обработчики и middleware, из которых собирается роутер.
type Routes struct {
	API       *handlers.APIHandler
	Health    *handlers.HealthHandler
	Auth      *middleware.JWTAuth
	Validator *openapi.Validator
	// Spec — отдача OpenAPI-документа, может быть nil
	Spec http.HandlerFunc
	// AllowedOrigins — источники, которым разрешены CORS-запросы с credentials
	AllowedOrigins []string
}

// Server — HTTP-сервер MediScope Gateway.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, routes Routes) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, routes),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты шлюза.
//
// Публичные: POST /signup, POST /login, health, /metrics, /openapi.json.
// Защищённые (Bearer JWT): POST /process, GET /history, POST /chat.
// GET /events принимает токен также из параметра access_token.
func NewRouter(logger *slog.Logger, routes Routes) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(chimw.Recoverer)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Health и metrics проверяются Kubernetes напрямую.
	router.Get("/health/live", routes.Health.HealthLive)
	router.Get("/health/ready", routes.Health.HealthReady)
	router.Get("/metrics", routes.Health.GetMetrics)
	if routes.Spec != nil {
		router.Get("/openapi.json", routes.Spec)
	}

	router.Group(func(r chi.Router) {
		r.Use(routes.Validator.Middleware())
		r.Post("/signup", routes.API.Signup)
		r.Post("/login", routes.API.Login)
	})

	// Аутентификация выполняется до валидации и чтения тела:
	// запрос без токена не оставляет следов на диске.
	router.Group(func(r chi.Router) {
		r.Use(routes.Auth.Middleware())
		r.Use(routes.Validator.Middleware())
		r.Post("/process", routes.API.Process)
		r.Get("/history", routes.API.History)
		r.Post("/chat", routes.API.Chat)
	})

	router.Group(func(r chi.Router) {
		r.Use(routes.Auth.MiddlewareWithQueryToken())
		r.Get("/events", routes.API.Events)
	})

	return ghandlers.CORS(
		ghandlers.AllowedOrigins(routes.AllowedOrigins),
		ghandlers.AllowCredentials(),
		ghandlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		ghandlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(router)
}

// OnShutdown регистрирует функцию, вызываемую в начале graceful shutdown.
// Используется для закрытия долгоживущих SSE-потоков.
func (s *Server) OnShutdown(f func()) {
	s.httpServer.RegisterOnShutdown(f)
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

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
