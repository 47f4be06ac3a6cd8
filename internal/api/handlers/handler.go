// handler.go — обработчики API MediScope Gateway.
// Разбирают HTTP-запросы и делегируют работу в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/mediscope-gateway/internal/api/errors"
	"github.com/bigkaa/mediscope-gateway/internal/domain/model"
	"github.com/bigkaa/mediscope-gateway/internal/events"
	"github.com/bigkaa/mediscope-gateway/internal/service"
)

// AuthService — регистрация и вход.
type AuthService interface {
	Signup(ctx context.Context, name, email, password string) (*service.AuthResult, error)
	Login(ctx context.Context, email, password string) (*service.AuthResult, error)
}

// ProcessService — обработка загрузок.
type ProcessService interface {
	Process(ctx context.Context, in service.ProcessInput) (*service.ProcessResult, error)
}

// HistoryService — чтение истории.
type HistoryService interface {
	List(ctx context.Context, userID string, limit, offset int) ([]*model.HistoryRecord, error)
}

// ChatService — вопросы интерпретатору.
type ChatService interface {
	Ask(ctx context.Context, username, language, query string) (json.RawMessage, error)
}

// EventSubscriber — подписка на события пользователя.
type EventSubscriber interface {
	Subscribe(userID string) (<-chan events.Event, func())
}

// Options — параметры обработчиков.
type Options struct {
	// MaxUploadBytes — ограничение тела POST /process
	MaxUploadBytes int64
	// Heartbeat — период комментариев keep-alive в потоке событий
	Heartbeat time.Duration
}

// APIHandler — основной обработчик API.
type APIHandler struct {
	auth    AuthService
	process ProcessService
	history HistoryService
	chat    ChatService
	events  EventSubscriber
	opts    Options
	logger  *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	auth AuthService,
	process ProcessService,
	history HistoryService,
	chat ChatService,
	subscriber EventSubscriber,
	opts Options,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		auth:    auth,
		process: process,
		history: history,
		chat:    chat,
		events:  subscriber,
		opts:    opts,
		logger:  logger.With(slog.String("component", "api_handler")),
	}
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает JSON-тело запроса.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// handleServiceError отображает ошибку сервисного слоя на HTTP-ответ.
func (h *APIHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrUnauthorized):
		apierrors.Unauthorized(w, "Неверные учётные данные")
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Пользователь не найден")
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, "Пользователь с таким email уже зарегистрирован")
	case errors.Is(err, service.ErrUpstream):
		apierrors.UpstreamFailure(w, "Внешний сервис недоступен")
	default:
		h.logger.Error("Внутренняя ошибка", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
