// events.go — поток событий обработки загрузок (Server-Sent Events).
// Каждый SSE-клиент обслуживается отдельной горутиной и получает
// только события своих запросов.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"

	apierrors "github.com/bigkaa/mediscope-gateway/internal/api/errors"
	"github.com/bigkaa/mediscope-gateway/internal/api/middleware"
)

const defaultHeartbeat = 15 * time.Second

// Events — GET /events.
// Формат: event: status|completed|failed, id: requestId, data: {json}.
// Между событиями отправляются комментарии keep-alive.
func (h *APIHandler) Events(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Отключаем буферизацию Nginx

	// ResponseController находит http.Flusher через Unwrap() обёрток middleware.
	rc := http.NewResponseController(w)
	// Поток живёт дольше WriteTimeout сервера
	_ = rc.SetWriteDeadline(time.Time{})
	if err := rc.Flush(); err != nil {
		apierrors.InternalError(w, "SSE не поддерживается")
		return
	}

	ch, unsubscribe := h.events.Subscribe(identity.ID)
	defer unsubscribe()

	logger := h.logger.With(slog.String("user_id", identity.ID))
	logger.Debug("SSE клиент подключён", slog.String("remote_addr", r.RemoteAddr))

	_ = sse.Encode(w, sse.Event{
		Event: "connected",
		Data:  map[string]string{"userId": identity.ID},
	})
	_ = rc.Flush()

	heartbeat := h.opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("SSE клиент отключён")
			return

		case ev, ok := <-ch:
			if !ok {
				// Broadcaster остановлен (завершение работы)
				return
			}
			if err := sse.Encode(w, sse.Event{Event: ev.Type, Id: ev.RequestID, Data: ev}); err != nil {
				logger.Debug("Ошибка записи SSE", slog.String("error", err.Error()))
				return
			}
			_ = rc.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
