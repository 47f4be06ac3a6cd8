package handlers

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/bigkaa/mediscope-gateway/internal/api/errors"
	"github.com/bigkaa/mediscope-gateway/internal/api/middleware"
)

type chatRequest struct {
	Query    string `json:"query"`
	Language string `json:"language"`
}

type chatResponse struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response"`
}

// Chat — POST /chat: свободный вопрос интерпретатору от имени пользователя.
func (h *APIHandler) Chat(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON")
		return
	}

	resp, err := h.chat.Ask(r.Context(), identity.Name, req.Language, req.Query)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Success: true, Response: resp})
}
