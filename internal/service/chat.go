package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// ChatClient — вызов интерпретатора в режиме диалога.
type ChatClient interface {
	Chat(ctx context.Context, username, language, query string) (json.RawMessage, error)
}

// ChatService — свободные вопросы к интерпретатору.
type ChatService struct {
	client ChatClient
	logger *slog.Logger
}

// NewChatService создаёт сервис чата.
func NewChatService(client ChatClient, logger *slog.Logger) *ChatService {
	return &ChatService{
		client: client,
		logger: logger.With(slog.String("component", "chat_service")),
	}
}

// Ask отправляет вопрос интерпретатору и возвращает его ответ.
// Если в ответе есть поле response, возвращается только оно.
func (s *ChatService) Ask(ctx context.Context, username, language, query string) (json.RawMessage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: поле query обязательно", ErrValidation)
	}
	language = defaultLanguage(language)
	if username == "" {
		username = defaultUsername
	}

	raw, err := s.client.Chat(ctx, username, language, query)
	if err != nil {
		s.logger.Error("Ошибка обращения к интерпретатору",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: интерпретатор недоступен", ErrUpstream)
	}

	return extractResponse(raw), nil
}

// extractResponse возвращает поле response из ответа интерпретатора,
// либо весь ответ, если такого поля нет.
func extractResponse(raw json.RawMessage) json.RawMessage {
	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Response) > 0 {
		return envelope.Response
	}
	return raw
}
