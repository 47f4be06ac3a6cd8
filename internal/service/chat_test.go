package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type chatClientFunc func(ctx context.Context, username, language, query string) (json.RawMessage, error)

func (f chatClientFunc) Chat(ctx context.Context, username, language, query string) (json.RawMessage, error) {
	return f(ctx, username, language, query)
}

func TestChatService_Ask(t *testing.T) {
	var gotUser, gotLang, gotQuery string
	svc := NewChatService(chatClientFunc(func(_ context.Context, username, language, query string) (json.RawMessage, error) {
		gotUser, gotLang, gotQuery = username, language, query
		return json.RawMessage(`{"response":"Пейте больше воды"}`), nil
	}), testLogger())

	resp, err := svc.Ask(context.Background(), "", "", "  Что делать?  ")
	if err != nil {
		t.Fatalf("Ask() ошибка: %v", err)
	}
	if string(resp) != `"Пейте больше воды"` {
		t.Errorf("Ask() = %s, ожидается значение поля response", resp)
	}
	if gotUser != "User" || gotLang != "english" || gotQuery != "Что делать?" {
		t.Errorf("Chat() вызван с user=%q lang=%q query=%q", gotUser, gotLang, gotQuery)
	}
}

func TestChatService_Errors(t *testing.T) {
	called := false
	svc := NewChatService(chatClientFunc(func(context.Context, string, string, string) (json.RawMessage, error) {
		called = true
		return nil, errors.New("timeout")
	}), testLogger())

	if _, err := svc.Ask(context.Background(), "u", "english", "   "); !errors.Is(err, ErrValidation) {
		t.Errorf("Ask() с пустым вопросом: ожидается ErrValidation, получено %v", err)
	}
	if called {
		t.Error("пустой вопрос не должен отправляться интерпретатору")
	}

	_, err := svc.Ask(context.Background(), "u", "english", "вопрос")
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("Ask() при сбое интерпретатора: ожидается ErrUpstream, получено %v", err)
	}
}

func TestExtractResponse(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"response":"text"}`, `"text"`},
		{`{"response":{"a":1}}`, `{"a":1}`},
		{`{"answer":"x"}`, `{"answer":"x"}`},
		{`["a"]`, `["a"]`},
	}
	for _, tt := range tests {
		if got := string(extractResponse(json.RawMessage(tt.in))); got != tt.want {
			t.Errorf("extractResponse(%s) = %s, ожидается %s", tt.in, got, tt.want)
		}
	}
}
