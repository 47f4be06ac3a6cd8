package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/mediscope-gateway/internal/api/middleware"
	"github.com/bigkaa/mediscope-gateway/internal/auth"
	"github.com/bigkaa/mediscope-gateway/internal/domain/model"
	"github.com/bigkaa/mediscope-gateway/internal/domain/pipeline"
	"github.com/bigkaa/mediscope-gateway/internal/events"
	"github.com/bigkaa/mediscope-gateway/internal/service"
)

// --- Тестовые заглушки сервисов ---

type fakeAuth struct {
	signupFn func(ctx context.Context, name, email, password string) (*service.AuthResult, error)
	loginFn  func(ctx context.Context, email, password string) (*service.AuthResult, error)
}

func (f *fakeAuth) Signup(ctx context.Context, name, email, password string) (*service.AuthResult, error) {
	return f.signupFn(ctx, name, email, password)
}

func (f *fakeAuth) Login(ctx context.Context, email, password string) (*service.AuthResult, error) {
	return f.loginFn(ctx, email, password)
}

type fakeProcess struct {
	processFn func(ctx context.Context, in service.ProcessInput) (*service.ProcessResult, error)
}

func (f *fakeProcess) Process(ctx context.Context, in service.ProcessInput) (*service.ProcessResult, error) {
	return f.processFn(ctx, in)
}

type fakeHistory struct {
	listFn func(ctx context.Context, userID string, limit, offset int) ([]*model.HistoryRecord, error)
}

func (f *fakeHistory) List(ctx context.Context, userID string, limit, offset int) ([]*model.HistoryRecord, error) {
	return f.listFn(ctx, userID, limit, offset)
}

type fakeChat struct {
	askFn func(ctx context.Context, username, language, query string) (json.RawMessage, error)
}

func (f *fakeChat) Ask(ctx context.Context, username, language, query string) (json.RawMessage, error) {
	return f.askFn(ctx, username, language, query)
}

type fakeSubscriber struct {
	ch          chan events.Event
	subscribed  chan string
	unsubscribe chan struct{}
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		ch:          make(chan events.Event, 4),
		subscribed:  make(chan string, 1),
		unsubscribe: make(chan struct{}, 1),
	}
}

func (f *fakeSubscriber) Subscribe(userID string) (<-chan events.Event, func()) {
	f.subscribed <- userID
	return f.ch, func() { f.unsubscribe <- struct{}{} }
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testIdentity = &auth.Identity{ID: "user-1", Name: "Alice"}

func newTestHandler(t *testing.T) (*APIHandler, *fakeAuth, *fakeProcess, *fakeHistory, *fakeChat, *fakeSubscriber) {
	t.Helper()
	a := &fakeAuth{}
	p := &fakeProcess{}
	hs := &fakeHistory{}
	c := &fakeChat{}
	s := newFakeSubscriber()
	h := NewAPIHandler(a, p, hs, c, s, Options{MaxUploadBytes: 1 << 20, Heartbeat: 20 * time.Millisecond}, testLogger())
	return h, a, p, hs, c, s
}

func withIdentity(r *http.Request) *http.Request {
	return r.WithContext(middleware.ContextWithIdentity(r.Context(), testIdentity))
}

// errorCode извлекает код ошибки из стандартного тела ответа.
func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("тело ошибки не JSON: %v (%s)", err, body)
	}
	return resp.Error.Code
}

// multipartBody формирует тело multipart с полями и, при fileName != "", файлом.
func multipartBody(t *testing.T, fields map[string]string, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("запись файла: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// --- Signup / Login ---

func TestSignup_Success(t *testing.T) {
	h, a, _, _, _, _ := newTestHandler(t)
	a.signupFn = func(_ context.Context, name, email, password string) (*service.AuthResult, error) {
		if name != "Alice" || email != "a@x.io" || password != "secret12" {
			t.Errorf("неожиданные аргументы: %q %q %q", name, email, password)
		}
		return &service.AuthResult{
			Token: "tok",
			User:  model.PublicUser{ID: "user-1", Name: "Alice", Email: "a@x.io"},
		}, nil
	}

	req := httptest.NewRequest(http.MethodPost, "/signup",
		strings.NewReader(`{"name":"Alice","email":"a@x.io","password":"secret12"}`))
	w := httptest.NewRecorder()
	h.Signup(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается 200 (%s)", w.Code, w.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if resp.Token != "tok" || resp.User.Email != "a@x.io" || resp.Message == "" {
		t.Errorf("неожиданный ответ: %+v", resp)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Error("ответ не должен содержать пароль")
	}
}

func TestSignup_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"валидация", fmt.Errorf("%w: пустое имя", service.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"конфликт", service.ErrConflict, http.StatusConflict, "CONFLICT"},
		{"внутренняя", errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, a, _, _, _, _ := newTestHandler(t)
			a.signupFn = func(context.Context, string, string, string) (*service.AuthResult, error) {
				return nil, tt.err
			}

			req := httptest.NewRequest(http.MethodPost, "/signup",
				strings.NewReader(`{"name":"A","email":"a@x.io","password":"p"}`))
			w := httptest.NewRecorder()
			h.Signup(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("статус = %d, ожидается %d", w.Code, tt.wantCode)
			}
			if got := errorCode(t, w.Body.Bytes()); got != tt.wantBody {
				t.Errorf("code = %q, ожидается %q", got, tt.wantBody)
			}
		})
	}
}

func TestSignup_InvalidJSON(t *testing.T) {
	h, _, _, _, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/signup", strings.NewReader(`{`))
	w := httptest.NewRecorder()
	h.Signup(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("статус = %d, ожидается 400", w.Code)
	}
}

func TestLogin_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"неизвестный email", service.ErrNotFound, http.StatusNotFound},
		{"неверный пароль", service.ErrUnauthorized, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, a, _, _, _, _ := newTestHandler(t)
			a.loginFn = func(context.Context, string, string) (*service.AuthResult, error) {
				return nil, tt.err
			}

			req := httptest.NewRequest(http.MethodPost, "/login",
				strings.NewReader(`{"email":"a@x.io","password":"p"}`))
			w := httptest.NewRecorder()
			h.Login(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("статус = %d, ожидается %d", w.Code, tt.wantCode)
			}
		})
	}
}

// --- Process ---

func TestProcess_Success(t *testing.T) {
	h, _, p, _, _, _ := newTestHandler(t)
	p.processFn = func(_ context.Context, in service.ProcessInput) (*service.ProcessResult, error) {
		if in.UserID != "user-1" || in.UserName != "Alice" {
			t.Errorf("идентичность не передана: %+v", in)
		}
		if in.Type != "xray" || in.Language != "hindi" || in.FileName != "chest.png" {
			t.Errorf("поля формы не переданы: %+v", in)
		}
		if in.Clinical.Age == nil || *in.Clinical.Age != 42 || in.Clinical.BodyPart != "chest" {
			t.Errorf("клинические данные не переданы: %+v", in.Clinical)
		}
		if in.Clinical.Weight != nil {
			t.Errorf("weight не передавался, ожидается nil")
		}
		data, _ := io.ReadAll(in.File)
		if string(data) != "PNGDATA" {
			t.Errorf("содержимое файла = %q", data)
		}
		return &service.ProcessResult{RequestID: "REQ-1-abc", Interpreted: json.RawMessage(`{"summary":"ok"}`)}, nil
	}

	body, ct := multipartBody(t, map[string]string{
		"type": "xray", "language": "hindi", "body_part": "chest", "age": "42",
	}, "chest.png", []byte("PNGDATA"))
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/process", body))
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	h.Process(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается 200 (%s)", w.Code, w.Body.String())
	}
	var resp struct {
		Success     bool            `json:"success"`
		RequestID   string          `json:"requestId"`
		Interpreted json.RawMessage `json:"interpreted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if !resp.Success || resp.RequestID != "REQ-1-abc" || string(resp.Interpreted) != `{"summary":"ok"}` {
		t.Errorf("неожиданный ответ: %s", w.Body.String())
	}
}

func TestProcess_NoIdentity(t *testing.T) {
	h, _, p, _, _, _ := newTestHandler(t)
	p.processFn = func(context.Context, service.ProcessInput) (*service.ProcessResult, error) {
		t.Error("Process не должен вызываться без аутентификации")
		return nil, nil
	}

	body, ct := multipartBody(t, map[string]string{"type": "xray"}, "a.png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/process", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	h.Process(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидается 401", w.Code)
	}
}

func TestProcess_MissingFilePassedAsNil(t *testing.T) {
	h, _, p, _, _, _ := newTestHandler(t)
	p.processFn = func(_ context.Context, in service.ProcessInput) (*service.ProcessResult, error) {
		if in.File != nil {
			t.Error("File должен быть nil при отсутствии файла")
		}
		return nil, fmt.Errorf("%w: файл не передан", service.ErrValidation)
	}

	body, ct := multipartBody(t, map[string]string{"type": "xray"}, "", nil)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/process", body))
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	h.Process(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("статус = %d, ожидается 400", w.Code)
	}
}

func TestProcess_InvalidClinical(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value string
	}{
		{"нечисловой возраст", "age", "old"},
		{"возраст вне диапазона", "age", "200"},
		{"отрицательный вес", "weight", "-5"},
		{"вес NaN", "weight", "NaN"},
		{"вес nan", "weight", "nan"},
		{"бесконечный вес", "weight", "+Inf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, p, _, _, _ := newTestHandler(t)
			p.processFn = func(context.Context, service.ProcessInput) (*service.ProcessResult, error) {
				t.Error("Process не должен вызываться при некорректных полях")
				return nil, nil
			}

			body, ct := multipartBody(t, map[string]string{"type": "xray", tt.field: tt.value}, "a.png", []byte("x"))
			req := withIdentity(httptest.NewRequest(http.MethodPost, "/process", body))
			req.Header.Set("Content-Type", ct)
			w := httptest.NewRecorder()
			h.Process(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("статус = %d, ожидается 400", w.Code)
			}
		})
	}
}

func TestProcess_TooLarge(t *testing.T) {
	h, _, p, _, _, _ := newTestHandler(t)
	p.processFn = func(context.Context, service.ProcessInput) (*service.ProcessResult, error) {
		t.Error("Process не должен вызываться для слишком большой загрузки")
		return nil, nil
	}

	body, ct := multipartBody(t, map[string]string{"type": "xray"}, "big.png", bytes.Repeat([]byte("x"), 2<<20))
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/process", body))
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	h.Process(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("статус = %d, ожидается 413", w.Code)
	}
	if got := errorCode(t, w.Body.Bytes()); got != "FILE_TOO_LARGE" {
		t.Errorf("code = %q, ожидается FILE_TOO_LARGE", got)
	}
}

func TestProcess_ProcessErrorCarriesRequestID(t *testing.T) {
	tests := []struct {
		name     string
		upstream bool
		wantCode string
	}{
		{"внешний сервис", true, "UPSTREAM_FAILURE"},
		{"внутренняя ошибка", false, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, p, _, _, _ := newTestHandler(t)
			p.processFn = func(context.Context, service.ProcessInput) (*service.ProcessResult, error) {
				return nil, &service.ProcessError{
					RequestID: "REQ-9-deadbeef",
					Stage:     pipeline.StageClassifying,
					Message:   "Сервис анализа недоступен",
					Upstream:  tt.upstream,
					Err:       errors.New("connection refused"),
				}
			}

			body, ct := multipartBody(t, map[string]string{"type": "xray"}, "a.png", []byte("x"))
			req := withIdentity(httptest.NewRequest(http.MethodPost, "/process", body))
			req.Header.Set("Content-Type", ct)
			w := httptest.NewRecorder()
			h.Process(w, req)

			if w.Code != http.StatusInternalServerError {
				t.Fatalf("статус = %d, ожидается 500", w.Code)
			}
			var resp struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
				RequestID string `json:"requestId"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("ответ не JSON: %v", err)
			}
			if resp.RequestID != "REQ-9-deadbeef" {
				t.Errorf("requestId = %q", resp.RequestID)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("code = %q, ожидается %q", resp.Error.Code, tt.wantCode)
			}
			if strings.Contains(w.Body.String(), "connection refused") {
				t.Error("исходная ошибка не должна попадать клиенту")
			}
		})
	}
}

// --- History ---

func TestHistory_DefaultsAndParams(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"без параметров", "", 0, 0},
		{"limit и offset", "?limit=5&offset=10", 5, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _, hs, _, _ := newTestHandler(t)
			hs.listFn = func(_ context.Context, userID string, limit, offset int) ([]*model.HistoryRecord, error) {
				if userID != "user-1" {
					t.Errorf("userID = %q", userID)
				}
				if limit != tt.wantLimit || offset != tt.wantOffset {
					t.Errorf("limit/offset = %d/%d, ожидается %d/%d", limit, offset, tt.wantLimit, tt.wantOffset)
				}
				return []*model.HistoryRecord{}, nil
			}

			req := withIdentity(httptest.NewRequest(http.MethodGet, "/history"+tt.query, nil))
			w := httptest.NewRecorder()
			h.History(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("статус = %d, ожидается 200", w.Code)
			}
			if strings.TrimSpace(w.Body.String()) != "[]" {
				t.Errorf("тело = %q, ожидается []", w.Body.String())
			}
		})
	}
}

func TestHistory_InvalidLimit(t *testing.T) {
	h, _, _, hs, _, _ := newTestHandler(t)
	hs.listFn = func(context.Context, string, int, int) ([]*model.HistoryRecord, error) {
		t.Error("List не должен вызываться при некорректном limit")
		return nil, nil
	}

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/history?limit=abc", nil))
	w := httptest.NewRecorder()
	h.History(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("статус = %d, ожидается 400", w.Code)
	}
}

// --- Chat ---

func TestChat_Success(t *testing.T) {
	h, _, _, _, c, _ := newTestHandler(t)
	c.askFn = func(_ context.Context, username, language, query string) (json.RawMessage, error) {
		if username != "Alice" || language != "english" || query != "что такое ЭКГ?" {
			t.Errorf("неожиданные аргументы: %q %q %q", username, language, query)
		}
		return json.RawMessage(`"ответ"`), nil
	}

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/chat",
		strings.NewReader(`{"query":"что такое ЭКГ?","language":"english"}`)))
	w := httptest.NewRecorder()
	h.Chat(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"response":"ответ"`) {
		t.Errorf("тело = %s", w.Body.String())
	}
}

func TestChat_Upstream(t *testing.T) {
	h, _, _, _, c, _ := newTestHandler(t)
	c.askFn = func(context.Context, string, string, string) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: timeout", service.ErrUpstream)
	}

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"query":"q"}`)))
	w := httptest.NewRecorder()
	h.Chat(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("статус = %d, ожидается 500", w.Code)
	}
	if got := errorCode(t, w.Body.Bytes()); got != "UPSTREAM_FAILURE" {
		t.Errorf("code = %q, ожидается UPSTREAM_FAILURE", got)
	}
}

// --- Events ---

func TestEvents_StreamsUserEvents(t *testing.T) {
	h, _, _, _, _, sub := newTestHandler(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := withIdentity(httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx))
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.Events(w, req)
		close(done)
	}()

	select {
	case userID := <-sub.subscribed:
		if userID != "user-1" {
			t.Errorf("подписка на %q, ожидается user-1", userID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("обработчик не подписался на события")
	}

	sub.ch <- events.Event{Type: events.TypeCompleted, UserID: "user-1", RequestID: "REQ-1-abc"}
	// Даём обработчику записать событие и хотя бы один heartbeat
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("обработчик не завершился после отмены контекста")
	}
	select {
	case <-sub.unsubscribe:
	default:
		t.Error("отписка не выполнена")
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"event:connected", "event:completed", "id:REQ-1-abc", `"requestId":"REQ-1-abc"`, ": ping"} {
		if !strings.Contains(body, want) {
			t.Errorf("поток не содержит %q:\n%s", want, body)
		}
	}
}

func TestEvents_ClosedChannelEndsStream(t *testing.T) {
	h, _, _, _, _, sub := newTestHandler(t)
	close(sub.ch)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/events", nil))
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.Events(w, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("обработчик не завершился после закрытия канала событий")
	}
}
