package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/bigkaa/mediscope-gateway/internal/auth"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAuth(t *testing.T) (*JWTAuth, string) {
	t.Helper()
	tm := auth.NewTokenManager("middleware-secret-0123456789", "mediscope-test")
	token, err := tm.Issue("user-42", "Alice")
	if err != nil {
		t.Fatalf("Issue() ошибка: %v", err)
	}
	return NewJWTAuth(tm, testLogger()), token
}

// identityHandler возвращает 200 и запоминает идентичность из контекста.
func identityHandler(got **auth.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestJWTAuth_Middleware(t *testing.T) {
	j, token := newTestAuth(t)

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
	}{
		{"валидный токен", "Bearer " + token, "", http.StatusOK},
		{"bearer в нижнем регистре", "bearer " + token, "", http.StatusOK},
		{"нет заголовка", "", "", http.StatusUnauthorized},
		{"неверная схема", "Basic " + token, "", http.StatusUnauthorized},
		{"пустой токен", "Bearer ", "", http.StatusUnauthorized},
		{"мусор", "Bearer garbage", "", http.StatusUnauthorized},
		{"токен в query не принимается", "", token, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *auth.Identity
			h := j.Middleware()(identityHandler(&got))

			target := "/history"
			if tt.query != "" {
				target += "?access_token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("статус = %d, ожидается %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && (got == nil || got.ID != "user-42" || got.Name != "Alice") {
				t.Errorf("идентичность в контексте = %+v", got)
			}
			if tt.wantStatus == http.StatusUnauthorized && got != nil {
				t.Error("обработчик не должен вызываться при отказе")
			}
		})
	}
}

func TestJWTAuth_MiddlewareWithQueryToken(t *testing.T) {
	j, token := newTestAuth(t)

	var got *auth.Identity
	h := j.MiddlewareWithQueryToken()(identityHandler(&got))

	req := httptest.NewRequest(http.MethodGet, "/events?access_token="+token, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got == nil || got.ID != "user-42" {
		t.Errorf("токен из query: статус %d, идентичность %+v", rec.Code, got)
	}

	got = nil
	req = httptest.NewRequest(http.MethodGet, "/events?access_token=bad", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || got != nil {
		t.Errorf("невалидный токен из query: статус %d", rec.Code)
	}

	// Заголовок имеет приоритет над query
	req = httptest.NewRequest(http.MethodGet, "/events?access_token="+token, nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("невалидный заголовок при валидном query: статус %d, ожидается 401", rec.Code)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/process":        "/process",
		"/health/ready":   "/health/ready",
		"/openapi.json":   "/openapi.json",
		"/wp-admin/x.php": "other",
		"/history/123":    "other",
		"/":               "other",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, ожидается %q", in, got, want)
		}
	}
}
