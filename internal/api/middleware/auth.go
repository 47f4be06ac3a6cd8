// auth.go — JWT middleware аутентификации MediScope Gateway.
// Токены выпускает сам шлюз (HS256, срок жизни 24 часа).
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	apierrors "github.com/bigkaa/mediscope-gateway/internal/api/errors"
	"github.com/bigkaa/mediscope-gateway/internal/auth"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyIdentity — идентичность пользователя в контексте запроса.
	ContextKeyIdentity contextKey = "identity"
)

// queryTokenParam — параметр запроса с токеном для EventSource,
// который не умеет передавать заголовки.
const queryTokenParam = "access_token"

// TokenVerifier — проверка токена. Реализуется auth.TokenManager.
type TokenVerifier interface {
	Parse(token string) (*auth.Identity, error)
}

// JWTAuth — middleware для JWT-аутентификации.
type JWTAuth struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewJWTAuth создаёт JWT middleware.
func NewJWTAuth(verifier TokenVerifier, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		verifier: verifier,
		logger:   logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware возвращает middleware, требующий заголовок Authorization: Bearer <token>.
// Запрос без валидного токена отклоняется с 401 до чтения тела.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return j.middleware(false)
}

// MiddlewareWithQueryToken — как Middleware, но при отсутствии заголовка
// принимает токен из параметра access_token (для SSE).
func (j *JWTAuth) MiddlewareWithQueryToken() func(http.Handler) http.Handler {
	return j.middleware(true)
}

func (j *JWTAuth) middleware(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, msg := extractToken(r, allowQuery)
			if msg != "" {
				apierrors.Unauthorized(w, msg)
				return
			}

			identity, err := j.verifier.Parse(tokenString)
			if err != nil {
				j.logger.Debug("Токен отклонён",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken извлекает токен из запроса.
// Возвращает токен или сообщение об ошибке для клиента.
func extractToken(r *http.Request, allowQuery bool) (token string, errMsg string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if allowQuery {
			if t := r.URL.Query().Get(queryTokenParam); t != "" {
				return t, ""
			}
		}
		return "", "Отсутствует заголовок Authorization"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "Неверный формат Authorization: ожидается Bearer <token>"
	}

	token = strings.TrimSpace(parts[1])
	if token == "" {
		return "", "Пустой Bearer token"
	}
	return token, ""
}

// IdentityFromContext извлекает идентичность пользователя из контекста.
// Возвращает nil, если запрос не прошёл через JWTAuth.
func IdentityFromContext(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(ContextKeyIdentity).(*auth.Identity)
	return id
}

// ContextWithIdentity помещает идентичность в контекст.
// Используется в тестах handlers.
func ContextWithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, ContextKeyIdentity, id)
}
