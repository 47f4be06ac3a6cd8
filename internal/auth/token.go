// Пакет auth — выпуск и проверка bearer-токенов (HS256) и хэширование паролей.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL — фиксированное время жизни токена.
const TokenTTL = 24 * time.Hour

// ErrInvalidToken — токен отсутствует, повреждён, подписан другим ключом или просрочен.
var ErrInvalidToken = errors.New("невалидный или просроченный токен")

// Identity — личность, извлекаемая из токена.
type Identity struct {
	ID   string
	Name string
}

// tokenClaims — claims выпускаемых токенов.
// id и name дублируют sub для совместимости с существующим клиентом.
type tokenClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"id"`
	UserName string `json:"name"`
}

// TokenManager — выпуск и проверка токенов симметричным ключом.
type TokenManager struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewTokenManager создаёт TokenManager.
// secret — ключ HS256, issuer — значение iss (проверяется при разборе).
func NewTokenManager(secret, issuer string) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		leeway: 30 * time.Second,
		now:    time.Now,
	}
}

// Issue выпускает токен для пользователя со сроком жизни TokenTTL.
func (m *TokenManager) Issue(id, name string) (string, error) {
	now := m.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
		UserID:   id,
		UserName: name,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("ошибка подписи токена: %w", err)
	}
	return signed, nil
}

// Parse проверяет подпись, срок действия и issuer токена.
// Любая ошибка проверки сводится к ErrInvalidToken.
func (m *TokenManager) Parse(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &tokenClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return nil, fmt.Errorf("%w: отсутствует идентификатор пользователя", ErrInvalidToken)
	}

	return &Identity{ID: id, Name: claims.UserName}, nil
}
