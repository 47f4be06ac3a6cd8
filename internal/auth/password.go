package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordMismatch — пароль не совпадает с хэшем.
var ErrPasswordMismatch = errors.New("пароль не совпадает")

// PasswordHasher — хэширование паролей через bcrypt (соль генерируется автоматически).
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher создаёт хэшер с указанной стоимостью bcrypt.
func NewPasswordHasher(cost int) *PasswordHasher {
	return &PasswordHasher{cost: cost}
}

// Hash возвращает bcrypt-хэш пароля.
func (h *PasswordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("ошибка хэширования пароля: %w", err)
	}
	return string(hash), nil
}

// Compare сравнивает пароль с хэшем.
// Возвращает ErrPasswordMismatch при несовпадении.
func (h *PasswordHasher) Compare(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	if err != nil {
		return fmt.Errorf("ошибка проверки пароля: %w", err)
	}
	return nil
}
