package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/bigkaa/mediscope-gateway/internal/auth"
	"github.com/bigkaa/mediscope-gateway/internal/domain/model"
	"github.com/bigkaa/mediscope-gateway/internal/repository"
)

// AuthResult — результат регистрации или входа.
type AuthResult struct {
	Token string
	User  model.PublicUser
}

// AuthService — регистрация, вход и проверка токенов.
// Единственный компонент, который пишет в хранилище учётных записей.
type AuthService struct {
	users  repository.UserRepository
	hasher *auth.PasswordHasher
	tokens *auth.TokenManager
	logger *slog.Logger
}

// NewAuthService создаёт сервис аутентификации.
func NewAuthService(
	users repository.UserRepository,
	hasher *auth.PasswordHasher,
	tokens *auth.TokenManager,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:  users,
		hasher: hasher,
		tokens: tokens,
		logger: logger.With(slog.String("component", "auth_service")),
	}
}

// Signup регистрирует пользователя и сразу выпускает токен.
func (s *AuthService) Signup(ctx context.Context, name, email, password string) (*AuthResult, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" || email == "" || strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("%w: поля name, email и password обязательны", ErrValidation)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return nil, fmt.Errorf("%w: пароль длиннее 72 байт", ErrValidation)
		}
		return nil, err
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: пользователь с таким email уже зарегистрирован", ErrConflict)
		}
		return nil, err
	}

	s.logger.Info("Пользователь зарегистрирован",
		slog.String("user_id", user.ID),
	)

	return s.issue(user)
}

// Login проверяет учётные данные и выпускает токен.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: поля email и password обязательны", ErrValidation)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: пользователь не найден", ErrNotFound)
		}
		return nil, err
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger.Debug("Неверный пароль", slog.String("user_id", user.ID))
			return nil, fmt.Errorf("%w: неверный пароль", ErrUnauthorized)
		}
		return nil, err
	}

	return s.issue(user)
}

// Verify проверяет токен и возвращает идентичность пользователя.
func (s *AuthService) Verify(token string) (*auth.Identity, error) {
	id, err := s.tokens.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return id, nil
}

func (s *AuthService) issue(user *model.User) (*AuthResult, error) {
	token, err := s.tokens.Issue(user.ID, user.Name)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, User: user.Public()}, nil
}

// normalizeEmail приводит email к каноническому виду: без пробелов, в нижнем регистре.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
