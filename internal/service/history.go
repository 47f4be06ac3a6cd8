package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/mediscope-gateway/internal/domain/model"
	"github.com/bigkaa/mediscope-gateway/internal/repository"
)

// historyCacheRequests — обращения к кэшу истории по результату (hit/miss).
var historyCacheRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ms_history_cache_requests_total",
		Help: "Обращения к кэшу истории",
	},
	[]string{"result"},
)

// HistoryService — чтение и запись истории обработки.
// Чтения идут через expirable LRU кэш; запись инвалидирует кэш пользователя.
type HistoryService struct {
	repo   repository.HistoryRepository
	cache  *expirable.LRU[string, []*model.HistoryRecord]
	logger *slog.Logger
}

// NewHistoryService создаёт сервис истории.
// cacheSize == 0 отключает кэширование.
func NewHistoryService(
	repo repository.HistoryRepository,
	cacheSize int,
	cacheTTL time.Duration,
	logger *slog.Logger,
) *HistoryService {
	s := &HistoryService{
		repo:   repo,
		logger: logger.With(slog.String("component", "history_service")),
	}
	if cacheSize > 0 {
		s.cache = expirable.NewLRU[string, []*model.HistoryRecord](cacheSize, nil, cacheTTL)
	}
	return s
}

// List возвращает историю пользователя, новые записи первыми.
// limit == 0 — все записи.
func (s *HistoryService) List(ctx context.Context, userID string, limit, offset int) ([]*model.HistoryRecord, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: limit и offset не могут быть отрицательными", ErrValidation)
	}

	key := cacheKey(userID, limit, offset)
	if s.cache != nil {
		if records, ok := s.cache.Get(key); ok {
			historyCacheRequests.WithLabelValues("hit").Inc()
			return records, nil
		}
		historyCacheRequests.WithLabelValues("miss").Inc()
	}

	records, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Add(key, records)
	}
	return records, nil
}

// Record сохраняет запись истории и сбрасывает кэш её владельца.
func (s *HistoryService) Record(ctx context.Context, rec *model.HistoryRecord) error {
	if err := s.repo.Create(ctx, rec); err != nil {
		return err
	}
	s.invalidate(rec.UserID)

	s.logger.Debug("Запись истории сохранена",
		slog.String("request_id", rec.RequestID),
		slog.String("user_id", rec.UserID),
	)
	return nil
}

// invalidate удаляет из кэша все страницы истории пользователя.
func (s *HistoryService) invalidate(userID string) {
	if s.cache == nil {
		return
	}
	prefix := userID + "|"
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
}

func cacheKey(userID string, limit, offset int) string {
	return userID + "|" + strconv.Itoa(limit) + "|" + strconv.Itoa(offset)
}
