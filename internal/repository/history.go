package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/mediscope-gateway/internal/domain/model"
)

// HistoryRepository — хранилище истории обработки.
type HistoryRepository interface {
	// Create сохраняет запись. ErrConflict при повторном requestId.
	Create(ctx context.Context, rec *model.HistoryRecord) error
	// ListByUser возвращает записи пользователя, новые первыми.
	// limit == 0 означает «без ограничения».
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.HistoryRecord, error)
}

type historyRepo struct {
	db DBTX
}

// NewHistoryRepository создаёт репозиторий истории поверх PostgreSQL.
func NewHistoryRepository(db DBTX) HistoryRepository {
	return &historyRepo{db: db}
}

func (r *historyRepo) Create(ctx context.Context, rec *model.HistoryRecord) error {
	query := `
		INSERT INTO history (id, user_id, request_id, type, file_name,
			raw_output, interpreted_output, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		rec.ID, rec.UserID, rec.RequestID, string(rec.Type), rec.FileName,
		[]byte(rec.RawOutput), []byte(rec.InterpretedOutput), string(rec.Status),
	).Scan(&rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запись с requestId %s уже существует", ErrConflict, rec.RequestID)
		}
		return fmt.Errorf("ошибка сохранения истории: %w", err)
	}
	return nil
}

func (r *historyRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.HistoryRecord, error) {
	query := `
		SELECT id, user_id, request_id, type, file_name,
			raw_output, interpreted_output, status, created_at
		FROM history
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		OFFSET $2`
	args := []any{userID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории: %w", err)
	}
	defer rows.Close()

	result := make([]*model.HistoryRecord, 0)
	for rows.Next() {
		rec := &model.HistoryRecord{}
		var typ, status string
		var raw, interpreted []byte
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.RequestID, &typ, &rec.FileName,
			&raw, &interpreted, &status, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка чтения записи истории: %w", err)
		}
		rec.Type = model.RequestType(typ)
		rec.Status = model.HistoryStatus(status)
		rec.RawOutput = raw
		rec.InterpretedOutput = interpreted
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации истории: %w", err)
	}
	return result, nil
}
