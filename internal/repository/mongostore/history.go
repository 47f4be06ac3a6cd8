package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bigkaa/mediscope-gateway/internal/domain/model"
	"github.com/bigkaa/mediscope-gateway/internal/repository"
)

// historyDoc — документ коллекции history.
// Ответы AI-сервисов хранятся JSON-текстом без преобразования в BSON,
// чтобы отдавать их клиенту байт в байт.
type historyDoc struct {
	ID                string    `bson:"_id"`
	UserID            string    `bson:"user_id"`
	RequestID         string    `bson:"request_id"`
	Type              string    `bson:"type"`
	FileName          string    `bson:"file_name"`
	RawOutput         string    `bson:"raw_output"`
	InterpretedOutput string    `bson:"interpreted_output"`
	Status            string    `bson:"status"`
	CreatedAt         time.Time `bson:"created_at"`
}

// HistoryRepository реализует repository.HistoryRepository.
type HistoryRepository struct {
	coll *mongo.Collection
	now  func() time.Time
}

var _ repository.HistoryRepository = (*HistoryRepository)(nil)

func (r *HistoryRepository) Create(ctx context.Context, rec *model.HistoryRecord) error {
	doc := historyDoc{
		ID:                rec.ID,
		UserID:            rec.UserID,
		RequestID:         rec.RequestID,
		Type:              string(rec.Type),
		FileName:          rec.FileName,
		RawOutput:         string(rec.RawOutput),
		InterpretedOutput: string(rec.InterpretedOutput),
		Status:            string(rec.Status),
		CreatedAt:         createdAt(r.now),
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: запись с requestId %s уже существует", repository.ErrConflict, rec.RequestID)
		}
		return fmt.Errorf("ошибка сохранения истории: %w", err)
	}
	rec.CreatedAt = doc.CreatedAt
	return nil
}

func (r *HistoryRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.HistoryRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.coll.Find(ctx, bson.D{{Key: "user_id", Value: userID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории: %w", err)
	}
	defer cur.Close(ctx)

	result := make([]*model.HistoryRecord, 0)
	for cur.Next(ctx) {
		var doc historyDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("ошибка чтения записи истории: %w", err)
		}
		result = append(result, &model.HistoryRecord{
			ID:                doc.ID,
			UserID:            doc.UserID,
			RequestID:         doc.RequestID,
			Type:              model.RequestType(doc.Type),
			FileName:          doc.FileName,
			RawOutput:         json.RawMessage(doc.RawOutput),
			InterpretedOutput: json.RawMessage(doc.InterpretedOutput),
			Status:            model.HistoryStatus(doc.Status),
			CreatedAt:         doc.CreatedAt,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации истории: %w", err)
	}
	return result, nil
}
