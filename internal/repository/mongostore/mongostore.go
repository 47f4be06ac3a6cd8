// Пакет mongostore — реализация репозиториев пользователей и истории
// поверх MongoDB. Выбирается через MS_STORE_BACKEND=mongo.
package mongostore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	usersCollection   = "users"
	historyCollection = "history"
)

// Store — подключение к базе MongoDB и фабрика репозиториев.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

// Connect подключается к MongoDB, проверяет доступность и создаёт индексы.
func Connect(ctx context.Context, uri, database string, logger *slog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента MongoDB: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(database),
		now:    time.Now,
	}

	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ошибка подключения к MongoDB: %w", err)
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("Подключение к MongoDB установлено",
		slog.String("database", database),
	)
	return s, nil
}

// ensureIndexes создаёт уникальные индексы email и request_id
// и индекс выборки истории пользователя.
func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(usersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_email"),
	})
	if err != nil {
		return fmt.Errorf("ошибка создания индекса users.email: %w", err)
	}

	_, err = s.db.Collection(historyCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "request_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_request_id"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("user_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("ошибка создания индексов history: %w", err)
	}
	return nil
}

// Ping проверяет доступность primary. Используется проверкой готовности.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close закрывает подключение.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Users возвращает репозиторий пользователей.
func (s *Store) Users() *UserRepository {
	return &UserRepository{coll: s.db.Collection(usersCollection), now: s.now}
}

// History возвращает репозиторий истории.
func (s *Store) History() *HistoryRepository {
	return &HistoryRepository{coll: s.db.Collection(historyCollection), now: s.now}
}

// createdAt — момент создания с точностью BSON datetime.
func createdAt(now func() time.Time) time.Time {
	return now().UTC().Truncate(time.Millisecond)
}
