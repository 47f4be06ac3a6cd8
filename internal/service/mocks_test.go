package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/bigkaa/mediscope-gateway/internal/aiclient"
	"github.com/bigkaa/mediscope-gateway/internal/domain/model"
	"github.com/bigkaa/mediscope-gateway/internal/events"
	"github.com/bigkaa/mediscope-gateway/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memUserRepo — UserRepository в памяти.
type memUserRepo struct {
	mu      sync.Mutex
	byEmail map[string]*model.User
	// createErr — принудительная ошибка Create
	createErr error
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byEmail: make(map[string]*model.User)}
}

func (r *memUserRepo) Create(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.byEmail[u.Email]; ok {
		return repository.ErrConflict
	}
	cp := *u
	r.byEmail[u.Email] = &cp
	return nil
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byEmail[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// mockHistoryRepo — HistoryRepository с подменяемыми функциями.
type mockHistoryRepo struct {
	createFn     func(ctx context.Context, rec *model.HistoryRecord) error
	listByUserFn func(ctx context.Context, userID string, limit, offset int) ([]*model.HistoryRecord, error)
}

func (m *mockHistoryRepo) Create(ctx context.Context, rec *model.HistoryRecord) error {
	if m.createFn != nil {
		return m.createFn(ctx, rec)
	}
	return nil
}

func (m *mockHistoryRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.HistoryRecord, error) {
	if m.listByUserFn != nil {
		return m.listByUserFn(ctx, userID, limit, offset)
	}
	return []*model.HistoryRecord{}, nil
}

// mockClassifier — Classifier с подменяемыми функциями.
type mockClassifier struct {
	mu          sync.Mutex
	classifyN   int
	interpretN  int
	classifyFn  func(ctx context.Context, reqType model.RequestType, doc aiclient.Document, info aiclient.ClinicalInfo) (json.RawMessage, error)
	interpretFn func(ctx context.Context, username, language string, predictions json.RawMessage) (json.RawMessage, error)
}

func (m *mockClassifier) Classify(ctx context.Context, reqType model.RequestType, doc aiclient.Document, info aiclient.ClinicalInfo) (json.RawMessage, error) {
	m.mu.Lock()
	m.classifyN++
	m.mu.Unlock()
	if m.classifyFn != nil {
		return m.classifyFn(ctx, reqType, doc, info)
	}
	return json.RawMessage(`{"label":"normal"}`), nil
}

func (m *mockClassifier) Interpret(ctx context.Context, username, language string, predictions json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	m.interpretN++
	m.mu.Unlock()
	if m.interpretFn != nil {
		return m.interpretFn(ctx, username, language, predictions)
	}
	return json.RawMessage(`{"response":"всё в норме"}`), nil
}

func (m *mockClassifier) calls() (classify, interpret int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classifyN, m.interpretN
}

// recordingPublisher запоминает опубликованные события.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}
