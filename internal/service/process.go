// process.go — оркестратор обработки загрузки.
//
// Стадии: received → classifying → interpreting → persisting → cleaning_up → done.
// При ошибке на любой стадии запрос проходит cleaning_up и завершается в failed.
// Загруженный файл удаляется на любом пути выхода.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/mediscope-gateway/internal/aiclient"
	"github.com/bigkaa/mediscope-gateway/internal/domain/model"
	"github.com/bigkaa/mediscope-gateway/internal/domain/pipeline"
	"github.com/bigkaa/mediscope-gateway/internal/events"
	"github.com/bigkaa/mediscope-gateway/internal/storage/uploads"
)

const (
	defaultLanguageValue = "english"
	defaultUsername      = "User"
)

// Prometheus-метрики обработки загрузок.
var (
	processRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_process_requests_total",
			Help: "Обработанные загрузки по типу и итогу",
		},
		[]string{"type", "outcome"},
	)

	processFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_process_failures_total",
			Help: "Ошибки обработки загрузок по стадии",
		},
		[]string{"stage"},
	)

	processStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ms_process_stage_duration_seconds",
			Help:    "Длительность стадий обработки загрузки",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
)

// Classifier — вызовы AI-сервисов, нужные оркестратору.
type Classifier interface {
	Classify(ctx context.Context, reqType model.RequestType, doc aiclient.Document, info aiclient.ClinicalInfo) (json.RawMessage, error)
	Interpret(ctx context.Context, username, language string, predictions json.RawMessage) (json.RawMessage, error)
}

// UploadStore — временное хранение загрузок.
type UploadStore interface {
	Save(r io.Reader, originalName string) (*uploads.File, error)
	Open(path string) (*os.File, error)
	Remove(path string) error
}

// HistoryRecorder — запись истории обработки.
type HistoryRecorder interface {
	Record(ctx context.Context, rec *model.HistoryRecord) error
}

// ProcessInput — входные данные обработки загрузки.
type ProcessInput struct {
	UserID   string
	UserName string

	// File — содержимое загрузки; nil, если файл не передан
	File     io.Reader
	FileName string

	Type     string
	Language string
	Clinical aiclient.ClinicalInfo
}

// ProcessResult — результат успешной обработки.
type ProcessResult struct {
	RequestID   string
	Interpreted json.RawMessage
}

// ProcessError — ошибка обработки после присвоения requestId.
// Message безопасно отдавать клиенту, исходная ошибка только логируется.
type ProcessError struct {
	RequestID string
	Stage     pipeline.Stage
	Message   string
	// Upstream — ошибка внешнего сервиса (а не внутренняя)
	Upstream bool
	Err      error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("обработка %s прервана на стадии %s: %v", e.RequestID, e.Stage, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// ProcessService — оркестратор обработки загрузок.
type ProcessService struct {
	ai        Classifier
	uploads   UploadStore
	history   HistoryRecorder
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessService создаёт оркестратор.
func NewProcessService(
	ai Classifier,
	uploadStore UploadStore,
	history HistoryRecorder,
	publisher events.Publisher,
	logger *slog.Logger,
) *ProcessService {
	return &ProcessService{
		ai:        ai,
		uploads:   uploadStore,
		history:   history,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "process_service")),
		now:       time.Now,
	}
}

// processRun — состояние одного запроса обработки.
type processRun struct {
	in        ProcessInput
	reqType   model.RequestType
	language  string
	requestID string
	tracker   *pipeline.Tracker
	logger    *slog.Logger

	file        *uploads.File
	raw         json.RawMessage
	interpreted json.RawMessage
}

// Process выполняет полный цикл обработки загрузки.
//
// Ошибки валидации (ErrValidation) возвращаются до записи файла и
// до любых сетевых вызовов. Остальные ошибки — *ProcessError.
func (s *ProcessService) Process(ctx context.Context, in ProcessInput) (*ProcessResult, error) {
	if in.File == nil {
		return nil, fmt.Errorf("%w: файл не передан", ErrValidation)
	}
	reqType, err := model.ParseRequestType(strings.TrimSpace(in.Type))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	requestID := s.newRequestID()
	run := &processRun{
		in:        in,
		reqType:   reqType,
		language:  defaultLanguage(in.Language),
		requestID: requestID,
		tracker:   pipeline.NewTracker(),
		logger: s.logger.With(
			slog.String("request_id", requestID),
			slog.String("user_id", in.UserID),
			slog.String("type", string(reqType)),
		),
	}

	s.execute(ctx, run)
	s.cleanup(run)
	final := run.tracker.Finish()
	s.observe(run, final)

	if final == pipeline.StageFailed {
		stage, cause := run.tracker.Failure()
		msg := failureMessage(stage)
		run.logger.Error("Обработка загрузки завершилась ошибкой",
			slog.String("stage", string(stage)),
			slog.String("error", cause.Error()),
		)
		s.publisher.Publish(events.Event{
			Type:      events.TypeFailed,
			UserID:    in.UserID,
			RequestID: requestID,
			Error:     msg,
		})
		var upErr *aiclient.UpstreamError
		return nil, &ProcessError{
			RequestID: requestID,
			Stage:     stage,
			Message:   msg,
			Upstream:  errors.As(cause, &upErr) || errors.Is(cause, aiclient.ErrUnsupportedType),
			Err:       cause,
		}
	}

	s.publisher.Publish(events.Event{
		Type:        events.TypeCompleted,
		UserID:      in.UserID,
		RequestID:   requestID,
		Interpreted: run.interpreted,
	})
	run.logger.Info("Загрузка обработана",
		slog.Int64("size", run.file.Size),
	)

	return &ProcessResult{RequestID: requestID, Interpreted: run.interpreted}, nil
}

// execute проходит стадии до cleaning_up. Ошибки фиксируются в трекере.
func (s *ProcessService) execute(ctx context.Context, run *processRun) {
	// received: запись на диск
	file, err := s.uploads.Save(run.in.File, run.in.FileName)
	if err != nil {
		run.tracker.Fail(err)
		return
	}
	run.file = file
	s.publisher.Publish(events.Event{
		Type:      events.TypeStatus,
		UserID:    run.in.UserID,
		RequestID: run.requestID,
		Step:      events.StepStarted,
	})

	// classifying
	if !s.advance(run, pipeline.StageClassifying) {
		return
	}
	raw, err := s.classify(ctx, run, file)
	if err != nil {
		run.tracker.Fail(err)
		return
	}
	run.raw = raw
	s.publisher.Publish(events.Event{
		Type:      events.TypeStatus,
		UserID:    run.in.UserID,
		RequestID: run.requestID,
		Step:      events.StepMicroserviceComplete,
		Data:      raw,
	})

	// interpreting
	if !s.advance(run, pipeline.StageInterpreting) {
		return
	}
	username := run.in.UserName
	if username == "" {
		username = defaultUsername
	}
	interpreted, err := s.ai.Interpret(ctx, username, run.language, raw)
	if err != nil {
		run.tracker.Fail(err)
		return
	}
	run.interpreted = interpreted

	// persisting
	if !s.advance(run, pipeline.StagePersisting) {
		return
	}
	rec := &model.HistoryRecord{
		ID:                uuid.New().String(),
		UserID:            run.in.UserID,
		RequestID:         run.requestID,
		Type:              run.reqType,
		FileName:          file.OriginalName,
		RawOutput:         raw,
		InterpretedOutput: interpreted,
		Status:            model.StatusCompleted,
	}
	if err := s.history.Record(ctx, rec); err != nil {
		run.tracker.Fail(err)
		return
	}

	s.advance(run, pipeline.StageCleaningUp)
}

// classify читает сохранённую загрузку через хранилище и отправляет её
// в сервис классификации под исходным именем.
func (s *ProcessService) classify(ctx context.Context, run *processRun, file *uploads.File) (json.RawMessage, error) {
	f, err := s.uploads.Open(file.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return s.ai.Classify(ctx, run.reqType, aiclient.Document{Name: file.OriginalName, Body: f}, run.in.Clinical)
}

// advance переводит трекер в следующую стадию; недопустимый переход считается ошибкой.
func (s *ProcessService) advance(run *processRun, next pipeline.Stage) bool {
	if err := run.tracker.Advance(next); err != nil {
		run.tracker.Fail(err)
		return false
	}
	return true
}

// cleanup удаляет загруженный файл. Ошибка удаления не меняет итог запроса:
// оставшийся файл подберёт UploadSweeper.
func (s *ProcessService) cleanup(run *processRun) {
	if run.file == nil {
		return
	}
	if err := s.uploads.Remove(run.file.Path); err != nil {
		run.logger.Warn("Не удалось удалить загруженный файл",
			slog.String("file", run.file.StoredName),
			slog.String("error", err.Error()),
		)
	}
}

// observe записывает метрики по истории переходов.
func (s *ProcessService) observe(run *processRun, final pipeline.Stage) {
	for _, tr := range run.tracker.History() {
		processStageDuration.WithLabelValues(string(tr.From)).Observe(tr.Elapsed.Seconds())
	}

	outcome := "completed"
	if final == pipeline.StageFailed {
		outcome = "failed"
		stage, _ := run.tracker.Failure()
		processFailuresTotal.WithLabelValues(string(stage)).Inc()
	}
	processRequestsTotal.WithLabelValues(string(run.reqType), outcome).Inc()
}

// newRequestID генерирует идентификатор запроса: REQ-{unixMillis}-{uuid8}.
func (s *ProcessService) newRequestID() string {
	return fmt.Sprintf("REQ-%d-%s", s.now().UnixMilli(), uuid.New().String()[:8])
}

// failureMessage — сообщение для клиента по стадии ошибки.
func failureMessage(stage pipeline.Stage) string {
	switch stage {
	case pipeline.StageReceived:
		return "не удалось сохранить загруженный файл"
	case pipeline.StageClassifying:
		return "сервис анализа недоступен или вернул ошибку"
	case pipeline.StageInterpreting:
		return "сервис интерпретации недоступен или вернул ошибку"
	case pipeline.StagePersisting:
		return "не удалось сохранить результат обработки"
	default:
		return "ошибка обработки запроса"
	}
}

func defaultLanguage(language string) string {
	language = strings.TrimSpace(language)
	if language == "" {
		return defaultLanguageValue
	}
	return language
}
