// sweeper.go — фоновая очистка осиротевших загрузок.
//
// Загрузка удаляется оркестратором на любом пути выхода, но при падении
// процесса между записью и очисткой файл остаётся на диске. UploadSweeper
// периодически удаляет файлы старше MS_UPLOAD_MAX_AGE.
package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики очистки
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_upload_sweep_runs_total",
		Help: "Общее количество запусков очистки загрузок",
	})

	sweepFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_upload_sweep_files_deleted_total",
		Help: "Общее количество осиротевших загрузок, удалённых очисткой",
	})
)

// StaleUploads — источник устаревших загрузок.
type StaleUploads interface {
	Stale(maxAge time.Duration) ([]string, error)
	Remove(path string) error
}

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	DeletedCount int
	Errors       int
	Duration     time.Duration
}

// UploadSweeper — сервис фоновой очистки директории загрузок.
type UploadSweeper struct {
	store    StaleUploads
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewUploadSweeper создаёт сервис очистки.
func NewUploadSweeper(store StaleUploads, interval, maxAge time.Duration, logger *slog.Logger) *UploadSweeper {
	return &UploadSweeper{
		store:    store,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "upload_sweeper")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (s *UploadSweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка загрузок запущена",
		slog.String("interval", s.interval.String()),
		slog.String("max_age", s.maxAge.String()),
	)
}

// Stop останавливает фоновый процесс и дожидается его завершения.
func (s *UploadSweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Очистка загрузок остановлена")
}

func (s *UploadSweeper) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce выполняет один цикл очистки. Потокобезопасен.
func (s *UploadSweeper) RunOnce() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}

	paths, err := s.store.Stale(s.maxAge)
	if err != nil {
		s.logger.Error("Очистка: ошибка чтения директории загрузок",
			slog.String("error", err.Error()),
		)
		result.Errors++
		result.Duration = time.Since(start)
		sweepRunsTotal.Inc()
		return result
	}

	for _, path := range paths {
		if err := s.store.Remove(path); err != nil {
			s.logger.Error("Очистка: ошибка удаления загрузки",
				slog.String("file", filepath.Base(path)),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.DeletedCount++
	}

	result.Duration = time.Since(start)
	sweepRunsTotal.Inc()
	sweepFilesDeletedTotal.Add(float64(result.DeletedCount))

	if result.DeletedCount > 0 || result.Errors > 0 {
		s.logger.Info("Очистка загрузок завершена",
			slog.Int("deleted", result.DeletedCount),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}
	return result
}
