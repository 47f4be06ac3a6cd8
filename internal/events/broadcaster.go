// Пакет events — рассылка статусов обработки загрузок подключённым клиентам.
//
// Broadcaster — явный менеджер подключений с жизненным циклом Start/Stop.
// Публикация односторонняя: Publish не блокируется и ничего не возвращает,
// при переполнении очереди событие отбрасывается. Медленный подписчик
// теряет события, но не задерживает ни рассылку, ни обработку запросов.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Типы событий.
const (
	TypeStatus    = "status"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
)

// Шаги события status.
const (
	StepStarted              = "started"
	StepMicroserviceComplete = "microservice_complete"
)

// Prometheus-метрики рассылки.
var (
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_events_published_total",
			Help: "Общее количество опубликованных событий",
		},
		[]string{"type"},
	)

	eventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_events_dropped_total",
			Help: "Количество отброшенных событий (переполнение очереди или буфера подписчика)",
		},
		[]string{"reason"},
	)

	eventsSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ms_events_subscribers",
		Help: "Текущее количество подписчиков на события",
	})
)

// Event — событие обработки загрузки.
type Event struct {
	// Type — status, completed или failed (имя SSE-события)
	Type string `json:"-"`

	UserID      string          `json:"userId"`
	RequestID   string          `json:"requestId"`
	Step        string          `json:"step,omitempty"`
	Error       string          `json:"error,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Interpreted json.RawMessage `json:"interpreted,omitempty"`
}

// Publisher — односторонняя публикация событий.
type Publisher interface {
	Publish(Event)
}

// Broadcaster — рассылка событий подписчикам конкретного пользователя.
type Broadcaster struct {
	inbound    chan Event
	bufferSize int
	logger     *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

type subscriber struct {
	ch chan Event
}

// NewBroadcaster создаёт Broadcaster.
// bufferSize — размер входной очереди и буфера каждого подписчика.
func NewBroadcaster(bufferSize int, logger *slog.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Broadcaster{
		inbound:     make(chan Event, bufferSize),
		bufferSize:  bufferSize,
		logger:      logger.With(slog.String("component", "events")),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
}

// Start запускает горутину рассылки.
func (b *Broadcaster) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.run(runCtx)

	b.logger.Info("Рассылка событий запущена", slog.Int("buffer", b.bufferSize))
}

// Stop останавливает рассылку и закрывает каналы всех подписчиков.
func (b *Broadcaster) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done

	b.mu.Lock()
	for userID, subs := range b.subscribers {
		for s := range subs {
			close(s.ch)
			eventsSubscribers.Dec()
		}
		delete(b.subscribers, userID)
	}
	b.mu.Unlock()

	b.logger.Info("Рассылка событий остановлена")
}

// Publish ставит событие в очередь рассылки. Никогда не блокируется.
func (b *Broadcaster) Publish(e Event) {
	select {
	case b.inbound <- e:
		eventsPublishedTotal.WithLabelValues(e.Type).Inc()
	default:
		eventsDroppedTotal.WithLabelValues("queue_full").Inc()
		b.logger.Warn("Очередь событий переполнена, событие отброшено",
			slog.String("type", e.Type),
			slog.String("request_id", e.RequestID),
		)
	}
}

// Subscribe регистрирует подписчика на события пользователя userID.
// Возвращает канал событий и функцию отписки (идемпотентна).
// Канал закрывается при отписке или остановке Broadcaster.
func (b *Broadcaster) Subscribe(userID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	subs, ok := b.subscribers[userID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		b.subscribers[userID] = subs
	}
	subs[s] = struct{}{}
	b.mu.Unlock()
	eventsSubscribers.Inc()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs, ok := b.subscribers[userID]
			if !ok {
				return
			}
			if _, ok := subs[s]; !ok {
				// Уже закрыт в Stop
				return
			}
			delete(subs, s)
			if len(subs) == 0 {
				delete(b.subscribers, userID)
			}
			close(s.ch)
			eventsSubscribers.Dec()
		})
	}

	return s.ch, unsubscribe
}

// run — основной цикл рассылки.
func (b *Broadcaster) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.inbound:
			b.dispatch(e)
		}
	}
}

// dispatch доставляет событие подписчикам владельца события.
func (b *Broadcaster) dispatch(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subscribers[e.UserID] {
		select {
		case s.ch <- e:
		default:
			eventsDroppedTotal.WithLabelValues("slow_subscriber").Inc()
			b.logger.Debug("Буфер подписчика заполнен, событие отброшено",
				slog.String("user_id", e.UserID),
				slog.String("request_id", e.RequestID),
			)
		}
	}
}
