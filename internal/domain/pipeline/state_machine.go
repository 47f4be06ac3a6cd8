// Пакет pipeline — конечный автомат стадий обработки одной загрузки.
//
// Штатный путь: received → classifying → interpreting → persisting → cleaning_up → done.
// С любой незавершённой стадии возможен переход в cleaning_up с пометкой ошибки,
// после чего автомат завершается в failed. cleaning_up проходится всегда.
//
// Tracker живёт в пределах одного HTTP-запроса и не потокобезопасен.
package pipeline

import (
	"fmt"
	"time"
)

// Stage — стадия обработки запроса.
type Stage string

const (
	StageReceived     Stage = "received"
	StageClassifying  Stage = "classifying"
	StageInterpreting Stage = "interpreting"
	StagePersisting   Stage = "persisting"
	StageCleaningUp   Stage = "cleaning_up"
	StageDone         Stage = "done"
	StageFailed       Stage = "failed"
)

// validTransitions — матрица допустимых переходов.
// Переход в failed/done возможен только из cleaning_up (через Finish).
var validTransitions = map[Stage]map[Stage]bool{
	StageReceived:     {StageClassifying: true, StageCleaningUp: true},
	StageClassifying:  {StageInterpreting: true, StageCleaningUp: true},
	StageInterpreting: {StagePersisting: true, StageCleaningUp: true},
	StagePersisting:   {StageCleaningUp: true},
	StageCleaningUp:   {StageDone: true, StageFailed: true},
	StageDone:         {},
	StageFailed:       {},
}

// TransitionRecord — запись о переходе между стадиями.
type TransitionRecord struct {
	From Stage `json:"from"`
	To   Stage `json:"to"`
	// Elapsed — сколько запрос провёл в стадии From
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// Tracker — автомат стадий одного запроса.
type Tracker struct {
	current   Stage
	enteredAt time.Time
	history   []TransitionRecord

	failedStage Stage
	failure     error

	now func() time.Time
}

// NewTracker создаёт автомат в стадии received.
func NewTracker() *Tracker {
	return newTrackerWithClock(time.Now)
}

func newTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		current:   StageReceived,
		enteredAt: now(),
		history:   make([]TransitionRecord, 0, 6),
		now:       now,
	}
}

// Advance выполняет штатный переход в target.
//
// Ошибки:
//   - INVALID_TRANSITION — переход недопустим из текущей стадии
func (t *Tracker) Advance(target Stage) error {
	transitions, ok := validTransitions[t.current]
	if !ok || !transitions[target] {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", t.current, target),
		}
	}

	now := t.now()
	t.history = append(t.history, TransitionRecord{
		From:      t.current,
		To:        target,
		Elapsed:   now.Sub(t.enteredAt),
		Timestamp: now.UTC(),
	})
	t.current = target
	t.enteredAt = now
	return nil
}

// Fail запоминает ошибку текущей стадии и переводит автомат в cleaning_up.
// Повторный вызов (или вызов после cleaning_up) сохраняет только первую ошибку.
func (t *Tracker) Fail(err error) {
	if t.failure == nil {
		t.failedStage = t.current
		t.failure = err
	}
	if t.current != StageCleaningUp && !t.Terminal() {
		_ = t.Advance(StageCleaningUp)
	}
}

// Failure возвращает стадию, на которой произошла ошибка, и саму ошибку.
// Для успешного запроса возвращает ("", nil).
func (t *Tracker) Failure() (Stage, error) {
	return t.failedStage, t.failure
}

// Finish завершает автомат: из cleaning_up в done, если ошибок не было,
// иначе в failed. Если cleaning_up ещё не достигнут, переходит в него.
func (t *Tracker) Finish() Stage {
	if t.Terminal() {
		return t.current
	}
	if t.current != StageCleaningUp {
		_ = t.Advance(StageCleaningUp)
	}
	if t.failure != nil {
		_ = t.Advance(StageFailed)
	} else {
		_ = t.Advance(StageDone)
	}
	return t.current
}

// Terminal сообщает, достигнута ли конечная стадия.
func (t *Tracker) Terminal() bool {
	return t.current == StageDone || t.current == StageFailed
}

// History возвращает историю переходов (копия).
func (t *Tracker) History() []TransitionRecord {
	result := make([]TransitionRecord, len(t.history))
	copy(result, t.history)
	return result
}

// TransitionError — ошибка перехода между стадиями.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
