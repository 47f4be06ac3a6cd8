package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestType — тип загруженного артефакта.
type RequestType string

const (
	// TypeXray — рентгеновский снимок
	TypeXray RequestType = "xray"
	// TypeLab — лабораторный анализ
	TypeLab RequestType = "lab"
	// TypeLabReport — лабораторный отчёт (обрабатывается как lab)
	TypeLabReport RequestType = "labreport"
)

// ParseRequestType преобразует строку в RequestType.
// Возвращает ошибку для значений вне {xray, lab, labreport}.
func ParseRequestType(s string) (RequestType, error) {
	t := RequestType(s)
	switch t {
	case TypeXray, TypeLab, TypeLabReport:
		return t, nil
	default:
		return "", fmt.Errorf("недопустимый тип %q, допустимые: xray, lab, labreport", s)
	}
}

// HistoryStatus — итог обработки запроса.
type HistoryStatus string

const (
	StatusCompleted HistoryStatus = "completed"
	StatusFailed    HistoryStatus = "failed"
)

// HistoryRecord — запись истории обработки одной загрузки.
// Неизменяемая после создания.
type HistoryRecord struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	RequestID string      `json:"requestId"`
	Type      RequestType `json:"type"`
	FileName  string      `json:"fileName"`

	// RawOutput — ответ сервиса классификации без изменений
	RawOutput json.RawMessage `json:"rawOutput"`
	// InterpretedOutput — ответ сервиса интерпретации без изменений
	InterpretedOutput json.RawMessage `json:"interpretedOutput"`

	Status    HistoryStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}
