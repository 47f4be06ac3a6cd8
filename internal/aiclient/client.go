// Пакет aiclient — HTTP-клиент внешних AI-сервисов MediScope:
// классификация рентгеновских снимков (POST /predict),
// разбор лабораторных отчётов (POST /parse),
// интерпретация результатов и чат (POST /interpret).
//
// Ответы сервисов возвращаются без изменений (json.RawMessage).
// Повторов, кэширования и circuit breaking нет: любая ошибка
// возвращается вызывающему коду как *UpstreamError.
package aiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/mediscope-gateway/internal/domain/model"
)

// Имена сервисов (лейбл service в метриках и поле UpstreamError.Service).
const (
	ServiceXray        = "xray"
	ServiceLab         = "lab"
	ServiceInterpreter = "interpreter"
)

// maxResponseBytes — ограничение размера ответа внешнего сервиса.
const maxResponseBytes = 16 << 20

// defaultBodyPart — значение body_part, если клиент его не передал.
const defaultBodyPart = "X-ray"

// Prometheus-метрики вызовов внешних сервисов.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_upstream_requests_total",
			Help: "Общее количество запросов к внешним AI-сервисам",
		},
		[]string{"service", "outcome"},
	)

	upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ms_upstream_request_duration_seconds",
			Help:    "Длительность запросов к внешним AI-сервисам в секундах",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"service"},
	)
)

// ErrUnsupportedType — тип загрузки не поддерживается ни одним сервисом.
// Возвращается до любого сетевого вызова.
var ErrUnsupportedType = errors.New("неподдерживаемый тип загрузки")

// UpstreamError — ошибка вызова внешнего сервиса: сеть, таймаут,
// статус вне 2xx или невалидный JSON в ответе.
type UpstreamError struct {
	// Service — имя сервиса (xray, lab, interpreter)
	Service string
	// StatusCode — HTTP статус ответа (0, если ответа не было)
	StatusCode int
	// Message — описание для логов
	Message string
	// Err — исходная ошибка (может быть nil)
	Err error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("сервис %s: статус %d: %s", e.Service, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("сервис %s: %s", e.Service, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Config — адреса и таймаут внешних сервисов.
type Config struct {
	XrayURL        string
	LabURL         string
	InterpreterURL string
	// Timeout — таймаут одного вызова
	Timeout time.Duration
}

// ClinicalInfo — клинические данные, передаваемые вместе со снимком.
// Пустые значения не отправляются.
type ClinicalInfo struct {
	BodyPart string
	Age      *int
	Weight   *float64
	Symptoms string
}

// Document — содержимое загрузки для отправки в сервис.
type Document struct {
	// Name — исходное имя файла, как его передал пользователь
	Name string
	Body io.Reader
}

// Client — клиент внешних AI-сервисов.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

// New создаёт клиент внешних сервисов.
func New(cfg Config, logger *slog.Logger) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 10,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		cfg: Config{
			XrayURL:        normalizeURL(cfg.XrayURL),
			LabURL:         normalizeURL(cfg.LabURL),
			InterpreterURL: normalizeURL(cfg.InterpreterURL),
			Timeout:        cfg.Timeout,
		},
		logger: logger.With(slog.String("component", "ai_client")),
	}
}

// Classify отправляет загрузку в сервис, соответствующий типу:
// xray → сервис рентгена, lab/labreport → сервис лабораторных отчётов.
// Для прочих типов возвращает ErrUnsupportedType без сетевых вызовов.
func (c *Client) Classify(ctx context.Context, reqType model.RequestType, doc Document, info ClinicalInfo) (json.RawMessage, error) {
	switch reqType {
	case model.TypeXray:
		return c.PredictXray(ctx, doc, info)
	case model.TypeLab, model.TypeLabReport:
		return c.ParseLab(ctx, doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, reqType)
	}
}

// xrayPayload — тело запроса к сервису рентгена.
type xrayPayload struct {
	ImageBase64 string   `json:"image_base64"`
	BodyPart    string   `json:"body_part"`
	Age         *int     `json:"age,omitempty"`
	Weight      *float64 `json:"weight,omitempty"`
	Symptoms    string   `json:"symptoms,omitempty"`
}

// PredictXray кодирует снимок в base64 и отправляет в сервис рентгена.
// Формат запроса: POST {XrayURL}/predict, JSON {"payload": {...}}.
func (c *Client) PredictXray(ctx context.Context, doc Document, info ClinicalInfo) (json.RawMessage, error) {
	image, err := io.ReadAll(doc.Body)
	if err != nil {
		return nil, fmt.Errorf("чтение снимка: %w", err)
	}

	bodyPart := strings.TrimSpace(info.BodyPart)
	if bodyPart == "" {
		bodyPart = defaultBodyPart
	}

	body, err := json.Marshal(struct {
		Payload xrayPayload `json:"payload"`
	}{
		Payload: xrayPayload{
			ImageBase64: base64.StdEncoding.EncodeToString(image),
			BodyPart:    bodyPart,
			Age:         info.Age,
			Weight:      info.Weight,
			Symptoms:    strings.TrimSpace(info.Symptoms),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса predict: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.XrayURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("создание запроса predict: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, ServiceXray)
}

// ParseLab отправляет лабораторный отчёт в сервис разбора.
// Формат запроса: POST {LabURL}/parse, multipart/form-data с полем files.
// Файл передаётся потоком, без буферизации в памяти. После возврата
// doc.Body больше не читается.
func (c *Client) ParseLab(ctx context.Context, doc Document) (json.RawMessage, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})

	go func() {
		defer close(done)
		part, err := mw.CreateFormFile("files", partName(doc.Name))
		if err == nil {
			_, err = io.Copy(part, doc.Body)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	// Закрытие pr прерывает запись, если запрос завершился раньше
	defer func() {
		pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LabURL+"/parse", pr)
	if err != nil {
		return nil, fmt.Errorf("создание запроса parse: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.do(req, ServiceLab)
}

// partName — имя файла в multipart без каталогов.
func partName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "report"
	}
	return base
}

// Interpret отправляет результат классификации в сервис интерпретации.
// Формат запроса: POST {InterpreterURL}/interpret, form-urlencoded
// username, language, type=report, predictions (JSON-текст).
func (c *Client) Interpret(ctx context.Context, username, language string, predictions json.RawMessage) (json.RawMessage, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("language", language)
	form.Set("type", "report")
	form.Set("predictions", string(predictions))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.InterpreterURL+"/interpret",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("создание запроса interpret: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, ServiceInterpreter)
}

// Chat отправляет вопрос пользователя в сервис интерпретации в режиме чата.
// Формат запроса: POST {InterpreterURL}/interpret, JSON {type: "chat", query, username, language}.
func (c *Client) Chat(ctx context.Context, username, language, query string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{
		"type":     "chat",
		"query":    query,
		"username": username,
		"language": language,
	})
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса chat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.InterpreterURL+"/interpret", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("создание запроса chat: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, ServiceInterpreter)
}

// do выполняет запрос и проверяет ответ: статус 2xx и валидный JSON.
func (c *Client) do(req *http.Request, service string) (json.RawMessage, error) {
	req.Header.Set("Accept", "application/json")
	start := time.Now()

	resp, err := c.httpClient.Do(req) //nolint:gosec // URL из конфигурации
	upstreamRequestDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(service, "transport_error").Inc()
		return nil, &UpstreamError{Service: service, Message: "сервис недоступен", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(service, "transport_error").Inc()
		return nil, &UpstreamError{Service: service, StatusCode: resp.StatusCode, Message: "ошибка чтения ответа", Err: err}
	}
	if len(data) > maxResponseBytes {
		upstreamRequestsTotal.WithLabelValues(service, "invalid_response").Inc()
		return nil, &UpstreamError{Service: service, StatusCode: resp.StatusCode, Message: "ответ превышает допустимый размер"}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstreamRequestsTotal.WithLabelValues(service, "status_"+strconv.Itoa(resp.StatusCode/100)+"xx").Inc()
		return nil, &UpstreamError{Service: service, StatusCode: resp.StatusCode, Message: snippet(data)}
	}

	if !json.Valid(data) {
		upstreamRequestsTotal.WithLabelValues(service, "invalid_response").Inc()
		return nil, &UpstreamError{Service: service, StatusCode: resp.StatusCode, Message: "ответ не является валидным JSON"}
	}

	upstreamRequestsTotal.WithLabelValues(service, "ok").Inc()
	c.logger.Debug("Ответ внешнего сервиса получен",
		slog.String("service", service),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", time.Since(start)),
	)
	return json.RawMessage(data), nil
}

// snippet возвращает начало тела ответа для диагностики.
func snippet(data []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "пустой ответ"
	}
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// normalizeURL убирает trailing slash из URL.
func normalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}
