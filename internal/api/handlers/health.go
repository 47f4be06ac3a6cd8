// health.go — обработчики health endpoints MediScope Gateway.
// /health/live — liveness probe (процесс жив)
// /health/ready — readiness probe (хранилище доступно, состояние AI-сервисов)
// /metrics — Prometheus метрики
package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/mediscope-gateway/internal/config"
)

const serviceName = "mediscope-gateway"

// ReadinessChecker — интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status string, message string)
}

// DependencyHealth — состояние зависимостей из topologymetrics.
// Реализуется service.DephealthService.
type DependencyHealth interface {
	Health() map[string]bool
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	storeChecker ReadinessChecker
	deps         DependencyHealth
	promHandler  http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// storeChecker — проверка хранилища (nil → readiness вернёт "fail").
// deps — мониторинг AI-сервисов, может быть nil.
func NewHealthHandler(storeChecker ReadinessChecker, deps DependencyHealth) *HealthHandler {
	return &HealthHandler{
		storeChecker: storeChecker,
		deps:         deps,
		promHandler:  promhttp.Handler(),
	}
}

// healthCheckResult — результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthLiveResponse — ответ liveness probe.
type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

// healthReadyResponse — ответ readiness probe.
type healthReadyResponse struct {
	Status    string                       `json:"status"`
	Timestamp string                       `json:"timestamp"`
	Version   string                       `json:"version"`
	Service   string                       `json:"service"`
	Checks    map[string]healthCheckResult `json:"checks"`
}

// HealthLive — liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady — readiness probe.
// Недоступное хранилище → fail (503): без него шлюз не может ни
// аутентифицировать, ни сохранять историю. Недоступный AI-сервис → degraded (200):
// вход, регистрация и история продолжают работать.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
		Checks:    make(map[string]healthCheckResult),
	}

	statuses := make([]string, 0, 4)

	if h.storeChecker != nil {
		status, msg := h.storeChecker.CheckReady()
		resp.Checks["storage"] = healthCheckResult{Status: status, Message: msg}
		statuses = append(statuses, status)
	} else {
		resp.Checks["storage"] = healthCheckResult{Status: "fail", Message: "не инициализирован"}
		statuses = append(statuses, "fail")
	}

	if h.deps != nil {
		for name, ok := range groupHealth(h.deps.Health()) {
			if name == "postgresql" {
				// Состояние БД уже отражено проверкой storage
				continue
			}
			if ok {
				resp.Checks[name] = healthCheckResult{Status: "ok"}
				continue
			}
			resp.Checks[name] = healthCheckResult{Status: "degraded", Message: "зависимость недоступна"}
			statuses = append(statuses, "degraded")
		}
	}

	resp.Status = overallStatus(statuses...)

	status := http.StatusOK
	if resp.Status == "fail" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// groupHealth сводит ключи topologymetrics формата "dependency:host:port"
// к имени зависимости. Зависимость здорова, только если здоровы все её endpoints.
func groupHealth(health map[string]bool) map[string]bool {
	keys := make([]string, 0, len(health))
	for k := range health {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make(map[string]bool, len(health))
	for _, key := range keys {
		name, _, _ := strings.Cut(key, ":")
		prev, seen := result[name]
		result[name] = health[key] && (!seen || prev)
	}
	return result
}

// overallStatus определяет итоговый статус из статусов зависимостей.
// Если хотя бы одна зависимость fail — итог fail.
// Если хотя бы одна degraded — итог degraded.
// Иначе — ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == "fail" {
			return "fail"
		}
		if s == "degraded" {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return "degraded"
	}
	return "ok"
}
