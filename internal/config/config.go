// Пакет config — загрузка и валидация конфигурации MediScope Gateway
// из переменных окружения (и опционального .env файла).
// Конфигурация строится один раз при старте и дальше не перечитывается.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые backend-ы хранилища пользователей и истории.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMongo    = "mongo"
)

// Config содержит все параметры конфигурации MediScope Gateway.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration

	// --- Хранилище ---

	// Backend хранилища: postgres или mongo
	StoreBackend string

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// MongoDB
	MongoURI      string
	MongoDatabase string

	// --- Аутентификация ---

	// Секрет подписи HS256
	JWTSecret string
	// Ожидаемый и выставляемый issuer токенов
	JWTIssuer string
	// Стоимость bcrypt
	BcryptCost int

	// --- Загрузки ---

	// Директория временных загрузок
	UploadDir string
	// Максимальный размер тела запроса /process в байтах
	UploadMaxBytes int64
	// Интервал фоновой очистки осиротевших загрузок
	UploadSweepInterval time.Duration
	// Возраст, после которого загрузка считается осиротевшей
	UploadMaxAge time.Duration

	// --- Внешние AI-сервисы ---

	XrayURL        string
	LabURL         string
	InterpreterURL string
	// Таймаут одного вызова внешнего сервиса
	UpstreamTimeout time.Duration
	// Пути health check для topologymetrics
	XrayHealthPath        string
	LabHealthPath         string
	InterpreterHealthPath string

	// --- CORS ---

	CORSAllowedOrigins []string

	// --- Кэш истории ---

	HistoryCacheSize int
	HistoryCacheTTL  time.Duration

	// --- События ---

	// Размер входной очереди и буфера подписчика
	EventsBuffer int
	// Интервал heartbeat-комментариев SSE
	SSEHeartbeat time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Перед чтением переменных подгружается .env файл (MS_ENV_FILE, по умолчанию .env),
// если он существует. Уже заданные переменные окружения не перезаписываются.
func Load() (*Config, error) {
	envFile := getEnvDefault("MS_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("MS_ENV_FILE: ошибка чтения %s: %w", envFile, err)
	}

	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("MS_PORT", 4000)
	if err != nil {
		return nil, fmt.Errorf("MS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("MS_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("MS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("MS_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("MS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("MS_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("MS_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("MS_HTTP_READ_TIMEOUT: %w", err)
	}
	// Запись ответа /process может ждать два вызова AI-сервисов подряд
	if cfg.HTTPWriteTimeout, err = getEnvDuration("MS_HTTP_WRITE_TIMEOUT", 150*time.Second); err != nil {
		return nil, fmt.Errorf("MS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("MS_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("MS_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("MS_SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("MS_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Хранилище ---

	cfg.StoreBackend = strings.ToLower(getEnvDefault("MS_STORE_BACKEND", StoreBackendPostgres))
	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		if err := loadPostgres(cfg); err != nil {
			return nil, err
		}
	case StoreBackendMongo:
		if cfg.MongoURI, err = getEnvRequired("MS_MONGO_URI"); err != nil {
			return nil, err
		}
		cfg.MongoDatabase = getEnvDefault("MS_MONGO_DATABASE", "mediscope")
	default:
		return nil, fmt.Errorf("MS_STORE_BACKEND: недопустимое значение %q, допустимые: postgres, mongo", cfg.StoreBackend)
	}

	// --- Аутентификация ---

	if cfg.JWTSecret, err = getEnvRequired("MS_JWT_SECRET"); err != nil {
		return nil, err
	}
	if len(cfg.JWTSecret) < 16 {
		return nil, fmt.Errorf("MS_JWT_SECRET: секрет короче 16 символов")
	}
	cfg.JWTIssuer = getEnvDefault("MS_JWT_ISSUER", "mediscope-gateway")

	if cfg.BcryptCost, err = getEnvInt("MS_BCRYPT_COST", 10); err != nil {
		return nil, fmt.Errorf("MS_BCRYPT_COST: %w", err)
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, fmt.Errorf("MS_BCRYPT_COST: значение %d вне диапазона 4-31", cfg.BcryptCost)
	}

	// --- Загрузки ---

	cfg.UploadDir = getEnvDefault("MS_UPLOAD_DIR", "uploads")
	maxBytes, err := getEnvInt("MS_UPLOAD_MAX_BYTES", 32<<20)
	if err != nil {
		return nil, fmt.Errorf("MS_UPLOAD_MAX_BYTES: %w", err)
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("MS_UPLOAD_MAX_BYTES: значение должно быть > 0")
	}
	cfg.UploadMaxBytes = int64(maxBytes)

	if cfg.UploadSweepInterval, err = getEnvDurationPositive("MS_UPLOAD_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("MS_UPLOAD_SWEEP_INTERVAL: %w", err)
	}
	if cfg.UploadMaxAge, err = getEnvDurationPositive("MS_UPLOAD_MAX_AGE", time.Hour); err != nil {
		return nil, fmt.Errorf("MS_UPLOAD_MAX_AGE: %w", err)
	}

	// --- Внешние AI-сервисы (без встроенных fallback URL) ---

	if cfg.XrayURL, err = getEnvURL("MS_XRAY_URL"); err != nil {
		return nil, err
	}
	if cfg.LabURL, err = getEnvURL("MS_LAB_URL"); err != nil {
		return nil, err
	}
	if cfg.InterpreterURL, err = getEnvURL("MS_INTERPRETER_URL"); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeout, err = getEnvDurationPositive("MS_UPSTREAM_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("MS_UPSTREAM_TIMEOUT: %w", err)
	}
	cfg.XrayHealthPath = getEnvDefault("MS_XRAY_HEALTH_PATH", "/")
	cfg.LabHealthPath = getEnvDefault("MS_LAB_HEALTH_PATH", "/")
	cfg.InterpreterHealthPath = getEnvDefault("MS_INTERPRETER_HEALTH_PATH", "/")

	// --- CORS ---

	cfg.CORSAllowedOrigins = splitList(getEnvDefault("MS_CORS_ALLOWED_ORIGINS",
		"http://localhost:5173,http://127.0.0.1:5173"))

	// --- Кэш истории ---

	if cfg.HistoryCacheSize, err = getEnvInt("MS_HISTORY_CACHE_SIZE", 1000); err != nil {
		return nil, fmt.Errorf("MS_HISTORY_CACHE_SIZE: %w", err)
	}
	if cfg.HistoryCacheSize <= 0 {
		return nil, fmt.Errorf("MS_HISTORY_CACHE_SIZE: значение должно быть > 0")
	}
	if cfg.HistoryCacheTTL, err = getEnvDurationPositive("MS_HISTORY_CACHE_TTL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("MS_HISTORY_CACHE_TTL: %w", err)
	}

	// --- События ---

	if cfg.EventsBuffer, err = getEnvInt("MS_EVENTS_BUFFER", 64); err != nil {
		return nil, fmt.Errorf("MS_EVENTS_BUFFER: %w", err)
	}
	if cfg.EventsBuffer <= 0 {
		return nil, fmt.Errorf("MS_EVENTS_BUFFER: значение должно быть > 0")
	}
	if cfg.SSEHeartbeat, err = getEnvDurationPositive("MS_SSE_HEARTBEAT", 15*time.Second); err != nil {
		return nil, fmt.Errorf("MS_SSE_HEARTBEAT: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("MS_DEPHEALTH_GROUP", "mediscope")
	if cfg.DephealthCheckInterval, err = getEnvDurationPositive("MS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("MS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// loadPostgres читает параметры подключения к PostgreSQL.
func loadPostgres(cfg *Config) error {
	var err error
	if cfg.DBHost, err = getEnvRequired("MS_DB_HOST"); err != nil {
		return err
	}
	if cfg.DBPort, err = getEnvInt("MS_DB_PORT", 5432); err != nil {
		return fmt.Errorf("MS_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("MS_DB_NAME"); err != nil {
		return err
	}
	if cfg.DBUser, err = getEnvRequired("MS_DB_USER"); err != nil {
		return err
	}
	if cfg.DBPassword, err = getEnvRequired("MS_DB_PASSWORD"); err != nil {
		return err
	}
	cfg.DBSSLMode = getEnvDefault("MS_DB_SSL_MODE", "disable")
	return nil
}

// DatabaseDSN возвращает DSN для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword),
		c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// DatabaseURL возвращает URL PostgreSQL без учётных данных (для меток topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword),
		c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvURL возвращает обязательный абсолютный http(s) URL без trailing slash.
func getEnvURL(key string) (string, error) {
	val, err := getEnvRequired(key)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(val)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%s: некорректный URL %q", key, val)
	}
	return strings.TrimRight(val, "/"), nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvDurationPositive — как getEnvDuration, но значение должно быть > 0.
func getEnvDurationPositive(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// splitList разбирает список через запятую, пропуская пустые элементы.
func splitList(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
