// Пакет config — загрузка и валидация конфигурации File Relay
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации File Relay.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Путь к корневой директории загрузок (по директории на группу)
	UploadDir string
	// Путь к директории WAL
	WALDir string
	// Путь к файлу SQLite с документами групп
	DBPath string
	// Базовый публичный URL для построения fileUrl
	PublicURL string
	// Grace period до boot-out после запроса на удаление.
	// Референсное значение короткое (тесты/разработка);
	// в продакшене — порядка дней.
	GracePeriod time.Duration
	// Задержка между boot-out и полным purge
	PurgeDelay time.Duration
	// Интервал фонового sweep просроченных групп
	SweepInterval time.Duration
	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64
	// URL JWKS endpoint провайдера идентичности
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Путь к TLS сертификату (опционально, без него — plain HTTP)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя зависимости (целевого сервиса) в метриках topologymetrics
	DephealthDepName string
	// Имя вершины графа приложения в topologymetrics
	DephealthName string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// FR_PORT — порт HTTP-сервера (по умолчанию 3000)
	port, err := getEnvInt("FR_PORT", 3000)
	if err != nil {
		return nil, fmt.Errorf("FR_PORT: %w", err)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("FR_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// FR_UPLOAD_DIR — обязательный
	cfg.UploadDir, err = getEnvRequired("FR_UPLOAD_DIR")
	if err != nil {
		return nil, err
	}

	// FR_WAL_DIR — обязательный
	cfg.WALDir, err = getEnvRequired("FR_WAL_DIR")
	if err != nil {
		return nil, err
	}

	// FR_DB_PATH — обязательный, файл SQLite документов групп
	cfg.DBPath, err = getEnvRequired("FR_DB_PATH")
	if err != nil {
		return nil, err
	}

	// FR_PUBLIC_URL — базовый URL для fileUrl (по умолчанию localhost:порт)
	cfg.PublicURL = strings.TrimRight(
		getEnvDefault("FR_PUBLIC_URL", fmt.Sprintf("http://localhost:%d", port)), "/")

	// FR_GRACE_PERIOD — grace period до boot-out (по умолчанию 60s)
	cfg.GracePeriod, err = getEnvDuration("FR_GRACE_PERIOD", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FR_GRACE_PERIOD: %w", err)
	}
	if cfg.GracePeriod <= 0 {
		return nil, fmt.Errorf("FR_GRACE_PERIOD: значение должно быть положительным")
	}

	// FR_PURGE_DELAY — задержка между boot-out и purge (по умолчанию 5s)
	cfg.PurgeDelay, err = getEnvDuration("FR_PURGE_DELAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FR_PURGE_DELAY: %w", err)
	}
	if cfg.PurgeDelay <= 0 {
		return nil, fmt.Errorf("FR_PURGE_DELAY: значение должно быть положительным")
	}

	// FR_SWEEP_INTERVAL — интервал sweep (по умолчанию 1m)
	cfg.SweepInterval, err = getEnvDuration("FR_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FR_SWEEP_INTERVAL: %w", err)
	}

	// FR_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 1 GB)
	cfg.MaxFileSize, err = getEnvInt64("FR_MAX_FILE_SIZE", 1073741824)
	if err != nil {
		return nil, fmt.Errorf("FR_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("FR_MAX_FILE_SIZE: значение должно быть положительным")
	}

	// FR_JWKS_URL — обязательный
	cfg.JWKSUrl, err = getEnvRequired("FR_JWKS_URL")
	if err != nil {
		return nil, err
	}

	// FR_JWKS_CA_CERT — путь к CA-сертификату для JWKS endpoint (опционально)
	cfg.JWKSCACert = getEnvDefault("FR_JWKS_CA_CERT", "")

	// FR_TLS_CERT / FR_TLS_KEY — опциональны; задаются парой
	cfg.TLSCert = getEnvDefault("FR_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("FR_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("FR_TLS_CERT и FR_TLS_KEY должны задаваться вместе")
	}

	// FR_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FR_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FR_LOG_LEVEL: %w", err)
	}

	// FR_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("FR_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FR_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// FR_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("FR_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FR_SHUTDOWN_TIMEOUT: %w", err)
	}

	// FR_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("FR_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FR_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// FR_DEPHEALTH_GROUP — имя группы в метриках (по умолчанию "file-relay")
	cfg.DephealthGroup = getEnvDefault("FR_DEPHEALTH_GROUP", "file-relay")

	// FR_DEPHEALTH_DEP_NAME — имя зависимости (по умолчанию "identity-jwks")
	cfg.DephealthDepName = getEnvDefault("FR_DEPHEALTH_DEP_NAME", "identity-jwks")

	// FR_DEPHEALTH_NAME — имя вершины графа приложения
	cfg.DephealthName = getEnvDefault("FR_DEPHEALTH_NAME", "file-relay")

	return cfg, nil
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

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
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
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1m, 72h)", val)
	}
	return d, nil
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
