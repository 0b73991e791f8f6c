// Пакет config — загрузка и валидация конфигурации Alliance Sync
// из переменных окружения (опционально — из .env файла).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые режимы доставки уведомлений.
const (
	SinkDiscord = "discord"
	SinkKafka   = "kafka"
)

// Config содержит все параметры конфигурации Alliance Sync.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Игровой API ---

	// Базовый URL API войн (без trailing slash)
	GameAPIURL string
	// Таймаут одного запроса к игровому API
	GameAPITimeout time.Duration
	// Общесистемный резервный ключ API (опционально)
	GameFallbackKey string

	// --- Опрос событий ---

	// Интервал цикла опроса
	PollInterval time.Duration
	// Дедлайн одного цикла опроса
	PollCycleTimeout time.Duration
	// Размер пула воркеров (альянсов одновременно)
	PollWorkers int
	// Размер страницы войн за один запрос
	PollPageSize int

	// --- Discord ---

	// Базовый URL Discord REST API
	DiscordAPIURL string
	// Токен бота Discord
	DiscordBotToken string

	// --- Доставка ---

	// Режим доставки: discord или kafka
	Sink string
	// Брокеры Kafka (для Sink=kafka)
	KafkaBrokers []string
	// Топик Kafka (для Sink=kafka)
	KafkaTopic string
	// Размер LRU-набора уже доставленных пар (война, канал)
	DedupSize int
	// Время жизни записи в наборе дедупликации
	DedupTTL time.Duration
	// Ёмкость очереди повторной доставки
	DeliveryRetryQueue int
	// Максимум попыток доставки одной пары (война, канал)
	DeliveryMaxAttempts int

	// --- Синхронизация ролей ---

	// Число попыток вызова Discord при временных ошибках
	SyncRetryAttempts int
	// Начальная пауза между попытками (удваивается)
	SyncRetryBackoff time.Duration
	// Интервал reconcile-прохода (0 — отключён)
	ReconcileInterval time.Duration

	// --- JWT (операторы и сервисные клиенты) ---

	JWTIssuer  string
	JWTJWKSURL string
	// Допустимое отклонение часов при проверке JWT
	JWTLeeway time.Duration

	// --- Маппинг групп IdP → ролей ---

	RoleOperatorGroups []string
	RoleViewerGroups   []string

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
// Если рядом лежит .env (или задан AS_ENV_FILE) — значения из него
// подставляются для незаданных переменных.
func Load() (*Config, error) {
	if err := loadDotEnv(getEnvDefault("AS_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("AS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("AS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AS_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("AS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("AS_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("AS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("AS_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("AS_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("AS_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("AS_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("AS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("AS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Игровой API ---

	if cfg.GameAPIURL, err = getEnvRequired("AS_GAME_API_URL"); err != nil {
		return nil, err
	}
	cfg.GameAPIURL = strings.TrimRight(cfg.GameAPIURL, "/")
	cfg.GameAPITimeout, err = getEnvDuration("AS_GAME_API_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AS_GAME_API_TIMEOUT: %w", err)
	}
	cfg.GameFallbackKey = getEnvDefault("AS_GAME_FALLBACK_KEY", "")

	// --- Опрос событий ---

	cfg.PollInterval, err = getEnvDuration("AS_POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AS_POLL_INTERVAL: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("AS_POLL_INTERVAL: интервал должен быть положительным")
	}
	cfg.PollCycleTimeout, err = getEnvDuration("AS_POLL_CYCLE_TIMEOUT", 25*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AS_POLL_CYCLE_TIMEOUT: %w", err)
	}
	if cfg.PollCycleTimeout <= 0 {
		return nil, fmt.Errorf("AS_POLL_CYCLE_TIMEOUT: таймаут должен быть положительным")
	}
	cfg.PollWorkers, err = getEnvInt("AS_POLL_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("AS_POLL_WORKERS: %w", err)
	}
	if cfg.PollWorkers < 1 || cfg.PollWorkers > 32 {
		return nil, fmt.Errorf("AS_POLL_WORKERS: значение %d вне допустимого диапазона 1-32", cfg.PollWorkers)
	}
	cfg.PollPageSize, err = getEnvInt("AS_POLL_PAGE_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("AS_POLL_PAGE_SIZE: %w", err)
	}
	if cfg.PollPageSize < 1 || cfg.PollPageSize > 500 {
		return nil, fmt.Errorf("AS_POLL_PAGE_SIZE: значение %d вне допустимого диапазона 1-500", cfg.PollPageSize)
	}

	// --- Discord ---

	cfg.DiscordAPIURL = strings.TrimRight(getEnvDefault("AS_DISCORD_API_URL", "https://discord.com/api/v10"), "/")
	if cfg.DiscordBotToken, err = getEnvRequired("AS_DISCORD_BOT_TOKEN"); err != nil {
		return nil, err
	}

	// --- Доставка ---

	cfg.Sink = getEnvDefault("AS_SINK", SinkDiscord)
	switch cfg.Sink {
	case SinkDiscord:
	case SinkKafka:
		cfg.KafkaBrokers = parseCSV(os.Getenv("AS_KAFKA_BROKERS"))
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("AS_KAFKA_BROKERS: обязателен при AS_SINK=kafka")
		}
		if cfg.KafkaTopic, err = getEnvRequired("AS_KAFKA_TOPIC"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("AS_SINK: недопустимое значение %q, допустимые: discord, kafka", cfg.Sink)
	}

	cfg.DedupSize, err = getEnvInt("AS_DEDUP_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("AS_DEDUP_SIZE: %w", err)
	}
	if cfg.DedupSize < 1 {
		return nil, fmt.Errorf("AS_DEDUP_SIZE: значение должно быть положительным")
	}
	cfg.DedupTTL, err = getEnvDuration("AS_DEDUP_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AS_DEDUP_TTL: %w", err)
	}
	cfg.DeliveryRetryQueue, err = getEnvInt("AS_DELIVERY_RETRY_QUEUE", 1000)
	if err != nil {
		return nil, fmt.Errorf("AS_DELIVERY_RETRY_QUEUE: %w", err)
	}
	if cfg.DeliveryRetryQueue < 0 {
		return nil, fmt.Errorf("AS_DELIVERY_RETRY_QUEUE: значение не может быть отрицательным")
	}
	cfg.DeliveryMaxAttempts, err = getEnvInt("AS_DELIVERY_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("AS_DELIVERY_MAX_ATTEMPTS: %w", err)
	}
	if cfg.DeliveryMaxAttempts < 1 {
		return nil, fmt.Errorf("AS_DELIVERY_MAX_ATTEMPTS: значение должно быть положительным")
	}

	// --- Синхронизация ролей ---

	cfg.SyncRetryAttempts, err = getEnvInt("AS_SYNC_RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("AS_SYNC_RETRY_ATTEMPTS: %w", err)
	}
	if cfg.SyncRetryAttempts < 1 || cfg.SyncRetryAttempts > 10 {
		return nil, fmt.Errorf("AS_SYNC_RETRY_ATTEMPTS: значение %d вне допустимого диапазона 1-10", cfg.SyncRetryAttempts)
	}
	cfg.SyncRetryBackoff, err = getEnvDuration("AS_SYNC_RETRY_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("AS_SYNC_RETRY_BACKOFF: %w", err)
	}
	cfg.ReconcileInterval, err = getEnvDuration("AS_RECONCILE_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AS_RECONCILE_INTERVAL: %w", err)
	}

	// --- JWT ---

	if cfg.JWTIssuer, err = getEnvRequired("AS_JWT_ISSUER"); err != nil {
		return nil, err
	}
	if cfg.JWTJWKSURL, err = getEnvRequired("AS_JWT_JWKS_URL"); err != nil {
		return nil, err
	}
	cfg.JWTLeeway, err = getEnvDuration("AS_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AS_JWT_LEEWAY: %w", err)
	}

	cfg.RoleOperatorGroups = parseCSV(getEnvDefault("AS_ROLE_OPERATOR_GROUPS", "alliance-operators"))
	cfg.RoleViewerGroups = parseCSV(getEnvDefault("AS_ROLE_VIEWER_GROUPS", "alliance-viewers"))

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("AS_DEPHEALTH_GROUP", "alliance-sync")
	cfg.DephealthCheckInterval, err = getEnvDuration("AS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("AS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgresql://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
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

// loadDotEnv подгружает .env, не перезаписывая уже заданные переменные.
// Отсутствие файла — не ошибка.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("чтение %s: %w", path, err)
	}
	return nil
}

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

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

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d < 0 {
		return 0, fmt.Errorf("отрицательная длительность: %q", val)
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

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
