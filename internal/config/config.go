// Пакет config — загрузка и валидация конфигурации roomguard
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации roomguard.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8000-8099)
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
	// Таймаут одного обращения к хранилищу. По истечении операция
	// классифицируется как транзиентная ошибка.
	StoreTimeout time.Duration

	// --- JWT ---

	// URL провайдера идентификации (Keycloak)
	IdPURL string
	// Realm провайдера
	IdPRealm string
	// Issuer JWT (авто-вычисляется из IdPURL, если не задан)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из IdPURL, если не задан)
	JWTJWKSURL string
	// Допустимое расхождение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Интервал фонового обновления JWKS
	JWKSRefreshInterval time.Duration
	// Таймаут HTTP-клиента JWKS и readiness-проверки IdP
	JWKSClientTimeout time.Duration
	// Путь к CA-сертификату IdP (опционально)
	IdPCACert string

	// --- Маппинг групп → глобальных ролей ---

	RoleAdminGroups     []string
	RoleModeratorGroups []string

	// --- Политика доступа ---

	// Окно, в течение которого отправитель может удалить своё сообщение
	SelfDeleteWindow time.Duration
	// Размер LRU-кэша метаданных комнат (0 — кэш отключён)
	RoomCacheSize int
	// TTL записей кэша комнат
	RoomCacheTTL time.Duration

	// --- Журнал аудита ---

	// Максимум попыток append при конкурентной записи в хвост цепочки
	AuditAppendAttempts int
	// Размер страницы при проверке цепочки
	AuditVerifyPageSize int

	// --- Retention ---

	// Включён ли встроенный цикл retention
	RetentionEnabled bool
	// Интервал цикла retention
	RetentionInterval time.Duration
	// Размер пачки при захвате записей расписания
	RetentionBatchSize int
	// Порог, после которого in_progress считается зависшей
	RetentionStaleAfter time.Duration
	// Максимум попыток выполнения одной записи
	RetentionMaxAttempts int
	// Задержка перед повторной попыткой после failed
	RetentionRetryDelay time.Duration
	// Идентификатор экземпляра (claimed_by)
	InstanceID string

	// --- Журнал восстановления ---

	// Собственный таймаут записи в healing log
	HealingTimeout time.Duration

	// --- Batch fetch ---

	// Максимальное количество комнат в одном запросе
	BatchMaxRooms int

	// --- topologymetrics ---

	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration
	// Группа сервиса в метриках зависимостей
	DephealthGroup string

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// RG_PORT — порт HTTP-сервера (по умолчанию 8010)
	cfg.Port, err = getEnvInt("RG_PORT", 8010)
	if err != nil {
		return nil, fmt.Errorf("RG_PORT: %w", err)
	}
	if cfg.Port < 8000 || cfg.Port > 8099 {
		return nil, fmt.Errorf("RG_PORT: значение %d вне допустимого диапазона 8000-8099", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("RG_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("RG_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("RG_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("RG_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("RG_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("RG_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("RG_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("RG_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("RG_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("RG_DB_PASSWORD"); err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("RG_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("RG_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	cfg.StoreTimeout, err = getEnvDuration("RG_STORE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RG_STORE_TIMEOUT: %w", err)
	}
	if cfg.StoreTimeout <= 0 {
		return nil, fmt.Errorf("RG_STORE_TIMEOUT: таймаут должен быть положительным")
	}

	// --- JWT ---

	if cfg.IdPURL, err = getEnvRequired("RG_IDP_URL"); err != nil {
		return nil, err
	}
	cfg.IdPURL = strings.TrimRight(cfg.IdPURL, "/")
	cfg.IdPRealm = getEnvDefault("RG_IDP_REALM", "chat")

	cfg.JWTIssuer = getEnvDefault("RG_JWT_ISSUER",
		fmt.Sprintf("%s/realms/%s", cfg.IdPURL, cfg.IdPRealm))
	cfg.JWTJWKSURL = getEnvDefault("RG_JWT_JWKS_URL",
		fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.IdPURL, cfg.IdPRealm))

	cfg.JWTLeeway, err = getEnvDuration("RG_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RG_JWT_LEEWAY: %w", err)
	}
	if cfg.JWTLeeway < 0 || cfg.JWTLeeway > 5*time.Minute {
		return nil, fmt.Errorf("RG_JWT_LEEWAY: значение %s вне допустимого диапазона 0-5m", cfg.JWTLeeway)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("RG_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RG_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWKSClientTimeout, err = getEnvDuration("RG_JWKS_CLIENT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RG_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.IdPCACert = os.Getenv("RG_IDP_CA_CERT")

	cfg.RoleAdminGroups = parseCSV(getEnvDefault("RG_ROLE_ADMIN_GROUPS", "chat-admins"))
	cfg.RoleModeratorGroups = parseCSV(getEnvDefault("RG_ROLE_MODERATOR_GROUPS", "chat-moderators"))

	// --- Политика доступа ---

	cfg.SelfDeleteWindow, err = getEnvDuration("RG_SELF_DELETE_WINDOW", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RG_SELF_DELETE_WINDOW: %w", err)
	}
	if cfg.SelfDeleteWindow < 0 {
		return nil, fmt.Errorf("RG_SELF_DELETE_WINDOW: окно не может быть отрицательным")
	}

	cfg.RoomCacheSize, err = getEnvInt("RG_ROOM_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("RG_ROOM_CACHE_SIZE: %w", err)
	}
	if cfg.RoomCacheSize < 0 {
		return nil, fmt.Errorf("RG_ROOM_CACHE_SIZE: значение %d не может быть отрицательным", cfg.RoomCacheSize)
	}
	cfg.RoomCacheTTL, err = getEnvDuration("RG_ROOM_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RG_ROOM_CACHE_TTL: %w", err)
	}

	// --- Журнал аудита ---

	cfg.AuditAppendAttempts, err = getEnvInt("RG_AUDIT_APPEND_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("RG_AUDIT_APPEND_ATTEMPTS: %w", err)
	}
	if cfg.AuditAppendAttempts < 1 || cfg.AuditAppendAttempts > 50 {
		return nil, fmt.Errorf("RG_AUDIT_APPEND_ATTEMPTS: значение %d вне допустимого диапазона 1-50", cfg.AuditAppendAttempts)
	}
	cfg.AuditVerifyPageSize, err = getEnvInt("RG_AUDIT_VERIFY_PAGE_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("RG_AUDIT_VERIFY_PAGE_SIZE: %w", err)
	}
	if cfg.AuditVerifyPageSize < 1 || cfg.AuditVerifyPageSize > 10000 {
		return nil, fmt.Errorf("RG_AUDIT_VERIFY_PAGE_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.AuditVerifyPageSize)
	}

	// --- Retention ---

	cfg.RetentionEnabled, err = getEnvBool("RG_RETENTION_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("RG_RETENTION_ENABLED: %w", err)
	}
	cfg.RetentionInterval, err = getEnvDuration("RG_RETENTION_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RG_RETENTION_INTERVAL: %w", err)
	}
	cfg.RetentionBatchSize, err = getEnvInt("RG_RETENTION_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("RG_RETENTION_BATCH_SIZE: %w", err)
	}
	if cfg.RetentionBatchSize < 1 || cfg.RetentionBatchSize > 1000 {
		return nil, fmt.Errorf("RG_RETENTION_BATCH_SIZE: значение %d вне допустимого диапазона 1-1000", cfg.RetentionBatchSize)
	}
	cfg.RetentionStaleAfter, err = getEnvDuration("RG_RETENTION_STALE_AFTER", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RG_RETENTION_STALE_AFTER: %w", err)
	}
	cfg.RetentionMaxAttempts, err = getEnvInt("RG_RETENTION_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("RG_RETENTION_MAX_ATTEMPTS: %w", err)
	}
	if cfg.RetentionMaxAttempts < 1 || cfg.RetentionMaxAttempts > 20 {
		return nil, fmt.Errorf("RG_RETENTION_MAX_ATTEMPTS: значение %d вне допустимого диапазона 1-20", cfg.RetentionMaxAttempts)
	}
	cfg.RetentionRetryDelay, err = getEnvDuration("RG_RETENTION_RETRY_DELAY", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RG_RETENTION_RETRY_DELAY: %w", err)
	}

	hostname, _ := os.Hostname()
	cfg.InstanceID = getEnvDefault("RG_INSTANCE_ID", hostname)
	if cfg.InstanceID == "" {
		cfg.InstanceID = "roomguard"
	}

	cfg.HealingTimeout, err = getEnvDuration("RG_HEALING_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RG_HEALING_TIMEOUT: %w", err)
	}

	cfg.BatchMaxRooms, err = getEnvInt("RG_BATCH_MAX_ROOMS", 100)
	if err != nil {
		return nil, fmt.Errorf("RG_BATCH_MAX_ROOMS: %w", err)
	}
	if cfg.BatchMaxRooms < 1 || cfg.BatchMaxRooms > 1000 {
		return nil, fmt.Errorf("RG_BATCH_MAX_ROOMS: значение %d вне допустимого диапазона 1-1000", cfg.BatchMaxRooms)
	}

	// --- topologymetrics ---

	cfg.DephealthCheckInterval, err = getEnvDuration("RG_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RG_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("RG_DEPHEALTH_GROUP", "chat")

	cfg.ShutdownTimeout, err = getEnvDuration("RG_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RG_SHUTDOWN_TIMEOUT: %w", err)
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

// DatabaseURL возвращает URL PostgreSQL без учётных данных
// (для лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
// Пароль экранируется, чтобы спецсимволы не ломали разбор URL.
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
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

	logger := slog.New(handler).With(slog.String("service", "roomguard"))
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

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

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
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
// Пустые элементы игнорируются.
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
