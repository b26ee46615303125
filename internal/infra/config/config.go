// Пакет config отвечает за сбор и предоставление конфигурации sync-воркера.
// Он:
//  1. читает переменные окружения (опционально дополняя их из .env через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о подставленных значениях по умолчанию,
//  4. фиксирует результат в потокобезопасном singleton.
//
// Бизнес-контекст: воркер зеркалирует Telegram-аккаунт в CRM-базу. Конфиг
// управляет подключением к базе и Telegram API, путём до файла сессии,
// периодами фоновых циклов синхронизации и HTTP-портом для health-проверок.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
)

// EnvConfig описывает параметры, приходящие из окружения. Значения уже прошли
// минимальную валидацию и нормализацию в loadConfig; в рантайме по месту
// использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	DatabaseURL string // строка подключения к Postgres, без параметра ?schema=
	APIID       int
	APIHash     string
	PhoneNumber string
	// Сессия и локальное состояние
	SessionPath      string // путь до файла MTProto-сессии
	SessionBase64    string // резервный источник сессии (base64)
	PeersCacheFile   string // bbolt-кэш пиров (access hash)
	UpdatesStateFile string // bbolt-состояние менеджера апдейтов gotd
	AttachmentDir    string // каталог вложений исходящих сообщений
	// HTTP
	Port int
	// Периоды фоновых циклов, секунды
	ActivePollInterval      int
	FullCatchupInterval     int
	DialogDiscoveryInterval int
	DialogDiscoveryLimit    int
	// Прочее
	LogLevel    string
	ThrottleRPS int
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: геттеры берут RLock; загрузка держит эксклюзивный Lock.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию для параметров окружения.
const (
	defaultSessionPath             = "/data/sessions/telegram_session"
	defaultPeersCacheFile          = "data/peers_cache.bbolt"
	defaultUpdatesStateFile        = "data/updates_state.bbolt"
	defaultAttachmentDir           = "data/attachments"
	defaultPort                    = 8080
	defaultActivePollInterval      = 120
	defaultFullCatchupInterval     = 900
	defaultDialogDiscoveryInterval = 900
	defaultDialogDiscoveryLimit    = 200
	defaultLogLevel                = "info"
	defaultThrottleRPS             = 1
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации.
// При первом вызове читает .env (если файл есть), формирует EnvConfig и
// фиксирует результат в singleton. Повторный вызов запрещён, чтобы избежать
// гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	// .env — удобство локального запуска; в проде переменные приходят из
	// окружения контейнера, поэтому отсутствие файла не ошибка.
	if err := loadDotenv(envPath); err != nil {
		appendWarningf(&warnings, "dotenv: %v", err)
	}

	rawDB := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if rawDB == "" {
		return nil, errors.New("env DATABASE_URL must be set")
	}
	dbURL, err := StripSchemaParam(rawDB)
	if err != nil {
		return nil, fmt.Errorf("env DATABASE_URL is invalid: %w", err)
	}

	apiID, err := parseRequiredInt("TELEGRAM_API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env TELEGRAM_API_HASH must be set")
	}

	phone := strings.TrimSpace(os.Getenv("TELEGRAM_PHONE_NUMBER"))
	if phone == "" {
		return nil, errors.New("env TELEGRAM_PHONE_NUMBER must be set")
	}

	env := EnvConfig{
		DatabaseURL:      dbURL,
		APIID:            apiID,
		APIHash:          apiHash,
		PhoneNumber:      phone,
		SessionPath:      sanitizeFile("SESSION_PATH", os.Getenv("SESSION_PATH"), defaultSessionPath, &warnings),
		SessionBase64:    strings.TrimSpace(os.Getenv("TELEGRAM_SESSION_BASE64")),
		PeersCacheFile:   sanitizeFile("PEERS_CACHE_FILE", os.Getenv("PEERS_CACHE_FILE"), defaultPeersCacheFile, &warnings),
		UpdatesStateFile: sanitizeFile("UPDATES_STATE_FILE", os.Getenv("UPDATES_STATE_FILE"), defaultUpdatesStateFile, &warnings),
		AttachmentDir:    sanitizeFile("ATTACHMENT_DIR", os.Getenv("ATTACHMENT_DIR"), defaultAttachmentDir, &warnings),
		Port:             parseIntDefault("PORT", defaultPort, greaterThanZero, &warnings),
		ActivePollInterval: parseIntDefault(
			"ACTIVE_POLL_INTERVAL", defaultActivePollInterval, greaterThanZero, &warnings),
		FullCatchupInterval: parseIntDefault(
			"FULL_CATCHUP_INTERVAL", defaultFullCatchupInterval, greaterThanZero, &warnings),
		DialogDiscoveryInterval: parseIntDefault(
			"DIALOG_DISCOVERY_INTERVAL", defaultDialogDiscoveryInterval, greaterThanZero, &warnings),
		DialogDiscoveryLimit: parseIntDefault(
			"DIALOG_DISCOVERY_LIMIT", defaultDialogDiscoveryLimit, greaterThanZero, &warnings),
		LogLevel:    sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		ThrottleRPS: parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// StripSchemaParam убирает из строки подключения параметр ?schema=, который
// добавляют Prisma-клиенты: драйвер lib/pq не понимает его и падает на старте.
// Остальные параметры запроса сохраняются как есть.
func StripSchemaParam(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if !q.Has("schema") {
		return raw, nil
	}
	q.Del("schema")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Warnings возвращает копию накопленных предупреждений загрузки окружения.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Используется для критичных параметров, без которых воркер не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// validator — возвращает defaultVal и пишет предупреждение. Это позволяет не
// падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — накопление предупреждений о некорректных переменных
// окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает валидный путь из переменной name либо fallback.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}
