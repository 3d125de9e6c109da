package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	WSAddr      string
	RESTBaseURL string
	AccessToken string
	LogLevel    string

	RetryDelay   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	TypingDebounce time.Duration
	TypingTTL      time.Duration

	HistoryLimit int
	EventBuffer  int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		WSAddr:      EnvString("MARKETCHAT_WS_ADDR", "ws://127.0.0.1:8080/chat"),
		RESTBaseURL: EnvString("MARKETCHAT_REST_BASE_URL", "http://127.0.0.1:8080/api"),
		AccessToken: EnvString("MARKETCHAT_ACCESS_TOKEN", ""),
		LogLevel:    EnvString("MARKETCHAT_LOG_LEVEL", "info"),

		RetryDelay:   EnvDuration("MARKETCHAT_RETRY_DELAY", 1*time.Second),
		DialTimeout:  EnvDuration("MARKETCHAT_DIAL_TIMEOUT", 10*time.Second),
		WriteTimeout: EnvDuration("MARKETCHAT_WRITE_TIMEOUT", 5*time.Second),

		TypingDebounce: EnvDuration("MARKETCHAT_TYPING_DEBOUNCE", 1500*time.Millisecond),
		TypingTTL:      EnvDuration("MARKETCHAT_TYPING_TTL", 5*time.Second),

		HistoryLimit: EnvInt("MARKETCHAT_HISTORY_LIMIT", 50),
		EventBuffer:  EnvInt("MARKETCHAT_EVENT_BUFFER", 256),
	}
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvDuration reads a duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
