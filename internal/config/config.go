// Package config loads worker configuration from the environment, with an
// optional .env file layered underneath.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/alpha-watch/alpha-watch/internal/timeutil"
)

// Config holds every tunable the worker reads at startup. Nothing here is
// reloaded at runtime; a restart is required to pick up changes.
type Config struct {
	AlphaURL        string
	Language        string
	Timezone        string
	ReminderOffsets []int
	QuietHoursRaw   string
	QuietHours      *timeutil.QuietWindow

	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	DBPoolMinSize int
	DBPoolMaxSize int

	RunOnce bool

	PlaywrightProxy string

	SpugBaseURL        string
	SpugToken          string
	SpugTimeoutSeconds int
	SpugChannel        string
	SpugQuietChannel   string
	SpugXSendUserID    string
	SpugProxy          string

	LogLevel string
}

// boolValues is the case-insensitive truthy set accepted by every
// boolean-flavored setting.
var boolValues = map[string]bool{
	"1": true, "true": true, "yes": true, "y": true, "on": true,
}

func parseBool(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return boolValues[strings.ToLower(trimmed)]
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func parseOffsets(raw string, def []int) ([]int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def, nil
	}
	var offsets []int
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("config: REMINDER_OFFSETS entry %q is not an integer: %w", part, err)
		}
		offsets = append(offsets, n)
	}
	if len(offsets) == 0 {
		return def, nil
	}
	return offsets, nil
}

// Load reads a .env file if present, silently ignoring its absence, then
// builds a Config from the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AlphaURL:     envOr("ALPHA_URL", "https://alpha123.uk/zh"),
		Language:     envOr("LANGUAGE", "zh"),
		Timezone:     envOr("TIMEZONE", "Asia/Taipei"),
		QuietHoursRaw: os.Getenv("QUIET_HOURS"),

		DBHost:     envOr("DB_HOST", "127.0.0.1"),
		DBUser:     envOr("DB_USER", "alpha"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     envOr("DB_NAME", "alpha_bot"),

		PlaywrightProxy: os.Getenv("PLAYWRIGHT_PROXY"),

		SpugBaseURL:      envOr("SPUG_BASE_URL", "https://push.spug.cc"),
		SpugToken:        os.Getenv("SPUG_TOKEN"),
		SpugChannel:      envOr("SPUG_CHANNEL", "voice"),
		SpugQuietChannel: os.Getenv("SPUG_QUIET_CHANNEL"),
		SpugXSendUserID:  os.Getenv("SPUG_XSEND_USER_ID"),
		SpugProxy:        os.Getenv("SPUG_PROXY"),

		LogLevel: strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
	}

	var err error
	if cfg.ReminderOffsets, err = parseOffsets(os.Getenv("REMINDER_OFFSETS"), []int{30}); err != nil {
		return nil, err
	}
	if cfg.DBPort, err = envIntOr("DB_PORT", 5432); err != nil {
		return nil, err
	}
	if cfg.DBPoolMinSize, err = envIntOr("DB_POOL_MINSIZE", 1); err != nil {
		return nil, err
	}
	if cfg.DBPoolMaxSize, err = envIntOr("DB_POOL_MAXSIZE", 5); err != nil {
		return nil, err
	}
	if cfg.SpugTimeoutSeconds, err = envIntOr("SPUG_TIMEOUT_SECONDS", 10); err != nil {
		return nil, err
	}

	cfg.RunOnce = parseBool(os.Getenv("RUN_ONCE"), false)

	if window, ok := timeutil.ParseQuietHours(cfg.QuietHoursRaw); ok {
		cfg.QuietHours = &window
	}

	if _, err := timeutil.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("config: TIMEZONE %q is not a valid IANA zone: %w", cfg.Timezone, err)
	}

	return cfg, nil
}

// SpugConfigured reports whether enough Spug settings are present to
// attempt delivery. The xsend user id is required alongside the base URL
// and token — without it Notifier.Send always fails with
// ConfigIncompleteError, so a deployment missing it is treated the same as
// one missing the base URL or token: unconfigured, falling back to a
// notifier that records every due row as failed rather than wiring in one
// that can never send.
func (c *Config) SpugConfigured() bool {
	return c.SpugBaseURL != "" && c.SpugToken != "" && c.SpugXSendUserID != ""
}
