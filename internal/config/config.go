package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the loan advisor session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	VoiceAgentAPIKey    string
	VoiceAgentWSBaseURL string
	VoiceAgentID        string

	AvatarAPIKey  string
	AvatarBaseURL string

	SessionDuration   time.Duration
	AutoStart         bool
	AutoStartDelay    time.Duration
	NoticeAutoDismiss time.Duration
	SlotTTL           time.Duration
	DocsBackendURL    string
	DatabaseURL       string
	MockVoiceAgent    bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "loanlens"),
		AllowAnyOrigin:      false,
		VoiceAgentWSBaseURL: envOrDefault("VOICE_AGENT_WS_BASE_URL", "wss://api.elevenlabs.io"),
		VoiceAgentAPIKey:    trimmedEnv("VOICE_AGENT_API_KEY"),
		VoiceAgentID:        trimmedEnv("VOICE_AGENT_ID"),
		AvatarAPIKey:        trimmedEnv("AVATAR_API_KEY"),
		AvatarBaseURL:       trimmedEnv("AVATAR_BASE_URL"),
		DocsBackendURL:      trimmedEnv("DOCS_BACKEND_URL"),
		DatabaseURL:         trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:     15 * time.Second,
		// Sessions are timed: three minutes of advisor conversation.
		SessionDuration:   3 * time.Minute,
		AutoStart:         true,
		AutoStartDelay:    2 * time.Second,
		NoticeAutoDismiss: 5 * time.Second,
		SlotTTL:           5 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionDuration, err = durationFromEnv("SESSION_DURATION", cfg.SessionDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoStart, err = boolFromEnv("SESSION_AUTO_START", cfg.AutoStart)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoStartDelay, err = durationFromEnv("SESSION_AUTO_START_DELAY", cfg.AutoStartDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.NoticeAutoDismiss, err = durationFromEnv("NOTICE_AUTO_DISMISS", cfg.NoticeAutoDismiss)
	if err != nil {
		return Config{}, err
	}
	cfg.SlotTTL, err = durationFromEnv("SLOT_TTL", cfg.SlotTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MockVoiceAgent, err = boolFromEnv("VOICE_AGENT_MOCK", cfg.MockVoiceAgent)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionDuration < 10*time.Second {
		return Config{}, fmt.Errorf("SESSION_DURATION must be at least 10s")
	}
	if cfg.SlotTTL < cfg.SessionDuration {
		return Config{}, fmt.Errorf("SLOT_TTL must cover SESSION_DURATION")
	}
	if cfg.NoticeAutoDismiss <= 0 {
		return Config{}, fmt.Errorf("NOTICE_AUTO_DISMISS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
