package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Realtime speech engine leg.
	EngineURL               string
	EngineAPIKey            string
	EngineModel             string
	EngineVoice             string
	EngineDialTimeout       time.Duration
	EngineDialRetries       int
	EngineKeepAliveInterval time.Duration
	EngineWriteTimeout      time.Duration
	// How long configure-before-audio may block before the session falls
	// back to degraded defaults.
	EngineConfigureTimeout time.Duration
	EngineTemperature      float64
	TranscriptionModel     string

	// Server-side voice activity detection tuning, sent on session configure.
	VADThreshold   float64
	VADSilenceMS   int
	VADPrefixPadMS int

	// Telephony WebSocket leg.
	TelephonyPingInterval   time.Duration
	TelephonyWriteTimeout   time.Duration
	TelephonyMaxMessageSize int64

	// Optional allowlist of callee numbers (empty => all accepted).
	AllowedCallees map[string]struct{}

	// Turn discipline.
	BargeInDebounce   time.Duration
	WatchdogThreshold time.Duration
	SoftFinalizeGrace time.Duration
	IdleNudgeAfter    time.Duration
	NudgeInstructions string

	// Audio relay.
	MaxFrameDuration      time.Duration
	BackpressureThreshold time.Duration
	SilencePadDuration    time.Duration
	EngineSampleRate      int

	// Tools.
	ToolDefaultTimeout time.Duration

	// Prompt service (empty URL => minimal prompt only).
	PromptServiceURL    string
	PromptServiceAPIKey string
	PromptTimeout       time.Duration
	PromptRetries       int

	// Call summary collector (empty URL => recording disabled).
	CallLogURL     string
	CallLogAPIKey  string
	CallLogTimeout time.Duration

	// Operational.
	LogLevel            slog.Level
	MaxConcurrentCalls  int
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("VB_ADDR", ":8080"),
		EngineURL:               envOr("VB_ENGINE_URL", "wss://api.openai.com/v1/realtime"),
		EngineAPIKey:            strings.TrimSpace(os.Getenv("VB_ENGINE_API_KEY")),
		EngineModel:             envOr("VB_ENGINE_MODEL", "gpt-4o-realtime-preview"),
		EngineVoice:             envOr("VB_ENGINE_VOICE", "alloy"),
		EngineDialTimeout:       envDurationOr("VB_ENGINE_DIAL_TIMEOUT", 10*time.Second),
		EngineDialRetries:       envIntOr("VB_ENGINE_DIAL_RETRIES", 2),
		EngineKeepAliveInterval: envDurationOr("VB_ENGINE_KEEPALIVE_INTERVAL", 15*time.Second),
		EngineWriteTimeout:      envDurationOr("VB_ENGINE_WRITE_TIMEOUT", 5*time.Second),
		EngineConfigureTimeout:  envDurationOr("VB_ENGINE_CONFIGURE_TIMEOUT", 5*time.Second),
		EngineTemperature:       envFloatOr("VB_ENGINE_TEMPERATURE", 0.8),
		TranscriptionModel:      envOr("VB_TRANSCRIPTION_MODEL", "whisper-1"),
		VADThreshold:            envFloatOr("VB_VAD_THRESHOLD", 0.5),
		VADSilenceMS:            envIntOr("VB_VAD_SILENCE_MS", 500),
		VADPrefixPadMS:          envIntOr("VB_VAD_PREFIX_PAD_MS", 300),
		TelephonyPingInterval:   envDurationOr("VB_TELEPHONY_PING_INTERVAL", 20*time.Second),
		TelephonyWriteTimeout:   envDurationOr("VB_TELEPHONY_WRITE_TIMEOUT", 5*time.Second),
		TelephonyMaxMessageSize: envInt64Or("VB_TELEPHONY_MAX_MESSAGE_BYTES", 64<<10),
		AllowedCallees:          make(map[string]struct{}),
		BargeInDebounce:         envDurationOr("VB_BARGE_IN_DEBOUNCE", 300*time.Millisecond),
		WatchdogThreshold:       envDurationOr("VB_TURN_WATCHDOG_THRESHOLD", 30*time.Second),
		SoftFinalizeGrace:       envDurationOr("VB_SOFT_FINALIZE_GRACE", 1500*time.Millisecond),
		IdleNudgeAfter:          envDurationOr("VB_IDLE_NUDGE_AFTER", 12*time.Second),
		NudgeInstructions:       envOr("VB_NUDGE_INSTRUCTIONS", "The caller has been silent for a while. Gently check whether they are still there and offer to help."),
		MaxFrameDuration:        envDurationOr("VB_MAX_FRAME_DURATION", 200*time.Millisecond),
		BackpressureThreshold:   envDurationOr("VB_BACKPRESSURE_THRESHOLD", 400*time.Millisecond),
		SilencePadDuration:      envDurationOr("VB_SILENCE_PAD", 300*time.Millisecond),
		EngineSampleRate:        envIntOr("VB_ENGINE_SAMPLE_RATE", 16000),
		ToolDefaultTimeout:      envDurationOr("VB_TOOL_DEFAULT_TIMEOUT", 5*time.Second),
		PromptServiceURL:        strings.TrimSpace(os.Getenv("VB_PROMPT_SERVICE_URL")),
		PromptServiceAPIKey:     strings.TrimSpace(os.Getenv("VB_PROMPT_SERVICE_API_KEY")),
		PromptTimeout:           envDurationOr("VB_PROMPT_TIMEOUT", 3*time.Second),
		PromptRetries:           envIntOr("VB_PROMPT_RETRIES", 2),
		CallLogURL:              strings.TrimSpace(os.Getenv("VB_CALL_LOG_URL")),
		CallLogAPIKey:           strings.TrimSpace(os.Getenv("VB_CALL_LOG_API_KEY")),
		CallLogTimeout:          envDurationOr("VB_CALL_LOG_TIMEOUT", 5*time.Second),
		LogLevel:                envLogLevelOr("VB_LOG_LEVEL", slog.LevelInfo),
		MaxConcurrentCalls:      envIntOr("VB_MAX_CONCURRENT_CALLS", 50),
		ReadHeaderTimeout:       envDurationOr("VB_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:     envDurationOr("VB_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	for _, callee := range splitCSV(os.Getenv("VB_ALLOWED_CALLEES")) {
		cfg.AllowedCallees[callee] = struct{}{}
	}

	if cfg.EngineAPIKey == "" {
		return Config{}, fmt.Errorf("VB_ENGINE_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.EngineURL) == "" {
		return Config{}, fmt.Errorf("VB_ENGINE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.EngineModel) == "" {
		return Config{}, fmt.Errorf("VB_ENGINE_MODEL must not be empty")
	}
	if cfg.EngineDialTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_ENGINE_DIAL_TIMEOUT must be > 0")
	}
	if cfg.EngineDialRetries < 0 {
		return Config{}, fmt.Errorf("VB_ENGINE_DIAL_RETRIES must be >= 0")
	}
	if cfg.EngineKeepAliveInterval <= 0 {
		return Config{}, fmt.Errorf("VB_ENGINE_KEEPALIVE_INTERVAL must be > 0")
	}
	if cfg.EngineWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_ENGINE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.EngineConfigureTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_ENGINE_CONFIGURE_TIMEOUT must be > 0")
	}
	if cfg.EngineTemperature < 0 || cfg.EngineTemperature > 2 {
		return Config{}, fmt.Errorf("VB_ENGINE_TEMPERATURE must be in [0, 2]")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VB_VAD_THRESHOLD must be in [0, 1]")
	}
	if cfg.VADSilenceMS < 0 {
		return Config{}, fmt.Errorf("VB_VAD_SILENCE_MS must be >= 0")
	}
	if cfg.VADPrefixPadMS < 0 {
		return Config{}, fmt.Errorf("VB_VAD_PREFIX_PAD_MS must be >= 0")
	}
	if cfg.TelephonyPingInterval <= 0 {
		return Config{}, fmt.Errorf("VB_TELEPHONY_PING_INTERVAL must be > 0")
	}
	if cfg.TelephonyWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_TELEPHONY_WRITE_TIMEOUT must be > 0")
	}
	if cfg.TelephonyMaxMessageSize <= 0 {
		return Config{}, fmt.Errorf("VB_TELEPHONY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.BargeInDebounce <= 0 {
		return Config{}, fmt.Errorf("VB_BARGE_IN_DEBOUNCE must be > 0")
	}
	if cfg.WatchdogThreshold <= 0 {
		return Config{}, fmt.Errorf("VB_TURN_WATCHDOG_THRESHOLD must be > 0")
	}
	if cfg.SoftFinalizeGrace <= 0 {
		return Config{}, fmt.Errorf("VB_SOFT_FINALIZE_GRACE must be > 0")
	}
	if cfg.IdleNudgeAfter < 0 {
		return Config{}, fmt.Errorf("VB_IDLE_NUDGE_AFTER must be >= 0")
	}
	if cfg.MaxFrameDuration <= 0 {
		return Config{}, fmt.Errorf("VB_MAX_FRAME_DURATION must be > 0")
	}
	if cfg.BackpressureThreshold <= 0 {
		return Config{}, fmt.Errorf("VB_BACKPRESSURE_THRESHOLD must be > 0")
	}
	if cfg.SilencePadDuration < 0 {
		return Config{}, fmt.Errorf("VB_SILENCE_PAD must be >= 0")
	}
	if cfg.EngineSampleRate != 8000 && cfg.EngineSampleRate != 16000 {
		return Config{}, fmt.Errorf("VB_ENGINE_SAMPLE_RATE must be 8000 or 16000")
	}
	if cfg.ToolDefaultTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_TOOL_DEFAULT_TIMEOUT must be > 0")
	}
	if cfg.PromptTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_PROMPT_TIMEOUT must be > 0")
	}
	if cfg.PromptRetries < 0 {
		return Config{}, fmt.Errorf("VB_PROMPT_RETRIES must be >= 0")
	}
	if cfg.CallLogTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_CALL_LOG_TIMEOUT must be > 0")
	}
	if cfg.MaxConcurrentCalls <= 0 {
		return Config{}, fmt.Errorf("VB_MAX_CONCURRENT_CALLS must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VB_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envFloatOr(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envLogLevelOr(key string, def slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return def
	}
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
