package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

var bridgeEnvKeys = []string{
	"VB_ADDR",
	"VB_ENGINE_URL",
	"VB_ENGINE_API_KEY",
	"VB_ENGINE_MODEL",
	"VB_ENGINE_VOICE",
	"VB_ENGINE_DIAL_TIMEOUT",
	"VB_ENGINE_DIAL_RETRIES",
	"VB_ENGINE_KEEPALIVE_INTERVAL",
	"VB_ENGINE_WRITE_TIMEOUT",
	"VB_ENGINE_CONFIGURE_TIMEOUT",
	"VB_ENGINE_TEMPERATURE",
	"VB_TRANSCRIPTION_MODEL",
	"VB_VAD_THRESHOLD",
	"VB_VAD_SILENCE_MS",
	"VB_VAD_PREFIX_PAD_MS",
	"VB_ENGINE_SAMPLE_RATE",
	"VB_TELEPHONY_PING_INTERVAL",
	"VB_TELEPHONY_WRITE_TIMEOUT",
	"VB_TELEPHONY_MAX_MESSAGE_BYTES",
	"VB_ALLOWED_CALLEES",
	"VB_BARGE_IN_DEBOUNCE",
	"VB_TURN_WATCHDOG_THRESHOLD",
	"VB_SOFT_FINALIZE_GRACE",
	"VB_IDLE_NUDGE_AFTER",
	"VB_NUDGE_INSTRUCTIONS",
	"VB_MAX_FRAME_DURATION",
	"VB_BACKPRESSURE_THRESHOLD",
	"VB_SILENCE_PAD",
	"VB_TOOL_DEFAULT_TIMEOUT",
	"VB_PROMPT_SERVICE_URL",
	"VB_PROMPT_SERVICE_API_KEY",
	"VB_PROMPT_TIMEOUT",
	"VB_PROMPT_RETRIES",
	"VB_CALL_LOG_URL",
	"VB_CALL_LOG_API_KEY",
	"VB_CALL_LOG_TIMEOUT",
	"VB_LOG_LEVEL",
	"VB_MAX_CONCURRENT_CALLS",
	"VB_READ_HEADER_TIMEOUT",
	"VB_SHUTDOWN_GRACE_PERIOD",
}

func clearBridgeEnv(t *testing.T) {
	t.Helper()
	for _, key := range bridgeEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("VB_ENGINE_API_KEY", "sk-test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.EngineModel != "gpt-4o-realtime-preview" {
		t.Fatalf("EngineModel = %q", cfg.EngineModel)
	}
	if cfg.BargeInDebounce != 300*time.Millisecond {
		t.Fatalf("BargeInDebounce = %v, want 300ms", cfg.BargeInDebounce)
	}
	if cfg.WatchdogThreshold != 30*time.Second {
		t.Fatalf("WatchdogThreshold = %v, want 30s", cfg.WatchdogThreshold)
	}
	if cfg.SoftFinalizeGrace != 1500*time.Millisecond {
		t.Fatalf("SoftFinalizeGrace = %v, want 1.5s", cfg.SoftFinalizeGrace)
	}
	if cfg.MaxFrameDuration != 200*time.Millisecond {
		t.Fatalf("MaxFrameDuration = %v, want 200ms", cfg.MaxFrameDuration)
	}
	if cfg.BackpressureThreshold != 400*time.Millisecond {
		t.Fatalf("BackpressureThreshold = %v, want 400ms", cfg.BackpressureThreshold)
	}
	if cfg.EngineSampleRate != 16000 {
		t.Fatalf("EngineSampleRate = %d, want 16000", cfg.EngineSampleRate)
	}
	if cfg.ToolDefaultTimeout != 5*time.Second {
		t.Fatalf("ToolDefaultTimeout = %v, want 5s", cfg.ToolDefaultTimeout)
	}
	if len(cfg.AllowedCallees) != 0 {
		t.Fatalf("AllowedCallees = %v, want empty", cfg.AllowedCallees)
	}
	if cfg.EngineTemperature != 0.8 {
		t.Fatalf("EngineTemperature = %v, want 0.8", cfg.EngineTemperature)
	}
	if cfg.TranscriptionModel != "whisper-1" {
		t.Fatalf("TranscriptionModel = %q, want whisper-1", cfg.TranscriptionModel)
	}
	if cfg.VADThreshold != 0.5 {
		t.Fatalf("VADThreshold = %v, want 0.5", cfg.VADThreshold)
	}
	if cfg.VADSilenceMS != 500 {
		t.Fatalf("VADSilenceMS = %d, want 500", cfg.VADSilenceMS)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v, want info", cfg.LogLevel)
	}
}

func TestLoadFromEnv_LogLevelParsing(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("VB_ENGINE_API_KEY", "sk-test")
	t.Setenv("VB_LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestLoadFromEnv_RejectsBadTemperature(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("VB_ENGINE_API_KEY", "sk-test")
	t.Setenv("VB_ENGINE_TEMPERATURE", "3.5")

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "VB_ENGINE_TEMPERATURE") {
		t.Fatalf("error = %v, want mention of VB_ENGINE_TEMPERATURE", err)
	}
}

func TestLoadFromEnv_RequiresEngineAPIKey(t *testing.T) {
	clearBridgeEnv(t)

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("expected error when VB_ENGINE_API_KEY is unset")
	}
	if !strings.Contains(err.Error(), "VB_ENGINE_API_KEY") {
		t.Fatalf("error = %v", err)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("VB_ENGINE_API_KEY", "sk-test")
	t.Setenv("VB_BARGE_IN_DEBOUNCE", "250ms")
	t.Setenv("VB_MAX_FRAME_DURATION", "100ms")
	t.Setenv("VB_BACKPRESSURE_THRESHOLD", "600ms")
	t.Setenv("VB_SILENCE_PAD", "150ms")
	t.Setenv("VB_ENGINE_SAMPLE_RATE", "8000")
	t.Setenv("VB_ALLOWED_CALLEES", "+15550001111, +15550002222")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.BargeInDebounce != 250*time.Millisecond {
		t.Fatalf("BargeInDebounce = %v, want 250ms", cfg.BargeInDebounce)
	}
	if cfg.MaxFrameDuration != 100*time.Millisecond {
		t.Fatalf("MaxFrameDuration = %v, want 100ms", cfg.MaxFrameDuration)
	}
	if cfg.BackpressureThreshold != 600*time.Millisecond {
		t.Fatalf("BackpressureThreshold = %v, want 600ms", cfg.BackpressureThreshold)
	}
	if cfg.SilencePadDuration != 150*time.Millisecond {
		t.Fatalf("SilencePadDuration = %v, want 150ms", cfg.SilencePadDuration)
	}
	if cfg.EngineSampleRate != 8000 {
		t.Fatalf("EngineSampleRate = %d, want 8000", cfg.EngineSampleRate)
	}
	if len(cfg.AllowedCallees) != 2 {
		t.Fatalf("AllowedCallees = %v", cfg.AllowedCallees)
	}
	if _, ok := cfg.AllowedCallees["+15550002222"]; !ok {
		t.Fatal("missing trimmed callee")
	}
}

func TestLoadFromEnv_RejectsBadSampleRate(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("VB_ENGINE_API_KEY", "sk-test")
	t.Setenv("VB_ENGINE_SAMPLE_RATE", "44100")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for unsupported sample rate")
	}
}
