package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr() != "0.0.0.0:5003" {
		t.Fatalf("BindAddr() = %q, want 0.0.0.0:5003", cfg.BindAddr())
	}
	if !cfg.AllowAnyOrigin() {
		t.Fatalf("AllowAnyOrigin() = false, want true for default CORS_ORIGINS")
	}
	if len(cfg.DefaultRateLimits) != 2 {
		t.Fatalf("DefaultRateLimits = %v, want 2 windows", cfg.DefaultRateLimits)
	}
	if w := cfg.DefaultRateLimits[1]; w.Limit != 10 || w.Period != time.Minute {
		t.Fatalf("second window = %+v, want 10 per minute", w)
	}
	if api := cfg.APIWindow(); len(api) != 1 || api[0].Limit != 100 {
		t.Fatalf("APIWindow() = %v, want 100 per minute", api)
	}
	if !cfg.SecretKeyGenerated || len(cfg.SecretKey) != 64 {
		t.Fatalf("expected a generated 32-byte secret, got %q", cfg.SecretKey)
	}
	if cfg.SpeechBackend != BackendGoogle || cfg.LogLevel != "INFO" {
		t.Fatalf("unexpected defaults: backend=%q level=%q", cfg.SpeechBackend, cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "8088")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DEFAULT_RATE_LIMITS", `["1000 per day", "5 per second"]`)
	t.Setenv("API_RATE_LIMIT", "0")
	t.Setenv("SECRET_KEY", "s3cret")
	t.Setenv("DEBUG", "true")
	t.Setenv("SPEECH_BACKEND", "MOCK")
	t.Setenv("SESSION_IDLE_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr() != "127.0.0.1:8088" {
		t.Fatalf("BindAddr() = %q", cfg.BindAddr())
	}
	if cfg.AllowAnyOrigin() || strings.Join(cfg.CORSOrigins, "|") != "https://a.example|https://b.example" {
		t.Fatalf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if w := cfg.DefaultRateLimits[1]; w.Limit != 5 || w.Period != time.Second {
		t.Fatalf("second window = %+v, want 5 per second", w)
	}
	if cfg.APIWindow() != nil {
		t.Fatalf("APIWindow() should be nil when API_RATE_LIMIT=0")
	}
	if cfg.SecretKey != "s3cret" || cfg.SecretKeyGenerated {
		t.Fatalf("SecretKey = %q generated=%v", cfg.SecretKey, cfg.SecretKeyGenerated)
	}
	if !cfg.Debug || cfg.SpeechBackend != BackendMock || cfg.SessionIdleTimeout != 90*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                    "99999",
		"DEFAULT_RATE_LIMITS":     "ten per fortnight",
		"SPEECH_BACKEND":          "azure",
		"BACKEND_CALL_TIMEOUT":    "soon",
		"DEBUG":                   "maybe",
		"SESSION_QUEUE_SIZE":      "0",
		"SPEECH_FALLBACK_BACKEND": "google",
	}
	for key, value := range cases {
		setCoreEnvEmpty(t)
		t.Setenv(key, value)
		if _, err := Load(); err == nil {
			t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
		}
	}
}

func TestValidateCredentials(t *testing.T) {
	cfg := Config{SpeechBackend: BackendMock}
	if err := cfg.ValidateCredentials(); err != nil {
		t.Fatalf("mock backend should not need credentials: %v", err)
	}

	cfg.SpeechBackend = BackendGoogle
	if err := cfg.ValidateCredentials(); err == nil {
		t.Fatalf("ValidateCredentials() error = nil for missing path")
	}

	cfg.GoogleCredentials = filepath.Join(t.TempDir(), "missing.json")
	if err := cfg.ValidateCredentials(); err == nil {
		t.Fatalf("ValidateCredentials() error = nil for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("not json"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg.GoogleCredentials = bad
	if err := cfg.ValidateCredentials(); err == nil {
		t.Fatalf("ValidateCredentials() error = nil for malformed file")
	}

	good := filepath.Join(t.TempDir(), "sa.json")
	if err := os.WriteFile(good, []byte(`{"type":"service_account"}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg.GoogleCredentials = good
	if err := cfg.ValidateCredentials(); err != nil {
		t.Fatalf("ValidateCredentials() error = %v", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"HOST",
		"PORT",
		"CORS_ORIGINS",
		"API_RATE_LIMIT",
		"DEFAULT_RATE_LIMITS",
		"GOOGLE_APPLICATION_CREDENTIALS",
		"LOG_LEVEL",
		"SECRET_KEY",
		"DEBUG",
		"SPEECH_BACKEND",
		"SPEECH_FALLBACK_BACKEND",
		"BACKEND_CALL_TIMEOUT",
		"BACKEND_MAX_ATTEMPTS",
		"BACKEND_RETRY_BASE",
		"BACKEND_RETRY_CAP",
		"SESSION_IDLE_TIMEOUT",
		"SESSION_FINALIZE_TIMEOUT",
		"SESSION_QUEUE_SIZE",
		"SHUTDOWN_TIMEOUT",
		"RATE_LIMIT_STORAGE_URI",
		"WS_MAX_FRAMES_PER_SECOND",
		"METRICS_NAMESPACE",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
