package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/antoniostano/speechgw/internal/ratelimit"
)

const Version = "0.1.0"

const (
	BackendGoogle = "google"
	BackendMock   = "mock"
)

// Config contains all runtime settings for the speech gateway.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	Debug           bool
	LogLevel        string

	CORSOrigins []string

	// SecretKey keys the HMAC that turns client addresses into limiter keys.
	SecretKey          string
	SecretKeyGenerated bool

	APIRateLimit        int
	DefaultRateLimits   []ratelimit.Window
	RateLimitStorageURI string

	SpeechBackend      string
	FallbackBackend    string
	GoogleCredentials  string
	BackendCallTimeout time.Duration
	BackendMaxAttempts int
	BackendRetryBase   time.Duration
	BackendRetryCap    time.Duration

	SessionIdleTimeout     time.Duration
	SessionFinalizeTimeout time.Duration
	SessionQueueSize       int

	WSMaxFramesPerSecond int

	MetricsNamespace string
	OTLPEndpoint     string
}

// BindAddr is the listen address.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AllowAnyOrigin reports whether CORS_ORIGINS is the wildcard.
func (c Config) AllowAnyOrigin() bool {
	for _, o := range c.CORSOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// APIWindow is the per-client HTTP limit, or nil when disabled.
func (c Config) APIWindow() []ratelimit.Window {
	if c.APIRateLimit <= 0 {
		return nil
	}
	return []ratelimit.Window{{Limit: int64(c.APIRateLimit), Period: time.Minute}}
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		Host:                   envOrDefault("HOST", "0.0.0.0"),
		Port:                   5003,
		ShutdownTimeout:        15 * time.Second,
		LogLevel:               strings.ToUpper(envOrDefault("LOG_LEVEL", "INFO")),
		CORSOrigins:            splitList(envOrDefault("CORS_ORIGINS", "*")),
		SecretKey:              strings.TrimSpace(os.Getenv("SECRET_KEY")),
		APIRateLimit:           100,
		RateLimitStorageURI:    envOrDefault("RATE_LIMIT_STORAGE_URI", "memory://"),
		SpeechBackend:          strings.ToLower(envOrDefault("SPEECH_BACKEND", BackendGoogle)),
		FallbackBackend:        strings.ToLower(strings.TrimSpace(os.Getenv("SPEECH_FALLBACK_BACKEND"))),
		GoogleCredentials:      strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		BackendCallTimeout:     10 * time.Second,
		BackendMaxAttempts:     3,
		BackendRetryBase:       200 * time.Millisecond,
		BackendRetryCap:        2 * time.Second,
		SessionIdleTimeout:     time.Minute,
		SessionFinalizeTimeout: 15 * time.Second,
		SessionQueueSize:       64,
		WSMaxFramesPerSecond:   50,
		MetricsNamespace:       envOrDefault("METRICS_NAMESPACE", "speechgw"),
		OTLPEndpoint:           strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
	}

	var err error
	if cfg.Port, err = intFromEnv("PORT", cfg.Port); err != nil {
		return Config{}, err
	}
	if cfg.Debug, err = boolFromEnv("DEBUG", cfg.Debug); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.APIRateLimit, err = intFromEnv("API_RATE_LIMIT", cfg.APIRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.BackendCallTimeout, err = durationFromEnv("BACKEND_CALL_TIMEOUT", cfg.BackendCallTimeout); err != nil {
		return Config{}, err
	}
	if cfg.BackendMaxAttempts, err = intFromEnv("BACKEND_MAX_ATTEMPTS", cfg.BackendMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.BackendRetryBase, err = durationFromEnv("BACKEND_RETRY_BASE", cfg.BackendRetryBase); err != nil {
		return Config{}, err
	}
	if cfg.BackendRetryCap, err = durationFromEnv("BACKEND_RETRY_CAP", cfg.BackendRetryCap); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = durationFromEnv("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionFinalizeTimeout, err = durationFromEnv("SESSION_FINALIZE_TIMEOUT", cfg.SessionFinalizeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionQueueSize, err = intFromEnv("SESSION_QUEUE_SIZE", cfg.SessionQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.WSMaxFramesPerSecond, err = intFromEnv("WS_MAX_FRAMES_PER_SECOND", cfg.WSMaxFramesPerSecond); err != nil {
		return Config{}, err
	}

	specs, err := rateLimitSpecs(envOrDefault("DEFAULT_RATE_LIMITS", "100 per day;10 per minute"))
	if err != nil {
		return Config{}, err
	}
	if cfg.DefaultRateLimits, err = ratelimit.ParseWindows(specs); err != nil {
		return Config{}, fmt.Errorf("DEFAULT_RATE_LIMITS: %w", err)
	}

	if cfg.SecretKey == "" {
		cfg.SecretKey, cfg.SecretKeyGenerated = randomKey(), true
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("PORT must be within 1..65535")
	}
	if cfg.APIRateLimit < 0 {
		return Config{}, fmt.Errorf("API_RATE_LIMIT must be >= 0")
	}
	if cfg.SpeechBackend != BackendGoogle && cfg.SpeechBackend != BackendMock {
		return Config{}, fmt.Errorf("SPEECH_BACKEND must be %q or %q", BackendGoogle, BackendMock)
	}
	if cfg.FallbackBackend != "" && (cfg.FallbackBackend != BackendMock || cfg.SpeechBackend != BackendGoogle) {
		return Config{}, fmt.Errorf("SPEECH_FALLBACK_BACKEND may only be %q behind SPEECH_BACKEND=%q", BackendMock, BackendGoogle)
	}
	if cfg.BackendCallTimeout <= 0 {
		return Config{}, fmt.Errorf("BACKEND_CALL_TIMEOUT must be positive")
	}
	if cfg.BackendMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("BACKEND_MAX_ATTEMPTS must be positive")
	}
	if cfg.BackendRetryCap < cfg.BackendRetryBase {
		return Config{}, fmt.Errorf("BACKEND_RETRY_CAP must be >= BACKEND_RETRY_BASE")
	}
	if cfg.SessionIdleTimeout < time.Second {
		return Config{}, fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 1s")
	}
	if cfg.SessionFinalizeTimeout <= 0 {
		return Config{}, fmt.Errorf("SESSION_FINALIZE_TIMEOUT must be positive")
	}
	if cfg.SessionQueueSize <= 0 {
		return Config{}, fmt.Errorf("SESSION_QUEUE_SIZE must be positive")
	}
	if cfg.WSMaxFramesPerSecond <= 0 {
		return Config{}, fmt.Errorf("WS_MAX_FRAMES_PER_SECOND must be positive")
	}

	return cfg, nil
}

// ValidateCredentials fails when the Google backend is selected and the
// service-account file is missing or unreadable.
func (c Config) ValidateCredentials() error {
	if c.SpeechBackend != BackendGoogle {
		return nil
	}
	if c.GoogleCredentials == "" {
		return errors.New("GOOGLE_APPLICATION_CREDENTIALS is required when SPEECH_BACKEND=google")
	}
	raw, err := os.ReadFile(c.GoogleCredentials)
	if err != nil {
		return fmt.Errorf("GOOGLE_APPLICATION_CREDENTIALS: %w", err)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("GOOGLE_APPLICATION_CREDENTIALS: %s is not a JSON credential file", c.GoogleCredentials)
	}
	return nil
}

// rateLimitSpecs accepts a JSON array (`["100 per day", "10 per minute"]`)
// or a `;`/`,` separated list.
func rateLimitSpecs(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "[") {
		var specs []string
		if err := json.Unmarshal([]byte(v), &specs); err != nil {
			return nil, fmt.Errorf("DEFAULT_RATE_LIMITS parse error: %w", err)
		}
		return specs, nil
	}
	return []string{v}, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func randomKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
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
