// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full gateway configuration. Zero values are filled with
// defaults by LoadFromEnv; validation rejects combinations that cannot serve
// traffic.
type Config struct {
	Addr string

	// PublicURL is the externally reachable base URL carriers sign requests
	// against. Signature verification uses it to reconstruct the exact URL
	// the carrier saw.
	PublicURL string

	// APIKeys guard the /v1 session API. Empty disables auth; webhook and
	// media endpoints are always authenticated by carrier signatures instead.
	APIKeys map[string]struct{}

	// Carrier credentials.
	TwilioAccountSID   string
	TwilioAuthToken    string
	TelnyxAPIKey       string
	TelnyxPublicKey    string
	TelnyxConnectionID string

	// StrictSignatures rejects webhooks with no signature at all. Disable
	// only in local development behind a tunnel.
	StrictSignatures bool

	// Provider credentials.
	OpenAIAPIKey     string
	OpenAIModel      string
	DeepgramAPIKey   string
	ElevenLabsAPIKey string
	ElevenLabsVoice  string

	SystemPrompt   string
	OpenAIPriority int
	StagedPriority int

	// Session persistence. Both optional; the registry degrades to
	// memory-only when neither is reachable.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	// Failover tuning.
	FailureThreshold int
	CooldownWindow   time.Duration

	TeardownTimeout time.Duration

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	MetricsNamespace string
}

// LoadFromEnv reads VB_* variables, applying defaults for anything unset.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VB_ADDR", ":8080"),
		PublicURL:           envOr("VB_PUBLIC_URL", "http://localhost:8080"),
		APIKeys:             make(map[string]struct{}),
		TwilioAccountSID:    os.Getenv("VB_TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     os.Getenv("VB_TWILIO_AUTH_TOKEN"),
		TelnyxAPIKey:        os.Getenv("VB_TELNYX_API_KEY"),
		TelnyxPublicKey:     os.Getenv("VB_TELNYX_PUBLIC_KEY"),
		TelnyxConnectionID:  os.Getenv("VB_TELNYX_CONNECTION_ID"),
		StrictSignatures:    envBoolOr("VB_STRICT_SIGNATURES", true),
		OpenAIAPIKey:        os.Getenv("VB_OPENAI_API_KEY"),
		OpenAIModel:         os.Getenv("VB_OPENAI_MODEL"),
		DeepgramAPIKey:      os.Getenv("VB_DEEPGRAM_API_KEY"),
		ElevenLabsAPIKey:    os.Getenv("VB_ELEVENLABS_API_KEY"),
		ElevenLabsVoice:     os.Getenv("VB_ELEVENLABS_VOICE"),
		SystemPrompt:        envOr("VB_SYSTEM_PROMPT", "You are a helpful voice assistant on a phone call. Keep answers short."),
		OpenAIPriority:      envIntOr("VB_OPENAI_PRIORITY", 1),
		StagedPriority:      envIntOr("VB_STAGED_PRIORITY", 2),
		RedisAddr:           os.Getenv("VB_REDIS_ADDR"),
		RedisPassword:       os.Getenv("VB_REDIS_PASSWORD"),
		RedisDB:             envIntOr("VB_REDIS_DB", 0),
		PostgresDSN:         os.Getenv("VB_POSTGRES_DSN"),
		FailureThreshold:    envIntOr("VB_FAILURE_THRESHOLD", 3),
		CooldownWindow:      envDurationOr("VB_COOLDOWN_WINDOW", time.Minute),
		TeardownTimeout:     envDurationOr("VB_TEARDOWN_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:   envDurationOr("VB_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VB_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsNamespace:    envOr("VB_METRICS_NAMESPACE", "voicebridge"),
	}

	for _, key := range splitCSV(os.Getenv("VB_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("VB_ADDR must not be empty")
	}
	if !strings.HasPrefix(cfg.PublicURL, "http://") && !strings.HasPrefix(cfg.PublicURL, "https://") {
		return Config{}, fmt.Errorf("VB_PUBLIC_URL must be an absolute http(s) URL")
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.FailureThreshold <= 0 {
		return Config{}, fmt.Errorf("VB_FAILURE_THRESHOLD must be > 0")
	}
	if cfg.CooldownWindow <= 0 {
		return Config{}, fmt.Errorf("VB_COOLDOWN_WINDOW must be > 0")
	}
	if cfg.TeardownTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_TEARDOWN_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VB_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.TwilioEnabled() && cfg.TwilioAuthToken == "" {
		return Config{}, fmt.Errorf("VB_TWILIO_AUTH_TOKEN must be set when VB_TWILIO_ACCOUNT_SID is")
	}
	return cfg, nil
}

// TwilioEnabled reports whether Twilio credentials are present.
func (c Config) TwilioEnabled() bool { return c.TwilioAccountSID != "" }

// TelnyxEnabled reports whether Telnyx credentials are present.
func (c Config) TelnyxEnabled() bool { return c.TelnyxAPIKey != "" }

// MediaURL is the WebSocket URL carriers stream call audio to.
func (c Config) MediaURL(carrier string) string {
	ws := strings.Replace(c.PublicURL, "http", "ws", 1)
	return ws + "/media/" + carrier
}

// WebhookURL is the status-callback URL for a carrier.
func (c Config) WebhookURL(carrier string) string {
	return c.PublicURL + "/webhooks/" + carrier
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
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

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
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
