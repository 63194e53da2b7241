package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration
type Config struct {
	Port            int
	CallDetailsURL  string
	PollInterval    time.Duration
	PollMaxAttempts int
	VapiAPIURL      string
	VapiPrivateKey  string
	VapiAssistantID string
	GeminiAPIKey    string // empty disables /api/query
	GeminiModel     string
	AllowedOrigins  []string
	HTTPTimeout     time.Duration
}

// Load reads a .env file when present, then environment variables on top of
// the defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the config from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:            8080,
		CallDetailsURL:  "http://localhost:3000",
		PollInterval:    3000 * time.Millisecond,
		PollMaxAttempts: 20,
		VapiAPIURL:      "https://api.vapi.ai",
		GeminiModel:     "gemini-2.0-flash",
		AllowedOrigins:  []string{"*"},
		HTTPTimeout:     12 * time.Second,
	}

	var err error
	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if cfg.PollMaxAttempts, err = intEnv("POLL_MAX_ATTEMPTS", cfg.PollMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.PollMaxAttempts < 1 {
		return nil, fmt.Errorf("invalid POLL_MAX_ATTEMPTS: must be at least 1")
	}

	ms, err := intEnv("POLL_INTERVAL_MS", int(cfg.PollInterval/time.Millisecond))
	if err != nil {
		return nil, err
	}
	if ms < 1 {
		return nil, fmt.Errorf("invalid POLL_INTERVAL_MS: must be at least 1")
	}
	cfg.PollInterval = time.Duration(ms) * time.Millisecond

	sec, err := intEnv("HTTP_TIMEOUT_SEC", int(cfg.HTTPTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.HTTPTimeout = time.Duration(sec) * time.Second

	if v := os.Getenv("CALL_DETAILS_URL"); v != "" {
		cfg.CallDetailsURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("VAPI_API_URL"); v != "" {
		cfg.VapiAPIURL = strings.TrimRight(v, "/")
	}
	cfg.VapiPrivateKey = os.Getenv("VAPI_PRIVATE_KEY")
	cfg.VapiAssistantID = os.Getenv("VAPI_ASSISTANT_ID")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		cfg.GeminiModel = v
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	return cfg, nil
}

// OriginAllowed reports whether a browser origin may open the WebSocket.
func (c *Config) OriginAllowed(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
