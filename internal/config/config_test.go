package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"call-insights-go/internal/logger"
)

var allKeys = []string{
	"PORT", "CALL_DETAILS_URL", "POLL_INTERVAL_MS", "POLL_MAX_ATTEMPTS",
	"VAPI_API_URL", "VAPI_PRIVATE_KEY", "VAPI_ASSISTANT_ID",
	"GEMINI_API_KEY", "GEMINI_MODEL", "ALLOWED_ORIGINS", "HTTP_TIMEOUT_SEC",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != 8080 || cfg.PollInterval != 3*time.Second || cfg.PollMaxAttempts != 20 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.CallDetailsURL != "http://localhost:3000" || cfg.VapiAPIURL != "https://api.vapi.ai" {
		t.Errorf("unexpected urls: %+v", cfg)
	}
	if cfg.GeminiModel != "gemini-2.0-flash" || cfg.GeminiAPIKey != "" {
		t.Errorf("unexpected gemini config: %+v", cfg)
	}
	if cfg.HTTPTimeout != 12*time.Second {
		t.Errorf("HTTPTimeout = %v", cfg.HTTPTimeout)
	}
	if !cfg.OriginAllowed("http://anything.example") {
		t.Error("wildcard origin should allow everything")
	}
}

func TestOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("CALL_DETAILS_URL", "http://backend:4000/")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("POLL_MAX_ATTEMPTS", "5")
	t.Setenv("GEMINI_API_KEY", "key")
	t.Setenv("GEMINI_MODEL", "gemini-2.5-flash")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, http://b.example ,")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != 9090 || cfg.PollInterval != 250*time.Millisecond || cfg.PollMaxAttempts != 5 {
		t.Errorf("numbers not applied: %+v", cfg)
	}
	if cfg.CallDetailsURL != "http://backend:4000" {
		t.Errorf("CallDetailsURL = %q", cfg.CallDetailsURL)
	}
	if cfg.GeminiAPIKey != "key" || cfg.GeminiModel != "gemini-2.5-flash" {
		t.Errorf("gemini = %q %q", cfg.GeminiAPIKey, cfg.GeminiModel)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if !cfg.OriginAllowed("http://b.example") || cfg.OriginAllowed("http://c.example") {
		t.Error("origin allow-list not applied")
	}
}

func TestInvalidNumbers(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"PORT", "eighty", "invalid PORT"},
		{"POLL_INTERVAL_MS", "3s", "invalid POLL_INTERVAL_MS"},
		{"POLL_INTERVAL_MS", "-1", "invalid POLL_INTERVAL_MS"},
		{"POLL_INTERVAL_MS", "0", "invalid POLL_INTERVAL_MS"},
		{"POLL_MAX_ATTEMPTS", "0", "invalid POLL_MAX_ATTEMPTS"},
		{"HTTP_TIMEOUT_SEC", "x", "invalid HTTP_TIMEOUT_SEC"},
	}
	for _, tc := range tests {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := FromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestLoadReadsDotEnvBeforeLogging(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides variables that exist, even empty ones.
	for _, k := range []string{"LOG_LEVEL", "ENVIRONMENT", "POLL_MAX_ATTEMPTS"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	dir := t.TempDir()
	env := "LOG_LEVEL=debug\nENVIRONMENT=production\nPOLL_MAX_ATTEMPTS=4\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollMaxAttempts != 4 {
		t.Errorf("PollMaxAttempts = %d", cfg.PollMaxAttempts)
	}
	log := logger.NewWithOutput(io.Discard)
	if log.Logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug from .env", log.Logger.GetLevel())
	}
	if _, ok := log.Logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter = %T, want JSON for ENVIRONMENT=production", log.Logger.Formatter)
	}
}
