package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabaseDriver != "sqlite" || cfg.DatabaseDSN != "docrelay.db" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("expected wildcard origin, got %v", cfg.AllowedOrigins)
	}
	if cfg.Relay.MaxFrameBytes != 16<<20 || cfg.Relay.SendQueueFrames != 256 || cfg.Relay.IdleTimeout != time.Minute {
		t.Fatalf("unexpected relay defaults: %+v", cfg.Relay)
	}
	if cfg.Persistence.Debounce != 2*time.Second || cfg.Persistence.MaxDelay != 15*time.Second || cfg.Persistence.GCRetention != 720*time.Hour {
		t.Fatalf("unexpected persistence defaults: %+v", cfg.Persistence)
	}
	if cfg.RedisURL != "" || cfg.RedisChannel != defaultRedisTopic {
		t.Fatalf("expected redis to be disabled by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DOCRELAY_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("DOCRELAY_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DOCRELAY_PERSISTENCE_DEBOUNCE", "500ms")
	t.Setenv("DOCRELAY_DATABASE_DRIVER", "postgres")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SigningSecret != "env-secret" || cfg.DatabaseDriver != "postgres" {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
	if cfg.Persistence.Debounce != 500*time.Millisecond {
		t.Fatalf("expected debounce override, got %v", cfg.Persistence.Debounce)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example|https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name     string
		override map[string]any
		field    string
	}{
		{name: "missing secret", override: map[string]any{}, field: "SigningSecret"},
		{name: "unknown driver", override: map[string]any{"auth.signing_secret": "s", "database.driver": "mysql"}, field: "DatabaseDriver"},
		{name: "max delay below debounce", override: map[string]any{"auth.signing_secret": "s", "persistence.max_delay": "1s"}, field: "MaxDelay"},
		{name: "idle below keepalive", override: map[string]any{"auth.signing_secret": "s", "relay.idle_timeout": "10s"}, field: "IdleTimeout"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(subTest *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.override {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.field) {
				subTest.Fatalf("expected a validation error on %s, got %v", testCase.field, err)
			}
		})
	}
}

func TestLoadDotEnvKeepsExistingVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "DOCRELAY_LOG_LEVEL=debug\nDOCRELAY_META_TEST=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("DOCRELAY_LOG_LEVEL", "warn")
	t.Setenv("DOCRELAY_META_TEST", "")
	os.Unsetenv("DOCRELAY_META_TEST")

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("load dotenv failed: %v", err)
	}
	if os.Getenv("DOCRELAY_LOG_LEVEL") != "warn" {
		t.Fatalf("expected the process environment to win")
	}
	if os.Getenv("DOCRELAY_META_TEST") != "from-file" {
		t.Fatalf("expected the file value to be exported")
	}
}
