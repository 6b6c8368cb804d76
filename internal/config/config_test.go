package config

import (
	"log/slog"
	"testing"
	"time"
)

// --- LoadConfig ---

func TestLoadConfig(t *testing.T) {
	// Helper sets the minimum required env vars for a valid config
	setRequired := func(t *testing.T) {
		t.Helper()
		t.Setenv("DATABASE_URL", "postgres://localhost/agegate")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
		t.Setenv("PUBLIC_BASE_URL", "https://verify.example.com/")
		t.Setenv("IDP_CLIENT_ID", "client-123")
		t.Setenv("IDP_AUTH_URL", "https://idp.example.gov/oauth2/authorize")
		t.Setenv("IDP_TOKEN_URL", "https://idp.example.gov/oauth2/token")
		t.Setenv("TOKEN_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	}

	t.Run("returns valid config with all required vars", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/agegate" {
			t.Errorf("DatabaseURL: expected %q, got %q", "postgres://localhost/agegate", cfg.DatabaseURL)
		}
		if cfg.RedisURL != "redis://localhost:6379" {
			t.Errorf("RedisURL: expected %q, got %q", "redis://localhost:6379", cfg.RedisURL)
		}
	})

	t.Run("trims trailing slash from PUBLIC_BASE_URL", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.CallbackURL() != "https://verify.example.com/v1/age-verification/callback" {
			t.Errorf("CallbackURL: got %q", cfg.CallbackURL())
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		setRequired(t)
		t.Setenv("PORT", "")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Port != "7865" {
			t.Errorf("Port: expected %q, got %q", "7865", cfg.Port)
		}
		if cfg.LogLevel != slog.LevelInfo {
			t.Errorf("LogLevel: expected info, got %v", cfg.LogLevel)
		}
		if cfg.FlowStateTTL != 10*time.Minute {
			t.Errorf("FlowStateTTL: expected 10m, got %v", cfg.FlowStateTTL)
		}
		if len(cfg.IDPScopes) != 1 || cfg.IDPScopes[0] != "openid" {
			t.Errorf("IDPScopes: expected [openid], got %v", cfg.IDPScopes)
		}
		if !cfg.RequireCompletionToken {
			t.Error("RequireCompletionToken should default to true")
		}
		if cfg.RateStatusMax != 60 || cfg.RateStatusWindow != time.Minute || cfg.RateStatusLockout != 5*time.Minute {
			t.Errorf("status rate limit defaults: got max=%d window=%v lockout=%v", cfg.RateStatusMax, cfg.RateStatusWindow, cfg.RateStatusLockout)
		}
		if cfg.AccountAgeThreshold != 18 || cfg.AccountValidityDays != 365 {
			t.Errorf("account defaults: got threshold=%d validity=%d", cfg.AccountAgeThreshold, cfg.AccountValidityDays)
		}
	})

	t.Run("parses log level and scopes", func(t *testing.T) {
		setRequired(t)
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("IDP_SCOPES", "openid birthdate")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.LogLevel != slog.LevelDebug {
			t.Errorf("LogLevel: expected debug, got %v", cfg.LogLevel)
		}
		if len(cfg.IDPScopes) != 2 || cfg.IDPScopes[1] != "birthdate" {
			t.Errorf("IDPScopes: got %v", cfg.IDPScopes)
		}
	})

	t.Run("errors when DATABASE_URL is missing", func(t *testing.T) {
		setRequired(t)
		t.Setenv("DATABASE_URL", "")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for missing DATABASE_URL, got nil")
		}
	})

	t.Run("errors when REDIS_URL is missing", func(t *testing.T) {
		setRequired(t)
		t.Setenv("REDIS_URL", "")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for missing REDIS_URL, got nil")
		}
	})

	t.Run("rejects plain http public URL outside localhost", func(t *testing.T) {
		setRequired(t)
		t.Setenv("PUBLIC_BASE_URL", "http://verify.example.com")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for http PUBLIC_BASE_URL, got nil")
		}
	})

	t.Run("allows http on localhost", func(t *testing.T) {
		setRequired(t)
		t.Setenv("PUBLIC_BASE_URL", "http://localhost:7865")

		if _, err := LoadConfig(); err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
	})

	t.Run("rejects short signing key", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TOKEN_SIGNING_KEY", "too-short")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for short TOKEN_SIGNING_KEY, got nil")
		}
	})

	t.Run("rejects zero rate limit window", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RATE_COMPLETE_WINDOW", "0s")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for zero RATE_COMPLETE_WINDOW, got nil")
		}
	})

	t.Run("rejects unparseable duration", func(t *testing.T) {
		setRequired(t)
		t.Setenv("FLOW_STATE_TTL", "ten minutes")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for bad FLOW_STATE_TTL, got nil")
		}
	})
}
