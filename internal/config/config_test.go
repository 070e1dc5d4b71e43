package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr %q", cfg.HTTPAddr)
	}
	if cfg.OTPResendCooldown != 30*time.Second {
		t.Fatalf("unexpected cooldown %v", cfg.OTPResendCooldown)
	}
	if cfg.MaxAuthAttempts != 5 {
		t.Fatalf("unexpected attempt limit %d", cfg.MaxAuthAttempts)
	}
	if cfg.MailEnabled() {
		t.Fatalf("mail should be disabled without SMTP host")
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("PORTAL_HTTP_ADDR", ":9999")
	t.Setenv("PORTAL_OTP_RESEND_COOLDOWN", "45s")
	t.Setenv("PORTAL_SMTP_HOST", "smtp.example.com")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTPAddr != ":9999" || cfg.OTPResendCooldown != 45*time.Second || !cfg.MailEnabled() {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Setenv("PORTAL_RATE_BURST", "0")
	if _, err := Parse(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadReadsDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("PORTAL_LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("PORTAL_LOG_LEVEL") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected dotenv value, got %q", cfg.LogLevel)
	}
}

func TestLoadIgnoresMissingDotenv(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing dotenv should be ignored: %v", err)
	}
}
