package config

import (
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Policy.AfterHours != "restricted" {
		t.Errorf("AfterHours = %q, want restricted", cfg.Policy.AfterHours)
	}
	if cfg.Policy.RateLimitSeconds != 20 {
		t.Errorf("RateLimitSeconds = %d, want 20", cfg.Policy.RateLimitSeconds)
	}
	if cfg.RateLimit() != 20*time.Second {
		t.Errorf("RateLimit = %v, want 20s", cfg.RateLimit())
	}
	if cfg.Policy.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want UTC", cfg.Policy.Timezone)
	}
}

func TestParse_Full(t *testing.T) {
	data := `
database:
  driver: mysql
  host: db.internal
  name: relay
provider:
  base_url: https://gateway.example.com
  token: tok-123
policy:
  rate_limit_seconds: 45
  timezone: America/Chicago
  after_hours: always
  skip_patterns:
    - "unsubscribe"
    - "/^stop$/"
  banned_terms:
    cheapest: affordable
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Database.Driver != "mysql" {
		t.Errorf("Driver = %q, want mysql", cfg.Database.Driver)
	}
	if cfg.Policy.Timezone != "America/Chicago" {
		t.Errorf("Timezone = %q", cfg.Policy.Timezone)
	}
	if len(cfg.Policy.SkipPatterns) != 2 {
		t.Errorf("SkipPatterns = %v", cfg.Policy.SkipPatterns)
	}
	if cfg.Policy.BannedTerms["cheapest"] != "affordable" {
		t.Errorf("BannedTerms = %v", cfg.Policy.BannedTerms)
	}
	if cfg.RateLimit() != 45*time.Second {
		t.Errorf("RateLimit = %v, want 45s", cfg.RateLimit())
	}
}

func TestParse_InvalidDriver(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: postgres\n"))
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if !strings.Contains(err.Error(), "unknown database driver") {
		t.Errorf("error = %v", err)
	}
}

func TestParse_InvalidAfterHours(t *testing.T) {
	_, err := Parse([]byte("policy:\n  after_hours: sometimes\n"))
	if err == nil {
		t.Fatal("expected error for invalid after_hours")
	}
}

func TestParse_InvalidTimezone(t *testing.T) {
	_, err := Parse([]byte("policy:\n  timezone: Mars/Olympus\n"))
	if err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestParse_InvalidBusinessHours(t *testing.T) {
	_, err := Parse([]byte("policy:\n  business_hours_start: 9am\n"))
	if err == nil {
		t.Fatal("expected error for invalid business hours")
	}
}

func TestParse_SlackChannelRequired(t *testing.T) {
	_, err := Parse([]byte("slack:\n  bot_token: xoxb-1\n"))
	if err == nil {
		t.Fatal("expected error when channel_id missing")
	}
	if !strings.Contains(err.Error(), "channel_id") {
		t.Errorf("error = %v", err)
	}
}
