// Package config provides YAML-based configuration loading for Leadrelay.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Leadrelay configuration, loaded from config.yaml.
// Secrets (tokens) may be overridden from the environment.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Generator GeneratorConfig `yaml:"generator"`
	Slack     SlackConfig     `yaml:"slack"`
	Policy    PolicyConfig    `yaml:"policy"`
}

// DatabaseConfig selects the storage backend. Driver is "sqlite" or "mysql".
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // sqlite
	Host     string `yaml:"host"` // mysql
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// ServerConfig holds webhook server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// ProviderConfig holds the messaging-gateway connection settings.
type ProviderConfig struct {
	Name           string  `yaml:"name"`
	BaseURL        string  `yaml:"base_url"`
	Token          string  `yaml:"token"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
}

// GeneratorConfig holds the AI generation and retrieval-guard endpoints.
// Both are optional; without a generator the engine replies with fallbacks.
type GeneratorConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SlackConfig enables escalation notifications. Optional.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// PolicyConfig holds tenant-level auto-reply policy.
type PolicyConfig struct {
	RateLimitSeconds      int               `yaml:"rate_limit_seconds"`
	SkipPatterns          []string          `yaml:"skip_patterns"`
	EscalatePatterns      []string          `yaml:"escalate_patterns"`
	BannedTerms           map[string]string `yaml:"banned_terms"` // term -> replacement
	BlockedPhrases        []string          `yaml:"blocked_phrases"`
	QuestionWindowMinutes int               `yaml:"question_window_minutes"`
	BusinessHoursStart    string            `yaml:"business_hours_start"` // "15:04"
	BusinessHoursEnd      string            `yaml:"business_hours_end"`
	Timezone              string            `yaml:"timezone"` // tenant default, IANA name
	AfterHours            string            `yaml:"after_hours"` // restricted | always
	EscalationAck         bool              `yaml:"escalation_ack"`
	EscalationAckText     string            `yaml:"escalation_ack_text"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "leadrelay.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" {
		c.Database.Name = "leadrelay"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "whatsapp"
	}
	if c.Provider.TimeoutSeconds == 0 {
		c.Provider.TimeoutSeconds = 15
	}
	if c.Provider.RatePerSecond == 0 {
		c.Provider.RatePerSecond = 5
	}
	if c.Generator.TimeoutSeconds == 0 {
		c.Generator.TimeoutSeconds = 30
	}
	if c.Policy.RateLimitSeconds == 0 {
		c.Policy.RateLimitSeconds = 20
	}
	if c.Policy.QuestionWindowMinutes == 0 {
		c.Policy.QuestionWindowMinutes = 30
	}
	if c.Policy.BusinessHoursStart == "" {
		c.Policy.BusinessHoursStart = "09:00"
	}
	if c.Policy.BusinessHoursEnd == "" {
		c.Policy.BusinessHoursEnd = "20:00"
	}
	if c.Policy.Timezone == "" {
		c.Policy.Timezone = "UTC"
	}
	if c.Policy.AfterHours == "" {
		c.Policy.AfterHours = "restricted"
	}
	if c.Policy.EscalationAckText == "" {
		c.Policy.EscalationAckText = "Thanks for reaching out — a member of our team will get back to you shortly."
	}
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("LEADRELAY_PROVIDER_TOKEN"); v != "" {
		c.Provider.Token = v
	}
	if v := os.Getenv("LEADRELAY_GENERATOR_TOKEN"); v != "" {
		c.Generator.Token = v
	}
	if v := os.Getenv("LEADRELAY_SLACK_BOT_TOKEN"); v != "" {
		c.Slack.BotToken = v
	}
	if v := os.Getenv("LEADRELAY_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}
	switch c.Policy.AfterHours {
	case "restricted", "always":
	default:
		errs = append(errs, fmt.Sprintf("after_hours must be restricted or always, got %q", c.Policy.AfterHours))
	}
	if _, err := time.LoadLocation(c.Policy.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("invalid timezone %q", c.Policy.Timezone))
	}
	for _, hhmm := range []string{c.Policy.BusinessHoursStart, c.Policy.BusinessHoursEnd} {
		if _, err := time.Parse("15:04", hhmm); err != nil {
			errs = append(errs, fmt.Sprintf("invalid business hours time %q", hhmm))
		}
	}
	if c.Slack.BotToken != "" && c.Slack.ChannelID == "" {
		errs = append(errs, "slack channel_id is required when bot_token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RateLimit returns the minimum interval between auto-replies on one lead.
func (c *Config) RateLimit() time.Duration {
	return time.Duration(c.Policy.RateLimitSeconds) * time.Second
}

// QuestionWindow returns the trailing window for duplicate-question
// suppression.
func (c *Config) QuestionWindow() time.Duration {
	return time.Duration(c.Policy.QuestionWindowMinutes) * time.Minute
}
