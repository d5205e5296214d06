// Package config loads runtime settings from an optional YAML file merged
// with SKAPP_* environment overrides. Environment wins over file, file wins
// over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile = "SKAPP_CONFIG_FILE"

	defaultHTTPAddr           = ":8080"
	defaultKVDriver           = "sqlite"
	defaultKVDSN              = "skapp.db"
	defaultProvider           = "openai"
	defaultModel              = "gpt-4o-mini"
	defaultToolDeadline       = 10 * time.Second
	defaultNoteExpirationDays = 7
	defaultStatsTimezone      = "America/New_York"
	defaultHeartbeatInterval  = time.Minute
	defaultTurnQueueSize      = 64
)

type Config struct {
	HTTPAddr string

	KVDriver string
	KVDSN    string

	Provider        string
	Model           string
	APIKey          string
	ModelEndpoint   string
	ReasoningEffort string

	ToolDeadline       time.Duration
	NoteExpirationDays int
	StatsTimezone      string
	PurgeExpiredNotes  bool
	HeartbeatInterval  time.Duration
	TurnQueueSize      int

	WebhookURLs []string
}

type fileConfig struct {
	HTTPAddr           string   `yaml:"http_addr"`
	KVDriver           string   `yaml:"kv_driver"`
	KVDSN              string   `yaml:"kv_dsn"`
	Provider           string   `yaml:"provider"`
	Model              string   `yaml:"model"`
	APIKey             string   `yaml:"api_key"`
	ModelEndpoint      string   `yaml:"model_endpoint"`
	ReasoningEffort    string   `yaml:"reasoning_effort"`
	ToolDeadlineMS     int      `yaml:"tool_deadline_ms"`
	NoteExpirationDays *int     `yaml:"note_expiration_days"`
	StatsTimezone      string   `yaml:"stats_timezone"`
	PurgeExpiredNotes  *bool    `yaml:"purge_expired_notes"`
	HeartbeatInterval  string   `yaml:"heartbeat_interval"`
	TurnQueueSize      int      `yaml:"turn_queue_size"`
	WebhookURLs        []string `yaml:"webhook_urls"`
}

// Load reads the YAML file named by SKAPP_CONFIG_FILE (missing file is not
// an error when the variable is unset), then applies environment overrides.
func Load() (Config, error) {
	cfg := defaults()

	path := strings.TrimSpace(os.Getenv(EnvConfigFile))
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
		applyFile(&cfg, fc)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func defaults() Config {
	return Config{
		HTTPAddr:           defaultHTTPAddr,
		KVDriver:           defaultKVDriver,
		KVDSN:              defaultKVDSN,
		Provider:           defaultProvider,
		Model:              defaultModel,
		ToolDeadline:       defaultToolDeadline,
		NoteExpirationDays: defaultNoteExpirationDays,
		StatsTimezone:      defaultStatsTimezone,
		HeartbeatInterval:  defaultHeartbeatInterval,
		TurnQueueSize:      defaultTurnQueueSize,
	}
}

func applyFile(cfg *Config, fc fileConfig) {
	if v := strings.TrimSpace(fc.HTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(fc.KVDriver); v != "" {
		cfg.KVDriver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(fc.KVDSN); v != "" {
		cfg.KVDSN = v
	}
	if v := strings.TrimSpace(fc.Provider); v != "" {
		cfg.Provider = strings.ToLower(v)
	}
	if v := strings.TrimSpace(fc.Model); v != "" {
		cfg.Model = v
	}
	if v := strings.TrimSpace(fc.APIKey); v != "" {
		cfg.APIKey = v
	}
	if v := strings.TrimSpace(fc.ModelEndpoint); v != "" {
		cfg.ModelEndpoint = v
	}
	if v := strings.TrimSpace(fc.ReasoningEffort); v != "" {
		cfg.ReasoningEffort = strings.ToLower(v)
	}
	if fc.ToolDeadlineMS > 0 {
		cfg.ToolDeadline = time.Duration(fc.ToolDeadlineMS) * time.Millisecond
	}
	if fc.NoteExpirationDays != nil && *fc.NoteExpirationDays > 0 {
		cfg.NoteExpirationDays = *fc.NoteExpirationDays
	}
	if v := strings.TrimSpace(fc.StatsTimezone); v != "" {
		cfg.StatsTimezone = v
	}
	if fc.PurgeExpiredNotes != nil {
		cfg.PurgeExpiredNotes = *fc.PurgeExpiredNotes
	}
	if raw := strings.TrimSpace(fc.HeartbeatInterval); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			cfg.HeartbeatInterval = parsed
		}
	}
	if fc.TurnQueueSize > 0 {
		cfg.TurnQueueSize = fc.TurnQueueSize
	}
	if len(fc.WebhookURLs) > 0 {
		cfg.WebhookURLs = trimAll(fc.WebhookURLs)
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.HTTPAddr, "SKAPP_HTTP_ADDR")
	if v := strings.TrimSpace(os.Getenv("SKAPP_KV_DRIVER")); v != "" {
		cfg.KVDriver = strings.ToLower(v)
	}
	setString(&cfg.KVDSN, "SKAPP_KV_DSN")
	if v := strings.TrimSpace(os.Getenv("SKAPP_PROVIDER")); v != "" {
		cfg.Provider = strings.ToLower(v)
	}
	setString(&cfg.Model, "SKAPP_MODEL")
	setString(&cfg.APIKey, "SKAPP_API_KEY")
	setString(&cfg.ModelEndpoint, "SKAPP_MODEL_ENDPOINT")
	if v := strings.TrimSpace(os.Getenv("SKAPP_REASONING_EFFORT")); v != "" {
		cfg.ReasoningEffort = strings.ToLower(v)
	}
	if raw := strings.TrimSpace(os.Getenv("SKAPP_TOOL_DEADLINE_MS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.ToolDeadline = time.Duration(parsed) * time.Millisecond
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SKAPP_NOTE_EXPIRATION_DAYS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.NoteExpirationDays = parsed
		}
	}
	setString(&cfg.StatsTimezone, "SKAPP_STATS_TIMEZONE")
	if raw := strings.TrimSpace(os.Getenv("SKAPP_PURGE_EXPIRED_NOTES")); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			cfg.PurgeExpiredNotes = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SKAPP_HEARTBEAT_INTERVAL")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			cfg.HeartbeatInterval = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SKAPP_TURN_QUEUE_SIZE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.TurnQueueSize = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SKAPP_WEBHOOK_URLS")); raw != "" {
		cfg.WebhookURLs = trimAll(strings.Split(raw, ","))
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("SKAPP_HTTP_ADDR must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.KVDriver)) {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("SKAPP_KV_DRIVER must be memory, sqlite, postgres or redis")
	}
	if c.KVDriver != "memory" && strings.TrimSpace(c.KVDSN) == "" {
		return fmt.Errorf("SKAPP_KV_DSN must not be empty for driver %q", c.KVDriver)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("SKAPP_MODEL must not be empty")
	}
	switch c.ReasoningEffort {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("SKAPP_REASONING_EFFORT must be low, medium or high")
	}
	if c.ToolDeadline <= 0 {
		return fmt.Errorf("SKAPP_TOOL_DEADLINE_MS must be > 0")
	}
	if c.NoteExpirationDays <= 0 {
		return fmt.Errorf("SKAPP_NOTE_EXPIRATION_DAYS must be > 0")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("SKAPP_HEARTBEAT_INTERVAL must be > 0")
	}
	if _, err := time.LoadLocation(c.StatsTimezone); err != nil {
		return fmt.Errorf("SKAPP_STATS_TIMEZONE %q is not a valid IANA zone: %w", c.StatsTimezone, err)
	}
	return nil
}
