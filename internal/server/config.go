// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the Fireside service.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting: a sustained rate in messages per second plus a burst allowance.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Config holds the server configuration settings including security controls,
// storage locations, and moderation keywords.
type Config struct {
	Port           string          `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	HistoryCap     int             `yaml:"history_cap"`
	DBPath         string          `yaml:"db_path"`
	UploadDir      string          `yaml:"upload_dir"`
	BannedWords    []string        `yaml:"banned_words"`
	LogLevel       string          `yaml:"log_level"`
	LogFormat      string          `yaml:"log_format"`
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		// Image payloads arrive as base64 data URLs inside a single frame, so
		// the read limit has to accommodate whole uploads.
		MaxMessageSize: 50 << 20,
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 10,
		},
		HistoryCap: 50,
		DBPath:     "data/db",
		UploadDir:  "public/uploads",
		BannedWords: []string{
			"pagol", "stupid", "idiot", "hate", "bad",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.RPS <= 0 {
		cfg.RateLimit.RPS = def.RateLimit.RPS
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = def.UploadDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := Config{
		Port:           cfg.Port,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		HistoryCap:     cfg.HistoryCap,
		DBPath:         cfg.DBPath,
		UploadDir:      cfg.UploadDir,
		BannedWords:    append([]string(nil), cfg.BannedWords...),
		LogLevel:       cfg.LogLevel,
		LogFormat:      cfg.LogFormat,
	}
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	cfg.BannedWords = append([]string(nil), cfg.BannedWords...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all
// settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig builds the effective configuration: defaults first, then the
// optional YAML file at path, then environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// NewConfigFromEnv creates a Config instance from environment variables,
// falling back to default values when a variable is not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(&cfg)
	return &cfg
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("FIRESIDE_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("FIRESIDE_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	if maxSize := os.Getenv("FIRESIDE_MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseInt64Value(maxSize, cfg.MaxMessageSize)
	}
	if rps := os.Getenv("FIRESIDE_RATE_LIMIT_RPS"); rps != "" {
		cfg.RateLimit.RPS = parseFloatValue(rps, cfg.RateLimit.RPS)
	}
	if burst := os.Getenv("FIRESIDE_RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if capVal := os.Getenv("FIRESIDE_HISTORY_CAP"); capVal != "" {
		cfg.HistoryCap = parseIntValue(capVal, cfg.HistoryCap)
	}
	if dbPath := os.Getenv("FIRESIDE_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if uploadDir := os.Getenv("FIRESIDE_UPLOAD_DIR"); uploadDir != "" {
		cfg.UploadDir = uploadDir
	}
	if words := os.Getenv("FIRESIDE_BANNED_WORDS"); words != "" {
		cfg.BannedWords = splitList(words)
	}
	if level := os.Getenv("FIRESIDE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("FIRESIDE_LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseInt64Value(value string, defaultValue int64) int64 {
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseFloatValue(value string, defaultValue float64) float64 {
	if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}
