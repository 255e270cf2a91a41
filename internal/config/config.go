// Package config loads and validates the gateway's startup configuration.
// All options live in one typed struct populated once at startup; required
// fields fail fast instead of falling back silently at request time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// UpstreamKeyEnv is the environment variable consulted when no operator key
// is configured (second slot of the credential precedence).
const UpstreamKeyEnv = "AIGATEWAY_UPSTREAM_API_KEY"

// Actions the gateway can proxy.
const (
	ActionGenerateText  = "generate_text"
	ActionGenerateImage = "generate_image"
)

// Ledger backends.
const (
	LedgerBackendGorm  = "gorm"
	LedgerBackendRedis = "redis"
)

// imageSizes enumerates the sizes the upstream image API accepts.
var imageSizes = map[string]bool{
	"256x256":   true,
	"512x512":   true,
	"1024x1024": true,
	"1792x1024": true,
	"1024x1792": true,
}

// ValidImageSize reports whether the upstream image API accepts size.
func ValidImageSize(size string) bool {
	return imageSizes[size]
}

// Duration wraps time.Duration for YAML decoding of values like "90s".
type Duration time.Duration

// UnmarshalYAML decodes a duration string or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, errInt := strconv.Atoi(raw); errInt == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, errParse := time.ParseDuration(raw)
	if errParse != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, errParse)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full gateway configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Auth     AuthConfig     `yaml:"auth"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Quota    QuotaConfig    `yaml:"quota"`
	Media    MediaConfig    `yaml:"media"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects the durable store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the optional shared ledger backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LedgerConfig selects the usage ledger backend.
type LedgerConfig struct {
	Backend string `yaml:"backend"`
}

// AuthConfig configures admin session tokens.
type AuthConfig struct {
	JWTSecret   string   `yaml:"jwt_secret"`
	TokenExpiry Duration `yaml:"token_expiry"`
}

// UpstreamConfig configures the generative-AI provider.
type UpstreamConfig struct {
	BaseURL         string   `yaml:"base_url"`
	APIKey          string   `yaml:"api_key"`
	TextModel       string   `yaml:"text_model"`
	ImageModel      string   `yaml:"image_model"`
	Temperature     float64  `yaml:"temperature"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	ImageSize       string   `yaml:"image_size"`
	ImageQuality    string   `yaml:"image_quality"`
	TextTimeout     Duration `yaml:"text_timeout"`
	ImageTimeout    Duration `yaml:"image_timeout"`
}

// QuotaConfig configures the accounting regime.
type QuotaConfig struct {
	Mode  string           `yaml:"mode"`
	Costs map[string]int64 `yaml:"costs"`
	Tiers map[string]int64 `yaml:"tiers"`
}

// MediaConfig configures generated-artifact storage.
type MediaConfig struct {
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a Config populated with working defaults.
func Default() Config {
	return Config{
		Listen:   ":8317",
		Database: DatabaseConfig{DSN: "file:data/gateway.db"},
		Ledger:   LedgerConfig{Backend: LedgerBackendGorm},
		Auth:     AuthConfig{TokenExpiry: Duration(24 * time.Hour)},
		Upstream: UpstreamConfig{
			BaseURL:         "https://api.openai.com/v1",
			TextModel:       "gpt-4o-mini",
			ImageModel:      "dall-e-3",
			Temperature:     0.7,
			MaxOutputTokens: 2048,
			ImageSize:       "1024x1024",
			ImageQuality:    "standard",
			TextTimeout:     Duration(60 * time.Second),
			ImageTimeout:    Duration(120 * time.Second),
		},
		Quota: QuotaConfig{
			Mode: "requests",
			Tiers: map[string]int64{
				"trial":        10,
				"starter":      100,
				"professional": 500,
				"business":     2000,
				"enterprise":   10000,
			},
			Costs: map[string]int64{
				ActionGenerateText:  1,
				ActionGenerateImage: 5,
			},
		},
		Media: MediaConfig{Dir: "data/media", BaseURL: "/media"},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads the YAML config at path, layers environment overrides on top,
// and validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, errRead := os.ReadFile(path)
		switch {
		case errRead == nil:
			if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
			}
		case os.IsNotExist(errRead):
			// Defaults plus env are enough for a first run.
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
		}
	}

	applyEnvOverrides(&cfg)

	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

// applyEnvOverrides layers recognized environment variables onto cfg.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AIGATEWAY_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("AIGATEWAY_DB_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("AIGATEWAY_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("AIGATEWAY_JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("AIGATEWAY_UPSTREAM_BASE_URL")); v != "" {
		cfg.Upstream.BaseURL = v
	}
}

// Validate checks the configuration eagerly so misconfiguration surfaces at
// startup instead of on the request path.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("config: listen address required")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: database dsn required")
	}

	switch c.Ledger.Backend {
	case LedgerBackendGorm:
	case LedgerBackendRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("config: redis ledger backend requires redis.addr")
		}
	default:
		return fmt.Errorf("config: unknown ledger backend %q", c.Ledger.Backend)
	}

	if c.Auth.TokenExpiry.Std() <= 0 {
		return fmt.Errorf("config: auth.token_expiry must be positive")
	}

	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("config: upstream.base_url required")
	}
	if c.Upstream.Temperature < 0 || c.Upstream.Temperature > 1 {
		return fmt.Errorf("config: upstream.temperature must be within [0, 1], got %g", c.Upstream.Temperature)
	}
	if c.Upstream.MaxOutputTokens <= 0 {
		return fmt.Errorf("config: upstream.max_output_tokens must be positive")
	}
	if !imageSizes[c.Upstream.ImageSize] {
		return fmt.Errorf("config: unsupported upstream.image_size %q", c.Upstream.ImageSize)
	}
	switch c.Upstream.ImageQuality {
	case "standard", "hd":
	default:
		return fmt.Errorf("config: upstream.image_quality must be standard or hd, got %q", c.Upstream.ImageQuality)
	}
	if c.Upstream.TextTimeout.Std() <= 0 || c.Upstream.ImageTimeout.Std() <= 0 {
		return fmt.Errorf("config: upstream timeouts must be positive")
	}
	if strings.TrimSpace(c.Upstream.TextModel) == "" || strings.TrimSpace(c.Upstream.ImageModel) == "" {
		return fmt.Errorf("config: upstream default models required")
	}

	if strings.TrimSpace(c.Media.Dir) == "" {
		return fmt.Errorf("config: media.dir required")
	}
	if !strings.HasPrefix(c.Media.BaseURL, "/") && !strings.Contains(c.Media.BaseURL, "://") {
		return fmt.Errorf("config: media.base_url must be a path or absolute URL")
	}

	// Tier table and costs are validated by the quota policy at construction;
	// doing it here as well keeps bad config from ever reaching the router.
	if len(c.Quota.Tiers) == 0 {
		return fmt.Errorf("config: quota.tiers required")
	}
	return nil
}
