package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Precedence is
// flags > environment > config file > built-in defaults; flag overrides are
// applied by the CLI after Load returns.
type Config struct {
	APIKey  string
	ModelID string
	BaseURL string

	MaxBudgetUSD float64
	MaxCalls     int
	MaxDepth     int
	Workers      int

	CacheEnabled bool
	CacheDir     string
	CacheTTL     time.Duration

	SecurityCacheTTL time.Duration
	ThreatStoreDir   string
	RetentionDays    int

	SessionsDir string
	PricingFile string

	WebmailURL  string
	BrowserPath string

	RequestTimeout time.Duration
	RequestsPerSec float64
}

// FileConfig is the optional YAML config file shape (~/.mailrlm/config.yaml).
type FileConfig struct {
	Model        string  `yaml:"model"`
	BaseURL      string  `yaml:"base_url"`
	MaxBudgetUSD float64 `yaml:"max_budget_usd"`
	MaxCalls     int     `yaml:"max_calls"`
	MaxDepth     int     `yaml:"max_depth"`
	Workers      int     `yaml:"workers"`
	CacheDir     string  `yaml:"cache_dir"`
	CacheTTLHrs  int     `yaml:"cache_ttl_hours"`
	SessionsDir  string  `yaml:"sessions_dir"`
	PricingFile  string  `yaml:"pricing_file"`
}

// Load loads configuration from the environment (after a best-effort .env
// load) layered over the optional config file and built-in defaults.
func Load() *Config {
	// .env is optional; absence is not an error
	_ = godotenv.Load()

	home, _ := os.UserHomeDir()
	baseDir := filepath.Join(home, ".mailrlm")

	cfg := &Config{
		APIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		ModelID: getEnv("MAILRLM_MODEL", "claude-sonnet-4-20250514"),
		BaseURL: getEnv("MAILRLM_BASE_URL", "https://api.anthropic.com"),

		MaxBudgetUSD: getFloatEnv("MAILRLM_MAX_BUDGET", 5.0),
		MaxCalls:     getIntEnv("MAILRLM_MAX_CALLS", 100),
		MaxDepth:     getIntEnv("MAILRLM_MAX_DEPTH", 3),
		Workers:      getIntEnv("MAILRLM_WORKERS", 5),

		CacheEnabled: getBoolEnv("MAILRLM_CACHE", true),
		CacheDir:     getEnv("MAILRLM_CACHE_DIR", filepath.Join(baseDir, "cache")),
		CacheTTL:     time.Duration(getIntEnv("MAILRLM_CACHE_TTL_HOURS", 24)) * time.Hour,

		SecurityCacheTTL: time.Duration(getIntEnv("MAILRLM_SECURITY_CACHE_TTL_HOURS", 168)) * time.Hour,
		ThreatStoreDir:   getEnv("MAILRLM_THREAT_STORE_DIR", filepath.Join(baseDir, "threat_store")),
		RetentionDays:    getIntEnv("MAILRLM_RETENTION_DAYS", 30),

		SessionsDir: getEnv("MAILRLM_SESSIONS_DIR", filepath.Join(baseDir, "sessions")),
		PricingFile: getEnv("MAILRLM_PRICING_FILE", ""),

		WebmailURL:  getEnv("MAILRLM_WEBMAIL_URL", "https://mail.google.com/mail/u/0"),
		BrowserPath: getEnv("MAILRLM_BROWSER_PATH", ""),

		RequestTimeout: time.Duration(getIntEnv("MAILRLM_REQUEST_TIMEOUT_SECONDS", 120)) * time.Second,
		RequestsPerSec: getFloatEnv("MAILRLM_REQUESTS_PER_SEC", 2.0),
	}

	if fc, err := loadFileConfig(filepath.Join(baseDir, "config.yaml")); err == nil && fc != nil {
		cfg.applyFileConfig(fc)
	}

	return cfg
}

// Validate checks that the configuration can support a model-using run.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	if c.MaxBudgetUSD <= 0 {
		return fmt.Errorf("max budget must be positive, got %v", c.MaxBudgetUSD)
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("max depth must be at least 1, got %d", c.MaxDepth)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return nil
}

func loadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &fc, nil
}

// applyFileConfig fills fields the environment left unset. Environment
// values win over file values.
func (c *Config) applyFileConfig(fc *FileConfig) {
	if fc.Model != "" && os.Getenv("MAILRLM_MODEL") == "" {
		c.ModelID = fc.Model
	}
	if fc.BaseURL != "" && os.Getenv("MAILRLM_BASE_URL") == "" {
		c.BaseURL = fc.BaseURL
	}
	if fc.MaxBudgetUSD > 0 && os.Getenv("MAILRLM_MAX_BUDGET") == "" {
		c.MaxBudgetUSD = fc.MaxBudgetUSD
	}
	if fc.MaxCalls > 0 && os.Getenv("MAILRLM_MAX_CALLS") == "" {
		c.MaxCalls = fc.MaxCalls
	}
	if fc.MaxDepth > 0 && os.Getenv("MAILRLM_MAX_DEPTH") == "" {
		c.MaxDepth = fc.MaxDepth
	}
	if fc.Workers > 0 && os.Getenv("MAILRLM_WORKERS") == "" {
		c.Workers = fc.Workers
	}
	if fc.CacheDir != "" && os.Getenv("MAILRLM_CACHE_DIR") == "" {
		c.CacheDir = fc.CacheDir
	}
	if fc.CacheTTLHrs > 0 && os.Getenv("MAILRLM_CACHE_TTL_HOURS") == "" {
		c.CacheTTL = time.Duration(fc.CacheTTLHrs) * time.Hour
	}
	if fc.SessionsDir != "" && os.Getenv("MAILRLM_SESSIONS_DIR") == "" {
		c.SessionsDir = fc.SessionsDir
	}
	if fc.PricingFile != "" && os.Getenv("MAILRLM_PRICING_FILE") == "" {
		c.PricingFile = fc.PricingFile
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
