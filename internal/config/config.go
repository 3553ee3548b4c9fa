package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the datarefresh service configuration.
type Config struct {
	HTTP       HTTPConfig    `yaml:"http"`
	UpstreamDB DBConfig      `yaml:"upstream_db"`
	APIDB      DBConfig      `yaml:"api_db"`
	Search     SearchConfig  `yaml:"search"`
	Cache      CacheConfig   `yaml:"cache"`
	Refresh    RefreshConfig `yaml:"refresh"`
	Auth       AuthConfig    `yaml:"auth"`
	Logging    LoggingConfig `yaml:"logging"`
}

// AuthConfig holds API authentication settings. An empty key list disables
// authentication.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DBConfig holds one PostgreSQL connection.
type DBConfig struct {
	URL               string `yaml:"url"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// SearchConfig holds search engine connection settings.
type SearchConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
	KeyPrefix        string   `yaml:"key_prefix"`
}

// CacheConfig holds the dataset-scoped cache settings used for invalidation
// after cutover.
type CacheConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// RefreshConfig holds pipeline tuning parameters. The validation thresholds
// are configurable with conservative defaults; the source system left them
// implicit.
type RefreshConfig struct {
	BatchSize          int     `yaml:"batch_size"`
	MaxParallelBatches int     `yaml:"max_parallel_batches"`
	MaxBatchRetries    int     `yaml:"max_batch_retries"`
	RetryBackoffMS     int     `yaml:"retry_backoff_ms"`
	CountTolerance     float64 `yaml:"count_tolerance"`
	MaxBatchErrorRate  float64 `yaml:"max_batch_error_rate"`

	// RowLimit bounds the upstream copy; 0 means unlimited (production).
	RowLimit int `yaml:"row_limit"`

	RetentionGraceHours int `yaml:"retention_grace_hours"`

	Timeouts StageTimeouts `yaml:"stage_timeouts"`
}

// StageTimeouts bounds each pipeline stage's wall-clock budget in seconds.
type StageTimeouts struct {
	ReplicateSec int `yaml:"replicate_sec"`
	IndexSec     int `yaml:"index_sec"`
	ValidateSec  int `yaml:"validate_sec"`
	AliasSec     int `yaml:"alias_sec"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.UpstreamDB.ConnectTimeoutSec <= 0 {
		c.UpstreamDB.ConnectTimeoutSec = 5
	}
	if c.APIDB.ConnectTimeoutSec <= 0 {
		c.APIDB.ConnectTimeoutSec = 5
	}
	if c.Search.ReadinessTimeout <= 0 {
		c.Search.ReadinessTimeout = 10
	}
	if c.Search.KeyPrefix == "" {
		c.Search.KeyPrefix = "datarefresh:"
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "cache:"
	}

	r := &c.Refresh
	if r.BatchSize <= 0 {
		r.BatchSize = 1000
	}
	if r.MaxParallelBatches <= 0 {
		r.MaxParallelBatches = 4
	}
	if r.MaxBatchRetries <= 0 {
		r.MaxBatchRetries = 4
	}
	if r.RetryBackoffMS <= 0 {
		r.RetryBackoffMS = 5000
	}
	if r.CountTolerance <= 0 {
		r.CountTolerance = 0.01
	}
	if r.MaxBatchErrorRate <= 0 {
		r.MaxBatchErrorRate = 0.001
	}
	if r.RetentionGraceHours <= 0 {
		r.RetentionGraceHours = 24
	}
	if r.Timeouts.ReplicateSec <= 0 {
		r.Timeouts.ReplicateSec = 3600
	}
	if r.Timeouts.IndexSec <= 0 {
		r.Timeouts.IndexSec = 7200
	}
	if r.Timeouts.ValidateSec <= 0 {
		r.Timeouts.ValidateSec = 300
	}
	if r.Timeouts.AliasSec <= 0 {
		r.Timeouts.AliasSec = 300
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.UpstreamDB.URL == "" {
		return fmt.Errorf("upstream_db.url is required")
	}
	if c.APIDB.URL == "" {
		return fmt.Errorf("api_db.url is required")
	}
	if len(c.Search.Addrs) == 0 {
		return fmt.Errorf("search.addrs is required")
	}
	if c.Refresh.CountTolerance >= 1 {
		return fmt.Errorf("refresh.count_tolerance must be below 1, got %g", c.Refresh.CountTolerance)
	}
	if c.Refresh.MaxBatchErrorRate >= 1 {
		return fmt.Errorf("refresh.max_batch_error_rate must be below 1, got %g", c.Refresh.MaxBatchErrorRate)
	}
	if c.Refresh.RowLimit < 0 {
		return fmt.Errorf("refresh.row_limit must not be negative, got %d", c.Refresh.RowLimit)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
