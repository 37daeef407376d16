package config

import (
	"fmt"
	"strings"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
	"github.com/spf13/viper"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	// Set configuration file name and paths
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/tuhs-abx-steward/")

	// Set environment variable prefix and enable automatic env binding
	viper.SetEnvPrefix("ABX_STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	m.setDefaults()

	// Read configuration file (optional - will use defaults and env vars if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal configuration into struct
	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Corpus defaults
	viper.SetDefault("corpus.root_dir", "./guidelines")
	viper.SetDefault("corpus.validate_on_load", true)
	viper.SetDefault("corpus.fail_on_violations", false)
	viper.SetDefault("corpus.reload_interval", "0s")

	// Evidence coordinator defaults. The core pipeline runs fully offline
	// with evidence.enabled=false; these thresholds only matter once a
	// deployment opts in.
	viper.SetDefault("evidence.enabled", false)
	viper.SetDefault("evidence.tier0_threshold", 0.8)
	viper.SetDefault("evidence.tier1_threshold", 0.6)
	viper.SetDefault("evidence.tier1_boost_per_source", 0.05)
	viper.SetDefault("evidence.tier1_boost_cap", 0.15)
	viper.SetDefault("evidence.tier2_boost_per_source", 0.03)
	viper.SetDefault("evidence.tier2_boost_cap", 0.10)
	viper.SetDefault("evidence.max_in_flight", 4)
	viper.SetDefault("evidence.query_timeout", "10s")

	viper.SetDefault("evidence.idsa.base_url", "https://www.idsociety.org/")
	viper.SetDefault("evidence.idsa.timeout", "10s")
	viper.SetDefault("evidence.idsa.rate_limit", 5)
	viper.SetDefault("evidence.idsa.retry_count", 2)

	viper.SetDefault("evidence.cdc.base_url", "https://www.cdc.gov/")
	viper.SetDefault("evidence.cdc.timeout", "10s")
	viper.SetDefault("evidence.cdc.rate_limit", 5)
	viper.SetDefault("evidence.cdc.retry_count", 2)

	viper.SetDefault("evidence.who.base_url", "https://www.who.int/")
	viper.SetDefault("evidence.who.timeout", "10s")
	viper.SetDefault("evidence.who.rate_limit", 5)
	viper.SetDefault("evidence.who.retry_count", 2)

	viper.SetDefault("evidence.uptodate.base_url", "https://www.uptodate.com/")
	viper.SetDefault("evidence.uptodate.timeout", "10s")
	viper.SetDefault("evidence.uptodate.rate_limit", 5)
	viper.SetDefault("evidence.uptodate.retry_count", 2)

	viper.SetDefault("evidence.pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/")
	viper.SetDefault("evidence.pubmed.timeout", "15s")
	viper.SetDefault("evidence.pubmed.rate_limit", 3)
	viper.SetDefault("evidence.pubmed.retry_count", 2)

	viper.SetDefault("evidence.scholarly_search.base_url", "https://api.semanticscholar.org/graph/v1/")
	viper.SetDefault("evidence.scholarly_search.timeout", "15s")
	viper.SetDefault("evidence.scholarly_search.rate_limit", 3)
	viper.SetDefault("evidence.scholarly_search.retry_count", 2)

	// Cache defaults
	viper.SetDefault("cache.redis_url", "redis://localhost:6379")
	viper.SetDefault("cache.default_ttl", "24h")
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.pool_timeout", "4s")
	viper.SetDefault("cache.memory_cache_size", 256)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetCorpusConfig returns guideline corpus configuration
func (m *Manager) GetCorpusConfig() *domain.CorpusConfig {
	return &m.config.Corpus
}

// GetEvidenceConfig returns evidence coordinator configuration
func (m *Manager) GetEvidenceConfig() *domain.EvidenceConfig {
	return &m.config.Evidence
}

// GetCacheConfig returns cache configuration
func (m *Manager) GetCacheConfig() *domain.CacheConfig {
	return &m.config.Cache
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if strings.TrimSpace(config.Corpus.RootDir) == "" {
		return fmt.Errorf("corpus root_dir is required")
	}

	if config.Evidence.Enabled {
		if config.Evidence.Tier0Threshold <= config.Evidence.Tier1Threshold {
			return fmt.Errorf("evidence.tier0_threshold must exceed tier1_threshold")
		}
		if config.Evidence.MaxInFlight <= 0 {
			return fmt.Errorf("evidence.max_in_flight must be positive")
		}
	}

	if config.Cache.RedisURL == "" {
		return fmt.Errorf("cache redis_url is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(viper.GetString("environment")) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(viper.GetString("environment"))
	return env == "development" || env == "dev" || env == ""
}
