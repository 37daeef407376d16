package domain

import "time"

// Config is the root application configuration, loaded and validated by
// internal/config.Manager.
type Config struct {
	Corpus   CorpusConfig   `mapstructure:"corpus"`
	Evidence EvidenceConfig `mapstructure:"evidence"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// CorpusConfig locates and governs reload of the guideline corpus.
type CorpusConfig struct {
	RootDir          string        `mapstructure:"root_dir"`
	ValidateOnLoad   bool          `mapstructure:"validate_on_load"`
	FailOnViolations bool          `mapstructure:"fail_on_violations"`
	ReloadInterval   time.Duration `mapstructure:"reload_interval"`
}

// EvidenceConfig governs the optional evidence coordinator: the confidence
// thresholds that gate each tier, concurrency bounds, and per-source client
// configuration. The core recommendation pipeline is fully functional with
// Enabled=false.
type EvidenceConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Tier0Threshold       float64       `mapstructure:"tier0_threshold"` // confidence >= this => no search
	Tier1Threshold       float64       `mapstructure:"tier1_threshold"` // confidence >= this => reputable only
	Tier1BoostPerSource  float64       `mapstructure:"tier1_boost_per_source"`
	Tier1BoostCap        float64       `mapstructure:"tier1_boost_cap"`
	Tier2BoostPerSource  float64       `mapstructure:"tier2_boost_per_source"`
	Tier2BoostCap        float64       `mapstructure:"tier2_boost_cap"`
	MaxInFlight          int           `mapstructure:"max_in_flight"`
	QueryTimeout         time.Duration `mapstructure:"query_timeout"`

	IDSA      SourceConfig `mapstructure:"idsa"`
	CDC       SourceConfig `mapstructure:"cdc"`
	WHO       SourceConfig `mapstructure:"who"`
	UpToDate  SourceConfig `mapstructure:"uptodate"`
	PubMed    SourceConfig `mapstructure:"pubmed"`
	Scholarly SourceConfig `mapstructure:"scholarly_search"`
}

// SourceConfig is the uniform shape shared by every external evidence
// source client: base URL, optional credential, timeout, and retry/rate
// policy. SourceClient reads BaseURL, Timeout and RateLimit; APIKey and
// RetryCount are not read by it, so each query is a single attempt sent
// without a credential.
type SourceConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  int           `mapstructure:"rate_limit"` // requests per second
	RetryCount int           `mapstructure:"retry_count"`
}

// CacheConfig configures the Redis-backed evidence cache.
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`

	// MemoryCacheSize bounds the in-process LRU fast path sitting in front
	// of Redis.
	MemoryCacheSize int `mapstructure:"memory_cache_size"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
