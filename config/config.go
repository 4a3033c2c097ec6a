package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StoreConfig selects and configures the data store
type StoreConfig struct {
	Type       string         `mapstructure:"type"` // "memory", "sqlite" or "postgres"
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds database configuration
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the database connection string
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// LLMConfig holds the chat-completion service configuration
type LLMConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

// SearchConfig holds the web-search service configuration
type SearchConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Lang              string        `mapstructure:"lang"`
	Country           string        `mapstructure:"country"`
	Limit             int           `mapstructure:"limit"`
	MaxChars          int           `mapstructure:"max_chars"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

// ResolverConfig holds tier thresholds and switches
type ResolverConfig struct {
	CacheTTL               time.Duration `mapstructure:"cache_ttl"`
	FuzzyAcceptance        float64       `mapstructure:"fuzzy_acceptance"`
	SemanticAcceptance     float64       `mapstructure:"semantic_acceptance"`
	WebAcceptance          float64       `mapstructure:"web_acceptance"`
	SemanticMaxCandidates  int           `mapstructure:"semantic_max_candidates"`
	CandidateLimit         int           `mapstructure:"candidate_limit"`
	EnableSemantic         bool          `mapstructure:"enable_semantic"`
	EnableWebFetch         bool          `mapstructure:"enable_web_fetch"`
	SkipFallbacksWhenEmpty bool          `mapstructure:"skip_fallbacks_when_empty"`
	Chains                 []string      `mapstructure:"chains"`
	MaxPlausiblePriceILS   float64       `mapstructure:"max_plausible_price_ils"`
	BatchConcurrency       int           `mapstructure:"batch_concurrency"`
}

// CacheConfig holds cache maintenance configuration
type CacheConfig struct {
	PurgeInterval time.Duration `mapstructure:"purge_interval"` // 0 disables the janitor
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	PerIP int `mapstructure:"per_ip"` // requests per minute
}

// LogConfig holds logging configuration
type LogConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// envKeys lists every key so env vars map onto the struct without a config file
var envKeys = []string{
	"server.port", "server.environment", "server.allowed_origins",
	"store.type", "store.sqlite_path",
	"store.postgres.host", "store.postgres.port", "store.postgres.user", "store.postgres.password",
	"store.postgres.dbname", "store.postgres.sslmode", "store.postgres.max_open_conns",
	"store.postgres.max_idle_conns", "store.postgres.conn_max_lifetime",
	"store.postgres.conn_max_idle_time", "store.postgres.auto_migrate",
	"llm.api_key", "llm.base_url", "llm.model", "llm.timeout",
	"llm.requests_per_second", "llm.burst", "llm.max_retries",
	"search.api_key", "search.base_url", "search.lang", "search.country", "search.limit",
	"search.max_chars", "search.timeout", "search.requests_per_second", "search.burst",
	"search.max_retries",
	"resolver.cache_ttl", "resolver.fuzzy_acceptance", "resolver.semantic_acceptance",
	"resolver.web_acceptance", "resolver.semantic_max_candidates", "resolver.candidate_limit",
	"resolver.enable_semantic", "resolver.enable_web_fetch", "resolver.skip_fallbacks_when_empty",
	"resolver.chains", "resolver.max_plausible_price_ils", "resolver.batch_concurrency",
	"cache.purge_interval",
	"ratelimit.per_ip",
	"log.debug", "log.sentry_dsn",
}

// Load loads configuration from .env, environment variables and config files
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	v := viper.New()

	// Set config name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/pricelens/")

	// Environment variable settings
	v.SetEnvPrefix("PRICELENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	setDefaults(v)

	// Read config file (optional - will use env vars if file doesn't exist)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads .env from the working directory. Variables already set
// in the environment win; a missing file is not an error.
func loadEnvFile() error {
	if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("error loading .env file: %w", err)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Store defaults
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.sqlite_path", "pricelens.db")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.sslmode", "disable")
	v.SetDefault("store.postgres.auto_migrate", true)

	// LLM defaults
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.requests_per_second", 2)
	v.SetDefault("llm.burst", 5)
	v.SetDefault("llm.max_retries", 2)

	// Search defaults
	v.SetDefault("search.base_url", "https://api.firecrawl.dev")
	v.SetDefault("search.lang", "he")
	v.SetDefault("search.country", "il")
	v.SetDefault("search.limit", 5)
	v.SetDefault("search.max_chars", 8000)
	v.SetDefault("search.timeout", "45s")
	v.SetDefault("search.requests_per_second", 1)
	v.SetDefault("search.burst", 2)
	v.SetDefault("search.max_retries", 2)

	// Resolver defaults
	v.SetDefault("resolver.cache_ttl", "720h") // 30 days
	v.SetDefault("resolver.fuzzy_acceptance", 0.5)
	v.SetDefault("resolver.semantic_acceptance", 0.5)
	v.SetDefault("resolver.web_acceptance", 0.5)
	v.SetDefault("resolver.semantic_max_candidates", 150)
	v.SetDefault("resolver.candidate_limit", 10000)
	v.SetDefault("resolver.enable_semantic", true)
	v.SetDefault("resolver.enable_web_fetch", true)
	v.SetDefault("resolver.skip_fallbacks_when_empty", false)
	v.SetDefault("resolver.chains", []string{"שופרסל", "רמי לוי", "ויקטורי", "יוחננוף", "אושר עד", "טיב טעם"})
	v.SetDefault("resolver.max_plausible_price_ils", 500)
	v.SetDefault("resolver.batch_concurrency", 4)

	// Cache defaults
	v.SetDefault("cache.purge_interval", "1h")

	// Rate limit defaults
	v.SetDefault("ratelimit.per_ip", 100)

	// Log defaults
	v.SetDefault("log.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	switch config.Store.Type {
	case "memory":
	case "sqlite":
		if config.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required when store type is 'sqlite'")
		}
	case "postgres":
		if config.Store.Postgres.Host == "" || config.Store.Postgres.DBName == "" {
			return fmt.Errorf("postgres host and dbname are required when store type is 'postgres'")
		}
	default:
		return fmt.Errorf("store type must be 'memory', 'sqlite' or 'postgres', got: %s", config.Store.Type)
	}

	r := config.Resolver
	for name, value := range map[string]float64{
		"fuzzy_acceptance":    r.FuzzyAcceptance,
		"semantic_acceptance": r.SemanticAcceptance,
		"web_acceptance":      r.WebAcceptance,
	} {
		// a zero floor reads as unset in the usecase constructors
		if value <= 0 || value > 1 {
			return fmt.Errorf("resolver.%s must be within (0,1], got: %v", name, value)
		}
	}

	// paid tiers need credentials; the web tier needs both services
	if r.EnableSemantic && config.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key is required when the semantic tier is enabled (set PRICELENS_LLM_API_KEY)")
	}
	if r.EnableWebFetch && (config.LLM.APIKey == "" || config.Search.APIKey == "") {
		return fmt.Errorf("LLM and search API keys are required when web fetch is enabled (set PRICELENS_SEARCH_API_KEY)")
	}

	if r.CacheTTL <= 0 {
		return fmt.Errorf("resolver.cache_ttl must be positive, got: %s", r.CacheTTL)
	}
	if r.BatchConcurrency <= 0 {
		return fmt.Errorf("resolver.batch_concurrency must be positive, got: %d", r.BatchConcurrency)
	}
	if config.Cache.PurgeInterval < 0 {
		return fmt.Errorf("cache.purge_interval must not be negative, got: %s", config.Cache.PurgeInterval)
	}

	return nil
}
