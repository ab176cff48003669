package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Version is the application version, overridden at build time.
var Version = "dev"

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	Translation TranslationConfig `mapstructure:"translation"`
	Updates     UpdatesConfig     `mapstructure:"updates"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ProvidersConfig groups the upstream metadata API clients.
type ProvidersConfig struct {
	Jikan   JikanConfig   `mapstructure:"jikan"`
	Anilist AnilistConfig `mapstructure:"anilist"`
}

// JikanConfig holds Jikan (MyAnimeList) REST API configuration.
type JikanConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	Timeout    int    `mapstructure:"timeout"` // seconds
	Retries    int    `mapstructure:"retries"`
	RetryDelay int    `mapstructure:"retry_delay"` // seconds between attempts
	MaxPages   int    `mapstructure:"max_pages"`   // episode pagination guard
}

// AnilistConfig holds Anilist GraphQL API configuration.
type AnilistConfig struct {
	URL        string `mapstructure:"url"`
	Timeout    int    `mapstructure:"timeout"` // seconds
	Retries    int    `mapstructure:"retries"`
	RetryDelay int    `mapstructure:"retry_delay"` // seconds between attempts
}

// TranslationConfig holds the translation backend chain configuration.
type TranslationConfig struct {
	TargetLang string   `mapstructure:"target_lang"`
	Engines    []string `mapstructure:"engines"`
	Timeout    int      `mapstructure:"timeout"` // seconds
}

// UpdatesConfig holds defaults for the update strategy when no strategy
// row exists in the database yet.
type UpdatesConfig struct {
	Strategy        string `mapstructure:"strategy"` // preset name, see schedule/strategies.yaml
	TopListCron     string `mapstructure:"top_list_cron"`
	SeasonalCron    string `mapstructure:"seasonal_cron"`
	BatchSweepCron  string `mapstructure:"batch_sweep_cron"`
	RunSweepOnStart bool   `mapstructure:"run_sweep_on_start"`
}

// Default returns a Config with default values.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.otakudex")
	}

	// Environment variable settings
	v.SetEnvPrefix("OTAKUDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults + env vars
	}

	// Unmarshal into struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Database defaults
	v.SetDefault("database.path", "./data/otakudex.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	// Provider defaults
	v.SetDefault("providers.jikan.base_url", "https://api.jikan.moe/v4")
	v.SetDefault("providers.jikan.timeout", 30)
	v.SetDefault("providers.jikan.retries", 3)
	v.SetDefault("providers.jikan.retry_delay", 2)
	v.SetDefault("providers.jikan.max_pages", 3)
	v.SetDefault("providers.anilist.url", "https://graphql.anilist.co")
	v.SetDefault("providers.anilist.timeout", 30)
	v.SetDefault("providers.anilist.retries", 3)
	v.SetDefault("providers.anilist.retry_delay", 2)

	// Translation defaults
	v.SetDefault("translation.target_lang", "uk")
	v.SetDefault("translation.engines", []string{"google"})
	v.SetDefault("translation.timeout", 10)

	// Update scheduling defaults
	v.SetDefault("updates.strategy", "standard")
	v.SetDefault("updates.top_list_cron", "0 3 * * *")    // daily at 03:00
	v.SetDefault("updates.seasonal_cron", "0 4 * * 1")    // Monday at 04:00
	v.SetDefault("updates.batch_sweep_cron", "*/30 * * * *")
	v.SetDefault("updates.run_sweep_on_start", false)
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
