package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components take this instead of the concrete Config so tests can inject
// fixtures.
type Interface interface {
	Logger() LoggerConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	ContextStore() ContextStoreConfig
	Memory() MemoryConfig
	Session() SessionConfig
	Normalizer() NormalizerConfig

	SetEngineConcurrency(int)
	SetBrowserHeadless(bool)
}

// LoggerConfig controls the zap logger bootstrap.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
}

// EngineConfig tunes the execution engine's retry and scheduling behavior.
type EngineConfig struct {
	// MaxAttempts is the per-step attempt ceiling, first try included.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// BackoffBase seeds the exponential backoff between retries.
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	// StepTimeout is the default per-attempt execution deadline.
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	// Concurrency bounds simultaneous steps within one session. Browser
	// operations against a single handle are rarely parallel-safe, so the
	// default is strictly sequential.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// BrowserOpsPerSecond paces calls against one browser handle.
	BrowserOpsPerSecond float64 `mapstructure:"browser_ops_per_second" yaml:"browser_ops_per_second"`
}

// BrowserConfig controls the chromedp driver.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
	ScreenshotDir   string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	DownloadDir     string        `mapstructure:"download_dir" yaml:"download_dir"`
	SearchBoxHint   string        `mapstructure:"search_box_hint" yaml:"search_box_hint"`
}

// ContextStoreConfig selects and tunes the session context transport.
type ContextStoreConfig struct {
	Backend   string        `mapstructure:"backend" yaml:"backend"` // "memory" or "redis"
	RedisURL  string        `mapstructure:"redis_url" yaml:"redis_url"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// HistoryLimit caps conversation-turn lists per session.
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
}

// MemoryConfig selects and tunes the long-term memory layer.
type MemoryConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // "memory" or "postgres"
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	// Capacity bounds stored facts; least-relevant/oldest are evicted.
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
	TopK     int `mapstructure:"top_k" yaml:"top_k"`
	// RecencyHalfLife controls how quickly older facts lose ranking weight.
	RecencyHalfLife time.Duration `mapstructure:"recency_half_life" yaml:"recency_half_life"`
}

// SessionConfig bounds the session manager.
type SessionConfig struct {
	MaxSessions int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	IdleTTL     time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	// SweepInterval is how often idle sessions are reaped.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// NormalizerConfig tunes intent validation.
type NormalizerConfig struct {
	// ConfidenceThreshold marks commands below it low-confidence without
	// blocking them.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	EngineCfg       EngineConfig       `mapstructure:"engine" yaml:"engine"`
	BrowserCfg      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	ContextStoreCfg ContextStoreConfig `mapstructure:"context_store" yaml:"context_store"`
	MemoryCfg       MemoryConfig       `mapstructure:"memory" yaml:"memory"`
	SessionCfg      SessionConfig      `mapstructure:"session" yaml:"session"`
	NormalizerCfg   NormalizerConfig   `mapstructure:"normalizer" yaml:"normalizer"`
}

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Engine() EngineConfig             { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig           { return c.BrowserCfg }
func (c *Config) ContextStore() ContextStoreConfig { return c.ContextStoreCfg }
func (c *Config) Memory() MemoryConfig             { return c.MemoryCfg }
func (c *Config) Session() SessionConfig           { return c.SessionCfg }
func (c *Config) Normalizer() NormalizerConfig     { return c.NormalizerCfg }

func (c *Config) SetEngineConcurrency(n int) { c.EngineCfg.Concurrency = n }
func (c *Config) SetBrowserHeadless(b bool)  { c.BrowserCfg.Headless = b }

// SetDefaults registers every default on the given viper instance. Called
// before ReadInConfig so a missing config file still yields a runnable setup.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "vox-cli")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.backoff_base", 500*time.Millisecond)
	v.SetDefault("engine.backoff_max", 10*time.Second)
	v.SetDefault("engine.step_timeout", 30*time.Second)
	v.SetDefault("engine.concurrency", 1)
	v.SetDefault("engine.browser_ops_per_second", 4.0)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout", 45*time.Second)
	v.SetDefault("browser.screenshot_dir", defaultDir("screenshots"))
	v.SetDefault("browser.download_dir", defaultDir("downloads"))
	v.SetDefault("browser.search_box_hint", `input[name="q"]`)

	v.SetDefault("context_store.backend", "memory")
	v.SetDefault("context_store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("context_store.key_prefix", "vox")
	v.SetDefault("context_store.ttl", time.Hour)
	v.SetDefault("context_store.history_limit", 50)

	v.SetDefault("memory.backend", "memory")
	v.SetDefault("memory.capacity", 1000)
	v.SetDefault("memory.top_k", 5)
	v.SetDefault("memory.recency_half_life", 168*time.Hour)

	v.SetDefault("session.max_sessions", 8)
	v.SetDefault("session.idle_ttl", 30*time.Minute)
	v.SetDefault("session.sweep_interval", time.Minute)

	v.SetDefault("normalizer.confidence_threshold", 0.5)
}

// Load reads configuration from the given file (or the default search path),
// environment (VOX_ prefix), and defaults, in ascending precedence.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".vox"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("VOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars carry the day.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.EngineCfg.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be >= 1, got %d", c.EngineCfg.MaxAttempts)
	}
	if c.EngineCfg.Concurrency < 1 {
		return fmt.Errorf("engine.concurrency must be >= 1, got %d", c.EngineCfg.Concurrency)
	}
	if c.MemoryCfg.Capacity < 1 {
		return fmt.Errorf("memory.capacity must be >= 1, got %d", c.MemoryCfg.Capacity)
	}
	switch c.ContextStoreCfg.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("context_store.backend must be \"memory\" or \"redis\", got %q", c.ContextStoreCfg.Backend)
	}
	switch c.MemoryCfg.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("memory.backend must be \"memory\" or \"postgres\", got %q", c.MemoryCfg.Backend)
	}
	return nil
}

// Default returns a fully-populated configuration without touching disk.
// Used by tests and as the fallback composition path.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func defaultDir(sub string) string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".", ".vox", sub)
	}
	return filepath.Join(home, ".vox", sub)
}
