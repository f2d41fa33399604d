// internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config 应用配置。构建后只读，通过构造函数传递给各组件。
type Config struct {
	Port      string `env:"PORT" envDefault:"8080" validate:"required,numeric"`
	DataDir   string `env:"DATA_DIR" envDefault:"data" validate:"required"`
	LogDir    string `env:"LOG_DIR" envDefault:"logs"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console" validate:"oneof=console json"`
	DebugMode bool   `env:"DEBUG_MODE" envDefault:"false"`

	CorpusFile         string `env:"CORPUS_FILE"`
	StorylineFile      string `env:"STORYLINE_FILE"`
	DefaultProtagonist string `env:"DEFAULT_PROTAGONIST" envDefault:"char_001"`

	HTTPRatePerMinute int `env:"HTTP_RATE_PER_MINUTE" envDefault:"120" validate:"gte=0"`

	// AuthSecret enables per-session bearer tokens when set.
	AuthSecret   string        `env:"AUTH_SECRET_KEY"`
	AuthTokenTTL time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"24h"`

	Storage    StorageConfig    `envPrefix:"STORAGE_"`
	LLM        LLMConfig        `envPrefix:"LLM_"`
	Dispatch   DispatchConfig   `envPrefix:"DISPATCH_"`
	Compaction CompactionConfig `envPrefix:"COMPACTION_"`
	Prompt     PromptConfig     `envPrefix:"PROMPT_"`
	Cache      CacheConfig      `envPrefix:"CACHE_"`

	// Generation is resolved from Prompt at load time.
	Generation GenerationProfiles `env:"-"`
}

// StorageConfig selects the event log / snapshot backend.
type StorageConfig struct {
	Backend    string `env:"BACKEND" envDefault:"file" validate:"oneof=file sqlite badger"`
	SQLitePath string `env:"SQLITE_PATH"`
	BadgerPath string `env:"BADGER_PATH"`
}

// LLMConfig 供应商配置
type LLMConfig struct {
	Provider string        `env:"PROVIDER" envDefault:"openai" validate:"required"`
	APIKey   string        `env:"API_KEY"`
	Model    string        `env:"MODEL"`
	BaseURL  string        `env:"BASE_URL"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"120s"`
}

// ProviderSettings renders the provider config map consumed by llm.GetProvider.
func (c LLMConfig) ProviderSettings() map[string]string {
	settings := map[string]string{"api_key": c.APIKey}
	if c.Model != "" {
		settings["default_model"] = c.Model
	}
	if c.BaseURL != "" {
		settings["base_url"] = c.BaseURL
	}
	if c.Timeout > 0 {
		settings["timeout"] = c.Timeout.String()
	}
	return settings
}

// DispatchConfig 生成调度参数
type DispatchConfig struct {
	RateLimitRequests   int           `env:"RATE_LIMIT_REQUESTS" envDefault:"30" validate:"gt=0"`
	RateLimitWindow     time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s" validate:"gt=0"`
	RetryAttempts       int           `env:"RETRY_ATTEMPTS" envDefault:"3" validate:"gte=1"`
	RetryBaseDelay      time.Duration `env:"RETRY_BASE_DELAY" envDefault:"4s"`
	RetryMaxDelay       time.Duration `env:"RETRY_MAX_DELAY" envDefault:"10s"`
	BreakerThreshold    float64       `env:"BREAKER_THRESHOLD" envDefault:"0.1" validate:"gte=0,lte=1"`
	BreakerWindow       int           `env:"BREAKER_WINDOW" envDefault:"100" validate:"gt=0"`
	BreakerOpenDuration time.Duration `env:"BREAKER_OPEN_DURATION" envDefault:"60s"`
	CacheTTL            time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	CacheMaxEntries     int           `env:"CACHE_MAX_ENTRIES" envDefault:"1000" validate:"gt=0"`
	ContextPrefixLen    int           `env:"CONTEXT_PREFIX_LEN" envDefault:"200" validate:"gt=0"`
	LockWaitTimeout     time.Duration `env:"LOCK_WAIT_TIMEOUT" envDefault:"5m"`
}

// CompactionConfig 快照压缩参数
type CompactionConfig struct {
	MaxRecentEvents  int `env:"MAX_RECENT_EVENTS" envDefault:"50" validate:"gte=2"`
	MaxSnapshotBytes int `env:"MAX_SNAPSHOT_BYTES" envDefault:"32768" validate:"gt=0"`
	BatchSize        int `env:"BATCH_SIZE" envDefault:"30" validate:"gt=0"`
	SummaryCeiling   int `env:"SUMMARY_CEILING" envDefault:"2000" validate:"gt=0"`
	SummaryKeep      int `env:"SUMMARY_KEEP" envDefault:"1500" validate:"gt=0,ltefield=SummaryCeiling"`
	SummaryMaxLength int `env:"SUMMARY_MAX_LENGTH" envDefault:"500" validate:"gt=0"`
}

// PromptConfig selects the generation profile set.
type PromptConfig struct {
	Version        string `env:"VERSION" envDefault:"v2" validate:"oneof=v1 v2"`
	ABSplitPercent int    `env:"AB_SPLIT_PERCENT" envDefault:"0" validate:"gte=0,lte=100"`
	ProfilesFile   string `env:"PROFILES_FILE"`
}

// CacheConfig 去重结果缓存后端
type CacheConfig struct {
	Backend       string `env:"BACKEND" envDefault:"memory" validate:"oneof=memory redis"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Load 从 .env 与环境变量加载配置
func Load() (*Config, error) {
	// .env 文件可选
	_ = godotenv.Load()
	return parse(env.Options{})
}

// LoadFromMap parses configuration from an explicit environment, used by tests and tools.
func LoadFromMap(environment map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environment})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDerivedDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	profiles, err := LoadGenerationProfiles(cfg.Prompt.ProfilesFile)
	if err != nil {
		return nil, err
	}
	cfg.Generation = profiles
	return cfg, nil
}

func (c *Config) applyDerivedDefaults() {
	if c.CorpusFile == "" {
		c.CorpusFile = filepath.Join(c.DataDir, "article_data.json")
	}
	if c.StorylineFile == "" {
		c.StorylineFile = filepath.Join(c.DataDir, "storylines_data.json")
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Storage.BadgerPath == "" {
		c.Storage.BadgerPath = filepath.Join(c.DataDir, "badger")
	}
}

// SessionsDir is where the file backend keeps event logs and snapshots.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}
