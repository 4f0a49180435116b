// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Dispatcher configures the worker pool that pops job references off the
// Redis queues and routes them to the registered pipeline handlers.
type Dispatcher struct {
	Count                 int               `mapstructure:"count"`
	HeartbeatTTL          time.Duration     `mapstructure:"heartbeat_ttl"`
	MaxRetries            int               `mapstructure:"max_retries"`
	Backoff               Backoff           `mapstructure:"backoff"`
	Priorities            []string          `mapstructure:"priorities"`
	Queues                map[string]string `mapstructure:"queues"`
	ProcessingListPattern string            `mapstructure:"processing_list_pattern"`
	HeartbeatKeyPattern   string            `mapstructure:"heartbeat_key_pattern"`
	DeadLetterList        string            `mapstructure:"dead_letter_list"`
	BRPopLPushTimeout     time.Duration     `mapstructure:"brpoplpush_timeout"`
	BreakerPause          time.Duration     `mapstructure:"breaker_pause"`
	JobTimeout            time.Duration     `mapstructure:"job_timeout"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Store configures the durable SQLite-backed job/render/asset-cache store.
type Store struct {
	DSN             string        `mapstructure:"dsn"`
	AssetCacheTTL   time.Duration `mapstructure:"asset_cache_ttl"`
	ReconcileOnBoot bool          `mapstructure:"reconcile_on_boot"`
}

// Ledger configures the credits ledger sharing the store's database handle.
type Ledger struct {
	StartingBalance int64 `mapstructure:"starting_balance"`
	LowBalanceWarn  int64 `mapstructure:"low_balance_warn"`
}

// Media configures where generated artifacts live and how they're served.
type Media struct {
	OutputDir     string `mapstructure:"output_dir"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// Models holds model-selection settings. FallbackModelID is loaded but not
// read by model selection: models.DefaultForStyle resolves an unknown style
// to the catalog's "default" entry (runway-gen3) whatever this is set to.
type Models struct {
	FallbackModelID string            `mapstructure:"fallback_model_id"`
	StyleSoundtrack map[string]string `mapstructure:"style_soundtrack"`
}

// Adapters configures the external provider clients.
type Adapters struct {
	ImageAPIKey     string        `mapstructure:"image_api_key"`
	VideoAPIKey     string        `mapstructure:"video_api_key"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollMaxAttempts int           `mapstructure:"poll_max_attempts"`
	FFmpegBin       string        `mapstructure:"ffmpeg_bin"`
}

type Config struct {
	Redis          Redis               `mapstructure:"redis"`
	Dispatcher     Dispatcher          `mapstructure:"dispatcher"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	Store          Store               `mapstructure:"store"`
	Ledger         Ledger              `mapstructure:"ledger"`
	Media          Media               `mapstructure:"media"`
	Models         Models              `mapstructure:"models"`
	Adapters       Adapters            `mapstructure:"adapters"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Dispatcher: Dispatcher{
			Count:                 4,
			HeartbeatTTL:          30 * time.Second,
			MaxRetries:            2,
			Backoff:               Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			Priorities:            []string{"high", "normal"},
			Queues:                map[string]string{"high": "orchestrator:queue:high", "normal": "orchestrator:queue:normal"},
			ProcessingListPattern: "orchestrator:worker:%s:processing",
			HeartbeatKeyPattern:   "orchestrator:heartbeat:%s",
			DeadLetterList:        "orchestrator:queue:dead_letter",
			BRPopLPushTimeout:     1 * time.Second,
			BreakerPause:          100 * time.Millisecond,
			JobTimeout:            5 * time.Minute,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       5,
		},
		Observability: ObservabilityConfig{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Store: Store{
			DSN:             "./data/orchestrator.db",
			AssetCacheTTL:   24 * time.Hour,
			ReconcileOnBoot: true,
		},
		Ledger: Ledger{
			StartingBalance: 1000,
			LowBalanceWarn:  100,
		},
		Media: Media{
			OutputDir:     "./data/media",
			PublicBaseURL: "http://localhost:8080/media",
		},
		Models: Models{
			FallbackModelID: "runway-gen3",
			StyleSoundtrack: map[string]string{},
		},
		Adapters: Adapters{
			PollInterval:    10 * time.Second,
			PollMaxAttempts: 60,
			FFmpegBin:       "ffmpeg",
		},
	}
}

// Load reads configuration from a YAML file with environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("dispatcher.count", def.Dispatcher.Count)
	v.SetDefault("dispatcher.heartbeat_ttl", def.Dispatcher.HeartbeatTTL)
	v.SetDefault("dispatcher.max_retries", def.Dispatcher.MaxRetries)
	v.SetDefault("dispatcher.backoff.base", def.Dispatcher.Backoff.Base)
	v.SetDefault("dispatcher.backoff.max", def.Dispatcher.Backoff.Max)
	v.SetDefault("dispatcher.priorities", def.Dispatcher.Priorities)
	v.SetDefault("dispatcher.queues", def.Dispatcher.Queues)
	v.SetDefault("dispatcher.processing_list_pattern", def.Dispatcher.ProcessingListPattern)
	v.SetDefault("dispatcher.heartbeat_key_pattern", def.Dispatcher.HeartbeatKeyPattern)
	v.SetDefault("dispatcher.dead_letter_list", def.Dispatcher.DeadLetterList)
	v.SetDefault("dispatcher.brpoplpush_timeout", def.Dispatcher.BRPopLPushTimeout)
	v.SetDefault("dispatcher.breaker_pause", def.Dispatcher.BreakerPause)
	v.SetDefault("dispatcher.job_timeout", def.Dispatcher.JobTimeout)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("store.dsn", def.Store.DSN)
	v.SetDefault("store.asset_cache_ttl", def.Store.AssetCacheTTL)
	v.SetDefault("store.reconcile_on_boot", def.Store.ReconcileOnBoot)

	v.SetDefault("ledger.starting_balance", def.Ledger.StartingBalance)
	v.SetDefault("ledger.low_balance_warn", def.Ledger.LowBalanceWarn)

	v.SetDefault("media.output_dir", def.Media.OutputDir)
	v.SetDefault("media.public_base_url", def.Media.PublicBaseURL)

	v.SetDefault("models.fallback_model_id", def.Models.FallbackModelID)
	v.SetDefault("models.style_soundtrack", def.Models.StyleSoundtrack)

	v.SetDefault("adapters.poll_interval", def.Adapters.PollInterval)
	v.SetDefault("adapters.poll_max_attempts", def.Adapters.PollMaxAttempts)
	v.SetDefault("adapters.ffmpeg_bin", def.Adapters.FFmpegBin)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Dispatcher.Count < 1 {
		return fmt.Errorf("dispatcher.count must be >= 1")
	}
	if len(cfg.Dispatcher.Priorities) == 0 {
		return fmt.Errorf("dispatcher.priorities must be non-empty")
	}
	for _, p := range cfg.Dispatcher.Priorities {
		if _, ok := cfg.Dispatcher.Queues[p]; !ok {
			return fmt.Errorf("dispatcher.queues missing entry for priority %q", p)
		}
	}
	if cfg.Dispatcher.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("dispatcher.heartbeat_ttl must be >= 5s")
	}
	if cfg.Dispatcher.BRPopLPushTimeout <= 0 || cfg.Dispatcher.BRPopLPushTimeout > cfg.Dispatcher.HeartbeatTTL/2 {
		return fmt.Errorf("dispatcher.brpoplpush_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Dispatcher.JobTimeout <= 0 {
		return fmt.Errorf("dispatcher.job_timeout must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set")
	}
	if cfg.Ledger.StartingBalance < 0 {
		return fmt.Errorf("ledger.starting_balance must be >= 0")
	}
	if cfg.Adapters.PollMaxAttempts < 1 {
		return fmt.Errorf("adapters.poll_max_attempts must be >= 1")
	}
	return nil
}
