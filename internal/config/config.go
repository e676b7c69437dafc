package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"p2p-rate-monitor/internal/market"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Retry       RetryConfig       `yaml:"retry"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Poll        PollConfig        `yaml:"poll"`
	Store       StoreConfig       `yaml:"store"`
	Markets     []market.Config   `yaml:"markets"`
	Push        PushConfig        `yaml:"push"`
	Alert       AlertConfig       `yaml:"alert"`
	Watch       WatchConfig       `yaml:"watch"`
	DigestAgent DigestAgentConfig `yaml:"digest_agent"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type UpstreamConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Asset       string `yaml:"asset"`
	TimeoutMs   int    `yaml:"timeout_ms"`
	Rows        int    `yaml:"rows"`
	MaxResults  int    `yaml:"max_results"`
	MaxPages    int    `yaml:"max_pages"`
	PageDelayMs int    `yaml:"page_delay_ms"`
}

type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`
	DelayMs    int `yaml:"delay_ms"`
}

type PricingConfig struct {
	// ReferenceDepth selects the N-th ranked listing as the side's price.
	ReferenceDepth int `yaml:"reference_depth"`
}

type PollConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	DelayMs     int `yaml:"delay_ms"`
	IntervalSec int `yaml:"interval_sec"`
}

type StoreConfig struct {
	Backend string       `yaml:"backend"` // sqlite, redis or memory
	Sqlite  SqliteConfig `yaml:"sqlite"`
	Redis   RedisConfig  `yaml:"redis"`
}

type SqliteConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type PushConfig struct {
	Dingtalk DingtalkConfig `yaml:"dingtalk"`
}

type DingtalkConfig struct {
	Webhook   string `yaml:"webhook"`
	Secret    string `yaml:"secret"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type AlertConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Digest    DigestConfig    `yaml:"digest"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

type DedupConfig struct {
	WindowSec int `yaml:"window_sec"`
}

type DigestConfig struct {
	LowIntervalSec int `yaml:"low_interval_sec"`
}

type WatchConfig struct {
	Enabled     bool              `yaml:"enabled"`
	SpreadWide  WatchSpreadConfig `yaml:"spread_wide"`
	PriceJump   WatchJumpConfig   `yaml:"price_jump"`
	CooldownSec WatchCooldown     `yaml:"cooldown_sec"`
}

type WatchSpreadConfig struct {
	MedPct  float64 `yaml:"med_pct"`
	HighPct float64 `yaml:"high_pct"`
}

type WatchJumpConfig struct {
	MedPct  float64 `yaml:"med_pct"`
	HighPct float64 `yaml:"high_pct"`
}

type WatchCooldown struct {
	SpreadWide  int `yaml:"spread_wide"`
	PriceJump   int `yaml:"price_jump"`
	MarketDown  int `yaml:"market_down"`
	CycleFailed int `yaml:"cycle_failed"`
}

type DigestAgentConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	ByAzure    bool   `yaml:"by_azure"`
	APIVersion string `yaml:"api_version"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

type MetricsConfig struct {
	Port int `yaml:"port"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info"},
		Upstream: UpstreamConfig{
			Endpoint:    "https://p2p.binance.com/bapi/c2c/v2/friendly/c2c/adv/search",
			Asset:       "USDT",
			TimeoutMs:   15000,
			Rows:        20,
			MaxResults:  20,
			MaxPages:    100,
			PageDelayMs: 100,
		},
		Retry:   RetryConfig{MaxRetries: 3, DelayMs: 1000},
		Pricing: PricingConfig{ReferenceDepth: 1},
		Poll: PollConfig{
			MaxAttempts: 30,
			DelayMs:     1000,
			IntervalSec: 300,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Sqlite:  SqliteConfig{Path: "data/rates.db"},
			Redis:   RedisConfig{Addr: "127.0.0.1:6379", KeyPrefix: "p2p:", TimeoutMs: 3000},
		},
		Push: PushConfig{
			Dingtalk: DingtalkConfig{TimeoutMs: 5000},
		},
		Alert: AlertConfig{
			RateLimit: RateLimitConfig{PerMinute: 20, Burst: 5},
			Dedup:     DedupConfig{WindowSec: 600},
			Digest:    DigestConfig{LowIntervalSec: 3600},
		},
		Watch: WatchConfig{
			Enabled:    true,
			SpreadWide: WatchSpreadConfig{MedPct: 3, HighPct: 6},
			PriceJump:  WatchJumpConfig{MedPct: 2, HighPct: 5},
			CooldownSec: WatchCooldown{
				SpreadWide:  1800,
				PriceJump:   900,
				MarketDown:  3600,
				CycleFailed: 900,
			},
		},
		DigestAgent: DigestAgentConfig{
			Enabled:   false,
			Model:     "gpt-4.1-mini",
			TimeoutMs: 10000,
		},
		Metrics: MetricsConfig{Port: 9090},
	}
}

// Load reads path on top of the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Markets) == 0 {
		cfg.Markets = market.DefaultMarkets()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("invalid PORT: %q", v)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("P2P_ENDPOINT"); v != "" {
		cfg.Upstream.Endpoint = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("DINGTALK_WEBHOOK"); v != "" {
		cfg.Push.Dingtalk.Webhook = v
	}
	if v := os.Getenv("DINGTALK_SECRET"); v != "" {
		cfg.Push.Dingtalk.Secret = v
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Poll.MaxAttempts < 1 || c.Poll.MaxAttempts > 100 {
		errs = append(errs, fmt.Errorf("poll.max_attempts must be within 1..100, got %d", c.Poll.MaxAttempts))
	}
	if c.Poll.DelayMs < 0 || c.Poll.IntervalSec < 0 {
		errs = append(errs, errors.New("poll delays must not be negative"))
	}
	if c.Retry.MaxRetries < 0 || c.Retry.DelayMs < 0 {
		errs = append(errs, errors.New("retry settings must not be negative"))
	}
	if c.Upstream.MaxPages > 100 {
		errs = append(errs, fmt.Errorf("upstream.max_pages must be at most 100, got %d", c.Upstream.MaxPages))
	}
	if c.Upstream.MaxResults > 20 {
		errs = append(errs, fmt.Errorf("upstream.max_results must be at most 20, got %d", c.Upstream.MaxResults))
	}
	if c.Upstream.PageDelayMs < 0 {
		errs = append(errs, errors.New("upstream.page_delay_ms must not be negative"))
	}
	if c.Pricing.ReferenceDepth < 1 {
		errs = append(errs, fmt.Errorf("pricing.reference_depth must be at least 1, got %d", c.Pricing.ReferenceDepth))
	}
	switch strings.ToLower(c.Store.Backend) {
	case "sqlite", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of sqlite, redis, memory", c.Store.Backend))
	}
	if _, err := market.NewRegistry(c.Markets); err != nil {
		errs = append(errs, fmt.Errorf("markets: %w", err))
	}
	return errors.Join(errs...)
}
