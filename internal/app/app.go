// Package app assembles the rate monitor from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"go.uber.org/zap"

	"p2p-rate-monitor/internal/aggregator"
	"p2p-rate-monitor/internal/alert"
	"p2p-rate-monitor/internal/api"
	"p2p-rate-monitor/internal/cache"
	"p2p-rate-monitor/internal/config"
	"p2p-rate-monitor/internal/digest"
	"p2p-rate-monitor/internal/logger"
	"p2p-rate-monitor/internal/market"
	"p2p-rate-monitor/internal/p2p"
	"p2p-rate-monitor/internal/poller"
	"p2p-rate-monitor/internal/push/dingtalk"
	"p2p-rate-monitor/internal/store"
	"p2p-rate-monitor/internal/watch"
)

// App holds every long-lived component. Optional parts are nil when their
// backend is disabled.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Registry     *market.Registry
	Orchestrator *aggregator.Orchestrator
	Cache        *cache.Cache
	Controller   *poller.Controller
	Scheduler    *poller.Scheduler
	Store        *store.Store
	Redis        *store.RedisKV
	Push         *dingtalk.Client
	Alerts       *alert.Service
	Digest       *digest.Agent
	Watch        *watch.Engine

	httpClient *http.Client
	kv         cache.KV
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

type Option func(context.Context, *App) error

// WithLogger replaces the logger built from log.level.
func WithLogger(l *zap.Logger) Option {
	return func(_ context.Context, a *App) error {
		a.Logger = l
		return nil
	}
}

// WithHTTPClient sets the client used for upstream page requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(_ context.Context, a *App) error {
		a.httpClient = hc
		return nil
	}
}

// WithKV overrides the cache backend chosen by store.backend.
func WithKV(kv cache.KV) Option {
	return func(_ context.Context, a *App) error {
		a.kv = kv
		return nil
	}
}

// Build wires the whole pipeline and restores the cache. On error every
// component opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	a := &App{Config: cfg}
	// background polls started over the API outlive their request but not the process
	a.baseCtx, a.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts []Option) error {
	for _, opt := range opts {
		if err := opt(ctx, a); err != nil {
			return err
		}
	}
	if a.Logger == nil {
		a.Logger = logger.New(a.Config.Log.Level)
	}
	cfg := a.Config

	reg, err := market.NewRegistry(cfg.Markets)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	a.Registry = reg
	a.Orchestrator = aggregator.NewOrchestrator(a.Registry, a.newBuilder(), a.Logger.Named("aggregator"))

	if err := a.openStores(ctx); err != nil {
		return err
	}
	a.Cache = cache.New(a.kv, a.Logger.Named("cache"))
	if err := a.Cache.Restore(ctx); err != nil {
		// a bad payload only costs the warm start
		a.Logger.Warn("cache restore failed", zap.Error(err))
	}

	a.wireAlerting()

	popts := []poller.Option{poller.WithLogger(a.Logger.Named("poller"))}
	if a.Store != nil {
		popts = append(popts, poller.WithPublisher(poller.HistoryPublisher(a.Store, a.Logger.Named("history"))))
	}
	if a.Watch != nil {
		popts = append(popts, poller.WithObserver(a.Watch))
	}
	a.Controller = poller.NewController(poller.Config{
		MaxAttempts: cfg.Poll.MaxAttempts,
		Delay:       time.Duration(cfg.Poll.DelayMs) * time.Millisecond,
	}, a.Orchestrator, a.Cache, popts...)
	a.Scheduler = poller.NewScheduler(a.Controller, time.Duration(cfg.Poll.IntervalSec)*time.Second, a.Logger.Named("scheduler"))

	a.Logger.Info("rate monitor assembled",
		zap.Int("markets", a.Registry.Len()),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("watch", a.Watch != nil),
		zap.Bool("push", a.Push.Configured()),
	)
	return nil
}

func (a *App) newBuilder() *aggregator.Builder {
	up := a.Config.Upstream
	var copts []p2p.ClientOption
	if a.httpClient != nil {
		copts = append(copts, p2p.WithHTTPClient(a.httpClient))
	}
	copts = append(copts,
		p2p.WithAsset(up.Asset),
		p2p.WithTimeout(time.Duration(up.TimeoutMs)*time.Millisecond),
		p2p.WithLogger(a.Logger.Named("p2p")),
	)
	client := p2p.NewClient(up.Endpoint, copts...)

	fetcher := p2p.NewFetcher(client, p2p.FetcherConfig{
		Rows:       up.Rows,
		MaxResults: up.MaxResults,
		MaxPages:   up.MaxPages,
		PageDelay:  time.Duration(up.PageDelayMs) * time.Millisecond,
	}, a.Logger.Named("fetcher"))

	retrier := p2p.NewRetrier(fetcher, a.Config.Retry.MaxRetries,
		time.Duration(a.Config.Retry.DelayMs)*time.Millisecond, a.Logger.Named("retry"))

	return aggregator.NewBuilder(retrier,
		aggregator.WithPricePolicy(aggregator.PricePolicy{Depth: a.Config.Pricing.ReferenceDepth}),
		aggregator.WithLogger(a.Logger.Named("builder")),
	)
}

// openStores picks the cache backend. Both sqlite and redis keep history in
// sqlite; memory keeps nothing across restarts.
func (a *App) openStores(ctx context.Context) error {
	sc := a.Config.Store
	backend := strings.ToLower(sc.Backend)

	if backend == "sqlite" || backend == "redis" {
		st, err := store.Open(sc.Sqlite.Path)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.Store = st
	}
	if a.kv != nil {
		return nil
	}

	switch backend {
	case "sqlite":
		a.kv = a.Store
	case "redis":
		rkv, err := store.OpenRedis(ctx, store.RedisConfig{
			Addr:      sc.Redis.Addr,
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			KeyPrefix: sc.Redis.KeyPrefix,
			TimeoutMs: sc.Redis.TimeoutMs,
		})
		if err != nil {
			return err
		}
		a.Redis = rkv
		a.kv = rkv
	default:
		a.kv = cache.NewMemoryKV()
	}
	return nil
}

func (a *App) wireAlerting() {
	cfg := a.Config
	a.Push = dingtalk.NewClient(cfg.Push.Dingtalk.Webhook, cfg.Push.Dingtalk.Secret,
		time.Duration(cfg.Push.Dingtalk.TimeoutMs)*time.Millisecond)

	a.Digest = digest.New(digest.Config{
		Enabled:    cfg.DigestAgent.Enabled,
		Model:      cfg.DigestAgent.Model,
		APIKey:     cfg.DigestAgent.APIKey,
		BaseURL:    cfg.DigestAgent.BaseURL,
		ByAzure:    cfg.DigestAgent.ByAzure,
		APIVersion: cfg.DigestAgent.APIVersion,
		TimeoutMs:  cfg.DigestAgent.TimeoutMs,
	}, a.Logger.Named("digest"))

	if !cfg.Watch.Enabled {
		return
	}

	var sender alert.Sender
	if a.Push.Configured() {
		sender = a.Push
	}
	var rec alert.Recorder
	var events watch.EventStore
	if a.Store != nil {
		rec, events = a.Store, a.Store
	}
	a.Alerts = alert.NewService(sender, rec, alert.Config{
		RateLimit: alert.RateLimitConfig{
			PerMinute: cfg.Alert.RateLimit.PerMinute,
			Burst:     cfg.Alert.RateLimit.Burst,
		},
		DedupWindow:       time.Duration(cfg.Alert.Dedup.WindowSec) * time.Second,
		LowDigestInterval: time.Duration(cfg.Alert.Digest.LowIntervalSec) * time.Second,
	}, a.Logger.Named("alert"))

	a.Watch = watch.New(watch.Config{
		SpreadWide: watch.ThresholdConfig{MedPct: cfg.Watch.SpreadWide.MedPct, HighPct: cfg.Watch.SpreadWide.HighPct},
		PriceJump:  watch.ThresholdConfig{MedPct: cfg.Watch.PriceJump.MedPct, HighPct: cfg.Watch.PriceJump.HighPct},
		CooldownSec: watch.CooldownConfig{
			SpreadWide:  cfg.Watch.CooldownSec.SpreadWide,
			PriceJump:   cfg.Watch.CooldownSec.PriceJump,
			MarketDown:  cfg.Watch.CooldownSec.MarketDown,
			CycleFailed: cfg.Watch.CooldownSec.CycleFailed,
		},
	}, events, a.Alerts, a.Digest, a.Logger.Named("watch"))
}

// RegisterRoutes mounts the HTTP API on h.
func (a *App) RegisterRoutes(h *server.Hertz) {
	d := api.Deps{
		Registry:   a.Registry,
		Aggregator: a.Orchestrator,
		Cache:      a.Cache,
		Poller:     a.Controller,
		Digest:     a.Digest,
		Logger:     a.Logger.Named("api"),
		BaseCtx:    a.baseCtx,
	}
	if a.Store != nil {
		d.Store = a.Store
	}
	if a.Push.Configured() {
		d.Push = a.Push
	}
	api.RegisterRoutes(h, d)
}

// Close releases resources in reverse order of Build. It is safe on a
// partially built App.
// StopBackground cancels polls started over the API. Close calls it too.
func (a *App) StopBackground() {
	if a != nil && a.cancelBase != nil {
		a.cancelBase()
	}
}

func (a *App) Close() {
	if a == nil {
		return
	}
	a.StopBackground()
	if a.Controller != nil {
		a.Controller.Close()
	}
	if a.Alerts != nil {
		a.Alerts.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil && a.Logger != nil {
			a.Logger.Warn("redis close", zap.Error(err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && a.Logger != nil {
			a.Logger.Warn("store close", zap.Error(err))
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}
