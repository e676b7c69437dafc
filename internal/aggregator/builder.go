package aggregator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"p2p-rate-monitor/internal/market"
	"p2p-rate-monitor/internal/metrics"
	"p2p-rate-monitor/internal/p2p"
)

// Builder turns one market config into a priced snapshot.
type Builder struct {
	fetcher p2p.SideFetcher
	policy  PricePolicy
	now     func() time.Time
	logger  *zap.Logger
}

type BuilderOption func(*Builder)

func WithPricePolicy(p PricePolicy) BuilderOption {
	return func(b *Builder) {
		b.policy = p
	}
}

func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuilder expects fetcher to already carry the retry policy.
func NewBuilder(fetcher p2p.SideFetcher, opts ...BuilderOption) *Builder {
	b := &Builder{
		fetcher: fetcher,
		policy:  DefaultPricePolicy(),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build fetches both sides concurrently. It never returns an error: any
// failure produces an invalid snapshot with Error set.
func (b *Builder) Build(ctx context.Context, m market.Config) market.Snapshot {
	start := time.Now()
	snap := market.NewSnapshot(m, b.now().UTC())
	defer func() {
		metrics.SnapshotBuildSeconds.WithLabelValues(m.Fiat).Observe(time.Since(start).Seconds())
	}()

	var buy, sell market.SideResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.fetchSide(gctx, m, market.TradeBuy, &buy)
	})
	g.Go(func() error {
		return b.fetchSide(gctx, m, market.TradeSell, &sell)
	})

	if err := g.Wait(); err != nil {
		snap.Error = err.Error()
		b.logger.Error("snapshot build failed", zap.String("fiat", m.Fiat), zap.Error(err))
		return snap
	}
	if err := ctx.Err(); err != nil {
		snap.Error = fmt.Sprintf("build cancelled: %v", err)
		return snap
	}

	snap.Ads.Buy = nonNil(buy.Listings)
	snap.Ads.Sell = nonNil(sell.Listings)
	snap.Summary = market.Summary{TotalBuyAds: len(snap.Ads.Buy), TotalSellAds: len(snap.Ads.Sell)}

	snap.Prices.Buy = b.policy.Reference(snap.Ads.Buy)
	snap.Prices.Sell = b.policy.Reference(snap.Ads.Sell)
	if m.SellOnly && !snap.Prices.Buy.Present() {
		snap.Prices.Buy = market.NotApplicable()
	}
	Spread(&snap.Prices)

	if !snap.Evaluate() {
		snap.Error = missingSides(snap)
	}
	b.logger.Debug("snapshot built",
		zap.String("fiat", m.Fiat),
		zap.Stringer("buy", snap.Prices.Buy),
		zap.Stringer("sell", snap.Prices.Sell),
		zap.Bool("valid", snap.Valid),
	)
	return snap
}

func (b *Builder) fetchSide(ctx context.Context, m market.Config, side market.TradeType, out *market.SideResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s side panicked: %v", side, r)
		}
	}()
	*out = b.fetcher.FetchSide(ctx, m, side)
	return nil
}

func missingSides(s market.Snapshot) string {
	switch {
	case s.SellOnly:
		return "no sell listings"
	case !s.Prices.Buy.Present() && !s.Prices.Sell.Present():
		return "no buy or sell listings"
	case !s.Prices.Buy.Present():
		return "no buy listings"
	default:
		return "no sell listings"
	}
}

func nonNil(l []market.Listing) []market.Listing {
	if l == nil {
		return []market.Listing{}
	}
	return l
}
