package p2p

import (
	"context"
	"time"

	"go.uber.org/zap"

	"p2p-rate-monitor/internal/market"
	"p2p-rate-monitor/internal/metrics"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Retrier re-runs a SideFetcher while it returns nothing usable. A non-empty,
// successful result is returned at once.
type Retrier struct {
	inner      SideFetcher
	maxRetries int
	delay      time.Duration
	logger     *zap.Logger
}

func NewRetrier(inner SideFetcher, maxRetries int, delay time.Duration, logger *zap.Logger) *Retrier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if delay < 0 {
		delay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{inner: inner, maxRetries: maxRetries, delay: delay, logger: logger}
}

func (r *Retrier) FetchSide(ctx context.Context, m market.Config, side market.TradeType) market.SideResult {
	res := r.inner.FetchSide(ctx, m, side)
	for attempt := 1; attempt <= r.maxRetries && res.Empty(); attempt++ {
		if ctx.Err() != nil {
			return res
		}
		r.logger.Warn("empty side, retrying",
			zap.String("fiat", m.Fiat),
			zap.String("trade_type", string(side)),
			zap.Int("retry", attempt),
			zap.Int("max_retries", r.maxRetries),
			zap.Duration("delay", r.delay),
		)
		metrics.SideRetries.WithLabelValues(m.Fiat, string(side)).Inc()
		if r.delay > 0 && !sleepCtx(ctx, r.delay) {
			return res
		}
		res = r.inner.FetchSide(ctx, m, side)
	}
	return res
}
