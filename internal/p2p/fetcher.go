package p2p

import (
	"context"
	"time"

	"go.uber.org/zap"

	"p2p-rate-monitor/internal/market"
	"p2p-rate-monitor/internal/metrics"
)

const (
	DefaultRows       = 20
	DefaultMaxResults = 20
	DefaultMaxPages   = 100
	DefaultPageDelay  = 100 * time.Millisecond
)

// PageSearcher is satisfied by *Client.
type PageSearcher interface {
	SearchPage(ctx context.Context, q PageQuery) (*Page, error)
}

// SideFetcher retrieves the trusted listings of one side of one market.
type SideFetcher interface {
	FetchSide(ctx context.Context, m market.Config, side market.TradeType) market.SideResult
}

type FetcherConfig struct {
	Rows       int
	MaxResults int
	MaxPages   int
	PageDelay  time.Duration
}

func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Rows:       DefaultRows,
		MaxResults: DefaultMaxResults,
		MaxPages:   DefaultMaxPages,
		PageDelay:  DefaultPageDelay,
	}
}

// Fetcher walks result pages sequentially and keeps trusted listings.
type Fetcher struct {
	searcher PageSearcher
	cfg      FetcherConfig
	logger   *zap.Logger
}

func NewFetcher(searcher PageSearcher, cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.MaxPages <= 0 || cfg.MaxPages > DefaultMaxPages {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{searcher: searcher, cfg: cfg, logger: logger}
}

// FetchSide never fails outright. Every stop other than reaching the result
// cap ends pagination normally, and listings collected on earlier pages are
// kept when a later page errors.
func (f *Fetcher) FetchSide(ctx context.Context, m market.Config, side market.TradeType) market.SideResult {
	var trusted []market.Listing
	pages := 0

	for page := 1; page <= f.cfg.MaxPages; page++ {
		if page > 1 && f.cfg.PageDelay > 0 {
			if !sleepCtx(ctx, f.cfg.PageDelay) {
				break
			}
		}

		pages++
		metrics.PagesRequested.WithLabelValues(m.Fiat, string(side)).Inc()
		p, err := f.searcher.SearchPage(ctx, PageQuery{
			Fiat:      m.Fiat,
			PayType:   m.PayType,
			TradeType: side,
			Amount:    m.Amount,
			Page:      page,
			Rows:      f.cfg.Rows,
		})
		if err != nil {
			kind := ErrorKind(err)
			metrics.UpstreamErrors.WithLabelValues(m.Fiat, kind).Inc()
			f.logger.Warn("page loop stopped by upstream error",
				zap.String("fiat", m.Fiat),
				zap.String("trade_type", string(side)),
				zap.Int("page", page),
				zap.Int("collected", len(trusted)),
				zap.String("kind", kind),
				zap.Error(err),
			)
			break
		}
		if p == nil || !p.Success || p.Received == 0 {
			break
		}

		for _, l := range p.Listings {
			if m.SkipTrustFilter || l.Trusted() {
				trusted = append(trusted, l)
			}
		}
		f.logger.Debug("page fetched",
			zap.String("fiat", m.Fiat),
			zap.String("trade_type", string(side)),
			zap.Int("page", page),
			zap.Int("received", p.Received),
			zap.Int("collected", len(trusted)),
		)
		if len(trusted) >= f.cfg.MaxResults {
			break
		}
	}

	total := len(trusted)
	if total > f.cfg.MaxResults {
		trusted = trusted[:f.cfg.MaxResults]
	}
	return market.SideResult{
		Listings: trusted,
		Success:  len(trusted) > 0,
		Total:    total,
		Pages:    pages,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
