package p2p

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p-rate-monitor/internal/market"
)

type fakeSearcher struct {
	mu    sync.Mutex
	fn    func(q PageQuery) (*Page, error)
	calls []PageQuery
}

func (f *fakeSearcher) SearchPage(_ context.Context, q PageQuery) (*Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q)
	f.mu.Unlock()
	return f.fn(q)
}

func (f *fakeSearcher) pages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func listing(name string, price float64, trusted bool) market.Listing {
	userType := "user"
	if trusted {
		userType = "merchant"
	}
	return market.Listing{
		Merchant: market.Merchant{NickName: name, UserType: userType},
		Ad:       market.Ad{Price: price},
	}
}

// pageOf returns n ads of which the first `trusted` are trusted.
func pageOf(page, n, trusted int) *Page {
	p := &Page{Success: true, Received: n}
	for i := 0; i < n; i++ {
		p.Listings = append(p.Listings, listing(fmt.Sprintf("p%d-%d", page, i), 36.5+float64(page)/100, i < trusted))
	}
	return p
}

func noDelay() FetcherConfig {
	cfg := DefaultFetcherConfig()
	cfg.PageDelay = 0
	return cfg
}

func TestFetchSide_StopsAtResultCap(t *testing.T) {
	fs := &fakeSearcher{fn: func(q PageQuery) (*Page, error) {
		return pageOf(q.Page, 20, 12), nil
	}}
	f := NewFetcher(fs, noDelay(), nil)

	res := f.FetchSide(context.Background(), market.Config{Fiat: "VES"}, market.TradeBuy)
	assert.True(t, res.Success)
	assert.Len(t, res.Listings, 20)
	assert.Equal(t, 24, res.Total)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 2, fs.pages())
	assert.Equal(t, "p1-0", res.Listings[0].Merchant.NickName)
}

func TestFetchSide_KeepsEarlierPagesOnTransportError(t *testing.T) {
	fs := &fakeSearcher{fn: func(q PageQuery) (*Page, error) {
		switch q.Page {
		case 1:
			return pageOf(1, 20, 8), nil
		case 2:
			return pageOf(2, 20, 7), nil
		default:
			return nil, &TransportError{Op: "post", Err: fmt.Errorf("connection reset by peer")}
		}
	}}
	f := NewFetcher(fs, noDelay(), nil)

	res := f.FetchSide(context.Background(), market.Config{Fiat: "VES"}, market.TradeSell)
	assert.True(t, res.Success)
	assert.Len(t, res.Listings, 15)
	assert.Equal(t, 3, res.Pages)
}

func TestFetchSide_EmptyEveryPage(t *testing.T) {
	fs := &fakeSearcher{fn: func(q PageQuery) (*Page, error) {
		return &Page{Success: true}, nil
	}}
	f := NewFetcher(fs, noDelay(), nil)

	res := f.FetchSide(context.Background(), market.Config{Fiat: "CLP"}, market.TradeBuy)
	assert.False(t, res.Success)
	assert.Empty(t, res.Listings)
	assert.Equal(t, 1, fs.pages())
}

func TestFetchSide_LogicalFailureEndsLoop(t *testing.T) {
	fs := &fakeSearcher{fn: func(q PageQuery) (*Page, error) {
		if q.Page == 1 {
			return pageOf(1, 20, 5), nil
		}
		return &Page{}, fmt.Errorf("%w: code=1", ErrUpstreamLogical)
	}}
	f := NewFetcher(fs, noDelay(), nil)

	res := f.FetchSide(context.Background(), market.Config{Fiat: "PEN"}, market.TradeBuy)
	assert.True(t, res.Success)
	assert.Len(t, res.Listings, 5)
	assert.Equal(t, 2, fs.pages())
}

func TestFetchSide_PageCeiling(t *testing.T) {
	fs := &fakeSearcher{fn: func(q PageQuery) (*Page, error) {
		return pageOf(q.Page, 20, 0), nil
	}}
	f := NewFetcher(fs, noDelay(), nil)

	res := f.FetchSide(context.Background(), market.Config{Fiat: "COP"}, market.TradeBuy)
	assert.False(t, res.Success)
	assert.Equal(t, 100, fs.pages())
	assert.Equal(t, 100, res.Pages)
}

func TestFetchSide_PageCeilingIsHardLimit(t *testing.T) {
	fs := &fakeSearcher{fn: func(q PageQuery) (*Page, error) {
		return pageOf(q.Page, 20, 0), nil
	}}
	cfg := noDelay()
	cfg.MaxPages = 500
	f := NewFetcher(fs, cfg, nil)

	f.FetchSide(context.Background(), market.Config{Fiat: "COP"}, market.TradeBuy)
	assert.Equal(t, 100, fs.pages())
}

func TestFetchSide_SkipTrustFilter(t *testing.T) {
	fs := &fakeSearcher{fn: func(q PageQuery) (*Page, error) {
		if q.Page > 1 {
			return &Page{Success: true}, nil
		}
		return pageOf(1, 6, 0), nil
	}}
	f := NewFetcher(fs, noDelay(), nil)

	filtered := f.FetchSide(context.Background(), market.Config{Fiat: "BRL"}, market.TradeSell)
	assert.False(t, filtered.Success)

	open := f.FetchSide(context.Background(), market.Config{Fiat: "BRL", SkipTrustFilter: true}, market.TradeSell)
	assert.True(t, open.Success)
	assert.Len(t, open.Listings, 6)
}

func TestFetchSide_PassesMarketFilters(t *testing.T) {
	amount := 2500.0
	fs := &fakeSearcher{fn: func(q PageQuery) (*Page, error) {
		return &Page{Success: true}, nil
	}}
	f := NewFetcher(fs, noDelay(), nil)

	f.FetchSide(context.Background(), market.Config{Fiat: "MXN", PayType: "OXXO", Amount: &amount}, market.TradeSell)
	require.Len(t, fs.calls, 1)
	q := fs.calls[0]
	assert.Equal(t, "MXN", q.Fiat)
	assert.Equal(t, "OXXO", q.PayType)
	assert.Equal(t, market.TradeSell, q.TradeType)
	assert.Equal(t, &amount, q.Amount)
	assert.Equal(t, 1, q.Page)
	assert.Equal(t, 20, q.Rows)
}

func TestFetchSide_CancelledDuringPageDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fs := &fakeSearcher{fn: func(q PageQuery) (*Page, error) {
		cancel()
		return pageOf(q.Page, 20, 3), nil
	}}
	f := NewFetcher(fs, DefaultFetcherConfig(), nil)

	res := f.FetchSide(ctx, market.Config{Fiat: "USD"}, market.TradeBuy)
	assert.Equal(t, 1, fs.pages())
	assert.Len(t, res.Listings, 3)
}
