package aggregator

import (
	"github.com/shopspring/decimal"

	"p2p-rate-monitor/internal/market"
)

var hundred = decimal.NewFromInt(100)

// PricePolicy selects the reference listing of a side. Depth 1 is the
// best-ranked listing; a deeper setting skips the top of book and falls back
// to the worst-ranked listing when the side is shorter.
type PricePolicy struct {
	Depth int
}

func DefaultPricePolicy() PricePolicy {
	return PricePolicy{Depth: 1}
}

// Reference returns the reference price of a side, absent when it has no listings.
func (p PricePolicy) Reference(listings []market.Listing) market.Price {
	if len(listings) == 0 {
		return market.Price{}
	}
	idx := p.Depth - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(listings) {
		idx = len(listings) - 1
	}
	return market.PriceOf(listings[idx].Ad.Price)
}

// Spread fills Spread and SpreadPercentage when both prices are numbers and buy > 0.
func Spread(prices *market.Prices) {
	prices.Spread = nil
	prices.SpreadPercentage = nil

	buy, okBuy := prices.Buy.Float()
	sell, okSell := prices.Sell.Float()
	if !okBuy || !okSell || buy <= 0 {
		return
	}

	buyDec := decimal.NewFromFloat(buy)
	spreadDec := decimal.NewFromFloat(sell).Sub(buyDec)
	spread := spreadDec.InexactFloat64()
	pct := spreadDec.Div(buyDec).Mul(hundred).StringFixed(2)

	prices.Spread = &spread
	prices.SpreadPercentage = &pct
}
