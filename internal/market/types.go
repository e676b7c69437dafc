package market

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type TradeType string

const (
	TradeBuy  TradeType = "BUY"
	TradeSell TradeType = "SELL"
)

const notApplicable = "N/A"

// Config describes one national-currency market.
type Config struct {
	Country string   `yaml:"country" json:"country"`
	Fiat    string   `yaml:"fiat" json:"fiat"`
	Amount  *float64 `yaml:"amount" json:"searchAmount"`
	PayType string   `yaml:"pay_type" json:"paymentMethod,omitempty"`

	// SkipTrustFilter keeps listings from unverified, non-merchant advertisers.
	SkipTrustFilter bool `yaml:"skip_trust_filter" json:"skipTrustFilter,omitempty"`
	// SellOnly markets are valid with a sell price alone.
	SellOnly bool `yaml:"sell_only" json:"sellOnly,omitempty"`
}

type Merchant struct {
	NickName        string  `json:"nickName"`
	UserType        string  `json:"userType"`
	Verified        bool    `json:"isVerified"`
	MonthFinishRate float64 `json:"monthFinishRate"`
	MonthOrderCount int     `json:"monthOrderCount"`
}

type Ad struct {
	Price     float64 `json:"price"`
	MinAmount float64 `json:"minAmount"`
	MaxAmount float64 `json:"maxAmount"`
	Available float64 `json:"availableUSDT"`
	Fiat      string  `json:"fiat"`
}

type Listing struct {
	Merchant Merchant `json:"merchant"`
	Ad       Ad       `json:"ad"`
}

// Trusted reports whether the advertiser is a merchant or has a verified identity.
func (l Listing) Trusted() bool {
	return l.Merchant.UserType == "merchant" || l.Merchant.Verified
}

// SideResult is what one (market, trade type) retrieval produced. Listings keep the
// upstream ranking, best price first.
type SideResult struct {
	Listings []Listing
	Success  bool
	Total    int
	Pages    int
}

func (r SideResult) Empty() bool {
	return !r.Success || len(r.Listings) == 0
}

// Price is a reference price that may be missing or marked not applicable.
// It encodes to JSON as a number, null or "N/A".
type Price struct {
	value float64
	set   bool
	na    bool
}

func PriceOf(v float64) Price { return Price{value: v, set: true} }

func NotApplicable() Price { return Price{na: true} }

func (p Price) Float() (float64, bool) { return p.value, p.set }

func (p Price) Present() bool { return p.set }

func (p Price) NA() bool { return p.na }

func (p Price) String() string {
	switch {
	case p.set:
		return fmt.Sprintf("%g", p.value)
	case p.na:
		return notApplicable
	default:
		return "null"
	}
}

func (p Price) MarshalJSON() ([]byte, error) {
	switch {
	case p.set:
		return json.Marshal(p.value)
	case p.na:
		return json.Marshal(notApplicable)
	default:
		return []byte("null"), nil
	}
}

func (p *Price) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = Price{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != notApplicable {
			return fmt.Errorf("invalid price %q", s)
		}
		*p = NotApplicable()
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid price: %w", err)
	}
	*p = PriceOf(v)
	return nil
}

type Prices struct {
	Buy              Price    `json:"buy"`
	Sell             Price    `json:"sell"`
	Spread           *float64 `json:"spread"`
	SpreadPercentage *string  `json:"spreadPercentage"`
}

type Ads struct {
	Buy  []Listing `json:"buy"`
	Sell []Listing `json:"sell"`
}

type Summary struct {
	TotalBuyAds  int `json:"totalBuyAds"`
	TotalSellAds int `json:"totalSellAds"`
}

// Snapshot is the priced state of one market at one point in time.
type Snapshot struct {
	Country       string    `json:"country"`
	Fiat          string    `json:"fiat"`
	PaymentMethod string    `json:"paymentMethod,omitempty"`
	SearchAmount  *float64  `json:"searchAmount"`
	SellOnly      bool      `json:"sellOnly,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Prices        Prices    `json:"prices"`
	Ads           Ads       `json:"ads"`
	Summary       Summary   `json:"summary"`
	Valid         bool      `json:"valid"`
	Error         string    `json:"error,omitempty"`
}

// NewSnapshot returns an empty, invalid snapshot for m.
func NewSnapshot(m Config, ts time.Time) Snapshot {
	return Snapshot{
		Country:       m.Country,
		Fiat:          m.Fiat,
		PaymentMethod: m.PayType,
		SearchAmount:  m.Amount,
		SellOnly:      m.SellOnly,
		Timestamp:     ts,
		Ads:           Ads{Buy: []Listing{}, Sell: []Listing{}},
	}
}

// Evaluate recomputes Valid from the prices: both sides present, or only the
// sell side for sell-only markets.
func (s *Snapshot) Evaluate() bool {
	if s.SellOnly {
		s.Valid = s.Prices.Sell.Present()
	} else {
		s.Valid = s.Prices.Buy.Present() && s.Prices.Sell.Present()
	}
	return s.Valid
}

// AllValid reports whether every snapshot is valid. An empty slice is not.
func AllValid(snaps []Snapshot) bool {
	if len(snaps) == 0 {
		return false
	}
	for _, s := range snaps {
		if !s.Valid {
			return false
		}
	}
	return true
}

func CountValid(snaps []Snapshot) int {
	n := 0
	for _, s := range snaps {
		if s.Valid {
			n++
		}
	}
	return n
}
