package market

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyFiat       = errors.New("market fiat is empty")
	ErrDuplicateMarket = errors.New("duplicate market fiat")
)

// Registry is the immutable, ordered list of markets a process aggregates.
type Registry struct {
	markets []Config
	index   map[string]int
}

func NewRegistry(markets []Config) (*Registry, error) {
	r := &Registry{
		markets: make([]Config, 0, len(markets)),
		index:   make(map[string]int, len(markets)),
	}
	for _, m := range markets {
		m.Fiat = strings.ToUpper(strings.TrimSpace(m.Fiat))
		if m.Fiat == "" {
			return nil, fmt.Errorf("market %q: %w", m.Country, ErrEmptyFiat)
		}
		if _, ok := r.index[m.Fiat]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMarket, m.Fiat)
		}
		if m.Country == "" {
			m.Country = m.Fiat
		}
		r.index[m.Fiat] = len(r.markets)
		r.markets = append(r.markets, m)
	}
	return r, nil
}

// MustRegistry is NewRegistry for static market lists.
func MustRegistry(markets []Config) *Registry {
	r, err := NewRegistry(markets)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Markets() []Config {
	out := make([]Config, len(r.markets))
	copy(out, r.markets)
	return out
}

func (r *Registry) Len() int { return len(r.markets) }

func (r *Registry) Lookup(fiat string) (Config, bool) {
	i, ok := r.index[strings.ToUpper(fiat)]
	if !ok {
		return Config{}, false
	}
	return r.markets[i], true
}

func amount(v float64) *float64 { return &v }

// DefaultMarkets is the built-in registry used when configuration lists none.
func DefaultMarkets() []Config {
	return []Config{
		{Country: "Chile", Fiat: "CLP"},
		{Country: "Brasil", Fiat: "BRL", SkipTrustFilter: true, SellOnly: true},
		{Country: "Venezuela", Fiat: "VES", Amount: amount(50000), PayType: "SpecificBank"},
		{Country: "Perú", Fiat: "PEN", Amount: amount(450), PayType: "CreditBankofPeru"},
		{Country: "México", Fiat: "MXN", Amount: amount(2500), PayType: "OXXO"},
		{Country: "Argentina", Fiat: "ARS", Amount: amount(200000), PayType: "MercadoPagoNew"},
		{Country: "Colombia", Fiat: "COP", Amount: amount(450000), PayType: "BancolombiaSA"},
		{Country: "Ecuador", Fiat: "USD", Amount: amount(200), PayType: "BancoGuayaquil"},
		{Country: "Rep. Dominicana", Fiat: "DOP"},
	}
}
