package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"p2p-rate-monitor/internal/market"
)

const (
	DefaultEndpoint = "https://p2p.binance.com/bapi/c2c/v2/friendly/c2c/adv/search"
	DefaultAsset    = "USDT"
	DefaultTimeout  = 15 * time.Second

	maxErrorBody = 512
)

// Client issues single page searches against the advertisement API.
type Client struct {
	endpoint   string
	asset      string
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func NewClient(endpoint string, opts ...ClientOption) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint: endpoint,
		asset:    DefaultAsset,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout bounds every page request, including reading the body.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithAsset(asset string) ClientOption {
	return func(c *Client) {
		if asset != "" {
			c.asset = asset
		}
	}
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// PageQuery selects one page of ads.
type PageQuery struct {
	Fiat      string
	PayType   string
	TradeType market.TradeType
	Amount    *float64
	Page      int
	Rows      int
}

// Page is one parsed response. Received counts the ads in the payload,
// Listings holds the ones that parsed.
type Page struct {
	Success  bool
	Received int
	Listings []market.Listing
	Rejected int
}

type searchRequest struct {
	Asset         string      `json:"asset"`
	Fiat          string      `json:"fiat"`
	MerchantCheck bool        `json:"merchantCheck"`
	Page          int         `json:"page"`
	PayTypes      []string    `json:"payTypes"`
	PublisherType *string     `json:"publisherType"`
	Rows          int         `json:"rows"`
	TradeType     string      `json:"tradeType"`
	TransAmount   transAmount `json:"transAmount"`
}

// transAmount encodes as a number, or "" when no amount is set.
type transAmount struct {
	v *float64
}

func (a transAmount) MarshalJSON() ([]byte, error) {
	if a.v == nil || *a.v == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(*a.v)
}

type searchResponse struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Success bool            `json:"success"`
	Data    []rawAd         `json:"data"`
}

type rawAd struct {
	Advertiser rawAdvertiser `json:"advertiser"`
	Adv        rawAdv        `json:"adv"`
}

type rawAdvertiser struct {
	NickName        string    `json:"nickName"`
	UserType        string    `json:"userType"`
	UserIdentity    string    `json:"userIdentity"`
	MonthFinishRate flexFloat `json:"monthFinishRate"`
	MonthOrderCount flexFloat `json:"monthOrderCount"`
}

type rawAdv struct {
	Price                       flexFloat `json:"price"`
	MinSingleTransAmount        flexFloat `json:"minSingleTransAmount"`
	DynamicMaxSingleTransAmount flexFloat `json:"dynamicMaxSingleTransAmount"`
	SurplusAmount               flexFloat `json:"surplusAmount"`
}

func newSearchRequest(asset string, q PageQuery) searchRequest {
	payTypes := []string{}
	if q.PayType != "" {
		payTypes = []string{q.PayType}
	}
	return searchRequest{
		Asset:         asset,
		Fiat:          q.Fiat,
		MerchantCheck: true,
		Page:          q.Page,
		PayTypes:      payTypes,
		Rows:          q.Rows,
		TradeType:     string(q.TradeType),
		TransAmount:   transAmount{v: q.Amount},
	}
}

// SearchPage requests and parses one page.
func (c *Client) SearchPage(ctx context.Context, q PageQuery) (*Page, error) {
	body, err := json.Marshal(newSearchRequest(c.asset, q))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Body: truncate(data)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Err: errEmptyBody}
	}

	var payload searchResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Body: truncate(data), Err: fmt.Errorf("decode: %w", err)}
	}
	if !payload.Success {
		return &Page{}, fmt.Errorf("%w: code=%s message=%q", ErrUpstreamLogical, string(payload.Code), payload.Message)
	}

	page := &Page{
		Success:  true,
		Received: len(payload.Data),
		Listings: make([]market.Listing, 0, len(payload.Data)),
	}
	for i, ad := range payload.Data {
		l, err := parseListing(ad, q.Fiat)
		if err != nil {
			page.Rejected++
			c.logger.Debug("ad rejected",
				zap.String("fiat", q.Fiat),
				zap.Int("page", q.Page),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		page.Listings = append(page.Listings, l)
	}
	return page, nil
}

func parseListing(ad rawAd, fiat string) (market.Listing, error) {
	price, ok := ad.Adv.Price.Value()
	if !ok {
		return market.Listing{}, &ParseError{Field: "adv.price", Value: ad.Adv.Price.raw}
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return market.Listing{}, &ParseError{Field: "adv.price", Value: ad.Adv.Price.raw, Err: fmt.Errorf("must be positive")}
	}
	orders, _ := ad.Advertiser.MonthOrderCount.Value()
	finish, _ := ad.Advertiser.MonthFinishRate.Value()
	minAmt, _ := ad.Adv.MinSingleTransAmount.Value()
	maxAmt, _ := ad.Adv.DynamicMaxSingleTransAmount.Value()
	avail, _ := ad.Adv.SurplusAmount.Value()

	return market.Listing{
		Merchant: market.Merchant{
			NickName:        ad.Advertiser.NickName,
			UserType:        ad.Advertiser.UserType,
			Verified:        ad.Advertiser.UserIdentity == "verified",
			MonthFinishRate: finish,
			MonthOrderCount: int(orders),
		},
		Ad: market.Ad{
			Price:     price,
			MinAmount: minAmt,
			MaxAmount: maxAmt,
			Available: avail,
			Fiat:      fiat,
		},
	}, nil
}

func truncate(b []byte) []byte {
	if len(b) > maxErrorBody {
		return b[:maxErrorBody]
	}
	return b
}
