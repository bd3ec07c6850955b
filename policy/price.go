package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/q402/logger"
)

const (
	DefaultPriceTTL     = 5 * time.Minute
	DefaultPriceTimeout = 3 * time.Second
)

// DefaultFallbackPrice is used when no price has ever been fetched. It is
// deliberately high so USD caps get stricter, not looser.
var DefaultFallbackPrice = decimal.NewFromInt(650)

// PriceSource fetches the current USD price of the native coin.
type PriceSource interface {
	Price(ctx context.Context) (decimal.Decimal, error)
}

// PriceSourceFunc adapts a function to PriceSource.
type PriceSourceFunc func(ctx context.Context) (decimal.Decimal, error)

func (f PriceSourceFunc) Price(ctx context.Context) (decimal.Decimal, error) {
	return f(ctx)
}

// PriceOracle caches a PriceSource and never fails.
type PriceOracle struct {
	source   PriceSource
	ttl      time.Duration
	timeout  time.Duration
	fallback decimal.Decimal
	now      func() time.Time
	logger   logger.Logger

	mu       sync.Mutex
	price    decimal.Decimal
	cachedAt time.Time
	cached   bool
}

type OracleOption func(*PriceOracle)

func WithTTL(d time.Duration) OracleOption {
	return func(o *PriceOracle) { o.ttl = d }
}

func WithFetchTimeout(d time.Duration) OracleOption {
	return func(o *PriceOracle) { o.timeout = d }
}

func WithFallbackPrice(p decimal.Decimal) OracleOption {
	return func(o *PriceOracle) { o.fallback = p }
}

func WithOracleClock(now func() time.Time) OracleOption {
	return func(o *PriceOracle) { o.now = now }
}

func WithOracleLogger(l logger.Logger) OracleOption {
	return func(o *PriceOracle) { o.logger = l }
}

func NewPriceOracle(source PriceSource, opts ...OracleOption) *PriceOracle {
	o := &PriceOracle{
		source:   source,
		ttl:      DefaultPriceTTL,
		timeout:  DefaultPriceTimeout,
		fallback: DefaultFallbackPrice,
		now:      time.Now,
		logger:   logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Price returns the cached price while fresh. Otherwise it fetches with a
// bounded timeout and, on failure, falls back to the last known price or
// the configured fallback.
func (o *PriceOracle) Price(ctx context.Context) decimal.Decimal {
	o.mu.Lock()
	if o.cached && o.now().Sub(o.cachedAt) < o.ttl {
		p := o.price
		o.mu.Unlock()
		return p
	}
	o.mu.Unlock()

	p, err := o.fetch(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		if o.cached {
			p = o.price
		} else {
			p = o.fallback
		}
		o.logger.Warn("price fetch failed, using fallback", map[string]any{
			"error": err.Error(),
			"price": p.String(),
		})
	}
	o.price = p
	o.cachedAt = o.now()
	o.cached = true
	return p
}

func (o *PriceOracle) fetch(ctx context.Context) (decimal.Decimal, error) {
	if o.source == nil {
		return decimal.Zero, fmt.Errorf("no price source configured")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	p, err := o.source.Price(fetchCtx)
	if err != nil {
		return decimal.Zero, err
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid price %s", p)
	}
	return p, nil
}

// CoinGeckoSource reads prices from the CoinGecko simple price API.
type CoinGeckoSource struct {
	BaseURL string
	CoinID  string
	Client  *http.Client
}

const coinGeckoBaseURL = "https://api.coingecko.com/api/v3"

func NewCoinGeckoSource(coinID string) *CoinGeckoSource {
	return &CoinGeckoSource{
		BaseURL: coinGeckoBaseURL,
		CoinID:  coinID,
		Client:  &http.Client{},
	}
}

func (c *CoinGeckoSource) Price(ctx context.Context) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", c.CoinID)
	q.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price request returned %d", resp.StatusCode)
	}

	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price: %w", err)
	}

	p, ok := body[c.CoinID]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("price for %s missing", c.CoinID)
	}
	return p, nil
}
