// Package policy bounds what the sponsor wallet pays for: deny and allow
// lists, a per transaction cap and a daily cap.
package policy

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/q402/logger"
	"github.com/vitwit/q402/metrics"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
)

// Epoch is the length of a daily spend bucket.
const Epoch = 24 * time.Hour

// Pricer supplies the native coin USD price.
type Pricer interface {
	Price(ctx context.Context) decimal.Decimal
}

// CheckOptions carries per transaction inputs.
type CheckOptions struct {
	// Token is checked against AllowedTokens. Native aliases are ignored.
	Token string

	// Price overrides the oracle price.
	Price *decimal.Decimal
}

// DefaultConfig mirrors the stock sponsor policy: 5 native per tx, 10 per
// day and the null address denied.
func DefaultConfig() types.PolicyConfig {
	return types.PolicyConfig{
		MaxDailySpend:   decimal.NewFromInt(10),
		MaxTxAmount:     decimal.NewFromInt(5),
		DeniedContracts: []string{types.ZeroAddress},
	}
}

// Engine is a stateful policy checker shared by all requests.
type Engine struct {
	cfg      types.PolicyConfig
	decimals int32
	pricer   Pricer
	now      func() time.Time
	logger   logger.Logger
	metrics  metrics.Recorder
	network  string

	mu         sync.Mutex
	dailySpend decimal.Decimal
	lastReset  time.Time
}

type Option func(*Engine)

func WithPricer(p Pricer) Option {
	return func(e *Engine) { e.pricer = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithDecimals(d int32) Option {
	return func(e *Engine) { e.decimals = d }
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(r metrics.Recorder, network string) Option {
	return func(e *Engine) {
		e.metrics = r
		e.network = network
	}
}

func New(cfg types.PolicyConfig, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		decimals: 18,
		now:      time.Now,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.lastReset = e.now()
	return e
}

// CheckTx reports whether a transfer of value (minor units) to `to` is
// allowed. It does not record anything.
func (e *Engine) CheckTx(ctx context.Context, to string, value *big.Int, opts CheckOptions) types.PolicyResult {
	price := e.price(ctx, opts)

	e.mu.Lock()
	defer e.mu.Unlock()

	_, res := e.checkLocked(to, value, opts.Token, price)
	return res
}

// RecordTx adds value (minor units) to the daily spend.
func (e *Engine) RecordTx(value *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetLocked()
	e.dailySpend = e.dailySpend.Add(e.toNative(value))
	e.reportLocked()
}

// Authorize checks and, when allowed, records the transfer in one
// critical section so concurrent callers cannot overshoot the caps.
func (e *Engine) Authorize(ctx context.Context, to string, value *big.Int, opts CheckOptions) types.PolicyResult {
	price := e.price(ctx, opts)

	e.mu.Lock()
	defer e.mu.Unlock()

	amount, res := e.checkLocked(to, value, opts.Token, price)
	if !res.Allowed {
		e.metrics.IncCounter("policy_rejected", map[string]string{"network": e.network})
		e.logger.Info("policy rejected transaction", map[string]any{
			"to":     to,
			"amount": amount.String(),
			"reason": res.Reason,
		})
		return res
	}

	e.dailySpend = e.dailySpend.Add(amount)
	e.reportLocked()
	return res
}

// DailySpend returns the spend of the current epoch in native units.
func (e *Engine) DailySpend() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetLocked()
	return e.dailySpend
}

// Price returns the oracle price, or the fallback when no oracle is set.
func (e *Engine) Price(ctx context.Context) decimal.Decimal {
	return e.price(ctx, CheckOptions{})
}

func (e *Engine) price(ctx context.Context, opts CheckOptions) decimal.Decimal {
	if opts.Price != nil {
		return *opts.Price
	}
	if e.pricer == nil {
		return DefaultFallbackPrice
	}
	return e.pricer.Price(ctx)
}

func (e *Engine) toNative(value *big.Int) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return utils.FromMinorUnits(value, e.decimals)
}

func (e *Engine) resetLocked() {
	now := e.now()
	if now.Sub(e.lastReset) > Epoch {
		e.dailySpend = decimal.Zero
		e.lastReset = now
	}
}

func (e *Engine) reportLocked() {
	f, _ := e.dailySpend.Float64()
	e.metrics.SetGauge("daily_spend", f, map[string]string{"network": e.network})
}

func (e *Engine) checkLocked(to string, value *big.Int, token string, price decimal.Decimal) (decimal.Decimal, types.PolicyResult) {
	e.resetLocked()

	if value != nil && value.Sign() < 0 {
		return decimal.Zero, deny("Transaction amount cannot be negative.")
	}
	amount := e.toNative(value)

	if utils.ContainsAddress(e.cfg.DeniedContracts, to) {
		return amount, deny("Contract is in the deny list.")
	}

	if token != "" && !types.IsNativeToken(token) && len(e.cfg.AllowedTokens) > 0 &&
		!utils.ContainsAddress(e.cfg.AllowedTokens, token) {
		return amount, deny(fmt.Sprintf("Token %s is not in the allowed tokens list.", token))
	}

	if len(e.cfg.AllowedContracts) > 0 && !utils.ContainsAddress(e.cfg.AllowedContracts, to) {
		return amount, deny("Contract is not in the allow list.")
	}

	if amount.GreaterThan(e.cfg.MaxTxAmount) {
		return amount, deny(fmt.Sprintf(
			"Transaction amount %s (~$%s) exceeds limit of %s.",
			amount.StringFixed(4), amount.Mul(price).StringFixed(2), e.cfg.MaxTxAmount,
		))
	}

	if e.cfg.MaxTxUSD.IsPositive() && amount.Mul(price).GreaterThan(e.cfg.MaxTxUSD) {
		return amount, deny(fmt.Sprintf(
			"Transaction value ~$%s exceeds limit of $%s.",
			amount.Mul(price).StringFixed(2), e.cfg.MaxTxUSD,
		))
	}

	total := e.dailySpend.Add(amount)
	if total.GreaterThan(e.cfg.MaxDailySpend) {
		return amount, deny(fmt.Sprintf(
			"Daily spend limit exceeded. Current: %s, Attempting: %s, Limit: %s",
			e.dailySpend.StringFixed(4), amount.StringFixed(4), e.cfg.MaxDailySpend,
		))
	}

	if e.cfg.MaxDailyUSD.IsPositive() && total.Mul(price).GreaterThan(e.cfg.MaxDailyUSD) {
		return amount, deny(fmt.Sprintf(
			"Daily spend limit exceeded. ~$%s of $%s.",
			total.Mul(price).StringFixed(2), e.cfg.MaxDailyUSD,
		))
	}

	return amount, types.PolicyResult{Allowed: true}
}

func deny(reason string) types.PolicyResult {
	return types.PolicyResult{Allowed: false, Reason: reason}
}
