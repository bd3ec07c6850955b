// Package q402 gates HTTP resources behind a 402 payment challenge. A client
// answers with a payload carrying an EIP-712 witness signature and an
// EIP-7702 delegation; the server verifies both, applies the sponsor spend
// policy and optionally settles the payment on-chain before serving.
package q402

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/vitwit/q402/logger"
	"github.com/vitwit/q402/metrics"
	"github.com/vitwit/q402/policy"
	"github.com/vitwit/q402/replay"
	"github.com/vitwit/q402/settlement"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
	"github.com/vitwit/q402/verification"
)

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = types.X402Version1
)

// DefaultChallengeTTL is how long an issued challenge stays payable.
const DefaultChallengeTTL = 900 * time.Second

// Config is the server side protocol configuration.
type Config struct {
	Network                types.Network          `validate:"required"`
	RecipientAddress       string                 `validate:"required,eth_addr"`
	ImplementationContract string                 `validate:"required,eth_addr"`
	VerifyingContract      string                 `validate:"required,eth_addr"`
	Endpoints              []types.EndpointConfig `validate:"dive"`

	// AutoSettle submits each accepted payment before serving it.
	AutoSettle bool

	// AllowAnyRecipient skips the recipient check, for routes where the
	// payer chooses where funds go.
	AllowAnyRecipient bool

	// DevMode tolerates delegations that fail their format check. Never
	// enable in production.
	DevMode bool

	ChallengeTTL time.Duration
}

// Q402 wires verification, replay protection, policy and settlement.
type Q402 struct {
	cfg      Config
	chainID  uint64
	verifier verification.Verifier
	policy   *policy.Engine
	settler  settlement.Settler
	replay   replay.Guard
	store    ChallengeStore
	logger   logger.Logger
	metrics  metrics.Recorder
	now      func() time.Time
}

// New validates cfg and creates a Q402 instance. Components not supplied
// through options get in-process defaults; settlement has no default.
func New(cfg Config, opts ...Option) (*Q402, error) {
	if err := utils.Validator().Struct(cfg); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("invalid q402 config: %v", err),
		}
	}
	if _, err := types.ParseNetwork(cfg.Network.String()); err != nil {
		return nil, err
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}

	q := &Q402{
		cfg:     cfg,
		chainID: cfg.Network.ChainID(),
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	if q.verifier == nil {
		q.verifier = verification.NewVerificationService(
			cfg.ImplementationContract,
			verification.WithClock(q.now),
			verification.WithLogger(q.logger),
			verification.WithMetrics(q.metrics),
		)
	}
	if q.policy == nil {
		q.policy = policy.New(policy.DefaultConfig(),
			policy.WithClock(q.now),
			policy.WithLogger(q.logger),
			policy.WithMetrics(q.metrics, cfg.Network.String()),
		)
	}
	if q.replay == nil {
		q.replay = replay.NewMemoryGuard(replay.DefaultCapacity)
	}
	if cfg.AutoSettle && q.settler == nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: "auto settle requires a settler",
		}
	}
	if cfg.DevMode {
		q.logger.Warn("dev mode enabled: malformed delegations are accepted", map[string]any{
			"network": cfg.Network.String(),
		})
	}

	return q, nil
}

func (q *Q402) Config() Config {
	return q.cfg
}

// Verify checks a payload's signatures without consuming it.
func (q *Q402) Verify(ctx context.Context, payload *types.SignedPaymentPayload) *types.VerificationResult {
	return q.verifier.Verify(ctx, payload, verification.VerifyOptions{
		TolerateAuthorizationFormat: q.cfg.DevMode,
	})
}

// Authorize applies the spend policy to a payload and records the spend
// when allowed.
func (q *Q402) Authorize(ctx context.Context, payload *types.SignedPaymentPayload) types.PolicyResult {
	s, err := spendOf(payload)
	if err != nil {
		return types.PolicyResult{Allowed: false, Reason: err.Error()}
	}
	return q.policy.Authorize(ctx, s.to, s.value, policy.CheckOptions{Token: s.token})
}

// Settle verifies, authorizes and settles a payload. Verification, policy
// and replay failures are returned as *types.X402Error; settlement failures
// are reported in the result. A payment id is settled at most once, and its
// spend is recorded once even when the middleware already served it.
func (q *Q402) Settle(ctx context.Context, payload *types.SignedPaymentPayload) (*types.SettlementResult, error) {
	if q.settler == nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: "settlement is not configured",
		}
	}

	res := q.Verify(ctx, payload)
	if !res.IsValid {
		return nil, &types.X402Error{
			Code:    res.InvalidReason,
			Message: fmt.Sprintf("Payment verification failed: %s", res.InvalidReason),
			Data:    res,
		}
	}
	if msg := q.witnessMismatch(payload.PaymentDetails); msg != "" {
		return nil, &types.X402Error{
			Code:    types.ErrPaymentDetailsMismatch,
			Message: fmt.Sprintf("Payment details do not match the signed witness: %s", msg),
		}
	}

	ttl := q.claimTTL(payload.PaymentDetails.Witness.Message.Deadline)
	pr, err := q.authorizeOnce(ctx, payload, ttl)
	if err != nil {
		return nil, err
	}
	if !pr.Allowed {
		return nil, &types.X402Error{
			Code:    types.ErrPolicyViolation,
			Message: fmt.Sprintf("Sponsor policy violation: %s", pr.Reason),
		}
	}

	return q.settleOnce(ctx, payload, ttl)
}

// authorizeOnce applies the spend policy the first time a payment id
// reaches it, from either the middleware or the settle route. Later calls
// are allowed without recording the spend again.
func (q *Q402) authorizeOnce(ctx context.Context, payload *types.SignedPaymentPayload, ttl time.Duration) (types.PolicyResult, error) {
	key := spentKey(payload.PaymentDetails.Witness.Message.PaymentID)
	first, err := q.replay.Claim(ctx, key, ttl)
	if err != nil {
		return types.PolicyResult{}, err
	}
	if !first {
		return types.PolicyResult{Allowed: true}, nil
	}

	pr := q.Authorize(ctx, payload)
	if !pr.Allowed {
		q.release(ctx, key)
	}
	return pr, nil
}

// settleOnce submits a payment unless its id was already settled. A
// failure that never reached the chain frees the id for a retry.
func (q *Q402) settleOnce(ctx context.Context, payload *types.SignedPaymentPayload, ttl time.Duration) (*types.SettlementResult, error) {
	key := settledKey(payload.PaymentDetails.Witness.Message.PaymentID)
	first, err := q.replay.Claim(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, &types.X402Error{
			Code:    types.ErrPaymentAlreadyUsed,
			Message: fmt.Sprintf("%s: payment has already been settled", types.ErrPaymentAlreadyUsed),
		}
	}

	res := q.settle(ctx, payload)
	if !res.Success && res.TxHash == "" {
		q.release(ctx, key)
	}
	return res, nil
}

func (q *Q402) release(ctx context.Context, key string) {
	if err := q.replay.Release(ctx, key); err != nil {
		q.logger.Warn("failed to release payment claim", map[string]any{"key": key, "error": err.Error()})
	}
}

func spentKey(paymentID string) string   { return "spent:" + paymentID }
func settledKey(paymentID string) string { return "settled:" + paymentID }

func (q *Q402) settle(ctx context.Context, payload *types.SignedPaymentPayload) *types.SettlementResult {
	res := q.settler.Settle(ctx, payload)
	if res == nil {
		res = &types.SettlementResult{Success: false, Error: "settler returned no result"}
	}
	if !res.Success {
		q.metrics.IncCounter("settlement_failed", map[string]string{
			"network": q.cfg.Network.String(),
			"reason":  types.ErrSettlementFailed,
		})
		q.logger.Error("settlement failed", map[string]any{
			"code":      types.ErrSettlementFailed,
			"error":     res.Error,
			"txHash":    res.TxHash,
			"paymentId": payload.PaymentDetails.Witness.Message.PaymentID,
		})
	}
	return res
}

// PolicyEngine exposes the spend policy, e.g. for health reporting.
func (q *Q402) PolicyEngine() *policy.Engine {
	return q.policy
}

// GetVersion describes the library and protocol versions and what they
// support, as reported by the health route.
func GetVersion() map[string]any {
	return map[string]any{
		"library_version":  Version,
		"protocol_version": ProtocolVersion,
		"supported_networks": []string{
			types.NetworkBSCTestnet.String(),
			types.NetworkBSCMainnet.String(),
		},
		"supported_schemes": []string{
			types.SchemeSingle.String(),
			types.SchemeBatch.String(),
		},
	}
}

type spend struct {
	to    string
	value *big.Int
	token string
}

// spendOf extracts what the policy sees from a payload. A batch is
// checked as the sum of its legs against its first non-native token.
func spendOf(p *types.SignedPaymentPayload) (spend, error) {
	if p == nil || p.PaymentDetails == nil || p.PaymentDetails.Witness == nil || p.PaymentDetails.Witness.Message == nil {
		return spend{}, fmt.Errorf("payload has no payment details")
	}
	details := p.PaymentDetails
	msg := details.Witness.Message

	to := details.To
	if to == "" {
		to = msg.To
	}

	if details.Scheme == types.SchemeBatch && len(details.Batch) > 0 {
		total := new(big.Int)
		token := ""
		for i, leg := range details.Batch {
			v, ok := leg.Amount.Big()
			if !ok {
				return spend{}, fmt.Errorf("batch leg %d has invalid amount %q", i, leg.Amount)
			}
			total.Add(total, v)
			if token == "" && !types.IsNativeToken(leg.Token) {
				token = leg.Token
			}
		}
		return spend{to: to, value: total, token: token}, nil
	}

	value, ok := msg.Amount.Big()
	if !ok {
		return spend{}, fmt.Errorf("invalid amount %q", msg.Amount)
	}
	token := msg.Token
	if types.IsNativeToken(token) {
		token = ""
	}
	return spend{to: to, value: value, token: token}, nil
}
