package verification

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/q402/logger"
	"github.com/vitwit/q402/metrics"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
	"github.com/vitwit/q402/utils/eip712"
)

// Verifier interface defines the contract for payment verification
type Verifier interface {
	Verify(ctx context.Context, payload *types.SignedPaymentPayload, opts VerifyOptions) *types.VerificationResult
}

// VerifyOptions relaxes individual checks for a single call.
type VerifyOptions struct {
	// TolerateAuthorizationFormat continues past an authorization that
	// fails its format check. The witness signature is still verified and
	// the delegation signature is not. Development only.
	TolerateAuthorizationFormat bool
}

// VerificationService checks the witness and delegation signatures of a
// signed payment payload.
type VerificationService struct {
	implementationContract string
	now                    func() time.Time
	logger                 logger.Logger
	metrics                metrics.Recorder
}

type Option func(*VerificationService)

func WithClock(now func() time.Time) Option {
	return func(s *VerificationService) {
		s.now = now
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *VerificationService) {
		s.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *VerificationService) {
		s.metrics = r
	}
}

// NewVerificationService creates a verification service. When
// implementationContract is set, delegations to any other contract are
// rejected; otherwise the payload's own implementationContract is used.
func NewVerificationService(implementationContract string, opts ...Option) *VerificationService {
	s := &VerificationService{
		implementationContract: implementationContract,
		now:                    time.Now,
		logger:                 logger.NoopLogger{},
		metrics:                metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify runs every check in order and reports the first failure.
func (s *VerificationService) Verify(
	ctx context.Context,
	payload *types.SignedPaymentPayload,
	opts VerifyOptions,
) *types.VerificationResult {
	start := s.now()
	result := s.verify(ctx, payload, opts)

	labels := map[string]string{"network": networkOf(payload)}
	s.metrics.ObserveLatency("verify", s.now().Sub(start), labels)
	if !result.IsValid {
		labels["reason"] = result.InvalidReason
		s.metrics.IncCounter("verify_failed", labels)
	}
	return result
}

func (s *VerificationService) verify(
	ctx context.Context,
	payload *types.SignedPaymentPayload,
	opts VerifyOptions,
) *types.VerificationResult {
	if err := ctx.Err(); err != nil {
		return invalid(types.ErrUnexpected)
	}

	if reason := utils.ShapeReason(payload); reason != "" {
		return invalid(reason)
	}

	details := payload.PaymentDetails
	message := details.Witness.Message

	if Expired(message.Deadline, s.now()) {
		return invalid(types.ErrPaymentExpired)
	}

	if !utils.IsSignatureHex(payload.WitnessSignature) {
		return invalid(types.ErrInvalidSignatureFormat)
	}

	bypass := false
	if !AuthorizationFormatValid(payload.Authorization) {
		if !opts.TolerateAuthorizationFormat {
			return invalid(types.ErrInvalidAuthorizationFormat)
		}
		bypass = true
	}

	signer, err := eip712.RecoverWitnessSigner(details.Witness, payload.WitnessSignature)
	if err != nil {
		s.logger.Debug("witness recovery failed", map[string]any{"error": err.Error()})
		return invalid(types.ErrInvalidSignature)
	}
	if !utils.EqualAddress(signer.Hex(), message.Owner) {
		s.logger.Debug("witness signer mismatch", map[string]any{
			"expected":  message.Owner,
			"recovered": signer.Hex(),
		})
		return invalid(types.ErrInvalidSignature)
	}

	if bypass {
		s.logger.Warn("authorization format check bypassed", map[string]any{
			"payer":     signer.Hex(),
			"paymentId": message.PaymentID,
		})
		return &types.VerificationResult{
			IsValid:               true,
			Payer:                 signer.Hex(),
			AuthorizationBypassed: true,
		}
	}

	if !s.authorizationValid(payload, signer) {
		return invalid(types.ErrInvalidAuthorization)
	}

	return &types.VerificationResult{
		IsValid: true,
		Payer:   signer.Hex(),
	}
}

func (s *VerificationService) authorizationValid(payload *types.SignedPaymentPayload, owner common.Address) bool {
	auth := payload.Authorization
	expected := payload.PaymentDetails.ImplementationContract
	if s.implementationContract != "" {
		if expected != "" && !utils.EqualAddress(expected, s.implementationContract) {
			s.logger.Debug("payment names unexpected implementation contract", map[string]any{
				"expected": s.implementationContract,
				"got":      expected,
			})
			return false
		}
		expected = s.implementationContract
	}

	if !utils.EqualAddress(auth.Address, expected) {
		s.logger.Debug("authorization contract mismatch", map[string]any{
			"expected": expected,
			"got":      auth.Address,
		})
		return false
	}

	authority, err := eip712.RecoverAuthoritySigner(auth)
	if err != nil {
		s.logger.Debug("authorization recovery failed", map[string]any{"error": err.Error()})
		return false
	}
	if authority != owner {
		s.logger.Debug("authorization signer mismatch", map[string]any{
			"expected":  owner.Hex(),
			"recovered": authority.Hex(),
		})
		return false
	}
	return true
}

// AuthorizationFormatValid checks the fields of a signed delegation.
func AuthorizationFormatValid(a *types.SignedAuthorization) bool {
	return a != nil &&
		a.ChainID > 0 &&
		utils.IsAddressHex(a.Address) &&
		a.YParity != nil && *a.YParity <= 1 &&
		utils.IsBytes32Hex(a.R) &&
		utils.IsBytes32Hex(a.S)
}

// Expired reports whether now is past deadline. A missing or malformed
// deadline counts as expired.
func Expired(deadline types.Numeric, now time.Time) bool {
	d, ok := deadline.Big()
	if !ok {
		return true
	}
	return big.NewInt(now.Unix()).Cmp(d) > 0
}

func invalid(reason string) *types.VerificationResult {
	return &types.VerificationResult{
		IsValid:       false,
		InvalidReason: reason,
	}
}

func networkOf(p *types.SignedPaymentPayload) string {
	if p == nil || p.PaymentDetails == nil {
		return ""
	}
	return p.PaymentDetails.NetworkID.String()
}
