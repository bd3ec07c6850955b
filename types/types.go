package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// X402Version represents the version of the payment protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

const (
	// HeaderPayment carries the base64 encoded SignedPaymentPayload.
	HeaderPayment = "x-payment"

	// HeaderPaymentResponse carries the base64 encoded PaymentResponse after settlement.
	HeaderPaymentResponse = "x-payment-response"

	// Any disables strict matching for an endpoint's token or amount.
	Any = "any"

	// ZeroAddress is used as the owner placeholder in issued challenges.
	ZeroAddress = "0x0000000000000000000000000000000000000000"
)

// PaymentScheme selects the on-chain call used to settle a payment.
type PaymentScheme int

const (
	SchemeSingle PaymentScheme = iota + 1
	SchemeBatch
)

const (
	schemeSingleName = "EIP7702_DELEGATED"
	schemeBatchName  = "EIP7702_DELEGATED_BATCH"
)

// ParseScheme maps the wire name of a scheme to its value.
func ParseScheme(s string) (PaymentScheme, error) {
	switch s {
	case schemeSingleName:
		return SchemeSingle, nil
	case schemeBatchName:
		return SchemeBatch, nil
	default:
		return 0, fmt.Errorf("unsupported payment scheme: %q", s)
	}
}

func (s PaymentScheme) String() string {
	switch s {
	case SchemeSingle:
		return schemeSingleName
	case SchemeBatch:
		return schemeBatchName
	default:
		return ""
	}
}

func (s PaymentScheme) Valid() bool {
	return s == SchemeSingle || s == SchemeBatch
}

func (s PaymentScheme) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PaymentScheme) UnmarshalText(b []byte) error {
	v, err := ParseScheme(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Numeric is an unsigned base-10 integer carried as a string. It decodes
// from either a JSON string or a JSON number and always encodes as a string.
type Numeric string

func (n Numeric) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(n))
}

func (n *Numeric) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Numeric(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("numeric value must be a string or number: %w", err)
	}
	*n = Numeric(num.String())
	return nil
}

func (n Numeric) String() string {
	return string(n)
}

// Big parses the value. It reports false for empty, negative or
// fractional values.
func (n Numeric) Big() (*big.Int, bool) {
	s := strings.TrimSpace(string(n))
	if s == "" {
		return nil, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, false
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	return v, ok
}

// EndpointConfig describes a payment gated path.
type EndpointConfig struct {
	Path   string `json:"path" validate:"required"`
	Token  string `json:"token" validate:"required"`
	Amount string `json:"amount" validate:"required"`
}

// TypedField is a single member of an EIP-712 struct type.
type TypedField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// WitnessDomain is the EIP-712 domain of the payment witness.
type WitnessDomain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           uint64 `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// WitnessMessage is the payer signed payment intent.
type WitnessMessage struct {
	Owner     string  `json:"owner"`
	Token     string  `json:"token"`
	Amount    Numeric `json:"amount"`
	To        string  `json:"to"`
	Deadline  Numeric `json:"deadline"`
	PaymentID string  `json:"paymentId"`
	Nonce     Numeric `json:"nonce"`
}

// Witness is the EIP-712 typed data the payer signs.
type Witness struct {
	Domain      *WitnessDomain          `json:"domain" validate:"required"`
	Types       map[string][]TypedField `json:"types"`
	PrimaryType string                  `json:"primaryType"`
	Message     *WitnessMessage         `json:"message" validate:"required"`
}

// AuthorizationTuple is the unsigned EIP-7702 delegation tuple.
type AuthorizationTuple struct {
	ChainID uint64 `json:"chainId"`
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

// SignedAuthorization is an AuthorizationTuple with its signature.
type SignedAuthorization struct {
	AuthorizationTuple
	YParity *uint8 `json:"yParity,omitempty"`
	R       string `json:"r,omitempty"`
	S       string `json:"s,omitempty"`
}

// BatchLeg is one transfer of a batch payment.
type BatchLeg struct {
	Token  string  `json:"token"`
	Amount Numeric `json:"amount"`
	To     string  `json:"to"`
}

// PaymentDetails is the challenge a server issues and the client echoes back signed.
type PaymentDetails struct {
	Scheme                 PaymentScheme       `json:"scheme" validate:"required"`
	NetworkID              Network             `json:"networkId"`
	Token                  string              `json:"token"`
	Amount                 Numeric             `json:"amount"`
	To                     string              `json:"to"`
	ImplementationContract string              `json:"implementationContract"`
	Witness                *Witness            `json:"witness" validate:"required"`
	Authorization          *AuthorizationTuple `json:"authorization,omitempty"`

	// Batch is only used by SchemeBatch.
	Batch []BatchLeg `json:"batch,omitempty"`
}

// SignedPaymentPayload is the unit carried by the x-payment header.
type SignedPaymentPayload struct {
	WitnessSignature string               `json:"witnessSignature" validate:"required"`
	Authorization    *SignedAuthorization `json:"authorization" validate:"required"`
	PaymentDetails   *PaymentDetails      `json:"paymentDetails" validate:"required"`
}

// PaymentRequiredResponse is the body of a 402 response.
type PaymentRequiredResponse struct {
	X402Version X402Version      `json:"x402Version"`
	Accepts     []PaymentDetails `json:"accepts"`
	Error       string           `json:"error,omitempty"`
}

// PaymentResponse is carried by the x-payment-response header.
type PaymentResponse struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Status      string `json:"status"`
}

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`

	// AuthorizationBypassed is set when a dev mode caller accepted an
	// authorization that failed its format check.
	AuthorizationBypassed bool `json:"authorizationBypassed,omitempty"`
}

// SettlementResult contains the result of payment settlement
type SettlementResult struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PaymentInfo is handed to a protected handler.
type PaymentInfo struct {
	Verified bool   `json:"verified"`
	Payer    string `json:"payer"`
	Amount   string `json:"amount,omitempty"`
	Token    string `json:"token,omitempty"`

	PaymentID    string            `json:"paymentId,omitempty"`
	ResourceHash string            `json:"resourceHash,omitempty"`
	Settlement   *SettlementResult `json:"settlement,omitempty"`
}

// PolicyConfig bounds what the sponsor wallet will pay for.
// Native amounts are whole units of the network's native coin.
type PolicyConfig struct {
	MaxDailySpend    decimal.Decimal `json:"maxDailySpend"`
	MaxTxAmount      decimal.Decimal `json:"maxTxAmount"`
	AllowedContracts []string        `json:"allowedContracts"`
	DeniedContracts  []string        `json:"deniedContracts"`
	AllowedTokens    []string        `json:"allowedTokens"`

	// Optional USD caps evaluated with the oracle price. Zero disables.
	MaxTxUSD    decimal.Decimal `json:"maxTxUsd"`
	MaxDailyUSD decimal.Decimal `json:"maxDailyUsd"`
}

// PolicyResult is the outcome of a policy check.
type PolicyResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Error types
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e X402Error) Error() string {
	return e.Message
}

// Reason codes
const (
	ErrInvalidPayload             = "INVALID_PAYLOAD"
	ErrInvalidWitness             = "INVALID_WITNESS"
	ErrInvalidSignatureFormat     = "INVALID_SIGNATURE_FORMAT"
	ErrInvalidAuthorizationFormat = "INVALID_AUTHORIZATION_FORMAT"
	ErrPaymentExpired             = "PAYMENT_EXPIRED"
	ErrInvalidSignature           = "INVALID_SIGNATURE"
	ErrInvalidAuthorization       = "INVALID_AUTHORIZATION"
	ErrPaymentDetailsMismatch     = "PAYMENT_DETAILS_MISMATCH"
	ErrPaymentAlreadyUsed         = "PAYMENT_ALREADY_USED"
	ErrPolicyViolation            = "POLICY_VIOLATION"
	ErrSettlementFailed           = "SETTLEMENT_FAILED"
	ErrUnexpected                 = "UNEXPECTED_ERROR"
	ErrUnsupportedNetwork         = "UNSUPPORTED_NETWORK"
	ErrConfigError                = "CONFIG_ERROR"
)

// StatusForReason maps a reason code to the HTTP status the payment
// middleware answers with.
func StatusForReason(code string) int {
	switch code {
	case ErrInvalidPayload, ErrInvalidWitness, ErrInvalidSignatureFormat, ErrInvalidAuthorizationFormat:
		return http.StatusBadRequest
	case ErrPaymentExpired, ErrInvalidSignature, ErrInvalidAuthorization,
		ErrPaymentDetailsMismatch, ErrPaymentAlreadyUsed:
		return http.StatusPaymentRequired
	case ErrPolicyViolation:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
