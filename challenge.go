package q402

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils/eip712"
)

// ChallengeStore is notified of every challenge issued, e.g. to bind a
// payment id to the request that asked for it.
type ChallengeStore interface {
	Issued(ctx context.Context, endpoint types.EndpointConfig, details types.PaymentDetails) error
}

// NewPaymentID returns 32 random bytes as 0x hex.
func NewPaymentID() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate payment id: %w", err)
	}
	return hexutil.Encode(b[:]), nil
}

// BuildChallenge creates the 402 body for endpoint. amountOverride is quoted
// only when the endpoint accepts any amount.
func (q *Q402) BuildChallenge(endpoint types.EndpointConfig, amountOverride string) (*types.PaymentRequiredResponse, error) {
	paymentID, err := NewPaymentID()
	if err != nil {
		return nil, err
	}

	amount := endpoint.Amount
	if amount == types.Any && amountOverride != "" {
		amount = amountOverride
	}
	// the payer fills in the signed amount when none is quoted
	messageAmount := types.Numeric(amount)
	if _, ok := messageAmount.Big(); !ok {
		messageAmount = "0"
	}

	messageToken := types.ZeroAddress
	if endpoint.Token != types.Any {
		messageToken = types.TokenAddress(endpoint.Token).Hex()
	}

	deadline := q.now().Add(q.cfg.ChallengeTTL).Unix()

	details := types.PaymentDetails{
		Scheme:                 types.SchemeSingle,
		NetworkID:              q.cfg.Network,
		Token:                  endpoint.Token,
		Amount:                 types.Numeric(amount),
		To:                     q.cfg.RecipientAddress,
		ImplementationContract: q.cfg.ImplementationContract,
		Witness: &types.Witness{
			Domain: &types.WitnessDomain{
				Name:              eip712.DomainName,
				Version:           eip712.DomainVersion,
				ChainID:           q.chainID,
				VerifyingContract: q.cfg.VerifyingContract,
			},
			Types: map[string][]types.TypedField{
				eip712.PrimaryType: eip712.WitnessFields(),
			},
			PrimaryType: eip712.PrimaryType,
			Message: &types.WitnessMessage{
				Owner:     types.ZeroAddress,
				Token:     messageToken,
				Amount:    messageAmount,
				To:        q.cfg.RecipientAddress,
				Deadline:  types.Numeric(strconv.FormatInt(deadline, 10)),
				PaymentID: paymentID,
				Nonce:     "0",
			},
		},
		Authorization: &types.AuthorizationTuple{
			ChainID: q.chainID,
			Address: q.cfg.ImplementationContract,
			Nonce:   0,
		},
	}

	return &types.PaymentRequiredResponse{
		X402Version: ProtocolVersion,
		Accepts:     []types.PaymentDetails{details},
	}, nil
}
