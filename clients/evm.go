package clients

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
)

// implementationABI is the payment entry points of the delegation target.
const implementationABI = `
[
  {
    "name": "pay",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "owner", "type": "address" },
      { "name": "token", "type": "address" },
      { "name": "amount", "type": "uint256" },
      { "name": "to", "type": "address" },
      { "name": "deadline", "type": "uint256" },
      { "name": "paymentId", "type": "bytes32" },
      { "name": "witnessSignature", "type": "bytes" }
    ],
    "outputs": []
  },
  {
    "name": "payBatch",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "owner", "type": "address" },
      { "name": "tokens", "type": "address[]" },
      { "name": "amounts", "type": "uint256[]" },
      { "name": "recipients", "type": "address[]" },
      { "name": "deadline", "type": "uint256" },
      { "name": "paymentId", "type": "bytes32" },
      { "name": "witnessSignature", "type": "bytes" }
    ],
    "outputs": []
  }
]
`

const (
	MethodPay      = "pay"
	MethodPayBatch = "payBatch"
)

var implementation = mustParseABI(implementationABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ImplementationABI returns the parsed payment ABI.
func ImplementationABI() abi.ABI {
	return implementation
}

// EncodeCall packs the call the delegated owner account executes, chosen
// by the payment scheme.
func EncodeCall(p *types.SignedPaymentPayload) ([]byte, error) {
	if p == nil || p.PaymentDetails == nil || p.PaymentDetails.Witness == nil || p.PaymentDetails.Witness.Message == nil {
		return nil, fmt.Errorf("payload has no witness message")
	}
	details := p.PaymentDetails
	msg := details.Witness.Message

	if !common.IsHexAddress(msg.Owner) {
		return nil, fmt.Errorf("invalid owner %q", msg.Owner)
	}
	owner := common.HexToAddress(msg.Owner)

	deadline, ok := msg.Deadline.Big()
	if !ok {
		return nil, fmt.Errorf("invalid deadline %q", msg.Deadline)
	}
	paymentID, err := bytes32(msg.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("invalid paymentId: %w", err)
	}
	sig, err := hexutil.Decode(p.WitnessSignature)
	if err != nil {
		return nil, fmt.Errorf("invalid witness signature: %w", err)
	}

	switch details.Scheme {
	case types.SchemeSingle:
		amount, ok := msg.Amount.Big()
		if !ok {
			return nil, fmt.Errorf("invalid amount %q", msg.Amount)
		}
		if !common.IsHexAddress(msg.To) {
			return nil, fmt.Errorf("invalid recipient %q", msg.To)
		}
		return implementation.Pack(MethodPay,
			owner,
			types.TokenAddress(msg.Token),
			amount,
			common.HexToAddress(msg.To),
			deadline,
			paymentID,
			sig,
		)

	case types.SchemeBatch:
		if len(details.Batch) == 0 {
			return nil, fmt.Errorf("batch payment has no legs")
		}
		tokens := make([]common.Address, len(details.Batch))
		amounts := make([]*big.Int, len(details.Batch))
		recipients := make([]common.Address, len(details.Batch))
		for i, leg := range details.Batch {
			amount, ok := leg.Amount.Big()
			if !ok {
				return nil, fmt.Errorf("batch leg %d: invalid amount %q", i, leg.Amount)
			}
			if !common.IsHexAddress(leg.To) {
				return nil, fmt.Errorf("batch leg %d: invalid recipient %q", i, leg.To)
			}
			tokens[i] = types.TokenAddress(leg.Token)
			amounts[i] = amount
			recipients[i] = common.HexToAddress(leg.To)
		}
		return implementation.Pack(MethodPayBatch, owner, tokens, amounts, recipients, deadline, paymentID, sig)

	default:
		return nil, fmt.Errorf("unsupported payment scheme %d", details.Scheme)
	}
}

// SetCodeAuthorization converts a signed delegation into its transaction form.
func SetCodeAuthorization(a *types.SignedAuthorization) (gethtypes.SetCodeAuthorization, error) {
	var out gethtypes.SetCodeAuthorization
	if a == nil {
		return out, fmt.Errorf("missing authorization")
	}
	if !common.IsHexAddress(a.Address) {
		return out, fmt.Errorf("invalid authorization address %q", a.Address)
	}
	if a.YParity == nil || *a.YParity > 1 {
		return out, fmt.Errorf("invalid authorization yParity")
	}
	r, err := word(a.R)
	if err != nil {
		return out, fmt.Errorf("invalid authorization r: %w", err)
	}
	s, err := word(a.S)
	if err != nil {
		return out, fmt.Errorf("invalid authorization s: %w", err)
	}

	out.ChainID = *uint256.NewInt(a.ChainID)
	out.Address = common.HexToAddress(a.Address)
	out.Nonce = a.Nonce
	out.V = *a.YParity
	out.R = *r
	out.S = *s
	return out, nil
}

func bytes32(s string) ([32]byte, error) {
	var out [32]byte
	if !utils.IsBytes32Hex(s) {
		return out, fmt.Errorf("expected 0x prefixed 32 byte hex, got %q", s)
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

func word(s string) (*uint256.Int, error) {
	b, err := bytes32(s)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes32(b[:]), nil
}
