package clients

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils/eip712"
)

const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	owner          = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	recipient      = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	usdt           = "0x337610d27c682E347C9cD60BD4b3b107C9d34dDd"
	implContract   = "0x1111111111111111111111111111111111111111"
	paymentID      = "0x4f7c1c3b1f5e3f0e2b8b8f0f7b1c9a3d2e6f5a4b3c2d1e0f9a8b7c6d5e4f3a2b"
)

func payload(scheme types.PaymentScheme) *types.SignedPaymentPayload {
	y := uint8(1)
	return &types.SignedPaymentPayload{
		WitnessSignature: "0x" + repeat("ab", 65),
		Authorization: &types.SignedAuthorization{
			AuthorizationTuple: types.AuthorizationTuple{ChainID: 97, Address: implContract, Nonce: 2},
			YParity:            &y,
			R:                  "0x" + repeat("01", 32),
			S:                  "0x" + repeat("02", 32),
		},
		PaymentDetails: &types.PaymentDetails{
			Scheme: scheme,
			Token:  types.NativeToken,
			Amount: "10000000000000000",
			To:     recipient,
			Witness: &types.Witness{
				Message: &types.WitnessMessage{
					Owner:     owner,
					Token:     types.ZeroAddress,
					Amount:    "10000000000000000",
					To:        recipient,
					Deadline:  "1700000900",
					PaymentID: paymentID,
					Nonce:     "0",
				},
			},
		},
	}
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func TestEncodeCall_Pay(t *testing.T) {
	p := payload(types.SchemeSingle)
	data, err := EncodeCall(p)
	require.NoError(t, err)

	method := ImplementationABI().Methods[MethodPay]
	assert.Equal(t, method.ID, data[:4])

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 7)

	assert.Equal(t, common.HexToAddress(owner), args[0])
	assert.Equal(t, common.Address{}, args[1])
	assert.Equal(t, big.NewInt(10_000_000_000_000_000), args[2])
	assert.Equal(t, common.HexToAddress(recipient), args[3])
	assert.Equal(t, big.NewInt(1_700_000_900), args[4])
	assert.Equal(t, common.HexToHash(paymentID), common.Hash(args[5].([32]byte)))
	assert.Equal(t, hexutil.MustDecode(p.WitnessSignature), args[6])
}

func TestEncodeCall_PayBatch(t *testing.T) {
	p := payload(types.SchemeBatch)
	p.PaymentDetails.Batch = []types.BatchLeg{
		{Token: types.NativeToken, Amount: "1", To: recipient},
		{Token: usdt, Amount: "2", To: owner},
	}

	data, err := EncodeCall(p)
	require.NoError(t, err)

	method := ImplementationABI().Methods[MethodPayBatch]
	assert.Equal(t, method.ID, data[:4])

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, []common.Address{{}, common.HexToAddress(usdt)}, args[1])
	assert.Equal(t, []*big.Int{big.NewInt(1), big.NewInt(2)}, args[2])
	assert.Equal(t, []common.Address{common.HexToAddress(recipient), common.HexToAddress(owner)}, args[3])
}

func TestEncodeCall_Rejects(t *testing.T) {
	cases := map[string]func(p *types.SignedPaymentPayload){
		"empty batch":      func(p *types.SignedPaymentPayload) { p.PaymentDetails.Scheme = types.SchemeBatch },
		"unknown scheme":   func(p *types.SignedPaymentPayload) { p.PaymentDetails.Scheme = 9 },
		"bad owner":        func(p *types.SignedPaymentPayload) { p.PaymentDetails.Witness.Message.Owner = "0x12" },
		"bad deadline":     func(p *types.SignedPaymentPayload) { p.PaymentDetails.Witness.Message.Deadline = "-1" },
		"bad payment id":   func(p *types.SignedPaymentPayload) { p.PaymentDetails.Witness.Message.PaymentID = "0x01" },
		"bad signature":    func(p *types.SignedPaymentPayload) { p.WitnessSignature = "zz" },
		"fractional value": func(p *types.SignedPaymentPayload) { p.PaymentDetails.Witness.Message.Amount = "1.5" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := payload(types.SchemeSingle)
			mutate(p)
			_, err := EncodeCall(p)
			assert.Error(t, err)
		})
	}

	_, err := EncodeCall(nil)
	assert.Error(t, err)
}

func TestSetCodeAuthorization_RecoversSigner(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	require.NoError(t, err)

	signed, err := eip712.SignAuthorization(types.AuthorizationTuple{ChainID: 97, Address: implContract, Nonce: 7}, key)
	require.NoError(t, err)

	auth, err := SetCodeAuthorization(signed)
	require.NoError(t, err)
	assert.Equal(t, uint64(97), auth.ChainID.Uint64())
	assert.Equal(t, uint64(7), auth.Nonce)

	authority, err := auth.Authority()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(owner), authority)
}

func TestSetCodeAuthorization_Rejects(t *testing.T) {
	_, err := SetCodeAuthorization(nil)
	assert.Error(t, err)

	p := payload(types.SchemeSingle)
	p.Authorization.YParity = nil
	_, err = SetCodeAuthorization(p.Authorization)
	assert.Error(t, err)

	p = payload(types.SchemeSingle)
	p.Authorization.R = "0x01"
	_, err = SetCodeAuthorization(p.Authorization)
	assert.Error(t, err)
}
