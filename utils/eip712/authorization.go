package eip712

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
)

// setCodeMagic prefixes EIP-7702 authorization payloads.
const setCodeMagic byte = 0x05

// AuthorizationDigest returns keccak256(0x05 || rlp([chainId, address, nonce])).
func AuthorizationDigest(chainID uint64, address common.Address, nonce uint64) (common.Hash, error) {
	enc, err := rlp.EncodeToBytes([]any{new(big.Int).SetUint64(chainID), address, nonce})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to rlp encode authorization: %w", err)
	}
	return crypto.Keccak256Hash([]byte{setCodeMagic}, enc), nil
}

// AuthorizationSignature assembles the 65 byte r||s||v signature of a
// signed authorization.
func AuthorizationSignature(a *types.SignedAuthorization) ([]byte, error) {
	if a == nil || a.YParity == nil {
		return nil, fmt.Errorf("authorization is not signed")
	}
	if *a.YParity > 1 {
		return nil, fmt.Errorf("invalid yParity %d", *a.YParity)
	}
	r, err := hexutil.Decode(a.R)
	if err != nil || len(r) != 32 {
		return nil, fmt.Errorf("invalid r: %q", a.R)
	}
	s, err := hexutil.Decode(a.S)
	if err != nil || len(s) != 32 {
		return nil, fmt.Errorf("invalid s: %q", a.S)
	}

	sig := make([]byte, 0, crypto.SignatureLength)
	sig = append(sig, r...)
	sig = append(sig, s...)
	sig = append(sig, *a.YParity)
	return sig, nil
}

// RecoverAuthoritySigner recovers the account that signed the delegation.
func RecoverAuthoritySigner(a *types.SignedAuthorization) (common.Address, error) {
	if a == nil || !common.IsHexAddress(a.Address) {
		return common.Address{}, fmt.Errorf("invalid authorization address")
	}
	digest, err := AuthorizationDigest(a.ChainID, common.HexToAddress(a.Address), a.Nonce)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := AuthorizationSignature(a)
	if err != nil {
		return common.Address{}, err
	}
	return utils.RecoverAddress(digest.Bytes(), sig)
}
