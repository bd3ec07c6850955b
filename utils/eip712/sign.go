package eip712

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
)

// SignWitness signs w with the payer key and returns a 0x hex signature.
func SignWitness(w *types.Witness, key *ecdsa.PrivateKey) (string, error) {
	digest, err := WitnessDigest(w)
	if err != nil {
		return "", err
	}
	return utils.SignHash(digest.Bytes(), key)
}

// SignAuthorization signs a delegation tuple with the payer key.
func SignAuthorization(tuple types.AuthorizationTuple, key *ecdsa.PrivateKey) (*types.SignedAuthorization, error) {
	if !common.IsHexAddress(tuple.Address) {
		return nil, fmt.Errorf("invalid authorization address %q", tuple.Address)
	}
	digest, err := AuthorizationDigest(tuple.ChainID, common.HexToAddress(tuple.Address), tuple.Nonce)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	yParity := sig[crypto.RecoveryIDOffset]
	return &types.SignedAuthorization{
		AuthorizationTuple: tuple,
		YParity:            &yParity,
		R:                  hexutil.Encode(sig[:32]),
		S:                  hexutil.Encode(sig[32:64]),
	}, nil
}
