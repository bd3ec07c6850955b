// Package eip712 builds the digests signed by a Q402 payer: the EIP-712
// payment witness and the EIP-7702 delegation authorization.
package eip712

import (
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
)

const (
	DomainName    = "q402"
	DomainVersion = "1"
	PrimaryType   = "Witness"

	witnessType = "Witness(address owner,address token,uint256 amount,address to,uint256 deadline,bytes32 paymentId,uint256 nonce)"
	domainType  = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
)

var (
	witnessTypeHash = crypto.Keccak256Hash([]byte(witnessType))
	domainTypeHash  = crypto.Keccak256Hash([]byte(domainType))

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// WitnessFields is the field list of the Witness struct type, in encoding order.
func WitnessFields() []types.TypedField {
	return []types.TypedField{
		{Name: "owner", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "to", Type: "address"},
		{Name: "deadline", Type: "uint256"},
		{Name: "paymentId", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
	}
}

// Domain is a parsed EIP-712 domain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// keccak256ABI concatenates already padded 32 byte words and hashes them.
func keccak256ABI(parts ...[]byte) common.Hash {
	return crypto.Keccak256Hash(parts...)
}

// padLeft32 returns a 32-byte right-aligned representation of the given big.Int
func padLeft32(i *big.Int) []byte {
	return common.LeftPadBytes(i.Bytes(), 32)
}

// addressTo32 left-pads an address into 32 bytes
func addressTo32(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// DomainSeparator builds the domainSeparator hash per EIP-712:
// keccak256(abi.encode(domainTypeHash, keccak256(name), keccak256(version), chainId, verifyingContract))
func DomainSeparator(d Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil || d.ChainID.Sign() <= 0 {
		return common.Hash{}, errors.New("incomplete domain")
	}

	return keccak256ABI(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		padLeft32(d.ChainID),
		addressTo32(d.VerifyingContract),
	), nil
}

// TypedDataHash returns the final EIP-712 digest:
//
//	keccak256("\x19\x01", domainSeparator, structHash)
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s is not an address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseUint256(field string, n types.Numeric) (*big.Int, error) {
	v, ok := n.Big()
	if !ok || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%s is not a uint256: %q", field, n)
	}
	return v, nil
}

// HashWitness computes the EIP-712 struct hash of a witness message.
// The native token aliases encode as the zero address.
func HashWitness(m *types.WitnessMessage) (common.Hash, error) {
	if m == nil {
		return common.Hash{}, errors.New("missing witness message")
	}

	owner, err := parseAddress("owner", m.Owner)
	if err != nil {
		return common.Hash{}, err
	}
	token := types.TokenAddress(m.Token)
	if !types.IsNativeToken(m.Token) && !common.IsHexAddress(m.Token) {
		return common.Hash{}, fmt.Errorf("token is not an address: %q", m.Token)
	}
	to, err := parseAddress("to", m.To)
	if err != nil {
		return common.Hash{}, err
	}
	amount, err := parseUint256("amount", m.Amount)
	if err != nil {
		return common.Hash{}, err
	}
	deadline, err := parseUint256("deadline", m.Deadline)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := parseUint256("nonce", m.Nonce)
	if err != nil {
		return common.Hash{}, err
	}
	if !utils.IsBytes32Hex(m.PaymentID) {
		return common.Hash{}, fmt.Errorf("paymentId is not bytes32: %q", m.PaymentID)
	}

	return keccak256ABI(
		witnessTypeHash.Bytes(),
		addressTo32(owner),
		addressTo32(token),
		padLeft32(amount),
		addressTo32(to),
		padLeft32(deadline),
		common.HexToHash(m.PaymentID).Bytes(),
		padLeft32(nonce),
	), nil
}

// WitnessDigest returns the digest the payer signs for w. Declared types,
// when present, must describe the Witness struct exactly.
func WitnessDigest(w *types.Witness) (common.Hash, error) {
	if w == nil || w.Domain == nil || w.Message == nil {
		return common.Hash{}, errors.New("incomplete witness")
	}
	if w.PrimaryType != PrimaryType {
		return common.Hash{}, fmt.Errorf("unsupported primary type %q", w.PrimaryType)
	}
	if len(w.Types) > 0 && !slices.Equal(w.Types[PrimaryType], WitnessFields()) {
		return common.Hash{}, errors.New("witness type does not match Witness struct")
	}

	verifying, err := parseAddress("verifyingContract", w.Domain.VerifyingContract)
	if err != nil {
		return common.Hash{}, err
	}
	domainSep, err := DomainSeparator(Domain{
		Name:              w.Domain.Name,
		Version:           w.Domain.Version,
		ChainID:           new(big.Int).SetUint64(w.Domain.ChainID),
		VerifyingContract: verifying,
	})
	if err != nil {
		return common.Hash{}, err
	}

	structHash, err := HashWitness(w.Message)
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDataHash(domainSep, structHash), nil
}

// RecoverWitnessSigner recovers the address that signed w.
func RecoverWitnessSigner(w *types.Witness, signature string) (common.Address, error) {
	digest, err := WitnessDigest(w)
	if err != nil {
		return common.Address{}, err
	}
	return utils.RecoverAddressFromSignature(digest.Bytes(), signature)
}
