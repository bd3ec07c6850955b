package types

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// NativeToken is the endpoint token name for the chain's native coin.
	NativeToken = "native"

	// NativeSentinel is the conventional placeholder address for the native coin.
	NativeSentinel = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"
)

// IsNativeToken reports whether token denotes the native coin.
func IsNativeToken(token string) bool {
	t := strings.TrimSpace(token)
	return t == "" ||
		strings.EqualFold(t, NativeToken) ||
		strings.EqualFold(t, ZeroAddress) ||
		strings.EqualFold(t, NativeSentinel)
}

// TokenAddress resolves a token name to the address used in typed data and
// contract calls. The native coin resolves to the zero address.
func TokenAddress(token string) common.Address {
	if IsNativeToken(token) {
		return common.Address{}
	}
	return common.HexToAddress(token)
}
