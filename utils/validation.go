package utils

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var hexRe = regexp.MustCompile("^[0-9a-fA-F]+$")

// isHexString reports whether s is non-empty plain hex.
func isHexString(s string) bool {
	return hexRe.MatchString(s)
}

// isPrefixedHex reports whether s is 0x followed by exactly n hex digits.
func isPrefixedHex(s string, n int) bool {
	return strings.HasPrefix(s, "0x") && len(s) == n+2 && isHexString(s[2:])
}

// IsSignatureHex reports whether s is a 65 byte r||s||v signature in 0x hex.
func IsSignatureHex(s string) bool {
	return isPrefixedHex(s, 130)
}

// IsAddressHex reports whether s is a 20 byte address in 0x hex.
func IsAddressHex(s string) bool {
	return isPrefixedHex(s, 40)
}

// IsBytes32Hex reports whether s is a 32 byte word in 0x hex.
func IsBytes32Hex(s string) bool {
	return isPrefixedHex(s, 64)
}

// EqualAddress compares two hex addresses ignoring case.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ContainsAddress reports whether addr is in list ignoring case.
func ContainsAddress(list []string, addr string) bool {
	for _, item := range list {
		if EqualAddress(item, addr) {
			return true
		}
	}
	return false
}

// FromMinorUnits converts an integer amount in minor units to a decimal
// with the given number of decimals.
func FromMinorUnits(amount *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -decimals)
}
