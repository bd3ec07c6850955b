package types

import "fmt"

// Network identifies a supported chain by its wire name.
type Network string

const (
	NetworkBSCTestnet Network = "bsc-testnet"
	NetworkBSCMainnet Network = "bsc-mainnet"
)

// NetworkInfo is the static metadata of a supported network.
type NetworkInfo struct {
	ChainID        uint64
	RPCURL         string
	NativeSymbol   string
	NativeDecimals int32
	CoinGeckoID    string
	Testnet        bool
}

var networks = map[Network]NetworkInfo{
	NetworkBSCTestnet: {
		ChainID:        97,
		RPCURL:         "https://data-seed-prebsc-1-s1.binance.org:8545",
		NativeSymbol:   "BNB",
		NativeDecimals: 18,
		CoinGeckoID:    "binancecoin",
		Testnet:        true,
	},
	NetworkBSCMainnet: {
		ChainID:        56,
		RPCURL:         "https://bsc-dataseed1.binance.org",
		NativeSymbol:   "BNB",
		NativeDecimals: 18,
		CoinGeckoID:    "binancecoin",
	},
}

// ParseNetwork validates a network name.
func ParseNetwork(s string) (Network, error) {
	n := Network(s)
	if _, ok := networks[n]; !ok {
		return "", &X402Error{
			Code:    ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", s),
		}
	}
	return n, nil
}

// Info returns the metadata of n.
func (n Network) Info() (NetworkInfo, bool) {
	info, ok := networks[n]
	return info, ok
}

// ChainID returns the chain id of n, or zero when unknown.
func (n Network) ChainID() uint64 {
	return networks[n].ChainID
}

func (n Network) IsTestnet() bool {
	return networks[n].Testnet
}

func (n Network) String() string {
	return string(n)
}
