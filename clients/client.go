package clients

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vitwit/q402/types"
)

// ChainBackend is the slice of an Ethereum JSON-RPC client needed to
// submit a sponsored transaction and wait for it.
type ChainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

var _ ChainBackend = (*ethclient.Client)(nil)

// EVMClient is a connection to one network's RPC endpoint.
type EVMClient struct {
	rpcURL  string
	network types.Network
	client  *ethclient.Client
}

// NewEVMClient dials rpcURL. An empty rpcURL uses the network default.
func NewEVMClient(network types.Network, rpcURL string) (*EVMClient, error) {
	info, ok := network.Info()
	if !ok {
		return nil, &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}
	if rpcURL == "" {
		rpcURL = info.RPCURL
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", network, err)
	}

	return &EVMClient{
		network: network,
		rpcURL:  rpcURL,
		client:  client,
	}, nil
}

// CheckChainID confirms the endpoint serves the configured network.
func (e *EVMClient) CheckChainID(ctx context.Context) error {
	id, err := e.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain id: %w", err)
	}
	if id.Uint64() != e.network.ChainID() {
		return &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("rpc %s serves chain %s, expected %d", e.rpcURL, id, e.network.ChainID()),
		}
	}
	return nil
}

func (e *EVMClient) Backend() ChainBackend {
	return e.client
}

func (e *EVMClient) Network() types.Network {
	return e.network
}

func (e *EVMClient) Close() {
	e.client.Close()
}
