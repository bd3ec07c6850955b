package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/vitwit/q402/clients"
	"github.com/vitwit/q402/logger"
	"github.com/vitwit/q402/metrics"
	"github.com/vitwit/q402/types"
)

const (
	DefaultGasLimit     = 300_000
	DefaultTimeout      = 60 * time.Second
	DefaultPollInterval = time.Second
)

var (
	defaultFeeCap = big.NewInt(3_000_000_000)
	defaultTipCap = big.NewInt(1_500_000_000)
)

// Settler submits a verified payload on-chain.
type Settler interface {
	Settle(ctx context.Context, payload *types.SignedPaymentPayload) *types.SettlementResult
}

// Executor signs and submits sponsored type-4 transactions from a single
// facilitator account.
type Executor struct {
	backend      clients.ChainBackend
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	network      string
	gasLimit     uint64
	timeout      time.Duration
	pollInterval time.Duration
	logger       logger.Logger
	metrics      metrics.Recorder

	// mu serializes nonce selection and submission.
	mu        sync.Mutex
	nextNonce uint64
	haveNonce bool
}

type Option func(*Executor)

func WithGasLimit(gas uint64) Option {
	return func(e *Executor) { e.gasLimit = gas }
}

func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.pollInterval = d }
}

func WithLogger(l logger.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = r }
}

// NewExecutor creates an executor for network that pays gas from key.
func NewExecutor(backend clients.ChainBackend, key *ecdsa.PrivateKey, network types.Network, opts ...Option) (*Executor, error) {
	if backend == nil {
		return nil, fmt.Errorf("settlement: chain backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("settlement: facilitator key required")
	}
	info, ok := network.Info()
	if !ok {
		return nil, &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}

	e := &Executor{
		backend:      backend,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      new(big.Int).SetUint64(info.ChainID),
		network:      network.String(),
		gasLimit:     DefaultGasLimit,
		timeout:      DefaultTimeout,
		pollInterval: DefaultPollInterval,
		logger:       logger.NoopLogger{},
		metrics:      metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Facilitator returns the account that signs and pays for settlements.
func (e *Executor) Facilitator() common.Address {
	return e.from
}

// Settle submits the payment and waits for its receipt. Once started it
// ignores cancellation of ctx and is bounded by the executor timeout. It
// never panics; failures are reported in the result.
func (e *Executor) Settle(ctx context.Context, payload *types.SignedPaymentPayload) (result *types.SettlementResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	start := time.Now()
	labels := map[string]string{"network": e.network}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("settlement panicked", map[string]any{"panic": fmt.Sprint(r)})
			result = failed(fmt.Sprintf("settlement panicked: %v", r))
		}
		e.metrics.ObserveLatency("settle", time.Since(start), labels)
		if result.Success {
			e.metrics.IncCounter("settle_success", labels)
		} else {
			e.metrics.IncCounter("settle_failed", labels)
		}
	}()

	tx, err := e.build(payload)
	if err != nil {
		return failed(err.Error())
	}

	signed, err := e.submit(ctx, tx)
	if err != nil {
		e.logger.Error("settlement submission failed", map[string]any{"error": err.Error()})
		return failed(classify(err))
	}

	hash := signed.Hash()
	e.logger.Info("settlement submitted", map[string]any{
		"txHash": hash.Hex(),
		"owner":  tx.To.Hex(),
		"nonce":  signed.Nonce(),
	})

	receipt, err := e.waitReceipt(ctx, hash)
	if err != nil {
		return &types.SettlementResult{
			Success: false,
			TxHash:  hash.Hex(),
			Error:   classify(err),
		}
	}

	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		e.logger.Warn("settlement reverted", map[string]any{"txHash": hash.Hex()})
		return &types.SettlementResult{
			Success:     false,
			TxHash:      hash.Hex(),
			BlockNumber: blockNumber(receipt),
			Error:       "Transaction reverted on-chain",
		}
	}

	return &types.SettlementResult{
		Success:     true,
		TxHash:      hash.Hex(),
		BlockNumber: blockNumber(receipt),
	}
}

// build assembles the unsigned transaction, leaving nonce and fees for submit.
func (e *Executor) build(payload *types.SignedPaymentPayload) (*gethtypes.SetCodeTx, error) {
	data, err := clients.EncodeCall(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment call: %w", err)
	}
	auth, err := clients.SetCodeAuthorization(payload.Authorization)
	if err != nil {
		return nil, err
	}

	return &gethtypes.SetCodeTx{
		ChainID:  uint256.MustFromBig(e.chainID),
		Gas:      e.gasLimit,
		To:       common.HexToAddress(payload.PaymentDetails.Witness.Message.Owner),
		Value:    new(uint256.Int),
		Data:     data,
		AuthList: []gethtypes.SetCodeAuthorization{auth},
	}, nil
}

func (e *Executor) submit(ctx context.Context, tx *gethtypes.SetCodeTx) (*gethtypes.Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	nonce, err := e.nonce(ctx)
	if err != nil {
		return nil, err
	}
	tipCap, feeCap := e.fees(ctx)

	tx.Nonce = nonce
	tx.GasTipCap = uint256.MustFromBig(tipCap)
	tx.GasFeeCap = uint256.MustFromBig(feeCap)

	signed, err := gethtypes.SignNewTx(e.key, gethtypes.NewPragueSigner(e.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		// the pending nonce is re-read on the next attempt
		e.haveNonce = false
		return nil, err
	}

	e.nextNonce = nonce + 1
	e.haveNonce = true
	return signed, nil
}

// nonce returns the larger of the node's pending nonce and the local
// high-water mark.
func (e *Executor) nonce(ctx context.Context) (uint64, error) {
	pending, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	if e.haveNonce && e.nextNonce > pending {
		return e.nextNonce, nil
	}
	return pending, nil
}

func (e *Executor) fees(ctx context.Context) (tipCap, feeCap *big.Int) {
	tipCap, err := e.backend.SuggestGasTipCap(ctx)
	if err != nil || tipCap == nil || tipCap.Sign() <= 0 {
		tipCap = new(big.Int).Set(defaultTipCap)
	}

	head, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil || head == nil || head.BaseFee == nil {
		feeCap = new(big.Int).Set(defaultFeeCap)
	} else {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)
	}

	if feeCap.Cmp(tipCap) < 0 {
		feeCap = new(big.Int).Set(tipCap)
	}
	return tipCap, feeCap
}

func (e *Executor) waitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.logger.Debug("receipt lookup failed", map[string]any{
				"txHash": hash.Hex(),
				"error":  err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for receipt of %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// classify maps node errors to operator readable messages.
func classify(err error) string {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient funds"):
		return "Insufficient gas funds in facilitator wallet"
	case strings.Contains(lower, "nonce"):
		return "Invalid nonce - transaction may have already been executed"
	case strings.Contains(lower, "execution reverted"):
		return "Contract execution reverted - check signature and authorization"
	default:
		return msg
	}
}

func blockNumber(r *gethtypes.Receipt) uint64 {
	if r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}

func failed(msg string) *types.SettlementResult {
	return &types.SettlementResult{
		Success: false,
		Error:   msg,
	}
}
