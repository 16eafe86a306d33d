package swap

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/blocki/blocki/internal/circuitbreaker"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("swap: invalid private key")
	ErrRPCConnection     = errors.New("swap: RPC connection failed")
	ErrTransactionFailed = errors.New("swap: transaction failed")
	ErrTimeout           = errors.New("swap: confirmation timed out")
)

// TransferError wraps on-chain swap failures with context.
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("swap: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("swap: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient is the subset of ethclient.Client the router uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Uniswap-V2 router subset.
const routerABI = `[
	{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"}
]`

const (
	// DefaultGasLimit is used when gas estimation fails.
	DefaultGasLimit = uint64(300000)

	DefaultConfirmationTimeout = 60 * time.Second
	ConfirmationPollInterval   = 2 * time.Second

	quoteAttempts  = 3
	quoteBaseDelay = 200 * time.Millisecond
)

// EthConfig configures an EthRouter.
type EthConfig struct {
	RPCURL     string
	PrivateKey string // Hex, with or without 0x
	ChainID    int64
	Router     string
	// ConfirmTimeout bounds the wait for the swap receipt.
	ConfirmTimeout time.Duration
}

// EthOption configures an EthRouter.
type EthOption func(*EthRouter)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(client EthClient) EthOption {
	return func(r *EthRouter) { r.client = client }
}

// WithBreaker sets the circuit breaker guarding router calls.
func WithBreaker(b *circuitbreaker.Breaker) EthOption {
	return func(r *EthRouter) { r.breaker = b }
}

// WithPollInterval overrides the receipt poll interval.
func WithPollInterval(d time.Duration) EthOption {
	return func(r *EthRouter) { r.pollInterval = d }
}

// EthRouter executes swaps on a Uniswap-V2 style router contract from an
// operator account. The operator must hold the input tokens and have
// approved the router. A mined swap cannot be undone, so the adapter must
// run it as the last interaction of an invocation.
type EthRouter struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	operator     common.Address
	chainID      *big.Int
	router       common.Address
	abi          abi.ABI
	breaker      *circuitbreaker.Breaker
	confirm      time.Duration
	pollInterval time.Duration
}

var _ Router = (*EthRouter)(nil)

// NewEthRouter creates an on-chain router client.
func NewEthRouter(cfg EthConfig, opts ...EthOption) (*EthRouter, error) {
	if err := validateEthConfig(cfg); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse router ABI: %w", err)
	}

	r := &EthRouter{
		privateKey:   key,
		operator:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:      big.NewInt(cfg.ChainID),
		router:       common.HexToAddress(cfg.Router),
		abi:          parsed,
		confirm:      cfg.ConfirmTimeout,
		pollInterval: ConfirmationPollInterval,
	}
	if r.confirm <= 0 {
		r.confirm = DefaultConfirmationTimeout
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = circuitbreaker.New("router:"+r.router.Hex(), 5, 30*time.Second)
	}
	if r.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		r.client = client
	}
	return r, nil
}

func validateEthConfig(cfg EthConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.Router) {
		return fmt.Errorf("router contract address required")
	}
	return nil
}

// Name implements Router.
func (r *EthRouter) Name() string { return "eth" }

// Operator returns the account that signs swaps.
func (r *EthRouter) Operator() common.Address { return r.operator }

// Close closes the client connection.
func (r *EthRouter) Close() error {
	if r.client != nil {
		r.client.Close()
	}
	return nil
}

// guard runs fn under the router's circuit.
func (r *EthRouter) guard(fn func() error) error {
	err := r.breaker.Do(fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrRouterUnavailable
	}
	return err
}

// GetAmountsOut implements Router. Transient RPC failures are retried.
func (r *EthRouter) GetAmountsOut(inv *host.Invocation, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	data, err := r.abi.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getAmountsOut: %w", err)
	}

	ctx := inv.Context()
	var amounts []*big.Int
	err = r.guard(func() error {
		var err error
		amounts, err = retry.Value(ctx, quoteAttempts, quoteBaseDelay, func() ([]*big.Int, error) {
			out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.router, Data: data}, nil)
			if err != nil {
				return nil, err
			}
			vals, err := r.unpackAmounts("getAmountsOut", out)
			if err != nil {
				return nil, retry.Permanent(err)
			}
			return vals, nil
		})
		return err
	})
	return amounts, err
}

// SwapExactIn implements Router. The call is simulated first so the
// returned amounts are those the router computed for this state, then
// the transaction is sent and its receipt awaited.
func (r *EthRouter) SwapExactIn(inv *host.Invocation, amountIn, minOut *big.Int, path []common.Address, to common.Address, deadline uint64) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	data, err := r.abi.Pack("swapExactTokensForTokens", amountIn, minOut, path, to, new(big.Int).SetUint64(deadline))
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}

	ctx := inv.Context()
	var amounts []*big.Int
	err = r.guard(func() error {
		call := ethereum.CallMsg{From: r.operator, To: &r.router, Data: data}
		out, err := r.client.CallContract(ctx, call, nil)
		if err != nil {
			return &TransferError{Op: "simulate", Err: err}
		}
		if amounts, err = r.unpackAmounts("swapExactTokensForTokens", out); err != nil {
			return &TransferError{Op: "simulate", Err: err}
		}

		tx, err := r.send(ctx, call)
		if err != nil {
			return err
		}
		return r.waitMined(ctx, tx.Hash())
	})
	if err != nil {
		return nil, err
	}
	inv.Logger().Info("on-chain swap mined", "router", r.router.Hex(), "to", to.Hex(), "amount_in", amountIn.String())
	return amounts, nil
}

func (r *EthRouter) send(ctx context.Context, call ethereum.CallMsg) (*types.Transaction, error) {
	nonce, err := r.client.PendingNonceAt(ctx, r.operator)
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}
	gasLimit, err := r.client.EstimateGas(ctx, call)
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, r.router, big.NewInt(0), gasLimit, gasPrice, call.Data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(r.chainID), r.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return signed, nil
}

func (r *EthRouter) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, r.confirm)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &TransferError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTimeout}
			}
			return ctx.Err()
		case <-ticker.C:
			receipt, err := r.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not mined yet
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return &TransferError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTransactionFailed}
			}
			return nil
		}
	}
}

func (r *EthRouter) unpackAmounts(method string, out []byte) ([]*big.Int, error) {
	vals, err := r.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("unpack %s: %d return values", method, len(vals))
	}
	amounts, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])
	}
	return amounts, nil
}
