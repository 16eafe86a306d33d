// Package swap bridges marketplace sellers to an exchange router.
//
// The Adapter holds no state. It validates amounts, builds the token path,
// derives a short deadline from the ledger clock and asks the Router for an
// exact-in swap whose output goes to the seller. Slippage protection is the
// minimum output the router enforces.
package swap

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocki/blocki/internal/amount"
	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/events"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/metrics"
)

// DeadlineWindow is how long, in ledger seconds, a submitted swap stays valid.
const DeadlineWindow = 300

var (
	// ErrRouterUnavailable is returned while the router circuit is open.
	ErrRouterUnavailable = errors.New("swap: router unavailable")
	// ErrInvalidPath is returned for paths shorter than two tokens.
	ErrInvalidPath = fmt.Errorf("swap: invalid path: %w", errcode.InvalidAmount)
	// ErrInsufficientOutput is returned when the output is below the minimum.
	ErrInsufficientOutput = fmt.Errorf("swap: insufficient output amount: %w", errcode.InvalidAmount)
	// ErrNoLiquidity is returned when a hop has no pool or an empty one.
	ErrNoLiquidity = fmt.Errorf("swap: no liquidity: %w", errcode.InvalidAmount)
	// ErrExpired is returned when the deadline passed before execution.
	ErrExpired = errors.New("swap: deadline expired")
)

// Router is an exchange router with Uniswap-V2 style exact-in semantics.
// amounts[i] is the amount of path[i] moved along the route.
type Router interface {
	// Name labels the router in metrics and logs.
	Name() string
	SwapExactIn(inv *host.Invocation, amountIn, minOut *big.Int, path []common.Address, to common.Address, deadline uint64) ([]*big.Int, error)
	GetAmountsOut(inv *host.Invocation, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
}

// SwapEvent is the payload of swap events.
type SwapEvent struct {
	Seller    common.Address   `json:"seller"`
	Path      []common.Address `json:"path"`
	AmountIn  *big.Int         `json:"amountIn"`
	AmountOut *big.Int         `json:"amountOut"`
	Router    string           `json:"router"`
}

// Adapter runs swaps for sellers through a Router.
type Adapter struct {
	router Router
}

// NewAdapter creates an adapter over router.
func NewAdapter(router Router) *Adapter {
	return &Adapter{router: router}
}

// Router returns the configured router.
func (a *Adapter) Router() Router { return a.router }

// Swap exchanges amountIn of tokenIn for at least minOut of tokenOut and
// returns the output amount. The caller checks the seller's authorization.
func (a *Adapter) Swap(inv *host.Invocation, seller, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	return a.swap(inv, seller, []common.Address{tokenIn, tokenOut}, amountIn, minOut)
}

// SwapViaIntermediate routes tokenIn → bridge → tokenOut, for pairs
// without a direct pool.
func (a *Adapter) SwapViaIntermediate(inv *host.Invocation, seller, tokenIn, bridge, tokenOut common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	return a.swap(inv, seller, []common.Address{tokenIn, bridge, tokenOut}, amountIn, minOut)
}

// Quote returns the expected output of swapping amountIn of tokenIn for
// tokenOut. Read-only.
func (a *Adapter) Quote(inv *host.Invocation, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	if !validIn(amountIn) {
		return nil, errcode.InvalidAmount
	}
	path := []common.Address{tokenIn, tokenOut}
	amounts, err := a.router.GetAmountsOut(inv, amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("quote via %s: %w", a.router.Name(), err)
	}
	return final(amounts, path)
}

func (a *Adapter) swap(inv *host.Invocation, seller common.Address, path []common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	if !validIn(amountIn) || minOut == nil || amount.Negative(minOut) || !amount.InRange(minOut) {
		return nil, errcode.InvalidAmount
	}
	now := inv.Now()
	if now > math.MaxUint64-DeadlineWindow {
		return nil, errcode.InvalidAmount
	}

	name := a.router.Name()
	amounts, err := a.router.SwapExactIn(inv, amountIn, minOut, path, seller, now+DeadlineWindow)
	if err != nil {
		metrics.SwapsTotal.WithLabelValues(name, "failed").Inc()
		return nil, fmt.Errorf("swap via %s: %w", name, err)
	}
	out, err := final(amounts, path)
	if err != nil {
		metrics.SwapsTotal.WithLabelValues(name, "failed").Inc()
		return nil, err
	}

	inv.Emit(events.TopicSwap, []common.Address{seller}, SwapEvent{
		Seller:    seller,
		Path:      path,
		AmountIn:  amountIn,
		AmountOut: out,
		Router:    name,
	})
	inv.OnCommit(func() { metrics.SwapsTotal.WithLabelValues(name, "ok").Inc() })
	return out, nil
}

func validIn(x *big.Int) bool {
	return x != nil && amount.Positive(x) && amount.InRange(x)
}

// final picks the amount received for the last token of path.
func final(amounts []*big.Int, path []common.Address) (*big.Int, error) {
	i := len(path) - 1
	if i >= len(amounts) || amounts[i] == nil || !amount.InRange(amounts[i]) {
		return nil, errcode.InvalidAmount
	}
	return amounts[i], nil
}
