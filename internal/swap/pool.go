package swap

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocki/blocki/internal/amount"
	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/kv"
)

// Fee is taken from the input of every hop, in thousandths.
const (
	feeNumerator   = 997
	feeDenominator = 1000
)

// Assets moves pool funds. Satisfied by *token.Ledger.
type Assets interface {
	Transfer(inv *host.Invocation, asset, from, to common.Address, amt *big.Int) error
}

// Pool is the stored state of one pair. TokenA sorts before TokenB.
type Pool struct {
	TokenA   common.Address `json:"tokenA"`
	TokenB   common.Address `json:"tokenB"`
	ReserveA *big.Int       `json:"reserveA"`
	ReserveB *big.Int       `json:"reserveB"`
}

// reserves returns the reserves ordered as (in, out).
func (p *Pool) reserves(in common.Address) (*big.Int, *big.Int) {
	if in == p.TokenA {
		return p.ReserveA, p.ReserveB
	}
	return p.ReserveB, p.ReserveA
}

func (p *Pool) setReserves(in common.Address, rIn, rOut *big.Int) {
	if in == p.TokenA {
		p.ReserveA, p.ReserveB = rIn, rOut
		return
	}
	p.ReserveB, p.ReserveA = rIn, rOut
}

// PoolRouter is a constant-product exchange kept in the ledger itself, so
// swaps through it commit or abort together with the calling invocation.
// All pools share one custody principal.
type PoolRouter struct {
	address common.Address
	assets  Assets
}

// NewPoolRouter creates the in-ledger router.
func NewPoolRouter(assets Assets) *PoolRouter {
	return &PoolRouter{address: host.ContractAddress("pool"), assets: assets}
}

// Name implements Router.
func (r *PoolRouter) Name() string { return "pool" }

// Address returns the pool custody principal.
func (r *PoolRouter) Address() common.Address { return r.address }

func sortPair(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		return b, a
	}
	return a, b
}

func pairKey(a, b common.Address) kv.Key {
	lo, hi := sortPair(a, b)
	return kv.PersistentKey("pool:" + lo.Hex() + ":" + hi.Hex())
}

// Pool returns the pair state for a and b.
func (r *PoolRouter) Pool(inv *host.Invocation, a, b common.Address) (*Pool, error) {
	var p Pool
	ok, err := inv.Get(pairKey(a, b), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoLiquidity, a.Hex(), b.Hex())
	}
	return &p, nil
}

// requireOutsider checks p's authorization in the caller's frame. Inside
// the pool frame the pool itself would pass as invoker of the token
// transfers, so its own custody is never a valid counterparty.
func (r *PoolRouter) requireOutsider(inv *host.Invocation, p common.Address) error {
	if p == r.address {
		return fmt.Errorf("%w: pool custody %s", errcode.NotAuthorized, p.Hex())
	}
	return inv.RequireAuth(p)
}

// AddLiquidity deposits amtA of a and amtB of b from provider into the
// pair, creating it on first deposit. Requires the provider's authorization.
func (r *PoolRouter) AddLiquidity(inv *host.Invocation, provider, a, b common.Address, amtA, amtB *big.Int) (*Pool, error) {
	if err := r.requireOutsider(inv, provider); err != nil {
		return nil, err
	}
	var out *Pool
	err := inv.Call(r.address, func() error {
		if a == b {
			return ErrInvalidPath
		}
		if !validIn(amtA) || !validIn(amtB) {
			return errcode.InvalidAmount
		}

		key := pairKey(a, b)
		lo, hi := sortPair(a, b)
		p := Pool{TokenA: lo, TokenB: hi, ReserveA: amount.Zero(), ReserveB: amount.Zero()}
		if _, err := inv.Get(key, &p); err != nil {
			return err
		}

		if err := r.assets.Transfer(inv, a, provider, r.address, amtA); err != nil {
			return err
		}
		if err := r.assets.Transfer(inv, b, provider, r.address, amtB); err != nil {
			return err
		}

		rA, rB := p.reserves(a)
		newA, err := amount.Add(rA, amtA)
		if err != nil {
			return errcode.InvalidAmount
		}
		newB, err := amount.Add(rB, amtB)
		if err != nil {
			return errcode.InvalidAmount
		}
		p.setReserves(a, newA, newB)
		if err := inv.Set(key, p); err != nil {
			return err
		}
		out = &p
		return nil
	})
	return out, err
}

// GetAmountsOut implements Router.
func (r *PoolRouter) GetAmountsOut(inv *host.Invocation, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	amounts, _, err := r.route(inv, amountIn, path)
	return amounts, err
}

// SwapExactIn implements Router. Input is pulled from to, which must have
// authorized the invocation, and the output is paid back to to.
func (r *PoolRouter) SwapExactIn(inv *host.Invocation, amountIn, minOut *big.Int, path []common.Address, to common.Address, deadline uint64) ([]*big.Int, error) {
	if err := r.requireOutsider(inv, to); err != nil {
		return nil, err
	}
	var amounts []*big.Int
	err := inv.Call(r.address, func() error {
		if inv.Now() > deadline {
			return ErrExpired
		}
		var pools []*Pool
		var err error
		amounts, pools, err = r.route(inv, amountIn, path)
		if err != nil {
			return err
		}
		out := amounts[len(amounts)-1]
		if out.Cmp(minOut) < 0 {
			return fmt.Errorf("%w: got %s, want at least %s", ErrInsufficientOutput, out, minOut)
		}

		if err := r.assets.Transfer(inv, path[0], to, r.address, amountIn); err != nil {
			return err
		}
		for i, p := range pools {
			rIn, rOut := p.reserves(path[i])
			newIn, err := amount.Add(rIn, amounts[i])
			if err != nil {
				return errcode.InvalidAmount
			}
			newOut, err := amount.Sub(rOut, amounts[i+1])
			if err != nil {
				return errcode.InvalidAmount
			}
			p.setReserves(path[i], newIn, newOut)
			if err := inv.Set(pairKey(path[i], path[i+1]), p); err != nil {
				return err
			}
		}
		return r.assets.Transfer(inv, path[len(path)-1], r.address, to, out)
	})
	return amounts, err
}

// route computes the per-hop amounts without changing state. Pools in a
// multi-hop path must be distinct so reserves are read once.
func (r *PoolRouter) route(inv *host.Invocation, amountIn *big.Int, path []common.Address) ([]*big.Int, []*Pool, error) {
	if len(path) < 2 {
		return nil, nil, ErrInvalidPath
	}
	if !validIn(amountIn) {
		return nil, nil, errcode.InvalidAmount
	}
	amounts := make([]*big.Int, len(path))
	amounts[0] = new(big.Int).Set(amountIn)
	pools := make([]*Pool, 0, len(path)-1)
	seen := make(map[kv.Key]bool, len(path)-1)
	for i := 0; i < len(path)-1; i++ {
		if path[i] == path[i+1] {
			return nil, nil, ErrInvalidPath
		}
		key := pairKey(path[i], path[i+1])
		if seen[key] {
			return nil, nil, ErrInvalidPath
		}
		seen[key] = true

		p, err := r.Pool(inv, path[i], path[i+1])
		if err != nil {
			return nil, nil, err
		}
		rIn, rOut := p.reserves(path[i])
		out, err := AmountOut(amounts[i], rIn, rOut)
		if err != nil {
			return nil, nil, err
		}
		amounts[i+1] = out
		pools = append(pools, p)
	}
	return amounts, pools, nil
}

// AmountOut is the constant-product output for in against reserves
// (rIn, rOut) after the pool fee.
func AmountOut(in, rIn, rOut *big.Int) (*big.Int, error) {
	if rIn.Sign() <= 0 || rOut.Sign() <= 0 {
		return nil, ErrNoLiquidity
	}
	inWithFee := new(big.Int).Mul(in, big.NewInt(feeNumerator))
	num := new(big.Int).Mul(inWithFee, rOut)
	den := new(big.Int).Mul(rIn, big.NewInt(feeDenominator))
	den.Add(den, inWithFee)
	return num.Quo(num, den), nil
}
