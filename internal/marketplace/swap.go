package marketplace

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/swap"
)

// SwapTokensForUSDC sells amountIn of propertyToken for at least minOut
// of usdc through the configured router, without listing.
func (c *Contract) SwapTokensForUSDC(inv *host.Invocation, seller, propertyToken, usdc common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	if c.swap == nil {
		return nil, swap.ErrRouterUnavailable
	}
	var out *big.Int
	err := inv.Call(c.address, func() error {
		if err := inv.RequireAuth(seller); err != nil {
			return err
		}
		var err error
		out, err = c.swap.Swap(inv, seller, propertyToken, usdc, amountIn, minOut)
		return err
	})
	return out, err
}

// SwapTokensForUSDCViaIntermediate is SwapTokensForUSDC routed through
// bridge, for tokens without a direct pool against usdc.
func (c *Contract) SwapTokensForUSDCViaIntermediate(inv *host.Invocation, seller, propertyToken, bridge, usdc common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	if c.swap == nil {
		return nil, swap.ErrRouterUnavailable
	}
	var out *big.Int
	err := inv.Call(c.address, func() error {
		if err := inv.RequireAuth(seller); err != nil {
			return err
		}
		var err error
		out, err = c.swap.SwapViaIntermediate(inv, seller, propertyToken, bridge, usdc, amountIn, minOut)
		return err
	})
	return out, err
}

// SwapQuote returns the expected usdc output for amountIn of propertyToken.
func (c *Contract) SwapQuote(inv *host.Invocation, propertyToken, usdc common.Address, amountIn *big.Int) (*big.Int, error) {
	if c.swap == nil {
		return nil, swap.ErrRouterUnavailable
	}
	return c.swap.Quote(inv, propertyToken, usdc, amountIn)
}
