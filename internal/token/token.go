// Package token is the bundled fungible-asset issuer. It plays the asset
// transfer gateway for the escrow and marketplace components: the
// settlement asset (mock USDC) and property tokens are all issued here.
//
// Balances and allowances are kept per asset in the persistent tier.
// Every operation runs in the asset's own frame, so a component moving
// funds out of its custody is authorized as the invoking contract.
package token

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocki/blocki/internal/amount"
	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/events"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/kv"
)

// Metadata describes an issued asset.
type Metadata struct {
	Asset    common.Address `json:"asset"`
	Admin    common.Address `json:"admin"`
	Name     string         `json:"name"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
	Supply   *big.Int       `json:"supply"`
	// MaxSupply caps minting when set.
	MaxSupply *big.Int `json:"maxSupply,omitempty"`
}

// TransferEvent is the payload of transfer events.
type TransferEvent struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// MintEvent is the payload of mint events.
type MintEvent struct {
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// ApproveEvent is the payload of approve events.
type ApproveEvent struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *big.Int       `json:"amount"`
}

// Ledger implements the issuer operations. It holds no state of its own.
type Ledger struct{}

// NewLedger creates an issuer.
func NewLedger() *Ledger { return &Ledger{} }

// AssetAddress derives the asset id for a symbol.
func AssetAddress(symbol string) common.Address {
	return host.ContractAddress("token:" + strings.ToUpper(symbol))
}

func metaKey(asset common.Address) kv.Key {
	return kv.InstanceKey("token:" + asset.Hex() + ":meta")
}

func balanceKey(asset, who common.Address) kv.Key {
	return kv.PersistentKey("token:" + asset.Hex() + ":bal:" + who.Hex())
}

func allowanceKey(asset, owner, spender common.Address) kv.Key {
	return kv.PersistentKey("token:" + asset.Hex() + ":allow:" + owner.Hex() + ":" + spender.Hex())
}

// Create registers a new asset administered by meta.Admin.
func (l *Ledger) Create(inv *host.Invocation, meta Metadata) error {
	return inv.Call(meta.Asset, func() error {
		if exists, err := inv.Has(metaKey(meta.Asset)); err != nil {
			return err
		} else if exists {
			return errcode.AlreadyInitialized
		}
		if err := inv.RequireAuth(meta.Admin); err != nil {
			return err
		}
		if meta.MaxSupply != nil && !amount.Positive(meta.MaxSupply) {
			return errcode.InvalidAmount
		}
		meta.Supply = amount.Zero()
		return inv.Set(metaKey(meta.Asset), meta)
	})
}

// Metadata returns the asset description.
func (l *Ledger) Metadata(inv *host.Invocation, asset common.Address) (*Metadata, error) {
	var meta Metadata
	ok, err := inv.Get(metaKey(asset), &meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errcode.TokenNotFound
	}
	return &meta, nil
}

// Mint creates amount new units for to. Requires the asset admin.
func (l *Ledger) Mint(inv *host.Invocation, asset, to common.Address, amt *big.Int) error {
	return inv.Call(asset, func() error {
		meta, err := l.Metadata(inv, asset)
		if err != nil {
			return err
		}
		if err := inv.RequireAuth(meta.Admin); err != nil {
			return err
		}
		if !amount.Positive(amt) {
			return errcode.InvalidAmount
		}
		supply, err := amount.Add(meta.Supply, amt)
		if err != nil {
			return errcode.InvalidAmount
		}
		if meta.MaxSupply != nil && supply.Cmp(meta.MaxSupply) > 0 {
			return errcode.MintExceedsSupply
		}
		bal, err := l.balance(inv, asset, to)
		if err != nil {
			return err
		}
		newBal, err := amount.Add(bal, amt)
		if err != nil {
			return errcode.InvalidAmount
		}

		meta.Supply = supply
		if err := inv.Set(metaKey(asset), meta); err != nil {
			return err
		}
		if err := inv.Set(balanceKey(asset, to), newBal); err != nil {
			return err
		}
		inv.Emit(events.TopicMint, []common.Address{to}, MintEvent{To: to, Amount: amt})
		return nil
	})
}

// Transfer moves amount from from to to. Requires from's authorization.
func (l *Ledger) Transfer(inv *host.Invocation, asset, from, to common.Address, amt *big.Int) error {
	return inv.Call(asset, func() error {
		if _, err := l.Metadata(inv, asset); err != nil {
			return err
		}
		if err := inv.RequireAuth(from); err != nil {
			return err
		}
		return l.move(inv, asset, from, to, amt)
	})
}

// TransferFrom moves amount from from to to using spender's allowance.
func (l *Ledger) TransferFrom(inv *host.Invocation, asset, spender, from, to common.Address, amt *big.Int) error {
	return inv.Call(asset, func() error {
		if _, err := l.Metadata(inv, asset); err != nil {
			return err
		}
		if err := inv.RequireAuth(spender); err != nil {
			return err
		}
		if amount.Negative(amt) {
			return errcode.InvalidAmount
		}
		allowed, err := l.allowance(inv, asset, from, spender)
		if err != nil {
			return err
		}
		if allowed.Cmp(amt) < 0 {
			return errcode.InsufficientAllowance
		}
		rest, err := amount.Sub(allowed, amt)
		if err != nil {
			return errcode.InvalidAmount
		}
		if err := inv.Set(allowanceKey(asset, from, spender), rest); err != nil {
			return err
		}
		return l.move(inv, asset, from, to, amt)
	})
}

// Approve sets spender's allowance over owner's balance to amount.
func (l *Ledger) Approve(inv *host.Invocation, asset, owner, spender common.Address, amt *big.Int) error {
	return inv.Call(asset, func() error {
		if _, err := l.Metadata(inv, asset); err != nil {
			return err
		}
		if err := inv.RequireAuth(owner); err != nil {
			return err
		}
		if amount.Negative(amt) {
			return errcode.InvalidAmount
		}
		if err := inv.Set(allowanceKey(asset, owner, spender), amt); err != nil {
			return err
		}
		inv.Emit(events.TopicApprove, []common.Address{owner, spender},
			ApproveEvent{Owner: owner, Spender: spender, Amount: amt})
		return nil
	})
}

// Balance returns who's balance of asset.
func (l *Ledger) Balance(inv *host.Invocation, asset, who common.Address) (*big.Int, error) {
	if _, err := l.Metadata(inv, asset); err != nil {
		return nil, err
	}
	return l.balance(inv, asset, who)
}

// Allowance returns what spender may still move out of owner's balance.
func (l *Ledger) Allowance(inv *host.Invocation, asset, owner, spender common.Address) (*big.Int, error) {
	if _, err := l.Metadata(inv, asset); err != nil {
		return nil, err
	}
	return l.allowance(inv, asset, owner, spender)
}

func (l *Ledger) move(inv *host.Invocation, asset, from, to common.Address, amt *big.Int) error {
	if amount.Negative(amt) || !amount.InRange(amt) {
		return errcode.InvalidAmount
	}
	if amt.Sign() == 0 || from == to {
		return nil
	}
	fromBal, err := l.balance(inv, asset, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amt) < 0 {
		return errcode.InsufficientBalance
	}
	toBal, err := l.balance(inv, asset, to)
	if err != nil {
		return err
	}
	newFrom, err := amount.Sub(fromBal, amt)
	if err != nil {
		return errcode.InvalidAmount
	}
	newTo, err := amount.Add(toBal, amt)
	if err != nil {
		return errcode.InvalidAmount
	}
	if err := inv.Set(balanceKey(asset, from), newFrom); err != nil {
		return err
	}
	if err := inv.Set(balanceKey(asset, to), newTo); err != nil {
		return err
	}
	inv.Emit(events.TopicTransfer, []common.Address{from, to},
		TransferEvent{From: from, To: to, Amount: amt})
	return nil
}

func (l *Ledger) balance(inv *host.Invocation, asset, who common.Address) (*big.Int, error) {
	bal := amount.Zero()
	if _, err := inv.Get(balanceKey(asset, who), &bal); err != nil {
		return nil, err
	}
	return bal, nil
}

func (l *Ledger) allowance(inv *host.Invocation, asset, owner, spender common.Address) (*big.Int, error) {
	v := amount.Zero()
	if _, err := inv.Get(allowanceKey(asset, owner, spender), &v); err != nil {
		return nil, err
	}
	return v, nil
}
