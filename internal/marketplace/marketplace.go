// Package marketplace lists property tokens for sale and settles purchases.
//
// Listed tokens move into marketplace custody. A purchase decrements the
// listing, records a trade in the bounded history and then settles through
// escrow: the buyer's payment is locked, the tokens are delivered and the
// escrow is released to the seller, all in the same invocation.
package marketplace

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocki/blocki/internal/amount"
	"github.com/blocki/blocki/internal/bounded"
	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/escrow"
	"github.com/blocki/blocki/internal/events"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/kv"
	"github.com/blocki/blocki/internal/metrics"
	"github.com/blocki/blocki/internal/swap"
)

const (
	// MaxTradeHistory bounds the stored trade history; the oldest trade is
	// evicted first.
	MaxTradeHistory = 10000

	// SettlementTimeout is the escrow timeout used for purchases.
	SettlementTimeout = 86400

	counterName = "listing"
)

// Status represents the state of a listing.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Listing is an offer of Amount tokens of Asset at PricePerUnit each, in
// smallest units of the settlement asset.
type Listing struct {
	ID           uint64         `json:"id"`
	Seller       common.Address `json:"seller"`
	Asset        common.Address `json:"asset"`
	Amount       *big.Int       `json:"amount"`
	PricePerUnit *big.Int       `json:"pricePerUnit"`
	Status       Status         `json:"status"`
	CreatedAt    uint64         `json:"createdAt"`
}

// Trade is one completed purchase. Price is the total paid.
type Trade struct {
	ListingID uint64         `json:"listingId"`
	Asset     common.Address `json:"asset"`
	Buyer     common.Address `json:"buyer"`
	Seller    common.Address `json:"seller"`
	Amount    *big.Int       `json:"amount"`
	Price     *big.Int       `json:"price"`
	Timestamp uint64         `json:"timestamp"`
}

// Purchase describes a settled BuyTokens call.
type Purchase struct {
	ListingID uint64   `json:"listingId"`
	EscrowID  uint64   `json:"escrowId"`
	Amount    *big.Int `json:"amount"`
	Total     *big.Int `json:"total"`
	Remaining *big.Int `json:"remaining"`
	Status    Status   `json:"status"`
}

// Config is set once by Initialize.
type Config struct {
	Admin    common.Address `json:"admin"`
	Escrow   common.Address `json:"escrow"`
	Registry common.Address `json:"registry"`
}

// Event payloads.
type (
	ListingCreatedEvent struct {
		ListingID    uint64         `json:"listingId"`
		Seller       common.Address `json:"seller"`
		Asset        common.Address `json:"asset"`
		Amount       *big.Int       `json:"amount"`
		PricePerUnit *big.Int       `json:"pricePerUnit"`
	}
	ListingCancelledEvent struct {
		ListingID uint64         `json:"listingId"`
		Seller    common.Address `json:"seller"`
	}
	PurchaseEvent struct {
		ListingID uint64         `json:"listingId"`
		Buyer     common.Address `json:"buyer"`
		Seller    common.Address `json:"seller"`
		Amount    *big.Int       `json:"amount"`
		Total     *big.Int       `json:"total"`
	}
)

// Assets is the asset gateway the marketplace needs. Satisfied by
// *token.Ledger.
type Assets interface {
	Transfer(inv *host.Invocation, asset, from, to common.Address, amt *big.Int) error
	Balance(inv *host.Invocation, asset, who common.Address) (*big.Int, error)
	Allowance(inv *host.Invocation, asset, owner, spender common.Address) (*big.Int, error)
}

// Escrow is the settlement component. Satisfied by *escrow.Contract.
type Escrow interface {
	Config(inv *host.Invocation) (*escrow.Config, error)
	LockFunds(inv *host.Invocation, buyer, seller common.Address, amt *big.Int, listingID, timeout uint64) (uint64, error)
	ReleaseToSeller(inv *host.Invocation, id uint64) error
}

var configKey = kv.InstanceKey("market:config")

func listingKey(id uint64) kv.Key {
	return kv.PersistentKey("market:listing:" + strconv.FormatUint(id, 10))
}

// Option configures a Contract.
type Option func(*Contract)

// WithHistoryCap overrides the trade history capacity.
func WithHistoryCap(n uint64) Option {
	return func(c *Contract) { c.trades = bounded.NewRing[Trade]("market:trades", n) }
}

// WithSwap enables the swap entry points.
func WithSwap(a *swap.Adapter) Option {
	return func(c *Contract) { c.swap = a }
}

// Contract implements the marketplace.
type Contract struct {
	address common.Address
	assets  Assets
	escrow  Escrow
	swap    *swap.Adapter
	trades  bounded.Ring[Trade]
}

// New creates the marketplace component.
func New(assets Assets, esc Escrow, opts ...Option) *Contract {
	c := &Contract{
		address: host.ContractAddress("marketplace"),
		assets:  assets,
		escrow:  esc,
		trades:  bounded.NewRing[Trade]("market:trades", MaxTradeHistory),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the marketplace custody principal.
func (c *Contract) Address() common.Address { return c.address }

// Initialize records the admin and the linked escrow and registry.
func (c *Contract) Initialize(inv *host.Invocation, cfg Config) error {
	return inv.Call(c.address, func() error {
		if ok, err := inv.Has(configKey); err != nil {
			return err
		} else if ok {
			return errcode.AlreadyInitialized
		}
		if err := inv.RequireAuth(cfg.Admin); err != nil {
			return err
		}
		return inv.Set(configKey, cfg)
	})
}

// ListProperty moves amt of asset from seller into custody and opens a
// listing at pricePerUnit.
func (c *Contract) ListProperty(inv *host.Invocation, seller, asset common.Address, amt, pricePerUnit *big.Int) (uint64, error) {
	var id uint64
	err := inv.Call(c.address, func() error {
		if err := inv.RequireAuth(seller); err != nil {
			return err
		}
		if !amount.Positive(amt) || !amount.InRange(amt) {
			return errcode.InvalidListingAmount
		}
		if !amount.Positive(pricePerUnit) || !amount.InRange(pricePerUnit) {
			return errcode.InvalidPrice
		}
		bal, err := c.assets.Balance(inv, asset, seller)
		if err != nil {
			return err
		}
		if bal.Cmp(amt) < 0 {
			return errcode.InsufficientBalance
		}

		if err := c.assets.Transfer(inv, asset, seller, c.address, amt); err != nil {
			return fmt.Errorf("list: move tokens into custody: %w", err)
		}

		id, err = inv.NextID(counterName)
		if err != nil {
			return err
		}
		l := Listing{
			ID:           id,
			Seller:       seller,
			Asset:        asset,
			Amount:       new(big.Int).Set(amt),
			PricePerUnit: new(big.Int).Set(pricePerUnit),
			Status:       StatusActive,
			CreatedAt:    inv.Now(),
		}
		if err := inv.Set(listingKey(id), l); err != nil {
			return err
		}

		inv.Emit(events.TopicListingCreated, []common.Address{seller, asset}, ListingCreatedEvent{
			ListingID:    id,
			Seller:       seller,
			Asset:        asset,
			Amount:       l.Amount,
			PricePerUnit: l.PricePerUnit,
		})
		inv.OnCommit(func() { metrics.ListingTransitionsTotal.WithLabelValues(string(StatusActive)).Inc() })
		return nil
	})
	return id, err
}

// BuyTokens buys amt tokens of a listing, paying amt*pricePerUnit of
// quoteAsset through escrow.
func (c *Contract) BuyTokens(inv *host.Invocation, buyer common.Address, listingID uint64, amt *big.Int, quoteAsset common.Address) (*Purchase, error) {
	var p *Purchase
	err := inv.Call(c.address, func() error {
		if err := inv.RequireAuth(buyer); err != nil {
			return err
		}

		// Checks
		if !amount.Positive(amt) || !amount.InRange(amt) {
			return errcode.InvalidAmount
		}
		l, err := c.listing(inv, listingID)
		if err != nil {
			return err
		}
		if l.Status != StatusActive {
			return errcode.ListingCancelled
		}
		if amt.Cmp(l.Amount) > 0 {
			return errcode.InvalidListingAmount
		}
		total, err := amount.Mul(amt, l.PricePerUnit)
		if err != nil {
			return errcode.InvalidAmount
		}
		if _, err := c.config(inv); err != nil {
			return err
		}
		escCfg, err := c.escrow.Config(inv)
		if err != nil {
			return err
		}
		if quoteAsset != escCfg.Asset {
			return fmt.Errorf("%w: quote asset %s is not the settlement asset", errcode.TokenNotFound, quoteAsset.Hex())
		}
		allowed, err := c.assets.Allowance(inv, quoteAsset, buyer, c.address)
		if err != nil {
			return err
		}
		if allowed.Cmp(total) < 0 {
			return errcode.InsufficientAllowance
		}

		// Effects
		remaining, err := amount.Sub(l.Amount, amt)
		if err != nil {
			return errcode.InvalidAmount
		}
		l.Amount = remaining
		if remaining.Sign() == 0 {
			l.Status = StatusCompleted
		}
		if err := inv.Set(listingKey(listingID), l); err != nil {
			return err
		}
		evicted, err := c.trades.Push(inv, Trade{
			ListingID: listingID,
			Asset:     l.Asset,
			Buyer:     buyer,
			Seller:    l.Seller,
			Amount:    new(big.Int).Set(amt),
			Price:     total,
			Timestamp: inv.Now(),
		})
		if err != nil {
			return err
		}

		// Interactions
		escrowID, err := c.escrow.LockFunds(inv, buyer, l.Seller, total, listingID, SettlementTimeout)
		if err != nil {
			return fmt.Errorf("buy: lock payment: %w", err)
		}
		if err := c.assets.Transfer(inv, l.Asset, c.address, buyer, amt); err != nil {
			return fmt.Errorf("buy: deliver tokens: %w", err)
		}
		if err := c.escrow.ReleaseToSeller(inv, escrowID); err != nil {
			return fmt.Errorf("buy: release payment: %w", err)
		}

		inv.Emit(events.TopicPurchase, []common.Address{buyer, l.Seller, l.Asset}, PurchaseEvent{
			ListingID: listingID,
			Buyer:     buyer,
			Seller:    l.Seller,
			Amount:    amt,
			Total:     total,
		})
		status := l.Status
		inv.OnCommit(func() {
			metrics.PurchasesTotal.Inc()
			if evicted {
				metrics.TradeHistoryEvictionsTotal.Inc()
			}
			if status == StatusCompleted {
				metrics.ListingTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
			}
		})

		p = &Purchase{
			ListingID: listingID,
			EscrowID:  escrowID,
			Amount:    amt,
			Total:     total,
			Remaining: remaining,
			Status:    l.Status,
		}
		return nil
	})
	return p, err
}

// CancelListing returns the unsold tokens to the seller and closes the
// listing. Requires the seller's authorization.
func (c *Contract) CancelListing(inv *host.Invocation, listingID uint64) error {
	return inv.Call(c.address, func() error {
		l, err := c.listing(inv, listingID)
		if err != nil {
			return err
		}
		if err := inv.RequireAuth(l.Seller); err != nil {
			return err
		}
		if l.Status != StatusActive {
			return errcode.ListingCancelled
		}

		remaining := l.Amount
		l.Status = StatusCancelled
		if err := inv.Set(listingKey(listingID), l); err != nil {
			return err
		}
		if err := c.assets.Transfer(inv, l.Asset, c.address, l.Seller, remaining); err != nil {
			return fmt.Errorf("cancel: return tokens: %w", err)
		}

		inv.Emit(events.TopicListingCanceled, []common.Address{l.Seller, l.Asset},
			ListingCancelledEvent{ListingID: listingID, Seller: l.Seller})
		inv.OnCommit(func() { metrics.ListingTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc() })
		return nil
	})
}

// Listing returns a listing by id.
func (c *Contract) Listing(inv *host.Invocation, id uint64) (*Listing, error) {
	return c.listing(inv, id)
}

// Listings returns the active listings of asset. It scans every id ever
// issued.
func (c *Contract) Listings(inv *host.Invocation, asset common.Address) ([]Listing, error) {
	out := []Listing{}
	err := c.eachListing(inv, func(l *Listing) {
		if l.Asset == asset && l.Status == StatusActive {
			out = append(out, *l)
		}
	})
	return out, err
}

// AllListings returns every listing in any status, in id order.
func (c *Contract) AllListings(inv *host.Invocation) ([]Listing, error) {
	out := []Listing{}
	err := c.eachListing(inv, func(l *Listing) { out = append(out, *l) })
	return out, err
}

// PriceHistory returns the stored trades of asset, oldest first.
func (c *Contract) PriceHistory(inv *host.Invocation, asset common.Address) ([]Trade, error) {
	out := []Trade{}
	err := c.trades.Each(inv, func(t Trade) bool {
		if t.Asset == asset {
			out = append(out, t)
		}
		return true
	})
	return out, err
}

// MarketCap sums amount*price over active listings. A listing whose value
// overflows counts as zero, and an overflowing sum keeps the previous total.
func (c *Contract) MarketCap(inv *host.Invocation) (*big.Int, error) {
	total := amount.Zero()
	err := c.eachListing(inv, func(l *Listing) {
		if l.Status != StatusActive {
			return
		}
		v, err := amount.Mul(l.Amount, l.PricePerUnit)
		if err != nil {
			v = amount.Zero()
		}
		total = amount.SaturatingAdd(total, v)
	})
	return total, err
}

// Config returns the marketplace configuration.
func (c *Contract) Config(inv *host.Invocation) (*Config, error) {
	return c.config(inv)
}

// Admin returns the configured admin.
func (c *Contract) Admin(inv *host.Invocation) (common.Address, error) {
	cfg, err := c.config(inv)
	if err != nil {
		return common.Address{}, err
	}
	return cfg.Admin, nil
}

// EscrowContract returns the linked escrow principal.
func (c *Contract) EscrowContract(inv *host.Invocation) (common.Address, error) {
	cfg, err := c.config(inv)
	if err != nil {
		return common.Address{}, err
	}
	return cfg.Escrow, nil
}

// RegistryContract returns the linked ownership registry principal.
func (c *Contract) RegistryContract(inv *host.Invocation) (common.Address, error) {
	cfg, err := c.config(inv)
	if err != nil {
		return common.Address{}, err
	}
	return cfg.Registry, nil
}

func (c *Contract) eachListing(inv *host.Invocation, fn func(*Listing)) error {
	n, err := inv.Counter(counterName)
	if err != nil {
		return err
	}
	for id := uint64(0); id < n; id++ {
		var l Listing
		ok, err := inv.Get(listingKey(id), &l)
		if err != nil {
			return err
		}
		// Ids burned by aborted invocations have no listing.
		if ok {
			fn(&l)
		}
	}
	return nil
}

func (c *Contract) config(inv *host.Invocation) (*Config, error) {
	var cfg Config
	ok, err := inv.Get(configKey, &cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errcode.NotInitialized
	}
	return &cfg, nil
}

func (c *Contract) listing(inv *host.Invocation, id uint64) (*Listing, error) {
	var l Listing
	ok, err := inv.Get(listingKey(id), &l)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errcode.ListingNotFound
	}
	return &l, nil
}
