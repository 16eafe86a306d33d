// Package escrow holds buyer funds in custody until a trade settles.
//
// Lifecycle:
//  1. LockFunds: buyer's funds move into escrow custody, record is Locked
//  2. ReleaseToSeller: marketplace (or admin) settles, custody → seller
//  3. RefundToBuyer: admin before the timeout, buyer at/after it, custody → buyer
//
// Released and Refunded are terminal. Every transition persists the new
// status before moving funds, and runs inside a host invocation so that a
// failed transfer rolls the status change back.
package escrow

import (
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocki/blocki/internal/amount"
	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/events"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/kv"
	"github.com/blocki/blocki/internal/metrics"
)

// Status represents the state of an escrow.
type Status string

const (
	StatusLocked   Status = "locked"   // Funds held in custody
	StatusReleased Status = "released" // Paid out to the seller
	StatusRefunded Status = "refunded" // Returned to the buyer
)

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Record is one escrow.
type Record struct {
	ID        uint64         `json:"id"`
	Buyer     common.Address `json:"buyer"`
	Seller    common.Address `json:"seller"`
	Amount    *big.Int       `json:"amount"`
	Asset     common.Address `json:"asset"`
	ListingID uint64         `json:"listingId"`
	Status    Status         `json:"status"`
	CreatedAt uint64         `json:"createdAt"`
	TimeoutAt uint64         `json:"timeoutAt"`
}

// TimedOut reports whether the refund window has opened for the buyer.
func (r *Record) TimedOut(now uint64) bool {
	return now >= r.TimeoutAt
}

// Config is set once by Initialize.
type Config struct {
	Admin       common.Address `json:"admin"`
	Asset       common.Address `json:"asset"`
	Marketplace common.Address `json:"marketplace"`
}

// Event payloads.
type (
	LockedEvent struct {
		EscrowID uint64         `json:"escrowId"`
		Buyer    common.Address `json:"buyer"`
		Amount   *big.Int       `json:"amount"`
	}
	ReleasedEvent struct {
		EscrowID uint64         `json:"escrowId"`
		Seller   common.Address `json:"seller"`
		Amount   *big.Int       `json:"amount"`
	}
	RefundedEvent struct {
		EscrowID uint64         `json:"escrowId"`
		Buyer    common.Address `json:"buyer"`
		Amount   *big.Int       `json:"amount"`
	}
)

// AssetGateway moves custody funds. Satisfied by *token.Ledger.
type AssetGateway interface {
	Transfer(inv *host.Invocation, asset, from, to common.Address, amt *big.Int) error
}

const counterName = "escrow"

var configKey = kv.InstanceKey("escrow:config")

func recordKey(id uint64) kv.Key {
	return kv.PersistentKey("escrow:" + strconv.FormatUint(id, 10))
}

// Contract implements the escrow state machine.
type Contract struct {
	address common.Address
	assets  AssetGateway
}

// New creates the escrow component. Its custody principal is derived from
// the component name.
func New(assets AssetGateway) *Contract {
	return &Contract{
		address: host.ContractAddress("escrow"),
		assets:  assets,
	}
}

// Address returns the escrow custody principal.
func (c *Contract) Address() common.Address { return c.address }

// Initialize configures the admin, custody asset and marketplace. Once only.
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

// LockFunds moves amount of the custody asset from buyer into escrow and
// returns the new escrow id.
func (c *Contract) LockFunds(inv *host.Invocation, buyer, seller common.Address, amt *big.Int, listingID, timeout uint64) (uint64, error) {
	var id uint64
	err := inv.Call(c.address, func() error {
		if err := inv.RequireAuth(buyer); err != nil {
			return err
		}
		if !amount.Positive(amt) || !amount.InRange(amt) {
			return errcode.InvalidAmount
		}
		cfg, err := c.config(inv)
		if err != nil {
			return err
		}
		now := inv.Now()
		if timeout > math.MaxUint64-now {
			return errcode.InvalidAmount
		}

		id, err = inv.NextID(counterName)
		if err != nil {
			return err
		}
		rec := Record{
			ID:        id,
			Buyer:     buyer,
			Seller:    seller,
			Amount:    new(big.Int).Set(amt),
			Asset:     cfg.Asset,
			ListingID: listingID,
			Status:    StatusLocked,
			CreatedAt: now,
			TimeoutAt: now + timeout,
		}
		if err := inv.Set(recordKey(id), rec); err != nil {
			return err
		}

		if err := c.assets.Transfer(inv, cfg.Asset, buyer, c.address, amt); err != nil {
			return fmt.Errorf("lock escrow %d: %w", id, err)
		}

		inv.Emit(events.TopicEscrowLocked, []common.Address{buyer, seller},
			LockedEvent{EscrowID: id, Buyer: buyer, Amount: rec.Amount})
		inv.OnCommit(func() { metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusLocked)).Inc() })
		return nil
	})
	return id, err
}

// ReleaseToSeller pays a Locked escrow out to its seller. Authorized for the
// registered marketplace (usually as the calling component) and for admin.
func (c *Contract) ReleaseToSeller(inv *host.Invocation, id uint64) error {
	return inv.Call(c.address, func() error {
		cfg, err := c.config(inv)
		if err != nil {
			return err
		}
		if !inv.Authorized(cfg.Marketplace) {
			if err := inv.RequireAuth(cfg.Admin); err != nil {
				return err
			}
		}

		rec, err := c.record(inv, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusLocked {
			return errcode.EscrowNotLocked
		}

		rec.Status = StatusReleased
		if err := inv.Set(recordKey(id), rec); err != nil {
			return err
		}
		if err := c.assets.Transfer(inv, rec.Asset, c.address, rec.Seller, rec.Amount); err != nil {
			return fmt.Errorf("release escrow %d: %w", id, err)
		}

		inv.Emit(events.TopicEscrowReleased, []common.Address{rec.Buyer, rec.Seller},
			ReleasedEvent{EscrowID: id, Seller: rec.Seller, Amount: rec.Amount})
		inv.OnCommit(func() { metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReleased)).Inc() })
		return nil
	})
}

// RefundToBuyer returns a Locked escrow to its buyer. Before the timeout
// only the admin may refund; at or after it the buyer may.
func (c *Contract) RefundToBuyer(inv *host.Invocation, id uint64) error {
	return inv.Call(c.address, func() error {
		cfg, err := c.config(inv)
		if err != nil {
			return err
		}
		rec, err := c.record(inv, id)
		if err != nil {
			return err
		}

		approver := cfg.Admin
		if rec.TimedOut(inv.Now()) {
			approver = rec.Buyer
		}
		if err := inv.RequireAuth(approver); err != nil {
			return err
		}
		if rec.Status != StatusLocked {
			return errcode.EscrowNotLocked
		}

		rec.Status = StatusRefunded
		if err := inv.Set(recordKey(id), rec); err != nil {
			return err
		}
		if err := c.assets.Transfer(inv, rec.Asset, c.address, rec.Buyer, rec.Amount); err != nil {
			return fmt.Errorf("refund escrow %d: %w", id, err)
		}

		inv.Emit(events.TopicEscrowRefunded, []common.Address{rec.Buyer, rec.Seller},
			RefundedEvent{EscrowID: id, Buyer: rec.Buyer, Amount: rec.Amount})
		inv.OnCommit(func() { metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusRefunded)).Inc() })
		return nil
	})
}

// Status returns the escrow status.
func (c *Contract) Status(inv *host.Invocation, id uint64) (Status, error) {
	rec, err := c.record(inv, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// Record returns the full escrow record.
func (c *Contract) Record(inv *host.Invocation, id uint64) (*Record, error) {
	return c.record(inv, id)
}

// IsTimedOut reports whether now has reached the escrow timeout.
func (c *Contract) IsTimedOut(inv *host.Invocation, id uint64) (bool, error) {
	rec, err := c.record(inv, id)
	if err != nil {
		return false, err
	}
	return rec.TimedOut(inv.Now()), nil
}

// Admin returns the configured admin.
func (c *Contract) Admin(inv *host.Invocation) (common.Address, error) {
	cfg, err := c.config(inv)
	if err != nil {
		return common.Address{}, err
	}
	return cfg.Admin, nil
}

// Config returns the escrow configuration.
func (c *Contract) Config(inv *host.Invocation) (*Config, error) {
	return c.config(inv)
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

// Records returns every escrow ever opened, in id order.
func (c *Contract) Records(inv *host.Invocation) ([]Record, error) {
	n, err := inv.Counter(counterName)
	if err != nil {
		return nil, err
	}
	out := []Record{}
	for id := uint64(0); id < n; id++ {
		var rec Record
		ok, err := inv.Get(recordKey(id), &rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *Contract) record(inv *host.Invocation, id uint64) (*Record, error) {
	var rec Record
	ok, err := inv.Get(recordKey(id), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errcode.EscrowNotFound
	}
	return &rec, nil
}
