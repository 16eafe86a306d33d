// Package reconciliation audits that the custody balances held by the escrow
// and marketplace components match the open positions they record.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/escrow"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/marketplace"
)

// Balances reads custody balances. Satisfied by *token.Ledger.
type Balances interface {
	Balance(inv *host.Invocation, asset, who common.Address) (*big.Int, error)
}

// Escrows is the escrow view the audit needs. Satisfied by *escrow.Contract.
type Escrows interface {
	Address() common.Address
	Config(inv *host.Invocation) (*escrow.Config, error)
	Records(inv *host.Invocation) ([]escrow.Record, error)
}

// Listings is the marketplace view the audit needs. Satisfied by
// *marketplace.Contract.
type Listings interface {
	Address() common.Address
	AllListings(inv *host.Invocation) ([]marketplace.Listing, error)
}

// Mismatch kinds.
const (
	KindDeficit = "deficit" // custody holds less than it owes
	KindSurplus = "surplus" // custody holds more, e.g. a direct transfer in
)

// Mismatch is one custody balance that differs from the positions it backs.
type Mismatch struct {
	Custodian string         `json:"custodian"`
	Address   common.Address `json:"address"`
	Asset     common.Address `json:"asset"`
	Kind      string         `json:"kind"`
	Expected  string         `json:"expected"`
	Actual    string         `json:"actual"`
	Diff      string         `json:"diff"`
}

// Report is the outcome of one audit run.
type Report struct {
	Healthy         bool       `json:"healthy"`
	Mismatches      []Mismatch `json:"mismatches"`
	LockedEscrows   int        `json:"lockedEscrows"`
	TimedOutEscrows []uint64   `json:"timedOutEscrows"`
	ActiveListings  int        `json:"activeListings"`
	LedgerTime      uint64     `json:"ledgerTime"`
	Duration        string     `json:"duration"`
	Timestamp       time.Time  `json:"timestamp"`
}

// Service runs custody audits against a host's committed state.
type Service struct {
	host     *host.Host
	balances Balances
	escrow   Escrows
	market   Listings

	mu   sync.RWMutex
	last *Report
}

// NewService creates a reconciliation service.
func NewService(h *host.Host, balances Balances, esc Escrows, market Listings) *Service {
	return &Service{host: h, balances: balances, escrow: esc, market: market}
}

// Run audits custody once and stores the report as the latest.
//
// Deficits make the report unhealthy. Surpluses are reported but tolerated,
// since anyone may transfer tokens to a custody address.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	rep := &Report{Healthy: true, Mismatches: []Mismatch{}, TimedOutEscrows: []uint64{}}

	err := s.host.View(ctx, "reconciliation.run", func(inv *host.Invocation) error {
		rep.LedgerTime = inv.Now()
		if err := s.checkEscrow(inv, rep); err != nil {
			return fmt.Errorf("escrow: %w", err)
		}
		if err := s.checkMarket(inv, rep); err != nil {
			return fmt.Errorf("marketplace: %w", err)
		}
		return nil
	})
	elapsed := time.Since(start)
	reconcileDuration.Observe(elapsed.Seconds())
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	for _, m := range rep.Mismatches {
		if m.Kind == KindDeficit {
			rep.Healthy = false
		}
	}
	rep.Duration = elapsed.String()
	rep.Timestamp = time.Now().UTC()

	reconcileMismatches.Set(float64(len(rep.Mismatches)))
	reconcileTimedOutEscrows.Set(float64(len(rep.TimedOutEscrows)))

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	return rep, nil
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Service) checkEscrow(inv *host.Invocation, rep *Report) error {
	cfg, err := s.escrow.Config(inv)
	if errors.Is(err, errcode.NotInitialized) {
		return nil
	}
	if err != nil {
		return err
	}
	recs, err := s.escrow.Records(inv)
	if err != nil {
		return err
	}

	owed := new(big.Int)
	now := inv.Now()
	for i := range recs {
		rec := &recs[i]
		if rec.Status != escrow.StatusLocked {
			continue
		}
		rep.LockedEscrows++
		owed.Add(owed, rec.Amount)
		if rec.TimedOut(now) {
			rep.TimedOutEscrows = append(rep.TimedOutEscrows, rec.ID)
		}
	}
	return s.compare(inv, rep, "escrow", s.escrow.Address(), cfg.Asset, owed)
}

func (s *Service) checkMarket(inv *host.Invocation, rep *Report) error {
	listings, err := s.market.AllListings(inv)
	if err != nil {
		return err
	}

	owed := map[common.Address]*big.Int{}
	for i := range listings {
		l := &listings[i]
		if l.Status != marketplace.StatusActive {
			continue
		}
		rep.ActiveListings++
		sum, ok := owed[l.Asset]
		if !ok {
			sum = new(big.Int)
			owed[l.Asset] = sum
		}
		sum.Add(sum, l.Amount)
	}

	assets := make([]common.Address, 0, len(owed))
	for a := range owed {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Cmp(assets[j]) < 0 })

	for _, a := range assets {
		if err := s.compare(inv, rep, "marketplace", s.market.Address(), a, owed[a]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) compare(inv *host.Invocation, rep *Report, custodian string, addr, asset common.Address, owed *big.Int) error {
	held, err := s.balances.Balance(inv, asset, addr)
	if err != nil {
		return err
	}
	diff := new(big.Int).Sub(held, owed)
	if diff.Sign() == 0 {
		return nil
	}
	kind := KindSurplus
	if diff.Sign() < 0 {
		kind = KindDeficit
	}
	rep.Mismatches = append(rep.Mismatches, Mismatch{
		Custodian: custodian,
		Address:   addr,
		Asset:     asset,
		Kind:      kind,
		Expected:  owed.String(),
		Actual:    held.String(),
		Diff:      diff.String(),
	})
	return nil
}
