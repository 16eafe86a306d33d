package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/blocki/blocki/internal/kv"
	"github.com/blocki/blocki/internal/metrics"
)

// SweepResult summarizes one retention pass.
type SweepResult struct {
	Extended int
	Expired  int64
}

const sweepBatch = 500

// Sweep renews instance and persistent entries whose retention deadline is
// within the threshold, and drops expired temporary entries. It runs inside
// the invocation order so it never interleaves with a commit.
func (h *Host) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	unlock, err := h.lock.Lock(ctx)
	if err != nil {
		return res, err
	}
	defer unlock()

	now := h.clock.Now()
	for _, tier := range []kv.Tier{kv.Instance, kv.Persistent} {
		entries, err := h.store.Expiring(ctx, tier, now+kv.RetentionThreshold, sweepBatch)
		if err != nil {
			return res, fmt.Errorf("host: list expiring %s: %w", tier, err)
		}
		if len(entries) == 0 {
			continue
		}
		writes := make([]kv.Write, 0, len(entries))
		for _, e := range entries {
			writes = append(writes, kv.Write{
				Key:       e.Key,
				Value:     e.Value,
				ExpiresAt: kv.RenewExpiry(now, e.ExpiresAt),
			})
		}
		if err := h.store.Apply(ctx, writes); err != nil {
			return res, fmt.Errorf("host: extend %s: %w", tier, err)
		}
		res.Extended += len(writes)
		metrics.RetentionExtendedTotal.WithLabelValues(tier.String()).Add(float64(len(writes)))
	}

	n, err := h.store.DeleteExpired(ctx, kv.Temporary, now)
	if err != nil {
		return res, fmt.Errorf("host: drop expired temporary entries: %w", err)
	}
	res.Expired = n
	metrics.TemporaryEntriesExpiredTotal.Add(float64(n))
	return res, nil
}

// Keeper periodically runs Sweep.
type Keeper struct {
	host     *Host
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewKeeper creates a retention keeper.
func NewKeeper(h *Host, interval time.Duration, logger *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Keeper{
		host:     h,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the keeper loop is actively running.
func (k *Keeper) Running() bool {
	return k.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (k *Keeper) Start(ctx context.Context) {
	k.running.Store(true)
	defer k.running.Store(false)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stop:
			return
		case <-ticker.C:
			k.safeSweep(ctx)
		}
	}
}

// Stop signals the keeper to stop.
func (k *Keeper) Stop() {
	select {
	case k.stop <- struct{}{}:
	default:
	}
}

func (k *Keeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("panic in retention keeper", "panic", fmt.Sprint(r))
		}
	}()

	res, err := k.host.Sweep(ctx)
	if err != nil {
		k.logger.Warn("retention sweep failed", "error", err)
		return
	}
	if res.Extended > 0 || res.Expired > 0 {
		k.logger.Info("retention sweep",
			"extended", res.Extended,
			"expired_temporary", res.Expired,
		)
	}
}
