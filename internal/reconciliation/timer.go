package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultInterval = 5 * time.Minute

// Timer periodically runs the custody audit.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a timer. A non-positive interval defaults to five minutes.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start audits once, then every interval until ctx is done or Stop is
// called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRun(ctx)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	rep, err := t.service.Run(ctx)
	switch {
	case err != nil:
		t.logger.Warn("reconciliation run failed", "error", err)
	case !rep.Healthy:
		for _, m := range rep.Mismatches {
			if m.Kind == KindDeficit {
				t.logger.Error("custody deficit",
					"custodian", m.Custodian,
					"asset", m.Asset.Hex(),
					"expected", m.Expected,
					"actual", m.Actual,
				)
			}
		}
	case len(rep.TimedOutEscrows) > 0:
		t.logger.Info("timed-out escrows awaiting refund", "count", len(rep.TimedOutEscrows))
	}
}
