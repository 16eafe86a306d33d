// Package host executes component operations as atomic invocations.
//
// A Host imposes a strict total order on invocations: exactly one runs at a
// time, and acquisition respects context cancellation. Each invocation reads
// through a private write overlay on top of the key-value store. When the
// operation returns nil, the overlay is applied to the store in one atomic
// batch and buffered events are published in emission order. When it
// returns an error, the overlay and events are dropped and no state change is
// observable.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/events"
	"github.com/blocki/blocki/internal/idgen"
	"github.com/blocki/blocki/internal/kv"
	"github.com/blocki/blocki/internal/metrics"
	"github.com/blocki/blocki/internal/syncutil"
	"github.com/blocki/blocki/internal/traces"
)

var (
	// ErrReentrant is returned when an operation starts a new invocation
	// from inside a running one. Cross-component calls must use the
	// caller's Invocation instead.
	ErrReentrant = errors.New("host: nested invocation")
	// ErrReadOnly is returned by mutating calls inside a view.
	ErrReadOnly = errors.New("host: write in read-only invocation")
)

const eventSequence = "host:events"

type runningKey struct{}

// Host runs invocations against a store.
type Host struct {
	store  kv.Store
	clock  Clock
	lock   *syncutil.ContextMutex
	sink   events.Sink
	logger *slog.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the host logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithSink sets where committed events are published.
func WithSink(s events.Sink) Option {
	return func(h *Host) { h.sink = s }
}

// New creates a host over store.
func New(store kv.Store, clock Clock, opts ...Option) *Host {
	if clock == nil {
		clock = SystemClock{}
	}
	h := &Host{
		store:  store,
		clock:  clock,
		lock:   syncutil.NewContextMutex(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Store returns the underlying store.
func (h *Host) Store() kv.Store { return h.store }

// Clock returns the ledger clock.
func (h *Host) Clock() Clock { return h.clock }

// Invoke runs fn as one atomic invocation. gate decides which principals
// have authorized it; pass auth.None for unauthenticated callers.
func (h *Host) Invoke(ctx context.Context, op string, gate auth.Gate, fn func(inv *Invocation) error) error {
	return h.run(ctx, op, gate, false, fn)
}

// View runs fn as a read-only invocation. Writes fail with ErrReadOnly.
func (h *Host) View(ctx context.Context, op string, fn func(inv *Invocation) error) error {
	return h.run(ctx, op, auth.None, true, fn)
}

func (h *Host) run(ctx context.Context, op string, gate auth.Gate, readOnly bool, fn func(inv *Invocation) error) (err error) {
	if ctx.Value(runningKey{}) != nil {
		return ErrReentrant
	}
	if gate == nil {
		gate = auth.None
	}

	waitStart := time.Now()
	unlock, err := h.lock.Lock(ctx)
	if err != nil {
		return fmt.Errorf("host: acquire invocation order: %w", err)
	}
	defer unlock()
	metrics.LockWaitDuration.Observe(time.Since(waitStart).Seconds())

	id := idgen.WithPrefix("inv_")
	ctx = context.WithValue(ctx, runningKey{}, id)
	ctx, span := traces.StartSpan(ctx, "host."+op, traces.Op(op), traces.InvocationID(id))
	defer span.End()

	start := time.Now()
	inv := newInvocation(ctx, h, id, op, gate, readOnly)

	err = h.call(inv, fn)
	if err == nil && !readOnly {
		err = h.commit(inv)
	}

	outcome := errcode.Label(err)
	span.SetAttributes(traces.Outcome(outcome))
	metrics.InvocationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if readOnly {
		if err != nil {
			traces.Fail(span, err)
		}
		return err
	}
	metrics.InvocationsTotal.WithLabelValues(op, outcome).Inc()

	if err != nil {
		traces.Fail(span, err)
		h.logger.Debug("invocation aborted",
			"op", op,
			"invocation_id", id,
			"code", outcome,
			"error", err,
			"discarded_writes", len(inv.order),
		)
		return err
	}

	h.logger.Debug("invocation committed",
		"op", op,
		"invocation_id", id,
		"writes", len(inv.order),
		"events", len(inv.events),
	)
	h.publish(inv)
	for _, fn := range inv.onCommit {
		fn()
	}
	return nil
}

// call runs fn, turning a panic into an error so the invocation aborts.
func (h *Host) call(inv *Invocation, fn func(inv *Invocation) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in invocation", "op", inv.op, "invocation_id", inv.id, "panic", fmt.Sprint(r))
			err = fmt.Errorf("host: panic in %s: %v", inv.op, r)
		}
	}()
	return fn(inv)
}

func (h *Host) commit(inv *Invocation) error {
	if len(inv.order) == 0 {
		return nil
	}
	writes := make([]kv.Write, 0, len(inv.order))
	for _, k := range inv.order {
		writes = append(writes, *inv.writes[k])
	}
	if err := h.store.Apply(inv.ctx, writes); err != nil {
		return fmt.Errorf("host: commit %s: %w", inv.op, err)
	}
	return nil
}

// publish assigns sequence numbers and hands committed events to the sink.
// The state is already durable at this point, so failures here are logged
// rather than returned.
func (h *Host) publish(inv *Invocation) {
	if len(inv.events) == 0 {
		return
	}
	committedAt := time.Now().UTC()
	for i := range inv.events {
		n, err := h.store.NextSequence(inv.ctx, eventSequence)
		if err != nil {
			h.logger.Warn("failed to sequence event", "topic", inv.events[i].Topic, "error", err)
		}
		inv.events[i].Seq = n + 1
		inv.events[i].InvocationID = inv.id
		inv.events[i].LedgerTime = inv.now
		inv.events[i].CommittedAt = committedAt
		metrics.EventsPublishedTotal.WithLabelValues(inv.events[i].Topic).Inc()
	}
	if h.sink != nil {
		h.sink.Publish(inv.ctx, inv.events)
	}
}
