package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/events"
	"github.com/blocki/blocki/internal/kv"
)

// Invocation is the execution context of one atomic operation. It is only
// valid inside the function passed to Host.Invoke or Host.View and must not
// be retained.
type Invocation struct {
	ctx      context.Context
	host     *Host
	id       string
	op       string
	gate     auth.Gate
	readOnly bool
	now      uint64

	writes map[kv.Key]*kv.Write
	order  []kv.Key
	// expiry caches the stored deadline of keys read from the store.
	expiry map[kv.Key]uint64

	frames   []common.Address
	events   []events.Event
	onCommit []func()
}

func newInvocation(ctx context.Context, h *Host, id, op string, gate auth.Gate, readOnly bool) *Invocation {
	return &Invocation{
		ctx:      ctx,
		host:     h,
		id:       id,
		op:       op,
		gate:     gate,
		readOnly: readOnly,
		now:      h.clock.Now(),
		writes:   make(map[kv.Key]*kv.Write),
		expiry:   make(map[kv.Key]uint64),
	}
}

// Context returns the invocation context.
func (inv *Invocation) Context() context.Context { return inv.ctx }

// ID returns the invocation id.
func (inv *Invocation) ID() string { return inv.id }

// Now returns the ledger timestamp, fixed for the whole invocation.
func (inv *Invocation) Now() uint64 { return inv.now }

// Logger returns the host logger tagged with the invocation.
func (inv *Invocation) Logger() *slog.Logger {
	return inv.host.logger.With("op", inv.op, "invocation_id", inv.id)
}

// Call runs fn as component contract. While fn runs, contract is the
// current frame and the previous frame becomes its invoker.
func (inv *Invocation) Call(contract common.Address, fn func() error) error {
	inv.frames = append(inv.frames, contract)
	defer func() { inv.frames = inv.frames[:len(inv.frames)-1] }()
	return fn()
}

// Current returns the component whose code is running.
func (inv *Invocation) Current() common.Address {
	if len(inv.frames) == 0 {
		return common.Address{}
	}
	return inv.frames[len(inv.frames)-1]
}

// Invoker returns the component that called the current one. It reports
// false when the current component was invoked directly by a client.
func (inv *Invocation) Invoker() (common.Address, bool) {
	if len(inv.frames) < 2 {
		return common.Address{}, false
	}
	return inv.frames[len(inv.frames)-2], true
}

// Authorized reports whether p authorized this call, either as the
// component that invoked the current one or through the request gate.
func (inv *Invocation) Authorized(p common.Address) bool {
	if caller, ok := inv.Invoker(); ok && caller == p {
		return true
	}
	return inv.gate.Authorized(p)
}

// RequireAuth fails with NotAuthorized unless p authorized this call.
func (inv *Invocation) RequireAuth(p common.Address) error {
	if !inv.Authorized(p) {
		return fmt.Errorf("%w: %s", errcode.NotAuthorized, p.Hex())
	}
	return nil
}

// Get decodes the value at key into v. It reports false when the key does
// not exist or a temporary entry has expired.
func (inv *Invocation) Get(key kv.Key, v any) (bool, error) {
	raw, ok, err := inv.raw(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("host: decode %s: %w", key, err)
	}
	return true, nil
}

// Has reports whether key holds a live value.
func (inv *Invocation) Has(key kv.Key) (bool, error) {
	_, ok, err := inv.raw(key)
	return ok, err
}

func (inv *Invocation) raw(key kv.Key) ([]byte, bool, error) {
	if w, ok := inv.writes[key]; ok {
		if w.Delete {
			return nil, false, nil
		}
		return w.Value, true, nil
	}
	e, err := inv.host.store.Get(inv.ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("host: read %s: %w", key, err)
	}
	inv.expiry[key] = e.ExpiresAt
	if key.Tier == kv.Temporary && e.ExpiresAt > 0 && e.ExpiresAt <= inv.now {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Set stores v at key. Instance and persistent writes renew the entry's
// retention deadline.
func (inv *Invocation) Set(key kv.Key, v any) error {
	if key.Tier == kv.Temporary {
		return fmt.Errorf("host: temporary key %s needs a ttl, use SetTemporary", key.Name)
	}
	expires, err := inv.currentExpiry(key)
	if err != nil {
		return err
	}
	return inv.put(key, v, kv.RenewExpiry(inv.now, expires))
}

// SetTemporary stores v in the temporary tier for ttl seconds.
func (inv *Invocation) SetTemporary(key kv.Key, v any, ttl uint64) error {
	if key.Tier != kv.Temporary {
		return fmt.Errorf("host: %s is not a temporary key", key)
	}
	if ttl == 0 {
		return fmt.Errorf("host: temporary key %s needs a positive ttl", key.Name)
	}
	return inv.put(key, v, inv.now+ttl)
}

// Delete removes key.
func (inv *Invocation) Delete(key kv.Key) error {
	if inv.readOnly {
		return ErrReadOnly
	}
	inv.stage(&kv.Write{Key: key, Delete: true})
	return nil
}

func (inv *Invocation) put(key kv.Key, v any, expiresAt uint64) error {
	if inv.readOnly {
		return ErrReadOnly
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("host: encode %s: %w", key, err)
	}
	inv.stage(&kv.Write{Key: key, Value: raw, ExpiresAt: expiresAt})
	return nil
}

func (inv *Invocation) stage(w *kv.Write) {
	if _, ok := inv.writes[w.Key]; !ok {
		inv.order = append(inv.order, w.Key)
	}
	inv.writes[w.Key] = w
}

func (inv *Invocation) currentExpiry(key kv.Key) (uint64, error) {
	if w, ok := inv.writes[key]; ok && !w.Delete {
		return w.ExpiresAt, nil
	}
	if exp, ok := inv.expiry[key]; ok {
		return exp, nil
	}
	e, err := inv.host.store.Get(inv.ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("host: read %s: %w", key, err)
	}
	inv.expiry[key] = e.ExpiresAt
	return e.ExpiresAt, nil
}

// NextID reserves the next value of the named counter. Reserved ids are
// never handed out again, even when this invocation aborts.
func (inv *Invocation) NextID(counter string) (uint64, error) {
	if inv.readOnly {
		return 0, ErrReadOnly
	}
	id, err := inv.host.store.NextSequence(inv.ctx, counter)
	if err != nil {
		return 0, fmt.Errorf("host: counter %s: %w", counter, err)
	}
	return id, nil
}

// Counter returns the next id the named counter would hand out.
func (inv *Invocation) Counter(counter string) (uint64, error) {
	n, err := inv.host.store.Sequence(inv.ctx, counter)
	if err != nil {
		return 0, fmt.Errorf("host: counter %s: %w", counter, err)
	}
	return n, nil
}

// Emit buffers an event from the current component. It is published only
// if the invocation commits.
func (inv *Invocation) Emit(topic string, subjects []common.Address, payload any) {
	if inv.readOnly {
		return
	}
	inv.events = append(inv.events, events.Event{
		Topic:    topic,
		Contract: inv.Current(),
		Subjects: subjects,
		Payload:  payload,
	})
}

// OnCommit registers fn to run after the invocation committed.
func (inv *Invocation) OnCommit(fn func()) {
	inv.onCommit = append(inv.onCommit, fn)
}
