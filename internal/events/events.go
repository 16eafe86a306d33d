// Package events holds committed contract events: the Event envelope, the
// Sink interface the host publishes to, and a bounded in-memory Log.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocki/blocki/internal/bounded"
)

// Topics emitted by the core components.
const (
	TopicEscrowLocked    = "esc_lock"
	TopicEscrowReleased  = "esc_rel"
	TopicEscrowRefunded  = "esc_ref"
	TopicListingCreated  = "list_new"
	TopicListingCanceled = "list_cncl"
	TopicPurchase        = "purchase"
	TopicTransfer        = "transfer"
	TopicMint            = "mint"
	TopicApprove         = "approve"
	TopicSwap            = "swap"
)

// Event is one committed state transition notice. Seq starts at 1 and is
// assigned by the host at commit time.
type Event struct {
	Seq          uint64           `json:"seq"`
	Topic        string           `json:"topic"`
	Contract     common.Address   `json:"contract"`
	Subjects     []common.Address `json:"subjects,omitempty"`
	Payload      any              `json:"payload"`
	LedgerTime   uint64           `json:"ledgerTime"`
	InvocationID string           `json:"invocationId"`
	CommittedAt  time.Time        `json:"committedAt"`
}

// Involves reports whether addr is one of the event subjects.
func (e Event) Involves(addr common.Address) bool {
	for _, s := range e.Subjects {
		if s == addr {
			return true
		}
	}
	return false
}

// Sink receives events after their invocation committed, in emission order.
type Sink interface {
	Publish(ctx context.Context, evs []Event)
}

// Log keeps the most recent committed events in memory.
type Log struct {
	mu  sync.RWMutex
	buf *bounded.Buffer[Event]
}

// DefaultLogSize is the number of events a Log keeps by default.
const DefaultLogSize = 10000

// NewLog creates a log holding at most size events.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{buf: bounded.NewBuffer[Event](size)}
}

func (l *Log) Publish(_ context.Context, evs []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range evs {
		l.buf.Push(e)
	}
}

// Query filters the log.
type Query struct {
	Topic   string
	Subject *common.Address
	After   uint64
	Limit   int
}

// Find returns matching events oldest first, at most q.Limit of them.
func (l *Log) Find(q Query) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var out []Event
	for i := 0; i < l.buf.Len() && len(out) < limit; i++ {
		e := l.buf.At(i)
		if e.Seq <= q.After {
			continue
		}
		if q.Topic != "" && e.Topic != q.Topic {
			continue
		}
		if q.Subject != nil && !e.Involves(*q.Subject) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buf.Len()
}

// Fanout publishes to several sinks in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, evs []Event) {
	for _, s := range f {
		s.Publish(ctx, evs)
	}
}
