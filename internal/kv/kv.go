// Package kv is the key-value storage layer under the contract host.
//
// Keys live in one of three tiers. Instance entries hold per-component
// configuration singletons, persistent entries hold per-id records, and
// temporary entries are short-lived cache values dropped at expiry.
// Instance and persistent entries carry a retention deadline that is
// renewed on every write (see RenewExpiry) and by the background keeper.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// Tier selects the storage class of a key.
type Tier uint8

const (
	Instance Tier = iota + 1
	Persistent
	Temporary
)

func (t Tier) String() string {
	switch t {
	case Instance:
		return "instance"
	case Persistent:
		return "persistent"
	case Temporary:
		return "temporary"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Retention policy for instance and persistent entries, in ledger seconds.
const (
	DaySeconds         uint64 = 86400
	RetentionThreshold        = 30 * DaySeconds
	RetentionExtension        = 1000 * DaySeconds
)

var (
	ErrNotFound    = errors.New("kv: not found")
	ErrInvalidTier = errors.New("kv: invalid tier")
)

// Key addresses one entry.
type Key struct {
	Tier Tier
	Name string
}

func (k Key) String() string { return k.Tier.String() + "/" + k.Name }

// InstanceKey returns a key in the instance tier.
func InstanceKey(name string) Key { return Key{Tier: Instance, Name: name} }

// PersistentKey returns a key in the persistent tier.
func PersistentKey(name string) Key { return Key{Tier: Persistent, Name: name} }

// TemporaryKey returns a key in the temporary tier.
func TemporaryKey(name string) Key { return Key{Tier: Temporary, Name: name} }

// Entry is a stored value. ExpiresAt is a ledger timestamp (unix seconds);
// zero means no deadline.
type Entry struct {
	Key       Key
	Value     []byte
	ExpiresAt uint64
}

// Write is one mutation in an atomic batch.
type Write struct {
	Key       Key
	Value     []byte
	ExpiresAt uint64
	Delete    bool
}

// Store is the persistence contract used by the host.
//
// Apply must be atomic: either every write in the batch becomes visible or
// none does. Sequences are not part of the batch; a reserved value is never
// handed out twice even if the caller later discards its batch.
type Store interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Apply(ctx context.Context, writes []Write) error

	// NextSequence reserves and returns the next value of the named
	// counter, starting at 0.
	NextSequence(ctx context.Context, name string) (uint64, error)
	// Sequence returns the next value NextSequence would hand out.
	Sequence(ctx context.Context, name string) (uint64, error)

	// Expiring lists entries of tier whose deadline is set and earlier
	// than before, oldest deadline first.
	Expiring(ctx context.Context, tier Tier, before uint64, limit int) ([]*Entry, error)
	// DeleteExpired removes entries of tier whose deadline has passed.
	DeleteExpired(ctx context.Context, tier Tier, now uint64) (int64, error)

	Ping(ctx context.Context) error
}

// RenewExpiry applies the extend-on-write policy: when fewer than
// RetentionThreshold seconds remain before current, the deadline moves to
// now + RetentionExtension. Otherwise current is kept.
func RenewExpiry(now, current uint64) uint64 {
	if current > now && current-now >= RetentionThreshold {
		return current
	}
	return now + RetentionExtension
}

func validTier(t Tier) bool {
	return t == Instance || t == Persistent || t == Temporary
}
