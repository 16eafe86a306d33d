package host

import (
	"context"
	"time"

	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/kv"
)

// Claims records single-use tokens in the temporary tier, for example the
// digests of accepted signed requests. It implements auth.ReplayGuard.
type Claims struct {
	host *Host
}

// NewClaims creates a claim register over h.
func NewClaims(h *Host) *Claims { return &Claims{host: h} }

// Claim records token for ttl, rounded up to whole ledger seconds. It
// reports false when a live claim for token already exists. Check and
// record happen in one invocation, so concurrent claims cannot both win.
func (c *Claims) Claim(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	secs := uint64((ttl + time.Second - 1) / time.Second)
	if secs == 0 {
		secs = 1
	}
	key := kv.TemporaryKey("claim:" + token)

	fresh := false
	err := c.host.Invoke(ctx, "auth.claim", auth.None, func(inv *Invocation) error {
		seen, err := inv.Has(key)
		if err != nil || seen {
			return err
		}
		fresh = true
		return inv.SetTemporary(key, true, secs)
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}
