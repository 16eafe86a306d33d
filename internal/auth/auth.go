// Package auth decides which principals have authorized an invocation.
//
// Callers prove control of a principal by signing a request digest with the
// principal's key (EIP-191 personal_sign). The middleware verifies every
// signature on a request and records the signers as Grants, which the host
// consults when a component requires a principal's authorization.
package auth

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Gate answers whether a principal authorized the current invocation.
type Gate interface {
	Authorized(p common.Address) bool
}

// Grants is the set of principals that signed a request.
type Grants map[common.Address]struct{}

// NewGrants builds a grant set.
func NewGrants(principals ...common.Address) Grants {
	g := make(Grants, len(principals))
	for _, p := range principals {
		g[p] = struct{}{}
	}
	return g
}

// Add grants p.
func (g Grants) Add(p common.Address) { g[p] = struct{}{} }

func (g Grants) Authorized(p common.Address) bool {
	_, ok := g[p]
	return ok
}

// List returns the granted principals in address order.
func (g Grants) List() []common.Address {
	out := make([]common.Address, 0, len(g))
	for p := range g {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

type allowAll struct{}

func (allowAll) Authorized(common.Address) bool { return true }

// AllowAll authorizes every principal. Development and tests only.
var AllowAll Gate = allowAll{}

// None authorizes nobody.
var None Gate = Grants{}
