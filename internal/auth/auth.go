// Package auth is the boundary between the external authentication layer and
// the core. The core never authenticates anyone: callers resolve an account
// into a Principal once, and the Principal (with its typed capability set) is
// passed by value into every ledger and campaign call.
package auth

import (
	"context"
	"fmt"
	"strings"
)

// Role is an account role. Roles are ordered from the top (unlimited) role
// down to the leaf role; a smaller rank is higher in the hierarchy.
type Role string

const (
	RoleSuperAdmin Role = "superadmin"
	RoleAdmin      Role = "admin"
	RoleReseller   Role = "reseller"
	RoleUser       Role = "user"
)

var roleRank = map[Role]int{
	RoleSuperAdmin: 0,
	RoleAdmin:      1,
	RoleReseller:   2,
	RoleUser:       3,
}

// ParseRole accepts the canonical role names (case-insensitive).
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Rank returns the role's position in the hierarchy (0 is the top role).
// Unknown roles rank below every known role.
func (r Role) Rank() int {
	if n, ok := roleRank[r]; ok {
		return n
	}
	return len(roleRank)
}

// Above reports whether r sits strictly above other in the role order.
func (r Role) Above(other Role) bool { return r.Rank() < other.Rank() }

// Capability is a single permission bit.
type Capability uint32

const (
	// CapUnlimited marks the top role: balances are never checked and
	// transfers may target any account.
	CapUnlimited Capability = 1 << iota
	// CapGrant allows issuing new credit into the system.
	CapGrant
	// CapTransfer allows moving credit down the ownership chain.
	CapTransfer
	// CapActForDescendants allows debiting/refunding and running campaigns
	// on behalf of accounts below the principal.
	CapActForDescendants
	// CapCampaign allows submitting and controlling campaigns.
	CapCampaign
	// CapRefund allows crediting back a prior debit through the external
	// surface. Campaign settlement refunds as System.
	CapRefund
)

// Capabilities is a typed capability set.
type Capabilities uint32

func (c Capabilities) Has(want Capability) bool { return uint32(c)&uint32(want) != 0 }

func (c Capabilities) With(caps ...Capability) Capabilities {
	for _, cp := range caps {
		c |= Capabilities(cp)
	}
	return c
}

func (c Capabilities) String() string {
	names := []struct {
		c Capability
		n string
	}{
		{CapUnlimited, "unlimited"},
		{CapGrant, "grant"},
		{CapTransfer, "transfer"},
		{CapActForDescendants, "act_for_descendants"},
		{CapCampaign, "campaign"},
		{CapRefund, "refund"},
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if c.Has(n.c) {
			out = append(out, n.n)
		}
	}
	return strings.Join(out, ",")
}

// CapabilitiesFor resolves the default capability set of a role.
func CapabilitiesFor(r Role) Capabilities {
	switch r {
	case RoleSuperAdmin:
		return Capabilities(0).With(CapUnlimited, CapGrant, CapTransfer, CapActForDescendants, CapCampaign, CapRefund)
	case RoleAdmin:
		return Capabilities(0).With(CapTransfer, CapActForDescendants, CapCampaign, CapRefund)
	case RoleReseller:
		return Capabilities(0).With(CapTransfer, CapCampaign)
	case RoleUser:
		return Capabilities(0).With(CapCampaign)
	default:
		return 0
	}
}

// Principal is the authenticated caller.
type Principal struct {
	AccountID string
	Role      Role
	Caps      Capabilities
}

// NewPrincipal resolves the capability set for role once.
func NewPrincipal(accountID string, role Role) Principal {
	return Principal{AccountID: accountID, Role: role, Caps: CapabilitiesFor(role)}
}

// System is the principal used by internal reconciliation (settlement
// refunds). It is never handed to external callers.
func System() Principal {
	return Principal{AccountID: "system", Role: RoleSuperAdmin, Caps: CapabilitiesFor(RoleSuperAdmin)}
}

func (p Principal) IsZero() bool { return p.AccountID == "" }

func (p Principal) Can(c Capability) bool { return p.Caps.Has(c) }

type principalKey struct{}

// WithPrincipal stores p in ctx for transports that carry the caller in the
// request context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && !p.IsZero()
}
