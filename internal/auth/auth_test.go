package auth

import (
	"context"
	"testing"
)

func TestRoleOrder(t *testing.T) {
	t.Parallel()
	if !RoleSuperAdmin.Above(RoleAdmin) || !RoleAdmin.Above(RoleReseller) || !RoleReseller.Above(RoleUser) {
		t.Fatal("role order broken")
	}
	if RoleUser.Above(RoleUser) {
		t.Fatal("role must not be above itself")
	}
	if _, err := ParseRole("Owner"); err == nil {
		t.Fatal("expected error for unknown role")
	}
	r, err := ParseRole(" Admin ")
	if err != nil || r != RoleAdmin {
		t.Fatalf("ParseRole = %q, %v", r, err)
	}
}

func TestCapabilitiesFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		role Role
		has  []Capability
		not  []Capability
	}{
		{RoleSuperAdmin, []Capability{CapUnlimited, CapGrant, CapTransfer, CapCampaign, CapRefund}, nil},
		{RoleAdmin, []Capability{CapTransfer, CapActForDescendants, CapRefund}, []Capability{CapUnlimited, CapGrant}},
		{RoleReseller, []Capability{CapTransfer, CapCampaign}, []Capability{CapActForDescendants, CapRefund}},
		{RoleUser, []Capability{CapCampaign}, []Capability{CapTransfer, CapRefund}},
	}
	for _, tt := range tests {
		p := NewPrincipal("acc", tt.role)
		for _, c := range tt.has {
			if !p.Can(c) {
				t.Fatalf("%s should have %s", tt.role, Capabilities(c))
			}
		}
		for _, c := range tt.not {
			if p.Can(c) {
				t.Fatalf("%s should not have %s", tt.role, Capabilities(c))
			}
		}
	}
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context should carry no principal")
	}
	ctx := WithPrincipal(context.Background(), NewPrincipal("a1", RoleUser))
	p, ok := FromContext(ctx)
	if !ok || p.AccountID != "a1" || p.Role != RoleUser {
		t.Fatalf("FromContext = %+v, %v", p, ok)
	}
}
