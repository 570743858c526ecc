package campaign

import (
	"errors"
	"testing"

	"campaignd/internal/ledger"
)

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()
	indo := NormalizeRule{RegionCode: "62"}
	cases := []struct {
		name string
		raw  string
		rule NormalizeRule
		want string
	}{
		{"local leading zero", "0812-3456-7890", indo, "6281234567890@c.us"},
		{"formatted international", "+62 (812) 3456.7890", indo, "6281234567890@c.us"},
		{"missing region", "81234567890", indo, "6281234567890@c.us"},
		{"already canonical", "6281234567890@c.us", indo, "6281234567890@c.us"},
		{"suffix is case insensitive", "6281234567890@C.US", indo, "6281234567890@c.us"},
		{"no region configured", "4915112345678", NormalizeRule{}, "4915112345678@c.us"},
		{"group target", "120363041234567890", NormalizeRule{RegionCode: "62", Target: TargetGroup}, "120363041234567890@g.us"},
		{"group suffix overrides target", "1203630-4123@g.us", indo, "1203630-4123@g.us"},
		{"channel target", "abc123", NormalizeRule{Target: TargetChannel}, "abc123@newsletter"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeAddress(tc.raw, tc.rule)
			if err != nil {
				t.Fatalf("NormalizeAddress(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeAddress(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestNormalizeAddressRejects(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "08ab123", "0123", "1234567890123456789", "bad id@g.us"} {
		_, err := NormalizeAddress(raw, NormalizeRule{RegionCode: "62"})
		if !errors.Is(err, ErrInvalidAddress) || !errors.Is(err, ledger.ErrValidation) {
			t.Fatalf("NormalizeAddress(%q): expected invalid address, got %v", raw, err)
		}
	}
}

func TestNormalizeAllDeduplicates(t *testing.T) {
	t.Parallel()
	raws, ids, err := normalizeAll([]string{"0812345678", " ", "62812345678", "812345678", "0813000000"}, NormalizeRule{RegionCode: "62"})
	if err != nil {
		t.Fatalf("normalizeAll: %v", err)
	}
	if len(ids) != 2 || ids[0] != "62812345678@c.us" || ids[1] != "62813000000@c.us" {
		t.Fatalf("ids = %v", ids)
	}
	if raws[0] != "0812345678" {
		t.Fatalf("first occurrence not kept: %v", raws)
	}
	if _, _, err := normalizeAll([]string{"", "  "}, NormalizeRule{}); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestLifecycleEdges(t *testing.T) {
	t.Parallel()
	allowed := [][2]Status{
		{StatusDraft, StatusScheduled},
		{StatusScheduled, StatusRunning},
		{StatusRunning, StatusPaused},
		{StatusPaused, StatusRunning},
		{StatusRunning, StatusCancelled},
		{StatusPaused, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusPartiallyFailed},
	}
	for _, e := range allowed {
		if !CanTransition(e[0], e[1]) {
			t.Fatalf("%s → %s should be allowed", e[0], e[1])
		}
	}
	denied := [][2]Status{
		{StatusScheduled, StatusPaused},
		{StatusScheduled, StatusCancelled},
		{StatusCompleted, StatusRunning},
		{StatusCancelled, StatusRunning},
		{StatusDraft, StatusRunning},
	}
	for _, e := range denied {
		if CanTransition(e[0], e[1]) {
			t.Fatalf("%s → %s should be denied", e[0], e[1])
		}
	}
}
