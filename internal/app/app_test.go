package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"campaignd/internal/auth"
	"campaignd/internal/campaign"
	"campaignd/internal/channel/channeltest"
	"campaignd/internal/ledger"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

const testConfig = `{
  "storage": {"driver": "sqlite", "path": "%DB%"},
  "dispatch": {"workers": 1, "recipient_workers": 2},
  "credits": {
    "unit_costs": {"text": 10},
    "accounts": [
      {"id": "root", "role": "superadmin"},
      {"id": "adm", "role": "admin", "parent": "root"},
      {"id": "u1", "role": "user", "parent": "adm"},
      {"id": "u2", "role": "user", "parent": "adm"}
    ]
  },
  "instances": {"default": ["i1"]},
  "logging": {"level": "error", "console": true, "file": {"enabled": false, "path": ""}},
  "scheduler": {"enabled": true, "sweep": "@every 1s"}
}`

func newTestApp(t *testing.T, provider *channeltest.Provider) *App {
	t.Helper()
	dir := t.TempDir()
	body := []byte(strings.ReplaceAll(testConfig, "%DB%", filepath.Join(dir, "campaignd.db")))
	path := filepath.Join(dir, "campaignd.json")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := New(path, Options{Provider: provider, Log: logx.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestCoreCampaignLifecycle(t *testing.T) {
	provider := &channeltest.Provider{}
	a := newTestApp(t, provider)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	core := a.Core()
	adm := auth.NewPrincipal("adm", auth.RoleAdmin)
	u1 := auth.NewPrincipal("u1", auth.RoleUser)
	u2 := auth.NewPrincipal("u2", auth.RoleUser)

	if _, err := core.GrantCredit(ctx, auth.System(), "adm", "text", 100, "seed"); err != nil {
		t.Fatalf("GrantCredit: %v", err)
	}
	if _, err := core.TransferCredit(ctx, adm, ledger.TransferRequest{From: "adm", To: "u1", Category: "text", Amount: 50}); err != nil {
		t.Fatalf("TransferCredit: %v", err)
	}

	id, err := core.SubmitCampaign(ctx, u1, campaign.Spec{
		Name:       "promo",
		Category:   "text",
		Recipients: []string{"0811000001", "0811000002"},
		Normalize:  campaign.NormalizeRule{RegionCode: "62"},
		Text:       "hello",
	})
	if err != nil {
		t.Fatalf("SubmitCampaign: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var rep campaign.Report
	for {
		rep, err = core.GetCampaignStatus(ctx, u1, id)
		if err != nil {
			t.Fatalf("GetCampaignStatus: %v", err)
		}
		if rep.Status.Terminal() && !rep.FinishedAt.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("campaign did not finish: %s", rep.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rep.Status != campaign.StatusCompleted || rep.Counts.Sent != 2 {
		t.Fatalf("report = %s %+v", rep.Status, rep.Counts)
	}
	if got := len(provider.Calls()); got != 2 {
		t.Fatalf("provider calls = %d, want 2", got)
	}
	for _, c := range provider.Calls() {
		if c.Instance != "i1" {
			t.Fatalf("sent from %q, want i1", c.Instance)
		}
	}

	bal, err := core.GetBalance(ctx, u1, "u1", "text")
	if err != nil || bal != 30 {
		t.Fatalf("GetBalance = %d, %v; want 30", bal, err)
	}

	// A sibling may neither read the campaign nor the balance.
	if _, err := core.GetCampaignStatus(ctx, u2, id); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("sibling GetCampaignStatus err = %v", err)
	}
	if _, err := core.GetBalance(ctx, u2, "u1", "text"); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("sibling GetBalance err = %v", err)
	}

	var kinds []storage.TxKind
	for tx, err := range core.GetTransactionHistory(ctx, adm, "u1", ledger.Filter{}, ledger.Page{}) {
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		kinds = append(kinds, tx.Kind)
	}
	if len(kinds) != 2 || kinds[0] != storage.TxTransfer || kinds[1] != storage.TxDebit {
		t.Fatalf("history kinds = %v", kinds)
	}
	for _, err := range core.GetTransactionHistory(ctx, u2, "u1", ledger.Filter{}, ledger.Page{}) {
		if !errors.Is(err, ledger.ErrUnauthorized) {
			t.Fatalf("sibling history err = %v", err)
		}
	}

	list, err := core.ListCampaigns(ctx, adm, "u1")
	if err != nil || len(list) != 1 || list[0].ID != id {
		t.Fatalf("ListCampaigns = %v, %v", list, err)
	}
}

func TestScheduledCampaignStartedBySweep(t *testing.T) {
	provider := &channeltest.Provider{}
	a := newTestApp(t, provider)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	core := a.Core()
	if _, err := core.GrantCredit(ctx, auth.System(), "u1", "text", 10, "seed"); err != nil {
		t.Fatalf("GrantCredit: %v", err)
	}
	u1 := auth.NewPrincipal("u1", auth.RoleUser)
	id, err := core.SubmitCampaign(ctx, u1, campaign.Spec{
		Category:   "text",
		Recipients: []string{"0811000001"},
		Normalize:  campaign.NormalizeRule{RegionCode: "62"},
		Text:       "later",
		ScheduleAt: time.Now().Add(500 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("SubmitCampaign: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		rep, err := core.GetCampaignStatus(ctx, u1, id)
		if err != nil {
			t.Fatalf("GetCampaignStatus: %v", err)
		}
		if rep.Status == campaign.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduled campaign not started: %s", rep.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "campaignd.json")
	if err := os.WriteFile(path, []byte(`{"storage": {"driver": "sqlite"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := New(path, Options{Log: logx.Nop()}); err == nil {
		t.Fatalf("New accepted sqlite without a path")
	}
}
