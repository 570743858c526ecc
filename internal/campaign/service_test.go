package campaign

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"campaignd/internal/auth"
	"campaignd/internal/channel"
	"campaignd/internal/channel/channeltest"
	"campaignd/internal/instance"
	"campaignd/internal/ledger"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

type fixture struct {
	store    storage.Store
	ledger   *ledger.Ledger
	provider *channeltest.Provider
	svc      *Service
	user     auth.Principal
}

func memoryStore(t *testing.T) storage.Store { return storage.NewMemory() }

func sqliteStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "campaigns.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newFixture funds user "u1" with balance credits of category "text" at a
// unit cost of 10. The dispatcher is not started.
func newFixture(t *testing.T, st storage.Store, balance int64, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	for _, a := range []storage.Account{
		{ID: "root", Role: auth.RoleSuperAdmin},
		{ID: "adm", Role: auth.RoleAdmin, ParentID: "root"},
		{ID: "u1", Role: auth.RoleUser, ParentID: "adm"},
		{ID: "u2", Role: auth.RoleUser, ParentID: "adm"},
	} {
		if err := st.PutAccount(ctx, a); err != nil {
			t.Fatalf("PutAccount: %v", err)
		}
	}
	if err := st.PutUnitCost(ctx, "text", 10); err != nil {
		t.Fatalf("PutUnitCost: %v", err)
	}
	l := ledger.New(st, ledger.Options{})
	if balance > 0 {
		if _, err := l.Grant(ctx, auth.System(), "u1", "text", balance, "seed"); err != nil {
			t.Fatalf("Grant: %v", err)
		}
	}
	p := &channeltest.Provider{}
	svc := New(cfg, Deps{
		Store:  st,
		Ledger: l,
		Sender: channel.NewSender(p, channel.SenderOptions{Timeout: time.Second}),
		Pools:  instance.StaticPool{Default: []string{"i1", "i2"}},
	})
	return &fixture{store: st, ledger: l, provider: p, svc: svc, user: auth.NewPrincipal("u1", auth.RoleUser)}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.svc.Start(ctx)
	t.Cleanup(func() {
		stopCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		f.svc.Stop(stopCtx)
		cancel()
	})
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), "u1", "text")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

func waitFor(t *testing.T, svc *Service, id string, cond func(Report) bool) Report {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rep, err := svc.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if cond(rep) {
			return rep
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out; last status %s counts %+v", rep.Status, rep.Counts)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func settled(r Report) bool { return r.Status.Terminal() && !r.FinishedAt.IsZero() }

var threeRecipients = []string{"0811000001", "0811000002", "0811000003"}

func textSpec(recipients ...string) Spec {
	return Spec{
		Name:       "promo",
		Category:   "text",
		Recipients: recipients,
		Normalize:  NormalizeRule{RegionCode: "62"},
		Text:       "hello",
	}
}

func TestSubmitInsufficientFundsReservesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, storage.NewMemory(), 25, Config{})
	f.start(t)

	_, err := f.svc.Submit(context.Background(), f.user, textSpec(threeRecipients...))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := f.balance(t); got != 25 {
		t.Fatalf("balance = %d, want 25", got)
	}
	list, err := f.store.ListCampaigns(context.Background(), storage.CampaignQuery{})
	if err != nil || len(list) != 0 {
		t.Fatalf("campaigns after rejected submit = %d, %v", len(list), err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(f.provider.Calls()); n != 0 {
		t.Fatalf("provider called %d times", n)
	}
}

func TestOneFailedRecipientIsRefunded(t *testing.T) {
	t.Parallel()
	for name, open := range map[string]func(*testing.T) storage.Store{"memory": memoryStore, "sqlite": sqliteStore} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t), 30, Config{RecipientWorkers: 2})
			f.provider.Fail = func(c channeltest.Call) error {
				if c.ChatID == "62811000002@c.us" {
					return channel.Rejected("", "number not registered")
				}
				return nil
			}
			f.start(t)

			id, err := f.svc.Submit(context.Background(), f.user, textSpec(threeRecipients...))
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			rep := waitFor(t, f.svc, id, settled)

			if rep.Status != StatusPartiallyFailed {
				t.Fatalf("status = %s, want %s", rep.Status, StatusPartiallyFailed)
			}
			want := []RecipientStatus{RecipientSent, RecipientFailed, RecipientSent}
			for i, r := range rep.Recipients {
				if r.Status != want[i] {
					t.Fatalf("recipient %d = %s, want %s", i, r.Status, want[i])
				}
			}
			failed := rep.Recipients[1]
			if failed.Err == nil || failed.Err.Code != channel.CodeRejected || !strings.Contains(failed.Err.Error(), "not registered") {
				t.Fatalf("failed recipient error = %+v", failed.Err)
			}
			if rep.Reserved != 30 || rep.Refunded != 10 {
				t.Fatalf("reserved/refunded = %d/%d, want 30/10", rep.Reserved, rep.Refunded)
			}
			if got := f.balance(t); got != 10 {
				t.Fatalf("balance = %d, want 10", got)
			}
			var refunds int
			for row, err := range f.ledger.History(context.Background(), "u1", ledger.Filter{Kinds: []storage.TxKind{storage.TxRefund}}, ledger.Page{}) {
				if err != nil {
					t.Fatalf("History: %v", err)
				}
				if row.ReferenceID != reserveRef(id) || row.Amount != 10 {
					t.Fatalf("unexpected refund row: %+v", row)
				}
				refunds++
			}
			if refunds != 1 {
				t.Fatalf("refund rows = %d, want 1", refunds)
			}
		})
	}
}

func TestCancelSkipsUnstartedRecipients(t *testing.T) {
	t.Parallel()
	f := newFixture(t, storage.NewMemory(), 30, Config{RecipientWorkers: 1})

	id, err := f.svc.Submit(context.Background(), f.user, textSpec(threeRecipients...))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var once sync.Once
	f.provider.OnSend = func(channeltest.Call) {
		once.Do(func() {
			if err := f.svc.Cancel(context.Background(), f.user, id); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		})
	}
	f.start(t)

	rep := waitFor(t, f.svc, id, settled)
	if rep.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", rep.Status, StatusCancelled)
	}
	want := []RecipientStatus{RecipientSent, RecipientSkipped, RecipientSkipped}
	for i, r := range rep.Recipients {
		if r.Status != want[i] {
			t.Fatalf("recipient %d = %s, want %s", i, r.Status, want[i])
		}
	}
	if rep.Refunded != 20 {
		t.Fatalf("refunded = %d, want 20", rep.Refunded)
	}
	if got := f.balance(t); got != 20 {
		t.Fatalf("balance = %d, want 20", got)
	}
	if n := len(f.provider.Calls()); n != 1 {
		t.Fatalf("provider calls = %d, want 1", n)
	}
	if err := f.svc.Resume(context.Background(), f.user, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume after cancel: expected ErrInvalidTransition, got %v", err)
	}
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t, storage.NewMemory(), 30, Config{RecipientWorkers: 1})
	id, err := f.svc.Submit(context.Background(), f.user, textSpec(threeRecipients...))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var once sync.Once
	f.provider.OnSend = func(channeltest.Call) {
		once.Do(func() {
			if err := f.svc.Pause(context.Background(), f.user, id); err != nil {
				t.Errorf("Pause: %v", err)
			}
		})
	}
	f.start(t)

	waitFor(t, f.svc, id, func(r Report) bool { return r.Status == StatusPaused && r.Counts.Sent == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := len(f.provider.Calls()); n != 1 {
		t.Fatalf("sends while paused: %d calls", n)
	}
	if err := f.svc.Pause(context.Background(), f.user, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double pause: expected ErrInvalidTransition, got %v", err)
	}
	if err := f.svc.Resume(context.Background(), f.user, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	rep := waitFor(t, f.svc, id, settled)
	if rep.Status != StatusCompleted || rep.Counts.Sent != 3 || rep.Refunded != 0 {
		t.Fatalf("after resume: status %s counts %+v refunded %d", rep.Status, rep.Counts, rep.Refunded)
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestFailedSecondarySendIsPartial(t *testing.T) {
	t.Parallel()
	f := newFixture(t, storage.NewMemory(), 10, Config{})
	f.provider.Fail = func(c channeltest.Call) error {
		if c.Kind == channel.KindMedia {
			return errors.New("upload rejected")
		}
		return nil
	}
	f.start(t)

	spec := textSpec("0811000001")
	spec.Media = []channel.MediaMessage{{Type: channel.MediaImage, URL: "https://cdn.example.com/a.png"}}
	id, err := f.svc.Submit(context.Background(), f.user, spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rep := waitFor(t, f.svc, id, settled)
	r := rep.Recipients[0]
	if r.Status != RecipientPartiallySent || len(r.MessageIDs) != 1 {
		t.Fatalf("recipient = %+v", r)
	}
	if rep.Status != StatusPartiallyFailed || rep.Refunded != 0 {
		t.Fatalf("status %s refunded %d", rep.Status, rep.Refunded)
	}
	if r.Err == nil || r.Err.Code != channel.CodeUnknown {
		t.Fatalf("recipient error = %+v", r.Err)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, storage.NewMemory(), 1000, Config{})

	poll := func(n int) channel.Message {
		opts := make([]string, n)
		for i := range opts {
			opts[i] = string(rune('a' + i))
		}
		return channel.PollMessage{Question: "q", Options: opts}
	}
	cases := []struct {
		name string
		mut  func(*Spec)
		want error
	}{
		{"no recipients", func(s *Spec) { s.Recipients = []string{" ", ""} }, ErrNoRecipients},
		{"bad address", func(s *Spec) { s.Recipients = []string{"0812x"} }, ErrInvalidAddress},
		{"one poll option", func(s *Spec) { s.Text = ""; s.Interactive = poll(1) }, ErrInvalidChannelPayload},
		{"thirteen poll options", func(s *Spec) { s.Text = ""; s.Interactive = poll(13) }, ErrInvalidChannelPayload},
		{"empty payload", func(s *Spec) { s.Text = "" }, ErrInvalidChannelPayload},
		{"unknown category", func(s *Spec) { s.Category = "sms" }, ledger.ErrValidation},
		{"bound without id", func(s *Spec) { s.Instances.Strategy = instance.StrategyBound }, ledger.ErrValidation},
		{"other owner", func(s *Spec) { s.Owner = "u2" }, ledger.ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := textSpec(threeRecipients...)
			tc.mut(&spec)
			_, err := f.svc.Submit(context.Background(), f.user, spec)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if got := f.balance(t); got != 1000 {
		t.Fatalf("balance after rejected submits = %d", got)
	}

	spec := textSpec(threeRecipients...)
	spec.Text = ""
	spec.Interactive = poll(12)
	if _, err := f.svc.Submit(context.Background(), f.user, spec); err != nil {
		t.Fatalf("twelve poll options rejected: %v", err)
	}
}

func TestRetryFailedRecipients(t *testing.T) {
	t.Parallel()
	f := newFixture(t, storage.NewMemory(), 40, Config{})
	var failing sync.Map
	failing.Store("62811000002@c.us", true)
	f.provider.Fail = func(c channeltest.Call) error {
		if _, ok := failing.Load(c.ChatID); ok {
			return errors.New("offline")
		}
		return nil
	}
	f.start(t)

	id, err := f.svc.Submit(context.Background(), f.user, textSpec(threeRecipients...))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, f.svc, id, settled)
	failing.Delete("62811000002@c.us")

	retryID, err := f.svc.RetryFailed(context.Background(), f.user, id)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	rep := waitFor(t, f.svc, retryID, settled)
	if rep.RetryOf != id || rep.Status != StatusCompleted || rep.Reserved != 10 {
		t.Fatalf("retry report: %+v", rep)
	}
	if len(rep.Recipients) != 1 || rep.Recipients[0].RetryCount != 1 || rep.Recipients[0].ChatID != "62811000002@c.us" {
		t.Fatalf("retry recipients: %+v", rep.Recipients)
	}
	// 40 - 30 + 10 (refund) - 10 (retry)
	if got := f.balance(t); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
	if _, err := f.svc.RetryFailed(context.Background(), f.user, retryID); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("retry without failures: expected ErrNoRecipients, got %v", err)
	}
}

func TestScheduledCampaignStartsWhenDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, storage.NewMemory(), 30, Config{})
	f.start(t)

	spec := textSpec(threeRecipients...)
	spec.ScheduleAt = time.Now().Add(time.Hour)
	id, err := f.svc.Submit(context.Background(), f.user, spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	rep, _ := f.svc.Status(context.Background(), id)
	if rep.Status != StatusScheduled || len(f.provider.Calls()) != 0 {
		t.Fatalf("scheduled campaign started early: %s", rep.Status)
	}
	if err := f.svc.Cancel(context.Background(), f.user, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel scheduled: expected ErrInvalidTransition, got %v", err)
	}

	if n, err := f.svc.StartDue(context.Background(), time.Now()); err != nil || n != 0 {
		t.Fatalf("StartDue(now) = %d, %v", n, err)
	}
	if n, err := f.svc.StartDue(context.Background(), time.Now().Add(2*time.Hour)); err != nil || n != 1 {
		t.Fatalf("StartDue(later) = %d, %v", n, err)
	}
	rep = waitFor(t, f.svc, id, settled)
	if rep.Status != StatusCompleted {
		t.Fatalf("status = %s", rep.Status)
	}
}

func TestRecoverResumesInterruptedCampaign(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := newFixture(t, st, 30, Config{})
	id, err := f.svc.Submit(context.Background(), f.user, textSpec(threeRecipients...))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Simulate a process that died mid-campaign: running, first recipient sent.
	c, _ := st.GetCampaign(context.Background(), id)
	c.Status = string(StatusRunning)
	c.StartedAt = time.Now()
	if err := st.UpdateCampaign(context.Background(), c); err != nil {
		t.Fatalf("UpdateCampaign: %v", err)
	}
	if err := st.SaveRecipient(context.Background(), storage.Recipient{CampaignID: id, Index: 0, Raw: threeRecipients[0], ChatID: "62811000001@c.us", Status: string(RecipientSent)}); err != nil {
		t.Fatalf("SaveRecipient: %v", err)
	}

	fresh := New(Config{}, Deps{
		Store:  st,
		Ledger: f.ledger,
		Sender: channel.NewSender(f.provider, channel.SenderOptions{}),
		Pools:  instance.StaticPool{Default: []string{"i1"}},
	})
	n, err := fresh.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fresh.Start(ctx)
	defer fresh.Stop(context.Background())

	rep := waitFor(t, fresh, id, settled)
	if rep.Status != StatusCompleted || rep.Counts.Sent != 3 {
		t.Fatalf("recovered campaign: %s %+v", rep.Status, rep.Counts)
	}
	if got := len(f.provider.ChatIDs()); got != 2 {
		t.Fatalf("recipients sent after recovery = %d, want 2", got)
	}
}

func TestPacingSpacesRecipients(t *testing.T) {
	t.Parallel()
	f := newFixture(t, storage.NewMemory(), 30, Config{RecipientWorkers: 4})
	var mu sync.Mutex
	var at []time.Time
	f.provider.OnSend = func(channeltest.Call) {
		mu.Lock()
		at = append(at, time.Now())
		mu.Unlock()
	}
	f.start(t)

	spec := textSpec(threeRecipients...)
	spec.Pacing = 40 * time.Millisecond
	id, err := f.svc.Submit(context.Background(), f.user, spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, f.svc, id, settled)

	mu.Lock()
	defer mu.Unlock()
	if len(at) != 3 {
		t.Fatalf("sends = %d", len(at))
	}
	if gap := at[2].Sub(at[0]); gap < 70*time.Millisecond {
		t.Fatalf("three paced sends spanned %v, want >= ~80ms", gap)
	}
}

func TestBoundInstanceUsedForEverySend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, storage.NewMemory(), 30, Config{RecipientWorkers: 3})
	f.start(t)

	spec := textSpec(threeRecipients...)
	spec.Instances = InstanceSpec{Strategy: instance.StrategyBound, Bound: "session-9"}
	id, err := f.svc.Submit(context.Background(), f.user, spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rep := waitFor(t, f.svc, id, settled)
	for _, c := range f.provider.Calls() {
		if c.Instance != "session-9" {
			t.Fatalf("send used instance %q", c.Instance)
		}
	}
	for _, r := range rep.Recipients {
		if r.Instance != "session-9" {
			t.Fatalf("recipient instance = %q", r.Instance)
		}
	}
}

func TestRetryFailedAuthorization(t *testing.T) {
	t.Parallel()
	f := newFixture(t, storage.NewMemory(), 30, Config{})
	spec := textSpec(threeRecipients...)
	spec.ScheduleAt = time.Now().Add(time.Hour)
	id, err := f.svc.Submit(context.Background(), f.user, spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	other := auth.NewPrincipal("u2", auth.RoleUser)
	if _, err := f.svc.RetryFailed(context.Background(), other, id); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("peer retry: expected ErrUnauthorized, got %v", err)
	}
	admin := auth.NewPrincipal("adm", auth.RoleAdmin)
	if _, err := f.svc.RetryFailed(context.Background(), admin, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("admin retry of scheduled: expected ErrInvalidTransition, got %v", err)
	}
}

// failingCreateStore fails every campaign insert inside Update.
type failingCreateStore struct {
	storage.Store
}

var errDiskFull = errors.New("disk full")

func (s failingCreateStore) Update(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	return s.Store.Update(ctx, func(tx storage.LedgerTx) error { return fn(failingCreateTx{tx}) })
}

type failingCreateTx struct {
	storage.LedgerTx
}

func (failingCreateTx) CreateCampaign(storage.Campaign, []storage.Recipient) error { return errDiskFull }

func TestSubmitKeepsNothingWhenInsertFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, failingCreateStore{storage.NewMemory()}, 30, Config{})
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, f.user, textSpec(threeRecipients...))
	if !errors.Is(err, errDiskFull) || !errors.Is(err, ledger.ErrPersistence) {
		t.Fatalf("Submit err = %v, want disk full persistence error", err)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) || strings.Contains(err.Error(), "ledger") {
		t.Fatalf("Submit err = %q, want a campaign store error", err)
	}
	if got := f.balance(t); got != 30 {
		t.Fatalf("balance = %d, want 30", got)
	}
	for row, err := range f.ledger.History(ctx, "u1", ledger.Filter{Kinds: []storage.TxKind{storage.TxDebit}}, ledger.Page{}) {
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		t.Fatalf("unexpected debit row after rejected submission: %+v", row)
	}
	list, err := f.svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("campaigns = %d, want 0", len(list))
	}
}
