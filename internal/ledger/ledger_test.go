package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"campaignd/internal/auth"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

// tree:
//
//	root (superadmin)
//	└── adm (admin)
//	    ├── res (reseller)
//	    │   └── usr (user)
//	    └── other (user)
func newFixture(t *testing.T, st storage.Store) *Ledger {
	t.Helper()
	ctx := context.Background()
	for _, a := range []storage.Account{
		{ID: "root", Role: auth.RoleSuperAdmin},
		{ID: "adm", Role: auth.RoleAdmin, ParentID: "root"},
		{ID: "res", Role: auth.RoleReseller, ParentID: "adm"},
		{ID: "usr", Role: auth.RoleUser, ParentID: "res"},
		{ID: "other", Role: auth.RoleUser, ParentID: "adm"},
	} {
		if err := st.PutAccount(ctx, a); err != nil {
			t.Fatalf("PutAccount(%s): %v", a.ID, err)
		}
	}
	return New(st, Options{})
}

func principal(id string, role auth.Role) auth.Principal { return auth.NewPrincipal(id, role) }

func mustGrant(t *testing.T, l *Ledger, to, category string, amount int64) {
	t.Helper()
	if _, err := l.Grant(context.Background(), auth.System(), to, category, amount, "seed"); err != nil {
		t.Fatalf("Grant(%s, %d): %v", to, amount, err)
	}
}

func mustBalance(t *testing.T, l *Ledger, account, category string) int64 {
	t.Helper()
	b, err := l.Balance(context.Background(), account, category)
	if err != nil {
		t.Fatalf("Balance(%s): %v", account, err)
	}
	return b
}

func collect(t *testing.T, l *Ledger, account string, f Filter, p Page) []storage.Transaction {
	t.Helper()
	var out []storage.Transaction
	for row, err := range l.History(context.Background(), account, f, p) {
		if err != nil {
			t.Fatalf("History(%s): %v", account, err)
		}
		out = append(out, row)
	}
	return out
}

func TestTransferAlongChain(t *testing.T) {
	t.Parallel()
	l := newFixture(t, storage.NewMemory())
	ctx := context.Background()
	mustGrant(t, l, "adm", "text", 500)

	ref, err := l.Transfer(ctx, principal("adm", auth.RoleAdmin), TransferRequest{From: "adm", To: "res", Category: "text", Amount: 200, Description: "topup"})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := mustBalance(t, l, "adm", "text"); got != 300 {
		t.Fatalf("adm balance = %d, want 300", got)
	}
	if got := mustBalance(t, l, "res", "text"); got != 200 {
		t.Fatalf("res balance = %d, want 200", got)
	}
	if len(ref.TransactionIDs) != 2 {
		t.Fatalf("transfer rows = %d, want 2", len(ref.TransactionIDs))
	}

	var legs []storage.Transaction
	for _, acct := range []string{"adm", "res"} {
		legs = append(legs, collect(t, l, acct, Filter{ReferenceID: ref.ReferenceID}, Page{})...)
	}
	if len(legs) != 2 {
		t.Fatalf("rows sharing reference = %d, want 2", len(legs))
	}
	if legs[0].Delta != -200 || legs[1].Delta != 200 {
		t.Fatalf("unexpected deltas: %d, %d", legs[0].Delta, legs[1].Delta)
	}
}

func TestTransferHierarchyCheckedBeforeBalance(t *testing.T) {
	t.Parallel()
	l := newFixture(t, storage.NewMemory())
	ctx := context.Background()
	mustGrant(t, l, "usr", "text", 1000)
	mustGrant(t, l, "res", "text", 1000)

	cases := []struct {
		name string
		p    auth.Principal
		req  TransferRequest
	}{
		{"upward", principal("usr", auth.RoleUser), TransferRequest{From: "usr", To: "res", Category: "text", Amount: 1}},
		{"sibling subtree", principal("res", auth.RoleReseller), TransferRequest{From: "res", To: "other", Category: "text", Amount: 1}},
		{"no funds", principal("other", auth.RoleUser), TransferRequest{From: "other", To: "usr", Category: "text", Amount: 5000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.p
			p.Caps = p.Caps.With(auth.CapTransfer)
			_, err := l.Transfer(ctx, p, tc.req)
			if !errors.Is(err, ErrHierarchyViolation) {
				t.Fatalf("expected ErrHierarchyViolation, got %v", err)
			}
		})
	}
	if got := mustBalance(t, l, "usr", "text"); got != 1000 {
		t.Fatalf("usr balance changed: %d", got)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	t.Parallel()
	l := newFixture(t, storage.NewMemory())
	mustGrant(t, l, "adm", "text", 10)

	_, err := l.Transfer(context.Background(), principal("adm", auth.RoleAdmin), TransferRequest{From: "adm", To: "usr", Category: "text", Amount: 11})
	var ife *InsufficientFundsError
	if !errors.As(err, &ife) || ife.Balance != 10 || ife.Amount != 11 {
		t.Fatalf("expected InsufficientFundsError{10, 11}, got %v", err)
	}
	if got := mustBalance(t, l, "usr", "text"); got != 0 {
		t.Fatalf("usr credited on failed transfer: %d", got)
	}
}

func TestUnlimitedTransfersToAnyone(t *testing.T) {
	t.Parallel()
	l := newFixture(t, storage.NewMemory())
	ref, err := l.Transfer(context.Background(), auth.System(), TransferRequest{From: "root", To: "other", Category: "poll", Amount: 75})
	if err != nil {
		t.Fatalf("Transfer from unlimited: %v", err)
	}
	if got := mustBalance(t, l, "other", "poll"); got != 75 {
		t.Fatalf("other balance = %d, want 75", got)
	}
	rows := collect(t, l, "root", Filter{}, Page{})
	if len(rows) != 1 || rows[0].ReferenceID != ref.ReferenceID {
		t.Fatalf("unlimited account has no audit row: %+v", rows)
	}
}

func TestDebitNeverOverdraws(t *testing.T) {
	t.Parallel()
	l := newFixture(t, storage.NewMemory())
	ctx := context.Background()
	mustGrant(t, l, "usr", "text", 25)
	p := principal("usr", auth.RoleUser)

	if _, err := l.Debit(ctx, p, "usr", "text", 30, "c1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := l.Debit(ctx, p, "usr", "text", 25, "c2"); err != nil {
		t.Fatalf("Debit exact balance: %v", err)
	}
	if got := mustBalance(t, l, "usr", "text"); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
	if _, err := l.Debit(ctx, p, "usr", "text", 1, "c3"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds at zero, got %v", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	t.Parallel()
	l := newFixture(t, storage.NewMemory())
	mustGrant(t, l, "usr", "text", 100)
	p := principal("usr", auth.RoleUser)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Debit(context.Background(), p, "usr", "text", 10, fmt.Sprintf("d%d", i)); err == nil {
				ok.Add(1)
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if ok.Load() != 10 {
		t.Fatalf("successful debits = %d, want 10", ok.Load())
	}
	if got := mustBalance(t, l, "usr", "text"); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestRefundIsIdempotent(t *testing.T) {
	t.Parallel()
	l := newFixture(t, storage.NewMemory())
	ctx := context.Background()
	mustGrant(t, l, "usr", "text", 30)
	p := principal("usr", auth.RoleUser)
	adm := principal("adm", auth.RoleAdmin)

	if _, err := l.Debit(ctx, p, "usr", "text", 30, "campaign:x:reserve"); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	first, err := l.Refund(ctx, adm, "usr", "text", 10, "campaign:x:reserve")
	if err != nil || first.Replayed {
		t.Fatalf("first refund = %+v, %v", first, err)
	}
	second, err := l.Refund(ctx, adm, "usr", "text", 10, "campaign:x:reserve")
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if !second.Replayed || len(second.TransactionIDs) != 1 || second.TransactionIDs[0] != first.TransactionIDs[0] {
		t.Fatalf("second refund not replayed: %+v", second)
	}
	if got := mustBalance(t, l, "usr", "text"); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
}

func TestSignedSumEqualsBalance(t *testing.T) {
	t.Parallel()
	for name, open := range map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store { return storage.NewMemory() },
		"sqlite": openSQLite,
	} {
		t.Run(name, func(t *testing.T) {
			l := newFixture(t, open(t))
			ctx := context.Background()
			adm := principal("adm", auth.RoleAdmin)
			res := principal("res", auth.RoleReseller)

			mustGrant(t, l, "adm", "text", 1000)
			steps := []func() error{
				func() error { _, err := l.Transfer(ctx, adm, TransferRequest{From: "adm", To: "res", Category: "text", Amount: 300}); return err },
				func() error { _, err := l.Transfer(ctx, res, TransferRequest{From: "res", To: "usr", Category: "text", Amount: 120}); return err },
				func() error { _, err := l.Debit(ctx, adm, "usr", "text", 50, "r1"); return err },
				func() error { _, err := l.Refund(ctx, adm, "usr", "text", 20, "r1"); return err },
				func() error { _, err := l.Refund(ctx, adm, "usr", "text", 20, "r1"); return err },
				func() error { _, _ = l.Debit(ctx, res, "res", "text", 500, "too-much"); return nil },
				func() error { _, err := l.Debit(ctx, res, "res", "text", 80, "r2"); return err },
			}
			for i, step := range steps {
				if err := step(); err != nil {
					t.Fatalf("step %d: %v", i, err)
				}
			}
			for _, acct := range []string{"adm", "res", "usr"} {
				var sum int64
				for _, row := range collect(t, l, acct, Filter{Category: "text"}, Page{Size: 2}) {
					sum += row.Delta
				}
				if b := mustBalance(t, l, acct, "text"); b != sum {
					t.Fatalf("%s: balance %d != signed sum %d", acct, b, sum)
				}
			}
			if got := mustBalance(t, l, "usr", "text"); got != 90 {
				t.Fatalf("usr balance = %d, want 90", got)
			}
		})
	}
}

func TestAuthorization(t *testing.T) {
	t.Parallel()
	l := newFixture(t, storage.NewMemory())
	ctx := context.Background()
	mustGrant(t, l, "usr", "text", 50)
	mustGrant(t, l, "other", "text", 50)

	cases := []struct {
		name    string
		p       auth.Principal
		account string
		wantErr error
	}{
		{"own account", principal("usr", auth.RoleUser), "usr", nil},
		{"peer account", principal("usr", auth.RoleUser), "other", ErrUnauthorized},
		{"admin for descendant", principal("adm", auth.RoleAdmin), "usr", nil},
		{"reseller lacks descendant cap", principal("res", auth.RoleReseller), "usr", ErrUnauthorized},
		{"system", auth.System(), "other", nil},
		{"zero principal", auth.Principal{}, "usr", ErrUnauthorized},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Debit(ctx, tc.p, tc.account, "text", 1, fmt.Sprintf("auth-%d", i))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Debit err = %v, want %v", err, tc.wantErr)
			}
		})
	}

	if _, err := l.Grant(ctx, principal("adm", auth.RoleAdmin), "usr", "text", 5, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("admin grant: expected ErrUnauthorized, got %v", err)
	}
	if _, err := l.Transfer(ctx, principal("usr", auth.RoleUser), TransferRequest{From: "usr", To: "res", Category: "text", Amount: 1}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("user transfer: expected ErrUnauthorized, got %v", err)
	}
	if _, err := l.Refund(ctx, principal("usr", auth.RoleUser), "usr", "text", 1, "auth-0"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("user refund: expected ErrUnauthorized, got %v", err)
	}
}

func TestRefundRequiresMatchingDebit(t *testing.T) {
	t.Parallel()
	for name, open := range map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store { return storage.NewMemory() },
		"sqlite": openSQLite,
	} {
		t.Run(name, func(t *testing.T) {
			l := newFixture(t, open(t))
			ctx := context.Background()
			mustGrant(t, l, "usr", "text", 30)
			mustGrant(t, l, "usr", "media", 30)
			if _, err := l.Debit(ctx, principal("usr", auth.RoleUser), "usr", "text", 30, "d1"); err != nil {
				t.Fatalf("Debit: %v", err)
			}
			adm := principal("adm", auth.RoleAdmin)

			cases := []struct {
				name     string
				p        auth.Principal
				account  string
				category string
				amount   int64
				ref      string
				wantErr  error
			}{
				{"leaf self refund", principal("usr", auth.RoleUser), "usr", "text", 1_000_000, "anything", ErrUnauthorized},
				{"reseller lacks refund cap", principal("res", auth.RoleReseller), "res", "text", 1, "d1", ErrUnauthorized},
				{"no debit under reference", adm, "usr", "text", 10, "never-debited", ErrValidation},
				{"other account", adm, "other", "text", 10, "d1", ErrValidation},
				{"other category", adm, "usr", "media", 10, "d1", ErrValidation},
				{"above debited amount", adm, "usr", "text", 31, "d1", ErrValidation},
			}
			for _, tc := range cases {
				if _, err := l.Refund(ctx, tc.p, tc.account, tc.category, tc.amount, tc.ref); !errors.Is(err, tc.wantErr) {
					t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.wantErr)
				}
			}
			if got := mustBalance(t, l, "usr", "text"); got != 0 {
				t.Fatalf("text balance = %d, want 0", got)
			}
			if got := mustBalance(t, l, "usr", "media"); got != 30 {
				t.Fatalf("media balance = %d, want 30", got)
			}
			if rows := collect(t, l, "usr", Filter{Kinds: []storage.TxKind{storage.TxRefund}}, Page{}); len(rows) != 0 {
				t.Fatalf("refund rows = %d, want 0", len(rows))
			}

			if _, err := l.Refund(ctx, adm, "usr", "text", 30, "d1"); err != nil {
				t.Fatalf("full refund: %v", err)
			}
			if got := mustBalance(t, l, "usr", "text"); got != 30 {
				t.Fatalf("text balance after refund = %d, want 30", got)
			}
		})
	}
}

func TestReserveRollsBackWhenFollowUpFails(t *testing.T) {
	t.Parallel()
	for name, open := range map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store { return storage.NewMemory() },
		"sqlite": openSQLite,
	} {
		t.Run(name, func(t *testing.T) {
			l := newFixture(t, open(t))
			ctx := context.Background()
			mustGrant(t, l, "usr", "text", 30)
			diskFull := errors.New("disk full")

			_, err := l.Reserve(ctx, principal("usr", auth.RoleUser), "usr", "text", 30, "c1", func(storage.LedgerTx) error {
				return diskFull
			})
			if !errors.Is(err, diskFull) || !errors.Is(err, ErrPersistence) {
				t.Fatalf("Reserve err = %v, want wrapped disk full persistence error", err)
			}
			if got := mustBalance(t, l, "usr", "text"); got != 30 {
				t.Fatalf("balance = %d, want 30", got)
			}
			if rows := collect(t, l, "usr", Filter{Kinds: []storage.TxKind{storage.TxDebit}}, Page{}); len(rows) != 0 {
				t.Fatalf("debit rows = %d, want 0", len(rows))
			}
		})
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	l := newFixture(t, storage.NewMemory())
	ctx := context.Background()
	p := auth.System()

	cases := []struct {
		name string
		call func() error
	}{
		{"zero amount", func() error { _, err := l.Debit(ctx, p, "usr", "text", 0, "r"); return err }},
		{"negative refund", func() error { _, err := l.Refund(ctx, p, "usr", "text", -5, "r"); return err }},
		{"missing reference", func() error { _, err := l.Debit(ctx, p, "usr", "text", 1, ""); return err }},
		{"missing category", func() error { _, err := l.Grant(ctx, p, "usr", "", 1, ""); return err }},
		{"unknown account", func() error { _, err := l.Grant(ctx, p, "ghost", "text", 1, ""); return err }},
		{"self transfer", func() error {
			_, err := l.Transfer(ctx, p, TransferRequest{From: "adm", To: "adm", Category: "text", Amount: 1})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ve *ValidationError
			if err := tc.call(); !errors.As(err, &ve) || !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

// faultyStore fails the nth Append inside Update.
type faultyStore struct {
	storage.Store
	failAt int
}

type faultyTx struct {
	storage.LedgerTx
	n      *int
	failAt int
}

var errDisk = errors.New("disk full")

func (f *faultyTx) Append(row storage.Transaction) (storage.Transaction, error) {
	*f.n++
	if *f.n == f.failAt {
		return storage.Transaction{}, errDisk
	}
	return f.LedgerTx.Append(row)
}

func (s *faultyStore) Update(ctx context.Context, fn func(storage.LedgerTx) error) error {
	n := 0
	return s.Store.Update(ctx, func(tx storage.LedgerTx) error {
		return fn(&faultyTx{LedgerTx: tx, n: &n, failAt: s.failAt})
	})
}

func TestStorageFailureLeavesNoPartialTransfer(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	l := newFixture(t, mem)
	ctx := context.Background()
	mustGrant(t, l, "adm", "text", 500)

	broken := New(&faultyStore{Store: mem, failAt: 2}, Options{})
	_, err := broken.Transfer(ctx, principal("adm", auth.RoleAdmin), TransferRequest{From: "adm", To: "res", Category: "text", Amount: 200})
	var pe *PersistenceError
	if !errors.As(err, &pe) || !errors.Is(err, ErrPersistence) || !errors.Is(err, errDisk) || !pe.Temporary() {
		t.Fatalf("expected temporary PersistenceError wrapping disk error, got %v", err)
	}
	if got := mustBalance(t, l, "adm", "text"); got != 500 {
		t.Fatalf("adm balance = %d, want 500", got)
	}
	if got := mustBalance(t, l, "res", "text"); got != 0 {
		t.Fatalf("res balance = %d, want 0", got)
	}
	if rows := collect(t, l, "res", Filter{}, Page{}); len(rows) != 0 {
		t.Fatalf("partial transfer row visible: %+v", rows)
	}
}

func openSQLite(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
