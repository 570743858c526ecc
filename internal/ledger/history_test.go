package ledger

import (
	"context"
	"errors"
	"testing"

	"campaignd/internal/auth"
	"campaignd/internal/storage"
)

// countingStore counts ListTransactions round trips.
type countingStore struct {
	storage.Store
	calls int
}

func (c *countingStore) ListTransactions(ctx context.Context, q storage.TxQuery) ([]storage.Transaction, error) {
	c.calls++
	return c.Store.ListTransactions(ctx, q)
}

func TestHistoryIsLazyAndRestartable(t *testing.T) {
	t.Parallel()
	cs := &countingStore{Store: storage.NewMemory()}
	l := newFixture(t, cs)
	for i := 0; i < 7; i++ {
		mustGrant(t, l, "usr", "text", int64(i+1))
	}

	seq := l.History(context.Background(), "usr", Filter{}, Page{Size: 3})
	if cs.calls != 0 {
		t.Fatalf("History fetched before ranging: %d calls", cs.calls)
	}

	var first []int64
	for row, err := range seq {
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		first = append(first, row.Amount)
		if len(first) == 2 {
			break
		}
	}
	if cs.calls != 1 {
		t.Fatalf("early break fetched %d pages, want 1", cs.calls)
	}

	var all []int64
	for row, err := range seq {
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		all = append(all, row.Amount)
	}
	if len(all) != 7 || all[0] != 1 || all[6] != 7 {
		t.Fatalf("restart did not begin from the start: %v", all)
	}
}

func TestHistoryCursorAndLimit(t *testing.T) {
	t.Parallel()
	l := newFixture(t, storage.NewMemory())
	for i := 0; i < 5; i++ {
		mustGrant(t, l, "usr", "text", 1)
	}
	mustGrant(t, l, "usr", "poll", 1)

	rows := collect(t, l, "usr", Filter{Category: "text"}, Page{Limit: 3, Size: 2})
	if len(rows) != 3 {
		t.Fatalf("limited rows = %d, want 3", len(rows))
	}
	rest := collect(t, l, "usr", Filter{Category: "text"}, Page{After: rows[2].Seq})
	if len(rest) != 2 {
		t.Fatalf("rows after cursor = %d, want 2", len(rest))
	}
	grants := collect(t, l, "usr", Filter{Kinds: []storage.TxKind{storage.TxGrant}}, Page{})
	if len(grants) != 6 {
		t.Fatalf("grant rows = %d, want 6", len(grants))
	}
}

func TestHistoryValidationAndCancel(t *testing.T) {
	t.Parallel()
	l := newFixture(t, storage.NewMemory())
	mustGrant(t, l, "usr", "text", 1)

	for _, err := range l.History(context.Background(), "", Filter{}, Page{}) {
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	}

	ctx, cancel := context.WithCancel(auth.WithPrincipal(context.Background(), auth.System()))
	cancel()
	for _, err := range l.History(ctx, "usr", Filter{}, Page{}) {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}
}
