package ledger

import (
	"context"
	"iter"

	"campaignd/internal/storage"
)

type Filter = storage.TxFilter

// Page bounds a history read. After is the exclusive Seq cursor to start
// from, Limit caps the rows yielded (0 means until exhausted) and Size is
// the batch fetched per store round trip.
type Page struct {
	After int64
	Limit int
	Size  int
}

const defaultPageSize = 100

// History yields account's rows in Seq order. Pages are fetched lazily as
// the caller ranges; every range restarts from page.After. A store error is
// yielded once and ends the sequence.
func (l *Ledger) History(ctx context.Context, account string, filter Filter, page Page) iter.Seq2[storage.Transaction, error] {
	size := page.Size
	if size <= 0 {
		size = defaultPageSize
	}
	return func(yield func(storage.Transaction, error) bool) {
		if account == "" {
			yield(storage.Transaction{}, invalid("account", "account is required"))
			return
		}
		cursor := page.After
		emitted := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(storage.Transaction{}, err)
				return
			}
			n := size
			if page.Limit > 0 && page.Limit-emitted < n {
				n = page.Limit - emitted
			}
			rows, err := l.store.ListTransactions(ctx, storage.TxQuery{
				Account:  account,
				Filter:   filter,
				AfterSeq: cursor,
				Limit:    n,
			})
			if err != nil {
				yield(storage.Transaction{}, wrapStore("history", err))
				return
			}
			for _, r := range rows {
				if !yield(r, nil) {
					return
				}
				cursor = r.Seq
				emitted++
			}
			if len(rows) < n || (page.Limit > 0 && emitted >= page.Limit) {
				return
			}
		}
	}
}
