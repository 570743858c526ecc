package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"campaignd/internal/auth"
	"campaignd/internal/eventbus"
	"campaignd/internal/observability/metrics"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

// maxDepth bounds parent walks so a corrupted (cyclic) tree cannot hang a call.
const maxDepth = 64

type Options struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	// Stripes is the number of balance mutexes; 0 means 64.
	Stripes int
	// Now is used for transaction timestamps (tests).
	Now func() time.Time
}

type Ledger struct {
	store   storage.Store
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	locks   *stripes
	now     func() time.Time
}

func New(store storage.Store, opts Options) *Ledger {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		store:   store,
		log:     opts.Log.With(logx.String("comp", "ledger")),
		bus:     opts.Bus,
		metrics: opts.Metrics,
		locks:   newStripes(opts.Stripes),
		now:     opts.Now,
	}
}

// Ref identifies the rows written by one ledger operation.
type Ref struct {
	ReferenceID    string
	TransactionIDs []string
	// Replayed is set when a refund with the same reference was already
	// applied; nothing new was written.
	Replayed bool
}

type TransferRequest struct {
	From        string
	To          string
	Category    string
	Amount      int64
	Description string
}

// Posting is the payload of eventbus.LedgerPosted.
type Posting struct {
	Kind     storage.TxKind
	Ref      Ref
	Account  string
	Category string
	Amount   int64
}

// Balance returns the current balance. Unknown pairs read as zero.
func (l *Ledger) Balance(ctx context.Context, account, category string) (int64, error) {
	if strings.TrimSpace(account) == "" || strings.TrimSpace(category) == "" {
		return 0, invalid("account", "account and category are required")
	}
	b, err := l.store.Balance(ctx, account, category)
	if err != nil {
		return 0, wrapStore("balance", err)
	}
	return b, nil
}

// Unlimited reports whether account belongs to the unlimited top role.
func (l *Ledger) Unlimited(ctx context.Context, account string) (bool, error) {
	a, err := l.account(ctx, account)
	if err != nil {
		return false, err
	}
	return auth.CapabilitiesFor(a.Role).Has(auth.CapUnlimited), nil
}

// Transfer moves amount from req.From to req.To as one atomic operation that
// writes two rows sharing a fresh reference id. The hierarchy is checked
// before the balance.
func (l *Ledger) Transfer(ctx context.Context, p auth.Principal, req TransferRequest) (ref Ref, err error) {
	defer func() { l.observe(storage.TxTransfer, req.Category, req.Amount, ref, err) }()

	if err := validAmount(req.Category, req.Amount); err != nil {
		return Ref{}, err
	}
	if req.From == "" || req.To == "" {
		return Ref{}, invalid("account", "from and to are required")
	}
	if req.From == req.To {
		return Ref{}, invalid("to", "cannot transfer to the same account")
	}
	if !p.Can(auth.CapTransfer) {
		return Ref{}, ErrUnauthorized
	}
	if err := l.Authorize(ctx, p, req.From); err != nil {
		return Ref{}, err
	}

	from, err := l.account(ctx, req.From)
	if err != nil {
		return Ref{}, err
	}
	if _, err := l.account(ctx, req.To); err != nil {
		return Ref{}, err
	}
	unlimited := auth.CapabilitiesFor(from.Role).Has(auth.CapUnlimited)
	if !unlimited {
		ok, err := l.isDescendant(ctx, req.From, req.To)
		if err != nil {
			return Ref{}, err
		}
		if !ok {
			return Ref{}, &HierarchyViolationError{From: req.From, To: req.To}
		}
	}

	unlock := l.locks.lock(req.Category, req.From, req.To)
	defer unlock()

	ref = Ref{ReferenceID: uuid.NewString()}
	at := l.now()
	err = l.store.Update(ctx, func(tx storage.LedgerTx) error {
		fromBal, _, err := tx.Balance(req.From, req.Category)
		if err != nil {
			return err
		}
		if !unlimited && fromBal < req.Amount {
			return &InsufficientFundsError{Account: req.From, Category: req.Category, Balance: fromBal, Amount: req.Amount}
		}
		toBal, _, err := tx.Balance(req.To, req.Category)
		if err != nil {
			return err
		}
		if err := tx.SetBalance(req.From, req.Category, fromBal-req.Amount); err != nil {
			return err
		}
		if err := tx.SetBalance(req.To, req.Category, toBal+req.Amount); err != nil {
			return err
		}
		for _, leg := range []struct {
			account string
			delta   int64
		}{{req.From, -req.Amount}, {req.To, req.Amount}} {
			row, err := tx.Append(storage.Transaction{
				ID:          uuid.NewString(),
				ReferenceID: ref.ReferenceID,
				Kind:        storage.TxTransfer,
				From:        req.From,
				To:          req.To,
				Account:     leg.account,
				Category:    req.Category,
				Amount:      req.Amount,
				Delta:       leg.delta,
				At:          at,
				Description: req.Description,
			})
			if err != nil {
				return err
			}
			ref.TransactionIDs = append(ref.TransactionIDs, row.ID)
		}
		return nil
	})
	if err != nil {
		return Ref{}, wrapStore("transfer", err)
	}
	l.log.Info("transfer posted",
		logx.String("ref", ref.ReferenceID),
		logx.String("from", req.From),
		logx.String("to", req.To),
		logx.String("category", req.Category),
		logx.Int64("amount", req.Amount),
	)
	l.publish(storage.TxTransfer, ref, req.From, req.Category, req.Amount)
	return ref, nil
}

// Debit consumes amount from account. reference ties the row to its cause
// and is what a later Refund must name.
func (l *Ledger) Debit(ctx context.Context, p auth.Principal, account, category string, amount int64, reference string) (Ref, error) {
	return l.debit(ctx, p, account, category, amount, reference, nil)
}

// Reserve is Debit with then run inside the same storage transaction. If then
// fails nothing is debited and its error is returned.
func (l *Ledger) Reserve(ctx context.Context, p auth.Principal, account, category string, amount int64, reference string, then func(tx storage.LedgerTx) error) (Ref, error) {
	return l.debit(ctx, p, account, category, amount, reference, then)
}

func (l *Ledger) debit(ctx context.Context, p auth.Principal, account, category string, amount int64, reference string, then func(tx storage.LedgerTx) error) (ref Ref, err error) {
	defer func() { l.observe(storage.TxDebit, category, amount, ref, err) }()

	if err := l.precheck(ctx, p, account, category, amount, reference); err != nil {
		return Ref{}, err
	}
	acct, err := l.account(ctx, account)
	if err != nil {
		return Ref{}, err
	}
	unlimited := auth.CapabilitiesFor(acct.Role).Has(auth.CapUnlimited)

	unlock := l.locks.lock(category, account)
	defer unlock()

	ref = Ref{ReferenceID: reference}
	err = l.store.Update(ctx, func(tx storage.LedgerTx) error {
		bal, _, err := tx.Balance(account, category)
		if err != nil {
			return err
		}
		if !unlimited && bal < amount {
			return &InsufficientFundsError{Account: account, Category: category, Balance: bal, Amount: amount}
		}
		if err := tx.SetBalance(account, category, bal-amount); err != nil {
			return err
		}
		row, err := tx.Append(storage.Transaction{
			ID:          uuid.NewString(),
			ReferenceID: reference,
			Kind:        storage.TxDebit,
			From:        account,
			Account:     account,
			Category:    category,
			Amount:      amount,
			Delta:       -amount,
			At:          l.now(),
		})
		if err != nil {
			return err
		}
		ref.TransactionIDs = []string{row.ID}
		if then != nil {
			return then(tx)
		}
		return nil
	})
	if err != nil {
		return Ref{}, wrapStore("debit", err)
	}
	l.log.Debug("debit posted", logx.String("ref", reference), logx.String("account", account),
		logx.String("category", category), logx.Int64("amount", amount))
	l.publish(storage.TxDebit, ref, account, category, amount)
	return ref, nil
}

// Refund credits back part or all of the debit posted to (account, category)
// under reference. It is idempotent per reference: a repeat returns the
// original Ref with Replayed set and credits nothing. A reference with no
// such debit, or an amount above it, is a validation error. Callers need
// auth.CapRefund.
func (l *Ledger) Refund(ctx context.Context, p auth.Principal, account, category string, amount int64, reference string) (ref Ref, err error) {
	defer func() { l.observe(storage.TxRefund, category, amount, ref, err) }()

	if !p.Can(auth.CapRefund) {
		return Ref{}, ErrUnauthorized
	}
	if err := l.precheck(ctx, p, account, category, amount, reference); err != nil {
		return Ref{}, err
	}
	if _, err := l.account(ctx, account); err != nil {
		return Ref{}, err
	}

	unlock := l.locks.lock(category, account)
	defer unlock()

	ref = Ref{ReferenceID: reference}
	err = l.store.Update(ctx, func(tx storage.LedgerTx) error {
		prior, err := tx.FindByReference(storage.TxRefund, reference)
		if err != nil {
			return err
		}
		if len(prior) > 0 {
			ref.Replayed = true
			for _, r := range prior {
				ref.TransactionIDs = append(ref.TransactionIDs, r.ID)
			}
			return nil
		}
		debits, err := tx.FindByReference(storage.TxDebit, reference)
		if err != nil {
			return err
		}
		var debited int64
		for _, d := range debits {
			if d.Account == account && d.Category == category {
				debited += d.Amount
			}
		}
		if debited == 0 {
			return invalid("reference", fmt.Sprintf("no %s debit of %s under %q", category, account, reference))
		}
		if amount > debited {
			return invalid("amount", fmt.Sprintf("refund %d exceeds debit %d", amount, debited))
		}
		bal, _, err := tx.Balance(account, category)
		if err != nil {
			return err
		}
		if err := tx.SetBalance(account, category, bal+amount); err != nil {
			return err
		}
		row, err := tx.Append(storage.Transaction{
			ID:          uuid.NewString(),
			ReferenceID: reference,
			Kind:        storage.TxRefund,
			To:          account,
			Account:     account,
			Category:    category,
			Amount:      amount,
			Delta:       amount,
			At:          l.now(),
		})
		if err != nil {
			return err
		}
		ref.TransactionIDs = []string{row.ID}
		return nil
	})
	if err != nil {
		return Ref{}, wrapStore("refund", err)
	}
	if ref.Replayed {
		l.log.Debug("refund replayed", logx.String("ref", reference), logx.String("account", account))
		return ref, nil
	}
	l.log.Debug("refund posted", logx.String("ref", reference), logx.String("account", account),
		logx.String("category", category), logx.Int64("amount", amount))
	l.publish(storage.TxRefund, ref, account, category, amount)
	return ref, nil
}

// Grant issues new credit into account. Only principals with auth.CapGrant
// may call it.
func (l *Ledger) Grant(ctx context.Context, p auth.Principal, to, category string, amount int64, description string) (ref Ref, err error) {
	defer func() { l.observe(storage.TxGrant, category, amount, ref, err) }()

	if err := validAmount(category, amount); err != nil {
		return Ref{}, err
	}
	if strings.TrimSpace(to) == "" {
		return Ref{}, invalid("to", "account is required")
	}
	if !p.Can(auth.CapGrant) {
		return Ref{}, ErrUnauthorized
	}
	if _, err := l.account(ctx, to); err != nil {
		return Ref{}, err
	}

	unlock := l.locks.lock(category, to)
	defer unlock()

	ref = Ref{ReferenceID: uuid.NewString()}
	err = l.store.Update(ctx, func(tx storage.LedgerTx) error {
		bal, _, err := tx.Balance(to, category)
		if err != nil {
			return err
		}
		if err := tx.SetBalance(to, category, bal+amount); err != nil {
			return err
		}
		row, err := tx.Append(storage.Transaction{
			ID:          uuid.NewString(),
			ReferenceID: ref.ReferenceID,
			Kind:        storage.TxGrant,
			From:        p.AccountID,
			To:          to,
			Account:     to,
			Category:    category,
			Amount:      amount,
			Delta:       amount,
			At:          l.now(),
			Description: description,
		})
		if err != nil {
			return err
		}
		ref.TransactionIDs = []string{row.ID}
		return nil
	})
	if err != nil {
		return Ref{}, wrapStore("grant", err)
	}
	l.log.Info("grant posted", logx.String("ref", ref.ReferenceID), logx.String("to", to),
		logx.String("category", category), logx.Int64("amount", amount), logx.String("by", p.AccountID))
	l.publish(storage.TxGrant, ref, to, category, amount)
	return ref, nil
}

func (l *Ledger) precheck(ctx context.Context, p auth.Principal, account, category string, amount int64, reference string) error {
	if err := validAmount(category, amount); err != nil {
		return err
	}
	if strings.TrimSpace(account) == "" {
		return invalid("account", "account is required")
	}
	if strings.TrimSpace(reference) == "" {
		return invalid("reference", "reference is required")
	}
	return l.Authorize(ctx, p, account)
}

// Authorize reports whether p may act for account: its own account, any
// descendant with CapActForDescendants, anyone with CapUnlimited.
func (l *Ledger) Authorize(ctx context.Context, p auth.Principal, account string) error {
	if p.IsZero() {
		return ErrUnauthorized
	}
	if p.Can(auth.CapUnlimited) || p.AccountID == account {
		return nil
	}
	if p.Can(auth.CapActForDescendants) {
		ok, err := l.isDescendant(ctx, p.AccountID, account)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrUnauthorized
}

func (l *Ledger) account(ctx context.Context, id string) (storage.Account, error) {
	a, err := l.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Account{}, invalid("account", "unknown account "+id)
	}
	if err != nil {
		return storage.Account{}, wrapStore("account", err)
	}
	return a, nil
}

// isDescendant walks the parent chain of node looking for ancestor.
func (l *Ledger) isDescendant(ctx context.Context, ancestor, node string) (bool, error) {
	cur := node
	for i := 0; i < maxDepth; i++ {
		a, err := l.store.GetAccount(ctx, cur)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, wrapStore("hierarchy", err)
		}
		if a.ParentID == "" {
			return false, nil
		}
		if a.ParentID == ancestor {
			return true, nil
		}
		cur = a.ParentID
	}
	return false, nil
}

func validAmount(category string, amount int64) error {
	if strings.TrimSpace(category) == "" {
		return invalid("category", "category is required")
	}
	if amount <= 0 {
		return invalid("amount", "must be positive")
	}
	return nil
}

func (l *Ledger) observe(kind storage.TxKind, category string, amount int64, ref Ref, err error) {
	result := classify(err)
	if err == nil && ref.Replayed {
		result = "replayed"
	}
	l.metrics.LedgerOp(string(kind), result)
	if result == "ok" {
		l.metrics.LedgerCredits(string(kind), category, amount)
	}
	if result == "persistence" {
		l.log.Warn("ledger operation failed", logx.String("kind", string(kind)), logx.Err(err))
	}
}

func (l *Ledger) publish(kind storage.TxKind, ref Ref, account, category string, amount int64) {
	l.bus.Publish(eventbus.Event{
		Type: eventbus.LedgerPosted,
		Data: Posting{Kind: kind, Ref: ref, Account: account, Category: category, Amount: amount},
	})
}
