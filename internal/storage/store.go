package storage

import (
	"context"
	"errors"
	"strings"

	logx "campaignd/pkg/logx"
)

// Store is the persistence API used by the ledger and the orchestrator.
type Store interface {
	PutAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id string) (Account, error)

	PutUnitCost(ctx context.Context, category string, cost int64) error
	UnitCost(ctx context.Context, category string) (int64, error)

	Balance(ctx context.Context, account, category string) (int64, error)
	// Update runs fn atomically. fn must only touch storage through tx; if it
	// returns an error nothing it did is kept.
	Update(ctx context.Context, fn func(tx LedgerTx) error) error
	ListTransactions(ctx context.Context, q TxQuery) ([]Transaction, error)

	UpdateCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaigns(ctx context.Context, q CampaignQuery) ([]Campaign, error)
	SaveRecipient(ctx context.Context, r Recipient) error
	ListRecipients(ctx context.Context, campaignID string) ([]Recipient, error)

	Close() error
}

// LedgerTx is the read-modify-write view handed to Store.Update callbacks.
type LedgerTx interface {
	// Balance returns the current balance and whether the credit account exists.
	Balance(account, category string) (int64, bool, error)
	SetBalance(account, category string, balance int64) error
	// Append stores t and returns it with Seq assigned.
	Append(t Transaction) (Transaction, error)
	// FindByReference returns the rows of kind sharing reference, in Seq order.
	FindByReference(kind TxKind, reference string) ([]Transaction, error)
	// CreateCampaign inserts c with its recipients, indexed in order, so the
	// reservation debit and the campaign commit together.
	CreateCampaign(c Campaign, recipients []Recipient) error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
