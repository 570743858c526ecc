package storage

import (
	"errors"
	"time"

	"campaignd/internal/auth"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (nothing survives a restart)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Account is a node of the ownership tree.
type Account struct {
	ID        string
	Role      auth.Role
	ParentID  string // empty only for the top role
	CreatedAt time.Time
}

type TxKind string

const (
	TxTransfer TxKind = "transfer"
	TxDebit    TxKind = "debit"
	TxRefund   TxKind = "refund"
	TxGrant    TxKind = "grant"
)

// Transaction is one immutable ledger row. A row posts Delta to exactly one
// Account; a transfer is two rows sharing ReferenceID.
type Transaction struct {
	ID          string
	Seq         int64 // assigned on append; monotonic ordering key
	ReferenceID string
	Kind        TxKind
	From        string
	To          string
	Account     string
	Category    string
	Amount      int64
	Delta       int64
	At          time.Time
	Description string
}

// TxFilter narrows a history query. Zero fields match everything.
type TxFilter struct {
	Category    string
	Kinds       []TxKind
	ReferenceID string
	Since       time.Time
	Until       time.Time
}

func (f TxFilter) match(t Transaction) bool {
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if f.ReferenceID != "" && t.ReferenceID != f.ReferenceID {
		return false
	}
	if !f.Since.IsZero() && t.At.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !t.At.Before(f.Until) {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == t.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// TxQuery selects the rows posted to Account with Seq > AfterSeq, ascending.
type TxQuery struct {
	Account  string
	Filter   TxFilter
	AfterSeq int64
	Limit    int
}

// Campaign is the persisted campaign header. Payload is an opaque encoded
// message definition owned by the campaign package.
type Campaign struct {
	ID               string
	Owner            string
	Name             string
	Category         string
	Kind             string
	Payload          []byte
	Status           string
	UnitCost         int64
	Reserved         int64
	Refunded         int64
	Pacing           time.Duration
	ScheduleAt       time.Time
	InstanceStrategy string
	InstancePool     []string
	BoundInstance    string
	RetryOf          string
	LastError        string
	CreatedAt        time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
}

type Recipient struct {
	CampaignID string
	Index      int
	Raw        string
	ChatID     string
	Status     string
	RetryCount int
	LastError  string
	ErrorCode  string
	Instance   string
	MessageIDs []string
	UpdatedAt  time.Time
}

// CampaignQuery lists campaigns. DueBefore (if set) keeps only campaigns whose
// ScheduleAt is not after it.
type CampaignQuery struct {
	Owner     string
	Statuses  []string
	DueBefore time.Time
	Limit     int
}
