package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

type balanceKey struct {
	account  string
	category string
}

// memoryStore keeps everything in maps guarded by one mutex. Update holds the
// mutex for the whole callback and stages writes, so a failing callback
// leaves no trace.
type memoryStore struct {
	mu sync.Mutex

	closed    bool
	accounts  map[string]Account
	costs     map[string]int64
	balances  map[balanceKey]int64
	txs       []Transaction
	seq       int64
	campaigns map[string]Campaign
	// recipients are kept in index order per campaign.
	recipients map[string][]Recipient
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		accounts:   map[string]Account{},
		costs:      map[string]int64{},
		balances:   map[balanceKey]int64{},
		campaigns:  map[string]Campaign{},
		recipients: map[string][]Recipient{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) PutAccount(ctx context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *memoryStore) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Account{}, ErrClosed
	}
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (s *memoryStore) PutUnitCost(ctx context.Context, category string, cost int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.costs[category] = cost
	return nil
}

func (s *memoryStore) UnitCost(ctx context.Context, category string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	c, ok := s.costs[category]
	if !ok {
		return 0, ErrNotFound
	}
	return c, nil
}

func (s *memoryStore) Balance(ctx context.Context, account, category string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.balances[balanceKey{account, category}], nil
}

func (s *memoryStore) Update(ctx context.Context, fn func(tx LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	tx := &memoryTx{s: s, balances: map[balanceKey]int64{}, seq: s.seq}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.balances {
		s.balances[k] = v
	}
	s.txs = append(s.txs, tx.rows...)
	s.seq = tx.seq
	for _, c := range tx.campaigns {
		s.campaigns[c.ID] = c
		s.recipients[c.ID] = tx.recipients[c.ID]
	}
	return nil
}

func (s *memoryStore) ListTransactions(ctx context.Context, q TxQuery) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Transaction, 0)
	// txs is append-only in Seq order, so binary search for the cursor.
	i := sort.Search(len(s.txs), func(i int) bool { return s.txs[i].Seq > q.AfterSeq })
	for ; i < len(s.txs); i++ {
		t := s.txs[i]
		if q.Account != "" && t.Account != q.Account {
			continue
		}
		if !q.Filter.match(t) {
			continue
		}
		out = append(out, t)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

type memoryTx struct {
	s          *memoryStore
	balances   map[balanceKey]int64
	rows       []Transaction
	seq        int64
	campaigns  []Campaign
	recipients map[string][]Recipient
}

func (t *memoryTx) Balance(account, category string) (int64, bool, error) {
	k := balanceKey{account, category}
	if v, ok := t.balances[k]; ok {
		return v, true, nil
	}
	v, ok := t.s.balances[k]
	return v, ok, nil
}

func (t *memoryTx) SetBalance(account, category string, balance int64) error {
	t.balances[balanceKey{account, category}] = balance
	return nil
}

func (t *memoryTx) Append(row Transaction) (Transaction, error) {
	t.seq++
	row.Seq = t.seq
	t.rows = append(t.rows, row)
	return row, nil
}

func (t *memoryTx) FindByReference(kind TxKind, reference string) ([]Transaction, error) {
	var out []Transaction
	for _, r := range t.s.txs {
		if r.Kind == kind && r.ReferenceID == reference {
			out = append(out, r)
		}
	}
	for _, r := range t.rows {
		if r.Kind == kind && r.ReferenceID == reference {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memoryTx) CreateCampaign(c Campaign, recipients []Recipient) error {
	if _, dup := t.s.campaigns[c.ID]; dup {
		return errors.New("campaign " + c.ID + " already exists")
	}
	rs := make([]Recipient, len(recipients))
	for i, r := range recipients {
		r.CampaignID = c.ID
		r.Index = i
		rs[i] = cloneRecipient(r)
	}
	if t.recipients == nil {
		t.recipients = map[string][]Recipient{}
	}
	t.campaigns = append(t.campaigns, cloneCampaign(c))
	t.recipients[c.ID] = rs
	return nil
}

func (s *memoryStore) UpdateCampaign(ctx context.Context, c Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.campaigns[c.ID]; !ok {
		return ErrNotFound
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (s *memoryStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Campaign{}, ErrClosed
	}
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (s *memoryStore) ListCampaigns(ctx context.Context, q CampaignQuery) ([]Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Campaign, 0)
	for _, c := range s.campaigns {
		if q.Owner != "" && c.Owner != q.Owner {
			continue
		}
		if len(q.Statuses) > 0 && !containsFold(q.Statuses, c.Status) {
			continue
		}
		if !q.DueBefore.IsZero() && c.ScheduleAt.After(q.DueBefore) {
			continue
		}
		out = append(out, cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memoryStore) SaveRecipient(ctx context.Context, r Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rs, ok := s.recipients[r.CampaignID]
	if !ok || r.Index < 0 || r.Index >= len(rs) {
		return ErrNotFound
	}
	rs[r.Index] = cloneRecipient(r)
	return nil
}

func (s *memoryStore) ListRecipients(ctx context.Context, campaignID string) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rs, ok := s.recipients[campaignID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Recipient, len(rs))
	for i, r := range rs {
		out[i] = cloneRecipient(r)
	}
	return out, nil
}

func cloneCampaign(c Campaign) Campaign {
	c.Payload = append([]byte(nil), c.Payload...)
	c.InstancePool = append([]string(nil), c.InstancePool...)
	return c
}

func cloneRecipient(r Recipient) Recipient {
	r.MessageIDs = append([]string(nil), r.MessageIDs...)
	return r
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
