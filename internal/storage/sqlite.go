package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"campaignd/internal/auth"
	logx "campaignd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; ledger updates rely on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutAccount(ctx context.Context, a Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, role, parent_id, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET role=excluded.role, parent_id=excluded.parent_id`,
		a.ID, string(a.Role), nullStr(a.ParentID), fmtTime(a.CreatedAt),
	)
	return err
}

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (Account, error) {
	var (
		a       Account
		role    string
		parent  sql.NullString
		created string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, role, parent_id, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &role, &parent, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	a.Role = auth.Role(role)
	a.ParentID = parent.String
	a.CreatedAt = parseTime(created)
	return a, nil
}

func (s *sqliteStore) PutUnitCost(ctx context.Context, category string, cost int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unit_costs(category, unit_cost) VALUES(?,?)
		 ON CONFLICT(category) DO UPDATE SET unit_cost=excluded.unit_cost`,
		category, cost,
	)
	return err
}

func (s *sqliteStore) UnitCost(ctx context.Context, category string) (int64, error) {
	var c int64
	err := s.db.QueryRowContext(ctx, `SELECT unit_cost FROM unit_costs WHERE category = ?`, category).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) Balance(ctx context.Context, account, category string) (int64, error) {
	var b int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE account_id = ? AND category = ?`, account, category).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return b, err
}

func (s *sqliteStore) Update(ctx context.Context, fn func(tx LedgerTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListTransactions(ctx context.Context, q TxQuery) ([]Transaction, error) {
	var (
		where = []string{"seq > ?"}
		args  = []any{q.AfterSeq}
	)
	if q.Account != "" {
		where = append(where, "account = ?")
		args = append(args, q.Account)
	}
	if q.Filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Filter.Category)
	}
	if q.Filter.ReferenceID != "" {
		where = append(where, "reference_id = ?")
		args = append(args, q.Filter.ReferenceID)
	}
	if !q.Filter.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, fmtTime(q.Filter.Since))
	}
	if !q.Filter.Until.IsZero() {
		where = append(where, "at < ?")
		args = append(args, fmtTime(q.Filter.Until))
	}
	if len(q.Filter.Kinds) > 0 {
		ph := make([]string, len(q.Filter.Kinds))
		for i, k := range q.Filter.Kinds {
			ph[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(ph, ",")+")")
	}
	query := `SELECT seq, id, reference_id, kind, from_account, to_account, account, category, amount, delta, at, description
		FROM transactions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]Transaction, error) {
	out := make([]Transaction, 0)
	for rows.Next() {
		var (
			t        Transaction
			kind, at string
			from, to sql.NullString
			desc     sql.NullString
		)
		if err := rows.Scan(&t.Seq, &t.ID, &t.ReferenceID, &kind, &from, &to, &t.Account, &t.Category, &t.Amount, &t.Delta, &at, &desc); err != nil {
			return nil, err
		}
		t.Kind = TxKind(kind)
		t.From = from.String
		t.To = to.String
		t.At = parseTime(at)
		t.Description = desc.String
		out = append(out, t)
	}
	return out, rows.Err()
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Balance(account, category string) (int64, bool, error) {
	var b int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT balance FROM credit_accounts WHERE account_id = ? AND category = ?`, account, category).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return b, true, nil
}

func (t *sqliteTx) SetBalance(account, category string, balance int64) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO credit_accounts(account_id, category, balance, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(account_id, category) DO UPDATE SET balance=excluded.balance, updated_at=excluded.updated_at`,
		account, category, balance, fmtTime(time.Now()),
	)
	return err
}

func (t *sqliteTx) Append(row Transaction) (Transaction, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO transactions(id, reference_id, kind, from_account, to_account, account, category, amount, delta, at, description)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		row.ID, row.ReferenceID, string(row.Kind), nullStr(row.From), nullStr(row.To), row.Account, row.Category,
		row.Amount, row.Delta, fmtTime(row.At), nullStr(row.Description),
	)
	if err != nil {
		return Transaction{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Transaction{}, err
	}
	row.Seq = seq
	return row, nil
}

func (t *sqliteTx) FindByReference(kind TxKind, reference string) ([]Transaction, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT seq, id, reference_id, kind, from_account, to_account, account, category, amount, delta, at, description
		 FROM transactions WHERE kind = ? AND reference_id = ? ORDER BY seq ASC`, string(kind), reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (t *sqliteTx) CreateCampaign(c Campaign, recipients []Recipient) error {
	pool, err := json.Marshal(c.InstancePool)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO campaigns(id, owner, name, category, kind, payload, status, unit_cost, reserved, refunded, pacing_ms,
			schedule_at, instance_strategy, instance_pool, bound_instance, retry_of, last_error, created_at, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Owner, nullStr(c.Name), c.Category, c.Kind, c.Payload, c.Status, c.UnitCost, c.Reserved, c.Refunded,
		c.Pacing.Milliseconds(), fmtTimeOpt(c.ScheduleAt), c.InstanceStrategy, string(pool), nullStr(c.BoundInstance),
		nullStr(c.RetryOf), nullStr(c.LastError), fmtTime(c.CreatedAt), fmtTimeOpt(c.StartedAt), fmtTimeOpt(c.FinishedAt),
	)
	if err != nil {
		return err
	}
	stmt, err := t.tx.PrepareContext(t.ctx,
		`INSERT INTO recipients(campaign_id, idx, raw, chat_id, status, retry_count, last_error, error_code, instance, message_ids, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range recipients {
		ids, err := json.Marshal(r.MessageIDs)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(t.ctx, c.ID, i, r.Raw, r.ChatID, r.Status, r.RetryCount, nullStr(r.LastError),
			nullStr(r.ErrorCode), nullStr(r.Instance), string(ids), fmtTime(orNow(r.UpdatedAt))); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) UpdateCampaign(ctx context.Context, c Campaign) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status=?, refunded=?, last_error=?, started_at=?, finished_at=? WHERE id=?`,
		c.Status, c.Refunded, nullStr(c.LastError), fmtTimeOpt(c.StartedAt), fmtTimeOpt(c.FinishedAt), c.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const campaignColumns = `id, owner, name, category, kind, payload, status, unit_cost, reserved, refunded, pacing_ms,
	schedule_at, instance_strategy, instance_pool, bound_instance, retry_of, last_error, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(r rowScanner) (Campaign, error) {
	var (
		c                             Campaign
		name, bound, retryOf, lastErr sql.NullString
		scheduleAt, started, finished sql.NullString
		pool                          sql.NullString
		created                       string
		pacingMS                      int64
	)
	if err := r.Scan(&c.ID, &c.Owner, &name, &c.Category, &c.Kind, &c.Payload, &c.Status, &c.UnitCost, &c.Reserved,
		&c.Refunded, &pacingMS, &scheduleAt, &c.InstanceStrategy, &pool, &bound, &retryOf, &lastErr, &created,
		&started, &finished); err != nil {
		return Campaign{}, err
	}
	c.Name = name.String
	c.BoundInstance = bound.String
	c.RetryOf = retryOf.String
	c.LastError = lastErr.String
	c.Pacing = time.Duration(pacingMS) * time.Millisecond
	c.ScheduleAt = parseTime(scheduleAt.String)
	c.CreatedAt = parseTime(created)
	c.StartedAt = parseTime(started.String)
	c.FinishedAt = parseTime(finished.String)
	if pool.String != "" {
		if err := json.Unmarshal([]byte(pool.String), &c.InstancePool); err != nil {
			return Campaign{}, fmt.Errorf("campaign %s: instance_pool: %w", c.ID, err)
		}
	}
	return c, nil
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) ListCampaigns(ctx context.Context, q CampaignQuery) ([]Campaign, error) {
	var (
		where []string
		args  []any
	)
	if q.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, q.Owner)
	}
	if len(q.Statuses) > 0 {
		ph := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			ph[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if !q.DueBefore.IsZero() {
		where = append(where, "(schedule_at IS NULL OR schedule_at <= ?)")
		args = append(args, fmtTime(q.DueBefore))
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveRecipient(ctx context.Context, r Recipient) error {
	ids, err := json.Marshal(r.MessageIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET chat_id=?, status=?, retry_count=?, last_error=?, error_code=?, instance=?, message_ids=?, updated_at=?
		 WHERE campaign_id=? AND idx=?`,
		r.ChatID, r.Status, r.RetryCount, nullStr(r.LastError), nullStr(r.ErrorCode), nullStr(r.Instance), string(ids),
		fmtTime(orNow(r.UpdatedAt)), r.CampaignID, r.Index,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListRecipients(ctx context.Context, campaignID string) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, raw, chat_id, status, retry_count, last_error, error_code, instance, message_ids, updated_at
		 FROM recipients WHERE campaign_id = ? ORDER BY idx ASC`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Recipient, 0)
	for rows.Next() {
		var (
			r             Recipient
			lastErr, code sql.NullString
			instance, ids sql.NullString
			updated       string
		)
		if err := rows.Scan(&r.Index, &r.Raw, &r.ChatID, &r.Status, &r.RetryCount, &lastErr, &code, &instance, &ids, &updated); err != nil {
			return nil, err
		}
		r.CampaignID = campaignID
		r.LastError = lastErr.String
		r.ErrorCode = code.String
		r.Instance = instance.String
		r.UpdatedAt = parseTime(updated)
		if ids.String != "" && ids.String != "null" {
			if err := json.Unmarshal([]byte(ids.String), &r.MessageIDs); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.GetCampaign(ctx, campaignID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimeOpt(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
