/*
Package sqlite provides the SQLite-backed implementation of ledger.Store.

PURPOSE:
  Implements member records, the Balance Ledger aggregates, the sale
  journal and the product catalog on SQLite. The same SQL shapes apply
  to PostgreSQL with minor dialect changes.

KEY TABLES:
  members:              One row per partner, total_profit as decimal text
  payments_due:         Obligations the member owes (insertion-ordered)
  payments_receivable:  Mirrored entries on the payee side
  pending_approvals:    Claimed-paid receivables awaiting confirmation
  transactions:         Immutable journal of sales
  transaction_payments: Embedded payment sub-records with status
  products:             Catalog feeding RecordSale

ATOMIC CONDITIONAL UPDATES:
  Every balance mutation targets one exact row and checks RowsAffected:

    DELETE FROM pending_approvals WHERE id =
      (SELECT id FROM pending_approvals
        WHERE member_id=? AND from_member=? AND amount=?
        ORDER BY id LIMIT 1)

  Zero rows affected means the precondition no longer holds - the caller
  lost the race or the obligation never existed. No read-modify-write
  outside a transaction, no race window.

CONCURRENCY:
  The database is opened in WAL mode with immediate write transactions
  (_txlock=immediate) and a busy timeout. There is no process-wide
  mutex: per-obligation linearization comes from the conditional
  updates, and WithTx serializes multi-statement operations at the
  database level.

MATCHING POLICY:
  Amounts are stored in canonical decimal text (ledger.Canon) and
  matched by string equality. When several rows share counterparty and
  amount, ORDER BY id LIMIT 1 picks the oldest (insertion order).

SEE ALSO:
  - ledger/store.go: Interface contracts
  - journal.go: JournalStore implementation
  - catalog.go: Product catalog
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/crewshare/settlement-engine/ledger"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.Store plus the product catalog.
type Store struct {
	db *sql.DB
	q  queryer // db outside a transaction, tx inside
}

var _ ledger.Store = (*Store)(nil)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each pooled connection to :memory: would get its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, q: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx() bool {
	_, isDB := s.q.(*sql.DB)
	return !isDB
}

// WithTx executes fn within an immediate database transaction.
// Nested WithTx runs fn against the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.inTx() {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ledger.ErrStorage, err)
	}
	defer tx.Rollback()

	view := &Store{db: s.db, q: tx}
	if err := fn(view); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ledger.ErrStorage, err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Members (one per partner, never deleted)
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		profile_image TEXT NOT NULL DEFAULT '',
		total_profit TEXT NOT NULL DEFAULT '0',
		joined_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Obligations the member owes others (insertion-ordered by id)
	CREATE TABLE IF NOT EXISTS payments_due (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		member_id TEXT NOT NULL REFERENCES members(id),
		to_member TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_due_match
		ON payments_due(member_id, to_member, amount);

	-- Mirrored entries on the payee side
	CREATE TABLE IF NOT EXISTS payments_receivable (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		member_id TEXT NOT NULL REFERENCES members(id),
		from_member TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receivable_match
		ON payments_receivable(member_id, from_member, amount);

	-- Claimed-paid receivables awaiting the payee's confirmation
	CREATE TABLE IF NOT EXISTS pending_approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		member_id TEXT NOT NULL REFERENCES members(id),
		from_member TEXT NOT NULL,
		amount TEXT NOT NULL,
		requested_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approval_match
		ON pending_approvals(member_id, from_member, amount);

	-- Sale journal (immutable; deleted only by full reset)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL DEFAULT '',
		seller_id TEXT NOT NULL,
		selling_price TEXT NOT NULL,
		cost_price TEXT NOT NULL,
		profit TEXT NOT NULL,
		profit_per_member TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_seller
		ON transactions(seller_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_created
		ON transactions(created_at DESC);

	-- Embedded payment sub-records (status is the only mutable field)
	CREATE TABLE IF NOT EXISTS transaction_payments (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
		from_member TEXT NOT NULL,
		to_member TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		requested_at TEXT,
		paid_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_payments_match
		ON transaction_payments(from_member, to_member, amount, status);
	CREATE INDEX IF NOT EXISTS idx_payments_transaction
		ON transaction_payments(transaction_id);

	-- Product catalog
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		cost_price TEXT NOT NULL DEFAULT '0',
		selling_price TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'not_sold',
		sold_by TEXT NOT NULL DEFAULT '',
		sold_at TEXT,
		profit TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_products_status
		ON products(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// MEMBER STORE (ledger.MemberStore)
// =============================================================================

const memberColumns = "id, name, email, role, profile_image, total_profit, joined_at"

// GetMember returns a member with all three balance lists populated.
func (s *Store) GetMember(ctx context.Context, id ledger.MemberID) (*ledger.Member, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+memberColumns+" FROM members WHERE id = ?", string(id))

	m, err := scanMember(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadBalanceLists(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMembers returns all members with balances, ordered by join date.
func (s *Store) ListMembers(ctx context.Context) ([]ledger.Member, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+memberColumns+" FROM members ORDER BY joined_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("%w: list members: %v", ledger.ErrStorage, err)
	}
	defer rows.Close()

	var members []ledger.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list members: %v", ledger.ErrStorage, err)
	}

	for i := range members {
		if err := s.loadBalanceLists(ctx, &members[i]); err != nil {
			return nil, err
		}
	}
	return members, nil
}

// CreateMember inserts a new member with a bcrypt password hash.
func (s *Store) CreateMember(ctx context.Context, m ledger.Member, passwordHash string) error {
	if m.Role == "" {
		m.Role = "member"
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO members (id, name, email, password_hash, role, profile_image, total_profit, joined_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), m.Name, m.Email, passwordHash, m.Role, m.ProfileImage,
		ledger.Canon(m.TotalProfit),
		m.JoinedAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("%w: create member: %v", ledger.ErrStorage, err)
	}
	return nil
}

// Credentials returns the member and password hash for an email.
func (s *Store) Credentials(ctx context.Context, email string) (*ledger.Member, string, error) {
	var id, hash string
	err := s.q.QueryRowContext(ctx,
		"SELECT id, password_hash FROM members WHERE email = ?", email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ledger.ErrMemberNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: credentials: %v", ledger.ErrStorage, err)
	}

	m, err := s.GetMember(ctx, ledger.MemberID(id))
	if err != nil {
		return nil, "", err
	}
	return m, hash, nil
}

// CountMembers returns the number of member rows. Used by seeding.
func (s *Store) CountMembers(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM members").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count members: %v", ledger.ErrStorage, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(r rowScanner) (*ledger.Member, error) {
	var id, name, email, role, image, profit, joined string
	err := r.Scan(&id, &name, &email, &role, &image, &profit, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan member: %v", ledger.ErrStorage, err)
	}

	m := &ledger.Member{
		ID:           ledger.MemberID(id),
		Name:         name,
		Email:        email,
		Role:         role,
		ProfileImage: image,
	}
	if m.TotalProfit, err = decimal.NewFromString(profit); err != nil {
		return nil, &ledger.InvariantError{Message: fmt.Sprintf("member %s has malformed total_profit %q", id, profit)}
	}
	if m.JoinedAt, err = time.Parse(time.RFC3339, joined); err != nil {
		return nil, &ledger.InvariantError{Message: fmt.Sprintf("member %s has malformed joined_at %q", id, joined)}
	}
	return m, nil
}

func (s *Store) loadBalanceLists(ctx context.Context, m *ledger.Member) error {
	if err := s.loadDue(ctx, m); err != nil {
		return err
	}
	if err := s.loadReceivable(ctx, m); err != nil {
		return err
	}
	return s.loadApprovals(ctx, m)
}

func (s *Store) loadDue(ctx context.Context, m *ledger.Member) error {
	rows, err := s.q.QueryContext(ctx,
		"SELECT to_member, amount FROM payments_due WHERE member_id = ? ORDER BY id ASC", string(m.ID))
	if err != nil {
		return fmt.Errorf("%w: load due: %v", ledger.ErrStorage, err)
	}
	defer rows.Close()

	for rows.Next() {
		var to, amount string
		if err := rows.Scan(&to, &amount); err != nil {
			return fmt.Errorf("%w: scan due: %v", ledger.ErrStorage, err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return &ledger.InvariantError{Message: fmt.Sprintf("malformed due amount %q", amount)}
		}
		m.PaymentsDue = append(m.PaymentsDue, ledger.DueEntry{ToMember: ledger.MemberID(to), Amount: d})
	}
	return rows.Err()
}

func (s *Store) loadReceivable(ctx context.Context, m *ledger.Member) error {
	rows, err := s.q.QueryContext(ctx,
		"SELECT from_member, amount FROM payments_receivable WHERE member_id = ? ORDER BY id ASC", string(m.ID))
	if err != nil {
		return fmt.Errorf("%w: load receivable: %v", ledger.ErrStorage, err)
	}
	defer rows.Close()

	for rows.Next() {
		var from, amount string
		if err := rows.Scan(&from, &amount); err != nil {
			return fmt.Errorf("%w: scan receivable: %v", ledger.ErrStorage, err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return &ledger.InvariantError{Message: fmt.Sprintf("malformed receivable amount %q", amount)}
		}
		m.PaymentsReceivable = append(m.PaymentsReceivable, ledger.ReceivableEntry{FromMember: ledger.MemberID(from), Amount: d})
	}
	return rows.Err()
}

func (s *Store) loadApprovals(ctx context.Context, m *ledger.Member) error {
	rows, err := s.q.QueryContext(ctx,
		"SELECT from_member, amount, requested_at FROM pending_approvals WHERE member_id = ? ORDER BY id ASC", string(m.ID))
	if err != nil {
		return fmt.Errorf("%w: load approvals: %v", ledger.ErrStorage, err)
	}
	defer rows.Close()

	for rows.Next() {
		var from, amount, requested string
		if err := rows.Scan(&from, &amount, &requested); err != nil {
			return fmt.Errorf("%w: scan approval: %v", ledger.ErrStorage, err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return &ledger.InvariantError{Message: fmt.Sprintf("malformed approval amount %q", amount)}
		}
		at, err := time.Parse(time.RFC3339, requested)
		if err != nil {
			return &ledger.InvariantError{Message: fmt.Sprintf("malformed requested_at %q", requested)}
		}
		m.PendingApprovals = append(m.PendingApprovals, ledger.ApprovalEntry{FromMember: ledger.MemberID(from), Amount: d, RequestedAt: at})
	}
	return rows.Err()
}

// =============================================================================
// BALANCE STORE (ledger.BalanceStore)
// =============================================================================

// Credit increases a member's totalProfit via a compare-and-swap update.
func (s *Store) Credit(ctx context.Context, id ledger.MemberID, amount decimal.Decimal) error {
	if !s.inTx() {
		return s.WithTx(ctx, func(st ledger.Store) error { return st.Credit(ctx, id, amount) })
	}

	var current string
	err := s.q.QueryRowContext(ctx,
		"SELECT total_profit FROM members WHERE id = ?", string(id)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrMemberNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: credit read: %v", ledger.ErrStorage, err)
	}

	d, err := decimal.NewFromString(current)
	if err != nil {
		return &ledger.InvariantError{Message: fmt.Sprintf("member %s has malformed total_profit %q", id, current)}
	}

	res, err := s.q.ExecContext(ctx,
		"UPDATE members SET total_profit = ? WHERE id = ? AND total_profit = ?",
		ledger.Canon(d.Add(amount)), string(id), current)
	if err != nil {
		return fmt.Errorf("%w: credit write: %v", ledger.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: concurrent profit update for %s", ledger.ErrStorage, id)
	}
	return nil
}

// AddObligation appends the due/receivable pair for one obligation.
func (s *Store) AddObligation(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) error {
	if !s.inTx() {
		return s.WithTx(ctx, func(st ledger.Store) error { return st.AddObligation(ctx, payer, payee, amount) })
	}

	now := time.Now().UTC().Format(time.RFC3339)
	canon := ledger.Canon(amount)

	if _, err := s.q.ExecContext(ctx,
		"INSERT INTO payments_due (member_id, to_member, amount, created_at) VALUES (?, ?, ?, ?)",
		string(payer), string(payee), canon, now); err != nil {
		return fmt.Errorf("%w: add due: %v", ledger.ErrStorage, err)
	}
	if _, err := s.q.ExecContext(ctx,
		"INSERT INTO payments_receivable (member_id, from_member, amount, created_at) VALUES (?, ?, ?, ?)",
		string(payee), string(payer), canon, now); err != nil {
		return fmt.Errorf("%w: add receivable: %v", ledger.ErrStorage, err)
	}
	return nil
}

// HasDue reports whether payer owes payee the exact amount.
func (s *Store) HasDue(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payments_due WHERE member_id = ? AND to_member = ? AND amount = ?",
		string(payer), string(payee), ledger.Canon(amount)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: has due: %v", ledger.ErrStorage, err)
	}
	return n > 0, nil
}

// HasApproval reports whether payee holds a pending approval from payer.
func (s *Store) HasApproval(ctx context.Context, payee, payer ledger.MemberID, amount decimal.Decimal) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_approvals WHERE member_id = ? AND from_member = ? AND amount = ?",
		string(payee), string(payer), ledger.Canon(amount)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: has approval: %v", ledger.ErrStorage, err)
	}
	return n > 0, nil
}

// AddApproval appends a pending approval entry on the payee.
func (s *Store) AddApproval(ctx context.Context, payee, payer ledger.MemberID, amount decimal.Decimal, requestedAt time.Time) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO pending_approvals (member_id, from_member, amount, requested_at) VALUES (?, ?, ?, ?)",
		string(payee), string(payer), ledger.Canon(amount), requestedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: add approval: %v", ledger.ErrStorage, err)
	}
	return nil
}

// Settle removes approval + receivable from the payee and due from the
// payer, then credits the payee. Each removal is conditional on the
// exact row still being present.
func (s *Store) Settle(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) error {
	if !s.inTx() {
		return s.WithTx(ctx, func(st ledger.Store) error { return st.Settle(ctx, payer, payee, amount) })
	}

	canon := ledger.Canon(amount)

	n, err := s.deleteFirst(ctx,
		"pending_approvals", "member_id = ? AND from_member = ? AND amount = ?",
		string(payee), string(payer), canon)
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.ObligationError{Payer: payer, Payee: payee, Amount: amount, List: "pendingPaymentApprovals"}
	}

	// The approval existed, so the mirrored pair must too; a missing
	// half is corruption, not a client error.
	n, err = s.deleteFirst(ctx,
		"payments_receivable", "member_id = ? AND from_member = ? AND amount = ?",
		string(payee), string(payer), canon)
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.InvariantError{Message: fmt.Sprintf("approval without receivable: %s -> %s %s", payer, payee, canon)}
	}

	n, err = s.deleteFirst(ctx,
		"payments_due", "member_id = ? AND to_member = ? AND amount = ?",
		string(payer), string(payee), canon)
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.InvariantError{Message: fmt.Sprintf("receivable without due: %s -> %s %s", payer, payee, canon)}
	}

	return s.Credit(ctx, payee, amount)
}

// CancelApproval removes only the pending approval entry.
func (s *Store) CancelApproval(ctx context.Context, payee, payer ledger.MemberID, amount decimal.Decimal) error {
	n, err := s.deleteFirst(ctx,
		"pending_approvals", "member_id = ? AND from_member = ? AND amount = ?",
		string(payee), string(payer), ledger.Canon(amount))
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.ObligationError{Payer: payer, Payee: payee, Amount: amount, List: "pendingPaymentApprovals"}
	}
	return nil
}

// ResetBalances zeroes totalProfit and empties the three lists.
func (s *Store) ResetBalances(ctx context.Context, id ledger.MemberID) error {
	if !s.inTx() {
		return s.WithTx(ctx, func(st ledger.Store) error { return st.ResetBalances(ctx, id) })
	}

	if _, err := s.q.ExecContext(ctx,
		"UPDATE members SET total_profit = '0' WHERE id = ?", string(id)); err != nil {
		return fmt.Errorf("%w: reset profit: %v", ledger.ErrStorage, err)
	}
	for _, table := range []string{"payments_due", "payments_receivable", "pending_approvals"} {
		if _, err := s.q.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE member_id = ?", string(id)); err != nil {
			return fmt.Errorf("%w: reset %s: %v", ledger.ErrStorage, table, err)
		}
	}
	return nil
}

// deleteFirst removes the oldest row matching the condition and returns
// the number of rows affected (0 or 1).
func (s *Store) deleteFirst(ctx context.Context, table, cond string, args ...any) (int64, error) {
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE id = (SELECT id FROM %s WHERE %s ORDER BY id ASC LIMIT 1)",
		table, table, cond)
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: delete from %s: %v", ledger.ErrStorage, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", ledger.ErrStorage, err)
	}
	return n, nil
}
