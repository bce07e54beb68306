/*
journal.go - SQLite implementation of the Transaction Journal

PURPOSE:
  Append-only record of each sale and the per-payment state of its
  distribution. The journal is never the source of truth for balances;
  the status transitions here mirror what the Balance Ledger already
  decided, which is why the Mark* methods report a miss instead of
  failing.

STATUS TRANSITIONS:
  pending -> approval_requested   (MarkRequested, stamps requested_at)
  approval_requested -> paid      (MarkPaid, stamps paid_at, terminal)
  approval_requested -> pending   (MarkReverted, clears requested_at)

  Each transition targets the OLDEST payment row matching
  (from_member, to_member, amount, expected status), via the same
  conditional-update shape the balance side uses.

SEE ALSO:
  - sqlite.go: Store type, schema, balance primitives
  - ledger/store.go: JournalStore contract
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crewshare/settlement-engine/ledger"
)

// =============================================================================
// JOURNAL STORE (ledger.JournalStore)
// =============================================================================

// AppendTransaction persists a new transaction and its payment rows.
func (s *Store) AppendTransaction(ctx context.Context, tx ledger.SaleTransaction) error {
	if !s.inTx() {
		return s.WithTx(ctx, func(st ledger.Store) error { return st.AppendTransaction(ctx, tx) })
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO transactions (id, product_id, seller_id, selling_price, cost_price, profit, profit_per_member, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.ProductID, string(tx.Seller),
		ledger.Canon(tx.SellingPrice), ledger.Canon(tx.CostPrice),
		ledger.Canon(tx.Profit), ledger.Canon(tx.ProfitPerMember),
		tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("%w: append transaction: %v", ledger.ErrStorage, err)
	}

	for _, p := range tx.Payments {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO transaction_payments (id, transaction_id, from_member, to_member, amount, status, requested_at, paid_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, tx.ID, string(p.FromMember), string(p.ToMember),
			ledger.Canon(p.Amount), string(p.Status),
			nullTime(p.RequestedAt), nullTime(p.PaidAt),
		)
		if err != nil {
			return fmt.Errorf("%w: append payment: %v", ledger.ErrStorage, err)
		}
	}
	return nil
}

// MarkRequested transitions the oldest matching pending payment.
func (s *Store) MarkRequested(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal, at time.Time) (bool, error) {
	return s.transition(ctx,
		"SET status = ?, requested_at = ?",
		[]any{string(ledger.StatusApprovalRequested), at.UTC().Format(time.RFC3339)},
		payer, payee, amount, ledger.StatusPending)
}

// MarkPaid transitions the oldest matching approval_requested payment.
func (s *Store) MarkPaid(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal, at time.Time) (bool, error) {
	return s.transition(ctx,
		"SET status = ?, paid_at = ?",
		[]any{string(ledger.StatusPaid), at.UTC().Format(time.RFC3339)},
		payer, payee, amount, ledger.StatusApprovalRequested)
}

// MarkReverted moves the oldest matching approval_requested payment back
// to pending and clears its request stamp.
func (s *Store) MarkReverted(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) (bool, error) {
	return s.transition(ctx,
		"SET status = ?, requested_at = NULL",
		[]any{string(ledger.StatusPending)},
		payer, payee, amount, ledger.StatusApprovalRequested)
}

func (s *Store) transition(ctx context.Context, set string, setArgs []any, payer, payee ledger.MemberID, amount decimal.Decimal, expect ledger.PaymentStatus) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE transaction_payments %s
		WHERE id = (
			SELECT id FROM transaction_payments
			WHERE from_member = ? AND to_member = ? AND amount = ? AND status = ?
			ORDER BY rowid ASC LIMIT 1
		)`, set)

	args := append(setArgs, string(payer), string(payee), ledger.Canon(amount), string(expect))
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%w: payment transition: %v", ledger.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ledger.ErrStorage, err)
	}
	return n > 0, nil
}

// =============================================================================
// JOURNAL QUERIES
// =============================================================================

// GetTransaction returns one journal transaction with its payments.
func (s *Store) GetTransaction(ctx context.Context, id string) (*ledger.SaleTransaction, error) {
	txs, err := s.queryTransactions(ctx,
		"SELECT "+transactionColumns+" FROM transactions t WHERE t.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ledger.ErrTransactionNotFound
	}
	return &txs[0], nil
}

// ListTransactions returns the journal, newest first, narrowed by filter.
func (s *Store) ListTransactions(ctx context.Context, f ledger.JournalFilter) ([]ledger.SaleTransaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions t WHERE 1=1"
	var args []any

	if f.SellerID != "" {
		query += " AND t.seller_id = ?"
		args = append(args, string(f.SellerID))
	}
	if f.ProductID != "" {
		query += " AND t.product_id = ?"
		args = append(args, f.ProductID)
	}
	if f.Status != "" {
		query += " AND EXISTS (SELECT 1 FROM transaction_payments p WHERE p.transaction_id = t.id AND p.status = ?)"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY t.created_at DESC, t.id DESC"

	return s.queryTransactions(ctx, query, args...)
}

// MemberTransactions returns every transaction touching the member.
func (s *Store) MemberTransactions(ctx context.Context, id ledger.MemberID) ([]ledger.SaleTransaction, error) {
	query := "SELECT " + transactionColumns + ` FROM transactions t
		WHERE t.seller_id = ?
		   OR EXISTS (SELECT 1 FROM transaction_payments p
		              WHERE p.transaction_id = t.id
		                AND (p.from_member = ? OR p.to_member = ?))
		ORDER BY t.created_at DESC, t.id DESC`
	return s.queryTransactions(ctx, query, string(id), string(id), string(id))
}

// DerivedProfit recomputes a member's profit purely from the journal.
func (s *Store) DerivedProfit(ctx context.Context, id ledger.MemberID) (decimal.Decimal, error) {
	total := decimal.Zero

	rows, err := s.q.QueryContext(ctx,
		"SELECT profit_per_member FROM transactions WHERE seller_id = ?", string(id))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: derived profit: %v", ledger.ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var share string
		if err := rows.Scan(&share); err != nil {
			return decimal.Zero, fmt.Errorf("%w: scan share: %v", ledger.ErrStorage, err)
		}
		d, err := decimal.NewFromString(share)
		if err != nil {
			return decimal.Zero, &ledger.InvariantError{Message: fmt.Sprintf("malformed profit_per_member %q", share)}
		}
		total = total.Add(d)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: derived profit: %v", ledger.ErrStorage, err)
	}

	rows, err = s.q.QueryContext(ctx,
		"SELECT amount FROM transaction_payments WHERE to_member = ? AND status = ?",
		string(id), string(ledger.StatusPaid))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: derived profit: %v", ledger.ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("%w: scan paid amount: %v", ledger.ErrStorage, err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, &ledger.InvariantError{Message: fmt.Sprintf("malformed payment amount %q", amount)}
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

// ResetJournal deletes all transactions. Full-system reset only.
func (s *Store) ResetJournal(ctx context.Context) error {
	if !s.inTx() {
		return s.WithTx(ctx, func(st ledger.Store) error { return st.ResetJournal(ctx) })
	}
	if _, err := s.q.ExecContext(ctx, "DELETE FROM transaction_payments"); err != nil {
		return fmt.Errorf("%w: reset payments: %v", ledger.ErrStorage, err)
	}
	if _, err := s.q.ExecContext(ctx, "DELETE FROM transactions"); err != nil {
		return fmt.Errorf("%w: reset transactions: %v", ledger.ErrStorage, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

const transactionColumns = "t.id, t.product_id, t.seller_id, t.selling_price, t.cost_price, t.profit, t.profit_per_member, t.created_at"

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.SaleTransaction, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query transactions: %v", ledger.ErrStorage, err)
	}
	defer rows.Close()

	var txs []ledger.SaleTransaction
	for rows.Next() {
		var (
			tx                                   ledger.SaleTransaction
			seller                               string
			price, cost, profit, share, createdAt string
		)
		if err := rows.Scan(&tx.ID, &tx.ProductID, &seller, &price, &cost, &profit, &share, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan transaction: %v", ledger.ErrStorage, err)
		}
		tx.Seller = ledger.MemberID(seller)
		if tx.SellingPrice, err = decimal.NewFromString(price); err != nil {
			return nil, &ledger.InvariantError{Message: fmt.Sprintf("malformed selling_price %q", price)}
		}
		if tx.CostPrice, err = decimal.NewFromString(cost); err != nil {
			return nil, &ledger.InvariantError{Message: fmt.Sprintf("malformed cost_price %q", cost)}
		}
		if tx.Profit, err = decimal.NewFromString(profit); err != nil {
			return nil, &ledger.InvariantError{Message: fmt.Sprintf("malformed profit %q", profit)}
		}
		if tx.ProfitPerMember, err = decimal.NewFromString(share); err != nil {
			return nil, &ledger.InvariantError{Message: fmt.Sprintf("malformed profit_per_member %q", share)}
		}
		if tx.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, &ledger.InvariantError{Message: fmt.Sprintf("malformed created_at %q", createdAt)}
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query transactions: %v", ledger.ErrStorage, err)
	}

	for i := range txs {
		if err := s.loadPayments(ctx, &txs[i]); err != nil {
			return nil, err
		}
	}
	return txs, nil
}

func (s *Store) loadPayments(ctx context.Context, tx *ledger.SaleTransaction) error {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, from_member, to_member, amount, status, requested_at, paid_at
		FROM transaction_payments WHERE transaction_id = ? ORDER BY rowid ASC`, tx.ID)
	if err != nil {
		return fmt.Errorf("%w: load payments: %v", ledger.ErrStorage, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p                    ledger.Payment
			from, to, amount, st string
			requested, paid      sql.NullString
		)
		if err := rows.Scan(&p.ID, &from, &to, &amount, &st, &requested, &paid); err != nil {
			return fmt.Errorf("%w: scan payment: %v", ledger.ErrStorage, err)
		}
		p.FromMember = ledger.MemberID(from)
		p.ToMember = ledger.MemberID(to)
		p.Status = ledger.PaymentStatus(st)
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return &ledger.InvariantError{Message: fmt.Sprintf("malformed payment amount %q", amount)}
		}
		if p.RequestedAt, err = parseNullTime(requested); err != nil {
			return &ledger.InvariantError{Message: fmt.Sprintf("malformed requested_at %q", requested.String)}
		}
		if p.PaidAt, err = parseNullTime(paid); err != nil {
			return &ledger.InvariantError{Message: fmt.Sprintf("malformed paid_at %q", paid.String)}
		}
		tx.Payments = append(tx.Payments, p)
	}
	return rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
