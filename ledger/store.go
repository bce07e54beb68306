/*
store.go - Persistence interfaces for members, balances and the journal

PURPOSE:
  Defines the interface between the settlement engine and the database.
  Implementations: store/sqlite (production) and ledger/store (in-memory,
  for tests and dev).

KEY INTERFACES:
  MemberStore:  Member records and credentials
  BalanceStore: The four per-member aggregates, mutated via atomic
                conditional operations
  JournalStore: Append-only sale journal with payment status transitions
  Store:        All of the above plus WithTx for atomic multi-write

ATOMIC CONDITIONAL UPDATES:
  Every balance mutation is expressed as "remove/insert this exact entry,
  succeeding only if it is (still) present" rather than read-modify-write.
  Concurrent winners/losers are decided by the store: the loser gets
  ErrObligationNotFound, never a double-credit or corrupted list.

MATCHING POLICY:
  Balance entries are located by (counterparty, amount) with amounts in
  canonical form (ledger.Canon). When several entries share counterparty
  and amount, the first in insertion order is used.

WITHTX:
  The settlement engine wraps each operation in WithTx so the balance
  mutation and the journal transition commit or roll back as one unit.
  Journal transition misses inside a committed operation are soft
  failures (logged by the engine) - the Balance Ledger is authoritative,
  the journal must only eventually agree.

SEE ALSO:
  - store/sqlite/sqlite.go: Production implementation
  - ledger/store/memory.go: In-memory implementation
  - settlement/engine.go: The only writer of balance state
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMBER STORE
// =============================================================================

// MemberStore handles member records. Members are created at onboarding
// and never deleted; reset only empties their ledger fields.
type MemberStore interface {
	// GetMember returns a member with all three balance lists populated
	// in insertion order. Returns ErrMemberNotFound if absent.
	GetMember(ctx context.Context, id MemberID) (*Member, error)

	// ListMembers returns all members ordered by join date.
	ListMembers(ctx context.Context) ([]Member, error)

	// CreateMember inserts a new member with a bcrypt password hash.
	CreateMember(ctx context.Context, m Member, passwordHash string) error

	// Credentials returns the member and password hash for an email.
	// Returns ErrMemberNotFound if no such member exists.
	Credentials(ctx context.Context, email string) (*Member, string, error)
}

// =============================================================================
// BALANCE STORE - The Balance Ledger primitives
// =============================================================================

// BalanceStore owns the per-member aggregates. All lookups use the
// (counterparty, amount) matching policy described above.
type BalanceStore interface {
	// Credit increases a member's totalProfit. The amount has already
	// been validated non-negative by the engine.
	Credit(ctx context.Context, id MemberID, amount decimal.Decimal) error

	// AddObligation appends the paymentsDue entry on the payer and its
	// mirrored paymentsReceivable entry on the payee as one pair.
	AddObligation(ctx context.Context, payer, payee MemberID, amount decimal.Decimal) error

	// HasDue reports whether payer owes payee the exact amount.
	HasDue(ctx context.Context, payer, payee MemberID, amount decimal.Decimal) (bool, error)

	// HasApproval reports whether payee already holds a pending approval
	// from payer for the exact amount. Used for idempotent requests.
	HasApproval(ctx context.Context, payee, payer MemberID, amount decimal.Decimal) (bool, error)

	// AddApproval appends a pendingPaymentApprovals entry on the payee.
	// The receivable entry itself stays until settlement.
	AddApproval(ctx context.Context, payee, payer MemberID, amount decimal.Decimal, requestedAt time.Time) error

	// Settle atomically removes the matching pendingPaymentApprovals and
	// paymentsReceivable entries from the payee, the matching paymentsDue
	// entry from the payer, and credits the payee's totalProfit.
	// Returns ErrObligationNotFound if no pending approval matches, and
	// ErrInvariantViolation if the approval exists but its mirrored
	// due/receivable entries are gone.
	Settle(ctx context.Context, payer, payee MemberID, amount decimal.Decimal) error

	// CancelApproval removes only the pendingPaymentApprovals entry,
	// leaving due/receivable intact. Returns ErrObligationNotFound if
	// no entry matches.
	CancelApproval(ctx context.Context, payee, payer MemberID, amount decimal.Decimal) error

	// ResetBalances zeroes totalProfit and empties the three lists of
	// one member. Idempotent.
	ResetBalances(ctx context.Context, id MemberID) error
}

// =============================================================================
// JOURNAL STORE - Append-only sale record
// =============================================================================

// JournalStore appends sale transactions and transitions their embedded
// payment sub-records. The Mark* methods return (matched, err): a false
// match with nil error means the expected (from, to, amount, status)
// payment was absent - tolerated journal staleness, never fatal.
type JournalStore interface {
	// AppendTransaction persists a new transaction with all payments pending.
	AppendTransaction(ctx context.Context, tx SaleTransaction) error

	// MarkRequested transitions the oldest matching pending payment to
	// approval_requested and stamps requestedAt.
	MarkRequested(ctx context.Context, payer, payee MemberID, amount decimal.Decimal, at time.Time) (bool, error)

	// MarkPaid transitions the oldest matching approval_requested payment
	// to paid and stamps paidAt.
	MarkPaid(ctx context.Context, payer, payee MemberID, amount decimal.Decimal, at time.Time) (bool, error)

	// MarkReverted transitions the oldest matching approval_requested
	// payment back to pending and clears requestedAt.
	MarkReverted(ctx context.Context, payer, payee MemberID, amount decimal.Decimal) (bool, error)

	// ListTransactions returns the journal, newest first, narrowed by filter.
	ListTransactions(ctx context.Context, f JournalFilter) ([]SaleTransaction, error)

	// MemberTransactions returns every transaction touching the member,
	// as seller or as either payment party, newest first.
	MemberTransactions(ctx context.Context, id MemberID) ([]SaleTransaction, error)

	// DerivedProfit recomputes a member's profit purely from the journal:
	// seller shares of their own sales plus every payment to them marked
	// paid. Consistency check against the balance-side totalProfit.
	DerivedProfit(ctx context.Context, id MemberID) (decimal.Decimal, error)

	// ResetJournal deletes all transactions. Full-system reset only.
	ResetJournal(ctx context.Context) error
}

// =============================================================================
// STORE - Everything, transactionally
// =============================================================================

// Store combines all persistence interfaces with transaction support.
type Store interface {
	MemberStore
	BalanceStore
	JournalStore

	// WithTx executes fn atomically. If fn returns an error, every write
	// it performed is rolled back. Nested WithTx is not supported.
	WithTx(ctx context.Context, fn func(Store) error) error
}
