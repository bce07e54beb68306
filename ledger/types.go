/*
Package ledger defines the core domain types for the partner settlement engine.

PURPOSE:
  A fixed-size partner group splits the revenue of every sale equally.
  This package holds the shared vocabulary: members with their balance
  aggregates, the immutable sale journal, and the obligation triple that
  the settlement state machine operates on.

KEY CONCEPTS IN THIS FILE (types.go):
  - Member: one partner, with totalProfit and the three obligation lists
  - SaleTransaction: immutable journal record of one sale
  - Payment: one seller-to-member obligation embedded in a transaction
  - Obligation: the (payer, payee, amount) triple identifying a debt

DESIGN PRINCIPLES:
  1. Precision: all money uses decimal.Decimal, never float64
  2. Immutability: journal records are appended once; only embedded
     payment statuses transition
  3. Value matching: balance entries are located by (counterparty, amount),
     first match in insertion order

SEE ALSO:
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
  - settlement/engine.go: The state machine driving these types
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// MemberID identifies one of the N fixed partners.
type MemberID string

// =============================================================================
// MEMBER - One partner and their balance aggregates
// =============================================================================

// Member is one partner of the group. The three lists plus TotalProfit are
// the Balance Ledger aggregates; they are mutated only by the settlement
// engine (and the explicit reset operation).
type Member struct {
	ID           MemberID
	Name         string
	Email        string
	Role         string
	ProfileImage string
	JoinedAt     time.Time

	// TotalProfit is the member's verified earnings: their own seller
	// shares plus every receivable confirmed paid. Monotonically
	// non-decreasing except for an explicit reset.
	TotalProfit decimal.Decimal

	// PaymentsDue are obligations this member owes others.
	PaymentsDue []DueEntry

	// PaymentsReceivable are amounts owed to this member, not yet
	// confirmed received. Each entry mirrors a DueEntry on the payer.
	PaymentsReceivable []ReceivableEntry

	// PendingApprovals are receivables whose payer claims to have paid,
	// awaiting this member's confirmation. The receivable entry itself
	// stays in place until settlement.
	PendingApprovals []ApprovalEntry
}

// DueEntry is a directed debt: this member owes ToMember Amount.
type DueEntry struct {
	ToMember MemberID
	Amount   decimal.Decimal
}

// ReceivableEntry mirrors a DueEntry from the payee's side.
type ReceivableEntry struct {
	FromMember MemberID
	Amount     decimal.Decimal
}

// ApprovalEntry marks a receivable as claimed-paid, awaiting confirmation.
type ApprovalEntry struct {
	FromMember  MemberID
	Amount      decimal.Decimal
	RequestedAt time.Time
}

// =============================================================================
// OBLIGATION - The unit the approval state machine operates on
// =============================================================================

// Obligation is the logical join of a DueEntry, its mirrored
// ReceivableEntry and the matching journal Payment. It is identified by
// value, not by a stored id.
type Obligation struct {
	Payer  MemberID
	Payee  MemberID
	Amount decimal.Decimal
}

// =============================================================================
// SALE EVENT - Input triggering one settlement round
// =============================================================================

// SaleEvent is the input to RecordSale. It is not stored as its own
// entity; the journal keeps the durable record.
type SaleEvent struct {
	ProductID    string
	SellerID     MemberID
	SellingPrice decimal.Decimal
	CostPrice    decimal.Decimal
}

// =============================================================================
// JOURNAL - Immutable record of one sale and its payment states
// =============================================================================

// PaymentStatus is the state of one obligation inside the journal.
type PaymentStatus string

const (
	// StatusPending: seller owes, payment not yet claimed.
	StatusPending PaymentStatus = "pending"
	// StatusApprovalRequested: seller claims paid, awaiting payee.
	StatusApprovalRequested PaymentStatus = "approval_requested"
	// StatusPaid: payee confirmed. Terminal.
	StatusPaid PaymentStatus = "paid"
)

// Payment is one seller-to-member obligation embedded in a transaction.
// The ID is synthetic (UUID) so equal-amount payments on the same
// transaction remain distinguishable in the journal.
type Payment struct {
	ID          string
	FromMember  MemberID
	ToMember    MemberID
	Amount      decimal.Decimal
	Status      PaymentStatus
	RequestedAt *time.Time
	PaidAt      *time.Time
}

// SaleTransaction is the append-only journal record of one sale.
// Identity and amounts never change after creation; only the embedded
// payment statuses transition.
type SaleTransaction struct {
	ID              string
	ProductID       string
	Seller          MemberID
	SellingPrice    decimal.Decimal
	CostPrice       decimal.Decimal
	Profit          decimal.Decimal
	ProfitPerMember decimal.Decimal
	Payments        []Payment
	CreatedAt       time.Time
}

// PaymentByID returns the embedded payment with the given id, or nil.
func (t *SaleTransaction) PaymentByID(id string) *Payment {
	for i := range t.Payments {
		if t.Payments[i].ID == id {
			return &t.Payments[i]
		}
	}
	return nil
}

// JournalFilter narrows journal queries for reporting.
type JournalFilter struct {
	SellerID  MemberID      // empty = all sellers
	ProductID string        // empty = all products
	Status    PaymentStatus // empty = all statuses (matches any embedded payment)
}
