/*
Package settlement implements the obligation state machine.

PURPOSE:
  Coordinates sale-triggered obligation creation and the three-step
  approval workflow. A sale credits the seller their share immediately,
  opens one obligation per non-seller member, and appends a journal
  record. Independent approval requests, approvals and rejections then
  drive each obligation through:

    PENDING -> APPROVAL_REQUESTED -> PAID (terminal)
                       |
                       +--> PENDING (on rejection)

TRANSACTIONAL GUARANTEES:
  Every operation runs inside Store.WithTx: the balance mutation and the
  journal transition commit or roll back as one unit. The balance side
  is authoritative; a journal transition that finds no matching payment
  is logged and tolerated, never rolled back (the journal is
  documentation, not the source of truth).

CONCURRENCY:
  Preconditions are re-checked inside the transaction via atomic
  conditional store operations, so concurrent approve/approve or
  approve/reject on the same (payer, payee, amount) triple produce
  exactly one winner; the loser observes ErrObligationNotFound.

GROUP SIZE:
  N is engine configuration. RecordSale verifies the member table holds
  exactly N rows and refuses to settle otherwise (invariant violation,
  not a partial distribution).

SEE ALSO:
  - ledger/store.go: The primitives this engine drives
  - store/sqlite/sqlite.go: Production store
  - api/handlers.go: HTTP surface
*/
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crewshare/settlement-engine/ledger"
)

// Engine drives the settlement state machine against a ledger.Store.
type Engine struct {
	store     ledger.Store
	groupSize int
	log       *slog.Logger
	now       func() time.Time
}

// New creates an engine for a group of exactly groupSize members.
func New(store ledger.Store, groupSize int) *Engine {
	return &Engine{
		store:     store,
		groupSize: groupSize,
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GroupSize returns the configured member count N.
func (e *Engine) GroupSize() int { return e.groupSize }

// =============================================================================
// RESULTS
// =============================================================================

// SaleResult is the outcome of RecordSale.
type SaleResult struct {
	SellerShare decimal.Decimal
	Transaction ledger.SaleTransaction
}

// ObligationState reports an obligation and its journal status after an
// operation.
type ObligationState struct {
	Obligation ledger.Obligation
	Status     ledger.PaymentStatus
}

// ApproveResult carries the updated balances of both parties.
type ApproveResult struct {
	Payer *ledger.Member
	Payee *ledger.Member
}

// ProfitCheck compares balance-side profit with the journal-derived value.
type ProfitCheck struct {
	MemberID ledger.MemberID
	Stored   decimal.Decimal
	Derived  decimal.Decimal
}

// Consistent reports whether the incrementally maintained totalProfit
// agrees with the journal.
func (c ProfitCheck) Consistent() bool { return c.Stored.Equal(c.Derived) }

// =============================================================================
// RECORD SALE
// =============================================================================

// RecordSale settles one sale: credits the seller their share, opens one
// obligation per non-seller member, and appends the journal record.
// All of it is applied as one atomic unit; a failing sub-step fails the
// whole sale with no partial distribution.
func (e *Engine) RecordSale(ctx context.Context, sale ledger.SaleEvent) (*SaleResult, error) {
	if sale.SellerID == "" {
		return nil, &ledger.ValidationError{Field: "sellerId", Message: "seller is required"}
	}
	if !sale.SellingPrice.IsPositive() {
		return nil, &ledger.ValidationError{Field: "sellingPrice", Message: "selling price must be positive"}
	}
	if sale.CostPrice.IsNegative() {
		return nil, &ledger.ValidationError{Field: "costPrice", Message: "cost price cannot be negative"}
	}

	share := ledger.Share(sale.SellingPrice, e.groupSize)
	now := e.now()

	var result *SaleResult
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		members, err := s.ListMembers(ctx)
		if err != nil {
			return err
		}
		if len(members) != e.groupSize {
			return &ledger.InvariantError{
				Message: fmt.Sprintf("group has %d members, engine configured for %d", len(members), e.groupSize),
			}
		}

		var seller *ledger.Member
		for i := range members {
			if members[i].ID == sale.SellerID {
				seller = &members[i]
				break
			}
		}
		if seller == nil {
			return fmt.Errorf("seller %s: %w", sale.SellerID, ledger.ErrMemberNotFound)
		}

		// Seller receives their cut immediately; it never routes through
		// the approval workflow.
		if err := s.Credit(ctx, seller.ID, share); err != nil {
			return err
		}

		payments := make([]ledger.Payment, 0, e.groupSize-1)
		for i := range members {
			if members[i].ID == seller.ID {
				continue
			}
			if err := s.AddObligation(ctx, seller.ID, members[i].ID, share); err != nil {
				return err
			}
			payments = append(payments, ledger.Payment{
				ID:         uuid.NewString(),
				FromMember: seller.ID,
				ToMember:   members[i].ID,
				Amount:     share,
				Status:     ledger.StatusPending,
			})
		}

		tx := ledger.SaleTransaction{
			ID:              uuid.NewString(),
			ProductID:       sale.ProductID,
			Seller:          seller.ID,
			SellingPrice:    sale.SellingPrice,
			CostPrice:       sale.CostPrice,
			Profit:          sale.SellingPrice.Sub(sale.CostPrice),
			ProfitPerMember: share,
			Payments:        payments,
			CreatedAt:       now,
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		result = &SaleResult{SellerShare: share, Transaction: tx}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("sale recorded",
		"seller", sale.SellerID,
		"product", sale.ProductID,
		"selling_price", sale.SellingPrice,
		"share", share,
		"transaction", result.Transaction.ID,
	)
	return result, nil
}

// =============================================================================
// REQUEST APPROVAL
// =============================================================================

// RequestApproval is the payer claiming an obligation paid. The payee
// gains a pending approval entry; the matching journal payment moves to
// approval_requested. Repeating the call while already requested is a
// no-op success - the approval entry is never duplicated.
func (e *Engine) RequestApproval(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) (*ObligationState, error) {
	if err := validateParties(payer, payee, amount); err != nil {
		return nil, err
	}

	now := e.now()
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		if err := membersExist(ctx, s, payer, payee); err != nil {
			return err
		}

		has, err := s.HasDue(ctx, payer, payee, amount)
		if err != nil {
			return err
		}
		if !has {
			return &ledger.ObligationError{Payer: payer, Payee: payee, Amount: amount, List: "paymentsDue"}
		}

		// Duplicate detection by triple: already requested means done.
		requested, err := s.HasApproval(ctx, payee, payer, amount)
		if err != nil {
			return err
		}
		if requested {
			return nil
		}

		if err := s.AddApproval(ctx, payee, payer, amount, now); err != nil {
			return err
		}

		matched, err := s.MarkRequested(ctx, payer, payee, amount, now)
		if err != nil {
			return err
		}
		if !matched {
			e.log.Warn("journal has no pending payment for approval request",
				"payer", payer, "payee", payee, "amount", amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &ObligationState{
		Obligation: ledger.Obligation{Payer: payer, Payee: payee, Amount: amount},
		Status:     ledger.StatusApprovalRequested,
	}, nil
}

// =============================================================================
// APPROVE
// =============================================================================

// Approve is the payee confirming receipt. Settles the obligation on the
// balance side (removes due/receivable/approval, credits the payee) and
// marks the journal payment paid. This is the only operation that
// increases a non-seller member's totalProfit.
func (e *Engine) Approve(ctx context.Context, payee, payer ledger.MemberID, amount decimal.Decimal) (*ApproveResult, error) {
	if err := validateParties(payer, payee, amount); err != nil {
		return nil, err
	}

	now := e.now()
	var result *ApproveResult
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		if err := membersExist(ctx, s, payer, payee); err != nil {
			return err
		}

		if err := s.Settle(ctx, payer, payee, amount); err != nil {
			return err
		}

		matched, err := s.MarkPaid(ctx, payer, payee, amount, now)
		if err != nil {
			return err
		}
		if !matched {
			e.log.Warn("journal has no requested payment to mark paid",
				"payer", payer, "payee", payee, "amount", amount)
		}

		updatedPayer, err := s.GetMember(ctx, payer)
		if err != nil {
			return err
		}
		updatedPayee, err := s.GetMember(ctx, payee)
		if err != nil {
			return err
		}
		result = &ApproveResult{Payer: updatedPayer, Payee: updatedPayee}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payment approved", "payer", payer, "payee", payee, "amount", amount)
	return result, nil
}

// =============================================================================
// REJECT
// =============================================================================

// Reject is the payee refusing the claim. Only the pending approval
// entry is removed; due and receivable stay in place, so the obligation
// returns to an observably identical PENDING state.
func (e *Engine) Reject(ctx context.Context, payee, payer ledger.MemberID, amount decimal.Decimal) (*ObligationState, error) {
	if err := validateParties(payer, payee, amount); err != nil {
		return nil, err
	}

	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		if err := membersExist(ctx, s, payer, payee); err != nil {
			return err
		}

		if err := s.CancelApproval(ctx, payee, payer, amount); err != nil {
			return err
		}

		matched, err := s.MarkReverted(ctx, payer, payee, amount)
		if err != nil {
			return err
		}
		if !matched {
			e.log.Warn("journal has no requested payment to revert",
				"payer", payer, "payee", payee, "amount", amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payment rejected", "payer", payer, "payee", payee, "amount", amount)
	return &ObligationState{
		Obligation: ledger.Obligation{Payer: payer, Payee: payee, Amount: amount},
		Status:     ledger.StatusPending,
	}, nil
}

// =============================================================================
// ADMINISTRATIVE
// =============================================================================

// ResetMember zeroes one member's totalProfit and empties their three
// lists. Idempotent: a second reset is a no-op on already-zeroed state.
// Counterparties' mirrored entries are untouched.
func (e *Engine) ResetMember(ctx context.Context, id ledger.MemberID) error {
	return e.store.WithTx(ctx, func(s ledger.Store) error {
		if _, err := s.GetMember(ctx, id); err != nil {
			return err
		}
		return s.ResetBalances(ctx, id)
	})
}

// ResetAll zeroes every member and deletes the journal. Full-system
// reset, admin only.
func (e *Engine) ResetAll(ctx context.Context) error {
	return e.store.WithTx(ctx, func(s ledger.Store) error {
		members, err := s.ListMembers(ctx)
		if err != nil {
			return err
		}
		for _, m := range members {
			if err := s.ResetBalances(ctx, m.ID); err != nil {
				return err
			}
		}
		return s.ResetJournal(ctx)
	})
}

// RecomputeProfit derives a member's profit from the journal and
// compares it against the balance-side totalProfit.
func (e *Engine) RecomputeProfit(ctx context.Context, id ledger.MemberID) (*ProfitCheck, error) {
	var check *ProfitCheck
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		m, err := s.GetMember(ctx, id)
		if err != nil {
			return err
		}
		derived, err := s.DerivedProfit(ctx, id)
		if err != nil {
			return err
		}
		check = &ProfitCheck{MemberID: id, Stored: m.TotalProfit, Derived: derived}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return check, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func validateParties(payer, payee ledger.MemberID, amount decimal.Decimal) error {
	if payer == "" {
		return &ledger.ValidationError{Field: "payer", Message: "payer is required"}
	}
	if payee == "" {
		return &ledger.ValidationError{Field: "payee", Message: "payee is required"}
	}
	if payer == payee {
		return &ledger.ValidationError{Field: "payee", Message: "payer and payee must differ"}
	}
	if !amount.IsPositive() {
		return &ledger.ValidationError{Field: "amount", Message: "amount must be positive"}
	}
	return nil
}

func membersExist(ctx context.Context, s ledger.Store, ids ...ledger.MemberID) error {
	for _, id := range ids {
		if _, err := s.GetMember(ctx, id); err != nil {
			return fmt.Errorf("member %s: %w", id, err)
		}
	}
	return nil
}
