package sqlite_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewshare/settlement-engine/ledger"
	"github.com/crewshare/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedGroup(t *testing.T, store *sqlite.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		m := ledger.Member{
			ID:       ledger.MemberID(fmt.Sprintf("member-%d", i)),
			Name:     fmt.Sprintf("Member %d", i),
			Email:    fmt.Sprintf("member%d@example.com", i),
			JoinedAt: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, store.CreateMember(ctx, m, "hash-"+string(m.ID)))
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// MEMBER STORE
// =============================================================================

func TestMembers_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)

	m, err := store.GetMember(ctx, "member-2")
	require.NoError(t, err)
	assert.Equal(t, "Member 2", m.Name)
	assert.True(t, m.TotalProfit.IsZero())
	assert.Empty(t, m.PaymentsDue)

	members, err := store.ListMembers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 4)
	assert.Equal(t, ledger.MemberID("member-1"), members[0].ID, "ordered by join date")

	count, err := store.CountMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestMembers_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetMember(context.Background(), "ghost")
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)
}

func TestMembers_Credentials(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 2)

	m, hash, err := store.Credentials(ctx, "member-1@example.com")
	require.NoError(t, err)
	assert.Equal(t, ledger.MemberID("member-1"), m.ID)
	assert.Equal(t, "hash-member-1", hash)

	_, _, err = store.Credentials(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)
}

// =============================================================================
// BALANCE STORE
// =============================================================================

func TestBalance_ObligationMirrors(t *testing.T) {
	// GIVEN: An obligation member-1 -> member-2
	// THEN: Due on the payer and receivable on the payee carry the same
	//       counterparty and amount

	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 2)

	require.NoError(t, store.AddObligation(ctx, "member-1", "member-2", dec("250")))

	m1, err := store.GetMember(ctx, "member-1")
	require.NoError(t, err)
	require.Len(t, m1.PaymentsDue, 1)
	assert.Equal(t, ledger.MemberID("member-2"), m1.PaymentsDue[0].ToMember)
	assert.True(t, m1.PaymentsDue[0].Amount.Equal(dec("250")))

	m2, err := store.GetMember(ctx, "member-2")
	require.NoError(t, err)
	require.Len(t, m2.PaymentsReceivable, 1)
	assert.Equal(t, ledger.MemberID("member-1"), m2.PaymentsReceivable[0].FromMember)

	has, err := store.HasDue(ctx, "member-1", "member-2", dec("250"))
	require.NoError(t, err)
	assert.True(t, has)

	has, err = store.HasDue(ctx, "member-1", "member-2", dec("251"))
	require.NoError(t, err)
	assert.False(t, has, "matching is exact on amount")
}

func TestBalance_SettleRemovesAllThreeEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 2)
	now := time.Now().UTC()

	require.NoError(t, store.AddObligation(ctx, "member-1", "member-2", dec("100")))
	require.NoError(t, store.AddApproval(ctx, "member-2", "member-1", dec("100"), now))

	require.NoError(t, store.Settle(ctx, "member-1", "member-2", dec("100")))

	m1, err := store.GetMember(ctx, "member-1")
	require.NoError(t, err)
	m2, err := store.GetMember(ctx, "member-2")
	require.NoError(t, err)
	assert.Empty(t, m1.PaymentsDue)
	assert.Empty(t, m2.PaymentsReceivable)
	assert.Empty(t, m2.PendingApprovals)
	assert.True(t, m2.TotalProfit.Equal(dec("100")))
}

func TestBalance_SettleWithoutApproval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 2)

	require.NoError(t, store.AddObligation(ctx, "member-1", "member-2", dec("100")))

	err := store.Settle(ctx, "member-1", "member-2", dec("100"))
	assert.ErrorIs(t, err, ledger.ErrObligationNotFound)

	// Nothing removed on failure
	m1, err := store.GetMember(ctx, "member-1")
	require.NoError(t, err)
	assert.Len(t, m1.PaymentsDue, 1)
}

func TestBalance_SettleTwice_SecondLoses(t *testing.T) {
	// GIVEN: One approval for one obligation
	// WHEN: Settle runs twice with the same triple
	// THEN: The second call finds nothing and the payee is credited once

	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 2)

	require.NoError(t, store.AddObligation(ctx, "member-1", "member-2", dec("100")))
	require.NoError(t, store.AddApproval(ctx, "member-2", "member-1", dec("100"), time.Now().UTC()))

	require.NoError(t, store.Settle(ctx, "member-1", "member-2", dec("100")))
	err := store.Settle(ctx, "member-1", "member-2", dec("100"))
	assert.ErrorIs(t, err, ledger.ErrObligationNotFound)

	m2, err := store.GetMember(ctx, "member-2")
	require.NoError(t, err)
	assert.True(t, m2.TotalProfit.Equal(dec("100")), "no double credit")
}

func TestBalance_EqualAmounts_FirstByInsertionOrder(t *testing.T) {
	// GIVEN: Two equal obligations between the same pair
	// WHEN: One is settled
	// THEN: Exactly one due/receivable pair remains

	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 2)

	require.NoError(t, store.AddObligation(ctx, "member-1", "member-2", dec("100")))
	require.NoError(t, store.AddObligation(ctx, "member-1", "member-2", dec("100")))
	require.NoError(t, store.AddApproval(ctx, "member-2", "member-1", dec("100"), time.Now().UTC()))

	require.NoError(t, store.Settle(ctx, "member-1", "member-2", dec("100")))

	m1, err := store.GetMember(ctx, "member-1")
	require.NoError(t, err)
	m2, err := store.GetMember(ctx, "member-2")
	require.NoError(t, err)
	assert.Len(t, m1.PaymentsDue, 1)
	assert.Len(t, m2.PaymentsReceivable, 1)
	assert.True(t, m2.TotalProfit.Equal(dec("100")))
}

func TestBalance_CancelApprovalKeepsMirrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 2)

	require.NoError(t, store.AddObligation(ctx, "member-1", "member-2", dec("100")))
	require.NoError(t, store.AddApproval(ctx, "member-2", "member-1", dec("100"), time.Now().UTC()))
	require.NoError(t, store.CancelApproval(ctx, "member-2", "member-1", dec("100")))

	m2, err := store.GetMember(ctx, "member-2")
	require.NoError(t, err)
	assert.Empty(t, m2.PendingApprovals)
	assert.Len(t, m2.PaymentsReceivable, 1)

	err = store.CancelApproval(ctx, "member-2", "member-1", dec("100"))
	assert.ErrorIs(t, err, ledger.ErrObligationNotFound)
}

func TestBalance_ResetBalances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 2)

	require.NoError(t, store.Credit(ctx, "member-1", dec("500")))
	require.NoError(t, store.AddObligation(ctx, "member-1", "member-2", dec("100")))

	require.NoError(t, store.ResetBalances(ctx, "member-1"))
	require.NoError(t, store.ResetBalances(ctx, "member-1"))

	m1, err := store.GetMember(ctx, "member-1")
	require.NoError(t, err)
	assert.True(t, m1.TotalProfit.IsZero())
	assert.Empty(t, m1.PaymentsDue)

	// The payee's receivable survives a one-sided reset
	m2, err := store.GetMember(ctx, "member-2")
	require.NoError(t, err)
	assert.Len(t, m2.PaymentsReceivable, 1)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 2)

	boom := fmt.Errorf("boom")
	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.Credit(ctx, "member-1", dec("500")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	m1, err := store.GetMember(ctx, "member-1")
	require.NoError(t, err)
	assert.True(t, m1.TotalProfit.IsZero(), "credit rolled back")
}

func TestWithTx_CommitOnSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 2)

	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.Credit(ctx, "member-1", dec("500")); err != nil {
			return err
		}
		return s.AddObligation(ctx, "member-1", "member-2", dec("100"))
	})
	require.NoError(t, err)

	m1, err := store.GetMember(ctx, "member-1")
	require.NoError(t, err)
	assert.True(t, m1.TotalProfit.Equal(dec("500")))
	assert.Len(t, m1.PaymentsDue, 1)
}

// =============================================================================
// JOURNAL
// =============================================================================

func seedTransaction(t *testing.T, store *sqlite.Store, id string) ledger.SaleTransaction {
	t.Helper()
	tx := ledger.SaleTransaction{
		ID:              id,
		ProductID:       "prod-1",
		Seller:          "member-1",
		SellingPrice:    dec("4000"),
		CostPrice:       dec("1000"),
		Profit:          dec("3000"),
		ProfitPerMember: dec("1000"),
		Payments: []ledger.Payment{
			{ID: id + "-p1", FromMember: "member-1", ToMember: "member-2", Amount: dec("1000"), Status: ledger.StatusPending},
			{ID: id + "-p2", FromMember: "member-1", ToMember: "member-3", Amount: dec("1000"), Status: ledger.StatusPending},
			{ID: id + "-p3", FromMember: "member-1", ToMember: "member-4", Amount: dec("1000"), Status: ledger.StatusPending},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.AppendTransaction(context.Background(), tx))
	return tx
}

func TestJournal_AppendAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedTransaction(t, store, "tx-1")

	tx, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.MemberID("member-1"), tx.Seller)
	assert.True(t, tx.Profit.Equal(dec("3000")))
	require.Len(t, tx.Payments, 3)
	assert.Equal(t, ledger.StatusPending, tx.Payments[0].Status)

	_, err = store.GetTransaction(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestJournal_Transitions(t *testing.T) {
	// GIVEN: A pending journal payment
	// WHEN: It moves through requested -> paid
	// THEN: Status and timestamps track each step

	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedTransaction(t, store, "tx-1")
	now := time.Now().UTC().Truncate(time.Second)

	matched, err := store.MarkRequested(ctx, "member-1", "member-2", dec("1000"), now)
	require.NoError(t, err)
	assert.True(t, matched)

	tx, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	p := tx.PaymentByID("tx-1-p1")
	require.NotNil(t, p)
	assert.Equal(t, ledger.StatusApprovalRequested, p.Status)
	require.NotNil(t, p.RequestedAt)

	matched, err = store.MarkPaid(ctx, "member-1", "member-2", dec("1000"), now)
	require.NoError(t, err)
	assert.True(t, matched)

	tx, err = store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	p = tx.PaymentByID("tx-1-p1")
	assert.Equal(t, ledger.StatusPaid, p.Status)
	require.NotNil(t, p.PaidAt)

	// Nothing left in approval_requested for this pair
	matched, err = store.MarkPaid(ctx, "member-1", "member-2", dec("1000"), now)
	require.NoError(t, err)
	assert.False(t, matched, "transition miss is reported, not an error")
}

func TestJournal_RevertClearsRequestedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedTransaction(t, store, "tx-1")

	_, err := store.MarkRequested(ctx, "member-1", "member-2", dec("1000"), time.Now().UTC())
	require.NoError(t, err)

	matched, err := store.MarkReverted(ctx, "member-1", "member-2", dec("1000"))
	require.NoError(t, err)
	assert.True(t, matched)

	tx, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	p := tx.PaymentByID("tx-1-p1")
	assert.Equal(t, ledger.StatusPending, p.Status)
	assert.Nil(t, p.RequestedAt)
}

func TestJournal_TransitionPicksOldest(t *testing.T) {
	// GIVEN: Two transactions with identical pending payments
	// WHEN: MarkRequested matches by (from, to, amount)
	// THEN: The first-inserted payment transitions, the newer one stays

	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedTransaction(t, store, "tx-1")
	seedTransaction(t, store, "tx-2")

	matched, err := store.MarkRequested(ctx, "member-1", "member-2", dec("1000"), time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, matched)

	tx1, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	tx2, err := store.GetTransaction(ctx, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApprovalRequested, tx1.PaymentByID("tx-1-p1").Status)
	assert.Equal(t, ledger.StatusPending, tx2.PaymentByID("tx-2-p1").Status)
}

func TestJournal_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedTransaction(t, store, "tx-1")
	_, err := store.MarkRequested(ctx, "member-1", "member-2", dec("1000"), time.Now().UTC())
	require.NoError(t, err)

	txs, err := store.ListTransactions(ctx, ledger.JournalFilter{SellerID: "member-1"})
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	txs, err = store.ListTransactions(ctx, ledger.JournalFilter{SellerID: "member-2"})
	require.NoError(t, err)
	assert.Empty(t, txs)

	txs, err = store.ListTransactions(ctx, ledger.JournalFilter{Status: ledger.StatusApprovalRequested})
	require.NoError(t, err)
	assert.Len(t, txs, 1, "status filter matches any embedded payment")

	txs, err = store.ListTransactions(ctx, ledger.JournalFilter{Status: ledger.StatusPaid})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestJournal_MemberTransactions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedTransaction(t, store, "tx-1")

	// member-2 appears as a payment party only
	txs, err := store.MemberTransactions(ctx, "member-2")
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// member-1 is the seller
	txs, err = store.MemberTransactions(ctx, "member-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestJournal_DerivedProfit(t *testing.T) {
	// GIVEN: member-1 sold once; member-2 got one payment marked paid
	// THEN: Derived profit is the seller share for member-1 and the paid
	//       amount for member-2; member-3 has nothing yet

	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedTransaction(t, store, "tx-1")
	now := time.Now().UTC()
	_, err := store.MarkRequested(ctx, "member-1", "member-2", dec("1000"), now)
	require.NoError(t, err)
	_, err = store.MarkPaid(ctx, "member-1", "member-2", dec("1000"), now)
	require.NoError(t, err)

	derived, err := store.DerivedProfit(ctx, "member-1")
	require.NoError(t, err)
	assert.True(t, derived.Equal(dec("1000")))

	derived, err = store.DerivedProfit(ctx, "member-2")
	require.NoError(t, err)
	assert.True(t, derived.Equal(dec("1000")))

	derived, err = store.DerivedProfit(ctx, "member-3")
	require.NoError(t, err)
	assert.True(t, derived.IsZero(), "pending payments do not count")
}

// =============================================================================
// PRODUCT CATALOG
// =============================================================================

func seedProduct(t *testing.T, store *sqlite.Store, id string) sqlite.Product {
	t.Helper()
	p := sqlite.Product{
		ID:           id,
		Code:         "SKU-" + id,
		Name:         "Widget " + id,
		CostPrice:    dec("1000"),
		SellingPrice: dec("4000"),
		Status:       sqlite.ProductNotSold,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.SaveProduct(context.Background(), p))
	return p
}

func TestProducts_SellOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedProduct(t, store, "prod-1")

	sold, err := store.MarkProductSold(ctx, "prod-1", dec("4500"), "member-1", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, sqlite.ProductSold, sold.Status)
	assert.Equal(t, ledger.MemberID("member-1"), sold.SoldBy)
	assert.True(t, sold.SellingPrice.Equal(dec("4500")), "price override at sale time")
	assert.True(t, sold.Profit.Equal(dec("3500")))
	require.NotNil(t, sold.SoldAt)
}

func TestProducts_SellTwice_SecondLoses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedProduct(t, store, "prod-1")

	_, err := store.MarkProductSold(ctx, "prod-1", dec("4000"), "member-1", time.Now().UTC())
	require.NoError(t, err)

	_, err = store.MarkProductSold(ctx, "prod-1", dec("4000"), "member-2", time.Now().UTC())
	assert.ErrorIs(t, err, ledger.ErrProductAlreadySold)
}

func TestProducts_RevertSale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedProduct(t, store, "prod-1")

	_, err := store.MarkProductSold(ctx, "prod-1", dec("4000"), "member-1", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, store.RevertProductSale(ctx, "prod-1"))

	p, err := store.GetProduct(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, sqlite.ProductNotSold, p.Status)
	assert.Empty(t, string(p.SoldBy))
	assert.Nil(t, p.SoldAt)
}

func TestProducts_GuardsOnSoldProducts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedProduct(t, store, "prod-1")
	_, err := store.MarkProductSold(ctx, "prod-1", dec("4000"), "member-1", time.Now().UTC())
	require.NoError(t, err)

	err = store.UpdateProductPrices(ctx, "prod-1", dec("1"), dec("2"))
	assert.ErrorIs(t, err, ledger.ErrProductAlreadySold)

	err = store.DeleteProduct(ctx, "prod-1")
	assert.ErrorIs(t, err, ledger.ErrProductAlreadySold)

	err = store.DeleteProduct(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}

func TestProducts_ListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, store, 4)
	seedProduct(t, store, "prod-1")
	seedProduct(t, store, "prod-2")
	_, err := store.MarkProductSold(ctx, "prod-1", dec("4000"), "member-1", time.Now().UTC())
	require.NoError(t, err)

	sold, err := store.ListProducts(ctx, sqlite.ProductSold)
	require.NoError(t, err)
	assert.Len(t, sold, 1)

	unsold, err := store.ListProducts(ctx, sqlite.ProductNotSold)
	require.NoError(t, err)
	assert.Len(t, unsold, 1)

	all, err := store.ListProducts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
