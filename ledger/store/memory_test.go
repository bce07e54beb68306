package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewshare/settlement-engine/ledger"
	"github.com/crewshare/settlement-engine/ledger/store"
)

func newSeededMemory(t *testing.T, n int) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		m := ledger.Member{
			ID:       ledger.MemberID(fmt.Sprintf("member-%d", i)),
			Email:    fmt.Sprintf("member%d@example.com", i),
			JoinedAt: time.Now().UTC(),
		}
		require.NoError(t, mem.CreateMember(ctx, m, "hash"))
	}
	return mem
}

func TestMemory_WithTxRollback(t *testing.T) {
	// GIVEN: A transaction that credits then fails
	// THEN: The snapshot is restored and no credit is visible

	mem := newSeededMemory(t, 2)
	ctx := context.Background()

	boom := fmt.Errorf("boom")
	err := mem.WithTx(ctx, func(s ledger.Store) error {
		if err := s.Credit(ctx, "member-1", decimal.NewFromInt(500)); err != nil {
			return err
		}
		if err := s.AddObligation(ctx, "member-1", "member-2", decimal.NewFromInt(100)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	m1, err := mem.GetMember(ctx, "member-1")
	require.NoError(t, err)
	assert.True(t, m1.TotalProfit.IsZero())
	assert.Empty(t, m1.PaymentsDue)

	m2, err := mem.GetMember(ctx, "member-2")
	require.NoError(t, err)
	assert.Empty(t, m2.PaymentsReceivable)
}

func TestMemory_WithTxCommit(t *testing.T) {
	mem := newSeededMemory(t, 2)
	ctx := context.Background()

	err := mem.WithTx(ctx, func(s ledger.Store) error {
		return s.Credit(ctx, "member-1", decimal.NewFromInt(500))
	})
	require.NoError(t, err)

	m1, err := mem.GetMember(ctx, "member-1")
	require.NoError(t, err)
	assert.True(t, m1.TotalProfit.Equal(decimal.NewFromInt(500)))
}

func TestMemory_ReturnsCopies(t *testing.T) {
	// Mutating a returned member must not leak into the store.
	mem := newSeededMemory(t, 2)
	ctx := context.Background()

	m1, err := mem.GetMember(ctx, "member-1")
	require.NoError(t, err)
	m1.TotalProfit = decimal.NewFromInt(999)
	m1.PaymentsDue = append(m1.PaymentsDue, ledger.DueEntry{ToMember: "member-2", Amount: decimal.NewFromInt(1)})

	fresh, err := mem.GetMember(ctx, "member-1")
	require.NoError(t, err)
	assert.True(t, fresh.TotalProfit.IsZero())
	assert.Empty(t, fresh.PaymentsDue)
}

func TestMemory_EqualAmounts_FirstMatchWins(t *testing.T) {
	mem := newSeededMemory(t, 2)
	ctx := context.Background()
	amt := decimal.NewFromInt(100)

	require.NoError(t, mem.AddObligation(ctx, "member-1", "member-2", amt))
	require.NoError(t, mem.AddObligation(ctx, "member-1", "member-2", amt))
	require.NoError(t, mem.AddApproval(ctx, "member-2", "member-1", amt, time.Now().UTC()))

	require.NoError(t, mem.Settle(ctx, "member-1", "member-2", amt))

	m1, err := mem.GetMember(ctx, "member-1")
	require.NoError(t, err)
	assert.Len(t, m1.PaymentsDue, 1, "settle consumes exactly one entry")

	err = mem.Settle(ctx, "member-1", "member-2", amt)
	assert.ErrorIs(t, err, ledger.ErrObligationNotFound, "second settle has no approval left")
}
