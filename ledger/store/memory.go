// Package store provides an in-memory ledger.Store implementation
// (for testing/dev). The SQLite store is the production implementation.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crewshare/settlement-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds everything behind one mutex. WithTx snapshots the state
// and restores it if the function fails, giving the same all-or-nothing
// semantics as a database transaction.
type Memory struct {
	mu           sync.Mutex
	order        []ledger.MemberID
	members      map[ledger.MemberID]*ledger.Member
	hashes       map[string]memberCredential // keyed by email
	transactions []ledger.SaleTransaction
}

type memberCredential struct {
	id   ledger.MemberID
	hash string
}

var (
	_ ledger.Store = (*Memory)(nil)
	_ ledger.Store = (*txView)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		members: make(map[ledger.MemberID]*ledger.Member),
		hashes:  make(map[string]memberCredential),
	}
}

// WithTx executes fn with the store lock held; on error the snapshot
// taken before fn ran is restored.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// =============================================================================
// MEMBER STORE
// =============================================================================

func (m *Memory) GetMember(ctx context.Context, id ledger.MemberID) (*ledger.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getMemberLocked(id)
}

func (m *Memory) getMemberLocked(id ledger.MemberID) (*ledger.Member, error) {
	member, ok := m.members[id]
	if !ok {
		return nil, ledger.ErrMemberNotFound
	}
	cp := copyMember(member)
	return &cp, nil
}

func (m *Memory) ListMembers(ctx context.Context) ([]ledger.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listMembersLocked()
}

func (m *Memory) listMembersLocked() ([]ledger.Member, error) {
	members := make([]ledger.Member, 0, len(m.order))
	for _, id := range m.order {
		members = append(members, copyMember(m.members[id]))
	}
	return members, nil
}

func (m *Memory) CreateMember(ctx context.Context, member ledger.Member, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createMemberLocked(member, passwordHash)
}

func (m *Memory) createMemberLocked(member ledger.Member, passwordHash string) error {
	if member.Role == "" {
		member.Role = "member"
	}
	cp := copyMember(&member)
	m.members[member.ID] = &cp
	m.order = append(m.order, member.ID)
	m.hashes[member.Email] = memberCredential{id: member.ID, hash: passwordHash}
	return nil
}

func (m *Memory) Credentials(ctx context.Context, email string) (*ledger.Member, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credentialsLocked(email)
}

func (m *Memory) credentialsLocked(email string) (*ledger.Member, string, error) {
	cred, ok := m.hashes[email]
	if !ok {
		return nil, "", ledger.ErrMemberNotFound
	}
	member, err := m.getMemberLocked(cred.id)
	if err != nil {
		return nil, "", err
	}
	return member, cred.hash, nil
}

// =============================================================================
// BALANCE STORE
// =============================================================================

func (m *Memory) Credit(ctx context.Context, id ledger.MemberID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(id, amount)
}

func (m *Memory) creditLocked(id ledger.MemberID, amount decimal.Decimal) error {
	member, ok := m.members[id]
	if !ok {
		return ledger.ErrMemberNotFound
	}
	member.TotalProfit = member.TotalProfit.Add(amount)
	return nil
}

func (m *Memory) AddObligation(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addObligationLocked(payer, payee, amount)
}

func (m *Memory) addObligationLocked(payer, payee ledger.MemberID, amount decimal.Decimal) error {
	p, ok := m.members[payer]
	if !ok {
		return ledger.ErrMemberNotFound
	}
	r, ok := m.members[payee]
	if !ok {
		return ledger.ErrMemberNotFound
	}
	p.PaymentsDue = append(p.PaymentsDue, ledger.DueEntry{ToMember: payee, Amount: amount})
	r.PaymentsReceivable = append(r.PaymentsReceivable, ledger.ReceivableEntry{FromMember: payer, Amount: amount})
	return nil
}

func (m *Memory) HasDue(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasDueLocked(payer, payee, amount)
}

func (m *Memory) hasDueLocked(payer, payee ledger.MemberID, amount decimal.Decimal) (bool, error) {
	p, ok := m.members[payer]
	if !ok {
		return false, ledger.ErrMemberNotFound
	}
	return dueIndex(p.PaymentsDue, payee, amount) >= 0, nil
}

func (m *Memory) HasApproval(ctx context.Context, payee, payer ledger.MemberID, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasApprovalLocked(payee, payer, amount)
}

func (m *Memory) hasApprovalLocked(payee, payer ledger.MemberID, amount decimal.Decimal) (bool, error) {
	r, ok := m.members[payee]
	if !ok {
		return false, ledger.ErrMemberNotFound
	}
	return approvalIndex(r.PendingApprovals, payer, amount) >= 0, nil
}

func (m *Memory) AddApproval(ctx context.Context, payee, payer ledger.MemberID, amount decimal.Decimal, requestedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addApprovalLocked(payee, payer, amount, requestedAt)
}

func (m *Memory) addApprovalLocked(payee, payer ledger.MemberID, amount decimal.Decimal, requestedAt time.Time) error {
	r, ok := m.members[payee]
	if !ok {
		return ledger.ErrMemberNotFound
	}
	r.PendingApprovals = append(r.PendingApprovals, ledger.ApprovalEntry{
		FromMember: payer, Amount: amount, RequestedAt: requestedAt,
	})
	return nil
}

func (m *Memory) Settle(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settleLocked(payer, payee, amount)
}

func (m *Memory) settleLocked(payer, payee ledger.MemberID, amount decimal.Decimal) error {
	p, ok := m.members[payer]
	if !ok {
		return ledger.ErrMemberNotFound
	}
	r, ok := m.members[payee]
	if !ok {
		return ledger.ErrMemberNotFound
	}

	ai := approvalIndex(r.PendingApprovals, payer, amount)
	if ai < 0 {
		return &ledger.ObligationError{Payer: payer, Payee: payee, Amount: amount, List: "pendingPaymentApprovals"}
	}
	ri := receivableIndex(r.PaymentsReceivable, payer, amount)
	if ri < 0 {
		return &ledger.InvariantError{Message: "approval without receivable"}
	}
	di := dueIndex(p.PaymentsDue, payee, amount)
	if di < 0 {
		return &ledger.InvariantError{Message: "receivable without due"}
	}

	r.PendingApprovals = append(r.PendingApprovals[:ai], r.PendingApprovals[ai+1:]...)
	r.PaymentsReceivable = append(r.PaymentsReceivable[:ri], r.PaymentsReceivable[ri+1:]...)
	p.PaymentsDue = append(p.PaymentsDue[:di], p.PaymentsDue[di+1:]...)
	r.TotalProfit = r.TotalProfit.Add(amount)
	return nil
}

func (m *Memory) CancelApproval(ctx context.Context, payee, payer ledger.MemberID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelApprovalLocked(payee, payer, amount)
}

func (m *Memory) cancelApprovalLocked(payee, payer ledger.MemberID, amount decimal.Decimal) error {
	r, ok := m.members[payee]
	if !ok {
		return ledger.ErrMemberNotFound
	}
	ai := approvalIndex(r.PendingApprovals, payer, amount)
	if ai < 0 {
		return &ledger.ObligationError{Payer: payer, Payee: payee, Amount: amount, List: "pendingPaymentApprovals"}
	}
	r.PendingApprovals = append(r.PendingApprovals[:ai], r.PendingApprovals[ai+1:]...)
	return nil
}

func (m *Memory) ResetBalances(ctx context.Context, id ledger.MemberID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetBalancesLocked(id)
}

func (m *Memory) resetBalancesLocked(id ledger.MemberID) error {
	member, ok := m.members[id]
	if !ok {
		return ledger.ErrMemberNotFound
	}
	member.TotalProfit = decimal.Zero
	member.PaymentsDue = nil
	member.PaymentsReceivable = nil
	member.PendingApprovals = nil
	return nil
}

// =============================================================================
// JOURNAL STORE
// =============================================================================

func (m *Memory) AppendTransaction(ctx context.Context, tx ledger.SaleTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendTransactionLocked(tx)
}

func (m *Memory) appendTransactionLocked(tx ledger.SaleTransaction) error {
	m.transactions = append(m.transactions, copyTransaction(tx))
	return nil
}

func (m *Memory) MarkRequested(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(payer, payee, amount, ledger.StatusPending, func(p *ledger.Payment) {
		p.Status = ledger.StatusApprovalRequested
		t := at
		p.RequestedAt = &t
	}), nil
}

func (m *Memory) MarkPaid(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(payer, payee, amount, ledger.StatusApprovalRequested, func(p *ledger.Payment) {
		p.Status = ledger.StatusPaid
		t := at
		p.PaidAt = &t
	}), nil
}

func (m *Memory) MarkReverted(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(payer, payee, amount, ledger.StatusApprovalRequested, func(p *ledger.Payment) {
		p.Status = ledger.StatusPending
		p.RequestedAt = nil
	}), nil
}

// transitionLocked mutates the oldest payment matching the tuple.
func (m *Memory) transitionLocked(payer, payee ledger.MemberID, amount decimal.Decimal, expect ledger.PaymentStatus, apply func(*ledger.Payment)) bool {
	for i := range m.transactions {
		tx := &m.transactions[i]
		for j := range tx.Payments {
			p := &tx.Payments[j]
			if p.FromMember == payer && p.ToMember == payee && p.Amount.Equal(amount) && p.Status == expect {
				apply(p)
				return true
			}
		}
	}
	return false
}

func (m *Memory) ListTransactions(ctx context.Context, f ledger.JournalFilter) ([]ledger.SaleTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listTransactionsLocked(f)
}

func (m *Memory) listTransactionsLocked(f ledger.JournalFilter) ([]ledger.SaleTransaction, error) {
	var out []ledger.SaleTransaction
	for i := len(m.transactions) - 1; i >= 0; i-- { // newest first
		tx := m.transactions[i]
		if f.SellerID != "" && tx.Seller != f.SellerID {
			continue
		}
		if f.ProductID != "" && tx.ProductID != f.ProductID {
			continue
		}
		if f.Status != "" && !hasStatus(tx, f.Status) {
			continue
		}
		out = append(out, copyTransaction(tx))
	}
	return out, nil
}

func (m *Memory) MemberTransactions(ctx context.Context, id ledger.MemberID) ([]ledger.SaleTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memberTransactionsLocked(id)
}

func (m *Memory) memberTransactionsLocked(id ledger.MemberID) ([]ledger.SaleTransaction, error) {
	var out []ledger.SaleTransaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		tx := m.transactions[i]
		if tx.Seller == id || touchesMember(tx, id) {
			out = append(out, copyTransaction(tx))
		}
	}
	return out, nil
}

func (m *Memory) DerivedProfit(ctx context.Context, id ledger.MemberID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.derivedProfitLocked(id)
}

func (m *Memory) derivedProfitLocked(id ledger.MemberID) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, tx := range m.transactions {
		if tx.Seller == id {
			total = total.Add(tx.ProfitPerMember)
		}
		for _, p := range tx.Payments {
			if p.ToMember == id && p.Status == ledger.StatusPaid {
				total = total.Add(p.Amount)
			}
		}
	}
	return total, nil
}

func (m *Memory) ResetJournal(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = nil
	return nil
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

type memorySnapshot struct {
	order        []ledger.MemberID
	members      map[ledger.MemberID]*ledger.Member
	hashes       map[string]memberCredential
	transactions []ledger.SaleTransaction
}

func (m *Memory) snapshot() memorySnapshot {
	members := make(map[ledger.MemberID]*ledger.Member, len(m.members))
	for id, member := range m.members {
		cp := copyMember(member)
		members[id] = &cp
	}
	hashes := make(map[string]memberCredential, len(m.hashes))
	for k, v := range m.hashes {
		hashes[k] = v
	}
	txs := make([]ledger.SaleTransaction, len(m.transactions))
	for i, tx := range m.transactions {
		txs[i] = copyTransaction(tx)
	}
	return memorySnapshot{
		order:        append([]ledger.MemberID{}, m.order...),
		members:      members,
		hashes:       hashes,
		transactions: txs,
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.order = s.order
	m.members = s.members
	m.hashes = s.hashes
	m.transactions = s.transactions
}

// =============================================================================
// TRANSACTIONAL VIEW - Used inside WithTx, lock already held
// =============================================================================

type txView struct {
	parent *Memory
}

func (v *txView) GetMember(ctx context.Context, id ledger.MemberID) (*ledger.Member, error) {
	return v.parent.getMemberLocked(id)
}

func (v *txView) ListMembers(ctx context.Context) ([]ledger.Member, error) {
	return v.parent.listMembersLocked()
}

func (v *txView) CreateMember(ctx context.Context, m ledger.Member, hash string) error {
	return v.parent.createMemberLocked(m, hash)
}

func (v *txView) Credentials(ctx context.Context, email string) (*ledger.Member, string, error) {
	return v.parent.credentialsLocked(email)
}

func (v *txView) Credit(ctx context.Context, id ledger.MemberID, amount decimal.Decimal) error {
	return v.parent.creditLocked(id, amount)
}

func (v *txView) AddObligation(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) error {
	return v.parent.addObligationLocked(payer, payee, amount)
}

func (v *txView) HasDue(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) (bool, error) {
	return v.parent.hasDueLocked(payer, payee, amount)
}

func (v *txView) HasApproval(ctx context.Context, payee, payer ledger.MemberID, amount decimal.Decimal) (bool, error) {
	return v.parent.hasApprovalLocked(payee, payer, amount)
}

func (v *txView) AddApproval(ctx context.Context, payee, payer ledger.MemberID, amount decimal.Decimal, at time.Time) error {
	return v.parent.addApprovalLocked(payee, payer, amount, at)
}

func (v *txView) Settle(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) error {
	return v.parent.settleLocked(payer, payee, amount)
}

func (v *txView) CancelApproval(ctx context.Context, payee, payer ledger.MemberID, amount decimal.Decimal) error {
	return v.parent.cancelApprovalLocked(payee, payer, amount)
}

func (v *txView) ResetBalances(ctx context.Context, id ledger.MemberID) error {
	return v.parent.resetBalancesLocked(id)
}

func (v *txView) AppendTransaction(ctx context.Context, tx ledger.SaleTransaction) error {
	return v.parent.appendTransactionLocked(tx)
}

func (v *txView) MarkRequested(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal, at time.Time) (bool, error) {
	return v.parent.transitionLocked(payer, payee, amount, ledger.StatusPending, func(p *ledger.Payment) {
		p.Status = ledger.StatusApprovalRequested
		t := at
		p.RequestedAt = &t
	}), nil
}

func (v *txView) MarkPaid(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal, at time.Time) (bool, error) {
	return v.parent.transitionLocked(payer, payee, amount, ledger.StatusApprovalRequested, func(p *ledger.Payment) {
		p.Status = ledger.StatusPaid
		t := at
		p.PaidAt = &t
	}), nil
}

func (v *txView) MarkReverted(ctx context.Context, payer, payee ledger.MemberID, amount decimal.Decimal) (bool, error) {
	return v.parent.transitionLocked(payer, payee, amount, ledger.StatusApprovalRequested, func(p *ledger.Payment) {
		p.Status = ledger.StatusPending
		p.RequestedAt = nil
	}), nil
}

func (v *txView) ListTransactions(ctx context.Context, f ledger.JournalFilter) ([]ledger.SaleTransaction, error) {
	return v.parent.listTransactionsLocked(f)
}

func (v *txView) MemberTransactions(ctx context.Context, id ledger.MemberID) ([]ledger.SaleTransaction, error) {
	return v.parent.memberTransactionsLocked(id)
}

func (v *txView) DerivedProfit(ctx context.Context, id ledger.MemberID) (decimal.Decimal, error) {
	return v.parent.derivedProfitLocked(id)
}

func (v *txView) ResetJournal(ctx context.Context) error {
	v.parent.transactions = nil
	return nil
}

func (v *txView) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	// Already inside a transaction; run against the same view.
	return fn(v)
}

// =============================================================================
// HELPERS
// =============================================================================

func copyMember(m *ledger.Member) ledger.Member {
	cp := *m
	cp.PaymentsDue = append([]ledger.DueEntry{}, m.PaymentsDue...)
	cp.PaymentsReceivable = append([]ledger.ReceivableEntry{}, m.PaymentsReceivable...)
	cp.PendingApprovals = append([]ledger.ApprovalEntry{}, m.PendingApprovals...)
	return cp
}

func copyTransaction(tx ledger.SaleTransaction) ledger.SaleTransaction {
	cp := tx
	cp.Payments = append([]ledger.Payment{}, tx.Payments...)
	return cp
}

func dueIndex(entries []ledger.DueEntry, to ledger.MemberID, amount decimal.Decimal) int {
	for i, e := range entries {
		if e.ToMember == to && e.Amount.Equal(amount) {
			return i
		}
	}
	return -1
}

func receivableIndex(entries []ledger.ReceivableEntry, from ledger.MemberID, amount decimal.Decimal) int {
	for i, e := range entries {
		if e.FromMember == from && e.Amount.Equal(amount) {
			return i
		}
	}
	return -1
}

func approvalIndex(entries []ledger.ApprovalEntry, from ledger.MemberID, amount decimal.Decimal) int {
	for i, e := range entries {
		if e.FromMember == from && e.Amount.Equal(amount) {
			return i
		}
	}
	return -1
}

func hasStatus(tx ledger.SaleTransaction, status ledger.PaymentStatus) bool {
	for _, p := range tx.Payments {
		if p.Status == status {
			return true
		}
	}
	return false
}

func touchesMember(tx ledger.SaleTransaction, id ledger.MemberID) bool {
	for _, p := range tx.Payments {
		if p.FromMember == id || p.ToMember == id {
			return true
		}
	}
	return false
}
