/*
dto.go - Request/response data structures for the settlement API

PURPOSE:
  Wire-format structs for JSON requests and responses. Domain types
  carry decimal.Decimal amounts; DTOs render them as canonical strings
  so clients never see float artifacts.

CONVENTIONS:
  - All monetary fields are strings ("1000", "333.3333333333333333")
  - Timestamps are RFC3339
  - Balance mirrors keep their journal field names (paymentsDue,
    paymentsReceivable, pendingPaymentApprovals) so existing clients
    keep working

SEE ALSO:
  - handlers.go: Handlers that populate these
  - ledger/types.go: The domain types behind them
*/
package api

import (
	"time"

	"github.com/crewshare/settlement-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// LoginRequest authenticates a member by email and password.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateMemberRequest registers a new member of the partner group.
type CreateMemberRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	Role         string `json:"role"`
	ProfileImage string `json:"profileImage"`
}

// RecordSaleRequest records a completed sale and fans out obligations.
type RecordSaleRequest struct {
	ProductID    string `json:"productId"`
	SellerID     string `json:"sellerId"`
	SellingPrice string `json:"sellingPrice"`
	CostPrice    string `json:"costPrice"`
}

// ObligationRequest identifies one obligation by counterparty and
// amount. The other party is always the authenticated member: the
// payer for request-approval, the payee for approve and reject.
type ObligationRequest struct {
	MemberID string `json:"memberId"`
	Amount   string `json:"amount"`
}

// CreateProductRequest adds a product to the catalog.
type CreateProductRequest struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	CostPrice    string `json:"costPrice"`
	SellingPrice string `json:"sellingPrice"`
}

// UpdateProductRequest changes prices on an unsold product.
type UpdateProductRequest struct {
	CostPrice    string `json:"costPrice"`
	SellingPrice string `json:"sellingPrice"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// LoginResponse carries the session token and the member it belongs to.
type LoginResponse struct {
	Token  string    `json:"token"`
	Member MemberDTO `json:"member"`
}

// MemberDTO is the full member view including balance mirrors.
type MemberDTO struct {
	ID                      string          `json:"id"`
	Name                    string          `json:"name"`
	Email                   string          `json:"email"`
	Role                    string          `json:"role,omitempty"`
	ProfileImage            string          `json:"profileImage,omitempty"`
	JoinedAt                string          `json:"joinedAt"`
	TotalProfit             string          `json:"totalProfit"`
	PaymentsDue             []DueDTO        `json:"paymentsDue"`
	PaymentsReceivable      []ReceivableDTO `json:"paymentsReceivable"`
	PendingPaymentApprovals []ApprovalDTO   `json:"pendingPaymentApprovals"`
}

// DueDTO is one entry the member owes.
type DueDTO struct {
	ToMember string `json:"toMember"`
	Amount   string `json:"amount"`
}

// ReceivableDTO is one entry owed to the member.
type ReceivableDTO struct {
	FromMember string `json:"fromMember"`
	Amount     string `json:"amount"`
}

// ApprovalDTO is one payment awaiting the member's approval.
type ApprovalDTO struct {
	FromMember  string `json:"fromMember"`
	Amount      string `json:"amount"`
	RequestedAt string `json:"requestedAt"`
}

// PaymentDTO is one journal payment with its embedded status.
type PaymentDTO struct {
	ID          string  `json:"id"`
	FromMember  string  `json:"fromMember"`
	ToMember    string  `json:"toMember"`
	Amount      string  `json:"amount"`
	Status      string  `json:"status"`
	RequestedAt *string `json:"requestedAt,omitempty"`
	PaidAt      *string `json:"paidAt,omitempty"`
}

// TransactionDTO is one immutable sale record.
type TransactionDTO struct {
	ID              string       `json:"id"`
	ProductID       string       `json:"productId"`
	Seller          string       `json:"seller"`
	SellingPrice    string       `json:"sellingPrice"`
	CostPrice       string       `json:"costPrice"`
	Profit          string       `json:"profit"`
	ProfitPerMember string       `json:"profitPerMember"`
	Payments        []PaymentDTO `json:"payments"`
	CreatedAt       string       `json:"createdAt"`
}

// SaleResponse reports the immediate outcome of a recorded sale.
type SaleResponse struct {
	SellerShare string         `json:"sellerShare"`
	Transaction TransactionDTO `json:"transaction"`
}

// ProductDTO is one catalog entry.
type ProductDTO struct {
	ID           string  `json:"id"`
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	CostPrice    string  `json:"costPrice"`
	SellingPrice string  `json:"sellingPrice"`
	Status       string  `json:"status"`
	SoldBy       string  `json:"soldBy,omitempty"`
	SoldAt       *string `json:"soldAt,omitempty"`
	Profit       string  `json:"profit,omitempty"`
	CreatedAt    string  `json:"createdAt"`
}

// ProfitCheckDTO compares stored against journal-derived profit.
type ProfitCheckDTO struct {
	MemberID   string `json:"memberId"`
	Stored     string `json:"stored"`
	Derived    string `json:"derived"`
	Consistent bool   `json:"consistent"`
}

// MessageResponse is a generic acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toMemberDTO(m *ledger.Member) MemberDTO {
	dto := MemberDTO{
		ID:                      string(m.ID),
		Name:                    m.Name,
		Email:                   m.Email,
		Role:                    m.Role,
		ProfileImage:            m.ProfileImage,
		JoinedAt:                m.JoinedAt.Format(time.RFC3339),
		TotalProfit:             ledger.Canon(m.TotalProfit),
		PaymentsDue:             make([]DueDTO, 0, len(m.PaymentsDue)),
		PaymentsReceivable:      make([]ReceivableDTO, 0, len(m.PaymentsReceivable)),
		PendingPaymentApprovals: make([]ApprovalDTO, 0, len(m.PendingApprovals)),
	}
	for _, d := range m.PaymentsDue {
		dto.PaymentsDue = append(dto.PaymentsDue, DueDTO{
			ToMember: string(d.ToMember),
			Amount:   ledger.Canon(d.Amount),
		})
	}
	for _, rcv := range m.PaymentsReceivable {
		dto.PaymentsReceivable = append(dto.PaymentsReceivable, ReceivableDTO{
			FromMember: string(rcv.FromMember),
			Amount:     ledger.Canon(rcv.Amount),
		})
	}
	for _, a := range m.PendingApprovals {
		dto.PendingPaymentApprovals = append(dto.PendingPaymentApprovals, ApprovalDTO{
			FromMember:  string(a.FromMember),
			Amount:      ledger.Canon(a.Amount),
			RequestedAt: a.RequestedAt.Format(time.RFC3339),
		})
	}
	return dto
}

func toPaymentDTO(p ledger.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:         p.ID,
		FromMember: string(p.FromMember),
		ToMember:   string(p.ToMember),
		Amount:     ledger.Canon(p.Amount),
		Status:     string(p.Status),
	}
	if p.RequestedAt != nil {
		dto.RequestedAt = strPtr(p.RequestedAt.Format(time.RFC3339))
	}
	if p.PaidAt != nil {
		dto.PaidAt = strPtr(p.PaidAt.Format(time.RFC3339))
	}
	return dto
}

func toTransactionDTO(t *ledger.SaleTransaction) TransactionDTO {
	dto := TransactionDTO{
		ID:              t.ID,
		ProductID:       t.ProductID,
		Seller:          string(t.Seller),
		SellingPrice:    ledger.Canon(t.SellingPrice),
		CostPrice:       ledger.Canon(t.CostPrice),
		Profit:          ledger.Canon(t.Profit),
		ProfitPerMember: ledger.Canon(t.ProfitPerMember),
		Payments:        make([]PaymentDTO, 0, len(t.Payments)),
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
	}
	for _, p := range t.Payments {
		dto.Payments = append(dto.Payments, toPaymentDTO(p))
	}
	return dto
}

func strPtr(s string) *string {
	return &s
}
