/*
handlers.go - HTTP API handlers for the partner settlement service

PURPOSE:
  Exposes the settlement engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Auth:
    POST   /api/auth/login               Exchange credentials for a token

  Members:
    GET    /api/members                  List all members with balances
    POST   /api/members                  Create member (bootstrap only)
    GET    /api/members/me               Authenticated member's view
    GET    /api/members/{id}             One member with balances

  Payments (all act as the authenticated member):
    GET    /api/payments/pending-approvals   Approvals waiting on the caller
    POST   /api/payments/request-approval    Payer asks payee to confirm
    POST   /api/payments/approve             Payee settles an obligation
    POST   /api/payments/reject              Payee sends it back to pending

  Transactions:
    GET    /api/transactions             Journal, filterable
    GET    /api/transactions/{id}        One record
    GET    /api/transactions/member/{id} Everything touching a member

  Products:
    GET    /api/products                 Catalog, filterable by status
    POST   /api/products                 Add product
    GET    /api/products/{id}            One product
    PUT    /api/products/{id}            Reprice (unsold only)
    DELETE /api/products/{id}            Remove (unsold only)
    POST   /api/products/{id}/sell       Sell and settle in one call

  Admin:
    POST   /api/admin/reset                      Wipe balances and journal
    POST   /api/admin/members/{id}/reset         Wipe one member's balances
    GET    /api/admin/members/{id}/recompute     Journal consistency check

ERROR HANDLING:
  One mapper (handleError) translates domain errors to status codes:
  - 400: Validation errors, invalid input
  - 401: Bad credentials, missing/invalid token
  - 404: Member, product, or transaction not found
  - 409: Obligation not found (lost race), product already sold
  - 500: Storage errors, invariant violations

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Token validation and identity binding
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crewshare/settlement-engine/auth"
	"github.com/crewshare/settlement-engine/ledger"
	"github.com/crewshare/settlement-engine/settlement"
	"github.com/crewshare/settlement-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Engine *settlement.Engine
	JWT    *auth.JWTManager
	Log    *slog.Logger
}

// NewHandler creates a handler over the given store and engine.
func NewHandler(store *sqlite.Store, engine *settlement.Engine, jwt *auth.JWTManager) *Handler {
	return &Handler{
		Store:  store,
		Engine: engine,
		JWT:    jwt,
		Log:    slog.Default(),
	}
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// Login verifies credentials and returns a session token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required", nil)
		return
	}

	member, hash, err := h.Store.Credentials(r.Context(), req.Email)
	if err != nil {
		if ledger.IsNotFound(err) {
			// Same response as a wrong password. No account probing.
			writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
			return
		}
		h.handleError(w, err)
		return
	}
	if err := auth.CheckPassword(hash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}

	token, err := h.JWT.Generate(member.ID, member.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:  token,
		Member: toMemberDTO(member),
	})
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns all members with their balance mirrors.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Store.ListMembers(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}

	dtos := make([]MemberDTO, len(members))
	for i := range members {
		dtos[i] = toMemberDTO(&members[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMember returns a single member with balances.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id := ledger.MemberID(chi.URLParam(r, "id"))

	member, err := h.Store.GetMember(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(member))
}

// Me returns the authenticated member's own view.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := MemberFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authorization required", nil)
		return
	}

	member, err := h.Store.GetMember(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(member))
}

// CreateMember registers a new member. The group size is fixed, so this
// is a bootstrap operation: it refuses once the group is full.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "id, name, email and password are required", nil)
		return
	}

	count, err := h.Store.CountMembers(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	if count >= h.Engine.GroupSize() {
		writeError(w, http.StatusConflict, "Member group is already complete", nil)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password", err)
		return
	}

	member := ledger.Member{
		ID:           ledger.MemberID(req.ID),
		Name:         req.Name,
		Email:        strings.TrimSpace(strings.ToLower(req.Email)),
		Role:         req.Role,
		ProfileImage: req.ProfileImage,
		JoinedAt:     time.Now().UTC(),
	}
	if err := h.Store.CreateMember(r.Context(), member, hash); err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMemberDTO(&member))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// PendingApprovals lists the approvals waiting on the caller.
func (h *Handler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	id, ok := MemberFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authorization required", nil)
		return
	}

	member, err := h.Store.GetMember(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}

	dtos := make([]ApprovalDTO, 0, len(member.PendingApprovals))
	for _, a := range member.PendingApprovals {
		dtos = append(dtos, ApprovalDTO{
			FromMember:  string(a.FromMember),
			Amount:      ledger.Canon(a.Amount),
			RequestedAt: a.RequestedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RequestApproval moves one of the caller's dues to approval_requested.
// The body names the payee; the payer is always the caller.
func (h *Handler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	payer, payee, amount, ok := h.obligationParties(w, r)
	if !ok {
		return
	}

	state, err := h.Engine.RequestApproval(r.Context(), payer, payee, amount)
	recordOp("request_approval", err)
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fromMember": string(state.Obligation.Payer),
		"toMember":   string(state.Obligation.Payee),
		"amount":     ledger.Canon(state.Obligation.Amount),
		"status":     string(state.Status),
	})
}

// ApprovePayment settles one obligation. The body names the payer; the
// payee is always the caller.
func (h *Handler) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	payee, payer, amount, ok := h.obligationParties(w, r)
	if !ok {
		return
	}

	result, err := h.Engine.Approve(r.Context(), payee, payer, amount)
	recordOp("approve", err)
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"payer": toMemberDTO(result.Payer),
		"payee": toMemberDTO(result.Payee),
	})
}

// RejectPayment sends a requested approval back to pending. The body
// names the payer; the payee is always the caller.
func (h *Handler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	payee, payer, amount, ok := h.obligationParties(w, r)
	if !ok {
		return
	}

	state, err := h.Engine.Reject(r.Context(), payee, payer, amount)
	recordOp("reject", err)
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fromMember": string(state.Obligation.Payer),
		"toMember":   string(state.Obligation.Payee),
		"amount":     ledger.Canon(state.Obligation.Amount),
		"status":     string(state.Status),
	})
}

// obligationParties parses the common payment request shape: the caller
// from the session, the counterparty and amount from the body.
func (h *Handler) obligationParties(w http.ResponseWriter, r *http.Request) (caller, counterparty ledger.MemberID, amount decimal.Decimal, ok bool) {
	caller, authed := MemberFromContext(r.Context())
	if !authed {
		writeError(w, http.StatusUnauthorized, "Authorization required", nil)
		return "", "", decimal.Zero, false
	}

	var req ObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return "", "", decimal.Zero, false
	}
	if req.MemberID == "" {
		writeError(w, http.StatusBadRequest, "memberId is required", nil)
		return "", "", decimal.Zero, false
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		h.handleError(w, err)
		return "", "", decimal.Zero, false
	}
	return caller, ledger.MemberID(req.MemberID), amount, true
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions returns the journal, filterable by seller, product
// and payment status.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter := ledger.JournalFilter{
		SellerID:  ledger.MemberID(r.URL.Query().Get("seller")),
		ProductID: r.URL.Query().Get("product"),
		Status:    ledger.PaymentStatus(r.URL.Query().Get("status")),
	}

	txs, err := h.Store.ListTransactions(r.Context(), filter)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetTransaction returns one journal record.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tx, err := h.Store.GetTransaction(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// MemberTransactions returns every record touching one member.
func (h *Handler) MemberTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.MemberID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetMember(r.Context(), id); err != nil {
		h.handleError(w, err)
		return
	}
	txs, err := h.Store.MemberTransactions(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns the catalog, optionally filtered by status.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		h.handleError(w, err)
		return
	}

	dtos := make([]ProductDTO, 0, len(products))
	for i := range products {
		dtos = append(dtos, toProductDTO(&products[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProduct adds a product to the catalog.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	cost, err := parseCostPrice(req.CostPrice)
	if err != nil {
		h.handleError(w, err)
		return
	}
	selling, err := ledger.ParseAmount(req.SellingPrice)
	if err != nil {
		h.handleError(w, err)
		return
	}

	id := uuid.NewString()
	if req.Code == "" {
		req.Code = id
	}
	product := sqlite.Product{
		ID:           id,
		Code:         req.Code,
		Name:         req.Name,
		CostPrice:    cost,
		SellingPrice: selling,
		Status:       sqlite.ProductNotSold,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.Store.SaveProduct(r.Context(), product); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(&product))
}

// GetProduct returns one catalog entry.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.Store.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(product))
}

// UpdateProduct reprices an unsold product.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req UpdateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cost, err := parseCostPrice(req.CostPrice)
	if err != nil {
		h.handleError(w, err)
		return
	}
	selling, err := ledger.ParseAmount(req.SellingPrice)
	if err != nil {
		h.handleError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.Store.UpdateProductPrices(r.Context(), id, cost, selling); err != nil {
		h.handleError(w, err)
		return
	}
	product, err := h.Store.GetProduct(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(product))
}

// DeleteProduct removes an unsold product.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Product deleted"})
}

// SellProduct sells a catalog product as the authenticated member and
// settles the sale in one call. The product is claimed first so a
// concurrent second sale loses before the engine runs; if settlement
// then fails, the claim is compensated and the product goes back on
// the shelf.
func (h *Handler) SellProduct(w http.ResponseWriter, r *http.Request) {
	seller, ok := MemberFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authorization required", nil)
		return
	}
	id := chi.URLParam(r, "id")

	// Optional price override at the moment of sale. An empty body means
	// sell at the listed price.
	var req struct {
		SellingPrice string `json:"sellingPrice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	product, err := h.Store.GetProduct(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	sellingPrice := product.SellingPrice
	if req.SellingPrice != "" {
		sellingPrice, err = ledger.ParseAmount(req.SellingPrice)
		if err != nil {
			h.handleError(w, err)
			return
		}
	}

	product, err = h.Store.MarkProductSold(r.Context(), id, sellingPrice, seller, time.Now().UTC())
	if err != nil {
		recordOp("record_sale", err)
		h.handleError(w, err)
		return
	}

	result, err := h.Engine.RecordSale(r.Context(), ledger.SaleEvent{
		ProductID:    product.ID,
		SellerID:     seller,
		SellingPrice: sellingPrice,
		CostPrice:    product.CostPrice,
	})
	recordOp("record_sale", err)
	if err != nil {
		if rerr := h.Store.RevertProductSale(r.Context(), id); rerr != nil {
			h.Log.Error("failed to revert product after settlement failure",
				"product", id, "error", rerr)
		}
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, SaleResponse{
		SellerShare: ledger.Canon(result.SellerShare),
		Transaction: toTransactionDTO(&result.Transaction),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ResetAll wipes every member's balances and the journal.
func (h *Handler) ResetAll(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.ResetAll(r.Context()); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "All balances and journal reset"})
}

// ResetMember wipes one member's balances. Their journal entries stay.
func (h *Handler) ResetMember(w http.ResponseWriter, r *http.Request) {
	id := ledger.MemberID(chi.URLParam(r, "id"))
	if err := h.Engine.ResetMember(r.Context(), id); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Member balances reset"})
}

// RecomputeProfit checks one member's stored profit against the journal.
func (h *Handler) RecomputeProfit(w http.ResponseWriter, r *http.Request) {
	id := ledger.MemberID(chi.URLParam(r, "id"))
	check, err := h.Engine.RecomputeProfit(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfitCheckDTO{
		MemberID:   string(check.MemberID),
		Stored:     ledger.Canon(check.Stored),
		Derived:    ledger.Canon(check.Derived),
		Consistent: check.Consistent(),
	})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// handleError maps domain errors onto HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message, nil)
	case errors.Is(err, ledger.ErrObligationNotFound):
		writeError(w, http.StatusConflict, "Obligation not found", err)
	case errors.Is(err, ledger.ErrProductAlreadySold):
		writeError(w, http.StatusConflict, "Product already sold", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrInvariantViolation):
		h.Log.Error("invariant violation", "error", err)
		writeError(w, http.StatusInternalServerError, "Ledger invariant violation", err)
	default:
		h.Log.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

// parseCostPrice allows zero, unlike sale amounts.
func parseCostPrice(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ledger.ValidationError{Field: "costPrice", Message: "invalid cost price"}
	}
	if d.IsNegative() {
		return decimal.Zero, &ledger.ValidationError{Field: "costPrice", Message: "cost price cannot be negative"}
	}
	return d, nil
}

func toTransactionDTOs(txs []ledger.SaleTransaction) []TransactionDTO {
	dtos := make([]TransactionDTO, 0, len(txs))
	for i := range txs {
		dtos = append(dtos, toTransactionDTO(&txs[i]))
	}
	return dtos
}

func toProductDTO(p *sqlite.Product) ProductDTO {
	dto := ProductDTO{
		ID:           p.ID,
		Code:         p.Code,
		Name:         p.Name,
		CostPrice:    ledger.Canon(p.CostPrice),
		SellingPrice: ledger.Canon(p.SellingPrice),
		Status:       p.Status,
		SoldBy:       string(p.SoldBy),
		CreatedAt:    p.CreatedAt.Format(time.RFC3339),
	}
	if p.SoldAt != nil {
		dto.SoldAt = strPtr(p.SoldAt.Format(time.RFC3339))
	}
	if p.Status == sqlite.ProductSold {
		dto.Profit = ledger.Canon(p.Profit)
	}
	return dto
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
