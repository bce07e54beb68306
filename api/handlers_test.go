package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewshare/settlement-engine/api"
	"github.com/crewshare/settlement-engine/auth"
	"github.com/crewshare/settlement-engine/ledger"
	"github.com/crewshare/settlement-engine/settlement"
	"github.com/crewshare/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testPassword = "test-password"

type testServer struct {
	router http.Handler
	store  *sqlite.Store
	tokens map[string]string // member id -> bearer token
}

func newTestServer(t *testing.T, groupSize int) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= groupSize; i++ {
		m := ledger.Member{
			ID:       ledger.MemberID(fmt.Sprintf("member-%d", i)),
			Name:     fmt.Sprintf("Member %d", i),
			Email:    fmt.Sprintf("member%d@example.com", i),
			JoinedAt: time.Now().UTC(),
		}
		require.NoError(t, store.CreateMember(ctx, m, hash))
	}

	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	engine := settlement.New(store, groupSize)
	handler := api.NewHandler(store, engine, jwtManager)

	ts := &testServer{
		router: api.NewRouter(handler),
		store:  store,
		tokens: map[string]string{},
	}
	for i := 1; i <= groupSize; i++ {
		id := fmt.Sprintf("member-%d", i)
		token, err := jwtManager.Generate(ledger.MemberID(id), fmt.Sprintf("member%d@example.com", i))
		require.NoError(t, err)
		ts.tokens[id] = token
	}
	return ts
}

// do issues a request as the given member (empty for anonymous) and
// decodes the JSON response into out when non-nil.
func (ts *testServer) do(t *testing.T, method, path, asMember string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if asMember != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[asMember])
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if out != nil && rec.Code < 400 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func (ts *testServer) sellProduct(t *testing.T, seller string) api.SaleResponse {
	t.Helper()
	var product api.ProductDTO
	rec := ts.do(t, http.MethodPost, "/api/products", seller, api.CreateProductRequest{
		Code:         "SKU-1",
		Name:         "Widget",
		CostPrice:    "1000",
		SellingPrice: "4000",
	}, &product)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sale api.SaleResponse
	rec = ts.do(t, http.MethodPost, "/api/products/"+product.ID+"/sell", seller, nil, &sale)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return sale
}

// =============================================================================
// AUTH
// =============================================================================

func TestAPI_Login(t *testing.T) {
	ts := newTestServer(t, 4)

	var resp api.LoginResponse
	rec := ts.do(t, http.MethodPost, "/api/auth/login", "", api.LoginRequest{
		Email:    "member1@example.com",
		Password: testPassword,
	}, &resp)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "member-1", resp.Member.ID)
	assert.Equal(t, "0", resp.Member.TotalProfit)
}

func TestAPI_Login_BadCredentials(t *testing.T) {
	ts := newTestServer(t, 4)

	rec := ts.do(t, http.MethodPost, "/api/auth/login", "", api.LoginRequest{
		Email:    "member1@example.com",
		Password: "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Unknown email looks identical to a wrong password
	rec = ts.do(t, http.MethodPost, "/api/auth/login", "", api.LoginRequest{
		Email:    "nobody@example.com",
		Password: testPassword,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_RequiresToken(t *testing.T) {
	ts := newTestServer(t, 4)

	for _, path := range []string{"/api/members", "/api/payments/pending-approvals", "/api/transactions"} {
		rec := ts.do(t, http.MethodGet, path, "", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

// =============================================================================
// SETTLEMENT FLOW
// =============================================================================

func TestAPI_FullSettlementFlow(t *testing.T) {
	// GIVEN: member-1 sells a catalog product for 4000
	// WHEN: member-1 requests approval from member-2, who approves
	// THEN: member-2 is credited one share and the journal payment is paid

	ts := newTestServer(t, 4)
	sale := ts.sellProduct(t, "member-1")
	assert.Equal(t, "1000", sale.SellerShare)
	require.Len(t, sale.Transaction.Payments, 3)

	// Seller sees their own credit
	var me api.MemberDTO
	rec := ts.do(t, http.MethodGet, "/api/members/me", "member-1", nil, &me)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", me.TotalProfit)
	assert.Len(t, me.PaymentsDue, 3)

	// Payer requests approval
	rec = ts.do(t, http.MethodPost, "/api/payments/request-approval", "member-1",
		api.ObligationRequest{MemberID: "member-2", Amount: "1000"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Payee finds it pending
	var approvals []api.ApprovalDTO
	rec = ts.do(t, http.MethodGet, "/api/payments/pending-approvals", "member-2", nil, &approvals)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, approvals, 1)
	assert.Equal(t, "member-1", approvals[0].FromMember)
	assert.Equal(t, "1000", approvals[0].Amount)

	// Payee approves
	rec = ts.do(t, http.MethodPost, "/api/payments/approve", "member-2",
		api.ObligationRequest{MemberID: "member-1", Amount: "1000"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/members/me", "member-2", nil, &me)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", me.TotalProfit)
	assert.Empty(t, me.PaymentsReceivable)
	assert.Empty(t, me.PendingPaymentApprovals)

	// Journal shows exactly one paid payment
	var txs []api.TransactionDTO
	rec = ts.do(t, http.MethodGet, "/api/transactions?status=paid", "member-1", nil, &txs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, txs, 1)
}

func TestAPI_RejectFlow(t *testing.T) {
	ts := newTestServer(t, 4)
	ts.sellProduct(t, "member-1")

	rec := ts.do(t, http.MethodPost, "/api/payments/request-approval", "member-1",
		api.ObligationRequest{MemberID: "member-2", Amount: "1000"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state map[string]any
	rec = ts.do(t, http.MethodPost, "/api/payments/reject", "member-2",
		api.ObligationRequest{MemberID: "member-1", Amount: "1000"}, &state)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", state["status"])

	// Obligation is back to square one
	var me api.MemberDTO
	rec = ts.do(t, http.MethodGet, "/api/members/me", "member-2", nil, &me)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", me.TotalProfit)
	assert.Len(t, me.PaymentsReceivable, 1)
	assert.Empty(t, me.PendingPaymentApprovals)
}

func TestAPI_ApproveWithoutRequest_Conflict(t *testing.T) {
	ts := newTestServer(t, 4)
	ts.sellProduct(t, "member-1")

	rec := ts.do(t, http.MethodPost, "/api/payments/approve", "member-2",
		api.ObligationRequest{MemberID: "member-1", Amount: "1000"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_RequestApproval_BadAmount(t *testing.T) {
	ts := newTestServer(t, 4)
	ts.sellProduct(t, "member-1")

	rec := ts.do(t, http.MethodPost, "/api/payments/request-approval", "member-1",
		api.ObligationRequest{MemberID: "member-2", Amount: "-5"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/payments/request-approval", "member-1",
		api.ObligationRequest{MemberID: "member-2", Amount: "999"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "no matching due")
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestAPI_ProductDoubleSell(t *testing.T) {
	ts := newTestServer(t, 4)

	var product api.ProductDTO
	rec := ts.do(t, http.MethodPost, "/api/products", "member-1", api.CreateProductRequest{
		Name: "Widget", CostPrice: "1000", SellingPrice: "4000",
	}, &product)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/products/"+product.ID+"/sell", "member-1", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/products/"+product.ID+"/sell", "member-2", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "second sale of the same product loses")
}

func TestAPI_ProductNotFound(t *testing.T) {
	ts := newTestServer(t, 4)
	rec := ts.do(t, http.MethodGet, "/api/products/ghost", "member-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAPI_RecomputeProfit(t *testing.T) {
	ts := newTestServer(t, 4)
	ts.sellProduct(t, "member-1")

	var check api.ProfitCheckDTO
	rec := ts.do(t, http.MethodGet, "/api/admin/members/member-1/recompute", "member-1", nil, &check)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, check.Consistent)
	assert.Equal(t, "1000", check.Stored)
	assert.Equal(t, "1000", check.Derived)
}

func TestAPI_ResetAll(t *testing.T) {
	ts := newTestServer(t, 4)
	ts.sellProduct(t, "member-1")

	rec := ts.do(t, http.MethodPost, "/api/admin/reset", "member-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var me api.MemberDTO
	rec = ts.do(t, http.MethodGet, "/api/members/me", "member-1", nil, &me)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", me.TotalProfit)
	assert.Empty(t, me.PaymentsDue)

	var txs []api.TransactionDTO
	rec = ts.do(t, http.MethodGet, "/api/transactions", "member-1", nil, &txs)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, txs)
}

// =============================================================================
// OPERATIONAL
// =============================================================================

func TestAPI_Health(t *testing.T) {
	ts := newTestServer(t, 4)
	rec := ts.do(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Metrics(t *testing.T) {
	ts := newTestServer(t, 4)

	// Generate at least one observation before scraping.
	ts.do(t, http.MethodGet, "/health", "", nil, nil)

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_request_duration_seconds")
}
