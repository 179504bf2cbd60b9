package escrow

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lootvault/lootvault/internal/auth"
	"github.com/lootvault/lootvault/internal/payments"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	*fixture
	router   *gin.Engine
	verifier *auth.Verifier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newFixture(t)
	v := auth.NewVerifier("test-secret", "")

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(v))

	h := NewHandler(f.svc, slog.Default())
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	h.RegisterProtectedRoutes(protected)

	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireAdmin())
	h.RegisterAdminRoutes(adminGroup)

	return &apiFixture{fixture: f, router: r, verifier: v}
}

func (a *apiFixture) do(t *testing.T, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		tok, err := a.verifier.Issue(userID, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeOrder(t *testing.T, w *httptest.ResponseRecorder) Order {
	t.Helper()
	var resp struct {
		Order Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Order
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHandler_OrderFlow(t *testing.T) {
	a := newAPIFixture(t)

	w := a.do(t, http.MethodPost, "/v1/orders", buyer, auth.RoleUser, map[string]any{
		"sellerId": seller,
		"listing":  map[string]any{"listingId": "lst_gold", "title": "10k gold", "unitPrice": "100.00"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	o := decodeOrder(t, w)
	assert.Equal(t, buyer, o.BuyerID)
	assert.Equal(t, StatusPending, o.Status)

	w = a.do(t, http.MethodPost, "/v1/admin/orders/"+o.ID+"/payment", buyer, auth.RoleUser, map[string]any{"paymentRef": "pi_1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/v1/admin/orders/"+o.ID+"/payment", admin, auth.RoleAdmin, map[string]any{"paymentRef": "pi_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/deliver", seller, auth.RoleUser, map[string]any{"payload": "CODE-XYZ"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "CODE-XYZ", "payload never appears on the order")

	w = a.do(t, http.MethodGet, "/v1/orders/"+o.ID+"/delivery", seller, auth.RoleUser, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodGet, "/v1/orders/"+o.ID+"/delivery", buyer, auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "CODE-XYZ")

	w = a.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/confirm", buyer, auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusCompleted, decodeOrder(t, w).Status)

	w = a.do(t, http.MethodGet, "/v1/orders/"+o.ID, "usr_stranger", auth.RoleUser, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodGet, "/v1/users/"+buyer+"/orders", buyer, auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = a.do(t, http.MethodGet, "/v1/users/"+buyer+"/orders", seller, auth.RoleUser, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_RequiresAuth(t *testing.T) {
	a := newAPIFixture(t)
	w := a.do(t, http.MethodPost, "/v1/orders", "", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_DisputeAndVerdict(t *testing.T) {
	a := newAPIFixture(t)
	o := a.delivered(t, "100.00")

	w := a.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/dispute", buyer, auth.RoleUser, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/dispute", buyer, auth.RoleUser, map[string]any{"reason": "code invalid"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/dispute", buyer, auth.RoleUser, map[string]any{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "dispute_exists", errorCode(t, w))

	w = a.do(t, http.MethodGet, "/v1/admin/disputes", admin, auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = a.do(t, http.MethodPost, "/v1/admin/orders/"+o.ID+"/resolve", admin, auth.RoleAdmin, map[string]any{
		"verdict": "split", "reason": "half", "refundAmount": "100.00",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_amount", errorCode(t, w))

	w = a.do(t, http.MethodPost, "/v1/admin/orders/"+o.ID+"/resolve", admin, auth.RoleAdmin, map[string]any{"verdict": "seller_favor"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_verdict", errorCode(t, w))

	a.processor.FailNext(payments.ErrUnavailable)
	w = a.do(t, http.MethodPost, "/v1/admin/orders/"+o.ID+"/resolve", admin, auth.RoleAdmin, map[string]any{
		"verdict": "buyer_favor", "reason": "code was used",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, SettlementPending, decodeOrder(t, w).Settlement)

	w = a.do(t, http.MethodPost, "/v1/admin/orders/"+o.ID+"/resolve", admin, auth.RoleAdmin, map[string]any{
		"verdict": "seller_favor", "reason": "second",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "dispute_resolved", errorCode(t, w))

	w = a.do(t, http.MethodGet, "/v1/admin/settlements/pending", admin, auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), o.ID)

	w = a.do(t, http.MethodPost, "/v1/admin/settlements/"+o.ID+"/retry", admin, auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, SettlementSettled, decodeOrder(t, w).Settlement)

	w = a.do(t, http.MethodGet, "/v1/admin/orders/"+o.ID+"/settlement", admin, auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"refund"`)
}

func TestHandler_DisputeWindowClosed(t *testing.T) {
	a := newAPIFixture(t)
	o := a.delivered(t, "10.00")
	a.clock.Set(o.AutoCompleteAt.Add(time.Minute))

	w := a.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/dispute", buyer, auth.RoleUser, map[string]any{"reason": "late"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "dispute_window_closed", errorCode(t, w))
}

func TestHandler_CancelRoles(t *testing.T) {
	a := newAPIFixture(t)
	o := a.order(t, "10.00", false)
	_, err := a.svc.ConfirmPayment(t.Context(), o.ID, "pi")
	require.NoError(t, err)

	w := a.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/cancel", buyer, auth.RoleUser, map[string]any{"reason": "nah"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/cancel", seller, auth.RoleUser, map[string]any{"reason": "no stock"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeOrder(t, w)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "no stock", got.CancelReason)
}

func TestHandler_CodesAndOutOfStock(t *testing.T) {
	a := newAPIFixture(t)
	o := a.order(t, "5.00", true)
	_, err := a.svc.ConfirmPayment(t.Context(), o.ID, "pi")
	require.NoError(t, err)

	w := a.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/auto-deliver", buyer, auth.RoleUser, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "out_of_stock", errorCode(t, w))

	w = a.do(t, http.MethodPost, "/v1/listings/lst_gold/codes", seller, auth.RoleUser, map[string]any{"codes": []string{"A1"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"stock":1`)

	w = a.do(t, http.MethodPost, "/v1/listings/lst_gold/codes", "usr_other", auth.RoleUser, map[string]any{"codes": []string{"X"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/auto-deliver", buyer, auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusDelivered, decodeOrder(t, w).Status)

	w = a.do(t, http.MethodGet, "/v1/listings/lst_gold/stock", buyer, auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stock":0`)
}

func TestHandler_CreateOrderValidation(t *testing.T) {
	a := newAPIFixture(t)

	w := a.do(t, http.MethodPost, "/v1/orders", buyer, auth.RoleUser, map[string]any{
		"sellerId": "usr seller; drop",
		"listing":  map[string]any{"listingId": "lst_gold", "title": "10k gold", "unitPrice": "100.00"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorCode(t, w))
}
