package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lootvault/lootvault/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(svc *Service) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(auth.ContextKeyUserID, u)
			c.Set(auth.ContextKeyRole, c.GetHeader("X-Test-Role"))
		}
		c.Next()
	})
	NewHandler(svc, slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterProtectedRoutes(r.Group("/v1"))
	return r
}

func call(r *gin.Engine, method, path, user, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
		req.Header.Set("X-Test-Role", role)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_GetReceiptPartiesOnly(t *testing.T) {
	svc, _, _ := newTestService()
	rcpt, err := svc.Issue(context.Background(), payout("ord_1"))
	require.NoError(t, err)
	r := setupRouter(svc)

	w := call(r, "GET", "/v1/receipts/"+rcpt.ID, testSeller, auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Receipt Receipt `json:"receipt"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "95.50", resp.Receipt.Amount)

	w = call(r, "GET", "/v1/receipts/"+rcpt.ID, "usr_mallory", auth.RoleUser, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(r, "GET", "/v1/receipts/"+rcpt.ID, "usr_admin", auth.RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_ListByUser(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Issue(context.Background(), payout("ord_1"))
	require.NoError(t, err)
	r := setupRouter(svc)

	w := call(r, "GET", "/v1/users/"+testBuyer+"/receipts", testBuyer, auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = call(r, "GET", "/v1/users/"+testBuyer+"/receipts", testSeller, auth.RoleUser, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(r, "GET", "/v1/users/usr_nobody/receipts", "usr_nobody", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"receipts":[]`)
}

func TestHandler_Verify(t *testing.T) {
	svc, _, _ := newTestService()
	rcpt, err := svc.Issue(context.Background(), payout("ord_1"))
	require.NoError(t, err)
	r := setupRouter(svc)

	w := call(r, "POST", "/v1/receipts/verify", testBuyer, auth.RoleUser, map[string]string{"receiptId": rcpt.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Verification VerifyResponse `json:"verification"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Verification.Valid)

	w = call(r, "POST", "/v1/receipts/verify", "usr_mallory", auth.RoleUser, map[string]string{"receiptId": rcpt.ID})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(r, "POST", "/v1/receipts/verify", testBuyer, auth.RoleUser, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
