package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintToken(r *gin.Engine, secret, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(AdminSecretHeader, secret)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAdminTokenHandler(t *testing.T) {
	v := NewVerifier("jwt-secret", "")
	r := gin.New()
	r.POST("/admin/token", AdminTokenHandler(v, "ops-secret", time.Hour))

	w := mintToken(r, "ops-secret", `{"operator":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token   string `json:"token"`
		Subject string `json:"subject"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ops_alice", resp.Subject)

	claims, err := v.Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "ops_alice", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)

	assert.Equal(t, http.StatusUnauthorized, mintToken(r, "wrong", `{"operator":"alice"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, mintToken(r, "", `{"operator":"alice"}`).Code)
	assert.Equal(t, http.StatusBadRequest, mintToken(r, "ops-secret", `{"operator":"a b"}`).Code)
}

func TestAdminTokenHandler_DisabledWithoutSecret(t *testing.T) {
	r := gin.New()
	r.POST("/admin/token", AdminTokenHandler(NewVerifier("jwt-secret", ""), "", time.Hour))

	assert.Equal(t, http.StatusUnauthorized, mintToken(r, "", `{"operator":"alice"}`).Code)
}
