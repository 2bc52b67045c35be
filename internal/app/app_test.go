package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/config"
	"github.com/mymelodiess/food-delivery-microservices/internal/identity"
	"github.com/mymelodiess/food-delivery-microservices/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whoAmI(auth gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", auth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": identity.FromContext(c).UserID})
	})
	return r
}

func get(r http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_UserHeaderNeedsServiceTokenOnceTokensAreVerified(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{JWTSecret: "secret", ServiceToken: "svc"}}
	r := whoAmI(Auth(cfg, true))

	w := get(r, "/me", map[string]string{identity.UserIDHeader: "5"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, "/me", map[string]string{identity.UserIDHeader: "5", identity.ServiceTokenHeader: "svc"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":5}`, w.Body.String())

	token, err := identity.NewJWTVerifier("secret").Sign(identity.Identity{UserID: 9})
	require.NoError(t, err)
	w = get(r, "/me", map[string]string{"Authorization": "Bearer " + token})
	assert.JSONEq(t, `{"id":9}`, w.Body.String())

	assert.Equal(t, map[string]string{identity.ServiceTokenHeader: "svc"}, ServiceHeaders(cfg))
}

func TestAuth_NoServiceTokenIgnoresUserHeader(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{JWTSecret: "secret"}}
	r := whoAmI(Auth(cfg, true))

	w := get(r, "/me", map[string]string{identity.UserIDHeader: "5"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, ServiceHeaders(cfg))
}

func TestAuth_WithoutVerifierTrustsUserHeader(t *testing.T) {
	r := whoAmI(Auth(&config.Config{}, true))

	w := get(r, "/me", map[string]string{identity.UserIDHeader: "5"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":5}`, w.Body.String())
}

func TestHealth_ReportsBreakers(t *testing.T) {
	catalog := resilience.NewGuard("app-health-catalog", "test", 2)
	r := NewRouter("order-service", catalog)

	var body map[string]interface{}
	w := get(r, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]interface{}{"app-health-catalog": "closed"}, body["breakers"])

	boom := apperr.Wrap(apperr.CatalogUnavailable, "down", errors.New("dial tcp"))
	for i := 0; i < 3; i++ {
		_ = catalog.Do(context.Background(), func() error { return boom }, nil)
	}
	w = get(r, "/health", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]interface{}{"app-health-catalog": "open"}, body["breakers"])
}
