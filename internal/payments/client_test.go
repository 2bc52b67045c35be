package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
	"github.com/mymelodiess/food-delivery-microservices/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payService(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "order-7", r.Header.Get(IdempotencyHeader))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewClient(resilience.NewClient(resilience.ClientOptions{BaseURL: srv.URL, Timeout: time.Second}), nil)
}

func TestClient_PaySuccess(t *testing.T) {
	c := payService(t, http.StatusOK, `{"payment_id":3,"transaction_id":"PAY_OK000001","order_id":7,"amount":"85000","status":"SUCCESS"}`)

	res, err := c.Pay(context.Background(), 7, money.FromInt(85000))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "PAY_OK000001", res.TransactionID)
}

func TestClient_PayOKWithoutSuccessIsFailure(t *testing.T) {
	c := payService(t, http.StatusOK, `{"transaction_id":"PAY_NO000001","order_id":7,"amount":"85000","status":"FAILED"}`)

	res, err := c.Pay(context.Background(), 7, money.FromInt(85000))
	assert.Equal(t, apperr.PaymentFailed, apperr.KindOf(err))
	require.NotNil(t, res)
	assert.False(t, res.Succeeded())
	assert.Equal(t, "PAY_NO000001", res.TransactionID)
}

func TestClient_PayDeclined(t *testing.T) {
	c := payService(t, http.StatusPaymentRequired, `{"error":"PaymentFailed","message":"payment declined","reason":"DECLINED","transaction_id":"PAY_DC000001","status":"FAILED"}`)

	res, err := c.Pay(context.Background(), 7, money.FromInt(85000))
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.PaymentFailed, ae.Kind)
	assert.Equal(t, ReasonDeclined, ae.Reason)
	require.NotNil(t, res)
	assert.Equal(t, "PAY_DC000001", res.TransactionID)
}
