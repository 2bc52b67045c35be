// Package checkout runs the checkout saga: price the cart, check the coupon, create the
// order, take payment, redeem the coupon and notify the branch.
package checkout

import (
	"context"
	"time"

	"github.com/mymelodiess/food-delivery-microservices/internal/cart"
	"github.com/mymelodiess/food-delivery-microservices/internal/coupons"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
	"github.com/mymelodiess/food-delivery-microservices/internal/orders"
	"github.com/mymelodiess/food-delivery-microservices/internal/payments"
)

// Saga states. They describe progress through one checkout; order rows only ever hold
// the order statuses.
const (
	StateValidating     = "VALIDATING"
	StatePriced         = "PRICED"
	StateCouponChecked  = "COUPON_CHECKED"
	StateOrderCreated   = "ORDER_CREATED"
	StatePendingPayment = "PENDING_PAYMENT"
	StatePaid           = "PAID"
	StateCompleted      = "COMPLETED"
	StateFailed         = "FAILED"
	StateCancelled      = "CANCELLED"
)

// Request is a validated checkout submission.
type Request struct {
	BranchID        int64
	Items           []cart.Line
	CouponCode      string
	UserID          *int64
	CustomerName    string
	CustomerPhone   string
	DeliveryAddress string
	Note            string
}

// Result describes the order a checkout produced.
type Result struct {
	OrderID        int64             `json:"order_id"`
	Status         string            `json:"status"`
	State          string            `json:"state"`
	Items          []cart.PricedLine `json:"items"`
	Subtotal       money.Amount      `json:"subtotal"`
	DiscountAmount money.Amount      `json:"discount_amount"`
	Total          money.Amount      `json:"total_price"`
	CouponCode     string            `json:"coupon_code,omitempty"`
	TransactionID  string            `json:"transaction_id,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	// Replayed is set when the idempotency key already had an order.
	Replayed bool `json:"replayed,omitempty"`
}

func resultFor(o *orders.Order, state string) *Result {
	return &Result{
		OrderID:        o.OrderID,
		Status:         o.Status,
		State:          state,
		Items:          o.Items,
		Subtotal:       o.Subtotal,
		DiscountAmount: o.DiscountAmount,
		Total:          o.Total,
		CouponCode:     o.CouponCode,
		TransactionID:  o.TransactionID,
	}
}

// Pricer prices carts.
type Pricer interface {
	Resolve(ctx context.Context, lines []cart.Line) (cart.Quote, error)
}

// CouponService is the catalog's coupon contract.
type CouponService interface {
	VerifyCoupon(ctx context.Context, code string, branchID, userID int64) (coupons.Result, error)
	RedeemCoupon(ctx context.Context, couponID int64, code string, branchID, userID int64) (coupons.Result, error)
}

// OrderStore is the part of orders.Store the orchestrator drives.
type OrderStore interface {
	CreateWithIdempotencyTransaction(ctx context.Context, key string, order orders.Order) (*orders.Order, bool, error)
	Get(ctx context.Context, orderID int64) (*orders.Order, error)
	SetStatus(ctx context.Context, orderID int64, to string, opts ...orders.StatusOption) (*orders.Order, error)
	UpdateStatus(ctx context.Context, orderID int64, expected, next string, opts ...orders.StatusOption) (*orders.Order, error)
	IncrementPaymentAttempts(ctx context.Context, orderID int64) (int, error)
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]orders.Order, error)
}

// Claims holds single-flight coupon claims. Implemented by idempotency.Store.
type Claims interface {
	AcquireClaim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, key, owner string) error
}

// PaymentRecords finds the successful payment of an order, if any.
type PaymentRecords interface {
	FindSuccess(ctx context.Context, orderID int64) (*payments.Record, error)
}

// Emitter publishes outcome counts. Implemented by aws.MetricEmitter.
type Emitter interface {
	Count(ctx context.Context, name string, dims map[string]string) error
}
