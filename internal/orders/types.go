package orders

import (
	"time"

	"github.com/mymelodiess/food-delivery-microservices/internal/cart"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
)

// Order statuses
const (
	StatusPendingPayment = "PENDING_PAYMENT"
	StatusPaid           = "PAID"
	StatusShipping       = "SHIPPING"
	StatusCompleted      = "COMPLETED"
	StatusCancelled      = "CANCELLED"
	StatusFailed         = "FAILED"
)

// GSI names on the orders table. Each uses order_id as range key, so index order is creation order.
const (
	BranchIndex = "branch_id-order_id-index"
	UserIndex   = "user_id-order_id-index"
	StatusIndex = "status-order_id-index"
)

var transitions = map[string][]string{
	StatusPendingPayment: {StatusPaid, StatusCancelled, StatusFailed},
	StatusPaid:           {StatusShipping, StatusCompleted},
	StatusShipping:       {StatusCompleted},
}

// ValidTransition reports whether the order state machine allows from -> to.
func ValidTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s string) bool {
	return len(transitions[s]) == 0
}

// KnownStatus reports whether s is a status of the order state machine.
func KnownStatus(s string) bool {
	switch s {
	case StatusPendingPayment, StatusPaid, StatusShipping, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID         int64             `dynamodbav:"order_id" json:"id"` // PK
	UserID          *int64            `dynamodbav:"user_id,omitempty" json:"user_id"`
	CustomerName    string            `dynamodbav:"customer_name" json:"customer_name"`
	CustomerPhone   string            `dynamodbav:"customer_phone" json:"customer_phone"`
	BranchID        int64             `dynamodbav:"branch_id" json:"branch_id"`
	DeliveryAddress string            `dynamodbav:"delivery_address" json:"delivery_address"`
	Note            string            `dynamodbav:"note,omitempty" json:"note,omitempty"`
	Items           []cart.PricedLine `dynamodbav:"items" json:"items"`
	Subtotal        money.Amount      `dynamodbav:"subtotal" json:"subtotal"`
	DiscountAmount  money.Amount      `dynamodbav:"discount_amount" json:"discount_amount"`
	Total           money.Amount      `dynamodbav:"total" json:"total_price"`
	CouponCode      string            `dynamodbav:"coupon_code,omitempty" json:"coupon_code,omitempty"`
	CouponID        int64             `dynamodbav:"coupon_id,omitempty" json:"coupon_id,omitempty"`
	Status          string            `dynamodbav:"status" json:"status"`
	FailureReason   string            `dynamodbav:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	TransactionID   string            `dynamodbav:"transaction_id,omitempty" json:"transaction_id,omitempty"`
	IdempotencyKey  string            `dynamodbav:"idempotency_key,omitempty" json:"-"`
	PaymentAttempts int               `dynamodbav:"payment_attempts,omitempty" json:"payment_attempts,omitempty"`
	CreatedAt       time.Time         `dynamodbav:"created_at" json:"created_at"`
	CreatedEpoch    int64             `dynamodbav:"created_epoch" json:"-"`
	UpdatedAt       time.Time         `dynamodbav:"updated_at" json:"updated_at"`
}

// HasCoupon reports whether a discount was applied to the order.
func (o *Order) HasCoupon() bool {
	return o.CouponID != 0
}

// Filter narrows List. With neither field set every order is returned.
type Filter struct {
	BranchID *int64
	UserID   *int64
	Limit    int
}
