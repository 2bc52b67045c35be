package validation

import "github.com/mymelodiess/food-delivery-microservices/internal/cart"

// CheckoutRequest is the payload for POST /checkout
type CheckoutRequest struct {
	BranchID        int64       `json:"branch_id" validate:"required,gt=0"`
	Items           []cart.Line `json:"items" validate:"required,min=1,max=100,dive"`
	CouponCode      string      `json:"coupon_code,omitempty" validate:"omitempty,max=50"`
	UserID          *int64      `json:"user_id,omitempty" validate:"omitempty,gt=0"`
	CustomerName    string      `json:"customer_name" validate:"required,max=100"`
	CustomerPhone   string      `json:"customer_phone" validate:"required,phone"`
	DeliveryAddress string      `json:"delivery_address" validate:"required,max=300"`
	Note            string      `json:"note,omitempty" validate:"max=500"`
	// IdempotencyKey is read when the Idempotency-Key header is absent.
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

// PaidRequest is the payload of the payment confirmation callback.
type PaidRequest struct {
	TransactionID string `json:"transaction_id" validate:"required,max=64"`
}
