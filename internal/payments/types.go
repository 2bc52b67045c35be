// Package payments executes payment attempts for orders and keeps their records.
package payments

import (
	"context"
	"time"

	"github.com/mymelodiess/food-delivery-microservices/internal/money"
)

// Payment statuses
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Reasons recorded on FAILED payments.
const (
	ReasonAmountMismatch  = "AMOUNT_MISMATCH"
	ReasonOrderNotPayable = "ORDER_NOT_PAYABLE"
	ReasonDeclined        = "DECLINED"
	ReasonGatewayError    = "GATEWAY_ERROR"
	ReasonAlreadyPaid     = "ALREADY_PAID"
)

const (
	recordKindPayment = "PAYMENT"
	recordKindMethod  = "METHOD"
	paymentCounter    = "payments"
	methodCounter     = "payment_methods"
)

// GSI names on the payments table.
const (
	OrderIndex = "order_id-payment_id-index"
	KindIndex  = "record_kind-payment_id-index"
	OwnerIndex = "owner_id-method_id-index"
)

// Record is one payment attempt. Each order has at most one SUCCESS record.
type Record struct {
	PaymentKey    string       `dynamodbav:"payment_key" json:"-"` // PK
	PaymentID     int64        `dynamodbav:"payment_id" json:"id"`
	OrderID       int64        `dynamodbav:"order_id" json:"order_id"`
	Amount        money.Amount `dynamodbav:"amount" json:"amount"`
	TransactionID string       `dynamodbav:"transaction_id" json:"transaction_id"`
	Status        string       `dynamodbav:"status" json:"status"`
	Reason        string       `dynamodbav:"reason,omitempty" json:"reason,omitempty"`
	RecordKind    string       `dynamodbav:"record_kind" json:"-"`
	CreatedAt     time.Time    `dynamodbav:"created_at" json:"created_at"`
}

// Method is a saved card. Only the last four digits are kept.
type Method struct {
	PaymentKey string    `dynamodbav:"payment_key" json:"-"`
	MethodID   int64     `dynamodbav:"method_id" json:"id"`
	OwnerID    int64     `dynamodbav:"owner_id" json:"user_id"`
	CardLast4  string    `dynamodbav:"card_last4" json:"card_last4"`
	CardHolder string    `dynamodbav:"card_holder" json:"card_holder"`
	ExpiryDate string    `dynamodbav:"expiry_date" json:"expiry_date"`
	BankName   string    `dynamodbav:"bank_name,omitempty" json:"bank_name,omitempty"`
	RecordKind string    `dynamodbav:"record_kind" json:"-"`
	CreatedAt  time.Time `dynamodbav:"created_at" json:"created_at"`
}

// Result is what a payment attempt reports to its caller.
type Result struct {
	PaymentID     int64        `json:"payment_id,omitempty"`
	TransactionID string       `json:"transaction_id"`
	OrderID       int64        `json:"order_id"`
	Amount        money.Amount `json:"amount"`
	Status        string       `json:"status"`
	Message       string       `json:"message"`
}

// Succeeded reports whether the attempt was approved.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// OrderView is what the processor needs to know about an order.
type OrderView struct {
	ID     int64        `json:"id"`
	Total  money.Amount `json:"total_price"`
	Status string       `json:"status"`
}

// OrderLookup reads orders for the processor. Unknown ids return (nil, nil).
type OrderLookup interface {
	LookupOrder(ctx context.Context, orderID int64) (*OrderView, error)
}

// Payer runs a payment attempt. Implemented by Processor and by the remote Client.
type Payer interface {
	Pay(ctx context.Context, orderID int64, amount money.Amount) (*Result, error)
}
