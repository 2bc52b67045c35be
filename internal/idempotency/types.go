package idempotency

import (
	"fmt"
	"time"
)

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
	StatusClaimed    = "CLAIMED"
)

// IdempotencyRecord is the shape persisted in the idempotency DynamoDB table.
// Coupon claims share the table, keyed by ClaimKey.
type IdempotencyRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	OrderID        int64     `dynamodbav:"order_id,omitempty"`
	Owner          string    `dynamodbav:"owner,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`
	ResponseStatus int       `dynamodbav:"response_status,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// Expired reports whether the TTL has passed; DynamoDB deletes lazily so reads must check.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && r.ExpiresAt < now.Unix()
}

// ClaimKey names the single-flight claim a user holds on a coupon while a checkout is in flight.
func ClaimKey(couponID, userID int64) string {
	return fmt.Sprintf("coupon-claim:%d:%d", couponID, userID)
}
