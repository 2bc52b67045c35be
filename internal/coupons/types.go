package coupons

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Coupon is a branch-scoped percentage discount. Only Active changes after creation.
type Coupon struct {
	ID              int64     `json:"id"`
	Code            string    `json:"code"`
	DiscountPercent int       `json:"discount_percent"`
	BranchID        int64     `json:"branch_id"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	Active          bool      `json:"is_active"`
}

// Usage records one redemption. (CouponID, UserID) is unique.
type Usage struct {
	CouponID  int64     `json:"coupon_id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is what a successful validation or redemption reports.
type Result struct {
	CouponID        int64  `json:"id"`
	Code            string `json:"code"`
	DiscountPercent int    `json:"discount_percent"`
}

// ErrUsageExists is returned by Store.InsertUsage when the pair is already recorded.
var ErrUsageExists = errors.New("coupon usage already exists")

// ErrNotFound is returned by Store.Deactivate for unknown ids.
var ErrNotFound = errors.New("coupon not found")

// Store persists coupons and their usages.
type Store interface {
	// FindByCode returns the coupon with code in branch, or (nil, nil).
	FindByCode(ctx context.Context, code string, branchID int64) (*Coupon, error)
	// FindByID returns the coupon with id, or (nil, nil).
	FindByID(ctx context.Context, id int64) (*Coupon, error)
	HasUsage(ctx context.Context, couponID, userID int64) (bool, error)
	// InsertUsage must fail with ErrUsageExists when the pair exists, even under concurrent inserts.
	InsertUsage(ctx context.Context, couponID, userID int64) error
	Create(ctx context.Context, c *Coupon) error
	ListByBranch(ctx context.Context, branchID int64) ([]Coupon, error)
	Deactivate(ctx context.Context, id int64) error
}

// Normalize upper-cases and trims a coupon code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
