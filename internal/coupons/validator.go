package coupons

import (
	"context"
	"errors"
	"time"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	log "github.com/sirupsen/logrus"
)

// Validator applies the eligibility checks in order; the first failing check wins.
type Validator struct {
	store   Store
	nowFunc func() time.Time
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store, nowFunc: time.Now}
}

// WithClock overrides the time source.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.nowFunc = now
	return v
}

// Validate checks code for branchID and userID without recording a usage.
func (v *Validator) Validate(ctx context.Context, code string, branchID, userID int64) (Result, error) {
	code = Normalize(code)
	if code == "" {
		return Result{}, apperr.New(apperr.InputInvalid, "coupon code is empty")
	}

	c, err := v.store.FindByCode(ctx, code, branchID)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "coupon lookup failed", err)
	}
	if c == nil || !c.Active {
		return Result{}, apperr.Newf(apperr.CouponNotFound, "coupon %s does not exist for branch %d", code, branchID)
	}

	now := v.nowFunc().UTC()
	if now.Before(c.StartDate) {
		return Result{}, apperr.Newf(apperr.CouponExpired, "coupon %s is not valid yet", code).WithReason(apperr.ReasonNotYetValid)
	}
	if now.After(c.EndDate) {
		return Result{}, apperr.Newf(apperr.CouponExpired, "coupon %s has expired", code).WithReason(apperr.ReasonExpired)
	}

	if userID > 0 {
		used, err := v.store.HasUsage(ctx, c.ID, userID)
		if err != nil {
			return Result{}, apperr.Wrap(apperr.Internal, "coupon usage lookup failed", err)
		}
		if used {
			return Result{}, apperr.Newf(apperr.CouponAlreadyUsed, "coupon %s was already used", code)
		}
	}

	return Result{CouponID: c.ID, Code: c.Code, DiscountPercent: c.DiscountPercent}, nil
}

// Redeem records the usage of code by userID. It runs after payment, so it only requires
// the coupon to exist; the window and active flag were checked when the price was fixed.
func (v *Validator) Redeem(ctx context.Context, code string, branchID, userID int64) (Result, error) {
	code = Normalize(code)
	if userID <= 0 {
		return Result{}, apperr.New(apperr.InputInvalid, "redeeming a coupon requires a user")
	}
	c, err := v.store.FindByCode(ctx, code, branchID)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "coupon lookup failed", err)
	}
	if c == nil {
		return Result{}, apperr.Newf(apperr.CouponNotFound, "coupon %s does not exist for branch %d", code, branchID)
	}
	return v.redeem(ctx, c, userID)
}

// RedeemByID records the usage of the coupon an order was priced with. A code reissued
// after pricing does not change which coupon is used up.
func (v *Validator) RedeemByID(ctx context.Context, couponID, branchID, userID int64) (Result, error) {
	if userID <= 0 {
		return Result{}, apperr.New(apperr.InputInvalid, "redeeming a coupon requires a user")
	}
	c, err := v.store.FindByID(ctx, couponID)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "coupon lookup failed", err)
	}
	if c == nil || c.BranchID != branchID {
		return Result{}, apperr.Newf(apperr.CouponNotFound, "coupon %d does not exist for branch %d", couponID, branchID)
	}
	return v.redeem(ctx, c, userID)
}

func (v *Validator) redeem(ctx context.Context, c *Coupon, userID int64) (Result, error) {
	if err := v.store.InsertUsage(ctx, c.ID, userID); err != nil {
		if errors.Is(err, ErrUsageExists) {
			return Result{}, apperr.Newf(apperr.CouponAlreadyUsed, "coupon %s was already used", c.Code)
		}
		return Result{}, apperr.Wrap(apperr.Internal, "record coupon usage", err)
	}

	log.WithFields(log.Fields{
		"coupon_id": c.ID,
		"user_id":   userID,
		"branch_id": c.BranchID,
	}).Info("coupon redeemed")
	return Result{CouponID: c.ID, Code: c.Code, DiscountPercent: c.DiscountPercent}, nil
}

// Deactivate turns a coupon off. Coupons are never deleted.
func (v *Validator) Deactivate(ctx context.Context, id int64) error {
	if err := v.store.Deactivate(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.Newf(apperr.NotFound, "coupon %d not found", id)
		}
		return apperr.Wrap(apperr.Internal, "deactivate coupon", err)
	}
	return nil
}

// Create stores a new active coupon with a normalized code.
func (v *Validator) Create(ctx context.Context, c *Coupon) error {
	c.Code = Normalize(c.Code)
	switch {
	case c.Code == "":
		return apperr.New(apperr.InputInvalid, "code is required")
	case c.DiscountPercent < 0 || c.DiscountPercent > 100:
		return apperr.New(apperr.InputInvalid, "discount_percent must be within 0..100")
	case c.BranchID <= 0:
		return apperr.New(apperr.InputInvalid, "branch_id is required")
	case !c.EndDate.After(c.StartDate):
		return apperr.New(apperr.InputInvalid, "end_date must be after start_date")
	}
	c.Active = true
	if err := v.store.Create(ctx, c); err != nil {
		return apperr.Wrap(apperr.Internal, "create coupon", err)
	}
	return nil
}

// List returns the coupons of a branch.
func (v *Validator) List(ctx context.Context, branchID int64) ([]Coupon, error) {
	out, err := v.store.ListByBranch(ctx, branchID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list coupons", err)
	}
	return out, nil
}
