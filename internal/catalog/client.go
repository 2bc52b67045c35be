package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/coupons"
	"github.com/mymelodiess/food-delivery-microservices/internal/identity"
	"github.com/mymelodiess/food-delivery-microservices/internal/resilience"
)

// Client calls the catalog service. Transport failures surface as CatalogUnavailable,
// deliberate answers (unknown food, rejected coupon) keep their own kinds.
type Client struct {
	http  *resty.Client
	guard *resilience.Guard
}

func NewClient(hc *resty.Client, guard *resilience.Guard) *Client {
	return &Client{http: hc, guard: guard}
}

type errorBody struct {
	Error   apperr.Kind `json:"error"`
	Message string      `json:"message"`
	Reason  string      `json:"reason"`
}

// GetFood fetches one food. Unknown ids fail with ItemNotFound.
func (c *Client) GetFood(ctx context.Context, id int64) (*Food, error) {
	var food Food
	err := c.do(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&food).
			Get("/foods/" + strconv.FormatInt(id, 10))
		if err != nil {
			return transportError(ctx, err)
		}
		switch {
		case resp.StatusCode() == http.StatusNotFound:
			return apperr.Newf(apperr.ItemNotFound, "food %d not found", id)
		case resp.IsError():
			return statusError(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &food, nil
}

// GetFoods fetches several foods in one call. It fails with ErrBatchUnsupported when the
// catalog has no batch endpoint, and with ItemNotFound when any id is missing.
func (c *Client) GetFoods(ctx context.Context, ids []int64) ([]Food, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	var (
		foods       []Food
		unsupported bool
	)
	err := c.do(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("ids", strings.Join(parts, ",")).
			SetResult(&foods).
			Get("/foods")
		if err != nil {
			return transportError(ctx, err)
		}
		switch resp.StatusCode() {
		case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
			// a healthy answer for the breaker
			unsupported = true
			return nil
		}
		if resp.IsError() {
			return statusError(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if unsupported {
		return nil, ErrBatchUnsupported
	}

	found := make(map[int64]bool, len(foods))
	for _, f := range foods {
		found[f.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return nil, apperr.Newf(apperr.ItemNotFound, "food %d not found", id)
		}
	}
	return foods, nil
}

// VerifyCoupon asks the catalog whether userID may use code in branchID.
func (c *Client) VerifyCoupon(ctx context.Context, code string, branchID, userID int64) (coupons.Result, error) {
	var res coupons.Result
	err := c.do(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader(identity.UserIDHeader, strconv.FormatInt(userID, 10)).
			SetQueryParams(map[string]string{
				"code":      code,
				"branch_id": strconv.FormatInt(branchID, 10),
			}).
			SetResult(&res).
			Get("/coupons/verify")
		if err != nil {
			return transportError(ctx, err)
		}
		if resp.IsError() {
			return couponError(resp, code)
		}
		return nil
	})
	return res, err
}

// RedeemCoupon records the usage of couponID by userID. code rides along for older catalogs and error messages.
func (c *Client) RedeemCoupon(ctx context.Context, couponID int64, code string, branchID, userID int64) (coupons.Result, error) {
	var res coupons.Result
	err := c.do(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader(identity.UserIDHeader, strconv.FormatInt(userID, 10)).
			SetBody(map[string]interface{}{"coupon_id": couponID, "code": code, "branch_id": branchID}).
			SetResult(&res).
			Post("/coupons/redeem")
		if err != nil {
			return transportError(ctx, err)
		}
		if resp.IsError() {
			return couponError(resp, code)
		}
		return nil
	})
	return res, err
}

func (c *Client) do(ctx context.Context, fn func() error) error {
	if c.guard == nil {
		return fn()
	}
	return c.guard.Do(ctx, fn, func(err error) error {
		return apperr.Wrap(apperr.CatalogUnavailable, "catalog rejected by resilience guard", err)
	})
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.Timeout, "catalog call timed out", err)
	}
	return apperr.Wrap(apperr.CatalogUnavailable, "catalog unreachable", err)
}

func statusError(resp *resty.Response) error {
	if resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests {
		return apperr.Newf(apperr.CatalogUnavailable, "catalog answered %d", resp.StatusCode())
	}
	if body, ok := decodeError(resp); ok && body.Error != "" {
		return (&apperr.Error{Kind: body.Error, Message: body.Message}).WithReason(body.Reason)
	}
	return apperr.Newf(apperr.Internal, "catalog answered %d", resp.StatusCode())
}

func couponError(resp *resty.Response, code string) error {
	if body, ok := decodeError(resp); ok && apperr.IsCoupon(body.Error) {
		return (&apperr.Error{Kind: body.Error, Message: body.Message}).WithReason(body.Reason)
	}
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return apperr.Newf(apperr.CouponNotFound, "coupon %s does not exist", code)
	case http.StatusBadRequest:
		return apperr.Newf(apperr.InputInvalid, "coupon %s rejected as malformed", code)
	case http.StatusUnauthorized:
		return apperr.New(apperr.Unauthorized, "catalog refused caller identity")
	}
	return statusError(resp)
}

func decodeError(resp *resty.Response) (errorBody, bool) {
	var body errorBody
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return body, false
	}
	return body, true
}
