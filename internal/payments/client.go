package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
	"github.com/mymelodiess/food-delivery-microservices/internal/resilience"
)

// IdempotencyHeader is honoured by POST /pay.
const IdempotencyHeader = "Idempotency-Key"

// Client is a Payer backed by the payment service's POST /pay.
type Client struct {
	http  *resty.Client
	guard *resilience.Guard
}

func NewClient(hc *resty.Client, guard *resilience.Guard) *Client {
	return &Client{http: hc, guard: guard}
}

type payRequest struct {
	OrderID int64        `json:"order_id" binding:"required,gt=0"`
	Amount  money.Amount `json:"amount"`
}

// failureBody is a failed /pay answer: the attempt's Result plus the error fields.
type failureBody struct {
	Result
	Error  apperr.Kind `json:"error"`
	Reason string      `json:"reason"`
}

// Pay posts the attempt. The order id doubles as idempotency key, so resty retries of a
// lost response replay the first attempt instead of charging twice.
func (c *Client) Pay(ctx context.Context, orderID int64, amount money.Amount) (*Result, error) {
	var (
		res    *Result
		payErr error
	)
	err := c.do(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader(IdempotencyHeader, "order-"+strconv.FormatInt(orderID, 10)).
			SetBody(payRequest{OrderID: orderID, Amount: amount}).
			Post("/pay")
		if err != nil {
			return transportError(ctx, err)
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			// The attempt may have been recorded; its result is still returned.
			var body failureBody
			if json.Unmarshal(resp.Body(), &body) == nil && body.TransactionID != "" {
				res, payErr = &body.Result, apperr.Newf(apperr.Internal, "payment service answered %d after charging", resp.StatusCode())
				return nil
			}
			return apperr.Newf(apperr.PaymentFailed, "payment service answered %d", resp.StatusCode()).WithReason(ReasonGatewayError)
		}

		var body failureBody
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return apperr.Wrap(apperr.Internal, "decode payment response", err)
		}
		if !resp.IsError() {
			res = &body.Result
			if !res.Succeeded() {
				payErr = apperr.Newf(apperr.PaymentFailed, "payment service answered %d with status %q", resp.StatusCode(), res.Status)
			}
			return nil
		}
		kind := body.Error
		if kind == "" {
			kind = apperr.PaymentFailed
		}
		payErr = (&apperr.Error{Kind: kind, Message: body.Message}).WithReason(body.Reason)
		if body.TransactionID != "" {
			res = &body.Result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, payErr
}

func (c *Client) do(ctx context.Context, fn func() error) error {
	if c.guard == nil {
		return fn()
	}
	return c.guard.Do(ctx, fn, func(err error) error {
		return apperr.Wrap(apperr.PaymentFailed, "payment service rejected by resilience guard", err).WithReason(ReasonGatewayError)
	})
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.Timeout, "payment call timed out", err)
	}
	return apperr.Wrap(apperr.PaymentFailed, "payment service unreachable", err).WithReason(ReasonGatewayError)
}

// OrderClient is the payment service's view of the order service.
type OrderClient struct {
	http *resty.Client
}

func NewOrderClient(hc *resty.Client) *OrderClient {
	return &OrderClient{http: hc}
}

// LookupOrder implements OrderLookup over GET /orders/:id.
func (c *OrderClient) LookupOrder(ctx context.Context, orderID int64) (*OrderView, error) {
	var view OrderView
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&view).
		Get("/orders/" + strconv.FormatInt(orderID, 10))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "order service unreachable", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, apperr.Newf(apperr.Internal, "order service answered %d", resp.StatusCode())
	}
	return &view, nil
}

// MarkPaid calls PUT /orders/:id/paid, the order service's payment confirmation callback.
func (c *OrderClient) MarkPaid(ctx context.Context, orderID int64, transactionID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"transaction_id": transactionID}).
		Put("/orders/" + strconv.FormatInt(orderID, 10) + "/paid")
	if err != nil {
		return apperr.Wrap(apperr.Internal, "order service unreachable", err)
	}
	if resp.IsError() {
		var body failureBody
		if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
			return &apperr.Error{Kind: body.Error, Message: body.Message}
		}
		return apperr.Newf(apperr.Internal, "order service answered %d", resp.StatusCode())
	}
	return nil
}
