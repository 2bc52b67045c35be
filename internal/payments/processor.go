package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/metrics"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
	"github.com/mymelodiess/food-delivery-microservices/internal/orders"
)

// Processor runs payment attempts against a Gateway. Every attempt that reaches the
// processor leaves exactly one Record, approved or not. It never changes order status.
type Processor struct {
	store   *Store
	orders  OrderLookup
	gateway Gateway
	newTxn  func() string
}

func NewProcessor(store *Store, lookup OrderLookup, gateway Gateway) *Processor {
	return &Processor{store: store, orders: lookup, gateway: gateway, newTxn: NewTransactionID}
}

// NewTransactionID returns "PAY_" followed by 8 upper-case hex characters.
func NewTransactionID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "PAY_" + strings.ToUpper(id[:8])
}

// Pay charges amount for orderID. Declines come back as a FAILED Result together with a
// PaymentFailed error so callers can both show the record and branch on the kind.
func (p *Processor) Pay(ctx context.Context, orderID int64, amount money.Amount) (*Result, error) {
	if orderID <= 0 {
		return nil, apperr.New(apperr.InputInvalid, "order_id must be positive")
	}
	if amount.IsNegative() {
		return nil, apperr.New(apperr.InputInvalid, "amount must not be negative")
	}

	order, err := p.orders.LookupOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperr.Newf(apperr.NotFound, "order %d not found", orderID)
	}

	logger := log.WithFields(log.Fields{"order_id": orderID, "amount": amount.String()})
	txn := p.newTxn()

	if order.Status != orders.StatusPendingPayment {
		res, rerr := p.record(ctx, orderID, amount, txn, StatusFailed, ReasonOrderNotPayable)
		if rerr != nil {
			return nil, rerr
		}
		logger.WithField("status", order.Status).Warn("payment rejected: order not payable")
		return res, apperr.Newf(apperr.InvalidTransition, "order %d is %s, not payable", orderID, order.Status)
	}

	if !amount.Equal(order.Total) {
		res, rerr := p.record(ctx, orderID, amount, txn, StatusFailed, ReasonAmountMismatch)
		if rerr != nil {
			return nil, rerr
		}
		logger.WithField("order_total", order.Total.String()).Warn("payment rejected: amount mismatch")
		return res, apperr.Newf(apperr.AmountMismatch, "amount %s does not match order total %s", amount, order.Total)
	}

	approved, reason, gerr := p.gateway.Charge(ctx, orderID, amount)
	if gerr != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.Timeout, "payment gateway timed out", gerr)
		}
		res, rerr := p.record(ctx, orderID, amount, txn, StatusFailed, ReasonGatewayError)
		if rerr != nil {
			return nil, rerr
		}
		logger.WithError(gerr).Error("payment gateway error")
		return res, apperr.Wrap(apperr.PaymentFailed, "payment gateway error", gerr).WithReason(ReasonGatewayError)
	}
	if !approved {
		if reason == "" {
			reason = ReasonDeclined
		}
		res, rerr := p.record(ctx, orderID, amount, txn, StatusFailed, reason)
		if rerr != nil {
			return nil, rerr
		}
		logger.WithField("reason", reason).Info("payment declined")
		return res, apperr.New(apperr.PaymentFailed, "payment declined").WithReason(reason)
	}

	res, err := p.record(ctx, orderID, amount, txn, StatusSuccess, "")
	if errors.Is(err, ErrAlreadyPaid) {
		failed, rerr := p.record(ctx, orderID, amount, txn, StatusFailed, ReasonAlreadyPaid)
		if rerr != nil {
			return nil, rerr
		}
		return failed, apperr.Newf(apperr.InvalidTransition, "order %d is already paid", orderID)
	}
	if err != nil {
		return nil, err
	}
	metrics.PaymentAmount.Observe(amount.Float64())
	logger.WithFields(log.Fields{"transaction_id": txn, "payment_id": res.PaymentID}).Info("payment approved")
	return res, nil
}

func (p *Processor) record(ctx context.Context, orderID int64, amount money.Amount, txn, status, reason string) (*Result, error) {
	rec, err := p.store.Record(ctx, Record{
		OrderID:       orderID,
		Amount:        amount,
		TransactionID: txn,
		Status:        status,
		Reason:        reason,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyPaid) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.Internal, "failed to record payment", err)
	}
	metrics.PaymentsTotal.WithLabelValues(status).Inc()

	msg := "Payment successful"
	if status != StatusSuccess {
		msg = fmt.Sprintf("Payment failed: %s", reason)
	}
	return &Result{
		PaymentID:     rec.PaymentID,
		TransactionID: rec.TransactionID,
		OrderID:       orderID,
		Amount:        amount,
		Status:        status,
		Message:       msg,
	}, nil
}

// OrderStoreLookup reads orders straight from the order store, for in-process payment.
type OrderStoreLookup struct {
	Store *orders.Store
}

func (l OrderStoreLookup) LookupOrder(ctx context.Context, orderID int64) (*OrderView, error) {
	o, err := l.Store.Get(ctx, orderID)
	if err != nil || o == nil {
		return nil, err
	}
	return &OrderView{ID: o.OrderID, Total: o.Total, Status: o.Status}, nil
}
