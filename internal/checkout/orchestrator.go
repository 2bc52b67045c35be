package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/cart"
	"github.com/mymelodiess/food-delivery-microservices/internal/config"
	"github.com/mymelodiess/food-delivery-microservices/internal/coupons"
	"github.com/mymelodiess/food-delivery-microservices/internal/idempotency"
	"github.com/mymelodiess/food-delivery-microservices/internal/metrics"
	"github.com/mymelodiess/food-delivery-microservices/internal/notify"
	"github.com/mymelodiess/food-delivery-microservices/internal/orders"
	"github.com/mymelodiess/food-delivery-microservices/internal/payments"
)

// Failure reasons stored on orders the orchestrator gives up on.
const (
	ReasonTimeout         = "Timeout"
	ReasonCancelledByUser = "CancelledByUser"
	ReasonPaymentExpired  = "PaymentExpired"
	ReasonCouponClaimLost = "CouponClaimLost"
)

// cleanupTimeout bounds the writes made after the checkout deadline has passed.
const cleanupTimeout = 5 * time.Second

// Options configures an Orchestrator.
type Options struct {
	StrictCoupon   bool
	PaymentMode    string
	Deadline       time.Duration
	ClaimTTL       time.Duration
	ReconcileAfter time.Duration
	Steps          Steps
}

// OptionsFrom builds Options from the checkout configuration.
func OptionsFrom(cfg config.CheckoutConfig) Options {
	return Options{
		StrictCoupon:   cfg.StrictCoupon,
		PaymentMode:    cfg.PaymentMode,
		Deadline:       cfg.Deadline,
		ClaimTTL:       cfg.CouponClaimTTL,
		ReconcileAfter: cfg.ReconcileAfter,
		Steps:          DefaultSteps(cfg),
	}
}

// Deps are the collaborators of an Orchestrator. Payments, Notifier and Emitter may be nil.
type Deps struct {
	Pricer   Pricer
	Coupons  CouponService
	Orders   OrderStore
	Claims   Claims
	Payer    payments.Payer
	Payments PaymentRecords
	Notifier notify.Notifier
	Emitter  Emitter
}

// Orchestrator owns the checkout saga and every order status change that follows it.
type Orchestrator struct {
	deps    Deps
	opts    Options
	nowFunc func() time.Time
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.PaymentMode == "" {
		opts.PaymentMode = config.PaymentInline
	}
	// a claim has to outlive every order still waiting for its payment
	if opts.ReconcileAfter > 0 && opts.ClaimTTL <= opts.ReconcileAfter {
		log.WithFields(log.Fields{
			"claim_ttl":       opts.ClaimTTL.String(),
			"reconcile_after": opts.ReconcileAfter.String(),
		}).Warn("coupon claim TTL raised to twice the reconcile window")
		opts.ClaimTTL = 2 * opts.ReconcileAfter
	}
	return &Orchestrator{deps: deps, opts: opts, nowFunc: time.Now}
}

// WithClock overrides the time source used by Reconcile.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.nowFunc = now
	return o
}

// saga is the state of one checkout run.
type saga struct {
	key      string
	req      Request
	state    string
	warnings []string
	claimKey string
	log      *log.Entry
}

func (s *saga) to(state string) {
	s.state = state
	s.log.WithField("state", state).Debug("checkout state")
}

// Checkout runs the saga for req under idempotency key. On payment failure it returns
// both the cancelled order and the typed error.
func (o *Orchestrator) Checkout(ctx context.Context, key string, req Request) (res *Result, err error) {
	s := &saga{
		key:   key,
		req:   req,
		state: StateValidating,
		log: log.WithFields(log.Fields{
			"idempotency_key": key,
			"branch_id":       req.BranchID,
		}),
	}
	defer func() { o.finish(ctx, s, err) }()

	if strings.TrimSpace(key) == "" {
		return nil, o.failed(s, apperr.New(apperr.InputInvalid, "idempotency key is required"))
	}
	if err := validateRequest(req); err != nil {
		return nil, o.failed(s, err)
	}

	if o.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Deadline)
		defer cancel()
	}

	var quote cart.Quote
	err = o.opts.Steps.Price.Run(ctx, func(ctx context.Context) error {
		var perr error
		quote, perr = o.deps.Pricer.Resolve(ctx, req.Items)
		return perr
	})
	if err != nil {
		return nil, o.failed(s, err)
	}
	s.to(StatePriced)

	coupon, err := o.checkCoupon(ctx, s)
	if err != nil {
		o.releaseClaim(ctx, s.claimKey, key)
		return nil, o.failed(s, err)
	}
	s.to(StateCouponChecked)

	pct := 0
	if coupon != nil {
		pct = coupon.DiscountPercent
	}
	discount, total := cart.Totals(quote.Subtotal, pct)
	draft := orders.Order{
		UserID:          req.UserID,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		BranchID:        req.BranchID,
		DeliveryAddress: req.DeliveryAddress,
		Note:            req.Note,
		Items:           quote.Lines,
		Subtotal:        quote.Subtotal,
		DiscountAmount:  discount,
		Total:           total,
	}
	if coupon != nil {
		draft.CouponCode = coupon.Code
		draft.CouponID = coupon.CouponID
	}

	var (
		order   *orders.Order
		created bool
	)
	err = o.opts.Steps.CreateOrder.Run(ctx, func(ctx context.Context) error {
		var cerr error
		order, created, cerr = o.deps.Orders.CreateWithIdempotencyTransaction(ctx, key, draft)
		if cerr != nil {
			return apperr.Wrap(apperr.Internal, "create order", cerr)
		}
		return nil
	})
	if err != nil {
		o.releaseClaim(ctx, s.claimKey, key)
		return nil, o.failed(s, err)
	}
	s.log = s.log.WithField("order_id", order.OrderID)
	if !created {
		s.log.Info("checkout replayed existing order")
		res := resultFor(order, stateOf(order.Status))
		res.Replayed = true
		s.state = res.State
		return res, nil
	}
	s.to(StateOrderCreated)
	s.to(StatePendingPayment)
	s.log.WithField("total", order.Total.String()).Info("order created")

	if o.opts.PaymentMode == config.PaymentDeferred {
		o.notify(ctx, order)
		return o.result(s, order), nil
	}

	return o.pay(ctx, s, order)
}

// pay runs the inline payment and confirmation of a freshly created order.
func (o *Orchestrator) pay(ctx context.Context, s *saga, order *orders.Order) (*Result, error) {
	if _, err := o.deps.Orders.IncrementPaymentAttempts(ctx, order.OrderID); err != nil {
		s.log.WithError(err).Warn("could not count payment attempt")
	}

	var pres *payments.Result
	err := o.opts.Steps.Pay.Run(ctx, func(ctx context.Context) error {
		var perr error
		pres, perr = o.deps.Payer.Pay(ctx, order.OrderID, order.Total)
		return perr
	})
	if err != nil {
		kind := apperr.KindOf(err)
		switch {
		case kind == apperr.Timeout || ctx.Err() != nil:
			o.abandon(ctx, s, order, ReasonTimeout)
			return nil, o.failed(s, apperr.Wrap(apperr.Timeout, "checkout deadline exceeded during payment", err))
		case kind == apperr.PaymentFailed || kind == apperr.AmountMismatch:
			reason := string(kind)
			if ae, ok := apperr.As(err); ok && ae.Reason != "" {
				reason += ":" + ae.Reason
			}
			cancelled, serr := o.deps.Orders.SetStatus(ctx, order.OrderID, orders.StatusCancelled, orders.WithReason(reason))
			if serr != nil {
				s.log.WithError(serr).Error("could not cancel order after failed payment")
			} else {
				order = cancelled
			}
			o.releaseClaim(ctx, s.claimKey, s.key)
			s.to(StateCancelled)
			res := o.result(s, order)
			if pres != nil {
				res.TransactionID = pres.TransactionID
			}
			return res, err
		case kind == apperr.InvalidTransition:
			s.to(StateFailed)
			return nil, err
		default:
			o.abandon(ctx, s, order, string(kind))
			return nil, o.failed(s, err)
		}
	}

	paid, err := o.ConfirmPayment(ctx, order.OrderID, pres.TransactionID)
	if err != nil {
		// The SUCCESS record stands; Reconcile confirms the order later.
		s.log.WithError(err).WithField("transaction_id", pres.TransactionID).Error("payment succeeded but order confirmation failed")
		s.to(StatePendingPayment)
		return nil, err
	}
	s.to(StatePaid)
	o.notify(ctx, paid)
	return o.result(s, paid), nil
}

// checkCoupon validates and claims the coupon. A nil result means no discount applies.
func (o *Orchestrator) checkCoupon(ctx context.Context, s *saga) (*coupons.Result, error) {
	code := coupons.Normalize(s.req.CouponCode)
	if code == "" {
		return nil, nil
	}
	if s.req.UserID == nil || *s.req.UserID <= 0 {
		metrics.CouponOutcomes.WithLabelValues("guest").Inc()
		return nil, o.degrade(s, apperr.New(apperr.InputInvalid, "coupons require a signed-in customer"))
	}
	userID := *s.req.UserID

	var res coupons.Result
	err := o.opts.Steps.Coupon.Run(ctx, func(ctx context.Context) error {
		var verr error
		res, verr = o.deps.Coupons.VerifyCoupon(ctx, code, s.req.BranchID, userID)
		return verr
	})
	if err != nil {
		kind := apperr.KindOf(err)
		metrics.CouponOutcomes.WithLabelValues(string(kind)).Inc()
		if apperr.IsCoupon(kind) {
			return nil, o.degrade(s, err)
		}
		return nil, err
	}
	if res.Code == "" {
		res.Code = code
	}

	if o.deps.Claims != nil {
		claimKey := idempotency.ClaimKey(res.CouponID, userID)
		ok, err := o.deps.Claims.AcquireClaim(ctx, claimKey, s.key, o.opts.ClaimTTL)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "claim coupon", err)
		}
		if !ok {
			metrics.CouponOutcomes.WithLabelValues("claim_lost").Inc()
			return nil, o.degrade(s, apperr.Newf(apperr.CouponAlreadyUsed, "coupon %s is being used by another checkout", code))
		}
		s.claimKey = claimKey
	}
	metrics.CouponOutcomes.WithLabelValues("ok").Inc()
	s.log.WithField("coupon_id", res.CouponID).Debug("coupon applied")
	return &res, nil
}

// degrade turns a coupon rejection into a warning unless strict mode is on.
func (o *Orchestrator) degrade(s *saga, err error) error {
	if o.opts.StrictCoupon {
		return err
	}
	msg := err.Error()
	if ae, ok := apperr.As(err); ok {
		msg = ae.Message
	}
	s.warnings = append(s.warnings, "coupon not applied: "+msg)
	s.log.WithError(err).Info("coupon rejected, continuing without discount")
	return nil
}

// ConfirmPayment moves a PENDING_PAYMENT order to PAID and redeems its coupon. Confirming
// an order already paid by the same transaction is a no-op. A coupon order is refused with
// CouponAlreadyUsed when its claim has passed to another checkout.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, orderID int64, transactionID string) (*orders.Order, error) {
	if transactionID == "" {
		return nil, apperr.New(apperr.InputInvalid, "transaction_id is required")
	}
	var (
		paid  *orders.Order
		fresh bool
	)
	err := o.opts.Steps.Confirm.Run(ctx, func(ctx context.Context) error {
		cur, err := o.deps.Orders.Get(ctx, orderID)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "load order", err)
		}
		if cur == nil {
			return apperr.Newf(apperr.NotFound, "order %d not found", orderID)
		}
		switch cur.Status {
		case orders.StatusPendingPayment:
			if err := o.holdClaim(ctx, cur); err != nil {
				return err
			}
		case orders.StatusPaid, orders.StatusShipping, orders.StatusCompleted:
			if cur.TransactionID == transactionID {
				paid = cur
				return nil
			}
			return apperr.Newf(apperr.InvalidTransition, "order %d was paid by another transaction", orderID)
		default:
			return apperr.Newf(apperr.InvalidTransition, "order %d is %s and cannot be paid", orderID, cur.Status)
		}

		updated, err := o.deps.Orders.UpdateStatus(ctx, orderID, orders.StatusPendingPayment, orders.StatusPaid, orders.WithTransactionID(transactionID))
		if err != nil {
			// a concurrent change is re-read on the next attempt
			return apperr.Wrap(apperr.Internal, "mark order paid", err)
		}
		paid, fresh = updated, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if fresh {
		log.WithFields(log.Fields{"order_id": orderID, "transaction_id": transactionID}).Info("order paid")
		o.redeem(ctx, paid)
	}
	return paid, nil
}

// holdClaim renews the coupon claim of a pending order for the key that created it.
func (o *Orchestrator) holdClaim(ctx context.Context, order *orders.Order) error {
	if o.deps.Claims == nil || !order.HasCoupon() || order.UserID == nil {
		return nil
	}
	claimKey := idempotency.ClaimKey(order.CouponID, *order.UserID)
	ok, err := o.deps.Claims.AcquireClaim(ctx, claimKey, order.IdempotencyKey, o.opts.ClaimTTL)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "renew coupon claim", err)
	}
	if !ok {
		metrics.CouponOutcomes.WithLabelValues("claim_lost").Inc()
		return apperr.Newf(apperr.CouponAlreadyUsed, "coupon %s of order %d is claimed by another checkout", order.CouponCode, order.OrderID)
	}
	return nil
}

// redeem records the coupon usage of a paid order. It runs detached from the caller's
// deadline and failures are only logged. The claim is left to expire: until then it
// covers checkouts that verified the coupon before the usage row existed.
func (o *Orchestrator) redeem(ctx context.Context, order *orders.Order) {
	if !order.HasCoupon() || order.UserID == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	logger := log.WithFields(log.Fields{"order_id": order.OrderID, "coupon_id": order.CouponID})
	err := o.opts.Steps.Redeem.Run(ctx, func(ctx context.Context) error {
		_, rerr := o.deps.Coupons.RedeemCoupon(ctx, order.CouponID, order.CouponCode, order.BranchID, *order.UserID)
		return rerr
	})
	switch {
	case err == nil:
		logger.Info("coupon redeemed")
	case apperr.IsKind(err, apperr.CouponAlreadyUsed):
		logger.WithError(err).Warn("coupon usage already recorded")
	default:
		logger.WithError(err).Error("coupon redemption failed")
	}
}

// Cancel cancels a PENDING_PAYMENT order and frees its coupon claim.
func (o *Orchestrator) Cancel(ctx context.Context, orderID int64) (*orders.Order, error) {
	cancelled, err := o.deps.Orders.SetStatus(ctx, orderID, orders.StatusCancelled, orders.WithReason(ReasonCancelledByUser))
	if err != nil {
		return nil, err
	}
	o.releaseOrderClaim(ctx, cancelled)
	log.WithField("order_id", orderID).Info("order cancelled")
	return cancelled, nil
}

// Reconcile fails PENDING_PAYMENT orders older than ReconcileAfter. Orders that already
// have a successful payment are confirmed instead. It returns the number of orders failed.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	cutoff := o.nowFunc().Add(-o.opts.ReconcileAfter)
	pending, err := o.deps.Orders.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}

	failed := 0
	for i := range pending {
		ord := &pending[i]
		logger := log.WithField("order_id", ord.OrderID)

		if o.deps.Payments != nil {
			rec, err := o.deps.Payments.FindSuccess(ctx, ord.OrderID)
			if err != nil {
				logger.WithError(err).Warn("reconcile: payment lookup failed")
				continue
			}
			if rec != nil {
				_, err := o.ConfirmPayment(ctx, ord.OrderID, rec.TransactionID)
				if err == nil {
					continue
				}
				if !apperr.IsKind(err, apperr.CouponAlreadyUsed) {
					logger.WithError(err).Error("reconcile: confirm paid order failed")
					continue
				}
				if _, err := o.deps.Orders.SetStatus(ctx, ord.OrderID, orders.StatusFailed, orders.WithReason(ReasonCouponClaimLost)); err != nil {
					logger.WithError(err).Error("reconcile: fail order with lost coupon claim")
					continue
				}
				metrics.ReconciledOrders.Inc()
				logger.WithField("transaction_id", rec.TransactionID).Error("reconcile: paid order lost its coupon claim, refund required")
				failed++
				continue
			}
		}

		updated, err := o.deps.Orders.SetStatus(ctx, ord.OrderID, orders.StatusFailed, orders.WithReason(ReasonPaymentExpired))
		if err != nil {
			if apperr.IsKind(err, apperr.InvalidTransition) {
				continue
			}
			logger.WithError(err).Error("reconcile: fail order")
			continue
		}
		o.releaseOrderClaim(ctx, updated)
		metrics.ReconciledOrders.Inc()
		logger.Info("reconcile: pending order failed")
		failed++
	}
	return failed, nil
}

// abandon moves a created order to FAILED after the checkout gave up on it. It uses a fresh
// context because ctx may already be past its deadline.
func (o *Orchestrator) abandon(ctx context.Context, s *saga, order *orders.Order, reason string) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := o.deps.Orders.SetStatus(bg, order.OrderID, orders.StatusFailed, orders.WithReason(reason)); err != nil {
		s.log.WithError(err).Error("could not fail abandoned order")
	}
	o.releaseClaim(bg, s.claimKey, s.key)
}

func (o *Orchestrator) releaseOrderClaim(ctx context.Context, order *orders.Order) {
	if order == nil || !order.HasCoupon() || order.UserID == nil {
		return
	}
	o.releaseClaim(ctx, idempotency.ClaimKey(order.CouponID, *order.UserID), order.IdempotencyKey)
}

func (o *Orchestrator) releaseClaim(ctx context.Context, claimKey, owner string) {
	if claimKey == "" || o.deps.Claims == nil {
		return
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := o.deps.Claims.ReleaseClaim(bg, claimKey, owner); err != nil {
		log.WithError(err).WithField("claim", claimKey).Warn("release coupon claim failed")
	}
}

func (o *Orchestrator) notify(ctx context.Context, order *orders.Order) {
	if o.deps.Notifier == nil {
		return
	}
	ev := notify.NewOrder(order.OrderID, order.BranchID, order.Total, order.Status)
	notify.Send(context.WithoutCancel(ctx), o.deps.Notifier, ev, o.opts.Steps.Notify.Timeout)
}

func (o *Orchestrator) result(s *saga, order *orders.Order) *Result {
	res := resultFor(order, s.state)
	res.Warnings = s.warnings
	return res
}

func (o *Orchestrator) failed(s *saga, err error) error {
	s.to(StateFailed)
	return err
}

// finish records the outcome of a checkout.
func (o *Orchestrator) finish(ctx context.Context, s *saga, err error) {
	kind := "none"
	if err != nil {
		kind = string(apperr.KindOf(err))
	}
	metrics.CheckoutsTotal.WithLabelValues(s.state, kind).Inc()

	entry := s.log.WithFields(log.Fields{"state": s.state, "kind": kind})
	if err != nil {
		entry.WithError(err).Warn("checkout finished with error")
	} else {
		entry.Info("checkout finished")
	}

	if o.deps.Emitter == nil {
		return
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if cwErr := o.deps.Emitter.Count(bg, "CheckoutOutcome", map[string]string{"State": s.state, "Kind": kind}); cwErr != nil {
		s.log.WithError(cwErr).Debug("checkout outcome metric not published")
	}
}

func validateRequest(req Request) error {
	switch {
	case req.BranchID <= 0:
		return apperr.New(apperr.InputInvalid, "branch_id must be positive")
	case strings.TrimSpace(req.CustomerName) == "":
		return apperr.New(apperr.InputInvalid, "customer_name is required")
	case strings.TrimSpace(req.CustomerPhone) == "":
		return apperr.New(apperr.InputInvalid, "customer_phone is required")
	case strings.TrimSpace(req.DeliveryAddress) == "":
		return apperr.New(apperr.InputInvalid, "delivery_address is required")
	}
	return cart.Validate(req.Items)
}

func stateOf(status string) string {
	switch status {
	case orders.StatusPaid, orders.StatusShipping:
		return StatePaid
	case orders.StatusCompleted:
		return StateCompleted
	case orders.StatusCancelled:
		return StateCancelled
	case orders.StatusFailed:
		return StateFailed
	}
	return StatePendingPayment
}
