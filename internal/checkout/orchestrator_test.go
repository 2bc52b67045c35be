package checkout

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gin-gonic/gin"
	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/aws/memdynamo"
	"github.com/mymelodiess/food-delivery-microservices/internal/cart"
	"github.com/mymelodiess/food-delivery-microservices/internal/catalog"
	"github.com/mymelodiess/food-delivery-microservices/internal/config"
	"github.com/mymelodiess/food-delivery-microservices/internal/coupons"
	"github.com/mymelodiess/food-delivery-microservices/internal/idempotency"
	"github.com/mymelodiess/food-delivery-microservices/internal/identity"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
	"github.com/mymelodiess/food-delivery-microservices/internal/notify"
	"github.com/mymelodiess/food-delivery-microservices/internal/orders"
	"github.com/mymelodiess/food-delivery-microservices/internal/payments"
	"github.com/mymelodiess/food-delivery-microservices/internal/pricing"
	"github.com/mymelodiess/food-delivery-microservices/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ordersTable   = "orders"
	idemTable     = "idempotency"
	countersTable = "counters"
	paymentsTable = "payments"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type recordingEmitter struct {
	mu     sync.Mutex
	states []string
}

func (e *recordingEmitter) Count(_ context.Context, _ string, dims map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, dims["State"])
	return nil
}

// slowPayer blocks until the context is done.
type slowPayer struct{}

func (slowPayer) Pay(ctx context.Context, orderID int64, amount money.Amount) (*payments.Result, error) {
	<-ctx.Done()
	return nil, apperr.Wrap(apperr.Timeout, "payment call timed out", ctx.Err())
}

type env struct {
	orch     *Orchestrator
	db       *memdynamo.DB
	orders   *orders.Store
	payments *payments.Store
	coupons  *coupons.MemStore
	gateway  *payments.SimulatedGateway
	notifier *recordingNotifier
	emitter  *recordingEmitter
	catalog  *httptest.Server
	now      *time.Time
}

type envOption func(*Options, *Deps)

func strict() envOption { return func(o *Options, _ *Deps) { o.StrictCoupon = true } }

func deferred() envOption {
	return func(o *Options, _ *Deps) { o.PaymentMode = config.PaymentDeferred }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	e := &env{now: &now}
	clock := func() time.Time { return *e.now }

	foods := catalog.NewMemFoodStore()
	require.NoError(t, foods.Insert(ctx, &catalog.Food{ID: 1, Name: "Com tam", Price: money.FromInt(50000), BranchID: 1}))
	require.NoError(t, foods.Insert(ctx, &catalog.Food{ID: 2, Name: "Tra da", Price: money.FromInt(4000), BranchID: 1}))

	e.coupons = coupons.NewMemStore()
	validator := coupons.NewValidator(e.coupons).WithClock(clock)
	require.NoError(t, validator.Create(ctx, &coupons.Coupon{Code: "GIAMNGAY1", DiscountPercent: 15, BranchID: 1, StartDate: now.Add(-24 * time.Hour), EndDate: now.Add(24 * time.Hour)}))
	require.NoError(t, validator.Create(ctx, &coupons.Coupon{Code: "BRANCHB", DiscountPercent: 20, BranchID: 2, StartDate: now.Add(-24 * time.Hour), EndDate: now.Add(24 * time.Hour)}))
	require.NoError(t, validator.Create(ctx, &coupons.Coupon{Code: "OLD", DiscountPercent: 50, BranchID: 1, StartDate: now.Add(-48 * time.Hour), EndDate: now.Add(-24 * time.Hour)}))

	r := gin.New()
	catalog.NewServer(foods, validator).RegisterRoutes(r, identity.Middleware(nil, identity.MiddlewareOptions{TrustUserHeader: true, Required: true}))
	e.catalog = httptest.NewServer(r)
	t.Cleanup(e.catalog.Close)
	client := catalog.NewClient(resilience.NewClient(resilience.ClientOptions{BaseURL: e.catalog.URL, Timeout: time.Second}), nil)

	e.db = memdynamo.New().
		CreateTable(ordersTable, "order_id", "").
		CreateTable(idemTable, "idempotency_key", "").
		CreateTable(countersTable, "name", "").
		CreateTable(paymentsTable, "payment_key", "").
		AddIndex(ordersTable, orders.BranchIndex, "branch_id", "order_id").
		AddIndex(ordersTable, orders.UserIndex, "user_id", "order_id").
		AddIndex(ordersTable, orders.StatusIndex, "status", "order_id").
		AddIndex(paymentsTable, payments.OrderIndex, "order_id", "payment_id").
		AddIndex(paymentsTable, payments.KindIndex, "record_kind", "payment_id")
	idem := idempotency.NewStore(e.db, idemTable, 48*time.Hour).WithClock(clock)
	e.orders = orders.NewStore(e.db, ordersTable, countersTable, idem).WithClock(clock)
	e.payments = payments.NewStore(e.db, paymentsTable, countersTable)
	e.gateway = &payments.SimulatedGateway{}
	e.notifier = &recordingNotifier{}
	e.emitter = &recordingEmitter{}

	deps := Deps{
		Pricer:   pricing.NewResolver(client, 4),
		Coupons:  client,
		Orders:   e.orders,
		Claims:   idem,
		Payer:    payments.NewProcessor(e.payments, payments.OrderStoreLookup{Store: e.orders}, e.gateway),
		Payments: e.payments,
		Notifier: e.notifier,
		Emitter:  e.emitter,
	}
	o := OptionsFrom(config.CheckoutConfig{
		PaymentMode:    config.PaymentInline,
		Deadline:       5 * time.Second,
		CatalogTimeout: time.Second,
		PaymentTimeout: time.Second,
		NotifyTimeout:  time.Second,
		CouponClaimTTL: 15 * time.Minute,
		ReconcileAfter: 30 * time.Minute,
	})
	for _, opt := range opts {
		opt(&o, &deps)
	}
	e.orch = New(deps, o).WithClock(clock)
	return e
}

func request(user *int64, coupon string, lines ...cart.Line) Request {
	if len(lines) == 0 {
		lines = []cart.Line{{FoodID: 1, Quantity: 2}}
	}
	return Request{
		BranchID:        1,
		Items:           lines,
		CouponCode:      coupon,
		UserID:          user,
		CustomerName:    "Lan",
		CustomerPhone:   "0901234567",
		DeliveryAddress: "12 Nguyen Hue",
	}
}

func userID(v int64) *int64 { return &v }

func claimItem(db *memdynamo.DB, couponID, user int64) map[string]types.AttributeValue {
	return db.Item(idemTable, map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: idempotency.ClaimKey(couponID, user)},
	})
}

func TestCheckout_CouponExample(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.orch.Checkout(ctx, "key-1", request(userID(7), "giamngay1"))
	require.NoError(t, err)

	assert.Equal(t, orders.StatusPaid, res.Status)
	assert.Equal(t, StatePaid, res.State)
	assert.True(t, res.Subtotal.Equal(money.FromInt(100000)), res.Subtotal.String())
	assert.True(t, res.DiscountAmount.Equal(money.FromInt(15000)), res.DiscountAmount.String())
	assert.True(t, res.Total.Equal(money.FromInt(85000)), res.Total.String())
	assert.Equal(t, "GIAMNGAY1", res.CouponCode)
	assert.Regexp(t, `^PAY_`, res.TransactionID)
	assert.Empty(t, res.Warnings)

	assert.Equal(t, 1, e.coupons.Usages(), "coupon redeemed after payment")
	assert.NotNil(t, claimItem(e.db, 1, 7), "claim outlives redemption until its TTL")
	assert.Equal(t, 1, e.notifier.count())

	stored, err := e.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, stored.Status)
	assert.Equal(t, res.TransactionID, stored.TransactionID)
	assert.Equal(t, 1, stored.PaymentAttempts)
}

func TestCheckout_SubtotalIndependentOfLineOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.orch.Checkout(ctx, "a", request(nil, "", cart.Line{FoodID: 1, Quantity: 1}, cart.Line{FoodID: 2, Quantity: 3}))
	require.NoError(t, err)
	b, err := e.orch.Checkout(ctx, "b", request(nil, "", cart.Line{FoodID: 2, Quantity: 3}, cart.Line{FoodID: 1, Quantity: 1}))
	require.NoError(t, err)

	assert.True(t, a.Subtotal.Equal(money.FromInt(62000)))
	assert.True(t, a.Subtotal.Equal(b.Subtotal))
	assert.True(t, a.Total.Equal(a.Subtotal))
}

func TestCheckout_SameKeyReturnsSameOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.orch.Checkout(ctx, "dup", request(userID(7), ""))
	require.NoError(t, err)
	second, err := e.orch.Checkout(ctx, "dup", request(userID(7), ""))
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, second.Replayed)
	assert.Equal(t, orders.StatusPaid, second.Status)
	assert.Equal(t, 1, e.db.Len(ordersTable))

	recs, err := e.payments.ListByOrder(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "replay does not pay again")
}

func TestCheckout_ConcurrentSameKey(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	const n = 6
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.orch.Checkout(ctx, "race-key", request(userID(7), ""))
			if assert.NoError(t, err) {
				ids[i] = res.OrderID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, e.db.Len(ordersTable))
}

func TestCheckout_CouponRaceRedeemsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	const n = 8
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.orch.Checkout(ctx, "coupon-race-"+string(rune('a'+i)), request(userID(9), "GIAMNGAY1"))
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	discounted := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, orders.StatusPaid, r.Status)
		if !r.DiscountAmount.IsZero() {
			discounted++
		} else {
			assert.NotEmpty(t, r.Warnings)
		}
	}
	assert.Equal(t, 1, discounted)
	assert.Equal(t, 1, e.coupons.Usages())
}

func TestCheckout_CouponRaceStrict(t *testing.T) {
	e := newEnv(t, strict())
	ctx := context.Background()

	const n = 5
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		used int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.orch.Checkout(ctx, "strict-race-"+string(rune('a'+i)), request(userID(9), "GIAMNGAY1"))
			mu.Lock()
			defer mu.Unlock()
			switch apperr.KindOf(err) {
			case "":
				ok++
			case apperr.CouponAlreadyUsed:
				used++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, used)
	assert.Equal(t, 1, e.coupons.Usages())
	assert.Equal(t, 1, e.db.Len(ordersTable))
}

func TestCheckout_DeclinedPaymentKeepsCoupon(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gateway.DeclineOver = money.FromInt(1)

	res, err := e.orch.Checkout(ctx, "declined", request(userID(7), "GIAMNGAY1"))
	require.Error(t, err)
	assert.Equal(t, apperr.PaymentFailed, apperr.KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, orders.StatusCancelled, res.Status)
	assert.Equal(t, StateCancelled, res.State)

	assert.Equal(t, 0, e.coupons.Usages())
	assert.Nil(t, claimItem(e.db, 1, 7))
	assert.Equal(t, 0, e.notifier.count())

	stored, err := e.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, stored.Status)
	assert.Contains(t, stored.FailureReason, "PaymentFailed")

	// the coupon is still usable
	e.gateway.DeclineOver = money.Zero
	again, err := e.orch.Checkout(ctx, "retry", request(userID(7), "GIAMNGAY1"))
	require.NoError(t, err)
	assert.True(t, again.Total.Equal(money.FromInt(85000)))
	assert.Equal(t, 1, e.coupons.Usages())
}

func TestCheckout_CouponFromAnotherBranch(t *testing.T) {
	t.Run("degrades", func(t *testing.T) {
		e := newEnv(t)
		res, err := e.orch.Checkout(context.Background(), "k", request(userID(7), "BRANCHB"))
		require.NoError(t, err)
		assert.True(t, res.DiscountAmount.IsZero())
		assert.True(t, res.Total.Equal(money.FromInt(100000)))
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "does not exist")
	})
	t.Run("strict", func(t *testing.T) {
		e := newEnv(t, strict())
		_, err := e.orch.Checkout(context.Background(), "k", request(userID(7), "BRANCHB"))
		assert.Equal(t, apperr.CouponNotFound, apperr.KindOf(err))
		assert.Equal(t, 0, e.db.Len(ordersTable))
	})
}

func TestCheckout_ExpiredCoupon(t *testing.T) {
	e := newEnv(t, strict())
	_, err := e.orch.Checkout(context.Background(), "k", request(userID(7), "OLD"))
	require.Error(t, err)
	assert.Equal(t, apperr.CouponExpired, apperr.KindOf(err))
	ae, _ := apperr.As(err)
	assert.Equal(t, apperr.ReasonExpired, ae.Reason)
}

func TestCheckout_GuestCouponIsSkipped(t *testing.T) {
	e := newEnv(t)
	res, err := e.orch.Checkout(context.Background(), "guest", request(nil, "GIAMNGAY1"))
	require.NoError(t, err)
	assert.True(t, res.DiscountAmount.IsZero())
	assert.NotEmpty(t, res.Warnings)
	assert.Equal(t, 0, e.coupons.Usages())
}

func TestCheckout_CatalogDownCreatesNoOrder(t *testing.T) {
	e := newEnv(t)
	e.catalog.Close()

	_, err := e.orch.Checkout(context.Background(), "down", request(userID(7), ""))
	require.Error(t, err)
	assert.Equal(t, apperr.CatalogUnavailable, apperr.KindOf(err))
	assert.Equal(t, 0, e.db.Len(ordersTable))
}

func TestCheckout_UnknownFood(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.Checkout(context.Background(), "k", request(nil, "", cart.Line{FoodID: 404, Quantity: 1}))
	assert.Equal(t, apperr.ItemNotFound, apperr.KindOf(err))
	assert.Equal(t, 0, e.db.Len(ordersTable))
}

func TestCheckout_InvalidInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.orch.Checkout(ctx, "", request(nil, ""))
	assert.Equal(t, apperr.InputInvalid, apperr.KindOf(err))

	_, err = e.orch.Checkout(ctx, "k", request(nil, "", cart.Line{FoodID: 1, Quantity: 0}))
	assert.Equal(t, apperr.InputInvalid, apperr.KindOf(err))

	req := request(nil, "")
	req.CustomerPhone = " "
	_, err = e.orch.Checkout(ctx, "k", req)
	assert.Equal(t, apperr.InputInvalid, apperr.KindOf(err))
	assert.Equal(t, 0, e.db.Len(ordersTable))
}

func TestCheckout_DeadlineFailsOrder(t *testing.T) {
	e := newEnv(t, func(o *Options, d *Deps) {
		o.Deadline = 200 * time.Millisecond
		o.Steps.Pay.Timeout = 0
		d.Payer = slowPayer{}
	})
	ctx := context.Background()

	_, err := e.orch.Checkout(ctx, "slow", request(userID(7), "GIAMNGAY1"))
	require.Error(t, err)
	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))

	list, err := e.orders.List(ctx, orders.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, orders.StatusFailed, list[0].Status)
	assert.Equal(t, ReasonTimeout, list[0].FailureReason)
	assert.Nil(t, claimItem(e.db, 1, 7))
	assert.Equal(t, 0, e.coupons.Usages())
}

func TestDeferredPaymentAndConfirm(t *testing.T) {
	e := newEnv(t, deferred())
	ctx := context.Background()

	res, err := e.orch.Checkout(ctx, "later", request(userID(7), "GIAMNGAY1"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPendingPayment, res.Status)
	assert.Equal(t, StatePendingPayment, res.State)
	assert.Equal(t, 1, e.notifier.count())
	assert.Equal(t, 0, e.coupons.Usages())
	assert.NotNil(t, claimItem(e.db, 1, 7), "claim held while payment is pending")

	paid, err := e.orch.ConfirmPayment(ctx, res.OrderID, "PAY_ABCDEF12")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, paid.Status)
	assert.Equal(t, 1, e.coupons.Usages())

	again, err := e.orch.ConfirmPayment(ctx, res.OrderID, "PAY_ABCDEF12")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, again.Status)
	assert.Equal(t, 1, e.coupons.Usages())

	_, err = e.orch.ConfirmPayment(ctx, res.OrderID, "PAY_OTHER000")
	assert.Equal(t, apperr.InvalidTransition, apperr.KindOf(err))

	_, err = e.orch.ConfirmPayment(ctx, 999, "PAY_X")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestCancelReleasesClaim(t *testing.T) {
	e := newEnv(t, deferred())
	ctx := context.Background()

	res, err := e.orch.Checkout(ctx, "c1", request(userID(7), "GIAMNGAY1"))
	require.NoError(t, err)

	cancelled, err := e.orch.Cancel(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, cancelled.Status)
	assert.Nil(t, claimItem(e.db, 1, 7))

	next, err := e.orch.Checkout(ctx, "c2", request(userID(7), "GIAMNGAY1"))
	require.NoError(t, err)
	assert.False(t, next.DiscountAmount.IsZero())

	_, err = e.orch.Cancel(ctx, res.OrderID)
	assert.Equal(t, apperr.InvalidTransition, apperr.KindOf(err))
}

func TestReconcile(t *testing.T) {
	e := newEnv(t, deferred())
	ctx := context.Background()

	stale, err := e.orch.Checkout(ctx, "stale", request(userID(7), "GIAMNGAY1"))
	require.NoError(t, err)
	paidLate, err := e.orch.Checkout(ctx, "paid-late", request(userID(8), ""))
	require.NoError(t, err)
	_, err = e.payments.Record(ctx, payments.Record{OrderID: paidLate.OrderID, Amount: paidLate.Total, TransactionID: "PAY_LATE0001", Status: payments.StatusSuccess})
	require.NoError(t, err)

	*e.now = e.now.Add(time.Hour)
	fresh, err := e.orch.Checkout(ctx, "fresh", request(userID(9), ""))
	require.NoError(t, err)

	failed, err := e.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	got, err := e.orders.Get(ctx, stale.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFailed, got.Status)
	assert.Equal(t, ReasonPaymentExpired, got.FailureReason)
	assert.Nil(t, claimItem(e.db, 1, 7))

	got, err = e.orders.Get(ctx, paidLate.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, got.Status)
	assert.Equal(t, "PAY_LATE0001", got.TransactionID)

	got, err = e.orders.Get(ctx, fresh.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPendingPayment, got.Status)

	failed, err = e.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
}

func TestCheckout_EmitsOutcome(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.Checkout(context.Background(), "m", request(nil, ""))
	require.NoError(t, err)
	assert.Equal(t, []string{StatePaid}, e.emitter.states)
}

func TestNew_ClaimOutlivesPendingOrders(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, time.Hour, e.orch.opts.ClaimTTL)

	o := New(Deps{}, Options{ClaimTTL: 3 * time.Hour, ReconcileAfter: 30 * time.Minute})
	assert.Equal(t, 3*time.Hour, o.opts.ClaimTTL)
}

func TestDeferredCoupon_PendingOrderKeepsClaim(t *testing.T) {
	e := newEnv(t, deferred())
	ctx := context.Background()

	first, err := e.orch.Checkout(ctx, "key-A", request(userID(7), "GIAMNGAY1"))
	require.NoError(t, err)
	assert.False(t, first.DiscountAmount.IsZero())

	*e.now = e.now.Add(20 * time.Minute)
	second, err := e.orch.Checkout(ctx, "key-B", request(userID(7), "GIAMNGAY1"))
	require.NoError(t, err)
	assert.True(t, second.DiscountAmount.IsZero())
	assert.NotEmpty(t, second.Warnings)

	_, err = e.orch.ConfirmPayment(ctx, first.OrderID, "PAY_AAAAAAAA")
	require.NoError(t, err)
	_, err = e.orch.ConfirmPayment(ctx, second.OrderID, "PAY_BBBBBBBB")
	require.NoError(t, err)

	list, err := e.orders.List(ctx, orders.Filter{})
	require.NoError(t, err)
	discounted := 0
	for _, o := range list {
		assert.Equal(t, orders.StatusPaid, o.Status)
		if !o.DiscountAmount.IsZero() {
			discounted++
		}
	}
	assert.Equal(t, 1, discounted)
	assert.Equal(t, 1, e.coupons.Usages())
}

func TestConfirmPayment_RefusesLostClaim(t *testing.T) {
	e := newEnv(t, deferred())
	ctx := context.Background()

	stale, err := e.orch.Checkout(ctx, "key-A", request(userID(7), "GIAMNGAY1"))
	require.NoError(t, err)

	// the worker missed the stale order and its claim expired
	*e.now = e.now.Add(61 * time.Minute)
	taker, err := e.orch.Checkout(ctx, "key-B", request(userID(7), "GIAMNGAY1"))
	require.NoError(t, err)
	assert.False(t, taker.DiscountAmount.IsZero())

	_, err = e.orch.ConfirmPayment(ctx, stale.OrderID, "PAY_AAAAAAAA")
	assert.Equal(t, apperr.CouponAlreadyUsed, apperr.KindOf(err))
	got, err := e.orders.Get(ctx, stale.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPendingPayment, got.Status)

	paid, err := e.orch.ConfirmPayment(ctx, taker.OrderID, "PAY_BBBBBBBB")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, paid.Status)
	assert.Equal(t, 1, e.coupons.Usages())

	_, err = e.payments.Record(ctx, payments.Record{OrderID: stale.OrderID, Amount: stale.Total, TransactionID: "PAY_AAAAAAAA", Status: payments.StatusSuccess})
	require.NoError(t, err)
	failed, err := e.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	got, err = e.orders.Get(ctx, stale.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFailed, got.Status)
	assert.Equal(t, ReasonCouponClaimLost, got.FailureReason)
	assert.Equal(t, 1, e.coupons.Usages())
}

func TestConfirmPayment_RedeemsPricedCouponAfterReissue(t *testing.T) {
	e := newEnv(t, deferred())
	ctx := context.Background()

	res, err := e.orch.Checkout(ctx, "reissue", request(userID(7), "GIAMNGAY1"))
	require.NoError(t, err)

	require.NoError(t, e.coupons.Deactivate(ctx, 1))
	reissued := &coupons.Coupon{Code: "GIAMNGAY1", DiscountPercent: 40, BranchID: 1, StartDate: e.now.Add(-time.Hour), EndDate: e.now.Add(time.Hour), Active: true}
	require.NoError(t, e.coupons.Create(ctx, reissued))

	_, err = e.orch.ConfirmPayment(ctx, res.OrderID, "PAY_REISSUE1")
	require.NoError(t, err)

	used, err := e.coupons.HasUsage(ctx, 1, 7)
	require.NoError(t, err)
	assert.True(t, used)
	used, err = e.coupons.HasUsage(ctx, reissued.ID, 7)
	require.NoError(t, err)
	assert.False(t, used)
}
