package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/aws/memdynamo"
	"github.com/mymelodiess/food-delivery-microservices/internal/cart"
	"github.com/mymelodiess/food-delivery-microservices/internal/idempotency"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ordersTable   = "orders-table"
	idemTable     = "idempotency-table"
	countersTable = "counters-table"
)

func newTestStore(now *time.Time) (*Store, *memdynamo.DB) {
	db := memdynamo.New().
		CreateTable(ordersTable, "order_id", "").
		CreateTable(idemTable, "idempotency_key", "").
		CreateTable(countersTable, "name", "").
		AddIndex(ordersTable, BranchIndex, "branch_id", "order_id").
		AddIndex(ordersTable, UserIndex, "user_id", "order_id").
		AddIndex(ordersTable, StatusIndex, "status", "order_id")
	clock := func() time.Time { return *now }
	idem := idempotency.NewStore(db, idemTable, 48*time.Hour).WithClock(clock)
	return NewStore(db, ordersTable, countersTable, idem).WithClock(clock), db
}

func sampleOrder(branch int64, user *int64) Order {
	line := cart.Price(7, "Pho", "", money.FromInt(50000), 0, 2)
	q := cart.NewQuote([]cart.PricedLine{line})
	return Order{
		UserID:          user,
		CustomerName:    "An",
		CustomerPhone:   "0900000000",
		BranchID:        branch,
		DeliveryAddress: "1 Le Loi",
		Items:           q.Lines,
		Subtotal:        q.Subtotal,
		DiscountAmount:  money.Zero,
		Total:           q.Subtotal,
	}
}

func int64p(v int64) *int64 { return &v }

func TestCreateWithIdempotencyTransaction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, db := newTestStore(&now)
	ctx := context.Background()

	o, created, err := s.CreateWithIdempotencyTransaction(ctx, "key-1", sampleOrder(1, nil))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, int64(1), o.OrderID)
	assert.Equal(t, StatusPendingPayment, o.Status)
	assert.True(t, o.Total.Equal(money.FromInt(100000)))

	// same key returns the original order, no second row
	again, created, err := s.CreateWithIdempotencyTransaction(ctx, "key-1", sampleOrder(1, nil))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, o.OrderID, again.OrderID)
	assert.Equal(t, 1, db.Len(ordersTable))

	other, created, err := s.CreateWithIdempotencyTransaction(ctx, "key-2", sampleOrder(1, nil))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Greater(t, other.OrderID, o.OrderID)

	got, err := s.Get(ctx, o.OrderID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "key-1", got.IdempotencyKey)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].LineTotal.Equal(money.FromInt(100000)))
}

func TestCreateWithIdempotencyTransaction_Concurrent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, db := newTestStore(&now)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, _, err := s.CreateWithIdempotencyTransaction(ctx, "same", sampleOrder(1, nil))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids[i] = o.OrderID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, db.Len(ordersTable))
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestGet_Missing(t *testing.T) {
	now := time.Now()
	s, _ := newTestStore(&now)
	o, err := s.Get(context.Background(), 404)
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestSetStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	o, _, err := s.CreateWithIdempotencyTransaction(ctx, "k", sampleOrder(1, nil))
	require.NoError(t, err)

	paid, err := s.SetStatus(ctx, o.OrderID, StatusPaid, WithTransactionID("PAY_ABCDEF12"))
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	assert.Equal(t, "PAY_ABCDEF12", paid.TransactionID)

	_, err = s.SetStatus(ctx, o.OrderID, StatusCancelled)
	assert.True(t, apperr.IsKind(err, apperr.InvalidTransition), "got %v", err)

	_, err = s.SetStatus(ctx, o.OrderID, StatusShipping)
	require.NoError(t, err)
	done, err := s.SetStatus(ctx, o.OrderID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = s.SetStatus(ctx, o.OrderID, StatusPaid)
	assert.True(t, apperr.IsKind(err, apperr.InvalidTransition))

	_, err = s.SetStatus(ctx, 999, StatusPaid)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.SetStatus(ctx, o.OrderID, "BOGUS")
	assert.True(t, apperr.IsKind(err, apperr.InputInvalid))
}

func TestSetStatus_FailedWithReason(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	o, _, err := s.CreateWithIdempotencyTransaction(ctx, "k", sampleOrder(1, nil))
	require.NoError(t, err)
	failed, err := s.SetStatus(ctx, o.OrderID, StatusFailed, WithReason("Timeout"))
	require.NoError(t, err)
	assert.Equal(t, "Timeout", failed.FailureReason)
	assert.True(t, IsTerminal(failed.Status))
}

func TestUpdateStatus_Mismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	o, _, err := s.CreateWithIdempotencyTransaction(ctx, "k", sampleOrder(1, nil))
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, o.OrderID, StatusPaid, StatusCompleted)
	assert.ErrorIs(t, err, ErrStatusMismatch)

	// concurrent pay: exactly one winner
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.UpdateStatus(ctx, o.OrderID, StatusPendingPayment, StatusPaid); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestList(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	_, _, err := s.CreateWithIdempotencyTransaction(ctx, "a", sampleOrder(1, int64p(10)))
	require.NoError(t, err)
	_, _, err = s.CreateWithIdempotencyTransaction(ctx, "b", sampleOrder(2, int64p(10)))
	require.NoError(t, err)
	_, _, err = s.CreateWithIdempotencyTransaction(ctx, "c", sampleOrder(1, nil))
	require.NoError(t, err)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 2, 1}, []int64{all[0].OrderID, all[1].OrderID, all[2].OrderID})

	branch1, err := s.List(ctx, Filter{BranchID: int64p(1)})
	require.NoError(t, err)
	require.Len(t, branch1, 2)
	assert.Equal(t, int64(3), branch1[0].OrderID)

	user10, err := s.List(ctx, Filter{UserID: int64p(10)})
	require.NoError(t, err)
	require.Len(t, user10, 2)
	for _, o := range user10 {
		require.NotNil(t, o.UserID)
		assert.Equal(t, int64(10), *o.UserID)
	}

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListPendingOlderThan(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	old, _, err := s.CreateWithIdempotencyTransaction(ctx, "old", sampleOrder(1, nil))
	require.NoError(t, err)
	paidOld, _, err := s.CreateWithIdempotencyTransaction(ctx, "paid", sampleOrder(1, nil))
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, paidOld.OrderID, StatusPaid)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, _, err = s.CreateWithIdempotencyTransaction(ctx, "fresh", sampleOrder(1, nil))
	require.NoError(t, err)

	stale, err := s.ListPendingOlderThan(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.OrderID, stale[0].OrderID)
}

func TestIncrementPaymentAttempts(t *testing.T) {
	now := time.Now()
	s, _ := newTestStore(&now)
	ctx := context.Background()

	o, _, err := s.CreateWithIdempotencyTransaction(ctx, "k", sampleOrder(1, nil))
	require.NoError(t, err)
	n, err := s.IncrementPaymentAttempts(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementPaymentAttempts(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.IncrementPaymentAttempts(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StatusPendingPayment, StatusPaid, true},
		{StatusPendingPayment, StatusCancelled, true},
		{StatusPendingPayment, StatusFailed, true},
		{StatusPendingPayment, StatusCompleted, false},
		{StatusPaid, StatusShipping, true},
		{StatusPaid, StatusCompleted, true},
		{StatusPaid, StatusCancelled, false},
		{StatusShipping, StatusCompleted, true},
		{StatusCancelled, StatusPaid, false},
		{StatusFailed, StatusPendingPayment, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, ValidTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}
