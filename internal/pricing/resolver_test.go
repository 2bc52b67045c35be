package pricing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/cart"
	"github.com/mymelodiess/food-delivery-microservices/internal/catalog"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	foods     map[int64]catalog.Food
	batch     bool
	fail      error
	delay     time.Duration
	calls     int32
	inFlight  int32
	maxFlight int32
	mu        sync.Mutex
}

func (f *fakeSource) GetFood(ctx context.Context, id int64) (*catalog.Food, error) {
	atomic.AddInt32(&f.calls, 1)
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	f.mu.Lock()
	if n > f.maxFlight {
		f.maxFlight = n
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}
	food, ok := f.foods[id]
	if !ok {
		return nil, apperr.Newf(apperr.ItemNotFound, "food %d not found", id)
	}
	return &food, nil
}

func (f *fakeSource) GetFoods(ctx context.Context, ids []int64) ([]catalog.Food, error) {
	if !f.batch {
		return nil, catalog.ErrBatchUnsupported
	}
	if f.fail != nil {
		return nil, f.fail
	}
	var out []catalog.Food
	for _, id := range ids {
		food, ok := f.foods[id]
		if !ok {
			return nil, apperr.Newf(apperr.ItemNotFound, "food %d not found", id)
		}
		out = append(out, food)
	}
	return out, nil
}

func menu() map[int64]catalog.Food {
	return map[int64]catalog.Food{
		1: {ID: 1, Name: "Pho", Price: money.FromInt(50000)},
		2: {ID: 2, Name: "Banh mi", Price: money.FromInt(20000), Discount: 10},
		3: {ID: 3, Name: "Tra da", Price: money.FromInt(5000), Discount: 150},
	}
}

func TestResolve_Example(t *testing.T) {
	for _, batch := range []bool{true, false} {
		r := NewResolver(&fakeSource{foods: menu(), batch: batch}, 4)
		q, err := r.Resolve(context.Background(), []cart.Line{{FoodID: 1, Quantity: 2}})
		require.NoError(t, err)
		assert.True(t, q.Subtotal.Equal(money.FromInt(100000)), "batch=%v subtotal=%s", batch, q.Subtotal)
	}
}

func TestResolve_OrderIndependentSubtotal(t *testing.T) {
	r := NewResolver(&fakeSource{foods: menu()}, 2)
	a, err := r.Resolve(context.Background(), []cart.Line{{FoodID: 1, Quantity: 1}, {FoodID: 2, Quantity: 3}, {FoodID: 3, Quantity: 2}})
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), []cart.Line{{FoodID: 3, Quantity: 2}, {FoodID: 2, Quantity: 3}, {FoodID: 1, Quantity: 1}})
	require.NoError(t, err)

	// 50000 + 3*18000 + 2*0 (discount clamped to 100%)
	assert.True(t, a.Subtotal.Equal(money.FromInt(104000)), a.Subtotal.String())
	assert.True(t, a.Subtotal.Equal(b.Subtotal))
	assert.Equal(t, int64(1), a.Lines[0].FoodID)
	assert.Equal(t, int64(3), b.Lines[0].FoodID)
	for _, l := range a.Lines {
		assert.True(t, l.LineTotal.Equal(l.UnitPrice.Times(l.Quantity)))
		assert.False(t, l.LineTotal.IsNegative())
	}
}

func TestResolve_DuplicateLinesFetchedOnce(t *testing.T) {
	src := &fakeSource{foods: menu()}
	r := NewResolver(src, 4)
	q, err := r.Resolve(context.Background(), []cart.Line{{FoodID: 1, Quantity: 1}, {FoodID: 1, Quantity: 2}})
	require.NoError(t, err)
	assert.Len(t, q.Lines, 2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestResolve_Failures(t *testing.T) {
	r := NewResolver(&fakeSource{foods: menu()}, 4)
	_, err := r.Resolve(context.Background(), []cart.Line{{FoodID: 1, Quantity: 1}, {FoodID: 9, Quantity: 1}})
	assert.Equal(t, apperr.ItemNotFound, apperr.KindOf(err))

	_, err = r.Resolve(context.Background(), nil)
	assert.Equal(t, apperr.InputInvalid, apperr.KindOf(err))

	_, err = r.Resolve(context.Background(), []cart.Line{{FoodID: 1, Quantity: 0}})
	assert.Equal(t, apperr.InputInvalid, apperr.KindOf(err))

	down := NewResolver(&fakeSource{foods: menu(), batch: true, fail: apperr.New(apperr.CatalogUnavailable, "down")}, 4)
	_, err = down.Resolve(context.Background(), []cart.Line{{FoodID: 1, Quantity: 1}})
	assert.Equal(t, apperr.CatalogUnavailable, apperr.KindOf(err))
}

func TestResolve_BoundedFanOut(t *testing.T) {
	foods := map[int64]catalog.Food{}
	var lines []cart.Line
	for i := int64(1); i <= 12; i++ {
		foods[i] = catalog.Food{ID: i, Name: "x", Price: money.FromInt(1000)}
		lines = append(lines, cart.Line{FoodID: i, Quantity: 1})
	}
	src := &fakeSource{foods: foods, delay: 10 * time.Millisecond}
	q, err := NewResolver(src, 3).Resolve(context.Background(), lines)
	require.NoError(t, err)
	assert.True(t, q.Subtotal.Equal(money.FromInt(12000)))
	assert.LessOrEqual(t, src.maxFlight, int32(3))
}
