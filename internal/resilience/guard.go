package resilience

import (
	"context"
	"errors"
)

// Guard runs downstream calls inside a bulkhead and then a circuit breaker.
type Guard struct {
	Breaker  *CircuitBreakerWrapper
	Bulkhead *Bulkhead
}

// NewGuard builds a breaker and a bulkhead of size slots named after the downstream.
func NewGuard(name, service string, size int) *Guard {
	return &Guard{
		Breaker:  NewCircuitBreaker(name, service),
		Bulkhead: NewBulkhead(size, name, service),
	}
}

// Do runs fn. Rejections by the breaker or bulkhead are passed to unavailable, whose result is returned instead.
func (g *Guard) Do(ctx context.Context, fn func() error, unavailable func(error) error) error {
	err := g.Bulkhead.Execute(ctx, func() error {
		_, cbErr := g.Breaker.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		return cbErr
	})
	if err != nil && (IsOpen(err) || errors.Is(err, ErrBulkheadFull)) && unavailable != nil {
		return unavailable(err)
	}
	return err
}

// Health reports the breaker state of each guard by name. ok is false while any breaker is open.
func Health(guards ...*Guard) (states map[string]string, ok bool) {
	states = make(map[string]string, len(guards))
	ok = true
	for _, g := range guards {
		if g == nil {
			continue
		}
		states[g.Bulkhead.GetName()] = g.Breaker.GetState()
		if g.Breaker.GetStateValue() == 1 {
			ok = false
		}
	}
	return states, ok
}
