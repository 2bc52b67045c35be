package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/config"
	"github.com/mymelodiess/food-delivery-microservices/internal/metrics"
)

// Step is the timeout and retry policy of one saga step.
type Step struct {
	Name     string
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

// Steps holds the policy of every step the orchestrator runs.
type Steps struct {
	Price       Step
	Coupon      Step
	CreateOrder Step
	Pay         Step
	Confirm     Step
	Redeem      Step
	Notify      Step
}

// DefaultSteps derives step policies from the checkout configuration.
// Catalog steps run once here; transport retries happen inside the resty client.
func DefaultSteps(cfg config.CheckoutConfig) Steps {
	return Steps{
		Price:       Step{Name: "price", Timeout: cfg.CatalogTimeout, Attempts: 1},
		Coupon:      Step{Name: "coupon", Timeout: cfg.CatalogTimeout, Attempts: 1},
		CreateOrder: Step{Name: "create_order", Attempts: 3, Backoff: 50 * time.Millisecond},
		Pay:         Step{Name: "pay", Timeout: cfg.PaymentTimeout, Attempts: 1},
		Confirm:     Step{Name: "confirm", Attempts: 3, Backoff: 50 * time.Millisecond},
		Redeem:      Step{Name: "redeem", Timeout: cfg.CatalogTimeout, Attempts: 3, Backoff: 100 * time.Millisecond},
		Notify:      Step{Name: "notify", Timeout: cfg.NotifyTimeout, Attempts: 1},
	}
}

// Run calls fn until it succeeds, returns a non-retryable error, or attempts run out.
// Each attempt gets its own Timeout. Only Internal errors are retried: every other
// kind is a deliberate answer.
func (s Step) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := s.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		err = s.once(ctx, fn)
		if err == nil || !retryable(err) || ctx.Err() != nil || i == attempts {
			break
		}
		select {
		case <-time.After(s.Backoff * time.Duration(i)):
		case <-ctx.Done():
			return timeoutError(s.Name, ctx.Err())
		}
	}
	return err
}

func (s Step) once(ctx context.Context, fn func(ctx context.Context) error) error {
	stepCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(stepCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !apperr.IsKind(err, apperr.Timeout) {
		err = timeoutError(s.Name, err)
	}

	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	metrics.CheckoutStepDuration.WithLabelValues(s.Name, outcome).Observe(time.Since(start).Seconds())
	return err
}

func retryable(err error) bool {
	return apperr.KindOf(err) == apperr.Internal
}

func timeoutError(step string, err error) error {
	return apperr.Wrap(apperr.Timeout, step+" step timed out", err)
}
