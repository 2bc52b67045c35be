package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/mymelodiess/food-delivery-microservices/internal/metrics"
)

// DefaultAcquireTimeout bounds how long a caller waits for a bulkhead slot.
const DefaultAcquireTimeout = 1 * time.Second

// ErrBulkheadFull is returned when no slot frees up in time.
var ErrBulkheadFull = fmt.Errorf("bulkhead: timeout acquiring resource")

// Bulkhead implements the bulkhead pattern for resource isolation
type Bulkhead struct {
	semaphore      chan struct{}
	name           string
	service        string
	acquireTimeout time.Duration
}

// NewBulkhead creates a new bulkhead with specified capacity
func NewBulkhead(size int, name, service string) *Bulkhead {
	if size <= 0 {
		size = 1
	}
	return &Bulkhead{
		semaphore:      make(chan struct{}, size),
		name:           name,
		service:        service,
		acquireTimeout: DefaultAcquireTimeout,
	}
}

// Execute runs fn within the bulkhead's limits. Waiting stops on ctx cancellation or acquire timeout.
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	timer := time.NewTimer(b.acquireTimeout)
	defer timer.Stop()

	select {
	case b.semaphore <- struct{}{}:
		metrics.BulkheadActiveRequests.WithLabelValues(b.service, b.name).Inc()

		defer func() {
			<-b.semaphore
			metrics.BulkheadActiveRequests.WithLabelValues(b.service, b.name).Dec()
		}()

		return fn()

	case <-timer.C:
		metrics.BulkheadRejectedRequests.WithLabelValues(b.service, b.name).Inc()
		return fmt.Errorf("bulkhead %s: %w", b.name, ErrBulkheadFull)

	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetName returns the bulkhead name
func (b *Bulkhead) GetName() string {
	return b.name
}
