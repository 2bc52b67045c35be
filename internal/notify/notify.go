// Package notify tells branch operators about new orders. Every sink is best effort.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/metrics"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
)

// MessageNewOrder is the message sent for a freshly created order.
const MessageNewOrder = "NEW_ORDER"

// Event is one notification for a branch.
type Event struct {
	BranchID int64        `json:"branch_id"`
	Message  string       `json:"message"`
	OrderID  int64        `json:"order_id,omitempty"`
	Total    money.Amount `json:"total_price"`
	Status   string       `json:"status,omitempty"`
}

// NewOrder builds the NEW_ORDER event for an order.
func NewOrder(orderID, branchID int64, total money.Amount, status string) Event {
	return Event{BranchID: branchID, Message: MessageNewOrder, OrderID: orderID, Total: total, Status: status}
}

// Decode reads an Event from a queue message body.
func Decode(body string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}
	if ev.BranchID <= 0 || ev.Message == "" {
		return Event{}, errors.New("decode notification: branch_id and message are required")
	}
	return ev, nil
}

// Notifier delivers events to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Name() string                        { return "noop" }
func (Noop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every sink. One failing sink does not stop the others.
type Multi []Notifier

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		err := n.Notify(ctx, ev)
		record(n.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Send delivers ev within timeout. Failures are logged and swallowed.
func Send(ctx context.Context, n Notifier, ev Event, timeout time.Duration) {
	if n == nil {
		return
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := n.Notify(ctx, ev)
	if _, fanout := n.(Multi); !fanout {
		record(n.Name(), err)
	}
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"order_id":  ev.OrderID,
			"branch_id": ev.BranchID,
			"sink":      n.Name(),
		}).Warn("notification failed")
	}
}

func record(sink string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.NotificationsTotal.WithLabelValues(sink, outcome).Inc()
}
