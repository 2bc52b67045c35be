package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/notify"
)

// Reconciler fails stale PENDING_PAYMENT orders.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Processor relays queued order events to the notification sinks and runs the
// reconciliation sweep on schedule.
type Processor struct {
	sink       notify.Notifier
	reconciler Reconciler
	timeout    time.Duration
}

func NewProcessor(sink notify.Notifier, reconciler Reconciler, timeout time.Duration) *Processor {
	return &Processor{sink: sink, reconciler: reconciler, timeout: timeout}
}

// lambdaEvent is the union of the two triggers the function is subscribed to.
type lambdaEvent struct {
	Records    []events.SQSMessage `json:"Records"`
	DetailType string              `json:"detail-type"`
}

// Handle dispatches a raw Lambda payload to HandleSQS or HandleSchedule.
func (p *Processor) Handle(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var ev lambdaEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode lambda event: %w", err)
	}
	if ev.Records != nil {
		return p.HandleSQS(ctx, events.SQSEvent{Records: ev.Records})
	}
	if ev.DetailType != "" {
		return nil, p.HandleSchedule(ctx, events.CloudWatchEvent{DetailType: ev.DetailType})
	}
	return nil, fmt.Errorf("unrecognised lambda event")
}

// HandleSQS delivers each queued event. Messages whose delivery failed are reported back so
// only they are retried; malformed messages are dropped.
func (p *Processor) HandleSQS(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, msg := range ev.Records {
		logger := log.WithField("message_id", msg.MessageId)

		nev, err := notify.Decode(msg.Body)
		if err != nil {
			logger.WithError(err).Error("dropping malformed order event")
			continue
		}
		logger = logger.WithFields(log.Fields{"order_id": nev.OrderID, "branch_id": nev.BranchID})

		if err := p.deliver(ctx, nev); err != nil {
			logger.WithError(err).Warn("order event delivery failed, will retry")
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: msg.MessageId})
			continue
		}
		logger.Info("order event delivered")
	}
	return resp, nil
}

func (p *Processor) deliver(ctx context.Context, ev notify.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.sink.Notify(ctx, ev)
}

// HandleSchedule runs one reconciliation sweep.
func (p *Processor) HandleSchedule(ctx context.Context, ev events.CloudWatchEvent) error {
	failed, err := p.reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	log.WithFields(log.Fields{"failed_orders": failed, "trigger": ev.DetailType}).Info("reconciliation sweep finished")
	return nil
}
