package notify

import (
	"context"
	"strconv"

	"github.com/mymelodiess/food-delivery-microservices/internal/aws"
)

// Queue hands events to SQS; the worker relays them to the direct sinks.
type Queue struct {
	publisher *aws.Publisher
}

func NewQueue(p *aws.Publisher) *Queue {
	return &Queue{publisher: p}
}

func (q *Queue) Name() string { return "sqs" }

func (q *Queue) Notify(ctx context.Context, ev Event) error {
	return q.publisher.SendJSON(ctx, ev, map[string]string{
		"event_type": ev.Message,
		"order_id":   strconv.FormatInt(ev.OrderID, 10),
		"branch_id":  strconv.FormatInt(ev.BranchID, 10),
	})
}
