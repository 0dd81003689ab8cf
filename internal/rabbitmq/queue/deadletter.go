package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/retry"

	"notify-scheduler/internal/model"
)

const (
	ExchangeName   = "notify-exchange"
	DLQName        = "notify-dlq"
	DeadRoutingKey = "notify.dead"
)

// DeadLetter wraps a job that exhausted its delivery retries. The DLQ
// exists for operator visibility only: nothing in this service
// consumes it, and dead-lettered jobs are never requeued.
type DeadLetter struct {
	Job      model.Job `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// DeadLetterQueue publishes exhausted deliveries to a durable queue.
type DeadLetterQueue struct {
	publisher *rabbitmq.Publisher
}

// NewDeadLetterQueue declares the exchange and DLQ and binds them.
func NewDeadLetterQueue(ch *rabbitmq.Channel) (*DeadLetterQueue, error) {
	exchange := rabbitmq.NewExchange(ExchangeName, "direct")
	if err := exchange.BindToChannel(ch); err != nil {
		return nil, fmt.Errorf("failed to bind to exchange: %w", err)
	}

	qm := rabbitmq.NewQueueManager(ch)

	q, err := qm.DeclareQueue(DLQName, rabbitmq.QueueConfig{Durable: true})
	if err != nil {
		return nil, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, DeadRoutingKey, exchange.Name(), false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind the exchange to the DLQ: %w", err)
	}

	pub := rabbitmq.NewPublisher(ch, exchange.Name())

	return &DeadLetterQueue{publisher: pub}, nil
}

// Publish records an exhausted delivery on the DLQ.
func (q *DeadLetterQueue) Publish(job model.Job, reason string, strategy retry.Strategy) error {
	body, err := json.Marshal(DeadLetter{
		Job:      job,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	return q.publisher.PublishWithRetry(body, DeadRoutingKey, "application/json", strategy)
}
