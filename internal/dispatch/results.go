package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs"
)

// Consumer starts a manual-ack consumer on a queue
type Consumer interface {
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// ResultConsumerConfig holds result consumer configuration
type ResultConsumerConfig struct {
	Consumer    Consumer
	Queue       string
	ConsumerTag string
	Logger      *slog.Logger
}

// ResultConsumer applies ResultMessages from RabbitMQ to a ResultSink
type ResultConsumer struct {
	consumer    Consumer
	queue       string
	consumerTag string
	logger      *slog.Logger
	sink        ResultSink
	wg          sync.WaitGroup
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewResultConsumer creates a new result consumer
func NewResultConsumer(cfg *ResultConsumerConfig) *ResultConsumer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ResultConsumer{
		consumer:    cfg.Consumer,
		queue:       cfg.Queue,
		consumerTag: cfg.ConsumerTag,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start begins consuming results in the background
func (r *ResultConsumer) Start(ctx context.Context, sink ResultSink) error {
	deliveries, err := r.consumer.Consume(r.queue, r.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start result consumer: %w", err)
	}

	r.sink = sink
	r.wg.Add(1)
	go r.loop(ctx, deliveries)

	r.logger.Info("Result consumer started",
		slog.String("queue", r.queue),
		slog.String("consumer_tag", r.consumerTag),
	)

	return nil
}

// Stop stops consuming and waits for the in-flight delivery
func (r *ResultConsumer) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.wg.Wait()
		r.logger.Info("Result consumer stopped")
	})
}

func (r *ResultConsumer) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				r.logger.Warn("RabbitMQ result delivery channel closed")
				return
			}
			r.handle(delivery)
		}
	}
}

// handle applies one delivery. Malformed messages are dropped without requeue;
// results for unknown jobs are acked because retrying cannot help them.
func (r *ResultConsumer) handle(delivery amqp.Delivery) {
	var msg ResultMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		r.logger.Error("Failed to parse result message JSON",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		r.nack(delivery, "")
		return
	}

	if err := msg.Validate(); err != nil {
		r.logger.Error("Invalid result message",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		r.nack(delivery, msg.JobID)
		return
	}

	result, err := r.sink.OnExternalResult(msg.JobID, msg.Outcome())
	switch result {
	case jobs.DeliveryApplied, jobs.DeliveryDuplicate:
	case jobs.DeliveryRejected:
		r.logger.Warn("Result rejected by job manager",
			slog.String("job_id", msg.JobID),
			slog.String("worker_id", msg.WorkerID),
			slog.Any("error", err),
		)
	default:
		panic(fmt.Sprintf("unhandled delivery %d", int(result)))
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		r.logger.Error("Failed to ACK result message",
			slog.String("job_id", msg.JobID),
			slog.String("error", ackErr.Error()),
		)
	}
}

func (r *ResultConsumer) nack(delivery amqp.Delivery, jobID string) {
	if err := delivery.Nack(false, false); err != nil {
		r.logger.Error("Failed to NACK result message",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
