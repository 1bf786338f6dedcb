package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/domain"
)

// Publisher publishes messages under a routing key
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// QueueConfig holds RabbitMQ dispatcher configuration
type QueueConfig struct {
	Publisher  Publisher
	RoutingKey string
	Logger     *slog.Logger
}

// Queue hands executions to remote workers through RabbitMQ
type Queue struct {
	publisher  Publisher
	routingKey string
	logger     *slog.Logger
}

// NewQueue creates a new RabbitMQ dispatcher
func NewQueue(cfg *QueueConfig) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		publisher:  cfg.Publisher,
		routingKey: cfg.RoutingKey,
		logger:     logger,
	}
}

// Dispatch publishes a RequestMessage for exec
func (q *Queue) Dispatch(ctx context.Context, exec domain.Execution) error {
	body, err := json.Marshal(NewRequestMessage(exec))
	if err != nil {
		return fmt.Errorf("failed to marshal request message: %w", err)
	}

	if err := q.publisher.PublishWithRetry(ctx, q.routingKey, body, ContentTypeJSON); err != nil {
		return fmt.Errorf("failed to publish request message: %w", err)
	}

	q.logger.Debug("Job published to execution queue",
		slog.String("job_id", exec.JobID),
		slog.String("routing_key", q.routingKey),
	)

	return nil
}
