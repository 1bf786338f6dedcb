package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tiulinh/otaku-agent-sub003/internal/agent"
)

// Broker is the subset of the RabbitMQ client the worker needs
type Broker interface {
	Qos(prefetchCount int) error
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Broker            Broker
	Executor          agent.Executor
	WorkerID          string // defaults to a random id
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	RequestsQueue     string
	ResultsRoutingKey string
}

// Worker executes agent jobs consumed from RabbitMQ and publishes their results
type Worker struct {
	logger            *slog.Logger
	broker            Broker
	executor          agent.Executor
	workerID          string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	requestsQueue     string
	resultsRoutingKey string
	jobsChan          chan *jobMessage
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	concurrency := max(cfg.Concurrency, 1)
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	return &Worker{
		logger:            cfg.Logger,
		broker:            cfg.Broker,
		executor:          cfg.Executor,
		workerID:          workerID,
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		jobTimeout:        cfg.JobTimeout,
		requestsQueue:     cfg.RequestsQueue,
		resultsRoutingKey: cfg.ResultsRoutingKey,
		jobsChan:          make(chan *jobMessage),
		stopChan:          make(chan struct{}),
	}
}

// Start consumes and processes jobs until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		w.wg.Wait()
		w.logger.Info("Worker stopped")
	})
}
