package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg := <-w.jobsChan:
			jobID := msg.Request.JobID
			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", jobID),
				slog.Uint64("delivery_tag", msg.Delivery.DeliveryTag),
			)

			err := w.processJob(ctx, msg.Request)
			if err != nil {
				requeue := w.shouldRequeueJob(err)
				w.logger.Error("Job processing failed",
					slog.String("worker_name", workerName),
					slog.String("job_id", jobID),
					slog.Bool("requeue", requeue),
					slog.String("error", err.Error()),
				)

				if nackErr := msg.Delivery.Nack(false, requeue); nackErr != nil {
					w.logger.Error("Failed to NACK message",
						slog.String("job_id", jobID),
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if ackErr := msg.Delivery.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("job_id", jobID),
					slog.String("error", ackErr.Error()),
				)
			}
		}
	}
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func (w *Worker) shouldRequeueJob(err error) bool {
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrDeadlinePassed) {
		return false
	}

	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
