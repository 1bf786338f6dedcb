package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tiulinh/otaku-agent-sub003/internal/agent"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/domain"
)

const testJobID = "3f1c2a9e-8b7d-4c5e-9f0a-1b2c3d4e5f60"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type reported struct {
	id      string
	outcome domain.Outcome
}

type fakeSink struct {
	mu       sync.Mutex
	results  []reported
	delivery jobs.Delivery
	err      error
}

func (s *fakeSink) OnExternalResult(id string, outcome domain.Outcome) (jobs.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, reported{id: id, outcome: outcome})
	return s.delivery, s.err
}

func (s *fakeSink) snapshot() []reported {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reported(nil), s.results...)
}

type executorFunc func(ctx context.Context, req agent.Request) (agent.Response, error)

func (f executorFunc) Execute(ctx context.Context, req agent.Request) (agent.Response, error) {
	return f(ctx, req)
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (acked, nacked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}

type fakePublisher struct {
	mu         sync.Mutex
	routingKey string
	body       []byte
	err        error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, routingKey string, body []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.routingKey = routingKey
	p.body = body
	return nil
}

type fakeConsumer struct {
	deliveries chan amqp.Delivery
	err        error
}

func (c *fakeConsumer) Consume(_, _ string) (<-chan amqp.Delivery, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.deliveries, nil
}

var errBoom = errors.New("boom")

func testExecution(deadline time.Duration) domain.Execution {
	return domain.Execution{
		JobID:    testJobID,
		AgentID:  "researcher",
		Prompt:   "ping",
		Deadline: time.Now().Add(deadline),
	}
}
