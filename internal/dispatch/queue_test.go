package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Dispatch(t *testing.T) {
	publisher := &fakePublisher{}
	queue := NewQueue(&QueueConfig{
		Publisher:  publisher,
		RoutingKey: "agent.job.requested",
		Logger:     testLogger(),
	})

	exec := testExecution(time.Minute)
	require.NoError(t, queue.Dispatch(context.Background(), exec))

	assert.Equal(t, "agent.job.requested", publisher.routingKey)

	var msg RequestMessage
	require.NoError(t, json.Unmarshal(publisher.body, &msg))
	assert.Equal(t, testJobID, msg.JobID)
	assert.Equal(t, "researcher", msg.AgentID)
	assert.Equal(t, "ping", msg.Prompt)
	assert.True(t, exec.Deadline.Equal(msg.Deadline))
	assert.NoError(t, msg.Validate())
}

func TestQueue_DispatchPublishError(t *testing.T) {
	queue := NewQueue(&QueueConfig{
		Publisher:  &fakePublisher{err: errBoom},
		RoutingKey: "agent.job.requested",
	})

	err := queue.Dispatch(context.Background(), testExecution(time.Minute))
	assert.ErrorIs(t, err, errBoom)
}

func TestRequestMessage_Validate(t *testing.T) {
	valid := NewRequestMessage(testExecution(time.Minute))
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		modify func(*RequestMessage)
	}{
		{name: "bad job id", modify: func(m *RequestMessage) { m.JobID = "job-1" }},
		{name: "empty prompt", modify: func(m *RequestMessage) { m.Prompt = "   " }},
		{name: "no deadline", modify: func(m *RequestMessage) { m.Deadline = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := valid
			tt.modify(&msg)
			assert.ErrorIs(t, msg.Validate(), ErrInvalidMessage)
		})
	}
}
