package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EchoModel is reported as the model name of echo responses
const EchoModel = "echo"

// Echo answers every prompt with the prompt itself after an optional delay.
// It stands in for a real model in development and tests.
type Echo struct {
	Delay time.Duration
}

func (e *Echo) Execute(ctx context.Context, req Request) (Response, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return Response{}, fmt.Errorf("execution canceled: %w", ctx.Err())
		case <-time.After(e.Delay):
		}
	}

	return Response{
		Content:    req.Prompt,
		Model:      EchoModel,
		TokensUsed: len(strings.Fields(req.Prompt)),
	}, nil
}

var _ Executor = (*Echo)(nil)
