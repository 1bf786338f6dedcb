package agent

import "context"

// Request is a prompt to run on behalf of a job
type Request struct {
	JobID   string
	AgentID string
	UserID  string
	Prompt  string
}

// Response is the agent's answer
type Response struct {
	Content    string
	Model      string
	TokensUsed int
}

// Executor runs agent prompts. Implementations must honour ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, req Request) (Response, error)
}
