package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	// DefaultModel is used when no model is configured
	DefaultModel = "gpt-4o-mini"

	// DefaultSystemPrompt is used for agents without a dedicated prompt
	DefaultSystemPrompt = "You are a helpful assistant. Answer the user's request concisely."

	defaultMaxRetries  = 3
	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 32 * time.Second
)

var (
	// ErrAPIKeyNotSet is returned when the OpenAI executor has no API key
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

	// ErrNoChoices is returned when a completion carries no choices
	ErrNoChoices = errors.New("no completion choices returned")

	// ErrMaxRetriesExceeded is returned when rate limiting outlasts every retry
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// OpenAIConfig holds OpenAI executor configuration
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string // optional, for compatible endpoints
	Model         string
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
	SystemPrompts map[string]string // keyed by agent id
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Logger        *slog.Logger
}

// OpenAI executes prompts with the chat completions API
type OpenAI struct {
	client        openai.Client
	model         string
	temperature   float64
	maxTokens     int
	timeout       time.Duration
	systemPrompts map[string]string
	maxRetries    int
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	logger        *slog.Logger
}

// NewOpenAI creates a new OpenAI executor
func NewOpenAI(cfg *OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries are handled here so backoff stays bounded by the job deadline
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	e := &OpenAI{
		client:        openai.NewClient(opts...),
		model:         cfg.Model,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		timeout:       cfg.Timeout,
		systemPrompts: cfg.SystemPrompts,
		maxRetries:    cfg.MaxRetries,
		baseBackoff:   cfg.BaseBackoff,
		maxBackoff:    cfg.MaxBackoff,
		logger:        cfg.Logger,
	}
	if e.model == "" {
		e.model = DefaultModel
	}
	if e.maxRetries <= 0 {
		e.maxRetries = defaultMaxRetries
	}
	if e.baseBackoff <= 0 {
		e.baseBackoff = defaultBaseBackoff
	}
	if e.maxBackoff <= 0 {
		e.maxBackoff = defaultMaxBackoff
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	return e, nil
}

// Execute runs req against the configured model
func (e *OpenAI) Execute(ctx context.Context, req Request) (Response, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(e.systemPrompt(req.AgentID)),
			openai.UserMessage(req.Prompt),
		},
		Temperature: openai.Float(e.temperature),
	}
	if e.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(e.maxTokens))
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * e.baseBackoff
			if backoff > e.maxBackoff {
				backoff = e.maxBackoff
			}

			e.logger.Warn("OpenAI rate limited, retrying",
				slog.String("job_id", req.JobID),
				slog.Int("attempt", attempt),
				slog.Duration("retry_after", backoff),
			)

			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		completion, err := e.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				continue
			}
			return Response{}, fmt.Errorf("OpenAI API call failed: %w", err)
		}

		if len(completion.Choices) == 0 {
			return Response{}, ErrNoChoices
		}

		return Response{
			Content:    completion.Choices[0].Message.Content,
			Model:      string(completion.Model),
			TokensUsed: int(completion.Usage.TotalTokens),
		}, nil
	}

	return Response{}, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func (e *OpenAI) systemPrompt(agentID string) string {
	if prompt, ok := e.systemPrompts[agentID]; ok && strings.TrimSpace(prompt) != "" {
		return prompt
	}
	if prompt, ok := e.systemPrompts["default"]; ok && strings.TrimSpace(prompt) != "" {
		return prompt
	}
	return DefaultSystemPrompt
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

var _ Executor = (*OpenAI)(nil)
