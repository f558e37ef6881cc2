package warden

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"sync"
)

const openaiUserRole = "user"

var (
	ErrOpenAIDisabled = errors.New("openai integration not configured")

	// DefaultOpenAIModel is used when the config doesn't name one
	DefaultOpenAIModel = openai.GPT4oMini
)

// OpenAI wraps the completion client used by /ask, with a global rate
// limiter shared across guilds.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	w              *Warden

	mu *sync.RWMutex // primarily just protects requestLimiter
}

func newOpenAI(
	w *Warden,
	httpClient *http.Client,
) *OpenAI {
	config := w.config.OpenAI
	o := &OpenAI{
		config: config,
		w:      w,
		mu:     &sync.RWMutex{},
	}
	o.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "openai")

	if config.Token != "" {
		clientCfg := openai.DefaultConfig(config.Token)
		if httpClient != nil {
			clientCfg.HTTPClient = httpClient
		}
		o.client = openai.NewClientWithConfig(clientCfg)
	}

	return o
}

func (o *OpenAI) model() string {
	if o.config.Model != "" {
		return o.config.Model
	}
	return DefaultOpenAIModel
}

func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	// RUnlock isn't deferred here- if we try to update the limiter via
	// API, it'd end up waiting on the current limiter to be released,
	// which isn't great under high load.
	// `rate.Limiter` does not specify that it's safe to concurrently call
	// `Wait` and `SetLimit`.
	o.mu.RLock()
	requestLimiter := o.requestLimiter
	o.mu.RUnlock()
	if requestLimiter == nil {
		return nil
	}
	return requestLimiter.Wait(ctx)
}

// CreateCompletion sends the prompt as a single-message chat completion
// and returns the response with token usage.
func (o *OpenAI) CreateCompletion(
	ctx context.Context,
	prompt string,
) (openai.ChatCompletionResponse, error) {
	if o.client == nil {
		return openai.ChatCompletionResponse{}, ErrOpenAIDisabled
	}
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf(
			"error waiting on rate limiter: %w", err,
		)
	}

	request := openai.ChatCompletionRequest{
		Model: o.model(),
		Messages: []openai.ChatCompletionMessage{
			{Role: openaiUserRole, Content: prompt},
		},
	}
	o.logger.InfoContext(ctx, "creating completion", "model", request.Model)
	response, err := o.client.CreateChatCompletion(ctx, request)
	if err != nil {
		o.logger.ErrorContext(ctx, "completion request failed", tint.Err(err))
		return response, err
	}
	o.logger.InfoContext(
		ctx,
		"completion received",
		slog.Group(
			"usage",
			"prompt_tokens", response.Usage.PromptTokens,
			"completion_tokens", response.Usage.CompletionTokens,
			"total_tokens", response.Usage.TotalTokens,
		),
	)
	return response, nil
}

// completionContent returns the first choice's message content.
func completionContent(response openai.ChatCompletionResponse) (string, error) {
	if len(response.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	content := response.Choices[0].Message.Content
	if content == "" {
		return "", errors.New("completion returned empty content")
	}
	return content, nil
}

// OpenAIClient defines the subset of the OpenAI API used by /ask,
// abstracted for testing.
type OpenAIClient interface {
	// CreateChatCompletion sends a chat completion request
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}
