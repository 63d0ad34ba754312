package llm

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
	"github.com/XiaoConstantine/labloop/pkg/logging"
)

// AnthropicService implements Service against the Anthropic Messages API.
type AnthropicService struct {
	client       *anthropic.Client
	defaultModel string
}

// NewAnthropicService creates a Service backed by the Anthropic API. The API
// key falls back to the ANTHROPIC_API_KEY environment variable.
func NewAnthropicService(apiKey, defaultModel string) (*AnthropicService, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errs.New(errs.InvalidInput, "API key is required")
	}
	if defaultModel == "" {
		defaultModel = string(anthropic.ModelClaude_3_Haiku_20240307)
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicService{
		client:       &client,
		defaultModel: defaultModel,
	}, nil
}

// Complete implements the Service interface.
func (s *AnthropicService) Complete(ctx context.Context, req Request) (*Response, error) {
	logger := logging.GetLogger()

	model := req.Model
	if model == "" {
		model = s.defaultModel
	}
	ctx = logging.WithModelID(ctx, model)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8000
	}

	params := anthropic.MessageNewParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock(req.Prompt),
			),
		},
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	message, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return nil, s.mapError(ctx, err, model)
	}

	if message == nil || len(message.Content) == 0 {
		return nil, errs.WithFields(
			errs.New(errs.InvalidResponse, "received empty content from Anthropic API"),
			errs.Fields{"model": model})
	}

	var completion string
	if block := message.Content[0]; block.Type == "text" {
		completion = block.Text
	}

	usage := &TokenUsage{
		PromptTokens:     int(message.Usage.InputTokens),
		CompletionTokens: int(message.Usage.OutputTokens),
		TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}

	logger.PromptCompletion(ctx, req.Prompt, completion, &logging.TokenInfo{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	})

	return &Response{Completion: completion, Usage: usage}, nil
}

// mapError converts SDK and transport failures into the coded taxonomy the
// retry layer understands.
func (s *AnthropicService) mapError(ctx context.Context, err error, model string) error {
	logger := logging.GetLogger()

	if errors.Is(err, context.DeadlineExceeded) {
		return errs.WithFields(
			errs.Wrap(err, errs.Timeout, "Anthropic request timed out"),
			errs.Fields{"model": model})
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(err, errs.Canceled, "Anthropic request canceled")
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		logger.Error(ctx, "Anthropic API error: status code %d", apiErr.StatusCode)
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return errs.WithFields(
				errs.Wrap(err, errs.RateLimited, "Anthropic rate limit exceeded"),
				errs.Fields{"model": model})
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return errs.WithFields(
				errs.Wrap(err, errs.Timeout, "Anthropic request timed out"),
				errs.Fields{"model": model})
		}
	}

	return errs.WithFields(
		errs.Wrap(err, errs.InferenceFailed, "failed to generate response"),
		errs.Fields{"model": model})
}
