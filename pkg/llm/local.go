package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
	"github.com/XiaoConstantine/labloop/pkg/logging"
)

// LocalService implements Service against an Ollama-compatible chat endpoint
// (POST {base}/api/chat with a non-streaming JSON body).
type LocalService struct {
	endpoint     string
	defaultModel string
	client       *http.Client
}

type localChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localChatRequest struct {
	Model    string             `json:"model"`
	Messages []localChatMessage `json:"messages"`
	Stream   bool               `json:"stream"`
}

type localChatResponse struct {
	Message localChatMessage `json:"message"`
}

// NewLocalService creates a Service backed by a local model server.
func NewLocalService(endpoint, defaultModel string) *LocalService {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &LocalService{
		endpoint:     endpoint,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
	}
}

// Complete implements the Service interface.
func (s *LocalService) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}
	ctx = logging.WithModelID(ctx, model)

	var messages []localChatMessage
	if req.System != "" {
		messages = append(messages, localChatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, localChatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(localChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "failed to marshal request body")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/api/chat", bytes.NewBuffer(body))
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Wrap(err, errs.Timeout, "local model request timed out")
		}
		if errors.Is(err, context.Canceled) {
			return nil, errs.Wrap(err, errs.Canceled, "local model request canceled")
		}
		return nil, errs.WithFields(
			errs.Wrap(err, errs.InferenceFailed, "failed to reach local model server"),
			errs.Fields{"endpoint": s.endpoint, "model": model})
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errs.New(errs.RateLimited, "local model server rate limited the request")
	case resp.StatusCode != http.StatusOK:
		return nil, errs.WithFields(
			errs.New(errs.InferenceFailed, "local model server returned an error"),
			errs.Fields{"status": resp.StatusCode, "model": model})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(err, errs.InferenceFailed, "failed to read response body")
	}

	var parsed localChatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errs.Wrap(err, errs.InvalidResponse, "malformed response from local model server")
	}
	if parsed.Message.Content == "" {
		return nil, errs.New(errs.InvalidResponse, "local model server returned empty content")
	}

	logging.GetLogger().PromptCompletion(ctx, req.Prompt, parsed.Message.Content, nil)

	return &Response{Completion: parsed.Message.Content}, nil
}
