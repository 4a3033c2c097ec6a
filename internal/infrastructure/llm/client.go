package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/infrastructure/upstream"
	"github.com/pricelens/backend/internal/logger"
)

// Config holds the chat-completions endpoint settings
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  interface{}   `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

type toolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Client talks to an OpenAI-compatible chat completions endpoint
type Client struct {
	transport *upstream.Client
	apiKey    string
	endpoint  string
	model     string
}

// NewClient creates a language-model client
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &Client{
		transport: upstream.NewClient(upstream.Config{
			Service:           "llm",
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			MaxRetries:        cfg.MaxRetries,
		}),
		apiKey:   cfg.APIKey,
		endpoint: base + "/chat/completions",
		model:    model,
	}
}

// Complete sends one system+user exchange. When req.Tool is set the model is
// forced to call it and the raw arguments are returned.
func (c *Client) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	payload := chatRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
	}
	if req.Tool != nil {
		payload.Tools = []chatTool{{
			Type: "function",
			Function: toolFunction{
				Name:        req.Tool.Name,
				Description: req.Tool.Description,
				Parameters:  req.Tool.Parameters,
			},
		}}
		payload.ToolChoice = map[string]interface{}{
			"type":     "function",
			"function": map[string]string{"name": req.Tool.Name},
		}
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	var resp chatResponse
	if err := c.transport.PostJSON(ctx, c.endpoint, headers, payload, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: llm error %s: %s", domain.ErrUpstreamFailure, resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: llm returned no choices", domain.ErrMalformedResponse)
	}

	msg := resp.Choices[0].Message
	out := &domain.ChatResponse{Content: msg.Content}
	if req.Tool != nil {
		for _, call := range msg.ToolCalls {
			if call.Function.Name == req.Tool.Name && json.Valid([]byte(call.Function.Arguments)) {
				out.ToolArguments = json.RawMessage(call.Function.Arguments)
				break
			}
		}
	}

	logger.DebugCtx(ctx, "llm completion",
		zap.String("model", c.model),
		zap.String("finish_reason", resp.Choices[0].FinishReason),
		zap.Int("content_len", len(out.Content)),
		zap.Bool("tool_call", len(out.ToolArguments) > 0))
	return out, nil
}
