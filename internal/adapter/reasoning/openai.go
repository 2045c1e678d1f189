package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
	"opsbridge/internal/infra/tracer"
)

// OpenAIReasoner implements domain.Reasoner against any Chat Completions
// compatible endpoint (OpenAI, OpenRouter, vLLM, Ollama's /v1, ...). The
// executor owns the loop and the deadline; this adapter performs exactly one
// HTTP call per Reason invocation.
type OpenAIReasoner struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIReasoner creates a reasoner from the configured backend settings.
// BaseURL defaults to the OpenAI API; point it at any compatible server.
func NewOpenAIReasoner(cfg config.ReasonerConfig, logger *slog.Logger) *OpenAIReasoner {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIReasoner{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Reason implements domain.Reasoner.
func (r *OpenAIReasoner) Reason(ctx context.Context, req domain.ReasoningRequest) (*domain.ReasoningResponse, error) {
	if req.Model == "" {
		req.Model = r.model
	}

	ctx, span := tracer.StartSpan(ctx, "reasoner.reason",
		trace.WithAttributes(
			tracer.StringAttr("reasoner.backend", r.name),
			tracer.StringAttr("reasoner.model", req.Model),
		),
	)
	defer span.End()

	body, err := json.Marshal(toOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if r.apiKey != "" {
		headers["Authorization"] = "Bearer " + r.apiKey
	}

	respBody, err := doJSONRequest(ctx, r.client, r.baseURL+"/chat/completions", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := fromOpenAIResponse(oaiResp)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logReasonCompleted(r.logger, r.name, req.Model, result.Usage)

	return result, nil
}

// Name implements domain.Reasoner.
func (r *OpenAIReasoner) Name() string { return r.name }

// --- OpenAI wire types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Request/response conversion ---

// toOpenAIRequest converts a domain reasoning request to the wire format.
// The system prompt travels as a separate field on the domain side and as
// the leading "system" message on the wire.
func toOpenAIRequest(req domain.ReasoningRequest) openaiRequest {
	oaiReq := openaiRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		oaiReq.Temperature = &temp
	}

	if req.System != "" {
		oaiReq.Messages = append(oaiReq.Messages, openaiMessage{
			Role:    domain.RoleSystem,
			Content: req.System,
		})
	}

	for _, m := range req.Messages {
		oaiMsg := openaiMessage{
			Role:    m.Role,
			Content: m.Content,
		}

		switch m.Role {
		case domain.RoleTool:
			// Tool results reference the call they answer; the call id rides
			// on the message's first ToolCall entry.
			oaiMsg.Name = m.Name
			if len(m.ToolCalls) > 0 {
				oaiMsg.ToolCallID = m.ToolCalls[0].ID
			}

		case domain.RoleAssistant:
			for _, tc := range m.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiToolCallFunction{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		}

		oaiReq.Messages = append(oaiReq.Messages, oaiMsg)
	}

	for _, t := range req.Tools {
		oaiReq.Tools = append(oaiReq.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return oaiReq
}

// fromOpenAIResponse converts the wire response to a domain reasoning
// response. An empty choices array yields a zero-value assistant message.
func fromOpenAIResponse(resp openaiResponse) *domain.ReasoningResponse {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Timestamp: time.Now(),
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0].Message
		msg.Content = choice.Content
		msg.Name = choice.Name
		for _, tc := range choice.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}

	return &domain.ReasoningResponse{
		Message: msg,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// Compile-time interface check.
var _ domain.Reasoner = (*OpenAIReasoner)(nil)
