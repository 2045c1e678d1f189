package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

// roundTripFunc is a function type that implements http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// errorReadCloser is an io.ReadCloser whose Read always returns an error.
type errorReadCloser struct{}

func (e *errorReadCloser) Read([]byte) (int, error) {
	return 0, fmt.Errorf("simulated body read error")
}

func (e *errorReadCloser) Close() error {
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenAIReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content-type: %s", r.Header.Get("Content-Type"))
		}

		resp := openaiResponse{
			ID:    "chatcmpl-123",
			Model: "gpt-4o-mini",
			Choices: []openaiChoice{
				{
					Index: 0,
					Message: openaiMessage{
						Role:    "assistant",
						Content: "Disk usage on web-01 is at 94%.",
					},
					FinishReason: "stop",
				},
			},
			Usage: openaiUsage{
				PromptTokens:     10,
				CompletionTokens: 8,
				TotalTokens:      18,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	reasoner := NewOpenAIReasoner(config.ReasonerConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	resp, err := reasoner.Reason(context.Background(), domain.ReasoningRequest{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Check disk usage on web-01"},
		},
	})
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}

	if resp.Message.Content != "Disk usage on web-01 is at 94%." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 18 {
		t.Errorf("TotalTokens = %d, want 18", resp.Usage.TotalTokens)
	}
	if reasoner.Name() != "test" {
		t.Errorf("Name = %q, want %q", reasoner.Name(), "test")
	}
}

func TestOpenAIReasonToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openaiResponse{
			ID:    "chatcmpl-456",
			Model: "gpt-4o-mini",
			Choices: []openaiChoice{
				{
					Index: 0,
					Message: openaiMessage{
						Role: "assistant",
						ToolCalls: []openaiToolCall{
							{
								ID:   "call_1",
								Type: "function",
								Function: openaiToolCallFunction{
									Name:      "check_disk_usage",
									Arguments: `{"path":"/var"}`,
								},
							},
						},
					},
					FinishReason: "tool_calls",
				},
			},
			Usage: openaiUsage{TotalTokens: 25},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	reasoner := NewOpenAIReasoner(config.ReasonerConfig{
		Name:    "test",
		BaseURL: server.URL,
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	resp, err := reasoner.Reason(context.Background(), domain.ReasoningRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "check /var"}},
	})
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[0].Name != "check_disk_usage" {
		t.Errorf("tool name = %q, want %q", resp.Message.ToolCalls[0].Name, "check_disk_usage")
	}
	if string(resp.Message.ToolCalls[0].Arguments) != `{"path":"/var"}` {
		t.Errorf("arguments = %s", resp.Message.ToolCalls[0].Arguments)
	}
}

func TestOpenAIReasonSystemPrompt(t *testing.T) {
	var receivedReq openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedReq)

		resp := openaiResponse{
			ID:    "chatcmpl-sys",
			Model: "gpt-4o",
			Choices: []openaiChoice{
				{Message: openaiMessage{Role: "assistant", Content: "ok"}},
			},
			Usage: openaiUsage{TotalTokens: 5},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	reasoner := NewOpenAIReasoner(config.ReasonerConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o",
	}, newTestLogger())

	_, err := reasoner.Reason(context.Background(), domain.ReasoningRequest{
		System: "You are an operations assistant.",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}

	if len(receivedReq.Messages) != 2 {
		t.Fatalf("Messages len = %d, want 2", len(receivedReq.Messages))
	}
	if receivedReq.Messages[0].Role != "system" {
		t.Errorf("Messages[0].Role = %q, want %q", receivedReq.Messages[0].Role, "system")
	}
	if receivedReq.Messages[0].Content != "You are an operations assistant." {
		t.Errorf("Messages[0].Content = %q", receivedReq.Messages[0].Content)
	}
	if receivedReq.Messages[1].Role != "user" {
		t.Errorf("Messages[1].Role = %q, want %q", receivedReq.Messages[1].Role, "user")
	}
}

func TestOpenAIErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    error
	}{
		{
			name:       "429 rate limit",
			statusCode: http.StatusTooManyRequests,
			body:       `{"error":{"message":"rate limit exceeded"}}`,
			wantErr:    domain.ErrRateLimit,
		},
		{
			name:       "401 unauthorized",
			statusCode: http.StatusUnauthorized,
			body:       `{"error":{"message":"invalid api key"}}`,
			wantErr:    domain.ErrAuthInvalid,
		},
		{
			name:       "403 forbidden",
			statusCode: http.StatusForbidden,
			body:       `{"error":{"message":"access denied"}}`,
			wantErr:    domain.ErrAuthInvalid,
		},
		{
			name:       "413 context overflow",
			statusCode: http.StatusRequestEntityTooLarge,
			body:       `{"error":{"message":"maximum context length exceeded"}}`,
			wantErr:    domain.ErrContextOverflow,
		},
		{
			name:       "500 server error",
			statusCode: http.StatusInternalServerError,
			body:       `{"error":{"message":"internal server error"}}`,
			wantErr:    domain.ErrProviderError,
		},
		{
			name:       "502 bad gateway",
			statusCode: http.StatusBadGateway,
			body:       `bad gateway`,
			wantErr:    domain.ErrProviderError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			reasoner := NewOpenAIReasoner(config.ReasonerConfig{
				Name:    "test",
				BaseURL: server.URL,
				Model:   "gpt-4o-mini",
				APIKey:  "test-key",
			}, newTestLogger())

			_, err := reasoner.Reason(context.Background(), domain.ReasoningRequest{
				Messages: []domain.Message{{Role: domain.RoleUser, Content: "test"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			// Error message should include the response body for debugging.
			if !strings.Contains(err.Error(), fmt.Sprintf("API error %d", tt.statusCode)) {
				t.Errorf("error should contain status code, got: %s", err.Error())
			}
		})
	}
}

func TestOpenAIReasonContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	reasoner := NewOpenAIReasoner(config.ReasonerConfig{
		Name:    "test",
		BaseURL: server.URL,
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reasoner.Reason(ctx, domain.ReasoningRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "test"}},
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestOpenAIReasonInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{broken json!!!`))
	}))
	defer server.Close()

	reasoner := NewOpenAIReasoner(config.ReasonerConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	_, err := reasoner.Reason(context.Background(), domain.ReasoningRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err == nil {
		t.Fatal("expected error for invalid JSON response")
	}
	if !strings.Contains(err.Error(), "unmarshal response") {
		t.Errorf("error = %q, want it to contain 'unmarshal response'", err.Error())
	}
}

func TestOpenAIRequestConversion(t *testing.T) {
	req := domain.ReasoningRequest{
		Model: "gpt-4o",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Hello"},
		},
		MaxTokens:   2048,
		Temperature: 0.7,
	}

	oaiReq := toOpenAIRequest(req)

	if oaiReq.Model != "gpt-4o" {
		t.Errorf("Model = %q, want %q", oaiReq.Model, "gpt-4o")
	}
	// No system prompt: the user message is the only one.
	if len(oaiReq.Messages) != 1 {
		t.Fatalf("Messages len = %d, want 1", len(oaiReq.Messages))
	}
	if oaiReq.Messages[0].Role != "user" {
		t.Errorf("Messages[0].Role = %q, want %q", oaiReq.Messages[0].Role, "user")
	}
	if oaiReq.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", oaiReq.MaxTokens)
	}
	if oaiReq.Temperature == nil || *oaiReq.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", oaiReq.Temperature)
	}
}

func TestOpenAIRequestWithToolCalls(t *testing.T) {
	req := domain.ReasoningRequest{
		Model: "gpt-4o",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Check the disk"},
			{
				Role: domain.RoleAssistant,
				ToolCalls: []domain.ToolCall{
					{ID: "call_1", Name: "check_disk_usage", Arguments: json.RawMessage(`{"path":"/var"}`)},
				},
			},
			{
				Role:    domain.RoleTool,
				Name:    "check_disk_usage",
				Content: `{"used_percent":94}`,
				ToolCalls: []domain.ToolCall{
					{ID: "call_1", Name: "check_disk_usage"},
				},
			},
		},
	}

	oaiReq := toOpenAIRequest(req)

	if len(oaiReq.Messages) != 3 {
		t.Fatalf("Messages len = %d, want 3", len(oaiReq.Messages))
	}

	assistantMsg := oaiReq.Messages[1]
	if assistantMsg.Role != "assistant" {
		t.Errorf("Assistant role = %q", assistantMsg.Role)
	}
	if len(assistantMsg.ToolCalls) != 1 {
		t.Fatalf("ToolCalls len = %d, want 1", len(assistantMsg.ToolCalls))
	}
	if assistantMsg.ToolCalls[0].ID != "call_1" {
		t.Errorf("ToolCall ID = %q, want %q", assistantMsg.ToolCalls[0].ID, "call_1")
	}
	if assistantMsg.ToolCalls[0].Type != "function" {
		t.Errorf("ToolCall Type = %q, want %q", assistantMsg.ToolCalls[0].Type, "function")
	}
	if assistantMsg.ToolCalls[0].Function.Arguments != `{"path":"/var"}` {
		t.Errorf("ToolCall Function.Arguments = %q", assistantMsg.ToolCalls[0].Function.Arguments)
	}

	toolMsg := oaiReq.Messages[2]
	if toolMsg.Role != "tool" {
		t.Errorf("Tool msg role = %q, want %q", toolMsg.Role, "tool")
	}
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("Tool msg ToolCallID = %q, want %q", toolMsg.ToolCallID, "call_1")
	}
	if toolMsg.Content != `{"used_percent":94}` {
		t.Errorf("Tool msg content = %q", toolMsg.Content)
	}
}

func TestOpenAIRequestWithTools(t *testing.T) {
	req := domain.ReasoningRequest{
		Model: "gpt-4o",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Hello"},
		},
		Tools: []domain.ToolSchema{
			{
				Name:        "get_system_metrics",
				Description: "Read host metrics",
				Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			},
			{
				Name:        "query_inventory",
				Description: "Query the inventory database",
				Parameters:  json.RawMessage(`{"type":"object"}`),
			},
		},
	}

	oaiReq := toOpenAIRequest(req)

	if len(oaiReq.Tools) != 2 {
		t.Fatalf("Tools len = %d, want 2", len(oaiReq.Tools))
	}
	if oaiReq.Tools[0].Type != "function" {
		t.Errorf("Tools[0].Type = %q, want %q", oaiReq.Tools[0].Type, "function")
	}
	if oaiReq.Tools[0].Function.Name != "get_system_metrics" {
		t.Errorf("Tools[0].Function.Name = %q", oaiReq.Tools[0].Function.Name)
	}
	if oaiReq.Tools[0].Function.Description != "Read host metrics" {
		t.Errorf("Tools[0].Function.Description = %q", oaiReq.Tools[0].Function.Description)
	}
	if oaiReq.Tools[1].Function.Name != "query_inventory" {
		t.Errorf("Tools[1].Function.Name = %q", oaiReq.Tools[1].Function.Name)
	}
}

func TestOpenAIRequestNoMaxTokensNoTemp(t *testing.T) {
	req := domain.ReasoningRequest{
		Model: "gpt-4o",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Hello"},
		},
	}

	oaiReq := toOpenAIRequest(req)

	if oaiReq.MaxTokens != 0 {
		t.Errorf("MaxTokens = %d, want 0", oaiReq.MaxTokens)
	}
	if oaiReq.Temperature != nil {
		t.Errorf("Temperature = %v, want nil", oaiReq.Temperature)
	}
}

func TestOpenAIResponseConversion(t *testing.T) {
	resp := openaiResponse{
		ID:    "chatcmpl-test",
		Model: "gpt-4o",
		Choices: []openaiChoice{
			{
				Index: 0,
				Message: openaiMessage{
					Role:    "assistant",
					Content: "All hosts healthy.",
				},
				FinishReason: "stop",
			},
		},
		Usage: openaiUsage{
			PromptTokens:     20,
			CompletionTokens: 10,
			TotalTokens:      30,
		},
	}

	result := fromOpenAIResponse(resp)

	if result.Message.Role != domain.RoleAssistant {
		t.Errorf("Role = %q", result.Message.Role)
	}
	if result.Message.Content != "All hosts healthy." {
		t.Errorf("Content = %q", result.Message.Content)
	}
	if result.Message.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if result.Usage.PromptTokens != 20 {
		t.Errorf("PromptTokens = %d", result.Usage.PromptTokens)
	}
	if result.Usage.CompletionTokens != 10 {
		t.Errorf("CompletionTokens = %d", result.Usage.CompletionTokens)
	}
	if result.Usage.TotalTokens != 30 {
		t.Errorf("TotalTokens = %d", result.Usage.TotalTokens)
	}
}

func TestOpenAIResponseWithToolCalls(t *testing.T) {
	resp := openaiResponse{
		ID:    "chatcmpl-tc",
		Model: "gpt-4o",
		Choices: []openaiChoice{
			{
				Index: 0,
				Message: openaiMessage{
					Role: "assistant",
					ToolCalls: []openaiToolCall{
						{
							ID:   "call_abc",
							Type: "function",
							Function: openaiToolCallFunction{
								Name:      "scan_failed_logins",
								Arguments: `{"hours":24}`,
							},
						},
						{
							ID:   "call_def",
							Type: "function",
							Function: openaiToolCallFunction{
								Name:      "check_disk_usage",
								Arguments: `{"path":"/tmp"}`,
							},
						},
					},
				},
				FinishReason: "tool_calls",
			},
		},
		Usage: openaiUsage{TotalTokens: 50},
	}

	result := fromOpenAIResponse(resp)

	if len(result.Message.ToolCalls) != 2 {
		t.Fatalf("ToolCalls len = %d, want 2", len(result.Message.ToolCalls))
	}
	if result.Message.ToolCalls[0].ID != "call_abc" {
		t.Errorf("ToolCalls[0].ID = %q", result.Message.ToolCalls[0].ID)
	}
	if result.Message.ToolCalls[0].Name != "scan_failed_logins" {
		t.Errorf("ToolCalls[0].Name = %q", result.Message.ToolCalls[0].Name)
	}
	if string(result.Message.ToolCalls[0].Arguments) != `{"hours":24}` {
		t.Errorf("ToolCalls[0].Arguments = %s", result.Message.ToolCalls[0].Arguments)
	}
	if result.Message.ToolCalls[1].Name != "check_disk_usage" {
		t.Errorf("ToolCalls[1].Name = %q", result.Message.ToolCalls[1].Name)
	}
}

func TestOpenAIResponseEmptyChoices(t *testing.T) {
	resp := openaiResponse{
		ID:      "chatcmpl-empty",
		Model:   "gpt-4o",
		Choices: []openaiChoice{},
		Usage:   openaiUsage{TotalTokens: 5},
	}

	result := fromOpenAIResponse(resp)

	if result.Message.Content != "" {
		t.Errorf("Content = %q, want empty", result.Message.Content)
	}
	if len(result.Message.ToolCalls) != 0 {
		t.Errorf("ToolCalls len = %d, want 0", len(result.Message.ToolCalls))
	}
	if result.Message.Role != domain.RoleAssistant {
		t.Errorf("Role = %q, want assistant", result.Message.Role)
	}
}

func TestOpenAIReasonDefaultModel(t *testing.T) {
	var receivedReq openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedReq)

		resp := openaiResponse{
			ID:    "chatcmpl-dm",
			Model: "gpt-4o",
			Choices: []openaiChoice{
				{Message: openaiMessage{Role: "assistant", Content: "ok"}},
			},
			Usage: openaiUsage{TotalTokens: 5},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	reasoner := NewOpenAIReasoner(config.ReasonerConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o",
	}, newTestLogger())

	// Request with no model set falls back to the configured default.
	_, err := reasoner.Reason(context.Background(), domain.ReasoningRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}

	if receivedReq.Model != "gpt-4o" {
		t.Errorf("Request model = %q, want %q", receivedReq.Model, "gpt-4o")
	}
}

func TestOpenAIReasonNoAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Local OpenAI-compatible servers run without credentials.
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no Authorization header, got %q", r.Header.Get("Authorization"))
		}
		resp := openaiResponse{
			ID:    "chatcmpl-nokey",
			Model: "local-model",
			Choices: []openaiChoice{
				{Message: openaiMessage{Role: "assistant", Content: "ok"}},
			},
			Usage: openaiUsage{TotalTokens: 5},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	reasoner := NewOpenAIReasoner(config.ReasonerConfig{
		Name:    "local",
		BaseURL: server.URL,
		Model:   "local-model",
	}, newTestLogger())

	resp, err := reasoner.Reason(context.Background(), domain.ReasoningRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
}

func TestOpenAIReasonCreateRequestError(t *testing.T) {
	// A baseURL with a control character causes http.NewRequestWithContext to fail.
	reasoner := NewOpenAIReasoner(config.ReasonerConfig{
		Name:    "test",
		BaseURL: "http://invalid\x7f.host",
		APIKey:  "test-key",
		Model:   "gpt-4o",
	}, newTestLogger())

	_, err := reasoner.Reason(context.Background(), domain.ReasoningRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "test"}},
	})
	if err == nil {
		t.Fatal("expected error from invalid URL")
	}
	if !strings.Contains(err.Error(), "create request") {
		t.Errorf("error = %q, want it to contain 'create request'", err.Error())
	}
}

func TestOpenAIReasonReadBodyError(t *testing.T) {
	reasoner := NewOpenAIReasoner(config.ReasonerConfig{
		Name:    "test",
		BaseURL: "http://localhost",
		APIKey:  "test-key",
		Model:   "gpt-4o",
	}, newTestLogger())

	// Replace the client's transport to return a response with a broken body.
	reasoner.client = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       &errorReadCloser{},
				Header:     make(http.Header),
			}, nil
		}),
	}

	_, err := reasoner.Reason(context.Background(), domain.ReasoningRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "test"}},
	})
	if err == nil {
		t.Fatal("expected error from body read failure")
	}
	if !strings.Contains(err.Error(), "read response") {
		t.Errorf("error = %q, want it to contain 'read response'", err.Error())
	}
}

func TestOpenAIBaseURLTrailingSlash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		resp := openaiResponse{
			Choices: []openaiChoice{
				{Message: openaiMessage{Role: "assistant", Content: "ok"}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	reasoner := NewOpenAIReasoner(config.ReasonerConfig{
		Name:    "test",
		BaseURL: server.URL + "/",
		Model:   "gpt-4o",
	}, newTestLogger())

	if _, err := reasoner.Reason(context.Background(), domain.ReasoningRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	}); err != nil {
		t.Fatalf("Reason: %v", err)
	}
}
