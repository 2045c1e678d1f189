package domain

import "context"

// Reasoner is the opaque external collaborator that decides what a task does
// next: reply with text, call tools, or ask the requester for input via the
// reserved ToolRequestUserInput call. Implementations live behind HTTP or SDK
// clients and may be slow or unavailable; callers bound each call with a
// context deadline.
type Reasoner interface {
	// Reason sends the conversation so far plus the available tool schemas
	// and returns the reasoner's next message.
	Reason(ctx context.Context, req ReasoningRequest) (*ReasoningResponse, error)
	// Name returns the backend identifier (e.g., "openai", "bedrock").
	Name() string
}

// ReasoningRequest carries one reasoning call's inputs.
type ReasoningRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

// ReasoningResponse is the reasoner's reply. A reply with tool calls keeps the
// task working; a reply without them is the task's final answer.
type ReasoningResponse struct {
	Message Message `json:"message"`
	Usage   Usage   `json:"usage"`
}

// Usage tracks token consumption for one reasoning call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TokenCounter estimates how many tokens a text costs against the reasoner's
// context window. The prompt builder uses it to trim history before a call.
type TokenCounter interface {
	Count(text string) int
	CountMessages(msgs []Message) int
	Model() string
}
