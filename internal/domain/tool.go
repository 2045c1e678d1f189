package domain

import (
	"context"
	"encoding/json"
)

// ToolRequestUserInput is the reserved tool name a reasoner calls to ask the
// requester for clarification. It is never registered on the bridge; the
// executor intercepts it and parks the task until a follow-up arrives.
const ToolRequestUserInput = "request_user_input"

// ToolSchema describes a tool for the reasoner's function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a reasoner's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Tool is the interface every specialist tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolBridge is the sole path from the executor to specialist logic. Invoke
// validates arguments against the tool's registered schema and runs the tool
// exactly once; it never retries and never interprets tool semantics.
type ToolBridge interface {
	Invoke(ctx context.Context, toolName string, arguments json.RawMessage) (*ToolResult, error)
	Schemas() []ToolSchema
}
