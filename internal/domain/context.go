package domain

import "context"

type ctxKey string

const (
	conversationCtxKey ctxKey = "conversation_id"
	taskCtxKey         ctxKey = "task_id"
)

// ContextWithConversationID returns a new context carrying the conversation ID.
func ContextWithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationCtxKey, conversationID)
}

// ConversationIDFromContext extracts the conversation ID from the context.
// Returns empty string if not set.
func ConversationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(conversationCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithTaskID returns a new context carrying the task ID (ULID).
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey, taskID)
}

// TaskIDFromContext extracts the task ID from the context.
// Returns empty string if not set.
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskCtxKey).(string); ok {
		return v
	}
	return ""
}
