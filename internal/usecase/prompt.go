package usecase

import (
	"log/slog"
	"time"

	"opsbridge/internal/domain"
)

// PromptBuilder assembles the reasoning request for each loop iteration:
// system prompt, repaired and budgeted conversation history, and the tool
// schemas currently exposed by the bridge.
type PromptBuilder struct {
	systemPrompt string
	model        string
	maxMessages  int
	maxTokens    int
	temperature  float64
	counter      domain.TokenCounter // optional, nil = count-based trim only
	tokenBudget  int
	logger       *slog.Logger
}

// NewPromptBuilder creates a new prompt builder.
func NewPromptBuilder(systemPrompt, model string, maxMessages int, logger *slog.Logger) *PromptBuilder {
	if logger == nil {
		logger = discardLogger()
	}
	return &PromptBuilder{
		systemPrompt: systemPrompt,
		model:        model,
		maxMessages:  maxMessages,
		logger:       logger,
	}
}

// SetSampling configures the completion token cap and temperature passed
// through on every request. Zero values leave the backend defaults in place.
func (pb *PromptBuilder) SetSampling(maxTokens int, temperature float64) {
	pb.maxTokens = maxTokens
	pb.temperature = temperature
}

// SetTokenBudget enables token-based history trimming. budget is the
// prompt-side allowance; whole message groups are dropped oldest-first until
// the history fits.
func (pb *PromptBuilder) SetTokenBudget(counter domain.TokenCounter, budget int) {
	pb.counter = counter
	pb.tokenBudget = budget
}

// Build assembles the reasoning request from the conversation history.
func (pb *PromptBuilder) Build(history []domain.Message, tools []domain.ToolSchema) domain.ReasoningRequest {
	hist := repairHistory(history)
	hist = pb.truncateByCount(hist)
	hist = pb.truncateByTokens(hist)

	return domain.ReasoningRequest{
		Model:       pb.model,
		System:      pb.systemPrompt,
		Messages:    hist,
		Tools:       tools,
		MaxTokens:   pb.maxTokens,
		Temperature: pb.temperature,
	}
}

func (pb *PromptBuilder) truncateByCount(history []domain.Message) []domain.Message {
	if pb.maxMessages <= 0 || len(history) <= pb.maxMessages {
		return history
	}

	// Partition messages into atomic groups so that
	// [Assistant(tool_calls), ToolResult...] are never split.
	groups := groupHistory(history)

	// Keep groups from the end until we exceed the message budget.
	var kept [][]domain.Message
	total := 0
	for i := len(groups) - 1; i >= 0; i-- {
		groupLen := len(groups[i])
		if total+groupLen > pb.maxMessages && total > 0 {
			break
		}
		kept = append(kept, groups[i])
		total += groupLen
	}

	// Reverse to restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	// Flatten back to a message slice.
	result := make([]domain.Message, 0, total)
	for _, g := range kept {
		result = append(result, g...)
	}
	return result
}

func (pb *PromptBuilder) truncateByTokens(history []domain.Message) []domain.Message {
	if pb.counter == nil || pb.tokenBudget <= 0 || len(history) == 0 {
		return history
	}

	total := pb.counter.CountMessages(history) + pb.counter.Count(pb.systemPrompt)
	if total <= pb.tokenBudget {
		return history
	}

	// Drop whole groups oldest-first. The newest group always survives so
	// the reasoner sees at least the current turn.
	groups := groupHistory(history)
	dropped := 0
	for len(groups) > 1 && total > pb.tokenBudget {
		first := groups[0]
		total -= pb.counter.CountMessages(first)
		dropped += len(first)
		groups = groups[1:]
	}

	if dropped > 0 {
		pb.logger.Warn("history trimmed to token budget",
			"dropped_messages", dropped,
			"tokens", total,
			"budget", pb.tokenBudget,
		)
	}

	result := make([]domain.Message, 0, len(history)-dropped)
	for _, g := range groups {
		result = append(result, g...)
	}
	return result
}

// groupHistory partitions messages into atomic groups. An assistant message
// with tool calls and its immediately following tool result messages form a
// single group. All other messages are individual groups.
func groupHistory(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		if msg.Role == domain.RoleAssistant && len(msg.ToolCalls) > 0 {
			// Start of an atomic group.
			group := []domain.Message{msg}
			j := i + 1
			for j < len(msgs) && msgs[j].Role == domain.RoleTool {
				group = append(group, msgs[j])
				j++
			}
			groups = append(groups, group)
			i = j
		} else {
			groups = append(groups, []domain.Message{msg})
			i++
		}
	}
	return groups
}

// repairHistory scans the history and fixes broken tool chains, which the
// per-conversation history bound can produce when it clips the front of the
// transcript:
//  1. an assistant message with ToolCalls whose results never arrived gets
//     an injected error result per call;
//  2. a tool result without a preceding matching call is dropped.
//
// Returns a new slice; the input is not modified.
func repairHistory(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]domain.Message, 0, len(messages))
	pendingCalls := make(map[string]domain.ToolCall) // callID -> ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleAssistant:
			// Close out any still-pending calls from a previous assistant
			// message before starting a new chain.
			result = injectMissingToolResults(result, pendingCalls)
			clear(pendingCalls)

			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					pendingCalls[tc.ID] = tc
				}
			}
			result = append(result, msg)

		case domain.RoleTool:
			callID := toolResultCallID(msg)
			if callID == "" {
				// No call id — orphaned, drop it.
				continue
			}
			if _, ok := pendingCalls[callID]; ok {
				delete(pendingCalls, callID)
				result = append(result, msg)
			} else {
				// No matching call — orphaned, drop it.
				continue
			}

		default:
			// User or system messages end the current tool chain.
			result = injectMissingToolResults(result, pendingCalls)
			clear(pendingCalls)
			result = append(result, msg)
		}
	}

	return injectMissingToolResults(result, pendingCalls)
}

// injectMissingToolResults appends an error result for each pending tool
// call that never produced one.
func injectMissingToolResults(msgs []domain.Message, pending map[string]domain.ToolCall) []domain.Message {
	for id, tc := range pending {
		msgs = append(msgs, domain.Message{
			Role:    domain.RoleTool,
			Name:    tc.Name,
			Content: "[error] tool call did not produce a result",
			ToolCalls: []domain.ToolCall{{
				ID:   id,
				Name: tc.Name,
			}},
			Timestamp: time.Now(),
		})
	}
	return msgs
}

func toolResultCallID(msg domain.Message) string {
	if len(msg.ToolCalls) > 0 {
		return msg.ToolCalls[0].ID
	}
	return ""
}
