package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/tracer"
)

// Loop bounds applied when the config leaves them unset.
const (
	defaultMaxIterations        = 10
	defaultReasoningTimeout     = 60 * time.Second
	defaultClarificationTimeout = 5 * time.Minute
)

// ExecutorDeps holds injected dependencies for the executor.
type ExecutorDeps struct {
	Reasoner      domain.Reasoner
	Tools         domain.ToolBridge
	Prompt        *PromptBuilder
	Conversations *ConversationStore
	Locker        *ConversationLocker
	Logger        *slog.Logger
	Bus           domain.EventBus // optional, nil = no events

	MaxIterations        int
	ReasoningTimeout     time.Duration
	ClarificationTimeout time.Duration
}

// Executor drives local tasks through the reasoning loop: build the prompt,
// call the reasoner, run the tool calls it asks for, and repeat until the
// reasoner answers in plain text or a bound trips. There are no internal
// retries anywhere on this path; every failure lands the task in failed with
// a coded error, and tool failures are handed back to the reasoner as data.
type Executor struct {
	deps ExecutorDeps
}

// NewExecutor creates an executor with the given dependencies.
func NewExecutor(deps ExecutorDeps) *Executor {
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = defaultMaxIterations
	}
	if deps.ReasoningTimeout <= 0 {
		deps.ReasoningTimeout = defaultReasoningTimeout
	}
	if deps.ClarificationTimeout <= 0 {
		deps.ClarificationTimeout = defaultClarificationTimeout
	}
	return &Executor{deps: deps}
}

// Run drives one task from submitted to a terminal state. It is the only
// goroutine that emits on the task's event stream, which is what keeps the
// stream strictly ordered.
func (e *Executor) Run(ctx context.Context, task *Task, requestText string) {
	ctx, span := tracer.StartSpan(ctx, "executor.run",
		trace.WithAttributes(
			tracer.StringAttr("task.id", task.ID()),
			tracer.StringAttr("agent.id", task.AgentID()),
		),
	)
	defer span.End()

	ctx = domain.ContextWithTaskID(ctx, task.ID())
	ctx = domain.ContextWithConversationID(ctx, task.ConversationID())

	// The conversation is single-writer from here to the terminal event.
	// A concurrent send on the same conversation queues on this lock.
	unlock, err := e.deps.Locker.Lock(ctx, task.ConversationID())
	if err != nil {
		e.fail(ctx, span, task, domain.WrapOp("Executor.Run", domain.ErrCancelled))
		return
	}
	defer unlock()

	if err := task.Begin(); err != nil {
		e.fail(ctx, span, task, err)
		return
	}
	e.publish(ctx, domain.EventTaskStateChanged, task, map[string]string{"state": string(domain.TaskWorking)})

	conv := e.deps.Conversations.Append(task.ConversationID(), domain.Message{
		Role:      domain.RoleUser,
		Content:   requestText,
		Timestamp: time.Now(),
	})

	for i := 0; i < e.deps.MaxIterations; i++ {
		if ctx.Err() != nil {
			e.fail(ctx, span, task, domain.WrapOp("Executor.Run", domain.ErrCancelled))
			return
		}
		span.AddEvent("executor.iteration", trace.WithAttributes(tracer.IntAttr("iteration", i)))

		req := e.deps.Prompt.Build(conv.Messages(), e.deps.Tools.Schemas())

		e.publish(ctx, domain.EventReasoningStarted, task, nil)
		rctx, cancel := context.WithTimeout(ctx, e.deps.ReasoningTimeout)
		resp, reasonErr := e.deps.Reasoner.Reason(rctx, req)
		cancel()
		if reasonErr != nil {
			e.fail(ctx, span, task, e.mapReasonerError(ctx, reasonErr))
			return
		}
		e.publish(ctx, domain.EventReasoningCompleted, task, map[string]string{
			"tokens": fmt.Sprintf("%d", resp.Usage.TotalTokens),
		})

		msg := resp.Message
		e.deps.Conversations.Append(task.ConversationID(), msg)

		e.deps.Logger.Debug("reasoner response",
			"task_id", task.ID(),
			"iteration", i,
			"tool_calls", len(msg.ToolCalls),
			"tokens", resp.Usage.TotalTokens,
		)

		// No tool calls = final answer.
		if len(msg.ToolCalls) == 0 {
			artifact, marshalErr := json.Marshal(domain.TextArtifact(msg.Content))
			if marshalErr != nil {
				artifact = nil
			}
			if err := task.Complete(artifact); err != nil {
				e.deps.Logger.Warn("completion not recorded", "task_id", task.ID(), "error", err)
			}
			e.publish(ctx, domain.EventTaskCompleted, task, nil)
			tracer.SetOK(span)
			return
		}

		// The reserved clarification tool parks the task instead of
		// reaching the bridge.
		if prompt, call, ok := clarificationRequest(msg.ToolCalls); ok {
			if !e.awaitClarification(ctx, span, task, prompt, call, msg.ToolCalls) {
				return
			}
			continue
		}

		task.Progress(progressLine(msg.ToolCalls))
		e.publish(ctx, domain.EventTaskProgress, task, map[string]string{
			"tools": joinCallNames(msg.ToolCalls),
		})

		// Execute tool calls in parallel. Results are collected in an
		// indexed slice to preserve original call order.
		toolMsgs := make([]domain.Message, len(msg.ToolCalls))
		var wg sync.WaitGroup
		for idx, call := range msg.ToolCalls {
			wg.Add(1)
			go func(slot int, c domain.ToolCall) {
				defer wg.Done()
				toolMsgs[slot] = e.invokeTool(ctx, task, c)
			}(idx, call)
		}
		wg.Wait()
		for _, toolMsg := range toolMsgs {
			e.deps.Conversations.Append(task.ConversationID(), toolMsg)
		}
	}

	e.fail(ctx, span, task, domain.NewDomainError("Executor.Run", domain.ErrMaxIterations,
		fmt.Sprintf("after %d iterations", e.deps.MaxIterations)))
}

// awaitClarification parks the task in input_required, waits for a follow-up,
// and resumes the loop. Returns false when the task reached a terminal state
// instead (clarification timeout or cancellation).
func (e *Executor) awaitClarification(ctx context.Context, span trace.Span, task *Task, prompt string, call domain.ToolCall, all []domain.ToolCall) bool {
	// Sibling calls in the same reply are not executed while the task is
	// parked; close their chain entries so the transcript stays coherent.
	for _, c := range all {
		if c.ID == call.ID {
			continue
		}
		e.deps.Conversations.Append(task.ConversationID(), domain.Message{
			Role:      domain.RoleTool,
			Name:      c.Name,
			Content:   "[skipped] awaiting user input",
			ToolCalls: []domain.ToolCall{{ID: c.ID, Name: c.Name}},
			Timestamp: time.Now(),
		})
	}

	if err := task.RequireInput(prompt); err != nil {
		e.fail(ctx, span, task, err)
		return false
	}
	e.publish(ctx, domain.EventClarificationAsked, task, map[string]string{"prompt": prompt})

	text, err := task.AwaitInput(ctx, e.deps.ClarificationTimeout)
	if err != nil {
		e.fail(ctx, span, task, err)
		return false
	}

	if err := task.Begin(); err != nil {
		e.fail(ctx, span, task, err)
		return false
	}
	e.publish(ctx, domain.EventClarificationReceived, task, nil)

	// The follow-up is the clarification call's result.
	e.deps.Conversations.Append(task.ConversationID(), domain.Message{
		Role:      domain.RoleTool,
		Name:      call.Name,
		Content:   text,
		ToolCalls: []domain.ToolCall{{ID: call.ID, Name: call.Name}},
		Timestamp: time.Now(),
	})
	return true
}

// invokeTool runs a single tool call through the bridge and returns the
// result as a message. Failures come back as message content so the reasoner
// decides what to do next.
func (e *Executor) invokeTool(ctx context.Context, task *Task, call domain.ToolCall) domain.Message {
	ctx, span := tracer.StartSpan(ctx, "executor.invoke_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	e.publish(ctx, domain.EventToolCallStarted, task, map[string]string{"tool": call.Name})
	result, err := e.deps.Tools.Invoke(ctx, call.Name, call.Arguments)
	e.publish(ctx, domain.EventToolCallCompleted, task, map[string]string{
		"tool":    call.Name,
		"success": fmt.Sprintf("%v", err == nil),
	})

	if err != nil {
		tracer.RecordError(span, err)
		return domain.Message{
			Role:    domain.RoleTool,
			Name:    call.Name,
			Content: err.Error(),
			ToolCalls: []domain.ToolCall{{
				ID:   call.ID,
				Name: call.Name,
			}},
			Timestamp: time.Now(),
		}
	}

	tracer.SetOK(span)
	return domain.Message{
		Role:    domain.RoleTool,
		Name:    call.Name,
		Content: result.Content,
		ToolCalls: []domain.ToolCall{{
			ID:   call.ID,
			Name: call.Name,
		}},
		Timestamp: time.Now(),
	}
}

// fail lands the task in failed and mirrors the outcome on the bus.
func (e *Executor) fail(ctx context.Context, span trace.Span, task *Task, cause error) {
	tracer.RecordError(span, cause)
	if err := task.Fail(cause); err != nil {
		e.deps.Logger.Warn("failure not recorded", "task_id", task.ID(), "error", err)
	}
	evType := domain.EventTaskFailed
	if errors.Is(cause, domain.ErrCancelled) {
		evType = domain.EventTaskCancelled
	}
	e.publish(ctx, evType, task, map[string]string{"error": cause.Error()})
}

// mapReasonerError normalizes transport-level failures to domain sentinels.
// Adapter-mapped errors (rate limits, auth) pass through untouched.
func (e *Executor) mapReasonerError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return domain.WrapOp("Executor.Run", domain.ErrCancelled)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewDomainError("Executor.Run", domain.ErrReasoningTimeout,
			fmt.Sprintf("after %s", e.deps.ReasoningTimeout))
	default:
		return err
	}
}

func (e *Executor) publish(ctx context.Context, eventType domain.EventType, task *Task, payload any) {
	publishEvent(e.deps.Bus, ctx, eventType, task.ID(), task.ConversationID(), payload)
}

// clarificationRequest picks the reserved input-request call out of a reply,
// if present, and extracts its prompt.
func clarificationRequest(calls []domain.ToolCall) (string, domain.ToolCall, bool) {
	for _, call := range calls {
		if call.Name != domain.ToolRequestUserInput {
			continue
		}
		var args struct {
			Prompt string `json:"prompt"`
		}
		prompt := "additional input required"
		if err := json.Unmarshal(call.Arguments, &args); err == nil && args.Prompt != "" {
			prompt = args.Prompt
		}
		return prompt, call, true
	}
	return "", domain.ToolCall{}, false
}

func progressLine(calls []domain.ToolCall) string {
	return "invoking " + joinCallNames(calls)
}

func joinCallNames(calls []domain.ToolCall) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}
