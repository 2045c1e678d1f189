package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"opsbridge/internal/domain"
)

// scriptedReasoner returns queued replies in order and fails once exhausted.
type scriptedReasoner struct {
	mu    sync.Mutex
	steps []domain.Message
	errs  []error
	calls int
}

func (r *scriptedReasoner) Reason(ctx context.Context, req domain.ReasoningRequest) (*domain.ReasoningResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls >= len(r.steps) {
		return nil, errors.New("scripted reasoner exhausted")
	}
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return nil, r.errs[i]
	}
	return &domain.ReasoningResponse{
		Message: r.steps[i],
		Usage:   domain.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}, nil
}

func (r *scriptedReasoner) Name() string { return "scripted" }

func (r *scriptedReasoner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// blockedReasoner parks until the call context ends.
type blockedReasoner struct{}

func (blockedReasoner) Reason(ctx context.Context, req domain.ReasoningRequest) (*domain.ReasoningResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockedReasoner) Name() string { return "blocked" }

// loopingReasoner always asks for another tool call, never answering.
type loopingReasoner struct {
	calls atomic.Int32
}

func (r *loopingReasoner) Reason(ctx context.Context, req domain.ReasoningRequest) (*domain.ReasoningResponse, error) {
	r.calls.Add(1)
	return &domain.ReasoningResponse{
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{ID: "loop", Name: "get_system_metrics", Arguments: json.RawMessage(`{}`)}},
		},
	}, nil
}

func (r *loopingReasoner) Name() string { return "looping" }

// stubBridge serves canned tool results and records invocations.
type stubBridge struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	calls   []string
}

func (b *stubBridge) Invoke(ctx context.Context, toolName string, arguments json.RawMessage) (*domain.ToolResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, toolName)
	b.mu.Unlock()
	if err, ok := b.errs[toolName]; ok {
		return nil, err
	}
	if content, ok := b.results[toolName]; ok {
		return &domain.ToolResult{Content: content}, nil
	}
	return nil, domain.ErrToolNotFound
}

func (b *stubBridge) Schemas() []domain.ToolSchema { return nil }

func (b *stubBridge) invocations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]string, len(b.calls))
	copy(cp, b.calls)
	return cp
}

func newTestExecutor(reasoner domain.Reasoner, bridge domain.ToolBridge) (*Executor, *ConversationStore) {
	conversations := NewConversationStore(0, discardLogger())
	exec := NewExecutor(ExecutorDeps{
		Reasoner:      reasoner,
		Tools:         bridge,
		Prompt:        NewPromptBuilder("you are an ops assistant", "test-model", 0, discardLogger()),
		Conversations: conversations,
		Locker:        NewConversationLocker(),
		Logger:        discardLogger(),
	})
	return exec, conversations
}

func assistantText(content string) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, Content: content}
}

func assistantCalls(calls ...domain.ToolCall) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, ToolCalls: calls}
}

func TestExecutorCompletesWithoutTools(t *testing.T) {
	reasoner := &scriptedReasoner{steps: []domain.Message{assistantText("disk is healthy")}}
	exec, conversations := newTestExecutor(reasoner, &stubBridge{})
	task := newTestTask(t)

	exec.Run(context.Background(), task, "check disk")

	events := drainEvents(t, task)
	last := events[len(events)-1]
	if last.State != domain.TaskCompleted || !last.Final {
		t.Fatalf("last event = %+v, want final completed", last)
	}
	if !strings.Contains(string(last.Artifact), "disk is healthy") {
		t.Errorf("artifact = %s", last.Artifact)
	}

	conv, err := conversations.Get(task.ConversationID())
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	msgs := conv.Messages()
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Errorf("transcript = %+v", msgs)
	}
}

func TestExecutorRunsToolsThenCompletes(t *testing.T) {
	reasoner := &scriptedReasoner{steps: []domain.Message{
		assistantCalls(
			domain.ToolCall{ID: "c1", Name: "get_system_metrics", Arguments: json.RawMessage(`{}`)},
			domain.ToolCall{ID: "c2", Name: "check_disk_space", Arguments: json.RawMessage(`{}`)},
		),
		assistantText("cpu 12%, disk 73%"),
	}}
	bridge := &stubBridge{results: map[string]string{
		"get_system_metrics": "cpu 12%",
		"check_disk_space":   "disk 73%",
	}}
	exec, conversations := newTestExecutor(reasoner, bridge)
	task := newTestTask(t)

	exec.Run(context.Background(), task, "how is the box doing?")

	if task.State() != domain.TaskCompleted {
		t.Fatalf("state = %q, want completed", task.State())
	}
	if got := bridge.invocations(); len(got) != 2 {
		t.Errorf("bridge invocations = %v, want both tools", got)
	}

	events := drainEvents(t, task)
	var progress string
	for _, ev := range events {
		if ev.State == domain.TaskWorking && strings.HasPrefix(ev.Message, "invoking") {
			progress = ev.Message
		}
	}
	if !strings.Contains(progress, "get_system_metrics") || !strings.Contains(progress, "check_disk_space") {
		t.Errorf("progress = %q", progress)
	}

	conv, err := conversations.Get(task.ConversationID())
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	// user, assistant(calls), tool, tool, assistant.
	if got := len(conv.Messages()); got != 5 {
		t.Errorf("transcript length = %d, want 5", got)
	}
	// Tool results keep the call order regardless of completion order.
	msgs := conv.Messages()
	if msgs[2].Name != "get_system_metrics" || msgs[3].Name != "check_disk_space" {
		t.Errorf("tool result order = %q, %q", msgs[2].Name, msgs[3].Name)
	}
}

func TestExecutorToolFailureFedBackNoRetry(t *testing.T) {
	reasoner := &scriptedReasoner{steps: []domain.Message{
		assistantCalls(domain.ToolCall{ID: "c1", Name: "check_disk_space", Arguments: json.RawMessage(`{}`)}),
		assistantText("could not read the disk"),
	}}
	bridge := &stubBridge{errs: map[string]error{
		"check_disk_space": domain.NewDomainError("Bridge.Invoke", domain.ErrToolFailure, "df exited 1"),
	}}
	exec, conversations := newTestExecutor(reasoner, bridge)
	task := newTestTask(t)

	exec.Run(context.Background(), task, "check disk")

	// The failure reaches the reasoner as data and the task still completes.
	if task.State() != domain.TaskCompleted {
		t.Fatalf("state = %q, want completed", task.State())
	}
	// Exactly one invocation: the bridge never retries.
	if got := bridge.invocations(); len(got) != 1 {
		t.Errorf("bridge invocations = %v, want exactly one", got)
	}

	conv, err := conversations.Get(task.ConversationID())
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	var toolMsg domain.Message
	for _, m := range conv.Messages() {
		if m.Role == domain.RoleTool {
			toolMsg = m
		}
	}
	if !strings.Contains(toolMsg.Content, "df exited 1") {
		t.Errorf("tool message = %q, want the bridge error as content", toolMsg.Content)
	}
}

func TestExecutorReasoningTimeout(t *testing.T) {
	exec, _ := newTestExecutor(blockedReasoner{}, &stubBridge{})
	exec.deps.ReasoningTimeout = 20 * time.Millisecond
	task := newTestTask(t)

	exec.Run(context.Background(), task, "anything")

	events := drainEvents(t, task)
	last := events[len(events)-1]
	if last.State != domain.TaskFailed || !last.Final {
		t.Fatalf("last event = %+v, want final failed", last)
	}
	if last.ErrorCode != domain.CodeReasoningTimeout {
		t.Errorf("ErrorCode = %q, want %q", last.ErrorCode, domain.CodeReasoningTimeout)
	}
}

func TestExecutorMaxIterations(t *testing.T) {
	reasoner := &loopingReasoner{}
	bridge := &stubBridge{results: map[string]string{"get_system_metrics": "cpu 12%"}}
	conversations := NewConversationStore(0, discardLogger())
	exec := NewExecutor(ExecutorDeps{
		Reasoner:      reasoner,
		Tools:         bridge,
		Prompt:        NewPromptBuilder("", "test-model", 0, discardLogger()),
		Conversations: conversations,
		Locker:        NewConversationLocker(),
		Logger:        discardLogger(),
		MaxIterations: 2,
	})
	task := newTestTask(t)

	exec.Run(context.Background(), task, "loop forever")

	events := drainEvents(t, task)
	last := events[len(events)-1]
	if last.ErrorCode != domain.CodeMaxIterations {
		t.Errorf("ErrorCode = %q, want %q", last.ErrorCode, domain.CodeMaxIterations)
	}
	if got := reasoner.calls.Load(); got != 2 {
		t.Errorf("reasoner calls = %d, want 2", got)
	}
}

func TestExecutorClarificationRoundTrip(t *testing.T) {
	reasoner := &scriptedReasoner{steps: []domain.Message{
		assistantCalls(domain.ToolCall{
			ID:        "c1",
			Name:      domain.ToolRequestUserInput,
			Arguments: json.RawMessage(`{"prompt":"which host do you mean?"}`),
		}),
		assistantText("web-1 looks fine"),
	}}
	exec, conversations := newTestExecutor(reasoner, &stubBridge{})
	task := newTestTask(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		exec.Run(context.Background(), task, "check the host")
	}()

	// Consume live until the task parks, then answer.
	var events []domain.TaskEvent
	for ev := range task.Events() {
		events = append(events, ev)
		if ev.State == domain.TaskInputRequired {
			if ev.Message != "which host do you mean?" {
				t.Errorf("prompt = %q, want the question verbatim", ev.Message)
			}
			if err := task.Resume("web-1"); err != nil {
				t.Errorf("Resume: %v", err)
			}
		}
	}
	<-done

	last := events[len(events)-1]
	if last.State != domain.TaskCompleted || !last.Final {
		t.Fatalf("last event = %+v, want final completed", last)
	}

	// working -> input_required -> working again after the follow-up.
	var sawResumedWorking bool
	for i, ev := range events {
		if ev.State == domain.TaskWorking && i > 0 && events[i-1].State == domain.TaskInputRequired {
			sawResumedWorking = true
		}
	}
	if !sawResumedWorking {
		t.Error("expected a working event right after input_required")
	}

	conv, err := conversations.Get(task.ConversationID())
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	var followUp string
	for _, m := range conv.Messages() {
		if m.Role == domain.RoleTool && m.Name == domain.ToolRequestUserInput {
			followUp = m.Content
		}
	}
	if followUp != "web-1" {
		t.Errorf("follow-up recorded as %q, want web-1", followUp)
	}

	// The reserved tool never reaches the bridge.
	if reasoner.callCount() != 2 {
		t.Errorf("reasoner calls = %d, want 2", reasoner.callCount())
	}
}

func TestExecutorClarificationTimeout(t *testing.T) {
	reasoner := &scriptedReasoner{steps: []domain.Message{
		assistantCalls(domain.ToolCall{
			ID:        "c1",
			Name:      domain.ToolRequestUserInput,
			Arguments: json.RawMessage(`{"prompt":"still there?"}`),
		}),
	}}
	exec, _ := newTestExecutor(reasoner, &stubBridge{})
	exec.deps.ClarificationTimeout = 20 * time.Millisecond
	task := newTestTask(t)

	exec.Run(context.Background(), task, "check something")

	events := drainEvents(t, task)
	last := events[len(events)-1]
	if last.State != domain.TaskFailed || !last.Final {
		t.Fatalf("last event = %+v, want final failed", last)
	}
	if last.ErrorCode != domain.CodeClarificationTimeout {
		t.Errorf("ErrorCode = %q, want %q", last.ErrorCode, domain.CodeClarificationTimeout)
	}
}

func TestExecutorCancelDuringReasoning(t *testing.T) {
	exec, _ := newTestExecutor(blockedReasoner{}, &stubBridge{})
	task := newTestTask(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		exec.Run(ctx, task, "long haul")
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	events := drainEvents(t, task)
	last := events[len(events)-1]
	if last.State != domain.TaskFailed || !last.Final {
		t.Fatalf("last event = %+v, want final failed", last)
	}
	if last.ErrorCode != domain.CodeCancelled {
		t.Errorf("ErrorCode = %q, want %q", last.ErrorCode, domain.CodeCancelled)
	}

	finals := 0
	for _, ev := range events {
		if ev.Final {
			finals++
		}
	}
	if finals != 1 {
		t.Errorf("final events = %d, want exactly 1", finals)
	}
}
