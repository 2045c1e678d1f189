package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"opsbridge/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	// defaultEventBuffer bounds the per-task event channel. The runner blocks
	// once the consumer falls this far behind, which is the backpressure the
	// single-consumer stream contract relies on.
	defaultEventBuffer = 64

	// minEventBuffer guarantees room for the submitted event emitted at
	// construction plus the final event.
	minEventBuffer = 2
)

// Task is the runtime state of one accepted request: a lifecycle state
// machine plus the ordered event stream its consumer drains.
//
// Exactly one goroutine (the runner handed the task by the dispatcher)
// produces events; that is what keeps the stream strictly ordered. The
// consumer must drain Events until it is closed, which happens right after
// the single final event.
type Task struct {
	id             string
	conversationID string
	agentID        string
	metadata       map[string]string

	mu        sync.Mutex
	state     domain.TaskState
	createdAt time.Time
	updatedAt time.Time
	errText   string
	errCode   domain.ErrorCode
	seq       uint64
	finished  bool

	events chan domain.TaskEvent
	resume chan string
	done   chan struct{}

	logger *slog.Logger
}

// NewTask creates a task in the submitted state and emits the submitted
// event as the first entry of its stream. metadata is carried opaquely to
// remote runners (auth tokens and the like); buffer <= 0 selects the default.
func NewTask(conversationID, agentID string, metadata map[string]string, buffer int, logger *slog.Logger) *Task {
	if logger == nil {
		logger = discardLogger()
	}
	if buffer < minEventBuffer {
		if buffer <= 0 {
			buffer = defaultEventBuffer
		} else {
			buffer = minEventBuffer
		}
	}
	now := time.Now()
	t := &Task{
		id:             generateULID(now),
		conversationID: conversationID,
		agentID:        agentID,
		metadata:       metadata,
		state:          domain.TaskSubmitted,
		createdAt:      now,
		updatedAt:      now,
		events:         make(chan domain.TaskEvent, buffer),
		resume:         make(chan string, 1),
		done:           make(chan struct{}),
		logger:         logger,
	}
	t.seq++
	t.events <- domain.TaskEvent{
		TaskID:    t.id,
		Seq:       t.seq,
		State:     domain.TaskSubmitted,
		Timestamp: now,
	}
	return t
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// ConversationID returns the conversation this task belongs to.
func (t *Task) ConversationID() string { return t.conversationID }

// AgentID returns the agent the task was routed to.
func (t *Task) AgentID() string { return t.agentID }

// Metadata returns a copy of the request metadata attached at creation.
func (t *Task) Metadata() map[string]string {
	if t.metadata == nil {
		return nil
	}
	out := make(map[string]string, len(t.metadata))
	for k, v := range t.metadata {
		out[k] = v
	}
	return out
}

// State returns the current lifecycle state.
func (t *Task) State() domain.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Finished reports whether the task has reached a terminal state.
func (t *Task) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Events returns the task's ordered event stream. The channel is closed
// right after the final event.
func (t *Task) Events() <-chan domain.TaskEvent { return t.events }

// Done returns a channel closed once the task has recorded its terminal
// state. Unlike Events it is safe for any number of waiters.
func (t *Task) Done() <-chan struct{} { return t.done }

// Snapshot returns a read-only view of the task for status queries.
func (t *Task) Snapshot() domain.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.TaskStatus{
		ID:             t.id,
		ConversationID: t.conversationID,
		AgentID:        t.agentID,
		State:          t.state,
		CreatedAt:      t.createdAt,
		UpdatedAt:      t.updatedAt,
		Error:          t.errText,
		ErrorCode:      t.errCode,
	}
}

// Begin moves the task into working: from submitted when the runner picks it
// up, or from input_required when a follow-up resumed it.
func (t *Task) Begin() error {
	ev, err := t.advance(domain.TaskWorking, "Task.Begin", nil)
	if err != nil || ev == nil {
		return err
	}
	t.events <- *ev
	return nil
}

// Progress re-emits a working event with a human-readable message, without
// changing state. Calls outside the working state are dropped with a warning.
func (t *Task) Progress(message string) {
	t.mu.Lock()
	if t.state != domain.TaskWorking {
		state := t.state
		t.mu.Unlock()
		t.logger.Warn("dropping progress outside working state",
			"task_id", t.id,
			"state", string(state),
		)
		return
	}
	t.seq++
	ev := domain.TaskEvent{
		TaskID:    t.id,
		Seq:       t.seq,
		State:     domain.TaskWorking,
		Message:   message,
		Timestamp: time.Now(),
	}
	t.updatedAt = ev.Timestamp
	t.mu.Unlock()
	t.events <- ev
}

// RequireInput parks the task in input_required and surfaces the reasoner's
// question verbatim to the requester.
func (t *Task) RequireInput(prompt string) error {
	ev, err := t.advance(domain.TaskInputRequired, "Task.RequireInput", func(e *domain.TaskEvent) {
		e.Message = prompt
	})
	if err != nil || ev == nil {
		return err
	}
	t.events <- *ev
	return nil
}

// Complete finishes the task with an artifact. The completed event is final
// and the stream is closed behind it.
func (t *Task) Complete(artifact json.RawMessage) error {
	ev, err := t.advance(domain.TaskCompleted, "Task.Complete", func(e *domain.TaskEvent) {
		e.Artifact = artifact
		e.Final = true
	})
	if err != nil || ev == nil {
		return err
	}
	t.events <- *ev
	close(t.events)
	return nil
}

// Fail finishes the task with an error. Cancellation arrives here as
// domain.ErrCancelled. The failed event is final and the stream is closed
// behind it.
func (t *Task) Fail(cause error) error {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	ev, err := t.advance(domain.TaskFailed, "Task.Fail", func(e *domain.TaskEvent) {
		e.Error = cause.Error()
		e.ErrorCode = domain.ErrorCodeOf(cause)
		e.Final = true
	})
	if err != nil || ev == nil {
		return err
	}
	t.events <- *ev
	close(t.events)
	return nil
}

// advance validates and applies a state transition, returning the event to
// emit. Once a final event has been recorded, later terminal attempts are
// dropped with a warning rather than an error, so whichever of completion,
// failure, or cancellation lands first wins and the rest are no-ops.
// Illegal transitions between live states return ErrInvalidTransition.
func (t *Task) advance(next domain.TaskState, op string, mutate func(*domain.TaskEvent)) (*domain.TaskEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		t.logger.Warn("dropping transition after terminal state",
			"task_id", t.id,
			"state", string(t.state),
			"attempted", string(next),
		)
		return nil, nil
	}
	if !t.state.CanTransition(next) {
		return nil, domain.NewDomainError(op, domain.ErrInvalidTransition,
			string(t.state)+" -> "+string(next))
	}

	t.state = next
	t.updatedAt = time.Now()
	t.seq++
	ev := domain.TaskEvent{
		TaskID:    t.id,
		Seq:       t.seq,
		State:     next,
		Timestamp: t.updatedAt,
	}
	if mutate != nil {
		mutate(&ev)
	}
	if ev.Final {
		t.finished = true
		t.errText = ev.Error
		t.errCode = ev.ErrorCode
		close(t.done)
	}
	return &ev, nil
}

// Resume hands a follow-up message to a task parked in input_required. It
// fails when the task is not awaiting input or a follow-up is already queued,
// in which case the caller should open a fresh task instead.
func (t *Task) Resume(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != domain.TaskInputRequired {
		return domain.NewDomainError("Task.Resume", domain.ErrInvalidTransition,
			"task is not awaiting input")
	}
	select {
	case t.resume <- text:
		return nil
	default:
		return domain.NewDomainError("Task.Resume", domain.ErrInvalidTransition,
			"a follow-up is already queued")
	}
}

// AwaitInput blocks the runner until a follow-up arrives, the clarification
// window lapses, or ctx is cancelled.
func (t *Task) AwaitInput(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case text := <-t.resume:
		return text, nil
	case <-timer.C:
		return "", domain.WrapOp("Task.AwaitInput", domain.ErrClarificationTimeout)
	case <-ctx.Done():
		return "", domain.WrapOp("Task.AwaitInput", domain.ErrCancelled)
	}
}
