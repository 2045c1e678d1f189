package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opsbridge/internal/domain"
	"opsbridge/internal/usecase/routing"
)

// cancelGrace bounds how long a cancel request waits for the runner to land
// the terminal event before answering with whatever state the task is in.
const cancelGrace = 2 * time.Second

// SendRequest is one inbound message after decoding.
type SendRequest struct {
	ConversationID string
	Text           string
	Metadata       map[string]string
}

// RemoteRunner forwards a task to a remote agent endpoint and drives the
// task's event stream from the remote response. Implementations live in the
// adapter layer.
type RemoteRunner interface {
	Run(ctx context.Context, task *Task, desc domain.AgentDescriptor, requestText string)
}

// DispatcherDeps holds injected dependencies for the dispatcher.
type DispatcherDeps struct {
	Registry *routing.Registry
	Router   domain.TaskRouter
	Tasks    *TaskStore
	Local    *Executor
	Remote   RemoteRunner    // optional, nil = remote agents fail as unavailable
	Bus      domain.EventBus // optional, nil = no events
	Logger   *slog.Logger

	// EventBuffer sizes each task's event channel; <= 0 selects the default.
	EventBuffer int
}

// Dispatcher is the front door for decoded requests: it routes each new
// message to an agent, opens a task, hands it to the matching runner, and
// answers cancel and status queries. Follow-ups on a conversation whose task
// is parked in input_required resume that task instead of opening a new one.
type Dispatcher struct {
	deps DispatcherDeps

	mu     sync.Mutex
	active map[string]context.CancelFunc // task id -> runner cancel
	byConv map[string][]string           // conversation id -> live task ids
}

// NewDispatcher creates a dispatcher with the given dependencies.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	return &Dispatcher{
		deps:   deps,
		active: make(map[string]context.CancelFunc),
		byConv: make(map[string][]string),
	}
}

// Send accepts one request. When the conversation has a task parked in
// input_required, the text is delivered to it as a follow-up and resumed is
// true; the stream still belongs to the original consumer. Otherwise the
// request is routed, a fresh task is opened, and its runner starts in the
// background. Routing failures return before any task exists.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (task *Task, resumed bool, err error) {
	convID := req.ConversationID
	if convID == "" {
		convID = generateULID(time.Now())
	}
	publishEvent(d.deps.Bus, ctx, domain.EventMessageReceived, "", convID, nil)

	// Follow-up delivery: a parked task on this conversation wins.
	if parked, ok := d.parkedTask(convID); ok {
		if resumeErr := parked.Resume(req.Text); resumeErr == nil {
			d.deps.Logger.Info("follow-up resumed parked task",
				"task_id", parked.ID(),
				"conversation_id", convID,
			)
			return parked, true, nil
		}
		// The parked task raced to terminal or already has a follow-up
		// queued; treat this message as a new task.
	}

	snapshot := d.deps.Registry.List()
	target, routeErr := d.deps.Router.Route(req.Text, snapshot)
	if routeErr != nil {
		return nil, false, routeErr
	}

	t := NewTask(convID, target.ID, req.Metadata, d.deps.EventBuffer, d.deps.Logger)
	if addErr := d.deps.Tasks.Add(t); addErr != nil {
		return nil, false, domain.WrapOp("Dispatcher.Send", addErr)
	}
	d.publishTask(ctx, domain.EventTaskSubmitted, t, nil)
	d.publishTask(ctx, domain.EventTaskRouted, t, map[string]string{"agent_id": target.ID})

	// The runner outlives the request that created it; cancellation comes
	// through Cancel, not the transport context.
	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.active[t.ID()] = cancel
	d.byConv[convID] = append(d.byConv[convID], t.ID())
	d.mu.Unlock()

	go func() {
		defer d.release(t)
		defer func() {
			if r := recover(); r != nil {
				d.deps.Logger.Error("task runner panic",
					"task_id", t.ID(),
					"panic", r,
				)
				_ = t.Fail(fmt.Errorf("internal error: %v", r))
			}
		}()

		if target.Local {
			d.deps.Local.Run(runCtx, t, req.Text)
			return
		}
		if d.deps.Remote == nil {
			publishEvent(d.deps.Bus, runCtx, domain.EventRemoteUnavailable, t.ID(), convID, nil)
			_ = t.Fail(domain.NewDomainError("Dispatcher.Send", domain.ErrAgentUnavailable,
				"remote dispatch not configured"))
			return
		}
		d.publishTask(runCtx, domain.EventRemoteDispatched, t, map[string]string{"endpoint": target.Endpoint})
		d.deps.Remote.Run(runCtx, t, target, req.Text)
	}()

	return t, false, nil
}

// Cancel aborts a live task. The task lands in failed with a cancelled code;
// if it already finished, Cancel is a no-op returning the terminal snapshot.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (domain.TaskStatus, error) {
	t, err := d.deps.Tasks.Get(taskID)
	if err != nil {
		return domain.TaskStatus{}, err
	}
	if t.Finished() {
		return t.Snapshot(), nil
	}

	d.mu.Lock()
	cancel, ok := d.active[taskID]
	d.mu.Unlock()
	if ok {
		cancel()
	}

	// Wait briefly for the runner to land the terminal event so the
	// response reflects the cancellation.
	select {
	case <-t.Done():
	case <-time.After(cancelGrace):
	case <-ctx.Done():
	}
	return t.Snapshot(), nil
}

// Status returns the current snapshot of a task.
func (d *Dispatcher) Status(taskID string) (domain.TaskStatus, error) {
	t, err := d.deps.Tasks.Get(taskID)
	if err != nil {
		return domain.TaskStatus{}, err
	}
	return t.Snapshot(), nil
}

// parkedTask returns the conversation's live task waiting in input_required,
// if any. A conversation can carry several live tasks at once when a later
// send queues behind the conversation lock, so the waiting one is found by
// scanning every live id rather than trusting the most recent.
func (d *Dispatcher) parkedTask(conversationID string) (*Task, bool) {
	d.mu.Lock()
	ids := append([]string(nil), d.byConv[conversationID]...)
	d.mu.Unlock()
	for _, id := range ids {
		t, err := d.deps.Tasks.Get(id)
		if err != nil {
			continue
		}
		if t.State() == domain.TaskInputRequired {
			return t, true
		}
	}
	return nil, false
}

// release frees the bookkeeping for a finished runner.
func (d *Dispatcher) release(t *Task) {
	d.mu.Lock()
	if cancel, ok := d.active[t.ID()]; ok {
		cancel()
		delete(d.active, t.ID())
	}
	ids := d.byConv[t.ConversationID()]
	for i, id := range ids {
		if id == t.ID() {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(d.byConv, t.ConversationID())
	} else {
		d.byConv[t.ConversationID()] = ids
	}
	d.mu.Unlock()
}

func (d *Dispatcher) publishTask(ctx context.Context, eventType domain.EventType, t *Task, payload any) {
	publishEvent(d.deps.Bus, ctx, eventType, t.ID(), t.ConversationID(), payload)
}

// publishEvent is the shared event publishing helper for the usecase layer.
// If bus is nil, this is a no-op.
func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, taskID, conversationID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, domain.Event{
		Type:           eventType,
		Timestamp:      time.Now(),
		TaskID:         taskID,
		ConversationID: conversationID,
		Payload:        raw,
	})
}
