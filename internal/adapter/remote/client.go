// Package remote forwards tasks to remote agent endpoints over the versioned
// envelope protocol and drives the local task's event stream from the remote
// replies. A circuit breaker per endpoint keeps a flapping agent from eating
// retries.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"opsbridge/internal/adapter/codec"
	"opsbridge/internal/adapter/reasoning"
	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
	"opsbridge/internal/infra/tracer"
	"opsbridge/internal/usecase"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// maxFollowUps bounds the clarification round-trips a single remote task may
// take before it is failed as non-converging.
const maxFollowUps = 5

// Client dispatches tasks to remote agents. It implements
// usecase.RemoteRunner.
type Client struct {
	httpClient           *http.Client
	logger               *slog.Logger
	clarificationTimeout time.Duration

	breakerEnabled bool
	breakerCfg     config.CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*codec.Response]
}

var _ usecase.RemoteRunner = (*Client)(nil)

// NewClient creates a remote dispatch client. clarificationTimeout bounds how
// long a remote input_required parks before the task fails.
func NewClient(cfg config.RemoteConfig, clarificationTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	connTimeout := cfg.ConnTimeout
	if connTimeout == 0 {
		connTimeout = 10 * time.Second
	}
	respTimeout := cfg.RespTimeout
	if respTimeout == 0 {
		respTimeout = 120 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Transport: reasoning.NewPooledTransport(connTimeout, respTimeout, reasoning.PooledTransportConfig{
				MaxIdleConns:        cfg.Pool.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.Pool.MaxIdleConnsPerHost,
				MaxConnsPerHost:     cfg.Pool.MaxConnsPerHost,
				IdleConnTimeout:     cfg.Pool.IdleConnTimeout,
			}),
			Timeout: connTimeout + respTimeout,
		},
		logger:               logger,
		clarificationTimeout: clarificationTimeout,
		breakerEnabled:       cfg.CircuitBreaker.Enabled,
		breakerCfg:           cfg.CircuitBreaker,
		breakers:             make(map[string]*gobreaker.CircuitBreaker[*codec.Response]),
	}
}

// Run implements usecase.RemoteRunner. It drives the full remote lifecycle:
// the initial message.send, any clarification round-trips, and the terminal
// event on the local task mirror.
func (c *Client) Run(ctx context.Context, task *usecase.Task, desc domain.AgentDescriptor, requestText string) {
	ctx, span := tracer.StartSpan(ctx, "remote.run")
	span.SetAttributes(
		tracer.StringAttr("task.id", task.ID()),
		tracer.StringAttr("agent.id", desc.ID),
	)
	defer span.End()

	if err := task.Begin(); err != nil {
		c.logger.Warn("remote task could not start", "task_id", task.ID(), "error", err)
		return
	}

	text := requestText
	for round := 0; ; round++ {
		frame, err := c.exchange(ctx, desc, task, text)
		if err != nil {
			tracer.RecordError(span, err)
			_ = task.Fail(err)
			return
		}

		switch domain.TaskState(frame.State) {
		case domain.TaskCompleted:
			tracer.SetOK(span)
			_ = task.Complete(frame.Artifact)
			return

		case domain.TaskFailed:
			err := remoteWireError(frame.Error)
			tracer.RecordError(span, err)
			_ = task.Fail(err)
			return

		case domain.TaskInputRequired:
			if round >= maxFollowUps {
				err := domain.NewDomainError("remote.Run", domain.ErrMaxIterations,
					fmt.Sprintf("remote agent %s asked for input %d times", desc.ID, round+1))
				tracer.RecordError(span, err)
				_ = task.Fail(err)
				return
			}
			followUp, err := c.awaitFollowUp(ctx, task, frame.Message)
			if err != nil {
				tracer.RecordError(span, err)
				_ = task.Fail(err)
				return
			}
			text = followUp

		default:
			err := domain.NewSubSystemError("remote", "remote.Run", domain.ErrMalformedPayload,
				fmt.Sprintf("remote agent %s replied with non-terminal state %q", desc.ID, frame.State))
			tracer.RecordError(span, err)
			_ = task.Fail(err)
			return
		}
	}
}

// exchange sends one message to the remote endpoint and decodes the task
// frame from its reply.
func (c *Client) exchange(ctx context.Context, desc domain.AgentDescriptor, task *usecase.Task, text string) (*codec.EventFrame, error) {
	env := codec.Envelope{
		ProtocolVersion: codec.ProtocolVersion,
		Method:          codec.MethodMessageSend,
		ID:              newMessageID(),
		Params: codec.Params{
			ContextID: task.ConversationID(),
			TaskID:    task.ID(),
			Message: &codec.WireMessage{
				MessageID: newMessageID(),
				Role:      "user",
				Parts:     []codec.Part{{Kind: codec.PartKindText, Text: text}},
				Metadata:  task.Metadata(),
			},
		},
	}

	body, err := codec.Encode(env)
	if err != nil {
		return nil, domain.WrapOp("remote.exchange", err)
	}

	resp, err := c.post(ctx, desc, body)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, remoteWireError(resp.Error)
	}

	var frame codec.EventFrame
	if err := decodeResult(resp.Result, &frame); err != nil {
		return nil, domain.NewSubSystemError("remote", "remote.exchange", domain.ErrMalformedPayload,
			fmt.Sprintf("agent %s result: %v", desc.ID, err))
	}
	return &frame, nil
}

// post sends the envelope through the endpoint's circuit breaker. Transport
// failures and an open breaker both surface as ErrAgentUnavailable so the
// caller fails the task with the availability code.
func (c *Client) post(ctx context.Context, desc domain.AgentDescriptor, body []byte) (*codec.Response, error) {
	call := func() (*codec.Response, error) {
		return doEnvelopePost(ctx, c.httpClient, desc.Endpoint, body)
	}

	var resp *codec.Response
	var err error
	if c.breakerEnabled {
		resp, err = c.breakerFor(desc).Execute(call)
	} else {
		resp, err = call()
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError("remote.post", domain.ErrAgentUnavailable,
				fmt.Sprintf("agent %s circuit open", desc.ID))
		}
		if errors.Is(err, domain.ErrAgentUnavailable) || errors.Is(err, domain.ErrMalformedPayload) {
			return nil, err
		}
		return nil, domain.NewDomainError("remote.post", domain.ErrAgentUnavailable,
			fmt.Sprintf("agent %s: %v", desc.ID, err))
	}
	return resp, nil
}

// awaitFollowUp parks the task in input_required, surfaces the remote
// question, and waits for the requester's follow-up.
func (c *Client) awaitFollowUp(ctx context.Context, task *usecase.Task, prompt string) (string, error) {
	if prompt == "" {
		prompt = "The remote agent needs more information to continue."
	}
	if err := task.RequireInput(prompt); err != nil {
		return "", err
	}
	text, err := task.AwaitInput(ctx, c.clarificationTimeout)
	if err != nil {
		return "", err
	}
	if err := task.Begin(); err != nil {
		return "", err
	}
	return text, nil
}

// breakerFor returns (creating on first use) the breaker for an agent.
func (c *Client) breakerFor(desc domain.AgentDescriptor) *gobreaker.CircuitBreaker[*codec.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[desc.ID]; ok {
		return cb
	}

	maxFailures := c.breakerCfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := c.breakerCfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := c.breakerCfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*codec.Response](gobreaker.Settings{
		Name:        "remote:" + desc.ID,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	c.breakers[desc.ID] = cb
	return cb
}

// wireCodeSentinels maps remote failure codes onto the local sentinels that
// carry the same meaning, so a task failed by a delegated agent reports the
// remote's code instead of collapsing to UNKNOWN.
var wireCodeSentinels = map[string]error{
	string(domain.CodeCancelled):            domain.ErrCancelled,
	string(domain.CodeAgentUnavailable):     domain.ErrAgentUnavailable,
	string(domain.CodeClarificationTimeout): domain.ErrClarificationTimeout,
	string(domain.CodeNoAgentAvailable):     domain.ErrNoAgentAvailable,
	string(domain.CodeTaskNotFound):         domain.ErrTaskNotFound,
	string(domain.CodeToolFailure):          domain.ErrToolFailure,
	string(domain.CodeReasoningTimeout):     domain.ErrReasoningTimeout,
	string(domain.CodeMaxIterations):        domain.ErrMaxIterations,
	string(domain.CodeRateLimit):            domain.ErrRateLimit,
	string(domain.CodeTimeout):              domain.ErrTimeout,
}

// remoteWireError converts a wire error object into a local error, keeping
// the remote's code when it maps to a known one.
func remoteWireError(we *codec.WireError) error {
	if we == nil {
		return domain.NewSubSystemError("remote", "remote", domain.ErrMalformedPayload,
			"failed frame without error object")
	}
	if sentinel, ok := wireCodeSentinels[we.Code]; ok {
		return fmt.Errorf("remote agent failure: %s: %w", we.Message, sentinel)
	}
	return fmt.Errorf("remote agent failure [%s]: %s", we.Code, we.Message)
}

func newMessageID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
