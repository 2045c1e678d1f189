package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — combine with NewSubSystemError when a subsystem needs
// its own ErrorCode without a dedicated sentinel.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	// Protocol errors. Both fail fast: the envelope is rejected before any
	// task exists.
	ErrUnsupportedVersion = fmt.Errorf("unsupported protocol version")
	ErrMalformedPayload   = fmt.Errorf("malformed payload: %w", ErrInvalidInput)

	// Routing and registry errors.
	ErrNoAgentAvailable = fmt.Errorf("no agent available")
	ErrDuplicateAgent   = fmt.Errorf("agent already registered")
	ErrAgentNotFound    = fmt.Errorf("agent not found")
	ErrAgentUnavailable = fmt.Errorf("agent unavailable")

	// Task lifecycle errors.
	ErrTaskNotFound         = fmt.Errorf("task not found")
	ErrCancelled            = fmt.Errorf("task cancelled")
	ErrClarificationTimeout = fmt.Errorf("clarification: %w", ErrTimeout)
	ErrInvalidTransition    = fmt.Errorf("invalid task state transition")

	// Tool bridge errors.
	ErrToolNotFound  = fmt.Errorf("tool not found")
	ErrDuplicateTool = fmt.Errorf("tool already registered")
	ErrToolFailure   = fmt.Errorf("tool execution failed")

	// Reasoning errors.
	ErrReasoningTimeout = fmt.Errorf("reasoning: %w", ErrTimeout)
	ErrMaxIterations    = fmt.Errorf("reasoning loop reached max iterations")

	// Resilience errors surfaced by outbound HTTP clients.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")

	// Configuration errors.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrEncryption = fmt.Errorf("encryption operation failed")
	ErrDecryption = fmt.Errorf("decryption failed")

	// RPC dispatch errors.
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Bridge.Invoke")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "inventory", "remote"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode
// dispatch. Use this with category sentinels (ErrNotFound, ErrTimeout, etc.) so
// that ErrorCodeOf can map the combination of sentinel + subsystem to a specific
// ErrorCode.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed
// on a later attempt. Nothing in this process retries; the signal is for
// callers, surfaced as a 503 rather than a 500 on the wire.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrContextOverflow) ||
		errors.Is(err, ErrAgentUnavailable)
}

// ErrorCode is a machine-parseable error category for event payloads, wire
// error objects and monitoring.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeUnsupportedVersion   ErrorCode = "UNSUPPORTED_VERSION"
	CodeMalformedPayload     ErrorCode = "MALFORMED_PAYLOAD"
	CodeNoAgentAvailable     ErrorCode = "NO_AGENT_AVAILABLE"
	CodeAgentDuplicate       ErrorCode = "AGENT_DUPLICATE"
	CodeAgentNotFound        ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentUnavailable     ErrorCode = "AGENT_UNAVAILABLE"
	CodeTaskNotFound         ErrorCode = "TASK_NOT_FOUND"
	CodeCancelled            ErrorCode = "CANCELLED"
	CodeClarificationTimeout ErrorCode = "CLARIFICATION_TIMEOUT"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	CodeToolNotFound         ErrorCode = "TOOL_NOT_FOUND"
	CodeToolDuplicate        ErrorCode = "TOOL_DUPLICATE"
	CodeToolFailure          ErrorCode = "TOOL_FAILURE"
	CodeReasoningTimeout     ErrorCode = "REASONING_TIMEOUT"
	CodeMaxIterations        ErrorCode = "MAX_ITERATIONS"
	CodeContextOverflow      ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeEncryption           ErrorCode = "ENCRYPTION"
	CodeDecryption           ErrorCode = "DECRYPTION"
	CodeRPCMethodNotFound    ErrorCode = "RPC_METHOD_NOT_FOUND"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeInventoryNotFound ErrorCode = "INVENTORY_NOT_FOUND"
	CodeInventoryQuery    ErrorCode = "INVENTORY_QUERY"
	CodeRemoteTimeout     ErrorCode = "REMOTE_TIMEOUT"
	CodeSchemaViolation   ErrorCode = "SCHEMA_VIOLATION"

	// Category error codes — fallback codes when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeLimitReached  ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	// Category sentinels (fallback codes).
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrTimeout:       CodeTimeout,
	ErrLimitReached:  CodeLimitReached,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	// Specific sentinels.
	ErrUnsupportedVersion:   CodeUnsupportedVersion,
	ErrMalformedPayload:     CodeMalformedPayload,
	ErrNoAgentAvailable:     CodeNoAgentAvailable,
	ErrDuplicateAgent:       CodeAgentDuplicate,
	ErrAgentNotFound:        CodeAgentNotFound,
	ErrAgentUnavailable:     CodeAgentUnavailable,
	ErrTaskNotFound:         CodeTaskNotFound,
	ErrCancelled:            CodeCancelled,
	ErrClarificationTimeout: CodeClarificationTimeout,
	ErrInvalidTransition:    CodeInvalidTransition,
	ErrToolNotFound:         CodeToolNotFound,
	ErrDuplicateTool:        CodeToolDuplicate,
	ErrToolFailure:          CodeToolFailure,
	ErrReasoningTimeout:     CodeReasoningTimeout,
	ErrMaxIterations:        CodeMaxIterations,
	ErrContextOverflow:      CodeContextOverflow,
	ErrRateLimit:            CodeRateLimit,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrConfigLoad:           CodeConfigLoad,
	ErrEncryption:           CodeEncryption,
	ErrDecryption:           CodeDecryption,
	ErrRPCMethodNotFound:    CodeRPCMethodNotFound,
}

// sentinelPriority orders the errors.Is chain walk. Specific sentinels come
// before the category sentinels some of them wrap, so a wrapped
// ErrReasoningTimeout resolves to REASONING_TIMEOUT rather than TIMEOUT.
var sentinelPriority = []error{
	ErrUnsupportedVersion,
	ErrMalformedPayload,
	ErrNoAgentAvailable,
	ErrDuplicateAgent,
	ErrAgentNotFound,
	ErrAgentUnavailable,
	ErrTaskNotFound,
	ErrCancelled,
	ErrClarificationTimeout,
	ErrInvalidTransition,
	ErrToolNotFound,
	ErrDuplicateTool,
	ErrToolFailure,
	ErrReasoningTimeout,
	ErrMaxIterations,
	ErrContextOverflow,
	ErrRateLimit,
	ErrAuthInvalid,
	ErrConfigLoad,
	ErrEncryption,
	ErrDecryption,
	ErrRPCMethodNotFound,

	ErrNotFound,
	ErrDuplicate,
	ErrTimeout,
	ErrLimitReached,
	ErrInvalidInput,
	ErrProviderError,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific
// ErrorCodes. This lets NewSubSystemError-based errors resolve to the same
// monitoring codes as dedicated sentinels without growing the sentinel list.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":     CodeAgentNotFound,
		"task":      CodeTaskNotFound,
		"tool":      CodeToolNotFound,
		"inventory": CodeInventoryNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
		"tool":  CodeToolDuplicate,
	},
	ErrTimeout: {
		"reasoning":     CodeReasoningTimeout,
		"clarification": CodeClarificationTimeout,
		"remote":        CodeRemoteTimeout,
	},
	ErrInvalidInput: {
		"schema": CodeSchemaViolation,
	},
	ErrProviderError: {
		"remote":    CodeAgentUnavailable,
		"inventory": CodeInventoryQuery,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// Unwrap DomainError to check its inner sentinel and subsystem.
	var de *DomainError
	if errors.As(err, &de) {
		// Check subsystem-specific mapping first (higher specificity).
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is, specific sentinels first.
	for _, sentinel := range sentinelPriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
