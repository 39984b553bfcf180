package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared by every subsystem. Use with NewSubSystemError
// when a subsystem needs its own ErrorCode.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
)

// Request pipeline errors. Each maps to one outcome a caller can act on.
var (
	ErrValidation     = fmt.Errorf("request validation failed")
	ErrRateLimit      = fmt.Errorf("rate limit exceeded")
	ErrQueueFull      = fmt.Errorf("request queue full")
	ErrQueueTimeout   = fmt.Errorf("request timed out in queue")
	ErrCircuitOpen    = fmt.Errorf("circuit breaker open")
	ErrAgentExecution = fmt.Errorf("agent execution failed")
	ErrCallTimeout    = fmt.Errorf("agent call timed out: %w", ErrAgentExecution)
	ErrBatchTooLarge  = fmt.Errorf("batch size out of range")
	ErrNoAgents       = fmt.Errorf("no agents in pool")
	ErrShutdown       = fmt.Errorf("orchestrator shutting down")

	// Gateway errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Pool.CreateAgent")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "pool", "admission"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
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

// IsRetryableError reports whether err is a transient capability failure that
// may succeed on another attempt. Admission, backpressure and breaker errors
// are never retried internally.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrValidation) {
		return false
	}
	return errors.Is(err, ErrAgentExecution)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown        ErrorCode = "UNKNOWN"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeDuplicate      ErrorCode = "DUPLICATE"
	CodeLimitReached   ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeConfigLoad     ErrorCode = "CONFIG_LOAD"
	CodeDecryption     ErrorCode = "DECRYPTION"
	CodeEncryption     ErrorCode = "ENCRYPTION"
	CodeValidation     ErrorCode = "VALIDATION"
	CodeRateLimit      ErrorCode = "RATE_LIMIT"
	CodeQueueFull      ErrorCode = "QUEUE_FULL"
	CodeQueueTimeout   ErrorCode = "QUEUE_TIMEOUT"
	CodeCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
	CodeAgentExecution ErrorCode = "AGENT_EXECUTION"
	CodeCallTimeout    ErrorCode = "CALL_TIMEOUT"
	CodeBatchTooLarge  ErrorCode = "BATCH_TOO_LARGE"
	CodeNoAgents       ErrorCode = "NO_AGENTS"
	CodeShutdown       ErrorCode = "SHUTDOWN"
	CodeAuthInvalid    ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth    ErrorCode = "GATEWAY_AUTH"
	CodeRPCNotFound    ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalid     ErrorCode = "RPC_INVALID_PAYLOAD"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeAgentNotFound  ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate ErrorCode = "AGENT_DUPLICATE"
	CodePoolAtMax      ErrorCode = "POOL_AT_MAX"
	CodePoolAtMin      ErrorCode = "POOL_AT_MIN"
	CodeSchemaInvalid  ErrorCode = "SCHEMA_INVALID"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrLimitReached:      CodeLimitReached,
	ErrInvalidInput:      CodeInvalidInput,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrValidation:        CodeValidation,
	ErrRateLimit:         CodeRateLimit,
	ErrQueueFull:         CodeQueueFull,
	ErrQueueTimeout:      CodeQueueTimeout,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrCallTimeout:       CodeCallTimeout,
	ErrAgentExecution:    CodeAgentExecution,
	ErrBatchTooLarge:     CodeBatchTooLarge,
	ErrNoAgents:          CodeNoAgents,
	ErrShutdown:          CodeShutdown,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalid,
}

// codePrecedence lists sentinels whose codes must win when an error chain
// matches more than one (ErrCallTimeout wraps ErrAgentExecution, the gateway
// auth error wraps ErrAuthInvalid).
var codePrecedence = []error{
	ErrCallTimeout,
	ErrGatewayAuthFailed,
	ErrCircuitOpen,
	ErrQueueTimeout,
	ErrQueueFull,
	ErrRateLimit,
	ErrValidation,
	ErrShutdown,
	ErrBatchTooLarge,
	ErrNoAgents,
	ErrAgentExecution,
	ErrAuthInvalid,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"pool": CodeAgentNotFound,
	},
	ErrDuplicate: {
		"pool": CodeAgentDuplicate,
	},
	ErrLimitReached: {
		"pool.max": CodePoolAtMax,
		"pool.min": CodePoolAtMin,
	},
	ErrValidation: {
		"schema": CodeSchemaInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range codePrecedence {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
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
