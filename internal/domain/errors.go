package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the domain layer. Every failure the proxy can
// surface maps onto exactly one of these.
var (
	// ErrInvalidRequest: malformed or empty input; the request never
	// reaches the agent process. Client error.
	ErrInvalidRequest = fmt.Errorf("invalid request")
	// ErrUnsupportedConfig: a configuration value the engine cannot
	// honor (e.g. non-positive turn limit). Client error.
	ErrUnsupportedConfig = fmt.Errorf("unsupported configuration")
	// ErrAgentExecution: the agent process exited non-zero without
	// producing any usable output. Server error.
	ErrAgentExecution = fmt.Errorf("agent execution failed")
	// ErrTimeout: the agent process exceeded the request deadline and
	// was terminated. Server error, distinguishable from execution failure.
	ErrTimeout = fmt.Errorf("agent timed out")
	// ErrAgentProtocol: the output stream yielded zero interpretable
	// structured events. Server error.
	ErrAgentProtocol = fmt.Errorf("agent protocol error")
	// ErrAuthInvalid: bearer token missing or wrong.
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	// ErrRateLimit: client exceeded the request rate ceiling.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "engine.Complete")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail (e.g. captured stderr)
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for clients and monitoring.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	CodeUnsupportedConfig ErrorCode = "UNSUPPORTED_CONFIGURATION"
	CodeAgentExecution    ErrorCode = "AGENT_EXECUTION"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeAgentProtocol     ErrorCode = "AGENT_PROTOCOL"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrInvalidRequest:    CodeInvalidRequest,
	ErrUnsupportedConfig: CodeUnsupportedConfig,
	ErrAgentExecution:    CodeAgentExecution,
	ErrTimeout:           CodeTimeout,
	ErrAgentProtocol:     CodeAgentProtocol,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrRateLimit:         CodeRateLimit,
}

// ErrorCodeOf returns the machine-parseable code for err, walking the
// error chain with errors.Is. Returns CodeUnknown for unclassified errors.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// HTTPStatusOf maps err onto the HTTP status the gateway should report.
func HTTPStatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnsupportedConfig):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrAgentExecution), errors.Is(err, ErrAgentProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
