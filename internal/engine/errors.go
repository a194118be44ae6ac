package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the flat error taxonomy from the engine's error handling
// design: one type, one Kind enum, so errors.Is/errors.As work uniformly
// instead of a sprawl of per-layer error types.
type ErrorKind string

const (
	KindToolNotFound       ErrorKind = "tool_not_found"
	KindInvalidParameters  ErrorKind = "invalid_parameters"
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindResourceLimit      ErrorKind = "resource_limit_exceeded"
	KindTimeoutExceeded    ErrorKind = "timeout_exceeded"
	KindQueueFull          ErrorKind = "queue_full"
	KindPoolFull           ErrorKind = "pool_full"
	KindSchedulerNotRunning ErrorKind = "scheduler_not_running"
	KindPoolNotRunning     ErrorKind = "pool_not_running"
	KindTaskNotFound       ErrorKind = "task_not_found"
	KindWorkNotFound       ErrorKind = "work_not_found"
	KindSandboxFailed      ErrorKind = "sandbox_failed"
	KindDatabaseError      ErrorKind = "database_error"
	KindRegistryError      ErrorKind = "registry_error"
	KindMonitoringError    ErrorKind = "monitoring_error"
	KindInternalError      ErrorKind = "internal_error"
)

// EngineError is the single error value type produced by this package.
type EngineError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, engine.ErrQueueFull) style comparisons by Kind.
func (e *EngineError) Is(target error) bool {
	var te *EngineError
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

func newErr(kind ErrorKind, msg string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: msg, Cause: cause}
}

func ErrToolNotFound(toolID string) error {
	return newErr(KindToolNotFound, fmt.Sprintf("tool %q not found", toolID), nil)
}

func ErrInvalidParameters(msg string) error {
	return newErr(KindInvalidParameters, msg, nil)
}

func ErrPermissionDenied(msg string) error {
	return newErr(KindPermissionDenied, msg, nil)
}

func ErrResourceLimitExceeded(msg string) error {
	return newErr(KindResourceLimit, msg, nil)
}

func ErrTimeoutExceeded(msg string) error {
	return newErr(KindTimeoutExceeded, msg, nil)
}

func ErrQueueFull() error {
	return newErr(KindQueueFull, "scheduler queue is full", nil)
}

func ErrPoolFull() error {
	return newErr(KindPoolFull, "worker pool work queue is full", nil)
}

func ErrSchedulerNotRunning() error {
	return newErr(KindSchedulerNotRunning, "scheduler is not running", nil)
}

func ErrPoolNotRunning() error {
	return newErr(KindPoolNotRunning, "worker pool is not running", nil)
}

func ErrTaskNotFound(id string) error {
	return newErr(KindTaskNotFound, fmt.Sprintf("task %q not found", id), nil)
}

func ErrWorkNotFound(id string) error {
	return newErr(KindWorkNotFound, fmt.Sprintf("work %q not found", id), nil)
}

func ErrSandboxFailed(kind, msg string, cause error) error {
	return newErr(KindSandboxFailed, fmt.Sprintf("sandbox %s failed: %s", kind, msg), cause)
}

func ErrDatabaseError(msg string, cause error) error {
	return newErr(KindDatabaseError, msg, cause)
}

func ErrRegistryError(msg string, cause error) error {
	return newErr(KindRegistryError, msg, cause)
}

func ErrMonitoringError(msg string, cause error) error {
	return newErr(KindMonitoringError, msg, cause)
}

func ErrInternalError(msg string, cause error) error {
	return newErr(KindInternalError, msg, cause)
}

// KindOf extracts the ErrorKind of the first EngineError in err's chain; if
// err is nil or holds no EngineError it returns "" and ok is false.
func KindOf(err error) (ErrorKind, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}

// ErrorStatusCode maps an engine error's Kind onto the HTTP status the
// httpapi adapter should respond with; unrecognized errors default to 500.
func ErrorStatusCode(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case KindToolNotFound, KindTaskNotFound, KindWorkNotFound:
		return http.StatusNotFound
	case KindInvalidParameters:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindResourceLimit, KindQueueFull, KindPoolFull:
		return http.StatusTooManyRequests
	case KindTimeoutExceeded:
		return http.StatusGatewayTimeout
	case KindSchedulerNotRunning, KindPoolNotRunning:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
