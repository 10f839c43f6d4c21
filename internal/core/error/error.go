package errx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// DatabaseErrorMessage describes relational store failures.
	DatabaseErrorMessage = "database operation failed"
	// LLMErrorMessage describes inference service failures.
	LLMErrorMessage = "language model service unavailable"
	// TimeoutMessage is returned when a turn exceeds its deadline.
	TimeoutMessage = "request timed out"
)

// Kind classifies an AppError for propagation decisions.
type Kind string

const (
	KindInternal           Kind = "internal"
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindStageTransition    Kind = "stage_transition"
	KindExtraction         Kind = "extraction"
	KindVariableResolution Kind = "variable_resolution"
	KindLLMService         Kind = "llm_service"
	KindCache              Kind = "cache"
	KindDatabase           Kind = "database"
	KindTimeout            Kind = "timeout"
)

// AppError wraps an underlying error with a kind, an HTTP status and a safe message.
type AppError struct {
	Kind    Kind
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Kind:    KindInternal,
		Err:     err,
		Status:  status,
		Message: message,
	}
}

func newKind(kind Kind, err error, status int, message string) *AppError {
	return &AppError{Kind: kind, Err: err, Status: status, Message: message}
}

// Validation reports missing or malformed caller input.
func Validation(message string) *AppError {
	return newKind(KindValidation, nil, http.StatusBadRequest, message)
}

// NotFound reports a missing entity. The message is safe to show callers.
func NotFound(err error, message string) *AppError {
	return newKind(KindNotFound, err, http.StatusNotFound, message)
}

// StageTransition reports an unusable selection result. Recoverable.
func StageTransition(err error) *AppError {
	return newKind(KindStageTransition, err, http.StatusUnprocessableEntity, "stage transition rejected")
}

// Extraction reports unstructured extraction output. Recoverable.
func Extraction(err error) *AppError {
	return newKind(KindExtraction, err, http.StatusUnprocessableEntity, "extraction output not structured")
}

// VariableResolution reports a template variable that could not be resolved.
func VariableResolution(name string, err error) *AppError {
	if err == nil {
		err = fmt.Errorf("variable %q is not registered", name)
	} else {
		err = fmt.Errorf("variable %q: %w", name, err)
	}
	return newKind(KindVariableResolution, err, http.StatusUnprocessableEntity, SystemErrorMessage)
}

// LLMService reports an inference failure after retries.
func LLMService(err error) *AppError {
	return newKind(KindLLMService, err, http.StatusBadGateway, LLMErrorMessage)
}

// Database wraps a relational store failure.
func Database(err error) *AppError {
	if err == nil {
		return nil
	}
	return newKind(KindDatabase, err, http.StatusInternalServerError, DatabaseErrorMessage)
}

// Timeout reports that the turn deadline elapsed.
func Timeout(err error) *AppError {
	return newKind(KindTimeout, err, http.StatusGatewayTimeout, TimeoutMessage)
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return t.Kind == e.Kind
	}
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return errors.As(e.Err, target)
}

// KindOf returns the kind of the first AppError in err's chain.
// Context deadline errors are reported as KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRecoverable reports whether a turn may continue after err.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindStageTransition, KindExtraction, KindCache:
		return true
	default:
		return false
	}
}

// Public converts any error into one that is safe to expose: internal
// detail stays in logs, callers only see status and message.
func Public(err error) (int, string) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Status == 0 {
			return http.StatusInternalServerError, SystemErrorMessage
		}
		return appErr.Status, appErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, TimeoutMessage
	}
	return http.StatusInternalServerError, SystemErrorMessage
}
