package shared

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinels for errors.Is matching against the typed errors below.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrOperation  = errors.New("operation error")
)

// Operation error codes.
const (
	CodeNotConfigured     = "NOT_CONFIGURED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeIllegalTransition = "ILLEGAL_TRANSITION"
)

// ValidationError reports malformed or missing input, a bad tool name, or
// an origin failure.
type ValidationError struct {
	Component string
	Method    string
	Message   string
	Details   map[string]any
}

func (e *ValidationError) Error() string {
	return formatError(e.Component, e.Method, e.Message, e.Details)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an unknown task, agent or tool.
type NotFoundError struct {
	Component string
	Method    string
	Resource  string
	ID        string
	Details   map[string]any
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s %q not found", e.Resource, e.ID)
	return formatError(e.Component, e.Method, msg, e.Details)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// OperationError reports a request that was well formed but cannot be
// carried out: a missing dependency, an exhausted rate budget, or an
// illegal state transition.
type OperationError struct {
	Component string
	Method    string
	Code      string
	Message   string
	Details   map[string]any
	Cause     error
}

func (e *OperationError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = e.Code + ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return formatError(e.Component, e.Method, msg, e.Details)
}

func (e *OperationError) Is(target error) bool { return target == ErrOperation }

func (e *OperationError) Unwrap() error { return e.Cause }

// NewValidationError builds a ValidationError.
func NewValidationError(component, method, message string, details map[string]any) *ValidationError {
	return &ValidationError{Component: component, Method: method, Message: message, Details: details}
}

// NewNotFoundError builds a NotFoundError.
func NewNotFoundError(component, method, resource, id string) *NotFoundError {
	return &NotFoundError{Component: component, Method: method, Resource: resource, ID: id}
}

// NotConfigured reports that dependency is absent for the attempted operation.
func NotConfigured(component, operation, dependency string) *OperationError {
	return &OperationError{
		Component: component,
		Method:    operation,
		Code:      CodeNotConfigured,
		Message:   fmt.Sprintf("%s is not configured; cannot run %s", dependency, operation),
		Details:   map[string]any{"dependency": dependency, "operation": operation},
	}
}

// HasCode reports whether err wraps an OperationError carrying code.
func HasCode(err error, code string) bool {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Code == code
	}
	return false
}

func formatError(component, method, msg string, details map[string]any) string {
	var b strings.Builder
	if component != "" {
		b.WriteString(component)
		if method != "" {
			b.WriteString(".")
			b.WriteString(method)
		}
		b.WriteString(": ")
	}
	b.WriteString(msg)
	if len(details) > 0 {
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%v", k, details[k])
		}
		b.WriteString("]")
	}
	return b.String()
}
