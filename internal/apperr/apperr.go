// Package apperr defines the error taxonomy shared by every pipeline component.
// Each error carries a category, a severity, a retryable flag, and the
// correlation ID of the request it belongs to, so the HTTP boundary can map
// failures to responses without inspecting messages.
package apperr

import (
	"errors"
	"fmt"
)

// Category classifies a pipeline error.
type Category string

const (
	CategoryValidation   Category = "validation"
	CategorySecurity     Category = "security"
	CategoryRateLimited  Category = "rate_limited"
	CategoryQueueFull    Category = "queue_full"
	CategoryQueueTimeout Category = "queue_timeout"
	CategoryTimeout      Category = "timeout"
	CategoryCircuitOpen  Category = "circuit_open"
	CategoryBus          Category = "bus"
	CategoryAnalyzer     Category = "analyzer"
	CategoryInternal     Category = "internal"
)

// Severity grades an error for alerting purposes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the structured pipeline error. It wraps an optional cause.
type Error struct {
	Category      Category
	Severity      Severity
	Retryable     bool
	CorrelationID string
	Message       string
	Cause         error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors of the same category so callers can use errors.Is with
// the category sentinels below.
func (e *Error) Is(target error) bool {
	var ae *Error
	if errors.As(target, &ae) {
		return ae.Category == e.Category && ae.Message == ""
	}
	return false
}

// Category sentinels for errors.Is checks.
var (
	ErrValidation   = &Error{Category: CategoryValidation}
	ErrSecurity     = &Error{Category: CategorySecurity}
	ErrRateLimited  = &Error{Category: CategoryRateLimited}
	ErrQueueFull    = &Error{Category: CategoryQueueFull}
	ErrQueueTimeout = &Error{Category: CategoryQueueTimeout}
	ErrTimeout      = &Error{Category: CategoryTimeout}
	ErrCircuitOpen  = &Error{Category: CategoryCircuitOpen}
	ErrBus          = &Error{Category: CategoryBus}
	ErrAnalyzer     = &Error{Category: CategoryAnalyzer}
	ErrInternal     = &Error{Category: CategoryInternal}
)

// defaults maps each category to its severity and retryability.
var defaults = map[Category]struct {
	severity  Severity
	retryable bool
}{
	CategoryValidation:   {SeverityLow, false},
	CategorySecurity:     {SeverityHigh, false},
	CategoryRateLimited:  {SeverityMedium, true},
	CategoryQueueFull:    {SeverityMedium, true},
	CategoryQueueTimeout: {SeverityMedium, true},
	CategoryTimeout:      {SeverityMedium, true},
	CategoryCircuitOpen:  {SeverityCritical, true},
	CategoryBus:          {SeverityHigh, false},
	CategoryAnalyzer:     {SeverityMedium, false},
	CategoryInternal:     {SeverityCritical, false},
}

// New builds an Error with the category's default severity and retryability.
func New(cat Category, correlationID, message string) *Error {
	d := defaults[cat]
	return &Error{
		Category:      cat,
		Severity:      d.severity,
		Retryable:     d.retryable,
		CorrelationID: correlationID,
		Message:       message,
	}
}

// Wrap builds an Error around a cause.
func Wrap(cat Category, correlationID, message string, cause error) *Error {
	e := New(cat, correlationID, message)
	e.Cause = cause
	return e
}

// CategoryOf extracts the category from any error chain. Unknown errors
// are classified internal.
func CategoryOf(err error) Category {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	return CategoryInternal
}

// IsRetryable reports whether the error chain carries a retryable Error.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// ShouldAlert reports whether the error's severity warrants a message on the
// error alert stream (severity high or critical).
func ShouldAlert(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Severity == SeverityHigh || ae.Severity == SeverityCritical
}
