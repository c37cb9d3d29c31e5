// Package errors classifies failures the way the indexing core's error
// handling design requires: every error crossing a component boundary
// carries a class that determines retry behavior and HTTP surfacing.
package errors

import (
	"context"
	"fmt"
	"time"
)

// ErrorClass is the classification of an error.
type ErrorClass int

const (
	// ClassUnknown is an unclassified error.
	ClassUnknown ErrorClass = iota
	// ClassValidation is a malformed request, empty query, or unknown
	// source type. Surfaced as 4xx.
	ClassValidation
	// ClassNotFound is a missing document, source, or queue item.
	// Surfaced as 404.
	ClassNotFound
	// ClassTransient is a network error, DB deadlock, or 5xx from the
	// embedder. Retried per the queue's backoff policy.
	ClassTransient
	// ClassPermanentPayload is an unparseable event, invalid embedding
	// dimensions, or an out-of-bounds offset. The owning queue item is
	// marked Failed and moves to DeadLetter once max_retries is
	// exhausted. Never surfaced to the user on the write path.
	ClassPermanentPayload
	// ClassPermissionDenied means a search result was elided by the
	// permissions filter. Treated as absent, not as an error, by
	// callers above the search engine.
	ClassPermissionDenied
	// ClassTimeout is a per-call deadline expiring. The semantic search
	// path treats this as an empty contribution rather than a failure.
	ClassTimeout
	// ClassFatal is a misconfiguration such as a missing embedding
	// model or blob store. The process exits non-zero at startup.
	ClassFatal
	// ClassRateLimited indicates a rate limit was hit (embedder,
	// connector API).
	ClassRateLimited
	// ClassCircuitBreaker indicates a circuit breaker is open.
	ClassCircuitBreaker
	// ClassConflict indicates a conflicting concurrent modification
	// (e.g. two Running SyncRuns for the same source).
	ClassConflict
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassNotFound:
		return "not_found"
	case ClassTransient:
		return "transient"
	case ClassPermanentPayload:
		return "permanent_payload"
	case ClassPermissionDenied:
		return "permission_denied"
	case ClassTimeout:
		return "timeout"
	case ClassFatal:
		return "fatal"
	case ClassRateLimited:
		return "rate_limited"
	case ClassCircuitBreaker:
		return "circuit_breaker"
	case ClassConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// RetryStrategy describes how to retry an operation that failed with a
// given class.
type RetryStrategy struct {
	ShouldRetry       bool          `json:"should_retry"`
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	RetryAfter        *time.Time    `json:"retry_after,omitempty"`
}

// ClassifiedError is an error carrying a class, retry policy and
// correlation context.
type ClassifiedError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Class   ErrorClass  `json:"class"`
	Details interface{} `json:"details,omitempty"`

	Service       string            `json:"service"`
	Operation     string            `json:"operation"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	Retry *RetryStrategy `json:"retry,omitempty"`

	cause error
}

func (e *ClassifiedError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("[%s] %s: %s (correlation_id: %s)", e.Code, e.Operation, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Operation, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *ClassifiedError) Unwrap() error { return e.cause }

// IsRetryable reports whether the error's retry strategy permits a
// retry.
func (e *ClassifiedError) IsRetryable() bool {
	return e.Retry != nil && e.Retry.ShouldRetry
}

// GetRetryDelay computes the backoff delay for the given 0-indexed
// attempt.
func (e *ClassifiedError) GetRetryDelay(attempt int) time.Duration {
	if e.Retry == nil || !e.Retry.ShouldRetry {
		return 0
	}
	if e.Retry.RetryAfter != nil {
		return time.Until(*e.Retry.RetryAfter)
	}

	delay := e.Retry.BaseDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * e.Retry.BackoffMultiplier)
		if delay > e.Retry.MaxDelay {
			delay = e.Retry.MaxDelay
			break
		}
	}
	return delay
}

// New creates a classified error with the default retry strategy for
// class.
func New(code, message string, class ErrorClass) *ClassifiedError {
	return &ClassifiedError{
		Code:      code,
		Message:   message,
		Class:     class,
		Timestamp: time.Now(),
		Retry:     defaultRetryStrategy(class),
	}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(err error, code string, class ErrorClass) *ClassifiedError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*ClassifiedError); ok {
		return &ClassifiedError{
			Code:      code,
			Message:   ce.Message,
			Class:     class,
			Details:   ce.Details,
			Service:   ce.Service,
			Operation: ce.Operation,
			Timestamp: time.Now(),
			Metadata:  ce.Metadata,
			Retry:     defaultRetryStrategy(class),
			cause:     err,
		}
	}
	return &ClassifiedError{
		Code:      code,
		Message:   err.Error(),
		Class:     class,
		Timestamp: time.Now(),
		Retry:     defaultRetryStrategy(class),
		cause:     err,
	}
}

// WithContext attaches service/operation and the request's correlation
// id (carried in ctx under correlationIDKey) to the error.
func (e *ClassifiedError) WithContext(ctx context.Context, service, operation string) *ClassifiedError {
	e.Service = service
	e.Operation = operation
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		e.CorrelationID = id
	}
	return e
}

type correlationIDKey struct{}

// WithCorrelationID returns a context carrying id for later
// ClassifiedError.WithContext calls.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// WithDetails attaches arbitrary structured detail to the error.
func (e *ClassifiedError) WithDetails(details interface{}) *ClassifiedError {
	e.Details = details
	return e
}

// WithMetadata adds a single metadata key/value pair.
func (e *ClassifiedError) WithMetadata(key, value string) *ClassifiedError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// WithRetryStrategy overrides the class-derived retry strategy.
func (e *ClassifiedError) WithRetryStrategy(retry *RetryStrategy) *ClassifiedError {
	e.Retry = retry
	return e
}

func defaultRetryStrategy(class ErrorClass) *RetryStrategy {
	switch class {
	case ClassTransient:
		return &RetryStrategy{
			ShouldRetry:       true,
			MaxAttempts:       3,
			BaseDelay:         30 * time.Second,
			MaxDelay:          30 * time.Minute,
			BackoffMultiplier: 2.0,
		}
	case ClassTimeout:
		return &RetryStrategy{
			ShouldRetry:       true,
			MaxAttempts:       2,
			BaseDelay:         2 * time.Second,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 1.5,
		}
	case ClassRateLimited:
		return &RetryStrategy{
			ShouldRetry:       true,
			MaxAttempts:       5,
			BaseDelay:         5 * time.Second,
			MaxDelay:          60 * time.Second,
			BackoffMultiplier: 1.0,
		}
	case ClassCircuitBreaker:
		return &RetryStrategy{
			ShouldRetry:       true,
			MaxAttempts:       1,
			BaseDelay:         30 * time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 1.0,
		}
	case ClassPermanentPayload, ClassValidation, ClassNotFound, ClassPermissionDenied, ClassFatal, ClassConflict, ClassUnknown:
		return &RetryStrategy{ShouldRetry: false}
	default:
		return &RetryStrategy{ShouldRetry: false}
	}
}

// ClassifyHTTPError maps an embedder/connector HTTP status code to an
// ErrorClass.
func ClassifyHTTPError(statusCode int) ErrorClass {
	switch {
	case statusCode == 400 || statusCode == 422:
		return ClassValidation
	case statusCode == 401 || statusCode == 403:
		return ClassPermissionDenied
	case statusCode == 404:
		return ClassNotFound
	case statusCode == 409:
		return ClassConflict
	case statusCode == 429:
		return ClassRateLimited
	case statusCode == 503:
		return ClassCircuitBreaker
	case statusCode == 504:
		return ClassTimeout
	case statusCode >= 500 && statusCode < 600:
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// IsTransient reports whether err should be retried as transient
// (network/deadlock/5xx) or timeout.
func IsTransient(err error) bool {
	ce, ok := err.(*ClassifiedError)
	return ok && (ce.Class == ClassTransient || ce.Class == ClassTimeout)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	ce, ok := err.(*ClassifiedError)
	return ok && ce.Class == ClassRateLimited
}

// IsCircuitBreakerOpen reports whether err came from an open breaker.
func IsCircuitBreakerOpen(err error) bool {
	ce, ok := err.(*ClassifiedError)
	return ok && ce.Class == ClassCircuitBreaker
}

// IsValidationError reports whether err is a 4xx-class validation
// failure.
func IsValidationError(err error) bool {
	ce, ok := err.(*ClassifiedError)
	return ok && ce.Class == ClassValidation
}

// IsPermanentPayload reports whether err should route its queue item
// straight toward dead-lettering rather than indefinite retry.
func IsPermanentPayload(err error) bool {
	ce, ok := err.(*ClassifiedError)
	return ok && ce.Class == ClassPermanentPayload
}

// IsPermissionDenied reports whether err represents a result elided by
// the permissions filter, not a real failure.
func IsPermissionDenied(err error) bool {
	ce, ok := err.(*ClassifiedError)
	return ok && ce.Class == ClassPermissionDenied
}

// IsFatal reports whether err should abort process startup.
func IsFatal(err error) bool {
	ce, ok := err.(*ClassifiedError)
	return ok && ce.Class == ClassFatal
}
