// Package errors provides standardized error handling patterns for nodemesh components.
// It includes error classification, standard error variables, the transport error
// taxonomy (decode, handler, transport failures) and helpers for consistent wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/nodemesh/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection and networking errors
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrPublishFailed      = errors.New("publish failed")

	// Data processing errors
	ErrInvalidData     = errors.New("invalid data format")
	ErrDataCorrupted   = errors.New("data corrupted")
	ErrParsingFailed   = errors.New("parsing failed")
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Resource errors
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrRateLimited       = errors.New("rate limited")

	// Request errors
	ErrRequestTimeout = errors.New("request timeout")
	ErrActionNotFound = errors.New("action not found")
	ErrNodeNotFound   = errors.New("node not found")

	// Circuit breaker and retry errors
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// DecodeError reports malformed or corrupt wire bytes. The message is dropped,
// the connection stays up.
type DecodeError struct {
	Stage string
	Err   error
}

// Error implements the error interface
func (de *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", de.Stage, de.Err)
}

// Unwrap returns the underlying error
func (de *DecodeError) Unwrap() error {
	return de.Err
}

// NewDecodeError wraps err as a decode failure of the named codec stage
func NewDecodeError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &DecodeError{Stage: stage, Err: err}
}

// HandlerError reports a listener or continuation callback that failed or panicked.
// It is contained at the dispatch boundary.
type HandlerError struct {
	Handler string
	Err     error
	Panic   any
}

// Error implements the error interface
func (he *HandlerError) Error() string {
	if he.Panic != nil {
		return fmt.Sprintf("handler %s panicked: %v", he.Handler, he.Panic)
	}
	return fmt.Sprintf("handler %s failed: %v", he.Handler, he.Err)
}

// Unwrap returns the underlying error
func (he *HandlerError) Unwrap() error {
	return he.Err
}

// Recovered converts a recovered panic value into a HandlerError
func Recovered(handler string, r any) error {
	if err, ok := r.(error); ok {
		return &HandlerError{Handler: handler, Err: err, Panic: r}
	}
	return &HandlerError{Handler: handler, Panic: r}
}

// TransportFailure reports a backend publish, subscribe or connection failure.
// Failures are surfaced through the transport failure hook only.
type TransportFailure struct {
	Op      string
	Channel string
	Err     error
}

// Error implements the error interface
func (tf *TransportFailure) Error() string {
	if tf.Channel == "" {
		return fmt.Sprintf("transport %s failed: %v", tf.Op, tf.Err)
	}
	return fmt.Sprintf("transport %s %s failed: %v", tf.Op, tf.Channel, tf.Err)
}

// Unwrap returns the underlying error
func (tf *TransportFailure) Unwrap() error {
	return tf.Err
}

// NewTransportFailure wraps err as a failure of op on channel
func NewTransportFailure(op, channel string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportFailure{Op: op, Channel: channel, Err: err}
}

// IsDecode reports whether err is a DecodeError
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsHandler reports whether err is a HandlerError
func IsHandler(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}

// IsTransportFailure reports whether err is a TransportFailure
func IsTransportFailure(err error) bool {
	var tf *TransportFailure
	return errors.As(err, &tf)
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check for classified error
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if IsTransportFailure(err) {
		return true
	}

	// Check for known transient errors
	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	// Check error message for common transient patterns
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"network",
		"temporary",
		"unavailable",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	if errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrResourceExhausted) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	fatalPatterns := []string{
		"fatal",
		"invalid config",
		"missing config",
		"out of memory",
	}

	for _, pattern := range fatalPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	if IsDecode(err) {
		return true
	}

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrParsingFailed) ||
		errors.Is(err, ErrDataCorrupted) ||
		errors.Is(err, ErrVersionMismatch)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient // Default for nil
	}

	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error.
// Use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// RetryConfig defines configuration for retry operations
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []error
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry determines if an error should be retried based on config
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}

	if !IsTransient(err) {
		return false
	}

	// Empty list means retry all transient errors
	if len(rc.RetryableErrors) > 0 {
		for _, retryableErr := range rc.RetryableErrors {
			if errors.Is(err, retryableErr) {
				return true
			}
		}
		return false
	}

	return true
}

// ToRetryConfig converts to the retry package's Config. MaxRetries counts
// additional attempts, retry.Config counts total attempts.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}

// BackoffDelay calculates the delay for a retry attempt
func (rc RetryConfig) BackoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return rc.InitialDelay
	}

	delay := rc.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * rc.BackoffFactor)
		if delay > rc.MaxDelay {
			delay = rc.MaxDelay
			break
		}
	}

	return delay
}
