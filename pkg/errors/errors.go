// Package errors defines the error kinds raised by the engine.
//
// Every kind wraps an optional cause and is matched with errors.As:
//
//	var cfgErr *errors.ConfigurationError
//	if stderrors.As(err, &cfgErr) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Error codes used by Code.
const (
	CodeUnknown       = "UNKNOWN_ERROR"
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeEvaluation    = "EVALUATION_ERROR"
	CodeKeyNotFound   = "KEY_NOT_FOUND_ERROR"
	CodeProcessing    = "PROCESSING_ERROR"
)

var (
	// ErrAlreadyInitialized indicates a component was initialized twice.
	ErrAlreadyInitialized = errors.New("component already initialized")

	// ErrNotInitialized indicates a component was used before initialization.
	ErrNotInitialized = errors.New("component not initialized")

	// ErrCyclicReference indicates a mappings fragment includes itself.
	ErrCyclicReference = errors.New("cyclic mappings reference")

	// ErrUnknownReference indicates a reference to an undeclared component.
	ErrUnknownReference = errors.New("unknown component reference")

	// ErrMalformedTemplate indicates a template with broken delimiters.
	ErrMalformedTemplate = errors.New("malformed template")
)

// ConfigurationError reports a component that cannot be set up as declared.
type ConfigurationError struct {
	// URN is the reference name of the offending component, if known.
	URN string
	// Message describes the problem.
	Message string
	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	prefix := "configuration error"
	if e.URN != "" {
		prefix += " in " + e.URN
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(urn, message string, err error) *ConfigurationError {
	return &ConfigurationError{URN: urn, Message: message, Err: err}
}

// Configurationf creates a configuration error with a formatted message.
func Configurationf(urn, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{URN: urn, Message: fmt.Sprintf(format, args...)}
}

// EvaluationError reports a template that could not be evaluated.
type EvaluationError struct {
	// URN is the reference name of the component owning the template.
	URN string
	// Template is the template text that failed.
	Template string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation error in %s evaluating %q: %v", ownerName(e.URN), e.Template, e.Err)
}

// Unwrap returns the underlying error.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// NewEvaluationError creates a new evaluation error.
func NewEvaluationError(urn, template string, err error) *EvaluationError {
	return &EvaluationError{URN: urn, Template: template, Err: err}
}

// KeyNotFoundError reports an expression that referenced an absent key.
// It is a more specific EvaluationError: errors.As matches both.
type KeyNotFoundError struct {
	EvaluationError
	// Key is the missing key.
	Key string
}

// Error implements the error interface.
func (e *KeyNotFoundError) Error() string {
	if e.Template == "" {
		return fmt.Sprintf("key not found: %q", e.Key)
	}
	return fmt.Sprintf("key not found in %s evaluating %q: %q", ownerName(e.URN), e.Template, e.Key)
}

// As lets errors.As target *EvaluationError with a KeyNotFoundError.
func (e *KeyNotFoundError) As(target any) bool {
	if t, ok := target.(**EvaluationError); ok {
		*t = &e.EvaluationError
		return true
	}
	return false
}

// NewKeyNotFoundError creates an error for a missing key. The owner and
// template are filled in by the evaluator.
func NewKeyNotFoundError(key string) *KeyNotFoundError {
	return &KeyNotFoundError{Key: key}
}

// ProcessingError reports a node that failed on a specific message.
type ProcessingError struct {
	// URN is the reference name of the failing node.
	URN string
	// Message is a copy of the message being processed, rendered for
	// diagnosis.
	Message string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("processing error in %s: %v", ownerName(e.URN), e.Err)
	}
	return fmt.Sprintf("processing error in %s on message %s: %v", ownerName(e.URN), e.Message, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// NewProcessingError creates a new processing error. message is usually
// the String() form of the offending message.
func NewProcessingError(urn, message string, err error) *ProcessingError {
	return &ProcessingError{URN: urn, Message: message, Err: err}
}

// IsConfiguration reports whether err is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsEvaluation reports whether err is or wraps an EvaluationError,
// including KeyNotFoundError.
func IsEvaluation(err error) bool {
	var target *EvaluationError
	return errors.As(err, &target)
}

// IsKeyNotFound reports whether err is or wraps a KeyNotFoundError.
func IsKeyNotFound(err error) bool {
	var target *KeyNotFoundError
	return errors.As(err, &target)
}

// IsProcessing reports whether err is or wraps a ProcessingError.
func IsProcessing(err error) bool {
	var target *ProcessingError
	return errors.As(err, &target)
}

// Code maps an error to a stable code. The most specific kind wins, so a
// KeyNotFoundError wrapped in a ProcessingError reports CodeKeyNotFound.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsKeyNotFound(err):
		return CodeKeyNotFound
	case IsEvaluation(err):
		return CodeEvaluation
	case IsConfiguration(err):
		return CodeConfiguration
	case IsProcessing(err):
		return CodeProcessing
	default:
		return CodeUnknown
	}
}

func ownerName(urn string) string {
	if urn == "" {
		return "<anonymous>"
	}
	return urn
}
