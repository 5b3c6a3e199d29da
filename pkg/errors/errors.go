package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeProcess     ErrorType = "process"
	ErrorTypeHealthCheck ErrorType = "health_check"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeCancelled   ErrorType = "cancelled"

	// Orchestration taxonomy
	ErrorTypeCyclicDependency          ErrorType = "cyclic_dependency"
	ErrorTypeUnknownDependency         ErrorType = "unknown_dependency"
	ErrorTypeMountResolution           ErrorType = "mount_resolution"
	ErrorTypeExecution                 ErrorType = "execution"
	ErrorTypeProbeDeadlineExceeded     ErrorType = "probe_deadline_exceeded"
	ErrorTypeBootstrapDeadlineExceeded ErrorType = "bootstrap_deadline_exceeded"
	ErrorTypeDependencyFailed          ErrorType = "dependency_failed"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ContextString returns a context value formatted as a string, or "" when absent
func (e *DomainError) ContextString(key string) string {
	if e.Context == nil {
		return ""
	}
	value, ok := e.Context[key]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Validation errors
func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

// Process errors
func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewHealthCheckError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeHealthCheck, message, cause)
}

// System errors
func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Orchestration errors

// NewCyclicDependencyError reports a requires cycle; static, raised before any process starts
func NewCyclicDependencyError(message string, unitIDs []string) *DomainError {
	return NewDomainError(ErrorTypeCyclicDependency, message, nil).WithContext("unit_ids", unitIDs)
}

// NewUnknownDependencyError reports a requires entry that names no unit in the run
func NewUnknownDependencyError(message string, unitID string, missing []string) *DomainError {
	return NewDomainError(ErrorTypeUnknownDependency, message, nil).
		WithContext("unit_id", unitID).
		WithContext("missing", missing)
}

func NewMountResolutionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeMountResolution, message, cause)
}

// NewExecutionError reports a oneshot that exited with a nonzero code
func NewExecutionError(unitID string, exitCode int, stderr string) *DomainError {
	return NewDomainError(ErrorTypeExecution, fmt.Sprintf("unit %s exited with code %d", unitID, exitCode), nil).
		WithContext("unit_id", unitID).
		WithContext("exit_code", exitCode).
		WithContext("stderr", stderr)
}

func NewProbeDeadlineExceededError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProbeDeadlineExceeded, message, cause)
}

func NewBootstrapDeadlineExceededError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeBootstrapDeadlineExceeded, message, cause)
}

// NewDependencyFailedError marks a unit that never started because a unit it requires failed
func NewDependencyFailedError(unitID, dependency string, cause error) *DomainError {
	return NewDomainError(ErrorTypeDependencyFailed, "dependency "+dependency+" failed", cause).
		WithContext("unit_id", unitID).
		WithContext("dependency", dependency)
}

// Error checking helpers
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func IsProcessError(err error) bool {
	return isType(err, ErrorTypeProcess)
}

func IsHealthCheckError(err error) bool {
	return isType(err, ErrorTypeHealthCheck)
}

func IsTimeoutError(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsNetworkError(err error) bool {
	return isType(err, ErrorTypeNetwork)
}

func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return isType(err, ErrorTypeCancelled)
}

func IsCyclicDependencyError(err error) bool {
	return isType(err, ErrorTypeCyclicDependency)
}

func IsUnknownDependencyError(err error) bool {
	return isType(err, ErrorTypeUnknownDependency)
}

func IsMountResolutionError(err error) bool {
	return isType(err, ErrorTypeMountResolution)
}

func IsExecutionError(err error) bool {
	return isType(err, ErrorTypeExecution)
}

func IsProbeDeadlineExceededError(err error) bool {
	return isType(err, ErrorTypeProbeDeadlineExceeded)
}

func IsBootstrapDeadlineExceededError(err error) bool {
	return isType(err, ErrorTypeBootstrapDeadlineExceeded)
}

func IsDependencyFailedError(err error) bool {
	return isType(err, ErrorTypeDependencyFailed)
}

// IsStaticError reports whether err was raised by validation before any side effect
func IsStaticError(err error) bool {
	return IsValidationError(err) || IsConflictError(err) ||
		IsCyclicDependencyError(err) || IsUnknownDependencyError(err)
}

// isType walks the whole chain, so a bootstrap deadline wrapping a probe deadline matches both
func isType(err error, errorType ErrorType) bool {
	for err != nil {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) {
			return false
		}
		if domainErr.Type == errorType {
			return true
		}
		err = domainErr.Cause
	}
	return false
}

// ErrorCollection gathers errors of a cleanup that must run to completion
type ErrorCollection struct {
	Errors []error
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{}
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no errors"
	case 1:
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

// Unwrap exposes every collected error to errors.Is and errors.As
func (e *ErrorCollection) Unwrap() []error {
	return e.Errors
}

// ToError returns nil when nothing was collected
func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}
