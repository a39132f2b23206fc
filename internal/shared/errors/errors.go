package errors

import (
	"errors"
	"fmt"
	"time"
)

// DomainError is the base interface for all structured errors in the application
type DomainError interface {
	error

	// Domain returns the domain context (e.g., "registry", "enrollment", "agent")
	Domain() string

	// Code returns a stable error code for API responses
	Code() string

	// Retryable indicates if the operation can be retried
	Retryable() bool

	// Metadata returns additional error context
	Metadata() map[string]any

	// WithMetadata adds metadata to the error
	WithMetadata(key string, value any) DomainError

	// Timestamp returns when the error occurred
	Timestamp() time.Time
}

// BaseError is the foundational implementation of DomainError
type BaseError struct {
	domain    string
	code      string
	message   string
	cause     error
	retryable bool
	metadata  map[string]any
	timestamp time.Time
}

func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.domain, e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.domain, e.code, e.message)
}

func (e *BaseError) Unwrap() error            { return e.cause }
func (e *BaseError) Domain() string           { return e.domain }
func (e *BaseError) Code() string             { return e.code }
func (e *BaseError) Retryable() bool          { return e.retryable }
func (e *BaseError) Metadata() map[string]any { return e.metadata }
func (e *BaseError) Timestamp() time.Time     { return e.timestamp }

// NewBaseError creates a new BaseError with the specified parameters
func NewBaseError(domain, code, message string, retryable bool, cause error, metadata map[string]any) *BaseError {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &BaseError{
		domain:    domain,
		code:      code,
		message:   message,
		cause:     cause,
		retryable: retryable,
		metadata:  metadata,
		timestamp: time.Now(),
	}
}

// WithMetadata returns a copy of the error with the key/value added. The
// receiver is not mutated so shared error values stay safe for concurrent use.
func (e *BaseError) WithMetadata(key string, value any) DomainError {
	newMeta := make(map[string]any, len(e.metadata)+1)
	for k, v := range e.metadata {
		newMeta[k] = v
	}
	newMeta[key] = value

	return &BaseError{
		domain:    e.domain,
		code:      e.code,
		message:   e.message,
		cause:     e.cause,
		retryable: e.retryable,
		metadata:  newMeta,
		timestamp: e.timestamp,
	}
}

// Standardized Error Codes
const (
	// Registry Domain Errors
	ErrCodeHostNotFound    = "host_not_found"
	ErrCodeHostConflict    = "host_conflict"
	ErrCodeAlreadyEnrolled = "host_already_enrolled"
	ErrCodeConnectivity    = "connectivity_error"
	ErrCodeAuthExpired     = "auth_expired"
	ErrCodeRPCFault        = "rpc_fault"
	ErrCodeDNSRecord       = "dns_record_error"

	// Enrollment Domain Errors
	ErrCodeValidation         = "validation_error"
	ErrCodeForbiddenHostclass = "forbidden_hostclass"
	ErrCodeImageMetadata      = "image_metadata_error"

	// Notification Domain Errors
	ErrCodeStaleEvent   = "stale_event"
	ErrCodeUnknownEvent = "unknown_event_type"

	// Agent Domain Errors
	ErrCodeSecretTimeout = "secret_wait_timeout"
	ErrCodeMissingHost   = "missing_hostname"
	ErrCodeEnrollFailed  = "enroll_failed"

	// System Errors
	ErrCodeDatabase      = "database_error"
	ErrCodeConfiguration = "config_error"
	ErrCodeInternal      = "internal_error"
	ErrCodeTimeout       = "timeout"
)

// Domain Constants
const (
	DomainRegistry     = "registry"
	DomainEnrollment   = "enrollment"
	DomainNotification = "notification"
	DomainAgent        = "agent"
	DomainDatabase     = "database"
	DomainSystem       = "system"
)

// Domain-specific error constructors

// NewRegistryError creates a standardized registry domain error
func NewRegistryError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainRegistry, code, message, retryable, cause, nil)
}

// NewEnrollmentError creates a standardized enrollment domain error
func NewEnrollmentError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainEnrollment, code, message, retryable, cause, nil)
}

// NewNotificationError creates a standardized notification domain error
func NewNotificationError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainNotification, code, message, retryable, cause, nil)
}

// NewAgentError creates a standardized agent domain error
func NewAgentError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainAgent, code, message, retryable, cause, nil)
}

// NewDatabaseError creates a standardized database error
func NewDatabaseError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainDatabase, code, message, retryable, cause, nil)
}

// NewSystemError creates a standardized system error
func NewSystemError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainSystem, code, message, retryable, cause, nil)
}

// IsCode reports whether err is a DomainError carrying the given code.
func IsCode(err error, code string) bool {
	var domainErr DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code() == code
	}
	return false
}

// IsRetryable reports whether err is a DomainError marked retryable.
// Non-domain errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var domainErr DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Retryable()
	}
	return false
}
