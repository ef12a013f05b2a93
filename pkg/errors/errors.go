// Package errors provides a structured error system for driveftp with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for driveftp operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave    ErrorCode = "CONFIG_SAVE"

	// Remote Gateway Errors
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeTransient      ErrorCode = "TRANSIENT"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"
	ErrCodeUploadFailed   ErrorCode = "UPLOAD_FAILED"
	ErrCodeCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
	ErrCodeRemoteProtocol ErrorCode = "REMOTE_PROTOCOL"

	// Cache Errors
	ErrCodeCacheUnavailable ErrorCode = "CACHE_UNAVAILABLE"
	ErrCodeEntryNotFound    ErrorCode = "ENTRY_NOT_FOUND"
	ErrCodeAmbiguousName    ErrorCode = "AMBIGUOUS_NAME"

	// Filesystem Errors
	ErrCodePathInvalid   ErrorCode = "PATH_INVALID"
	ErrCodeNotDirectory  ErrorCode = "NOT_DIRECTORY"
	ErrCodeIsDirectory   ErrorCode = "IS_DIRECTORY"
	ErrCodeNotEmpty      ErrorCode = "NOT_EMPTY"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeMountFailed   ErrorCode = "MOUNT_FAILED"

	// Operation Errors
	ErrCodeInvalidPatch      ErrorCode = "INVALID_PATCH"
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeUnsupported       ErrorCode = "UNSUPPORTED"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRemote        ErrorCategory = "remote"
	CategoryCache         ErrorCategory = "cache"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:     CategoryConfiguration,
	ErrCodeConfigLoad:        CategoryConfiguration,
	ErrCodeConfigSave:        CategoryConfiguration,
	ErrCodeNotFound:          CategoryRemote,
	ErrCodeTransient:         CategoryRemote,
	ErrCodeRateLimited:       CategoryRemote,
	ErrCodeAccessDenied:      CategoryRemote,
	ErrCodeUploadFailed:      CategoryRemote,
	ErrCodeCircuitOpen:       CategoryRemote,
	ErrCodeRemoteProtocol:    CategoryRemote,
	ErrCodeCacheUnavailable:  CategoryCache,
	ErrCodeEntryNotFound:     CategoryCache,
	ErrCodeAmbiguousName:     CategoryCache,
	ErrCodePathInvalid:       CategoryFilesystem,
	ErrCodeNotDirectory:      CategoryFilesystem,
	ErrCodeIsDirectory:       CategoryFilesystem,
	ErrCodeNotEmpty:          CategoryFilesystem,
	ErrCodeAlreadyExists:     CategoryFilesystem,
	ErrCodeMountFailed:       CategoryFilesystem,
	ErrCodeInvalidPatch:      CategoryOperation,
	ErrCodeOperationTimeout:  CategoryOperation,
	ErrCodeOperationCanceled: CategoryOperation,
	ErrCodeRetryExhausted:    CategoryOperation,
	ErrCodeUnsupported:       CategoryOperation,
}

// DriveError represents a structured error with context and metadata.
type DriveError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
}

// Error implements the error interface.
func (e *DriveError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *DriveError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *DriveError) Is(target error) bool {
	if driveErr, ok := target.(*DriveError); ok {
		return e.Code == driveErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *DriveError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("DriveError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new driveftp error with default values.
func NewError(code ErrorCode, message string) *DriveError {
	return &DriveError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	if category, ok := categories[code]; ok {
		return category
	}
	return CategoryInternal
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeTransient, ErrCodeRateLimited, ErrCodeOperationTimeout, ErrCodeCircuitOpen:
		return true
	}
	return false
}

// IsUserFacingByDefault determines if an error should be shown to protocol clients.
func IsUserFacingByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeNotFound, ErrCodeEntryNotFound, ErrCodeAmbiguousName, ErrCodePathInvalid,
		ErrCodeNotDirectory, ErrCodeIsDirectory, ErrCodeNotEmpty, ErrCodeAlreadyExists, ErrCodeAccessDenied,
		ErrCodeInvalidPatch, ErrCodeOperationTimeout, ErrCodeInvalidConfig:
		return true
	}
	return false
}

// WithContext adds contextual information to an error
func (e *DriveError) WithContext(key, value string) *DriveError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *DriveError) WithDetail(key string, value interface{}) *DriveError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *DriveError) WithComponent(component string) *DriveError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *DriveError) WithOperation(operation string) *DriveError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *DriveError) WithCause(cause error) *DriveError {
	e.Cause = cause
	return e
}

// UserFacingMessage returns a simplified message suitable for protocol replies.
func (e *DriveError) UserFacingMessage() string {
	if !e.UserFacing {
		return "Requested action aborted: local error in processing"
	}

	messages := map[ErrorCode]string{
		ErrCodeNotFound:         "File not found",
		ErrCodeEntryNotFound:    "File not found",
		ErrCodeAmbiguousName:    "Name is ambiguous in this directory",
		ErrCodePathInvalid:      "Invalid path",
		ErrCodeNotDirectory:     "Not a directory",
		ErrCodeIsDirectory:      "Is a directory",
		ErrCodeNotEmpty:         "Directory not empty",
		ErrCodeAccessDenied:     "Permission denied",
		ErrCodeInvalidPatch:     "Nothing to change",
		ErrCodeOperationTimeout: "Operation timed out",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}
	return e.Message
}

// NotFound reports a remote entry that no longer exists.
func NotFound(id string) *DriveError {
	return NewError(ErrCodeNotFound, "remote entry not found").WithContext("id", id)
}

// Transient reports a retryable remote failure.
func Transient(message string, cause error) *DriveError {
	return NewError(ErrCodeTransient, message).WithCause(cause)
}

// CacheUnavailable wraps a storage failure of the local metadata cache.
func CacheUnavailable(operation string, cause error) *DriveError {
	return NewError(ErrCodeCacheUnavailable, "metadata cache unavailable").
		WithComponent("cache").
		WithOperation(operation).
		WithCause(cause)
}

// HasCode reports whether any error in err's chain is a DriveError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var driveErr *DriveError
	for err != nil {
		if !stderrors.As(err, &driveErr) {
			return false
		}
		if driveErr.Code == code {
			return true
		}
		err = driveErr.Cause
	}
	return false
}

// IsNotFound reports whether err means the remote entry is gone.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsEntryNotFound reports whether err is a local cache miss.
func IsEntryNotFound(err error) bool {
	return HasCode(err, ErrCodeEntryNotFound)
}

// IsRetryable reports whether the outermost DriveError in err's chain is retryable.
func IsRetryable(err error) bool {
	var driveErr *DriveError
	if stderrors.As(err, &driveErr) {
		return driveErr.Retryable
	}
	return false
}

// CodeOf returns the code of the outermost DriveError in err's chain.
func CodeOf(err error) ErrorCode {
	var driveErr *DriveError
	if stderrors.As(err, &driveErr) {
		return driveErr.Code
	}
	return ""
}
