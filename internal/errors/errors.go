// Package errors provides structured error handling for bulkscan operations.
// It defines error codes, error types, and provides utilities for creating
// and handling errors with context and structured information.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeCanceled      ErrorCode = "CANCELED"

	// Scanner contract errors.
	CodeRange           ErrorCode = "RANGE"
	CodeVersionMismatch ErrorCode = "PROTOCOL_VERSION_MISMATCH"
	CodeScannerFault    ErrorCode = "SCANNER_FAULT"
	CodePhase           ErrorCode = "PHASE"
	CodeRecursionLimit  ErrorCode = "RECURSION_LIMIT"

	// Scheduler errors.
	CodeSchedulerShutdown ErrorCode = "SCHEDULER_SHUTDOWN"
	CodeQueueFull         ErrorCode = "QUEUE_FULL"

	// Feature recording errors.
	CodeUnknownChannel ErrorCode = "UNKNOWN_CHANNEL"
	CodeCarveFailed    ErrorCode = "CARVE_FAILED"
	CodeWriteFailed    ErrorCode = "WRITE_FAILED"

	// File system errors.
	CodeFileNotFound    ErrorCode = "FILE_NOT_FOUND"
	CodeFilePermission  ErrorCode = "FILE_PERMISSION"
	CodeDirectoryCreate ErrorCode = "DIRECTORY_CREATE"
)

// ScanError represents an error raised while a scanner examined a buffer.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Scanner   string
	Pos0      string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	switch {
	case e.Scanner != "" && e.Pos0 != "":
		return fmt.Sprintf("[%s] %s (scanner: %s, pos0: %s)", e.Code, e.Message, e.Scanner, e.Pos0)
	case e.Scanner != "":
		return fmt.Sprintf("[%s] %s (scanner: %s)", e.Code, e.Message, e.Scanner)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithPos0 records the forensic path of the buffer being scanned.
func (e *ScanError) WithPos0(pos0 string) *ScanError {
	e.Pos0 = pos0
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithScanner creates a scan error attributed to a scanner.
func NewScanErrorWithScanner(code ErrorCode, message, scanner string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Scanner: scanner,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// WrapScanErrorWithScanner wraps an error with scanner information.
func WrapScanErrorWithScanner(code ErrorCode, message, scanner string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Scanner: scanner,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// RangeError is returned when a read or slice extends past the end of a buffer.
// Scanners treat it as recoverable: skip the record and keep going.
type RangeError struct {
	Pos0   string
	Offset uint64
	Length uint64
	Size   uint64
}

// Error implements the error interface.
func (e *RangeError) Error() string {
	if e.Pos0 != "" {
		return fmt.Sprintf("[%s] read of %d bytes at offset %d exceeds buffer size %d (pos0: %s)",
			CodeRange, e.Length, e.Offset, e.Size, e.Pos0)
	}
	return fmt.Sprintf("[%s] read of %d bytes at offset %d exceeds buffer size %d",
		CodeRange, e.Length, e.Offset, e.Size)
}

// NewRangeError creates a range error for the given access.
func NewRangeError(pos0 string, offset, length, size uint64) *RangeError {
	return &RangeError{Pos0: pos0, Offset: offset, Length: length, Size: size}
}

// SchedulerError represents a rejected submission to the work scheduler.
type SchedulerError struct {
	Code    ErrorCode
	Message string
	Pos0    string
}

// Error implements the error interface.
func (e *SchedulerError) Error() string {
	if e.Pos0 != "" {
		return fmt.Sprintf("[%s] %s (pos0: %s)", e.Code, e.Message, e.Pos0)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is matches scheduler errors by code so callers can compare against the
// package sentinels regardless of pos0.
func (e *SchedulerError) Is(target error) bool {
	t, ok := target.(*SchedulerError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

// Scheduler sentinels.
var (
	ErrShutdown      = &SchedulerError{Code: CodeSchedulerShutdown, Message: "worker pool is shut down"}
	ErrEmergencyStop = &SchedulerError{Code: CodeSchedulerShutdown, Message: "worker pool was stopped"}
	ErrQueueFull     = &SchedulerError{Code: CodeQueueFull, Message: "job queue is full"}
)

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// WithField records the offending field and value.
func (e *ConfigError) WithField(field string, value interface{}) *ConfigError {
	e.Field = field
	e.Value = value
	return e
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// IsCode checks if an error, or any error it wraps, has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	var (
		scanErr   *ScanError
		rangeErr  *RangeError
		schedErr  *SchedulerError
		configErr *ConfigError
	)
	switch {
	case stderrors.As(err, &scanErr):
		return scanErr.Code
	case stderrors.As(err, &rangeErr):
		return CodeRange
	case stderrors.As(err, &schedErr):
		return schedErr.Code
	case stderrors.As(err, &configErr):
		return configErr.Code
	}
	return CodeUnknown
}

// IsRecoverable reports whether a scanner may skip the offending record and
// continue with the rest of its buffer.
func IsRecoverable(err error) bool {
	switch GetCode(err) {
	case CodeRange, CodeRecursionLimit:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a condition that should stop the run.
// Only startup failures qualify; nothing raised while scanning is fatal.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeFilePermission, CodeDirectoryCreate:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrVersionMismatch creates an error for a scanner built against another contract version.
func ErrVersionMismatch(scanner string, expected, got int) *ScanError {
	return NewScanErrorWithScanner(CodeVersionMismatch,
		fmt.Sprintf("scanner contract version mismatch: expected %d, got %d", expected, got), scanner).
		WithContext("expected", expected).
		WithContext("got", got)
}

// ErrScannerFault creates an error for a scanner that failed or panicked.
func ErrScannerFault(scanner, pos0 string, cause error) *ScanError {
	return WrapScanErrorWithScanner(CodeScannerFault, "scanner failed", scanner, cause).WithPos0(pos0)
}

// ErrRecursionLimit creates an error describing a rejected recursion request.
func ErrRecursionLimit(pos0, reason string) *ScanError {
	return NewScanError(CodeRecursionLimit, reason).WithPos0(pos0)
}

// ErrUnknownChannel creates an error for a feature channel that was never declared.
func ErrUnknownChannel(name string) *ScanError {
	return NewScanError(CodeUnknownChannel, "unknown feature channel").WithContext("channel", name)
}

// ErrPhase creates an error for an operation attempted in the wrong phase.
func ErrPhase(operation, phase string) *ScanError {
	e := NewScanError(CodePhase, fmt.Sprintf("%s not permitted in phase %s", operation, phase))
	e.Operation = operation
	return e
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
