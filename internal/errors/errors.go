package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// ErrorType represents different categories of lifecycle errors
type ErrorType string

const (
	// ErrorTypeNotFound represents a missing backup, migration, or version
	ErrorTypeNotFound ErrorType = "NOT_FOUND"
	// ErrorTypeIntegrity represents a checksum, schema, or data-sample mismatch
	ErrorTypeIntegrity ErrorType = "INTEGRITY_FAILURE"
	// ErrorTypeMigration represents a SQL error mid-migration (always rolled back)
	ErrorTypeMigration ErrorType = "MIGRATION_FAILURE"
	// ErrorTypeUnsupportedFormat represents an unrecognized backup type
	ErrorTypeUnsupportedFormat ErrorType = "UNSUPPORTED_FORMAT"
	// ErrorTypeConfirmationDeclined represents a user aborting a destructive action
	ErrorTypeConfirmationDeclined ErrorType = "CONFIRMATION_DECLINED"
	// ErrorTypeDatabase represents database open/execute errors
	ErrorTypeDatabase ErrorType = "DATABASE_ERROR"
	// ErrorTypeStorage represents filesystem read/write errors
	ErrorTypeStorage ErrorType = "STORAGE_ERROR"
	// ErrorTypeValidation represents invalid input or configuration
	ErrorTypeValidation ErrorType = "VALIDATION_ERROR"
	// ErrorTypeLock represents advisory lock acquisition failures
	ErrorTypeLock ErrorType = "LOCK_ERROR"
	// ErrorTypeInterruption represents a canceled operation
	ErrorTypeInterruption ErrorType = "INTERRUPTION"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "UNKNOWN"
)

// LifecycleError represents an application-specific error with context
type LifecycleError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *LifecycleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *LifecycleError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *LifecycleError) WithContext(key string, value interface{}) *LifecycleError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new LifecycleError
func New(errorType ErrorType, message string, cause error) *LifecycleError {
	return &LifecycleError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors

func NewNotFoundError(message string, cause error) *LifecycleError {
	return New(ErrorTypeNotFound, message, cause)
}

func NewIntegrityError(message string, cause error) *LifecycleError {
	return New(ErrorTypeIntegrity, message, cause)
}

func NewMigrationError(message string, cause error) *LifecycleError {
	return New(ErrorTypeMigration, message, cause)
}

func NewUnsupportedFormatError(message string, cause error) *LifecycleError {
	return New(ErrorTypeUnsupportedFormat, message, cause)
}

func NewConfirmationDeclinedError(message string) *LifecycleError {
	return New(ErrorTypeConfirmationDeclined, message, nil)
}

func NewDatabaseError(message string, cause error) *LifecycleError {
	return New(ErrorTypeDatabase, message, cause)
}

func NewStorageError(message string, cause error) *LifecycleError {
	return New(ErrorTypeStorage, message, cause)
}

func NewValidationError(message string, cause error) *LifecycleError {
	return New(ErrorTypeValidation, message, cause)
}

func NewLockError(message string, cause error) *LifecycleError {
	return New(ErrorTypeLock, message, cause)
}

// Classify analyzes an error and returns a LifecycleError with appropriate
// classification. Already-classified errors pass through unchanged.
func Classify(err error) *LifecycleError {
	if err == nil {
		return nil
	}

	var lcErr *LifecycleError
	if errors.As(err, &lcErr) {
		return lcErr
	}

	if ctxErr := classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if dbErr := classifyDatabaseError(err); dbErr != nil {
		return dbErr
	}

	if fsErr := classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return New(ErrorTypeUnknown, "an unexpected error occurred", err)
}

// classifyContextError classifies context cancellation and deadline errors
func classifyContextError(err error) *LifecycleError {
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrorTypeInterruption, "operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrorTypeInterruption, "operation was canceled", err)
	}
	return nil
}

// classifyDatabaseError classifies database/sql errors
func classifyDatabaseError(err error) *LifecycleError {
	if errors.Is(err, sql.ErrNoRows) {
		return New(ErrorTypeNotFound, "no rows found", err)
	}
	if errors.Is(err, sql.ErrTxDone) {
		return New(ErrorTypeDatabase, "transaction has already been committed or rolled back", err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return New(ErrorTypeDatabase, "database connection is closed", err)
	}
	return nil
}

// classifyFileSystemError classifies file system errors
func classifyFileSystemError(err error) *LifecycleError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch {
		case errors.Is(pathErr.Err, fs.ErrNotExist):
			return New(ErrorTypeNotFound,
				fmt.Sprintf("file or directory not found: %s", pathErr.Path), err)
		case errors.Is(pathErr.Err, fs.ErrPermission):
			return New(ErrorTypeStorage,
				fmt.Sprintf("permission denied: %s", pathErr.Path), err)
		case errors.Is(pathErr.Err, syscall.ENOSPC):
			return New(ErrorTypeStorage, "no space left on device", err)
		case errors.Is(pathErr.Err, fs.ErrExist):
			return New(ErrorTypeStorage,
				fmt.Sprintf("file already exists: %s", pathErr.Path), err)
		}
		return New(ErrorTypeStorage, fmt.Sprintf("file system error: %s", pathErr.Path), err)
	}
	return nil
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var lcErr *LifecycleError
	if errors.As(err, &lcErr) {
		return lcErr.Type
	}
	return ErrorTypeUnknown
}

// IsType reports whether err carries the given error type
func IsType(err error, errorType ErrorType) bool {
	return GetErrorType(err) == errorType
}

// IsNotFound reports whether err is a missing backup/migration/version error
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsConfirmationDeclined reports whether err is a declined confirmation
func IsConfirmationDeclined(err error) bool {
	return IsType(err, ErrorTypeConfirmationDeclined)
}

// Wrap wraps an existing error with an additional message, preserving its
// classification
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var lcErr *LifecycleError
	if errors.As(err, &lcErr) {
		return New(lcErr.Type, message, err)
	}

	classified := Classify(err)
	return New(classified.Type, message, err)
}
