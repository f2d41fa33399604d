// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation_error"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeError           ErrorType = "processing_error"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeTransientVendor ErrorType = "transient_vendor"
	ErrorTypeMalformedReply  ErrorType = "malformed_reply"
	ErrorTypeCircuitOpen     ErrorType = "circuit_open"
	ErrorTypeStorage         ErrorType = "storage_error"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

func NewTimeoutError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, originalError)
}

// NewTransientVendorError marks a vendor failure that is worth retrying.
func NewTransientVendorError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTransientVendor, message, originalError)
}

// NewMalformedReplyError marks a reply that could not be parsed even after repair.
func NewMalformedReplyError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeMalformedReply, message, originalError)
}

func NewCircuitOpenError(message string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, message, nil)
}

// NewStorageError wraps a persistence failure; these always reach the caller.
func NewStorageError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeStorage, message, originalError)
}

// TypeOf returns the type of the first AppError in the chain, or "".
func TypeOf(err error) ErrorType {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type
	}
	return ""
}

func IsValidationError(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

func IsNotFoundError(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

func IsConflictError(err error) bool {
	return TypeOf(err) == ErrorTypeConflict
}

func IsTransientVendorError(err error) bool {
	return TypeOf(err) == ErrorTypeTransientVendor
}

func IsMalformedReplyError(err error) bool {
	return TypeOf(err) == ErrorTypeMalformedReply
}

func IsCircuitOpenError(err error) bool {
	return TypeOf(err) == ErrorTypeCircuitOpen
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeTransientVendor:
		return "LLM_SERVICE_UNAVAILABLE"
	case ErrorTypeMalformedReply:
		return "LLM_REPLY_MALFORMED"
	case ErrorTypeCircuitOpen:
		return "LLM_CIRCUIT_OPEN"
	case ErrorTypeStorage:
		return "STORAGE_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 已经是 AppError 时保留原类型
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
