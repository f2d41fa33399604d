// internal/api/error_codes.go
package api

import (
	"net/http"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorUnauthorized  = "UNAUTHORIZED"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 会话相关
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
	ErrorTurnConflict    = "TURN_CONFLICT"
	ErrorLockTimeout     = "SESSION_BUSY"

	// 语料相关
	ErrorChunkNotFound = "CHUNK_NOT_FOUND"
	ErrorAnchorInvalid = "ANCHOR_INVALID"

	// 存储相关
	ErrorStorageFailed = "STORAGE_FAILED"
)

// statusFor maps an error to the HTTP status and API code it is reported with.
func statusFor(err error) (int, string) {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest, ErrorBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound, ErrorNotFound
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict, ErrorTurnConflict
	case apperrors.ErrorTypeTimeout:
		return http.StatusInternalServerError, ErrorLockTimeout
	case apperrors.ErrorTypeStorage:
		return http.StatusInternalServerError, ErrorStorageFailed
	default:
		return http.StatusInternalServerError, ErrorInternalError
	}
}
