// internal/llm/errors.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
)

// StatusError is a non-2xx vendor reply.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API错误(%d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// ClassifyError wraps a raw vendor error as transient (network, 429, 5xx,
// timeouts) or terminal. Caller cancellation is returned unchanged.
func ClassifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if apperrors.TypeOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := provider + " request failed"
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTransientVendorError(msg+": timeout", err)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if IsTransientStatus(statusErr.StatusCode) {
			return apperrors.NewTransientVendorError(msg, err)
		}
		return apperrors.NewProcessingError(msg, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperrors.NewTransientVendorError(msg+": network", err)
	}

	return apperrors.NewProcessingError(msg, err)
}

// IsRetryable reports whether the dispatcher should try again after err.
func IsRetryable(err error) bool {
	return apperrors.IsTransientVendorError(err)
}
