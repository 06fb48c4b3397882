package exchange

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Binance error codes the engine treats as transient.
const (
	CodeRateLimited   = -1003
	CodeTimestampSkew = -1021
)

// APIError is a structured exchange API error decoded from the response body.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether an error is worth retrying with backoff:
// connection/timeout/OS errors, and the specific transient API codes.
// Unknown API codes are not retryable; the caller escalates instead.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case CodeRateLimited, CodeTimestampSkew:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return false
}
