package recovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"execution-core/pkg/exchange"
)

// ErrorKind is the typed classification the runbook layer matches on.
// String/regex matching is reserved for genuinely unstructured third-party
// error text that the classifier cannot translate.
type ErrorKind string

const (
	KindConnectionLost      ErrorKind = "CONNECTION_LOST"
	KindTimeout             ErrorKind = "TIMEOUT"
	KindRateLimited         ErrorKind = "RATE_LIMITED"
	KindClockSkew           ErrorKind = "CLOCK_SKEW"
	KindOrderRejected       ErrorKind = "ORDER_REJECTED"
	KindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE"
	KindUnknown             ErrorKind = "UNKNOWN"
)

// Binance order-level rejection codes.
const (
	codeNewOrderRejected = -2010
	codeCancelRejected   = -2011
)

// Classify translates raw connector/websocket errors into a typed kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case exchange.CodeRateLimited:
			return KindRateLimited
		case exchange.CodeTimestampSkew:
			return KindClockSkew
		case codeNewOrderRejected, codeCancelRejected:
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient") {
				return KindInsufficientBalance
			}
			return KindOrderRejected
		}
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnectionLost
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindConnectionLost
	}
	return KindUnknown
}

// retryable reports whether a kind is worth retrying with backoff.
// Unknown API codes escalate instead of retrying.
func (k ErrorKind) retryable() bool {
	switch k {
	case KindConnectionLost, KindTimeout, KindRateLimited, KindClockSkew:
		return true
	}
	return false
}

// retryableUnknown splits the UNKNOWN population: an exchange error with a
// code the classifier does not recognize escalates, while an unstructured
// error still spends the retry budget.
func retryableUnknown(kind ErrorKind, err error) bool {
	if kind != KindUnknown {
		return false
	}
	var apiErr *exchange.APIError
	return !errors.As(err, &apiErr)
}
