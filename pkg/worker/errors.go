package worker

import (
	"context"
	"errors"
	"net"

	"github.com/medialens/medialens/pkg/breaker"
	"github.com/medialens/medialens/pkg/httpclient"
)

// IsRetryable reports whether err is transient under the shared taxonomy:
// transport failures, timeouts, upstream 5xx and 429, and an open circuit.
// Everything else — validation, policy rejections, other 4xx — is
// permanent.
func IsRetryable(err error) bool {
	return httpclient.Retryable(err) || errors.Is(err, breaker.ErrCircuitOpen)
}

// errorType names the error class for dead-letter envelopes.
func errorType(err error) string {
	var httpErr *httpclient.HTTPError
	switch {
	case errors.As(err, &httpErr):
		return "HTTPError"
	case errors.Is(err, breaker.ErrCircuitOpen):
		return "CircuitOpenError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "TimeoutError"
		}
		return "ConnectionError"
	}
	return "Error"
}
