package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// StatusError carries the HTTP status of a failed backend response.
type StatusError struct {
	Err        error
	StatusCode int
}

func (e *StatusError) Error() string {
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// NewStatusError wraps err with an HTTP status code.
func NewStatusError(err error, statusCode int) *StatusError {
	return &StatusError{Err: err, StatusCode: statusCode}
}

// unavailablePatterns catch wrapped transport errors that lost their type.
var unavailablePatterns = []string{
	"connection refused",
	"connection reset by peer",
	"broken pipe",
	"no such host",
	"temporary failure in name resolution",
	"network is unreachable",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"failed to connect",
}

// IsUnavailable reports whether err means the analytics backend could not
// be reached or is not serving: open circuit, network failure, timeouts,
// and 502/503/504 responses. Everything else is a query error.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}

	if eris.Is(err, ErrCircuitOpen) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return IsUnavailableHTTPStatus(se.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range unavailablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsUnavailableHTTPStatus returns true for gateway/availability statuses.
func IsUnavailableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a failed query is worth another attempt.
// Rate limiting and request timeouts retry; an open circuit does not.
func IsRetryable(err error) bool {
	if err == nil || eris.Is(err, ErrCircuitOpen) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}
	return IsUnavailable(err)
}
