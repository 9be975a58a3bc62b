package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a remote API failure.
type Kind int

const (
	KindUnmapped Kind = iota
	KindInvalidParameters
	KindAuthenticationFailed
	KindInsufficientScope
	KindNotFound
	KindAlreadyExists
	KindThrottled
	KindServerError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParameters:
		return "invalid_parameters"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindInsufficientScope:
		return "insufficient_scope"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindThrottled:
		return "throttled"
	case KindServerError:
		return "server_error"
	}
	return "unmapped"
}

// ErrBatchMismatch is returned when a batch response does not carry exactly
// one part per request.
var ErrBatchMismatch = errors.New("batch response count does not match request count")

// Error is a non-success answer from the remote API.
type Error struct {
	Kind       Kind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote %s: %v", e.Kind, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("remote %s (%d): %s", e.Kind, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("remote %s (%d)", e.Kind, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the request may succeed when retried later.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindThrottled, KindServerError, KindAuthenticationFailed:
		return true
	}
	return false
}

// CursorGone reports whether the server discarded the delta cursor.
func (e *Error) CursorGone() bool {
	return e.StatusCode == http.StatusGone
}

// TransportError wraps a failure that prevented any HTTP response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "remote transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// CheckStatus maps an HTTP status to nil or a typed *Error.
func CheckStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	kind := KindUnmapped
	switch status {
	case 400, 405, 406, 415:
		kind = KindInvalidParameters
	case 401:
		kind = KindAuthenticationFailed
	case 403:
		kind = KindInsufficientScope
	case 404, 410:
		kind = KindNotFound
	case 409:
		kind = KindAlreadyExists
	case 429:
		kind = KindThrottled
	case 500, 501, 503:
		kind = KindServerError
	}
	return &Error{Kind: kind, StatusCode: status, Body: truncate(string(body), 512)}
}

// KindOf returns the kind of a remote error, or KindUnmapped.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnmapped
}

// IsKind reports whether err is a remote error of the given kind.
func IsKind(err error, kind Kind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == kind
}

// IsRecoverable reports whether err should leave work in a retry state.
// Transport failures and timeouts count as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Recoverable()
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsAuthFailure reports whether err should flag the user's credentials.
func IsAuthFailure(err error) bool {
	k := KindOf(err)
	return k == KindAuthenticationFailed || k == KindInsufficientScope
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
