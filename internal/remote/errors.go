package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrTransport covers network errors, timeouts, 5xx responses and
	// unreadable bodies. Nothing is known to have reached the server.
	ErrTransport = errors.New("transport failure")

	// ErrRejected is a well-formed response with success=false or a 4xx status.
	ErrRejected = errors.New("rejected by server")
)

// CodeSessionMismatch is the error_code the server returns when the session
// id is not the one it currently knows for the account.
const CodeSessionMismatch = "SESSION_MISMATCH"

// legacySessionMismatch is the message older servers send without a code.
const legacySessionMismatch = "session mismatch"

// TransportError wraps a failed round trip.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// RejectionError is a logical refusal by the server.
type RejectionError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: rejected (%s): %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s: rejected: %s", e.Op, msg)
}

func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// SessionInvalid reports whether the rejection means the session is no
// longer valid: the typed code, a bare 401, or the legacy message.
func (e *RejectionError) SessionInvalid() bool {
	if e.Code != "" {
		return e.Code == CodeSessionMismatch
	}
	if e.StatusCode == http.StatusUnauthorized {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(e.Message), legacySessionMismatch)
}

// IsSessionInvalid reports whether err is a rejection for an invalid session.
func IsSessionInvalid(err error) bool {
	var re *RejectionError
	return errors.As(err, &re) && re.SessionInvalid()
}
