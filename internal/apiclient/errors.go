package apiclient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/genflow/pkg/types"
)

// Error kinds. Callers branch on them with errors.Is.
var (
	// ErrInvalidPayload is malformed local input; no request was sent.
	ErrInvalidPayload = types.ErrInvalidPayload
	// ErrTransport covers network failures, timeouts and 5xx/429 answers.
	ErrTransport = errors.New("transport error")
	// ErrServerRejected means the server answered with an explicit error payload.
	ErrServerRejected = errors.New("server rejected request")
	// ErrMalformedResponse means the body lacked required fields or was not JSON.
	ErrMalformedResponse = errors.New("malformed response")
)

// Error is returned by every Client method. Kind is one of the sentinels
// above; Err, when set, is the underlying cause.
type Error struct {
	Op       string // "submit", "status", "list", "effects", "download"
	Kind     error
	HTTPCode int
	Messages []string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("apiclient ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.HTTPCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.HTTPCode)
	}
	if len(e.Messages) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Messages, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Message returns the server messages joined, or the error text.
func (e *Error) Message() string {
	if len(e.Messages) > 0 {
		return strings.Join(e.Messages, "; ")
	}
	return e.Error()
}

// IsTransient reports whether err may succeed on a later attempt. Malformed
// responses count as transient: one unparsable status payload says nothing
// about the job itself.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrMalformedResponse)
}

func newError(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
