package command

import (
	"fmt"
	"net/http"
)

type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindNetwork         Kind = "network"
	KindServerError     Kind = "server_error"
	KindCommandFailed   Kind = "command_failed"
	KindInvalidResponse Kind = "invalid_response"
	KindInvalidRequest  Kind = "invalid_request"
)

// Error is the single failure type of Execute. StatusCode is set for
// KindServerError only.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrServerError     = &Error{Kind: KindServerError}
	ErrCommandFailed   = &Error{Kind: KindCommandFailed}
	ErrInvalidResponse = &Error{Kind: KindInvalidResponse}
	ErrInvalidRequest  = &Error{Kind: KindInvalidRequest}
)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	head := string(e.Kind)
	if e.Kind == KindServerError && e.StatusCode > 0 {
		head = fmt.Sprintf("%s %d", e.Kind, e.StatusCode)
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", head, e.Message, e.Err)
	case e.Message != "":
		return head + ": " + e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", head, e.Err)
	}
	return head
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t.Kind == e.Kind
}

func unauthenticated(err error) *Error {
	return &Error{Kind: KindUnauthenticated, Err: err}
}

func networkFailure(err error) *Error {
	return &Error{Kind: KindNetwork, Err: err}
}

func serverError(status int, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Kind: KindServerError, StatusCode: status, Message: msg}
}

func commandFailed(msg string) *Error {
	if msg == "" {
		msg = "command failed"
	}
	return &Error{Kind: KindCommandFailed, Message: msg}
}

func invalidResponse(err error) *Error {
	return &Error{Kind: KindInvalidResponse, Message: "malformed response envelope", Err: err}
}

func invalidRequest(msg string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: msg}
}
