package chat

import (
	"errors"
	"fmt"
)

// Kind classifies a failed exchange with the gateway.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUnauthenticated: no principal is signed in.
	KindUnauthenticated
	// KindAuthFailure: a principal exists but no token could be acquired.
	KindAuthFailure
	// KindGatewayHTTP: the gateway answered with a non-success status.
	KindGatewayHTTP
	// KindGatewayUnreachable: the request never produced a response.
	KindGatewayUnreachable
	// KindMalformedResponse: a success status with an unusable body.
	KindMalformedResponse
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAuthFailure:
		return "auth_failure"
	case KindGatewayHTTP:
		return "gateway_http_error"
	case KindGatewayUnreachable:
		return "gateway_unreachable"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// FallbackErrorMessage is shown when a failed response carries no usable error text.
const FallbackErrorMessage = "Sorry, there was an error processing your request. Please try again."

// Error is the failure type of every gateway and credential operation.
type Error struct {
	Kind Kind
	// Status is the HTTP status for KindGatewayHTTP, zero otherwise.
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrAuthFailure) works
// for every auth failure regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

var (
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated, Message: "not signed in"}
	ErrAuthFailure        = &Error{Kind: KindAuthFailure, Message: "failed to acquire access token"}
	ErrGatewayHTTP        = &Error{Kind: KindGatewayHTTP, Message: "gateway request failed"}
	ErrGatewayUnreachable = &Error{Kind: KindGatewayUnreachable, Message: "gateway unreachable"}
	ErrMalformedResponse  = &Error{Kind: KindMalformedResponse, Message: "malformed gateway response"}
)

// Rejections returned by Submit; none of them touch the session.
var (
	ErrEmptyPrompt   = errors.New("prompt is empty")
	ErrBusy          = errors.New("a submission is already pending")
	ErrInvalidOption = errors.New("invalid submit option")
	ErrUnknownModel  = errors.New("unknown model")
)

// KindOf reports the Kind of err, KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// DisplayMessage is the human readable text recorded for a failed exchange.
func DisplayMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return FallbackErrorMessage
}

func authFailure(err error) *Error {
	var e *Error
	if errors.As(err, &e) && (e.Kind == KindAuthFailure || e.Kind == KindUnauthenticated) {
		return e
	}
	return &Error{Kind: KindAuthFailure, Message: "Authentication failed. Please sign in again.", Cause: err}
}
