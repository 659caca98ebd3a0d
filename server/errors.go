package server

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies request errors.
type ErrorKind int

// Error kinds. Each maps onto an OAuth error code and HTTP status.
const (
	KindServerError ErrorKind = iota
	KindInvalidRequest
	KindInvalidClient
	KindUnauthorizedClient
	KindInvalidGrant
	KindInvalidScope
	KindUnsupportedGrantType
	KindUnsupportedResponseType
	KindAccessDenied
	KindAuthenticationFailed
	KindAuthenticationUnavailable
	KindSigningFailure
)

// OAuth error codes (RFC 6749 Section 5.2)
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// RetryAfterSeconds is sent with temporarily_unavailable responses.
const RetryAfterSeconds = 5

var kindInfo = map[ErrorKind]struct {
	code   string
	status int
	name   string
}{
	KindServerError:               {ErrorCodeServerError, http.StatusInternalServerError, "server error"},
	KindInvalidRequest:            {ErrorCodeInvalidRequest, http.StatusBadRequest, "invalid request"},
	KindInvalidClient:             {ErrorCodeInvalidClient, http.StatusUnauthorized, "invalid client"},
	KindUnauthorizedClient:        {ErrorCodeUnauthorizedClient, http.StatusBadRequest, "unauthorized client"},
	KindInvalidGrant:              {ErrorCodeInvalidGrant, http.StatusBadRequest, "invalid grant"},
	KindInvalidScope:              {ErrorCodeInvalidScope, http.StatusBadRequest, "invalid scope"},
	KindUnsupportedGrantType:      {ErrorCodeUnsupportedGrantType, http.StatusBadRequest, "unsupported grant type"},
	KindUnsupportedResponseType:   {ErrorCodeUnsupportedResponseType, http.StatusBadRequest, "unsupported response type"},
	KindAccessDenied:              {ErrorCodeAccessDenied, http.StatusForbidden, "access denied"},
	KindAuthenticationFailed:      {ErrorCodeInvalidGrant, http.StatusBadRequest, "authentication failed"},
	KindAuthenticationUnavailable: {ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable, "authentication unavailable"},
	KindSigningFailure:            {ErrorCodeServerError, http.StatusInternalServerError, "signing failure"},
}

// Error is a request error. Description is safe to show to clients; Err holds
// the internal cause and is only logged.
type Error struct {
	Kind        ErrorKind
	Description string
	Err         error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInvalidRequest            = &Error{Kind: KindInvalidRequest}
	ErrInvalidClient             = &Error{Kind: KindInvalidClient}
	ErrUnauthorizedClient        = &Error{Kind: KindUnauthorizedClient}
	ErrInvalidGrant              = &Error{Kind: KindInvalidGrant}
	ErrInvalidScope              = &Error{Kind: KindInvalidScope}
	ErrUnsupportedGrantType      = &Error{Kind: KindUnsupportedGrantType}
	ErrUnsupportedResponseType   = &Error{Kind: KindUnsupportedResponseType}
	ErrAccessDenied              = &Error{Kind: KindAccessDenied}
	ErrAuthenticationFailed      = &Error{Kind: KindAuthenticationFailed}
	ErrAuthenticationUnavailable = &Error{Kind: KindAuthenticationUnavailable}
	ErrSigningFailure            = &Error{Kind: KindSigningFailure}
	ErrServerError               = &Error{Kind: KindServerError}
)

// NewError returns an error of the given kind. description is sent to clients.
func NewError(kind ErrorKind, description string) *Error {
	return newError(kind, description, nil)
}

func newError(kind ErrorKind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, Err: cause}
}

func (e *Error) Error() string {
	msg := kindInfo[e.Kind].name
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the internal cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Description == "" && t.Err == nil
}

// Code returns the OAuth error code.
func (e *Error) Code() string {
	return kindInfo[e.Kind].code
}

// HTTPStatus returns the HTTP status of the error response.
func (e *Error) HTTPStatus() int {
	return kindInfo[e.Kind].status
}

// PublicDescription returns the error_description sent to clients.
// Server-side failures never expose details.
func (e *Error) PublicDescription() string {
	switch e.Kind {
	case KindServerError, KindSigningFailure:
		return "The server encountered an internal error"
	case KindAuthenticationFailed:
		return "Bad credentials"
	case KindAuthenticationUnavailable:
		return "Authentication service unavailable, retry later"
	case KindInvalidClient:
		return "Client authentication failed"
	}
	return e.Description
}

// Retryable reports whether the client may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindAuthenticationUnavailable
}

// AsError converts any error to an *Error. Unknown errors become server errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindServerError, "", err)
}

func invalidRequest(format string, args ...any) *Error {
	return newError(KindInvalidRequest, fmt.Sprintf(format, args...), nil)
}
