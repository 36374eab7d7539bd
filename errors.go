package idpkit

import (
	"errors"
	"fmt"

	"github.com/idpkit/idpkit/internal/oauth2"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrorCode is the closed set of protocol error codes. It is shared with the
// wire layer.
type ErrorCode = oauth2.ErrorCode

const (
	ErrorCodeInvalidRequest          = oauth2.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = oauth2.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = oauth2.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient      = oauth2.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = oauth2.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = oauth2.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidScope            = oauth2.ErrorCodeInvalidScope
	ErrorCodeAccessDenied            = oauth2.ErrorCodeAccessDenied
	ErrorCodeInteractionRequired     = oauth2.ErrorCodeInteractionRequired
	ErrorCodeServerError             = oauth2.ErrorCodeServerError
)

// ErrorType determines how an authorize error is rendered to the caller.
type ErrorType int

const (
	// ErrorTypeUser errors are shown as a page to the end user, because the
	// redirect target could not be trusted.
	ErrorTypeUser ErrorType = iota
	// ErrorTypeClient errors are returned to the relying party as a
	// machine-readable redirect.
	ErrorTypeClient
)

func (e ErrorType) String() string {
	switch e {
	case ErrorTypeUser:
		return "user"
	case ErrorTypeClient:
		return "client"
	}
	return fmt.Sprintf("ErrorType(%d)", int(e))
}

// AuthorizeError is an expected validation failure on the authorize endpoint.
// Validators return these as values; panics and plain errors are reserved for
// programming and infrastructure failures.
type AuthorizeError struct {
	Code        ErrorCode
	Description string
	Type        ErrorType

	// RedirectURI and State are set on client-type errors only, carrying the
	// validated redirect target and original request state.
	RedirectURI string
	State       string
	// UseFragment selects fragment encoding for the error redirect.
	UseFragment bool

	Cause error
}

func (e *AuthorizeError) Error() string {
	s := fmt.Sprintf("authorize request rejected (%s): %s", e.Code, e.Description)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *AuthorizeError) Unwrap() error { return e.Cause }

// wire converts to the wire-layer representation for rendering.
func (e *AuthorizeError) wire() *oauth2.AuthError {
	kind := oauth2.AuthErrorKindUser
	if e.Type == ErrorTypeClient {
		kind = oauth2.AuthErrorKindClient
	}
	return &oauth2.AuthError{
		ErrorCode:   e.Code,
		Description: e.Description,
		Kind:        kind,
		RedirectURI: e.RedirectURI,
		State:       e.State,
		UseFragment: e.UseFragment,
		Cause:       e.Cause,
	}
}

// TokenRequestError is an expected validation failure on the token endpoint.
// Codes are limited to the RFC 6749 section 5.2 taxonomy.
type TokenRequestError struct {
	Code        ErrorCode
	Description string
	Cause       error
}

func (e *TokenRequestError) Error() string {
	s := fmt.Sprintf("token request rejected (%s): %s", e.Code, e.Description)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *TokenRequestError) Unwrap() error { return e.Cause }

func (e *TokenRequestError) wire() *oauth2.TokenError {
	return &oauth2.TokenError{
		ErrorCode:   e.Code,
		Description: e.Description,
		Cause:       e.Cause,
	}
}
