package oauth2

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrorCode is the closed set of protocol error codes this server emits.
type ErrorCode string

const (
	ErrorCodeInvalidRequest          ErrorCode = "invalid_request"
	ErrorCodeInvalidClient           ErrorCode = "invalid_client"
	ErrorCodeInvalidGrant            ErrorCode = "invalid_grant"
	ErrorCodeUnauthorizedClient      ErrorCode = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    ErrorCode = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType ErrorCode = "unsupported_response_type"
	ErrorCodeInvalidScope            ErrorCode = "invalid_scope"
	ErrorCodeAccessDenied            ErrorCode = "access_denied"
	ErrorCodeInteractionRequired     ErrorCode = "interaction_required"
	ErrorCodeServerError             ErrorCode = "server_error"
)

// Token endpoint error codes, aliased for readability at call sites. The
// token endpoint taxonomy is the four-code subset from RFC 6749 section 5.2,
// plus invalid_request.
const (
	TokenErrorCodeInvalidRequest       = ErrorCodeInvalidRequest
	TokenErrorCodeInvalidClient        = ErrorCodeInvalidClient
	TokenErrorCodeInvalidGrant         = ErrorCodeInvalidGrant
	TokenErrorCodeUnauthorizedClient   = ErrorCodeUnauthorizedClient
	TokenErrorCodeUnsupportedGrantType = ErrorCodeUnsupportedGrantType
)

// TokenError is an expected protocol failure at the token endpoint. It is
// written as the standard JSON error body.
type TokenError struct {
	ErrorCode   ErrorCode `json:"error"`
	Description string    `json:"error_description,omitempty"`
	// Cause is not returned to the caller, only logged.
	Cause error `json:"-"`
}

func (t *TokenError) Error() string {
	str := fmt.Sprintf("%s error in token request: %s", t.ErrorCode, t.Description)
	if t.Cause != nil {
		str += ": " + t.Cause.Error()
	}
	return str
}

func (t *TokenError) Unwrap() error { return t.Cause }

// AuthErrorKind determines how an authorize endpoint error is rendered.
type AuthErrorKind int

const (
	// AuthErrorKindUser means the redirect target could not be trusted, so the
	// error must be rendered as a page to the user and never redirected.
	AuthErrorKindUser AuthErrorKind = iota
	// AuthErrorKindClient means the redirect URI was validated and the error
	// is returned to the client via redirect.
	AuthErrorKindClient
)

// AuthError is an expected protocol failure at the authorize endpoint. Kind
// decides whether it is safe to return it via the validated redirect URI.
type AuthError struct {
	ErrorCode   ErrorCode
	Description string
	Kind        AuthErrorKind

	// RedirectURI and State are only set for client-kind errors, and carry
	// the validated redirect target and the original request state.
	RedirectURI string
	State       string
	// UseFragment selects fragment encoding for the redirect, used for
	// implicit/hybrid responses and when the response type is unknown.
	UseFragment bool

	Cause error
}

func (a *AuthError) Error() string {
	str := fmt.Sprintf("%s error in authorization request: %s", a.ErrorCode, a.Description)
	if a.Cause != nil {
		str += ": " + a.Cause.Error()
	}
	return str
}

func (a *AuthError) Unwrap() error { return a.Cause }

// HTTPError is an unexpected failure, rendered as a plain HTTP error. Used
// for programming/infrastructure errors, never expected protocol failures.
type HTTPError struct {
	Code int
	// Message is returned to the user. If empty, the standard text for the
	// code is used.
	Message string
	// CauseMsg and Cause are logged, never returned to the user.
	CauseMsg string
	Cause    error
	// WWWAuthenticate is set as the WWW-Authenticate header if non-empty.
	WWWAuthenticate string
}

func (h *HTTPError) Error() string {
	m := h.Message
	if m == "" {
		m = http.StatusText(h.Code)
	}
	str := fmt.Sprintf("http error %d: %s", h.Code, m)
	if h.CauseMsg != "" {
		str += ": " + h.CauseMsg
	}
	if h.Cause != nil {
		str += ": " + h.Cause.Error()
	}
	return str
}

func (h *HTTPError) Unwrap() error { return h.Cause }

// BearerErrorCode are the error codes from RFC 6750 section 3.1.
type BearerErrorCode string

const (
	BearerErrorCodeInvalidRequest   BearerErrorCode = "invalid_request"
	BearerErrorCodeInvalidToken     BearerErrorCode = "invalid_token"
	BearerErrorCodeInsufficentScope BearerErrorCode = "insufficient_scope"
)

// BearerError renders a WWW-Authenticate challenge for bearer-authenticated
// endpoints (RFC 6750).
type BearerError struct {
	Code        BearerErrorCode
	Description string
}

func (b *BearerError) String() string {
	ret := "Bearer"
	if b.Code != "" {
		ret += fmt.Sprintf(` error=%q`, b.Code)
	}
	if b.Description != "" {
		ret += fmt.Sprintf(` error_description=%q`, b.Description)
	}
	return ret
}

// WriteError renders err to the response in the appropriate format. Typed
// protocol errors get their wire representation; anything else becomes a
// plain 500.
func WriteError(w http.ResponseWriter, req *http.Request, err error) error {
	var (
		terr *TokenError
		aerr *AuthError
		herr *HTTPError
	)
	switch {
	case errors.As(err, &terr):
		status := http.StatusBadRequest
		if terr.ErrorCode == TokenErrorCodeInvalidClient {
			// RFC 6749 section 5.2 - invalid_client uses 401, with a
			// challenge if the client authenticated via the header.
			status = http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", "Basic")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(terr); err != nil {
			return fmt.Errorf("encoding token error: %w", err)
		}
	case errors.As(err, &aerr):
		return writeAuthError(w, req, aerr)
	case errors.As(err, &herr):
		m := herr.Message
		if m == "" {
			m = http.StatusText(herr.Code)
		}
		if herr.WWWAuthenticate != "" {
			w.Header().Set("WWW-Authenticate", herr.WWWAuthenticate)
		}
		http.Error(w, m, herr.Code)
	default:
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
	return nil
}

// writeAuthError renders an authorize endpoint error. Client-kind errors
// redirect back to the (validated) client redirect URI with the error in the
// query or fragment. User-kind errors must never redirect, as the target
// could not be trusted.
func writeAuthError(w http.ResponseWriter, req *http.Request, aerr *AuthError) error {
	if aerr.Kind == AuthErrorKindUser || aerr.RedirectURI == "" {
		http.Error(w, fmt.Sprintf("%s: %s", aerr.ErrorCode, aerr.Description), http.StatusBadRequest)
		return nil
	}

	redir, err := url.Parse(aerr.RedirectURI)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return fmt.Errorf("parsing validated redirect URI: %w", err)
	}

	v := url.Values{}
	v.Set("error", string(aerr.ErrorCode))
	if aerr.Description != "" {
		v.Set("error_description", aerr.Description)
	}
	if aerr.State != "" {
		v.Set("state", aerr.State)
	}

	if aerr.UseFragment {
		// Appended as an already-encoded string; going through url.URL's
		// Fragment field would escape it a second time.
		redir.Fragment, redir.RawFragment = "", ""
		http.Redirect(w, req, redir.String()+"#"+v.Encode(), http.StatusFound)
		return nil
	}

	q := redir.Query()
	for k, vs := range v {
		for _, vv := range vs {
			q.Set(k, vv)
		}
	}
	redir.RawQuery = q.Encode()

	http.Redirect(w, req, redir.String(), http.StatusFound)
	return nil
}
