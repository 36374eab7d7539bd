package idpkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/text/language"

	"github.com/idpkit/idpkit/internal/oauth2"
)

const (
	// PKCE code challenge length bounds, per RFC 7636 section 4.1 (the
	// challenge for S256 is always 43, plain mirrors the verifier bounds).
	minCodeChallengeLength = 43
	maxCodeChallengeLength = 128
)

// ScopeOpenID is the scope that makes a request an OpenID Connect request.
const ScopeOpenID = "openid"

// ValidatedAuthorizeRequest is the per-request accumulation produced by the
// authorize validator. It is transient: never persisted as-is, never shared
// across requests.
type ValidatedAuthorizeRequest struct {
	Client *Client

	RedirectURI  string
	ResponseType ResponseType
	Flow         Flow

	RequestedScopes []string
	// ValidatedScopes are the resolved definitions for RequestedScopes.
	ValidatedScopes []Scope
	// IsOpenIDRequest is set when the openid scope was requested.
	IsOpenIDRequest bool
	// AccessTokenRequested is set when the flow results in an access token,
	// which shifts most profile claims to the userinfo endpoint.
	AccessTokenRequested bool

	State   string
	Nonce   string
	Prompt  PromptType
	Display string

	MaxAge    int64
	HasMaxAge bool

	// UILocales are the parsed ui_locales preferences, invalid tags dropped.
	UILocales []language.Tag
	LoginHint string
	ACRValues []string

	CodeChallenge       string
	CodeChallengeMethod string

	Raw map[string][]string
}

// AuthorizeValidator validates authorize endpoint requests. Stages run in a
// fixed order - protocol, client, scopes, PKCE, custom hook - and the first
// failure wins.
type AuthorizeValidator struct {
	clients ClientStore
	scopes  ScopeStore
	custom  CustomRequestValidator
}

// NewAuthorizeValidator constructs a validator. custom may be nil.
func NewAuthorizeValidator(clients ClientStore, scopes ScopeStore, custom CustomRequestValidator) *AuthorizeValidator {
	return &AuthorizeValidator{
		clients: clients,
		scopes:  scopes,
		custom:  custom,
	}
}

// userError is a page-rendered rejection: the redirect target was not (or
// could not be) validated, so redirecting would be unsafe.
func userError(code ErrorCode, desc string, cause error) *AuthorizeError {
	return &AuthorizeError{Code: code, Description: desc, Type: ErrorTypeUser, Cause: cause}
}

// clientError is a redirect-rendered rejection. Only callable once the
// redirect URI has been validated.
func clientError(code ErrorCode, desc, redirectURI, state string, fragment bool) *AuthorizeError {
	return &AuthorizeError{
		Code:        code,
		Description: desc,
		Type:        ErrorTypeClient,
		RedirectURI: redirectURI,
		State:       state,
		UseFragment: fragment,
	}
}

// Validate runs the full validation pipeline over an authorize request.
func (v *AuthorizeValidator) Validate(ctx context.Context, req *http.Request) (*ValidatedAuthorizeRequest, *AuthorizeError) {
	ar, err := oauth2.ParseAuthRequest(req)
	if err != nil {
		return nil, userError(ErrorCodeInvalidRequest, "malformed authorization request", err)
	}
	return v.ValidateParsed(ctx, ar)
}

// ValidateParsed validates an already-parsed request. Split out so the server
// can parse once and reuse the raw values.
func (v *AuthorizeValidator) ValidateParsed(ctx context.Context, ar *oauth2.AuthRequest) (*ValidatedAuthorizeRequest, *AuthorizeError) {
	// Stage 1: protocol. client_id must be present before anything else can
	// be decided.
	if ar.ClientID == "" {
		return nil, userError(ErrorCodeInvalidRequest, "client_id is required", nil)
	}

	// Stage 2: client. The client and redirect URI must be validated before
	// any error may be returned by redirect.
	client, err := v.clients.GetClient(ctx, ar.ClientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, userError(ErrorCodeUnauthorizedClient, "unknown client", fmt.Errorf("client %q not found", ar.ClientID))
		}
		return nil, userError(ErrorCodeServerError, "internal error", fmt.Errorf("fetching client: %w", err))
	}
	if !client.Enabled {
		return nil, userError(ErrorCodeUnauthorizedClient, "unknown client", fmt.Errorf("client %q is disabled", ar.ClientID))
	}

	redirectURI := ar.RedirectURI
	if redirectURI == "" {
		if len(client.RedirectURIs) != 1 {
			return nil, userError(ErrorCodeInvalidRequest, "redirect_uri is required", fmt.Errorf("client %q has %d registered redirect URIs", client.ID, len(client.RedirectURIs)))
		}
		redirectURI = client.RedirectURIs[0]
	} else if !slices.Contains(client.RedirectURIs, redirectURI) {
		// Exact string comparison, query string included. A reordered but
		// set-equal query is a different URI.
		return nil, userError(ErrorCodeUnauthorizedClient, "invalid redirect_uri", fmt.Errorf("redirect URI %q not registered for client %q", redirectURI, client.ID))
	}

	// From here the redirect target is trusted, so errors go back to the
	// client. Response mode is fragment until a known response type says
	// otherwise.
	if ar.ResponseType == "" {
		return nil, clientError(ErrorCodeUnsupportedResponseType, "response_type is missing or unsupported", redirectURI, ar.State, true)
	}

	flow := flowForResponseType(ar.ResponseType)
	fragment := flow != FlowAuthorizationCode
	cerr := func(code ErrorCode, desc string) *AuthorizeError {
		return clientError(code, desc, redirectURI, ar.State, fragment)
	}

	if !client.AllowsFlow(flow) {
		return nil, cerr(ErrorCodeUnauthorizedClient, "client is not authorized for this response type")
	}

	// Stage 3: scopes.
	if len(ar.Scopes) == 0 {
		return nil, cerr(ErrorCodeInvalidScope, "scope is required")
	}
	for _, sc := range ar.Scopes {
		if !client.AllowsScope(sc) {
			return nil, cerr(ErrorCodeInvalidScope, fmt.Sprintf("scope %q is not allowed for this client", sc))
		}
	}

	resolved, err := v.scopes.GetScopesByName(ctx, ar.Scopes)
	if err != nil {
		return nil, userError(ErrorCodeServerError, "internal error", fmt.Errorf("resolving scopes: %w", err))
	}
	if len(resolved) != len(ar.Scopes) {
		return nil, cerr(ErrorCodeInvalidScope, "request contains unknown scopes")
	}

	isOpenID := slices.Contains(ar.Scopes, ScopeOpenID)
	for _, sc := range resolved {
		if sc.IsIdentity && sc.Name != ScopeOpenID && !isOpenID {
			return nil, cerr(ErrorCodeInvalidScope, fmt.Sprintf("identity scope %q requires the openid scope", sc.Name))
		}
	}
	if ar.ResponseType.IncludesIDToken() && !isOpenID {
		return nil, cerr(ErrorCodeInvalidRequest, "response_type requires the openid scope")
	}
	// Implicit and hybrid identity responses bind the token to the request
	// via nonce; without it the ID token is replayable.
	if ar.ResponseType.IncludesIDToken() && flow != FlowAuthorizationCode && ar.Nonce == "" {
		return nil, cerr(ErrorCodeInvalidRequest, "nonce is required for this response type")
	}

	// Stage 4: PKCE.
	if client.RequirePKCE && ar.ResponseType.IncludesCode() && ar.CodeChallenge == "" {
		return nil, cerr(ErrorCodeInvalidRequest, "code_challenge is required for this client")
	}
	if ar.CodeChallenge != "" {
		if len(ar.CodeChallenge) < minCodeChallengeLength || len(ar.CodeChallenge) > maxCodeChallengeLength {
			return nil, cerr(ErrorCodeInvalidRequest, "code_challenge length is out of bounds")
		}
		switch ar.CodeChallengeMethod {
		case "", CodeChallengeMethodPlain, CodeChallengeMethodS256:
		default:
			return nil, cerr(ErrorCodeInvalidRequest, "unsupported code_challenge_method")
		}
	}

	vreq := &ValidatedAuthorizeRequest{
		Client:               client,
		RedirectURI:          redirectURI,
		ResponseType:         ar.ResponseType,
		Flow:                 flow,
		RequestedScopes:      ar.Scopes,
		ValidatedScopes:      resolved,
		IsOpenIDRequest:      isOpenID,
		AccessTokenRequested: ar.ResponseType.IncludesToken() || ar.ResponseType.IncludesCode(),
		State:                ar.State,
		Nonce:                ar.Nonce,
		Prompt:               ar.Prompt,
		Display:              ar.Display,
		MaxAge:               ar.MaxAge,
		HasMaxAge:            ar.HasMaxAge,
		UILocales:            parseUILocales(ar.UILocales),
		LoginHint:            ar.LoginHint,
		ACRValues:            ar.ACRValues,
		CodeChallenge:        ar.CodeChallenge,
		CodeChallengeMethod:  ar.CodeChallengeMethod,
		Raw:                  ar.Raw,
	}
	if vreq.CodeChallenge != "" && vreq.CodeChallengeMethod == "" {
		vreq.CodeChallengeMethod = CodeChallengeMethodPlain
	}

	// Stage 5: custom hook.
	if v.custom != nil {
		if aerr := v.custom.ValidateAuthorizeRequest(ctx, vreq); aerr != nil {
			if aerr.Type == ErrorTypeClient && aerr.RedirectURI == "" {
				aerr.RedirectURI = redirectURI
				aerr.State = ar.State
				aerr.UseFragment = fragment
			}
			return nil, aerr
		}
	}

	return vreq, nil
}

// parseUILocales parses the space-separated ui_locales value, dropping tags
// that don't parse. The parameter is advisory, so bad tags are not an error.
func parseUILocales(raw string) []language.Tag {
	if raw == "" {
		return nil
	}
	var tags []language.Tag
	for _, f := range strings.Fields(raw) {
		if tag, err := language.Parse(f); err == nil {
			tags = append(tags, tag)
		}
	}
	return tags
}
