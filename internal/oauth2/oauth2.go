// Package oauth2 implements the wire-level details of the OAuth2/OIDC
// protocol: request parsing, the error taxonomy, and response encoding. It has
// no knowledge of clients, scopes or storage; that logic lives in the root
// package.
package oauth2

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// ResponseType is the authorize endpoint response_type parameter. Multi-valued
// types are normalized to a canonical space-separated order.
type ResponseType string

const (
	ResponseTypeCode             ResponseType = "code"
	ResponseTypeIDToken          ResponseType = "id_token"
	ResponseTypeToken            ResponseType = "token"
	ResponseTypeIDTokenToken     ResponseType = "id_token token"
	ResponseTypeCodeIDToken      ResponseType = "code id_token"
	ResponseTypeCodeToken        ResponseType = "code token"
	ResponseTypeCodeIDTokenToken ResponseType = "code id_token token"
)

// ParseResponseType normalizes a raw response_type value. The parameter is
// defined as a space-separated set, so ordering is not significant on the
// wire. Returns false if the set is not one we support.
func ParseResponseType(raw string) (ResponseType, bool) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return "", false
	}
	sort.Strings(parts)
	switch strings.Join(parts, " ") {
	case "code":
		return ResponseTypeCode, true
	case "id_token":
		return ResponseTypeIDToken, true
	case "token":
		return ResponseTypeToken, true
	case "id_token token":
		return ResponseTypeIDTokenToken, true
	case "code id_token":
		return ResponseTypeCodeIDToken, true
	case "code token":
		return ResponseTypeCodeToken, true
	case "code id_token token":
		return ResponseTypeCodeIDTokenToken, true
	}
	return "", false
}

// IncludesCode indicates the response includes an authorization code.
func (r ResponseType) IncludesCode() bool {
	return strings.Contains(string(r), "code")
}

// IncludesIDToken indicates the response includes an ID token directly.
func (r ResponseType) IncludesIDToken() bool {
	return strings.Contains(string(r), "id_token")
}

// IncludesToken indicates the response includes an access token directly.
func (r ResponseType) IncludesToken() bool {
	for _, p := range strings.Fields(string(r)) {
		if p == "token" {
			return true
		}
	}
	return false
}

// GrantType is the token endpoint grant_type parameter.
type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypePassword          GrantType = "password"
)

const (
	// CodeChallengeMethodPlain is the PKCE plain transform.
	CodeChallengeMethodPlain = "plain"
	// CodeChallengeMethodS256 is the PKCE SHA-256 transform.
	CodeChallengeMethodS256 = "S256"

	// ClientAssertionTypeJWTBearer is the assertion type for JWT client
	// authentication (RFC 7523).
	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

const (
	// maxParamLength bounds individual request parameters, to avoid handing
	// attacker-sized values to downstream validators.
	maxParamLength = 51200
)

func validateParamLength(name, val string) error {
	if len(val) > maxParamLength {
		return fmt.Errorf("parameter %s exceeds maximum length", name)
	}
	return nil
}

// PromptType is the OIDC prompt parameter.
type PromptType string

const (
	PromptNone    PromptType = "none"
	PromptLogin   PromptType = "login"
	PromptConsent PromptType = "consent"
)

// AuthRequest is the parsed, syntactically valid form of an authorize
// endpoint request. No client or policy checks have been run against it.
type AuthRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        ResponseType
	RawResponseType     string
	Scopes              []string
	State               string
	Nonce               string
	Prompt              PromptType
	Display             string
	MaxAge              int64
	HasMaxAge           bool
	UILocales           string
	LoginHint           string
	ACRValues           []string
	CodeChallenge       string
	CodeChallengeMethod string

	// Raw is the full set of query values from the request.
	Raw map[string][]string
}

// TokenRequest is the parsed form of a token endpoint request, credentials
// included. Grant-specific fields are zero when not passed.
type TokenRequest struct {
	GrantType GrantType

	Code         string
	RedirectURI  string
	CodeVerifier string

	RefreshToken string

	Username string
	Password string

	Scopes []string

	ClientID     string
	ClientSecret string
	// ClientSecretInHeader is set when the credentials came from a Basic
	// authorization header rather than the form body.
	ClientSecretInHeader bool
	// ClientAuthAbsent is set when no client credential of any kind was
	// presented.
	ClientAuthAbsent bool
	// ClientAuthMalformed is set when a credential was presented but could not
	// be decoded, e.g. invalid base64 in the Basic header. This is
	// deliberately distinct from credentials being absent.
	ClientAuthMalformed bool

	ClientAssertionType string
	ClientAssertion     string

	// Token and TokenTypeHint are the revocation endpoint parameters
	// (RFC 7009 section 2.1).
	Token         string
	TokenTypeHint string

	Raw map[string][]string
}

// ParseAuthRequest parses the query of an authorize endpoint request. Only
// syntactic validation happens here; missing response_type and the like are
// left for the validator so it can pick the correct error rendering.
func ParseAuthRequest(req *http.Request) (*AuthRequest, error) {
	if err := req.ParseForm(); err != nil {
		return nil, fmt.Errorf("parsing form: %w", err)
	}
	v := req.Form

	for name, vals := range v {
		if len(vals) > 1 {
			return nil, fmt.Errorf("parameter %s included more than once", name)
		}
		if err := validateParamLength(name, vals[0]); err != nil {
			return nil, err
		}
	}

	ar := &AuthRequest{
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		RawResponseType:     v.Get("response_type"),
		State:               v.Get("state"),
		Nonce:               v.Get("nonce"),
		Display:             v.Get("display"),
		UILocales:           v.Get("ui_locales"),
		LoginHint:           v.Get("login_hint"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Raw:                 v,
	}

	if rt, ok := ParseResponseType(ar.RawResponseType); ok {
		ar.ResponseType = rt
	}

	if sc := v.Get("scope"); sc != "" {
		ar.Scopes = strings.Fields(sc)
	}
	if acr := v.Get("acr_values"); acr != "" {
		ar.ACRValues = strings.Fields(acr)
	}

	switch p := v.Get("prompt"); p {
	case "", string(PromptNone), string(PromptLogin), string(PromptConsent):
		ar.Prompt = PromptType(p)
	default:
		return nil, fmt.Errorf("unsupported prompt value %q", p)
	}

	if ma := v.Get("max_age"); ma != "" {
		maxAge, err := strconv.ParseInt(ma, 10, 64)
		if err != nil || maxAge < 0 {
			return nil, fmt.Errorf("invalid max_age value %q", ma)
		}
		ar.MaxAge = maxAge
		ar.HasMaxAge = true
	}

	return ar, nil
}

// ParseTokenRequest parses the form body and authorization header of a token
// endpoint request.
func ParseTokenRequest(req *http.Request) (*TokenRequest, error) {
	tr, err := parseTokenForm(req)
	if err != nil {
		return nil, err
	}
	if tr.GrantType == "" {
		return nil, &TokenError{ErrorCode: TokenErrorCodeInvalidRequest, Description: "grant_type is required"}
	}
	return tr, nil
}

// ParseRevocationRequest parses an RFC 7009 revocation request. Client
// credentials are carried the same way as on the token endpoint, but the body
// has no grant_type, only token and an optional token_type_hint.
func ParseRevocationRequest(req *http.Request) (*TokenRequest, error) {
	tr, err := parseTokenForm(req)
	if err != nil {
		return nil, err
	}
	if tr.Token == "" {
		return nil, &TokenError{ErrorCode: TokenErrorCodeInvalidRequest, Description: "token is required"}
	}
	return tr, nil
}

func parseTokenForm(req *http.Request) (*TokenRequest, error) {
	if err := req.ParseForm(); err != nil {
		return nil, &TokenError{ErrorCode: TokenErrorCodeInvalidRequest, Description: "failed to parse request body", Cause: err}
	}
	v := req.PostForm

	for name, vals := range v {
		if len(vals) > 1 {
			return nil, &TokenError{ErrorCode: TokenErrorCodeInvalidRequest, Description: fmt.Sprintf("parameter %s included more than once", name)}
		}
		if err := validateParamLength(name, vals[0]); err != nil {
			return nil, &TokenError{ErrorCode: TokenErrorCodeInvalidRequest, Description: err.Error()}
		}
	}

	tr := &TokenRequest{
		GrantType:           GrantType(v.Get("grant_type")),
		Code:                v.Get("code"),
		RedirectURI:         v.Get("redirect_uri"),
		CodeVerifier:        v.Get("code_verifier"),
		RefreshToken:        v.Get("refresh_token"),
		Username:            v.Get("username"),
		Password:            v.Get("password"),
		ClientID:            v.Get("client_id"),
		ClientSecret:        v.Get("client_secret"),
		ClientAssertionType: v.Get("client_assertion_type"),
		ClientAssertion:     v.Get("client_assertion"),
		Token:               v.Get("token"),
		TokenTypeHint:       v.Get("token_type_hint"),
		Raw:                 v,
	}

	if sc := v.Get("scope"); sc != "" {
		tr.Scopes = strings.Fields(sc)
	}

	// Prefer the Basic header for client credentials if present, per RFC 6749
	// section 2.3.1.
	if hdrID, hdrSecret, ok, malformed := basicAuthCredentials(req); ok {
		tr.ClientID = hdrID
		tr.ClientSecret = hdrSecret
		tr.ClientSecretInHeader = true
	} else if malformed {
		tr.ClientAuthMalformed = true
	}

	if tr.ClientID == "" && tr.ClientAssertion == "" && !tr.ClientAuthMalformed {
		tr.ClientAuthAbsent = true
	}

	return tr, nil
}

// basicAuthCredentials extracts credentials from a Basic authorization
// header, distinguishing a malformed header from no header at all.
func basicAuthCredentials(req *http.Request) (id, secret string, ok, malformed bool) {
	hdr := req.Header.Get("Authorization")
	if hdr == "" {
		return "", "", false, false
	}
	if !strings.HasPrefix(strings.ToLower(hdr), "basic ") {
		// Some other scheme, not ours to interpret.
		return "", "", false, false
	}
	id, secret, ok = req.BasicAuth()
	if !ok {
		return "", "", false, true
	}
	return id, secret, true, false
}
