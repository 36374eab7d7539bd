package idpkit

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/idpkit/idpkit/internal/oauth2"
	"github.com/idpkit/idpkit/internal/token"
)

const (
	tokenUsageAuthCode  = "auth_code"
	tokenUsageRefresh   = "refresh_token"
	tokenUsageReference = "reference_token"

	minCodeVerifierLength = 43
	maxCodeVerifierLength = 128
)

// ValidatedTokenRequest is the per-request accumulation produced by the token
// request validator. Transient, never persisted.
type ValidatedTokenRequest struct {
	Client    *Client
	GrantType GrantType

	// Code is set for authorization_code grants.
	Code *AuthorizationCode

	// RefreshToken and RefreshTokenKey are set for refresh_token grants. The
	// key is the stored form of the presented handle, used for rotation.
	RefreshToken    *RefreshToken
	RefreshTokenKey string

	// Subject is the authenticated user, where the grant involves one.
	Subject *AuthenticatedSubject

	// Scopes are the granted scopes for this request.
	Scopes []string
	// ValidatedScopes are their resolved definitions.
	ValidatedScopes []Scope

	Raw map[string][]string
}

// TokenRequestValidator validates token endpoint requests. For every grant
// type the order is fixed: client authentication, then grant-type
// authorization, then the grant-specific checks.
type TokenRequestValidator struct {
	clientValidator *ClientValidator
	codes           AuthorizationCodeStore
	refreshTokens   RefreshTokenStore
	scopes          ScopeStore
	users           UserService
	customGrants    map[string]CustomGrantValidator

	now func() time.Time
}

// NewTokenRequestValidator constructs a validator. users may be nil if the
// password grant is not used; customGrants may be empty.
func NewTokenRequestValidator(clientValidator *ClientValidator, codes AuthorizationCodeStore, refreshTokens RefreshTokenStore, scopes ScopeStore, users UserService, customGrants []CustomGrantValidator) *TokenRequestValidator {
	cg := make(map[string]CustomGrantValidator)
	for _, v := range customGrants {
		for _, gt := range v.GrantTypes() {
			cg[gt] = v
		}
	}
	return &TokenRequestValidator{
		clientValidator: clientValidator,
		codes:           codes,
		refreshTokens:   refreshTokens,
		scopes:          scopes,
		users:           users,
		customGrants:    cg,
		now:             time.Now,
	}
}

// invalidGrant is the uniform rejection for bad, expired or replayed grant
// artifacts. Replay is deliberately indistinguishable from not-found.
func invalidGrant(desc string, cause error) *TokenRequestError {
	return &TokenRequestError{Code: ErrorCodeInvalidGrant, Description: desc, Cause: cause}
}

// Validate runs the full validation pipeline over a parsed token request.
// httpReq may be nil when no TLS client certificate is in play.
func (v *TokenRequestValidator) Validate(ctx context.Context, treq *oauth2.TokenRequest, httpReq *http.Request) (*ValidatedTokenRequest, *TokenRequestError) {
	client, terr := v.clientValidator.ValidateClient(ctx, CredentialsFromRequest(treq, httpReq))
	if terr != nil {
		return nil, terr
	}

	if terr := v.checkGrantTypeAllowed(client, treq.GrantType); terr != nil {
		return nil, terr
	}

	switch treq.GrantType {
	case GrantTypeAuthorizationCode:
		return v.validateCodeGrant(ctx, client, treq)
	case GrantTypeRefreshToken:
		return v.validateRefreshGrant(ctx, client, treq)
	case GrantTypeClientCredentials:
		return v.validateClientCredentialsGrant(ctx, client, treq)
	case GrantTypePassword:
		return v.validatePasswordGrant(ctx, client, treq)
	default:
		return v.validateCustomGrant(ctx, client, treq)
	}
}

func (v *TokenRequestValidator) checkGrantTypeAllowed(client *Client, gt GrantType) *TokenRequestError {
	var ok bool
	switch gt {
	case GrantTypeAuthorizationCode:
		ok = client.AllowsFlow(FlowAuthorizationCode) || client.AllowsFlow(FlowHybrid)
	case GrantTypeRefreshToken:
		// Refresh tokens are only issued to flows that involve a user grant.
		ok = client.AllowsFlow(FlowAuthorizationCode) || client.AllowsFlow(FlowHybrid) || client.AllowsFlow(FlowResourceOwner)
	case GrantTypeClientCredentials:
		ok = client.AllowsFlow(FlowClientCredentials)
	case GrantTypePassword:
		ok = client.AllowsFlow(FlowResourceOwner)
	default:
		if _, known := v.customGrants[string(gt)]; !known {
			return &TokenRequestError{Code: ErrorCodeUnsupportedGrantType, Description: fmt.Sprintf("grant type %q is not supported", gt)}
		}
		ok = client.AllowsFlow(FlowCustom)
	}
	if !ok {
		return &TokenRequestError{Code: ErrorCodeUnauthorizedClient, Description: "client is not authorized for this grant type"}
	}
	return nil
}

func (v *TokenRequestValidator) validateCodeGrant(ctx context.Context, client *Client, treq *oauth2.TokenRequest) (*ValidatedTokenRequest, *TokenRequestError) {
	if treq.Code == "" {
		return nil, invalidGrant("code is required", nil)
	}

	tok, err := token.FromUser(treq.Code, tokenUsageAuthCode)
	if err != nil {
		return nil, invalidGrant("invalid code", err)
	}

	// The get-and-delete is atomic: a replayed code - even concurrently - is
	// simply not found.
	code, err := v.codes.GetAndDeleteCode(ctx, tok.StoredKey())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidGrant("invalid code", nil)
		}
		return nil, &TokenRequestError{Code: ErrorCodeServerError, Description: "internal error", Cause: fmt.Errorf("fetching code: %w", err)}
	}

	if code.Expired(v.now()) {
		return nil, invalidGrant("invalid code", fmt.Errorf("code expired at %s", code.CreationTime.Add(code.Lifetime)))
	}
	if code.ClientID != client.ID {
		return nil, invalidGrant("invalid code", fmt.Errorf("code issued to client %q, redeemed by %q", code.ClientID, client.ID))
	}
	// Exact equality with the value stored at authorize time, per RFC 6749
	// section 4.1.3.
	if treq.RedirectURI != code.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request", nil)
	}

	if terr := verifyPKCE(client, code, treq.CodeVerifier); terr != nil {
		return nil, terr
	}

	return &ValidatedTokenRequest{
		Client:    client,
		GrantType: GrantTypeAuthorizationCode,
		Code:      code,
		Subject:   &code.Subject,
		Scopes:    code.GrantedScopes,
		Raw:       treq.Raw,
	}, nil
}

// verifyPKCE checks the code verifier against the challenge bound to the
// code at authorization time.
func verifyPKCE(client *Client, code *AuthorizationCode, verifier string) *TokenRequestError {
	if code.CodeChallenge == "" {
		if verifier != "" {
			return invalidGrant("code_verifier provided but no code_challenge was registered", nil)
		}
		return nil
	}
	if verifier == "" {
		return invalidGrant("code_verifier is required", nil)
	}
	if len(verifier) < minCodeVerifierLength || len(verifier) > maxCodeVerifierLength {
		return invalidGrant("code_verifier length is out of bounds", nil)
	}

	var derived string
	switch code.CodeChallengeMethod {
	case CodeChallengeMethodPlain:
		derived = verifier
	case CodeChallengeMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		derived = base64.RawURLEncoding.EncodeToString(sum[:])
	default:
		return invalidGrant("unsupported code_challenge_method", fmt.Errorf("method %q stored on code", code.CodeChallengeMethod))
	}

	if subtle.ConstantTimeCompare([]byte(derived), []byte(code.CodeChallenge)) != 1 {
		return invalidGrant("PKCE verification failed", nil)
	}
	return nil
}

func (v *TokenRequestValidator) validateRefreshGrant(ctx context.Context, client *Client, treq *oauth2.TokenRequest) (*ValidatedTokenRequest, *TokenRequestError) {
	if treq.RefreshToken == "" {
		return nil, invalidGrant("refresh_token is required", nil)
	}

	tok, err := token.FromUser(treq.RefreshToken, tokenUsageRefresh)
	if err != nil {
		return nil, invalidGrant("invalid refresh token", err)
	}

	rt, err := v.refreshTokens.GetRefreshToken(ctx, tok.StoredKey())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidGrant("invalid refresh token", nil)
		}
		return nil, &TokenRequestError{Code: ErrorCodeServerError, Description: "internal error", Cause: fmt.Errorf("fetching refresh token: %w", err)}
	}

	if rt.ClientID != client.ID {
		return nil, invalidGrant("invalid refresh token", fmt.Errorf("token issued to client %q, presented by %q", rt.ClientID, client.ID))
	}
	if rt.Expired(v.now()) {
		return nil, invalidGrant("invalid refresh token", fmt.Errorf("token expired at %s", rt.CreationTime.Add(rt.Lifetime)))
	}

	// The subject must still be permitted to use the grant.
	if v.users != nil && rt.Subject.ID != "" {
		active, err := v.users.IsActive(ctx, rt.Subject.ID)
		if err != nil {
			return nil, &TokenRequestError{Code: ErrorCodeServerError, Description: "internal error", Cause: fmt.Errorf("checking subject: %w", err)}
		}
		if !active {
			return nil, invalidGrant("invalid refresh token", fmt.Errorf("subject %q is no longer active", rt.Subject.ID))
		}
	}

	return &ValidatedTokenRequest{
		Client:          client,
		GrantType:       GrantTypeRefreshToken,
		RefreshToken:    rt,
		RefreshTokenKey: tok.StoredKey(),
		Subject:         &rt.Subject,
		Scopes:          rt.AccessToken.Scopes(),
		Raw:             treq.Raw,
	}, nil
}

func (v *TokenRequestValidator) validateClientCredentialsGrant(ctx context.Context, client *Client, treq *oauth2.TokenRequest) (*ValidatedTokenRequest, *TokenRequestError) {
	scopes, resolved, terr := v.resolveGrantScopes(ctx, client, treq.Scopes, false)
	if terr != nil {
		return nil, terr
	}

	return &ValidatedTokenRequest{
		Client:          client,
		GrantType:       GrantTypeClientCredentials,
		Scopes:          scopes,
		ValidatedScopes: resolved,
		Raw:             treq.Raw,
	}, nil
}

func (v *TokenRequestValidator) validatePasswordGrant(ctx context.Context, client *Client, treq *oauth2.TokenRequest) (*ValidatedTokenRequest, *TokenRequestError) {
	if v.users == nil {
		return nil, &TokenRequestError{Code: ErrorCodeUnsupportedGrantType, Description: "grant type \"password\" is not supported"}
	}
	if treq.Username == "" || treq.Password == "" {
		return nil, invalidGrant("username and password are required", nil)
	}

	subject, err := v.users.Authenticate(ctx, treq.Username, treq.Password)
	if err != nil {
		return nil, &TokenRequestError{Code: ErrorCodeServerError, Description: "internal error", Cause: fmt.Errorf("authenticating user: %w", err)}
	}
	if subject == nil {
		// Unknown user and wrong password are deliberately the same answer.
		return nil, invalidGrant("invalid username or password", nil)
	}

	scopes, resolved, terr := v.resolveGrantScopes(ctx, client, treq.Scopes, true)
	if terr != nil {
		return nil, terr
	}

	return &ValidatedTokenRequest{
		Client:          client,
		GrantType:       GrantTypePassword,
		Subject:         subject,
		Scopes:          scopes,
		ValidatedScopes: resolved,
		Raw:             treq.Raw,
	}, nil
}

func (v *TokenRequestValidator) validateCustomGrant(ctx context.Context, client *Client, treq *oauth2.TokenRequest) (*ValidatedTokenRequest, *TokenRequestError) {
	validator := v.customGrants[string(treq.GrantType)]

	scopes, resolved, terr := v.resolveGrantScopes(ctx, client, treq.Scopes, false)
	if terr != nil {
		return nil, terr
	}

	vreq := &ValidatedTokenRequest{
		Client:          client,
		GrantType:       treq.GrantType,
		Scopes:          scopes,
		ValidatedScopes: resolved,
		Raw:             treq.Raw,
	}

	subject, terr := validator.ValidateGrant(ctx, vreq)
	if terr != nil {
		return nil, terr
	}
	vreq.Subject = subject
	return vreq, nil
}

// resolveGrantScopes validates the scopes for non-code grants: they must be a
// subset of the client's allowed scopes, and unless identity scopes are
// permitted for the grant, resource scopes only. An empty request defaults to
// everything the client is allowed.
func (v *TokenRequestValidator) resolveGrantScopes(ctx context.Context, client *Client, requested []string, allowIdentity bool) ([]string, []Scope, *TokenRequestError) {
	scopes := requested
	if len(scopes) == 0 {
		scopes = client.AllowedScopes
	}

	for _, sc := range scopes {
		if !client.AllowsScope(sc) {
			return nil, nil, &TokenRequestError{Code: ErrorCodeUnauthorizedClient, Description: fmt.Sprintf("scope %q is not allowed for this client", sc)}
		}
	}

	resolved, err := v.scopes.GetScopesByName(ctx, scopes)
	if err != nil {
		return nil, nil, &TokenRequestError{Code: ErrorCodeServerError, Description: "internal error", Cause: fmt.Errorf("resolving scopes: %w", err)}
	}
	if len(resolved) != len(scopes) {
		return nil, nil, &TokenRequestError{Code: ErrorCodeUnauthorizedClient, Description: "request contains unknown scopes"}
	}

	if !allowIdentity {
		// When the client asked for nothing and we defaulted to its allowed
		// set, drop identity scopes rather than rejecting the client's own
		// configuration. Explicitly requested identity scopes are an error.
		if len(requested) == 0 {
			var names []string
			var defs []Scope
			for _, sc := range resolved {
				if !sc.IsIdentity {
					names = append(names, sc.Name)
					defs = append(defs, sc)
				}
			}
			return names, defs, nil
		}
		for _, sc := range resolved {
			if sc.IsIdentity {
				return nil, nil, &TokenRequestError{Code: ErrorCodeUnauthorizedClient, Description: fmt.Sprintf("identity scope %q is not valid for this grant type", sc.Name)}
			}
		}
	}

	return scopes, resolved, nil
}
