package idpkit

import (
	"strings"
	"time"
)

// Flow is the OAuth2 grant flow a client is permitted to use.
type Flow string

const (
	FlowAuthorizationCode Flow = "authorization_code"
	FlowImplicit          Flow = "implicit"
	FlowHybrid            Flow = "hybrid"
	FlowClientCredentials Flow = "client_credentials"
	FlowResourceOwner     Flow = "password"
	FlowCustom            Flow = "custom"
)

// SecretType discriminates how a client secret value is interpreted and
// matched.
type SecretType string

const (
	// SecretTypeSharedHash is a PBKDF2 hash of a shared secret, in the format
	// produced by HashSecret.
	SecretTypeSharedHash SecretType = "shared_hash"
	// SecretTypeCertThumbprint is the hex SHA-256 thumbprint of an X.509
	// client certificate.
	SecretTypeCertThumbprint SecretType = "cert_thumbprint"
	// SecretTypeJWTBearer is a base64 DER X.509 certificate whose key signs
	// client assertion JWTs (RFC 7523).
	SecretTypeJWTBearer SecretType = "jwt_bearer"
)

// ClientSecret is a single credential registered for a client. Clients can
// hold several concurrently, which is what makes rotation possible.
type ClientSecret struct {
	Type  SecretType `json:"type"`
	Value string     `json:"value"`
	// Expiration is the time this secret stops being usable. Zero means it
	// does not expire.
	Expiration time.Time `json:"expiration,omitzero"`
}

// Expired reports whether the secret is expired at the given time.
func (s ClientSecret) Expired(now time.Time) bool {
	return !s.Expiration.IsZero() && now.After(s.Expiration)
}

// AccessTokenType selects the format access tokens are issued in.
type AccessTokenType string

const (
	// AccessTokenTypeJWT issues self-contained signed tokens.
	AccessTokenTypeJWT AccessTokenType = "jwt"
	// AccessTokenTypeReference issues opaque handles that are resolved
	// against the token handle store.
	AccessTokenTypeReference AccessTokenType = "reference"
)

// RefreshTokenUsage controls handle rotation on refresh.
type RefreshTokenUsage string

const (
	// RefreshTokenUsageOneTime invalidates the presented handle and issues a
	// new one on every refresh.
	RefreshTokenUsageOneTime RefreshTokenUsage = "one_time"
	// RefreshTokenUsageReuse keeps the same handle for the life of the token.
	RefreshTokenUsageReuse RefreshTokenUsage = "reuse"
)

// RefreshTokenExpiration controls how refresh token lifetime is computed.
type RefreshTokenExpiration string

const (
	// RefreshTokenExpirationAbsolute expires the token a fixed duration after
	// initial issuance.
	RefreshTokenExpirationAbsolute RefreshTokenExpiration = "absolute"
	// RefreshTokenExpirationSliding extends the lifetime on each refresh, but
	// never past the absolute maximum.
	RefreshTokenExpirationSliding RefreshTokenExpiration = "sliding"
)

// Client is a registered OAuth2/OIDC relying party.
type Client struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitzero"`
	Enabled bool   `json:"enabled"`

	// Secrets holds the registered credentials. Confidential flows require at
	// least one non-expired entry.
	Secrets []ClientSecret `json:"secrets,omitzero"`

	// Flows are the grant flows this client may use.
	Flows []Flow `json:"flows"`
	// RequirePKCE forces a proof key on the code exchange for this client.
	RequirePKCE bool `json:"requirePKCE,omitzero"`

	// AllowedScopes is the set of scope names this client may request.
	AllowedScopes []string `json:"allowedScopes,omitzero"`

	// RedirectURIs are compared against the request value as exact strings,
	// query included. No normalization is applied.
	RedirectURIs           []string `json:"redirectURIs,omitzero"`
	PostLogoutRedirectURIs []string `json:"postLogoutRedirectURIs,omitzero"`

	// RequireConsent forces the consent screen for every authorization.
	RequireConsent bool `json:"requireConsent,omitzero"`

	IdentityTokenLifetime time.Duration `json:"identityTokenLifetime,omitzero"`
	AccessTokenLifetime   time.Duration `json:"accessTokenLifetime,omitzero"`
	AuthorizationCodeLifetime time.Duration `json:"authorizationCodeLifetime,omitzero"`

	AbsoluteRefreshTokenLifetime time.Duration          `json:"absoluteRefreshTokenLifetime,omitzero"`
	SlidingRefreshTokenLifetime  time.Duration          `json:"slidingRefreshTokenLifetime,omitzero"`
	RefreshTokenUsage            RefreshTokenUsage      `json:"refreshTokenUsage,omitzero"`
	RefreshTokenExpiration       RefreshTokenExpiration `json:"refreshTokenExpiration,omitzero"`

	AccessTokenType AccessTokenType `json:"accessTokenType,omitzero"`
}

// AllowsFlow reports whether the client is configured for the given flow.
func (c *Client) AllowsFlow(f Flow) bool {
	for _, cf := range c.Flows {
		if cf == f {
			return true
		}
	}
	return false
}

// AllowsScope reports whether the client may request the named scope.
func (c *Client) AllowsScope(name string) bool {
	for _, s := range c.AllowedScopes {
		if s == name {
			return true
		}
	}
	return false
}

// HasUsableSecret reports whether any registered secret is still valid at the
// given time.
func (c *Client) HasUsableSecret(now time.Time) bool {
	for _, s := range c.Secrets {
		if !s.Expired(now) {
			return true
		}
	}
	return false
}

// ScopeClaim names a claim unlocked by a scope.
type ScopeClaim struct {
	Name string `json:"name"`
	// AlwaysIncludeInIDToken puts the claim in the ID token even when an
	// access token is issued alongside and userinfo would normally carry it.
	AlwaysIncludeInIDToken bool `json:"alwaysIncludeInIDToken,omitzero"`
}

// Scope is a named bundle of claims a client can request.
type Scope struct {
	Name string `json:"name"`
	// IsIdentity marks OpenID (identity) scopes, as opposed to resource
	// scopes.
	IsIdentity bool `json:"isIdentity,omitzero"`
	// Claims are the claim types this scope unlocks.
	Claims []ScopeClaim `json:"claims,omitzero"`
}

// Claim is a single (type, value) assertion about a subject.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// AuthenticatedSubject is the explicit identity carrier passed through the
// validators. It is never held in ambient/context state.
type AuthenticatedSubject struct {
	// ID is the unique subject identifier, used as the `sub` claim.
	ID string `json:"id"`
	// Claims are the claims established at authentication time.
	Claims []Claim `json:"claims,omitzero"`
	// AuthTime is when the subject last actively authenticated.
	AuthTime time.Time `json:"authTime"`
	// IdentityProvider names the upstream provider that authenticated the
	// subject, if any.
	IdentityProvider string `json:"idp,omitzero"`
}

// Token types, used as the Type tag on Token.
const (
	TokenTypeIdentity = "id_token"
	TokenTypeAccess   = "access_token"
)

// Token is an issued identity or access token, prior to serialization. Tokens
// are never mutated after issuance.
type Token struct {
	// Audience the token is intended for.
	Audience string `json:"aud"`
	// Issuer is the configured issuer URI.
	Issuer string `json:"iss"`
	// SubjectID is the authenticated subject, empty for client-only tokens.
	SubjectID string `json:"sub,omitzero"`
	// ClientID that the token was issued to.
	ClientID string `json:"clientID"`
	// CreationTime the token was issued at.
	CreationTime time.Time `json:"creationTime"`
	// Lifetime of the token from creation.
	Lifetime time.Duration `json:"lifetime"`
	// Type is TokenTypeIdentity or TokenTypeAccess.
	Type string `json:"type"`
	// Claims is the full claim set carried by the token.
	Claims []Claim `json:"claims,omitzero"`
}

// Expiry is the absolute time the token stops validating.
func (t *Token) Expiry() time.Time {
	return t.CreationTime.Add(t.Lifetime)
}

// ClaimValue returns the first claim of the given type, or "".
func (t *Token) ClaimValue(typ string) string {
	for _, c := range t.Claims {
		if c.Type == typ {
			return c.Value
		}
	}
	return ""
}

// ClaimValues returns all claims of the given type.
func (t *Token) ClaimValues(typ string) []string {
	var vals []string
	for _, c := range t.Claims {
		if c.Type == typ {
			vals = append(vals, c.Value)
		}
	}
	return vals
}

// Scopes returns the token's scope claims as a slice, splitting the
// space-joined form if present.
func (t *Token) Scopes() []string {
	var scopes []string
	for _, c := range t.Claims {
		if c.Type == "scope" {
			scopes = append(scopes, strings.Fields(c.Value)...)
		}
	}
	return scopes
}

// AuthorizationCode is the one-time artifact linking an authorize response to
// the token request that redeems it. Stored by opaque handle; consuming it
// deletes it atomically.
type AuthorizationCode struct {
	ClientID string               `json:"clientID"`
	Subject  AuthenticatedSubject `json:"subject"`

	RequestedScopes []string `json:"requestedScopes,omitzero"`
	GrantedScopes   []string `json:"grantedScopes,omitzero"`

	RedirectURI string `json:"redirectURI"`

	// IsOpenID records whether the openid scope was requested.
	IsOpenID bool `json:"isOpenID,omitzero"`
	// WasConsentShown records whether the consent screen was displayed.
	WasConsentShown bool `json:"wasConsentShown,omitzero"`

	Nonce string `json:"nonce,omitzero"`

	CodeChallenge       string `json:"codeChallenge,omitzero"`
	CodeChallengeMethod string `json:"codeChallengeMethod,omitzero"`

	// AccessTokenRequested records whether the flow also returns an access
	// token, which moves most profile claims to the userinfo endpoint.
	AccessTokenRequested bool `json:"accessTokenRequested,omitzero"`

	CreationTime time.Time `json:"creationTime"`
	// Lifetime the code is valid for. Expired codes are treated as not found.
	Lifetime time.Duration `json:"lifetime"`
}

// Expired reports whether the code is past its lifetime at the given time.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.CreationTime.Add(c.Lifetime))
}

// RefreshToken is the stored state behind a refresh token handle.
type RefreshToken struct {
	ClientID string               `json:"clientID"`
	Subject  AuthenticatedSubject `json:"subject"`

	CreationTime time.Time     `json:"creationTime"`
	Lifetime     time.Duration `json:"lifetime"`

	// AccessToken is the token this refresh token re-issues. Scopes and
	// claims for refreshed tokens come from here.
	AccessToken Token `json:"accessToken"`
}

// Expired reports whether the refresh token is past its lifetime.
func (r *RefreshToken) Expired(now time.Time) bool {
	return now.After(r.CreationTime.Add(r.Lifetime))
}
