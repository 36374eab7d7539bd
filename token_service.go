package idpkit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tink-crypto/tink-go/v2/jwt"

	"github.com/idpkit/idpkit/internal/token"
)

// Default lifetimes, applied when the client registration leaves one zero.
const (
	DefaultIdentityTokenLifetime        = 5 * time.Minute
	DefaultAccessTokenLifetime          = 1 * time.Hour
	DefaultAuthorizationCodeLifetime    = 5 * time.Minute
	DefaultAbsoluteRefreshTokenLifetime = 30 * 24 * time.Hour
	DefaultSlidingRefreshTokenLifetime  = 15 * 24 * time.Hour
)

// Claim types this package sets itself.
const (
	claimTypeClientID = "client_id"
	claimTypeScope    = "scope"
	claimTypeNonce    = "nonce"
	claimTypeAuthTime = "auth_time"
	claimTypeIDP      = "idp"
)

// typeHeaderAccessToken is the JOSE typ for JWT access tokens (RFC 9068).
const typeHeaderAccessToken = "at+jwt"

// TokenCreationRequest is the input to the token creation services, assembled
// by the server from a validated authorize or token request.
type TokenCreationRequest struct {
	Client  *Client
	Subject *AuthenticatedSubject

	// GrantedScopes are the scope names the tokens cover; Scopes are their
	// resolved definitions.
	GrantedScopes []string
	Scopes        []Scope

	// Nonce from the authorize request, echoed into the ID token.
	Nonce string

	// AccessTokenIssued is set when an access token accompanies the ID token.
	// Profile claims then move to the userinfo endpoint, except those marked
	// AlwaysIncludeInIDToken.
	AccessTokenIssued bool
}

// TokenService creates, serializes, stores and validates issued tokens.
type TokenService struct {
	issuer        string
	signer        TokenSigner
	verifier      TokenVerifier
	users         UserService
	tokens        TokenHandleStore
	refreshTokens RefreshTokenStore
	claimsFilter  ExternalClaimsFilter

	identityTokenLifetime time.Duration
	accessTokenLifetime   time.Duration

	now func() time.Time
}

// NewTokenService constructs the issuance service. users and claimsFilter may
// be nil; tokens and refreshTokens are required only when reference access
// tokens or refresh tokens are issued.
func NewTokenService(issuer string, signer TokenSigner, verifier TokenVerifier, users UserService, tokens TokenHandleStore, refreshTokens RefreshTokenStore, claimsFilter ExternalClaimsFilter) *TokenService {
	return &TokenService{
		issuer:                issuer,
		signer:                signer,
		verifier:              verifier,
		users:                 users,
		tokens:                tokens,
		refreshTokens:         refreshTokens,
		claimsFilter:          claimsFilter,
		identityTokenLifetime: DefaultIdentityTokenLifetime,
		accessTokenLifetime:   DefaultAccessTokenLifetime,
		now:                   time.Now,
	}
}

// CreateIdentityToken builds an ID token for the request's subject. When an
// access token is issued alongside, profile claims are left to the userinfo
// endpoint unless the scope marks them AlwaysIncludeInIDToken.
func (s *TokenService) CreateIdentityToken(ctx context.Context, req *TokenCreationRequest) (*Token, error) {
	if req.Subject == nil {
		return nil, fmt.Errorf("identity token requires a subject")
	}

	claims := make([]Claim, 0, len(req.Subject.Claims)+4)
	claims = append(claims, req.Subject.Claims...)

	if !req.Subject.AuthTime.IsZero() {
		claims = append(claims, Claim{Type: claimTypeAuthTime, Value: strconv.FormatInt(req.Subject.AuthTime.Unix(), 10)})
	}
	if req.Subject.IdentityProvider != "" {
		claims = append(claims, Claim{Type: claimTypeIDP, Value: req.Subject.IdentityProvider})
	}
	if req.Nonce != "" {
		claims = append(claims, Claim{Type: claimTypeNonce, Value: req.Nonce})
	}

	claimTypes := identityClaimTypes(req.Scopes, req.AccessTokenIssued)
	if len(claimTypes) > 0 && s.users != nil {
		profile, err := s.users.GetClaims(ctx, req.Subject.ID, claimTypes)
		if err != nil {
			return nil, fmt.Errorf("fetching profile claims: %w", err)
		}
		claims = mergeClaims(claims, profile)
	}

	if s.claimsFilter != nil {
		claims = s.claimsFilter.FilterClaims(ctx, req.Client, req.Scopes, claims)
	}

	lifetime := req.Client.IdentityTokenLifetime
	if lifetime == 0 {
		lifetime = s.identityTokenLifetime
	}

	return &Token{
		Audience:     req.Client.ID,
		Issuer:       s.issuer,
		SubjectID:    req.Subject.ID,
		ClientID:     req.Client.ID,
		CreationTime: s.now(),
		Lifetime:     lifetime,
		Type:         TokenTypeIdentity,
		Claims:       claims,
	}, nil
}

// identityClaimTypes collects the claim types unlocked by the identity scopes.
// With an access token present only the always-include claims remain.
func identityClaimTypes(scopes []Scope, accessTokenIssued bool) []string {
	var types []string
	seen := make(map[string]bool)
	for _, sc := range scopes {
		if !sc.IsIdentity {
			continue
		}
		for _, cl := range sc.Claims {
			if accessTokenIssued && !cl.AlwaysIncludeInIDToken {
				continue
			}
			if !seen[cl.Name] {
				seen[cl.Name] = true
				types = append(types, cl.Name)
			}
		}
	}
	return types
}

// mergeClaims appends extras, dropping exact (type, value) duplicates.
func mergeClaims(claims, extra []Claim) []Claim {
	seen := make(map[Claim]bool, len(claims))
	for _, c := range claims {
		seen[c] = true
	}
	for _, c := range extra {
		if !seen[c] {
			seen[c] = true
			claims = append(claims, c)
		}
	}
	return claims
}

// CreateAccessToken builds an access token for the request. Subject may be
// nil for client-only grants.
func (s *TokenService) CreateAccessToken(ctx context.Context, req *TokenCreationRequest) (*Token, error) {
	claims := []Claim{{Type: claimTypeClientID, Value: req.Client.ID}}
	if len(req.GrantedScopes) > 0 {
		claims = append(claims, Claim{Type: claimTypeScope, Value: strings.Join(req.GrantedScopes, " ")})
	}

	var subjectID string
	if req.Subject != nil {
		subjectID = req.Subject.ID
		if !req.Subject.AuthTime.IsZero() {
			claims = append(claims, Claim{Type: claimTypeAuthTime, Value: strconv.FormatInt(req.Subject.AuthTime.Unix(), 10)})
		}
		if req.Subject.IdentityProvider != "" {
			claims = append(claims, Claim{Type: claimTypeIDP, Value: req.Subject.IdentityProvider})
		}
	}

	if s.claimsFilter != nil {
		claims = s.claimsFilter.FilterClaims(ctx, req.Client, req.Scopes, claims)
	}

	lifetime := req.Client.AccessTokenLifetime
	if lifetime == 0 {
		lifetime = s.accessTokenLifetime
	}

	return &Token{
		Audience:     strings.TrimSuffix(s.issuer, "/") + "/resources",
		Issuer:       s.issuer,
		SubjectID:    subjectID,
		ClientID:     req.Client.ID,
		CreationTime: s.now(),
		Lifetime:     lifetime,
		Type:         TokenTypeAccess,
		Claims:       claims,
	}, nil
}

// CreateJSONWebToken serializes and signs a token as a compact JWT. Access
// tokens carry the at+jwt type header.
func (s *TokenService) CreateJSONWebToken(ctx context.Context, tok *Token) (string, error) {
	exp := tok.Expiry()
	opts := &jwt.RawJWTOptions{
		Issuer:    &tok.Issuer,
		Audience:  &tok.Audience,
		IssuedAt:  &tok.CreationTime,
		ExpiresAt: &exp,
	}
	if tok.SubjectID != "" {
		opts.Subject = &tok.SubjectID
	}
	if tok.Type == TokenTypeAccess {
		typ := typeHeaderAccessToken
		opts.TypeHeader = &typ
		jti := uuid.NewString()
		opts.JWTID = &jti
	}

	opts.CustomClaims = jwtCustomClaims(tok.Claims)

	raw, err := jwt.NewRawJWT(opts)
	if err != nil {
		return "", fmt.Errorf("building raw JWT: %w", err)
	}
	signed, err := s.signer.SignAndEncode(ctx, s.signer.DefaultAlgorithm(), raw)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// jwtCustomClaims converts the claim set to a JWT custom claims map. Repeated
// claim types become arrays, auth_time becomes a number.
func jwtCustomClaims(claims []Claim) map[string]any {
	if len(claims) == 0 {
		return nil
	}
	out := make(map[string]any, len(claims))
	for _, c := range claims {
		var val any = c.Value
		if c.Type == claimTypeAuthTime {
			if n, err := strconv.ParseInt(c.Value, 10, 64); err == nil {
				val = float64(n)
			}
		}
		switch existing := out[c.Type].(type) {
		case nil:
			out[c.Type] = val
		case []any:
			out[c.Type] = append(existing, val)
		default:
			out[c.Type] = []any{existing, val}
		}
	}
	return out
}

// IssueAccessToken serializes an access token in the client's configured
// format, returning the bearer value handed to the client. Reference tokens
// are stored and an opaque handle returned instead of a JWT.
func (s *TokenService) IssueAccessToken(ctx context.Context, client *Client, tok *Token) (string, error) {
	if client.AccessTokenType == AccessTokenTypeReference {
		if s.tokens == nil {
			return "", fmt.Errorf("reference tokens require a token handle store")
		}
		handle := token.New(tokenUsageReference)
		if err := s.tokens.StoreToken(ctx, handle.StoredKey(), tok); err != nil {
			return "", fmt.Errorf("storing reference token: %w", err)
		}
		return handle.User(), nil
	}
	return s.CreateJSONWebToken(ctx, tok)
}

// ValidateAccessToken resolves a presented bearer value to the token it
// represents, verifying signature and expiry for JWTs and store presence and
// expiry for reference handles.
func (s *TokenService) ValidateAccessToken(ctx context.Context, bearer string) (*Token, error) {
	// Opaque handles decode as bare base64url; JWTs never do. Without a handle
	// store no reference tokens exist, so everything is tried as a JWT.
	if s.tokens != nil {
		if handle, err := token.FromUser(bearer, tokenUsageReference); err == nil {
			tok, err := s.tokens.GetToken(ctx, handle.StoredKey())
			if err != nil {
				return nil, fmt.Errorf("resolving token handle: %w", err)
			}
			if s.now().After(tok.Expiry()) {
				return nil, fmt.Errorf("token expired at %s", tok.Expiry())
			}
			return tok, nil
		}
	}

	typ := typeHeaderAccessToken
	validator, err := jwt.NewValidator(&jwt.ValidatorOpts{
		ExpectedIssuer:     &s.issuer,
		ExpectedTypeHeader: &typ,
		IgnoreAudiences:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("building validator: %w", err)
	}
	verified, err := s.verifier.VerifyAndDecode(ctx, bearer, validator)
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}
	return tokenFromVerifiedJWT(verified)
}

// tokenFromVerifiedJWT reconstructs the parts of a Token the bearer-protected
// endpoints need from a verified JWT.
func tokenFromVerifiedJWT(verified *jwt.VerifiedJWT) (*Token, error) {
	tok := &Token{Type: TokenTypeAccess}

	if verified.HasSubject() {
		sub, err := verified.Subject()
		if err != nil {
			return nil, fmt.Errorf("reading subject: %w", err)
		}
		tok.SubjectID = sub
	}
	if verified.HasIssuer() {
		iss, err := verified.Issuer()
		if err != nil {
			return nil, fmt.Errorf("reading issuer: %w", err)
		}
		tok.Issuer = iss
	}
	if verified.HasStringClaim(claimTypeClientID) {
		cid, err := verified.StringClaim(claimTypeClientID)
		if err != nil {
			return nil, fmt.Errorf("reading client_id: %w", err)
		}
		tok.ClientID = cid
		tok.Claims = append(tok.Claims, Claim{Type: claimTypeClientID, Value: cid})
	}
	if verified.HasStringClaim(claimTypeScope) {
		scope, err := verified.StringClaim(claimTypeScope)
		if err != nil {
			return nil, fmt.Errorf("reading scope: %w", err)
		}
		tok.Claims = append(tok.Claims, Claim{Type: claimTypeScope, Value: scope})
	}
	return tok, nil
}

// CreateRefreshToken stores a new refresh token wrapping the access token and
// returns the opaque handle for the client.
func (s *TokenService) CreateRefreshToken(ctx context.Context, client *Client, subject *AuthenticatedSubject, accessToken *Token) (string, error) {
	if s.refreshTokens == nil {
		return "", fmt.Errorf("refresh tokens require a refresh token store")
	}
	if subject == nil {
		return "", fmt.Errorf("refresh token requires a subject")
	}

	lifetime := s.refreshLifetime(client)

	handle := token.New(tokenUsageRefresh)
	rt := &RefreshToken{
		ClientID:     client.ID,
		Subject:      *subject,
		CreationTime: s.now(),
		Lifetime:     lifetime,
		AccessToken:  *accessToken,
	}
	if err := s.refreshTokens.StoreRefreshToken(ctx, handle.StoredKey(), rt); err != nil {
		return "", fmt.Errorf("storing refresh token: %w", err)
	}
	return handle.User(), nil
}

// refreshLifetime computes the initial lifetime from the client's expiration
// policy.
func (s *TokenService) refreshLifetime(client *Client) time.Duration {
	absolute := client.AbsoluteRefreshTokenLifetime
	if absolute == 0 {
		absolute = DefaultAbsoluteRefreshTokenLifetime
	}
	if client.RefreshTokenExpiration != RefreshTokenExpirationSliding {
		return absolute
	}
	sliding := client.SlidingRefreshTokenLifetime
	if sliding == 0 {
		sliding = DefaultSlidingRefreshTokenLifetime
	}
	if sliding > absolute {
		return absolute
	}
	return sliding
}

// RenewRefreshToken updates the presented refresh token after a successful
// refresh grant. With one-time usage the old handle is deleted first and a
// fresh handle returned; a crash between delete and store costs the client a
// re-authorization, never a replayable handle. The returned string is empty
// when the presented handle remains valid.
func (s *TokenService) RenewRefreshToken(ctx context.Context, client *Client, key string, rt *RefreshToken) (string, error) {
	updated := *rt

	if client.RefreshTokenExpiration == RefreshTokenExpirationSliding {
		absolute := client.AbsoluteRefreshTokenLifetime
		if absolute == 0 {
			absolute = DefaultAbsoluteRefreshTokenLifetime
		}
		sliding := client.SlidingRefreshTokenLifetime
		if sliding == 0 {
			sliding = DefaultSlidingRefreshTokenLifetime
		}
		// Slide the window, capped at the absolute maximum from creation.
		newExpiry := s.now().Add(sliding)
		maxExpiry := rt.CreationTime.Add(absolute)
		if newExpiry.After(maxExpiry) {
			newExpiry = maxExpiry
		}
		updated.Lifetime = newExpiry.Sub(rt.CreationTime)
	}

	if client.RefreshTokenUsage == RefreshTokenUsageReuse {
		if err := s.refreshTokens.StoreRefreshToken(ctx, key, &updated); err != nil {
			return "", fmt.Errorf("updating refresh token: %w", err)
		}
		return "", nil
	}

	// One-time usage: the old handle dies before the new one exists.
	if err := s.refreshTokens.DeleteRefreshToken(ctx, key); err != nil {
		return "", fmt.Errorf("deleting rotated refresh token: %w", err)
	}
	handle := token.New(tokenUsageRefresh)
	if err := s.refreshTokens.StoreRefreshToken(ctx, handle.StoredKey(), &updated); err != nil {
		return "", fmt.Errorf("storing rotated refresh token: %w", err)
	}
	return handle.User(), nil
}

// RevokeToken removes a presented token handle. Unknown or JWT-format tokens
// revoke to nothing silently, per RFC 7009 section 2.2. Tokens belonging to a
// different client are left untouched.
//
// The same handle bytes derive a different stored key per usage, so deriving
// never fails for the wrong kind; a store miss under one usage just means
// trying the next.
func (s *TokenService) RevokeToken(ctx context.Context, client *Client, presented string) error {
	if handle, err := token.FromUser(presented, tokenUsageRefresh); err == nil && s.refreshTokens != nil {
		if rt, err := s.refreshTokens.GetRefreshToken(ctx, handle.StoredKey()); err == nil {
			if rt.ClientID != client.ID {
				return nil
			}
			return s.refreshTokens.DeleteRefreshToken(ctx, handle.StoredKey())
		}
	}
	if handle, err := token.FromUser(presented, tokenUsageReference); err == nil && s.tokens != nil {
		if tok, err := s.tokens.GetToken(ctx, handle.StoredKey()); err == nil {
			if tok.ClientID != client.ID {
				return nil
			}
			return s.tokens.DeleteToken(ctx, handle.StoredKey())
		}
	}
	// Self-contained JWTs cannot be revoked; RFC 7009 says succeed anyway.
	return nil
}
