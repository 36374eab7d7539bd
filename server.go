// Package idpkit implements the protocol core of an OAuth2 / OpenID Connect
// identity provider: request validation, client authentication, interaction
// decisions and token issuance. The embedding application owns user sessions
// and the login/consent pages; this package owns everything between the
// protocol endpoints and the stores.
package idpkit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/idpkit/idpkit/discovery"
	"github.com/idpkit/idpkit/internal/oauth2"
)

// Default endpoint paths, used when the config leaves them empty.
const (
	DefaultAuthorizationEndpoint = "/authorize"
	DefaultTokenEndpoint         = "/token"
	DefaultUserinfoEndpoint      = "/userinfo"
	DefaultRevocationEndpoint    = "/revoke"
)

// ScopeOfflineAccess is the scope that makes a grant refreshable.
const ScopeOfflineAccess = "offline_access"

// Config wires the collaborators and policy for a Server.
type Config struct {
	// Issuer is the issuer URL this server serves for. Required.
	Issuer string

	// Clients resolves registered clients. Required.
	Clients ClientStore
	// Scopes resolves scope definitions. Required.
	Scopes ScopeStore
	// Codes stores one-time authorization codes. Required.
	Codes AuthorizationCodeStore
	// Tokens stores reference access tokens. Required only when a client is
	// configured for reference tokens.
	Tokens TokenHandleStore
	// RefreshTokens stores refresh token state. Required.
	RefreshTokens RefreshTokenStore
	// Replay tracks client assertion IDs. Defaults to an in-memory store.
	Replay ReplayStore
	// Users authenticates resource owners and serves their claims. May be nil
	// when the password grant and userinfo claims are not used.
	Users UserService

	// Signer signs and verifies issued JWTs. Required.
	Signer *KeysetSigner

	// RequestValidator is the optional final authorize validation stage.
	RequestValidator CustomRequestValidator
	// GrantValidators handle non-standard grant types.
	GrantValidators []CustomGrantValidator
	// ClaimsFilter can reshape claim sets before issuance.
	ClaimsFilter ExternalClaimsFilter
	// ConsentPolicy can force consent beyond the per-client flag.
	ConsentPolicy func(client *Client, scopes []Scope) bool

	// Logger receives warnings and request rejections. Defaults to discarding.
	Logger *slog.Logger

	// AuthorizationCodeValidity is the default code lifetime, used when the
	// client registration does not set one.
	AuthorizationCodeValidity time.Duration

	// AuthorizationPath is published in discovery metadata. The authorize flow
	// itself is driven by the embedding application via StartAuthorization.
	AuthorizationPath string
	TokenPath         string
	UserinfoPath      string
	RevocationPath    string

	now func() time.Time
}

// Server handles the protocol endpoints. The embedding application mounts it
// for token/userinfo/revocation/discovery, and calls StartAuthorization and
// FinishAuthorization from its own authorize endpoint handler.
type Server struct {
	config    Config
	issuerURL *url.URL
	mux       *http.ServeMux

	logger *slog.Logger

	authorizeValidator *AuthorizeValidator
	tokenValidator     *TokenRequestValidator
	interactions       *InteractionGenerator
	tokens             *TokenService

	now func() time.Time
}

// NewServer validates the config and builds the server.
func NewServer(c Config) (*Server, error) {
	if c.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	issURL, err := url.Parse(c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("parsing issuer: %w", err)
	}
	if c.Clients == nil {
		return nil, fmt.Errorf("clients is required")
	}
	if c.Scopes == nil {
		return nil, fmt.Errorf("scopes is required")
	}
	if c.Codes == nil {
		return nil, fmt.Errorf("codes is required")
	}
	if c.RefreshTokens == nil {
		return nil, fmt.Errorf("refresh tokens is required")
	}
	if c.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}

	if c.Replay == nil {
		c.Replay = NewMemStores()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.AuthorizationCodeValidity == 0 {
		c.AuthorizationCodeValidity = DefaultAuthorizationCodeLifetime
	}
	if c.AuthorizationPath == "" {
		c.AuthorizationPath = DefaultAuthorizationEndpoint
	}
	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenEndpoint
	}
	if c.UserinfoPath == "" {
		c.UserinfoPath = DefaultUserinfoEndpoint
	}
	if c.RevocationPath == "" {
		c.RevocationPath = DefaultRevocationEndpoint
	}
	if c.now == nil {
		c.now = time.Now
	}

	tokenEndpoint := issURL.ResolveReference(&url.URL{Path: c.TokenPath}).String()

	clientValidator := NewClientValidator(c.Clients, c.Replay, tokenEndpoint)
	svr := &Server{
		config:             c,
		issuerURL:          issURL,
		mux:                http.NewServeMux(),
		logger:             c.Logger,
		authorizeValidator: NewAuthorizeValidator(c.Clients, c.Scopes, c.RequestValidator),
		tokenValidator:     NewTokenRequestValidator(clientValidator, c.Codes, c.RefreshTokens, c.Scopes, c.Users, c.GrantValidators),
		interactions:       NewInteractionGenerator(c.ConsentPolicy),
		tokens:             NewTokenService(c.Issuer, c.Signer, c.Signer, c.Users, c.Tokens, c.RefreshTokens, c.ClaimsFilter),
		now:                c.now,
	}

	discoh, err := discovery.NewConfigurationHandler(svr.buildMetadata(), &signerJWKSSource{signer: c.Signer})
	if err != nil {
		return nil, fmt.Errorf("creating configuration handler: %w", err)
	}

	svr.mux.Handle("GET /.well-known/openid-configuration", discoh)
	svr.mux.Handle("GET /.well-known/jwks.json", discoh)

	svr.mux.Handle("POST "+c.TokenPath, http.HandlerFunc(svr.Token))
	svr.mux.Handle("GET "+c.UserinfoPath, http.HandlerFunc(svr.Userinfo))
	svr.mux.Handle("POST "+c.UserinfoPath, http.HandlerFunc(svr.Userinfo))
	svr.mux.Handle("POST "+c.RevocationPath, http.HandlerFunc(svr.Revoke))

	return svr, nil
}

// signerJWKSSource adapts the keyset signer to the discovery JWKS source.
type signerJWKSSource struct {
	signer *KeysetSigner
}

func (s *signerJWKSSource) GetJWKS(ctx context.Context) ([]byte, error) {
	return s.signer.JWKS(ctx)
}

func (s *Server) buildMetadata() *discovery.ProviderMetadata {
	grantTypes := []string{
		string(GrantTypeAuthorizationCode),
		string(GrantTypeRefreshToken),
		string(GrantTypeClientCredentials),
		string(GrantTypePassword),
	}
	for _, v := range s.config.GrantValidators {
		grantTypes = append(grantTypes, v.GrantTypes()...)
	}

	return &discovery.ProviderMetadata{
		Issuer: s.config.Issuer,
		ResponseTypesSupported: []string{
			"code",
			"token",
			"id_token",
			"id_token token",
			"code id_token",
			"code token",
			"code id_token token",
		},
		ResponseModesSupported:           []string{"query", "fragment"},
		GrantTypesSupported:              grantTypes,
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: s.config.Signer.SupportedAlgorithms(),
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic",
			"client_secret_post",
			"private_key_jwt",
			"tls_client_auth",
		},
		CodeChallengeMethodsSupported: []string{CodeChallengeMethodPlain, CodeChallengeMethodS256},
		JWKSURI:                       s.issuerURL.ResolveReference(&url.URL{Path: "/.well-known/jwks.json"}).String(),
		AuthorizationEndpoint:         s.issuerURL.ResolveReference(&url.URL{Path: s.config.AuthorizationPath}).String(),
		TokenEndpoint:                 s.issuerURL.ResolveReference(&url.URL{Path: s.config.TokenPath}).String(),
		UserinfoEndpoint:              s.issuerURL.ResolveReference(&url.URL{Path: s.config.UserinfoPath}).String(),
		RevocationEndpoint:            s.issuerURL.ResolveReference(&url.URL{Path: s.config.RevocationPath}).String(),
	}
}

// ServeHTTP handles requests on the token, userinfo and revocation paths, and
// the two well-known discovery paths. The authorization path is not handled
// here; it belongs to the embedding application.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(w, req)
}

// Token handles a token endpoint request: client authentication, grant
// validation, then issuance.
func (s *Server) Token(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	treq, err := oauth2.ParseTokenRequest(req)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	vreq, terr := s.tokenValidator.Validate(ctx, treq, req)
	if terr != nil {
		s.writeError(w, req, terr.wire())
		return
	}

	resp, err := s.issueForGrant(ctx, treq, vreq)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	if err := oauth2.WriteTokenResponse(w, resp); err != nil {
		s.logger.WarnContext(ctx, "writing token response", "err", err)
	}
}

// Userinfo handles a userinfo endpoint request, resolving the bearer token to
// its subject and returning the claims the token's scopes unlock.
func (s *Server) Userinfo(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	authz := req.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || bearer == "" {
		s.writeError(w, req, &oauth2.HTTPError{
			Code:            http.StatusUnauthorized,
			WWWAuthenticate: (&oauth2.BearerError{}).String(),
			CauseMsg:        "no bearer token on userinfo request",
		})
		return
	}

	tok, err := s.tokens.ValidateAccessToken(ctx, bearer)
	if err != nil {
		s.writeError(w, req, &oauth2.HTTPError{
			Code:            http.StatusUnauthorized,
			WWWAuthenticate: (&oauth2.BearerError{Code: oauth2.BearerErrorCodeInvalidToken, Description: "invalid access token"}).String(),
			Cause:           err,
		})
		return
	}
	if tok.SubjectID == "" {
		s.writeError(w, req, &oauth2.HTTPError{
			Code:            http.StatusForbidden,
			WWWAuthenticate: (&oauth2.BearerError{Code: oauth2.BearerErrorCodeInsufficentScope, Description: "token has no subject"}).String(),
		})
		return
	}

	claims, err := s.userinfoClaims(ctx, tok)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	if err := oauth2.WriteUserinfoResponse(w, claims); err != nil {
		s.logger.WarnContext(ctx, "writing userinfo response", "err", err)
	}
}

// userinfoClaims builds the flat claim map for a validated access token.
func (s *Server) userinfoClaims(ctx context.Context, tok *Token) (map[string]any, error) {
	out := map[string]any{"sub": tok.SubjectID}

	scopeNames := tok.Scopes()
	if len(scopeNames) == 0 || s.config.Users == nil {
		return out, nil
	}

	scopes, err := s.config.Scopes.GetScopesByName(ctx, scopeNames)
	if err != nil {
		return nil, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "resolving token scopes", Cause: err}
	}
	claimTypes := identityClaimTypes(scopes, false)
	if len(claimTypes) == 0 {
		return out, nil
	}

	claims, err := s.config.Users.GetClaims(ctx, tok.SubjectID, claimTypes)
	if err != nil {
		return nil, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "fetching claims", Cause: err}
	}
	for k, v := range jwtCustomClaims(claims) {
		out[k] = v
	}
	return out, nil
}

// Revoke handles an RFC 7009 revocation request. Unknown, already-revoked and
// foreign tokens all produce the same 200, so callers learn nothing.
func (s *Server) Revoke(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	treq, err := oauth2.ParseRevocationRequest(req)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	client, terr := s.tokenValidator.clientValidator.ValidateClient(ctx, CredentialsFromRequest(treq, req))
	if terr != nil {
		s.writeError(w, req, terr.wire())
		return
	}

	if err := s.tokens.RevokeToken(ctx, client, treq.Token); err != nil {
		s.writeError(w, req, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "revoking token", Cause: err})
		return
	}

	w.WriteHeader(http.StatusOK)
}

// writeError logs and renders an error in its wire format.
func (s *Server) writeError(w http.ResponseWriter, req *http.Request, err error) {
	s.logger.WarnContext(req.Context(), "request failed", "path", req.URL.Path, "err", err)
	if werr := oauth2.WriteError(w, req, err); werr != nil {
		s.logger.ErrorContext(req.Context(), "writing error response", "err", werr)
	}
}
