package idpkit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/idpkit/idpkit/internal/oauth2"
	"github.com/idpkit/idpkit/internal/token"
)

// AuthorizationOutcome tells the embedding application what happened to an
// authorize request it handed to StartAuthorization.
type AuthorizationOutcome struct {
	Kind InteractionKind

	// SignIn is set when Kind is InteractionLogin: render the login page.
	SignIn *SignInMessage
	// Consent is set when Kind is InteractionConsent: render the consent page.
	Consent *ConsentRequest

	// Request is the validated request, set for login, consent and proceed
	// outcomes. The application passes it back to FinishAuthorization once
	// interaction completes.
	Request *ValidatedAuthorizeRequest
}

// StartAuthorization validates an authorize request and decides what must
// happen next. subject is the currently authenticated user, nil if none.
//
// Error outcomes and immediate (no interaction) grants are written to w by
// this method; for login and consent outcomes nothing is written and the
// application renders the appropriate page.
func (s *Server) StartAuthorization(w http.ResponseWriter, req *http.Request, subject *AuthenticatedSubject) (*AuthorizationOutcome, error) {
	ctx := req.Context()

	vreq, aerr := s.authorizeValidator.Validate(ctx, req)
	if aerr != nil {
		s.writeError(w, req, aerr.wire())
		return nil, aerr
	}

	res := s.interactions.Decide(vreq, subject, req.URL.String())
	switch res.Kind {
	case InteractionError:
		s.writeError(w, req, res.Error.wire())
		return nil, res.Error
	case InteractionLogin:
		return &AuthorizationOutcome{Kind: InteractionLogin, SignIn: res.SignIn, Request: vreq}, nil
	case InteractionConsent:
		return &AuthorizationOutcome{Kind: InteractionConsent, Consent: res.Consent, Request: vreq}, nil
	}

	// No interaction needed; the user implicitly grants everything requested.
	if err := s.FinishAuthorization(w, req, vreq, subject, vreq.RequestedScopes, false); err != nil {
		return nil, err
	}
	return &AuthorizationOutcome{Kind: InteractionProceed, Request: vreq}, nil
}

// FinishAuthorization issues the authorize response for a validated request.
// grantedScopes is what the user granted, normally the requested scopes or
// the subset approved on the consent page; scopes outside the request are
// ignored. consentShown records whether the consent page was displayed.
func (s *Server) FinishAuthorization(w http.ResponseWriter, req *http.Request, vreq *ValidatedAuthorizeRequest, subject *AuthenticatedSubject, grantedScopes []string, consentShown bool) error {
	ctx := req.Context()

	if subject == nil {
		err := fmt.Errorf("finishing authorization without an authenticated subject")
		s.writeError(w, req, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", Cause: err})
		return err
	}

	var granted []string
	for _, sc := range grantedScopes {
		if slices.Contains(vreq.RequestedScopes, sc) {
			granted = append(granted, sc)
		}
	}
	if len(granted) == 0 {
		return s.DenyAuthorization(w, req, vreq)
	}
	grantedDefs := make([]Scope, 0, len(granted))
	for _, def := range vreq.ValidatedScopes {
		if slices.Contains(granted, def.Name) {
			grantedDefs = append(grantedDefs, def)
		}
	}

	redir, err := url.Parse(vreq.RedirectURI)
	if err != nil {
		s.writeError(w, req, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "parsing validated redirect URI", Cause: err})
		return err
	}

	resp := &oauth2.AuthResponse{
		RedirectURI: redir,
		State:       vreq.State,
		UseFragment: vreq.Flow != FlowAuthorizationCode,
	}

	if vreq.ResponseType.IncludesCode() {
		code, err := s.issueCode(ctx, vreq, subject, granted, consentShown)
		if err != nil {
			s.writeError(w, req, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "issuing code", Cause: err})
			return err
		}
		resp.Code = code
	}

	creq := &TokenCreationRequest{
		Client:            vreq.Client,
		Subject:           subject,
		GrantedScopes:     granted,
		Scopes:            grantedDefs,
		Nonce:             vreq.Nonce,
		AccessTokenIssued: vreq.AccessTokenRequested,
	}

	if vreq.ResponseType.IncludesToken() {
		access, err := s.tokens.CreateAccessToken(ctx, creq)
		if err != nil {
			s.writeError(w, req, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "creating access token", Cause: err})
			return err
		}
		bearer, err := s.tokens.IssueAccessToken(ctx, vreq.Client, access)
		if err != nil {
			s.writeError(w, req, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "serializing access token", Cause: err})
			return err
		}
		resp.AccessToken = bearer
		resp.TokenType = "Bearer"
		resp.ExpiresIn = access.Lifetime
		resp.Scope = strings.Join(granted, " ")
	}

	if vreq.ResponseType.IncludesIDToken() {
		idtok, err := s.tokens.CreateIdentityToken(ctx, creq)
		if err != nil {
			s.writeError(w, req, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "creating identity token", Cause: err})
			return err
		}
		signed, err := s.tokens.CreateJSONWebToken(ctx, idtok)
		if err != nil {
			s.writeError(w, req, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "signing identity token", Cause: err})
			return err
		}
		resp.IDToken = signed
	}

	oauth2.SendAuthResponse(w, req, resp)
	return nil
}

// DenyAuthorization returns access_denied to the client, e.g. when the user
// rejected the consent page.
func (s *Server) DenyAuthorization(w http.ResponseWriter, req *http.Request, vreq *ValidatedAuthorizeRequest) error {
	aerr := clientError(ErrorCodeAccessDenied, "the resource owner denied the request",
		vreq.RedirectURI, vreq.State, vreq.Flow != FlowAuthorizationCode)
	s.writeError(w, req, aerr.wire())
	return nil
}

// issueCode stores a new authorization code and returns the opaque handle for
// the redirect.
func (s *Server) issueCode(ctx context.Context, vreq *ValidatedAuthorizeRequest, subject *AuthenticatedSubject, granted []string, consentShown bool) (string, error) {
	handle := token.New(tokenUsageAuthCode)

	lifetime := vreq.Client.AuthorizationCodeLifetime
	if lifetime == 0 {
		lifetime = s.config.AuthorizationCodeValidity
	}

	code := &AuthorizationCode{
		ClientID:             vreq.Client.ID,
		Subject:              *subject,
		RequestedScopes:      vreq.RequestedScopes,
		GrantedScopes:        granted,
		RedirectURI:          vreq.RedirectURI,
		IsOpenID:             vreq.IsOpenIDRequest && slices.Contains(granted, ScopeOpenID),
		WasConsentShown:      consentShown,
		Nonce:                vreq.Nonce,
		CodeChallenge:        vreq.CodeChallenge,
		CodeChallengeMethod:  vreq.CodeChallengeMethod,
		AccessTokenRequested: vreq.AccessTokenRequested,
		CreationTime:         s.now(),
		Lifetime:             lifetime,
	}
	if err := s.config.Codes.StoreCode(ctx, handle.StoredKey(), code); err != nil {
		return "", fmt.Errorf("storing code: %w", err)
	}
	return handle.User(), nil
}

// issueForGrant produces the token endpoint response for a validated token
// request.
func (s *Server) issueForGrant(ctx context.Context, treq *oauth2.TokenRequest, vreq *ValidatedTokenRequest) (*oauth2.TokenResponse, error) {
	if vreq.GrantType == GrantTypeRefreshToken {
		return s.issueForRefresh(ctx, treq, vreq)
	}

	granted := vreq.Scopes
	grantedDefs := vreq.ValidatedScopes
	if grantedDefs == nil && len(granted) > 0 {
		// Code-grant scopes were validated at authorize time; re-resolve the
		// definitions for claim selection.
		defs, err := s.config.Scopes.GetScopesByName(ctx, granted)
		if err != nil {
			return nil, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "resolving scopes", Cause: err}
		}
		grantedDefs = defs
	}

	creq := &TokenCreationRequest{
		Client:            vreq.Client,
		Subject:           vreq.Subject,
		GrantedScopes:     granted,
		Scopes:            grantedDefs,
		AccessTokenIssued: true,
	}
	issueIDToken := vreq.Subject != nil && slices.Contains(granted, ScopeOpenID)
	if vreq.Code != nil {
		creq.Nonce = vreq.Code.Nonce
		issueIDToken = vreq.Code.IsOpenID
	}

	access, err := s.tokens.CreateAccessToken(ctx, creq)
	if err != nil {
		return nil, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "creating access token", Cause: err}
	}
	bearer, err := s.tokens.IssueAccessToken(ctx, vreq.Client, access)
	if err != nil {
		return nil, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "serializing access token", Cause: err}
	}

	resp := &oauth2.TokenResponse{
		AccessToken: bearer,
		TokenType:   "Bearer",
		ExpiresIn:   access.Lifetime,
		Scope:       strings.Join(granted, " "),
	}

	if issueIDToken {
		idtok, err := s.tokens.CreateIdentityToken(ctx, creq)
		if err != nil {
			return nil, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "creating identity token", Cause: err}
		}
		signed, err := s.tokens.CreateJSONWebToken(ctx, idtok)
		if err != nil {
			return nil, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "signing identity token", Cause: err}
		}
		resp.IDToken = signed
	}

	// A grant is refreshable when it has a subject and offline_access was
	// granted.
	if vreq.Subject != nil && slices.Contains(granted, ScopeOfflineAccess) {
		rt, err := s.tokens.CreateRefreshToken(ctx, vreq.Client, vreq.Subject, access)
		if err != nil {
			return nil, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "creating refresh token", Cause: err}
		}
		resp.RefreshToken = rt
	}

	return resp, nil
}

// issueForRefresh re-issues the access token behind a refresh grant and
// rotates the handle per the client's usage policy.
func (s *Server) issueForRefresh(ctx context.Context, treq *oauth2.TokenRequest, vreq *ValidatedTokenRequest) (*oauth2.TokenResponse, error) {
	// The new access token mirrors the one granted originally, re-stamped.
	access := vreq.RefreshToken.AccessToken
	access.CreationTime = s.now()

	bearer, err := s.tokens.IssueAccessToken(ctx, vreq.Client, &access)
	if err != nil {
		return nil, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "serializing access token", Cause: err}
	}

	newHandle, err := s.tokens.RenewRefreshToken(ctx, vreq.Client, vreq.RefreshTokenKey, vreq.RefreshToken)
	if err != nil {
		return nil, &oauth2.HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "renewing refresh token", Cause: err}
	}
	if newHandle == "" {
		// Reuse policy: the presented handle stays valid.
		newHandle = treq.RefreshToken
	}

	return &oauth2.TokenResponse{
		AccessToken:  bearer,
		TokenType:    "Bearer",
		ExpiresIn:    access.Lifetime,
		RefreshToken: newHandle,
		Scope:        strings.Join(vreq.Scopes, " "),
	}, nil
}
