package idpkit

import (
	"time"

	"golang.org/x/text/language"
)

// InteractionKind is what must happen before the authorize request can be
// fulfilled.
type InteractionKind int

const (
	// InteractionProceed means issuance can continue immediately.
	InteractionProceed InteractionKind = iota
	// InteractionLogin means the user must (re)authenticate.
	InteractionLogin
	// InteractionConsent means the user must be shown the consent screen.
	InteractionConsent
	// InteractionError means the request must be rejected.
	InteractionError
)

// SignInMessage carries what the login page needs to resume the flow.
type SignInMessage struct {
	// ReturnURL resumes the authorization once login completes.
	ReturnURL string
	// IdentityProvider is the requested upstream provider, if any.
	IdentityProvider string
	// DisplayMode is the OIDC display parameter.
	DisplayMode string
	// UILocales are the user's requested locales.
	UILocales []language.Tag
	// LoginHint is the OIDC login_hint parameter.
	LoginHint string
}

// ConsentRequest carries what the consent page needs.
type ConsentRequest struct {
	Client *Client
	// Scopes the user is being asked to grant.
	Scopes []Scope
}

// InteractionResult is the decision for a single authorize request.
type InteractionResult struct {
	Kind InteractionKind

	// SignIn is set when Kind is InteractionLogin.
	SignIn *SignInMessage
	// Consent is set when Kind is InteractionConsent.
	Consent *ConsentRequest
	// Error is set when Kind is InteractionError.
	Error *AuthorizeError
}

// InteractionGenerator decides whether login or consent must be shown before
// a validated authorize request can be fulfilled. It is a pure function of
// the request and the current user; it holds no per-request state.
type InteractionGenerator struct {
	// consentRequired can impose deployment-wide consent policy on top of
	// the per-client flag. May be nil.
	consentRequired func(client *Client, scopes []Scope) bool

	now func() time.Time
}

// NewInteractionGenerator constructs a generator. consentPolicy may be nil,
// in which case only the client's RequireConsent flag forces consent.
func NewInteractionGenerator(consentPolicy func(client *Client, scopes []Scope) bool) *InteractionGenerator {
	return &InteractionGenerator{
		consentRequired: consentPolicy,
		now:             time.Now,
	}
}

// Decide evaluates the request against the current subject. subject is nil
// when no user is authenticated. returnURL is where login should resume.
//
// The login check always runs before the consent check: consent must never be
// evaluated for an unauthenticated user.
func (g *InteractionGenerator) Decide(req *ValidatedAuthorizeRequest, subject *AuthenticatedSubject, returnURL string) *InteractionResult {
	needsLogin := subject == nil

	// An authenticated session that is older than max_age does not count.
	if !needsLogin && req.HasMaxAge {
		expires := subject.AuthTime.Add(time.Duration(req.MaxAge) * time.Second)
		if g.now().After(expires) {
			needsLogin = true
		}
	}
	// prompt=login forces fresh authentication regardless of session state.
	if req.Prompt == PromptLogin {
		needsLogin = true
	}

	if needsLogin {
		if req.Prompt == PromptNone {
			// The client asked for no interaction; we cannot redirect to
			// login, so this is a protocol error back to the client.
			return &InteractionResult{
				Kind: InteractionError,
				Error: clientError(ErrorCodeInteractionRequired, "user interaction is required", req.RedirectURI, req.State,
					req.Flow != FlowAuthorizationCode),
			}
		}
		return &InteractionResult{
			Kind: InteractionLogin,
			SignIn: &SignInMessage{
				ReturnURL:   returnURL,
				DisplayMode: req.Display,
				UILocales:   req.UILocales,
				LoginHint:   req.LoginHint,
			},
		}
	}

	needsConsent := req.Client.RequireConsent || req.Prompt == PromptConsent
	if !needsConsent && g.consentRequired != nil {
		needsConsent = g.consentRequired(req.Client, req.ValidatedScopes)
	}
	if needsConsent {
		if req.Prompt == PromptNone {
			return &InteractionResult{
				Kind: InteractionError,
				Error: clientError(ErrorCodeInteractionRequired, "consent is required", req.RedirectURI, req.State,
					req.Flow != FlowAuthorizationCode),
			}
		}
		return &InteractionResult{
			Kind: InteractionConsent,
			Consent: &ConsentRequest{
				Client: req.Client,
				Scopes: req.ValidatedScopes,
			},
		}
	}

	return &InteractionResult{Kind: InteractionProceed}
}
