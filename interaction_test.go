package idpkit

import (
	"testing"
	"time"
)

func validatedRequest(mut func(*ValidatedAuthorizeRequest)) *ValidatedAuthorizeRequest {
	client := testClient()
	vreq := &ValidatedAuthorizeRequest{
		Client:          &client,
		RedirectURI:     testRedirectURI,
		ResponseType:    ResponseTypeCode,
		Flow:            FlowAuthorizationCode,
		RequestedScopes: []string{"openid", "profile"},
		ValidatedScopes: []Scope{
			{Name: "openid", IsIdentity: true},
			{Name: "profile", IsIdentity: true},
		},
		IsOpenIDRequest: true,
		State:           "somestate",
	}
	if mut != nil {
		mut(vreq)
	}
	return vreq
}

func TestInteractionGenerator(t *testing.T) {
	tests := []struct {
		name    string
		req     *ValidatedAuthorizeRequest
		subject *AuthenticatedSubject
		policy  func(*Client, []Scope) bool

		want      InteractionKind
		wantError ErrorCode
	}{
		{
			name:    "authenticated, no consent needed",
			req:     validatedRequest(nil),
			subject: testSubject(),
			want:    InteractionProceed,
		},
		{
			name: "unauthenticated",
			req:  validatedRequest(nil),
			want: InteractionLogin,
		},
		{
			name: "prompt=login forces reauthentication",
			req: validatedRequest(func(v *ValidatedAuthorizeRequest) {
				v.Prompt = PromptLogin
			}),
			subject: testSubject(),
			want:    InteractionLogin,
		},
		{
			name: "session older than max_age",
			req: validatedRequest(func(v *ValidatedAuthorizeRequest) {
				v.MaxAge = 10
				v.HasMaxAge = true
			}),
			subject: &AuthenticatedSubject{
				ID:       testSubjectID,
				AuthTime: time.Now().Add(-time.Hour),
			},
			want: InteractionLogin,
		},
		{
			name: "session within max_age",
			req: validatedRequest(func(v *ValidatedAuthorizeRequest) {
				v.MaxAge = 3600
				v.HasMaxAge = true
			}),
			subject: testSubject(),
			want:    InteractionProceed,
		},
		{
			name: "client requires consent",
			req: validatedRequest(func(v *ValidatedAuthorizeRequest) {
				v.Client.RequireConsent = true
			}),
			subject: testSubject(),
			want:    InteractionConsent,
		},
		{
			name: "prompt=consent forces consent",
			req: validatedRequest(func(v *ValidatedAuthorizeRequest) {
				v.Prompt = PromptConsent
			}),
			subject: testSubject(),
			want:    InteractionConsent,
		},
		{
			name:    "deployment policy forces consent",
			req:     validatedRequest(nil),
			subject: testSubject(),
			policy:  func(*Client, []Scope) bool { return true },
			want:    InteractionConsent,
		},
		{
			name: "prompt=none while unauthenticated",
			req: validatedRequest(func(v *ValidatedAuthorizeRequest) {
				v.Prompt = PromptNone
			}),
			want:      InteractionError,
			wantError: ErrorCodeInteractionRequired,
		},
		{
			name: "prompt=none but consent required",
			req: validatedRequest(func(v *ValidatedAuthorizeRequest) {
				v.Prompt = PromptNone
				v.Client.RequireConsent = true
			}),
			subject:   testSubject(),
			want:      InteractionError,
			wantError: ErrorCodeInteractionRequired,
		},
		{
			// Login is decided strictly before consent, so an unauthenticated
			// user on a consent-requiring client sees login, not consent.
			name: "login wins over consent",
			req: validatedRequest(func(v *ValidatedAuthorizeRequest) {
				v.Client.RequireConsent = true
			}),
			want: InteractionLogin,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewInteractionGenerator(tc.policy)

			res := g.Decide(tc.req, tc.subject, "https://idp.example.test/resume")

			if res.Kind != tc.want {
				t.Fatalf("want kind %d, got %d", tc.want, res.Kind)
			}
			switch res.Kind {
			case InteractionLogin:
				if res.SignIn == nil {
					t.Fatal("login result must carry a SignInMessage")
				}
				if res.SignIn.ReturnURL == "" {
					t.Error("SignInMessage must carry the return URL")
				}
			case InteractionConsent:
				if res.Consent == nil {
					t.Fatal("consent result must carry a ConsentRequest")
				}
				if res.Consent.Client == nil || len(res.Consent.Scopes) == 0 {
					t.Error("ConsentRequest must carry client and scopes")
				}
			case InteractionError:
				if res.Error == nil {
					t.Fatal("error result must carry the error")
				}
				if res.Error.Code != tc.wantError {
					t.Errorf("want error %s, got %s", tc.wantError, res.Error.Code)
				}
				if res.Error.Type != ErrorTypeClient {
					t.Error("prompt=none errors go back to the client")
				}
			}
		})
	}
}

func TestInteractionSignInMessageFields(t *testing.T) {
	req := validatedRequest(func(v *ValidatedAuthorizeRequest) {
		v.Display = "popup"
		v.LoginHint = "someuser@example.test"
	})

	g := NewInteractionGenerator(nil)
	res := g.Decide(req, nil, "https://idp.example.test/resume?x=1")

	if res.Kind != InteractionLogin {
		t.Fatalf("want login, got %d", res.Kind)
	}
	if res.SignIn.DisplayMode != "popup" {
		t.Errorf("want display mode carried, got %q", res.SignIn.DisplayMode)
	}
	if res.SignIn.LoginHint != "someuser@example.test" {
		t.Errorf("want login hint carried, got %q", res.SignIn.LoginHint)
	}
	if res.SignIn.ReturnURL != "https://idp.example.test/resume?x=1" {
		t.Errorf("want return URL carried, got %q", res.SignIn.ReturnURL)
	}
}
