package idpkit

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func authorizeQuery(mut func(url.Values)) url.Values {
	q := url.Values{}
	q.Set("client_id", testClientID)
	q.Set("redirect_uri", testRedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "openid profile")
	q.Set("state", "somestate")
	if mut != nil {
		mut(q)
	}
	return q
}

func TestAuthorizeValidator(t *testing.T) {
	ctx := t.Context()

	pkceClient := testClient()
	pkceClient.ID = "pkce-client"
	pkceClient.RequirePKCE = true

	disabledClient := testClient()
	disabledClient.ID = "disabled-client"
	disabledClient.Enabled = false

	codeOnlyClient := testClient()
	codeOnlyClient.ID = "code-only-client"
	codeOnlyClient.Flows = []Flow{FlowAuthorizationCode}

	reorderedClient := testClient()
	reorderedClient.ID = "reordered-client"
	reorderedClient.RedirectURIs = []string{"https://client.example.test/cb?a=1&b=2"}

	clients := testClients(testClient(), pkceClient, disabledClient, codeOnlyClient, reorderedClient)

	validChallenge := strings.Repeat("c", 43)

	tests := []struct {
		name  string
		query url.Values

		wantCode ErrorCode
		wantType ErrorType
		// wantFragment and wantState only apply to client-type errors.
		wantFragment bool
		wantState    string

		check func(t *testing.T, vreq *ValidatedAuthorizeRequest)
	}{
		{
			name:  "valid code request",
			query: authorizeQuery(nil),
			check: func(t *testing.T, vreq *ValidatedAuthorizeRequest) {
				if vreq.Flow != FlowAuthorizationCode {
					t.Errorf("want flow %s, got %s", FlowAuthorizationCode, vreq.Flow)
				}
				if !vreq.IsOpenIDRequest {
					t.Error("want IsOpenIDRequest")
				}
				if diff := cmp.Diff([]string{"openid", "profile"}, vreq.RequestedScopes); diff != "" {
					t.Errorf("scopes mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "redirect URI defaulted when only one registered",
			query: authorizeQuery(func(q url.Values) {
				q.Del("redirect_uri")
			}),
			check: func(t *testing.T, vreq *ValidatedAuthorizeRequest) {
				if vreq.RedirectURI != testRedirectURI {
					t.Errorf("want defaulted redirect %q, got %q", testRedirectURI, vreq.RedirectURI)
				}
			},
		},
		{
			name: "missing client_id",
			query: authorizeQuery(func(q url.Values) {
				q.Del("client_id")
			}),
			wantCode: ErrorCodeInvalidRequest,
			wantType: ErrorTypeUser,
		},
		{
			name: "unknown client",
			query: authorizeQuery(func(q url.Values) {
				q.Set("client_id", "nope")
			}),
			wantCode: ErrorCodeUnauthorizedClient,
			wantType: ErrorTypeUser,
		},
		{
			name: "disabled client",
			query: authorizeQuery(func(q url.Values) {
				q.Set("client_id", "disabled-client")
			}),
			wantCode: ErrorCodeUnauthorizedClient,
			wantType: ErrorTypeUser,
		},
		{
			name: "unregistered redirect URI",
			query: authorizeQuery(func(q url.Values) {
				q.Set("redirect_uri", "https://evil.example.test/cb")
			}),
			wantCode: ErrorCodeUnauthorizedClient,
			wantType: ErrorTypeUser,
		},
		{
			// Same path and query set, different order. Exact string matching
			// means this is not the registered URI.
			name: "reordered query on redirect URI",
			query: url.Values{
				"client_id":     {"reordered-client"},
				"redirect_uri":  {"https://client.example.test/cb?b=2&a=1"},
				"response_type": {"code"},
				"scope":         {"openid"},
			},
			wantCode: ErrorCodeUnauthorizedClient,
			wantType: ErrorTypeUser,
		},
		{
			// The redirect is validated, so this error goes back to the
			// client, via fragment because the response mode is unknown.
			name: "missing response_type",
			query: authorizeQuery(func(q url.Values) {
				q.Del("response_type")
			}),
			wantCode:     ErrorCodeUnsupportedResponseType,
			wantType:     ErrorTypeClient,
			wantFragment: true,
			wantState:    "somestate",
		},
		{
			name: "unsupported response_type",
			query: authorizeQuery(func(q url.Values) {
				q.Set("response_type", "code wat")
			}),
			wantCode:     ErrorCodeUnsupportedResponseType,
			wantType:     ErrorTypeClient,
			wantFragment: true,
			wantState:    "somestate",
		},
		{
			name: "flow not allowed for client",
			query: authorizeQuery(func(q url.Values) {
				q.Set("client_id", "code-only-client")
				q.Set("response_type", "id_token")
				q.Set("nonce", "anonce")
			}),
			wantCode:     ErrorCodeUnauthorizedClient,
			wantType:     ErrorTypeClient,
			wantFragment: true,
			wantState:    "somestate",
		},
		{
			name: "missing scope",
			query: authorizeQuery(func(q url.Values) {
				q.Del("scope")
			}),
			wantCode:  ErrorCodeInvalidScope,
			wantType:  ErrorTypeClient,
			wantState: "somestate",
		},
		{
			name: "scope not allowed for client",
			query: authorizeQuery(func(q url.Values) {
				q.Set("scope", "openid admin")
			}),
			wantCode:  ErrorCodeInvalidScope,
			wantType:  ErrorTypeClient,
			wantState: "somestate",
		},
		{
			name: "identity scope without openid",
			query: authorizeQuery(func(q url.Values) {
				q.Set("scope", "profile")
			}),
			wantCode:  ErrorCodeInvalidScope,
			wantType:  ErrorTypeClient,
			wantState: "somestate",
		},
		{
			name: "id_token response without openid scope",
			query: authorizeQuery(func(q url.Values) {
				q.Set("response_type", "id_token")
				q.Set("scope", "api")
				q.Set("nonce", "anonce")
			}),
			wantCode:     ErrorCodeInvalidRequest,
			wantType:     ErrorTypeClient,
			wantFragment: true,
			wantState:    "somestate",
		},
		{
			name: "implicit id_token without nonce",
			query: authorizeQuery(func(q url.Values) {
				q.Set("response_type", "id_token")
			}),
			wantCode:     ErrorCodeInvalidRequest,
			wantType:     ErrorTypeClient,
			wantFragment: true,
			wantState:    "somestate",
		},
		{
			name: "PKCE required but no challenge",
			query: authorizeQuery(func(q url.Values) {
				q.Set("client_id", "pkce-client")
			}),
			wantCode:  ErrorCodeInvalidRequest,
			wantType:  ErrorTypeClient,
			wantState: "somestate",
		},
		{
			name: "code_challenge too short",
			query: authorizeQuery(func(q url.Values) {
				q.Set("code_challenge", "short")
			}),
			wantCode:  ErrorCodeInvalidRequest,
			wantType:  ErrorTypeClient,
			wantState: "somestate",
		},
		{
			name: "unsupported code_challenge_method",
			query: authorizeQuery(func(q url.Values) {
				q.Set("code_challenge", validChallenge)
				q.Set("code_challenge_method", "S512")
			}),
			wantCode:  ErrorCodeInvalidRequest,
			wantType:  ErrorTypeClient,
			wantState: "somestate",
		},
		{
			name: "challenge without method defaults to plain",
			query: authorizeQuery(func(q url.Values) {
				q.Set("code_challenge", validChallenge)
			}),
			check: func(t *testing.T, vreq *ValidatedAuthorizeRequest) {
				if vreq.CodeChallengeMethod != CodeChallengeMethodPlain {
					t.Errorf("want method %q, got %q", CodeChallengeMethodPlain, vreq.CodeChallengeMethod)
				}
			},
		},
		{
			name: "hybrid request",
			query: authorizeQuery(func(q url.Values) {
				q.Set("response_type", "code id_token")
				q.Set("nonce", "anonce")
			}),
			check: func(t *testing.T, vreq *ValidatedAuthorizeRequest) {
				if vreq.Flow != FlowHybrid {
					t.Errorf("want flow %s, got %s", FlowHybrid, vreq.Flow)
				}
				if !vreq.AccessTokenRequested {
					t.Error("want AccessTokenRequested for hybrid flow")
				}
			},
		},
	}

	v := NewAuthorizeValidator(clients, testScopes(), nil)

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/authorize?"+tc.query.Encode(), nil)

			vreq, aerr := v.Validate(ctx, req)

			if tc.wantCode != "" {
				if aerr == nil {
					t.Fatal("want error, got none")
				}
				if aerr.Code != tc.wantCode {
					t.Errorf("want error code %s, got %s (%s)", tc.wantCode, aerr.Code, aerr.Description)
				}
				if aerr.Type != tc.wantType {
					t.Errorf("want error type %s, got %s", tc.wantType, aerr.Type)
				}
				if aerr.Type == ErrorTypeClient {
					if aerr.RedirectURI == "" {
						t.Error("client-type error must carry the redirect URI")
					}
					if aerr.UseFragment != tc.wantFragment {
						t.Errorf("want UseFragment=%t, got %t", tc.wantFragment, aerr.UseFragment)
					}
					if aerr.State != tc.wantState {
						t.Errorf("want state %q, got %q", tc.wantState, aerr.State)
					}
				} else if aerr.RedirectURI != "" {
					t.Error("user-type error must not carry a redirect URI")
				}
				return
			}

			if aerr != nil {
				t.Fatalf("unexpected error: %v", aerr)
			}
			if tc.check != nil {
				tc.check(t, vreq)
			}
		})
	}
}

func TestAuthorizeValidatorUnknownAndWrongSecretIndistinguishable(t *testing.T) {
	// Unknown and disabled clients must produce identical errors, so probing
	// the authorize endpoint reveals nothing about the client registry.
	ctx := t.Context()

	disabled := testClient()
	disabled.ID = "disabled-client"
	disabled.Enabled = false

	v := NewAuthorizeValidator(testClients(testClient(), disabled), testScopes(), nil)

	get := func(clientID string) *AuthorizeError {
		q := authorizeQuery(func(q url.Values) { q.Set("client_id", clientID) })
		_, aerr := v.Validate(ctx, httptest.NewRequest("GET", "/authorize?"+q.Encode(), nil))
		if aerr == nil {
			t.Fatalf("want error for client %q", clientID)
		}
		return aerr
	}

	unknown := get("never-registered")
	dis := get("disabled-client")

	if unknown.Code != dis.Code || unknown.Description != dis.Description || unknown.Type != dis.Type {
		t.Errorf("unknown client error (%s, %q) differs from disabled client error (%s, %q)",
			unknown.Code, unknown.Description, dis.Code, dis.Description)
	}
}

func TestAuthorizeValidatorCustomHook(t *testing.T) {
	ctx := t.Context()

	v := NewAuthorizeValidator(testClients(), testScopes(), rejectAllValidator{})

	q := authorizeQuery(nil)
	_, aerr := v.Validate(ctx, httptest.NewRequest("GET", "/authorize?"+q.Encode(), nil))
	if aerr == nil {
		t.Fatal("want error from custom validator")
	}
	if aerr.Code != ErrorCodeAccessDenied {
		t.Errorf("want %s, got %s", ErrorCodeAccessDenied, aerr.Code)
	}
	// The hook returned a bare client-type error; the validator must fill in
	// the redirect target so it can be rendered.
	if aerr.RedirectURI != testRedirectURI {
		t.Errorf("want redirect %q, got %q", testRedirectURI, aerr.RedirectURI)
	}
	if aerr.State != "somestate" {
		t.Errorf("want state carried, got %q", aerr.State)
	}
}

type rejectAllValidator struct{}

func (rejectAllValidator) ValidateAuthorizeRequest(_ context.Context, _ *ValidatedAuthorizeRequest) *AuthorizeError {
	return &AuthorizeError{Code: ErrorCodeAccessDenied, Description: "policy rejected", Type: ErrorTypeClient}
}
