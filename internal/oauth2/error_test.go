package oauth2

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestWriteTokenError(t *testing.T) {
	tests := []struct {
		name       string
		err        *TokenError
		wantStatus int
		wantAuth   string
	}{
		{
			name:       "invalid_grant",
			err:        &TokenError{ErrorCode: TokenErrorCodeInvalidGrant, Description: "code expired"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid_client gets 401 and a challenge",
			err:        &TokenError{ErrorCode: TokenErrorCodeInvalidClient, Description: "client authentication failed"},
			wantStatus: http.StatusUnauthorized,
			wantAuth:   "Basic",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/token", nil)
			if err := WriteError(rec, req, tc.err); err != nil {
				t.Fatalf("writing: %v", err)
			}

			if rec.Code != tc.wantStatus {
				t.Errorf("want status %d, got %d", tc.wantStatus, rec.Code)
			}
			if got := rec.Header().Get("WWW-Authenticate"); got != tc.wantAuth {
				t.Errorf("want WWW-Authenticate %q, got %q", tc.wantAuth, got)
			}
			if got := rec.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("want no-store cache control, got %q", got)
			}

			var body struct {
				Error       string `json:"error"`
				Description string `json:"error_description"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Error != string(tc.err.ErrorCode) {
				t.Errorf("want error %q, got %q", tc.err.ErrorCode, body.Error)
			}
			if body.Description != tc.err.Description {
				t.Errorf("want description %q, got %q", tc.err.Description, body.Description)
			}
		})
	}
}

func TestWriteAuthError(t *testing.T) {
	t.Run("user error rendered as page", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/authorize", nil)
		aerr := &AuthError{
			ErrorCode:   ErrorCodeInvalidRequest,
			Description: "unregistered redirect_uri",
			Kind:        AuthErrorKindUser,
		}
		if err := WriteError(rec, req, aerr); err != nil {
			t.Fatalf("writing: %v", err)
		}

		if rec.Code != http.StatusBadRequest {
			t.Errorf("want 400, got %d", rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != "" {
			t.Errorf("user errors must never redirect, got Location %q", loc)
		}
		if !strings.Contains(rec.Body.String(), "unregistered redirect_uri") {
			t.Errorf("want description in page body, got %q", rec.Body.String())
		}
	})

	t.Run("client error redirects with query", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/authorize", nil)
		aerr := &AuthError{
			ErrorCode:   ErrorCodeAccessDenied,
			Description: "subject denied the request",
			Kind:        AuthErrorKindClient,
			RedirectURI: "https://client.example.test/cb",
			State:       "st-1",
		}
		if err := WriteError(rec, req, aerr); err != nil {
			t.Fatalf("writing: %v", err)
		}

		if rec.Code != http.StatusFound {
			t.Fatalf("want 302, got %d", rec.Code)
		}
		loc, err := url.Parse(rec.Header().Get("Location"))
		if err != nil {
			t.Fatalf("parsing location: %v", err)
		}
		q := loc.Query()
		if q.Get("error") != "access_denied" {
			t.Errorf("want error access_denied, got %q", q.Get("error"))
		}
		if q.Get("state") != "st-1" {
			t.Errorf("want state carried, got %q", q.Get("state"))
		}
		if loc.Fragment != "" {
			t.Errorf("query-mode error must not use the fragment, got %q", loc.Fragment)
		}
	})

	t.Run("client error redirects with fragment", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/authorize", nil)
		aerr := &AuthError{
			ErrorCode:   ErrorCodeUnsupportedResponseType,
			Kind:        AuthErrorKindClient,
			RedirectURI: "https://client.example.test/cb",
			State:       "st-2",
			UseFragment: true,
		}
		if err := WriteError(rec, req, aerr); err != nil {
			t.Fatalf("writing: %v", err)
		}

		loc, err := url.Parse(rec.Header().Get("Location"))
		if err != nil {
			t.Fatalf("parsing location: %v", err)
		}
		frag, err := url.ParseQuery(loc.Fragment)
		if err != nil {
			t.Fatalf("parsing fragment: %v", err)
		}
		if frag.Get("error") != "unsupported_response_type" {
			t.Errorf("want error in fragment, got %q", frag.Get("error"))
		}
		if frag.Get("state") != "st-2" {
			t.Errorf("want state in fragment, got %q", frag.Get("state"))
		}
		if loc.RawQuery != "" {
			t.Errorf("fragment-mode error must not touch the query, got %q", loc.RawQuery)
		}
	})

	t.Run("fragment state with reserved characters survives", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/authorize", nil)
		aerr := &AuthError{
			ErrorCode:   ErrorCodeAccessDenied,
			Kind:        AuthErrorKindClient,
			RedirectURI: "https://client.example.test/cb",
			State:       "100%done&more=yes",
			UseFragment: true,
		}
		if err := WriteError(rec, req, aerr); err != nil {
			t.Fatalf("writing: %v", err)
		}

		loc, err := url.Parse(rec.Header().Get("Location"))
		if err != nil {
			t.Fatalf("parsing location: %v", err)
		}
		frag, err := url.ParseQuery(loc.EscapedFragment())
		if err != nil {
			t.Fatalf("parsing fragment: %v", err)
		}
		if got := frag.Get("state"); got != "100%done&more=yes" {
			t.Errorf("state must round-trip exactly, got %q", got)
		}
	})

	t.Run("client error without redirect falls back to page", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/authorize", nil)
		aerr := &AuthError{ErrorCode: ErrorCodeServerError, Kind: AuthErrorKindClient}
		if err := WriteError(rec, req, aerr); err != nil {
			t.Fatalf("writing: %v", err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Errorf("want 400, got %d", rec.Code)
		}
	})
}

func TestWriteHTTPError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/userinfo", nil)
	herr := &HTTPError{
		Code:            http.StatusUnauthorized,
		Message:         "invalid token",
		WWWAuthenticate: (&BearerError{Code: BearerErrorCodeInvalidToken}).String(),
	}
	if err := WriteError(rec, req, herr); err != nil {
		t.Fatalf("writing: %v", err)
	}

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("want 401, got %d", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer error="invalid_token"` {
		t.Errorf("want bearer challenge, got %q", got)
	}
}

func TestWriteErrorUnknownType(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	if err := WriteError(rec, req, http.ErrBodyNotAllowed); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("untyped errors must become a 500, got %d", rec.Code)
	}
}

func TestBearerErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  BearerError
		want string
	}{
		{name: "bare", err: BearerError{}, want: "Bearer"},
		{name: "code only", err: BearerError{Code: BearerErrorCodeInvalidToken}, want: `Bearer error="invalid_token"`},
		{
			name: "code and description",
			err:  BearerError{Code: BearerErrorCodeInsufficentScope, Description: "token lacks scope"},
			want: `Bearer error="insufficient_scope" error_description="token lacks scope"`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.String(); got != tc.want {
				t.Errorf("want %q, got %q", tc.want, got)
			}
		})
	}
}
