package oauth2

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// AuthResponse is a successful authorize endpoint response. Fields that are
// empty are omitted from the encoded redirect rather than sent as empty
// strings.
type AuthResponse struct {
	RedirectURI *url.URL

	Code        string
	IDToken     string
	AccessToken string
	TokenType   string
	ExpiresIn   time.Duration
	Scope       string
	State       string

	// UseFragment encodes the response parameters in the URI fragment rather
	// than the query. Required whenever tokens are returned directly.
	UseFragment bool
}

// SendAuthResponse issues the redirect carrying the authorize response.
func SendAuthResponse(w http.ResponseWriter, req *http.Request, resp *AuthResponse) {
	v := url.Values{}
	if resp.Code != "" {
		v.Set("code", resp.Code)
	}
	if resp.IDToken != "" {
		v.Set("id_token", resp.IDToken)
	}
	if resp.AccessToken != "" {
		v.Set("access_token", resp.AccessToken)
		v.Set("token_type", resp.TokenType)
		v.Set("expires_in", fmt.Sprintf("%d", int(resp.ExpiresIn.Seconds())))
	}
	if resp.Scope != "" {
		v.Set("scope", resp.Scope)
	}
	if resp.State != "" {
		v.Set("state", resp.State)
	}

	redir := *resp.RedirectURI
	if resp.UseFragment {
		// Appended as an already-encoded string; going through url.URL's
		// Fragment field would escape it a second time.
		redir.Fragment, redir.RawFragment = "", ""
		http.Redirect(w, req, redir.String()+"#"+v.Encode(), http.StatusFound)
		return
	}

	q := redir.Query()
	for k, vs := range v {
		for _, vv := range vs {
			q.Set(k, vv)
		}
	}
	redir.RawQuery = q.Encode()

	http.Redirect(w, req, redir.String(), http.StatusFound)
}

// TokenResponse is a successful token endpoint response.
//
// https://datatracker.ietf.org/doc/html/rfc6749#section-5.1
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    time.Duration
	RefreshToken string
	IDToken      string
	Scope        string
}

type tokenResponseJSON struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// WriteTokenResponse writes the JSON body for a successful token request.
func WriteTokenResponse(w http.ResponseWriter, resp *TokenResponse) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := json.NewEncoder(w).Encode(&tokenResponseJSON{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    int(resp.ExpiresIn.Seconds()),
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		Scope:        resp.Scope,
	}); err != nil {
		return fmt.Errorf("encoding token response: %w", err)
	}
	return nil
}

// WriteUserinfoResponse writes the flat claim map for a userinfo request.
func WriteUserinfoResponse(w http.ResponseWriter, claims map[string]any) error {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(claims); err != nil {
		return fmt.Errorf("encoding userinfo response: %w", err)
	}
	return nil
}
