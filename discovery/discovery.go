// Package discovery serves OpenID Connect provider metadata and the
// verification keyset.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultCacheFor is how long a fetched JWKS is reused before the source is
// asked again.
const DefaultCacheFor = 1 * time.Minute

// ProviderMetadata is the OpenID Provider configuration document, per OpenID
// Connect Discovery 1.0 section 3.
type ProviderMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	UILocalesSupported                []string `json:"ui_locales_supported,omitempty"`
	DisplayValuesSupported            []string `json:"display_values_supported,omitempty"`
	ACRValuesSupported                []string `json:"acr_values_supported,omitempty"`
}

// JWKSSource returns the JWKS document to serve. No verification is done on
// the returned bytes.
type JWKSSource interface {
	GetJWKS(ctx context.Context) ([]byte, error)
}

var _ http.Handler = (*ConfigurationHandler)(nil)

// ConfigurationHandler serves the provider metadata document and the JWKS.
//
// It should be mounted to cover `GET /.well-known/openid-configuration` and
// the path of the metadata's JWKSURI.
type ConfigurationHandler struct {
	md         *ProviderMetadata
	jwksSource JWKSSource

	mux *http.ServeMux

	cacheFor time.Duration

	currJWKSMu     sync.Mutex
	currJWKS       []byte
	lastKeysUpdate time.Time
}

// NewConfigurationHandler validates the metadata and returns a handler for
// it. If the metadata has no JWKSURI, one under /.well-known/jwks.json is
// filled in.
func NewConfigurationHandler(metadata *ProviderMetadata, jwksSource JWKSSource) (*ConfigurationHandler, error) {
	h := &ConfigurationHandler{
		md:         metadata,
		jwksSource: jwksSource,
		mux:        http.NewServeMux(),
		cacheFor:   DefaultCacheFor,
	}

	jwksPath := "/.well-known/jwks.json"
	if metadata.JWKSURI != "" {
		// A JWKSURI on a different host cannot be served from here; construct
		// the metadata serving manually for that case.
		u, err := url.Parse(metadata.JWKSURI)
		if err != nil {
			return nil, fmt.Errorf("parsing JWKSURI %s: %w", metadata.JWKSURI, err)
		}
		jwksPath = u.Path
	} else {
		metadata.JWKSURI = metadata.Issuer + jwksPath
	}

	if err := validateMetadata(h.md); err != nil {
		return nil, err
	}

	if err := h.getJWKS(context.Background()); err != nil {
		return nil, fmt.Errorf("initial jwks get: %w", err)
	}

	h.mux.HandleFunc("GET /.well-known/openid-configuration", h.serveConfig)
	h.mux.HandleFunc("GET "+jwksPath, h.serveKeys)

	return h, nil
}

func (h *ConfigurationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *ConfigurationHandler) serveConfig(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(h.md); err != nil {
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}
}

func (h *ConfigurationHandler) serveKeys(w http.ResponseWriter, req *http.Request) {
	if err := h.getJWKS(req.Context()); err != nil {
		slog.ErrorContext(req.Context(), "getting jwks", "err", err.Error())
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}
	jwks := h.currJWKS

	w.Header().Set("Content-Type", "application/jwk-set+json")
	if _, err := w.Write(jwks); err != nil {
		slog.ErrorContext(req.Context(), "failed to write jwks", "err", err.Error())
	}
}

// getJWKS refreshes the cached JWKS from the source if the cache window has
// passed.
func (h *ConfigurationHandler) getJWKS(ctx context.Context) error {
	h.currJWKSMu.Lock()
	defer h.currJWKSMu.Unlock()

	if h.currJWKS == nil || time.Now().After(h.lastKeysUpdate.Add(h.cacheFor)) {
		jwks, err := h.jwksSource.GetJWKS(ctx)
		if err != nil {
			return fmt.Errorf("getting jwks: %w", err)
		}
		h.currJWKS = jwks
		h.lastKeysUpdate = time.Now()
	}

	return nil
}

func validateMetadata(p *ProviderMetadata) error {
	var errs []string

	aestr := func(val, e string) {
		if val == "" {
			errs = append(errs, e)
		}
	}

	aessl := func(val []string, e string) {
		if len(val) == 0 {
			errs = append(errs, e)
		}
	}

	aestr(p.Issuer, "Issuer is required")
	aestr(p.AuthorizationEndpoint, "AuthorizationEndpoint is required")
	aestr(p.JWKSURI, "JWKSURI is required")
	aessl(p.ResponseTypesSupported, "ResponseTypes supported is required")
	aessl(p.SubjectTypesSupported, "Subject Identifier Types are required")
	aessl(p.IDTokenSigningAlgValuesSupported, "IDTokenSigningAlgValuesSupported are required")

	if p.TokenEndpoint == "" {
		if len(p.GrantTypesSupported) != 1 || p.GrantTypesSupported[0] != "implicit" {
			errs = append(errs, "TokenEndpoint is required when we're not implicit-only")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid provider metadata: %s", strings.Join(errs, ", "))
	}
	return nil
}
