package idpkit

import (
	"context"
	"time"
)

// ClientStore resolves registered clients. Implementations return ErrNotFound
// for unknown IDs.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// ScopeStore resolves scope definitions by name. Unknown names are omitted
// from the result rather than erroring; callers detect them by comparing
// lengths.
type ScopeStore interface {
	GetScopesByName(ctx context.Context, names []string) ([]Scope, error)
}

// AuthorizationCodeStore persists one-time authorization codes, keyed by the
// stored form of the code handle.
type AuthorizationCodeStore interface {
	StoreCode(ctx context.Context, key string, code *AuthorizationCode) error
	// GetAndDeleteCode atomically retrieves and removes a code. Under
	// concurrent callers exactly one receives the code; the rest get
	// ErrNotFound. This is what makes codes single-use.
	GetAndDeleteCode(ctx context.Context, key string) (*AuthorizationCode, error)
}

// TokenHandleStore persists reference access tokens by handle.
type TokenHandleStore interface {
	StoreToken(ctx context.Context, key string, token *Token) error
	GetToken(ctx context.Context, key string) (*Token, error)
	DeleteToken(ctx context.Context, key string) error
}

// RefreshTokenStore persists refresh tokens by handle. Rotation is performed
// by the issuance service as delete-then-store; the store only needs per-key
// atomicity.
type RefreshTokenStore interface {
	StoreRefreshToken(ctx context.Context, key string, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, key string) (*RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, key string) error
}

// ReplayStore tracks assertion IDs (jti) to prevent client assertion replay.
type ReplayStore interface {
	// MarkUsed records the ID, returning false if it was already present.
	// Implementations may discard entries once expiresAt passes.
	MarkUsed(ctx context.Context, jti string, expiresAt time.Time) (fresh bool, err error)
}

// UserService authenticates resource owners and provides their profile
// claims. It is an external collaborator; invalid credentials must be
// reported uniformly regardless of whether the user exists.
type UserService interface {
	// Authenticate verifies the credentials, returning the subject on success
	// or nil on failure. An error indicates an infrastructure problem, not
	// bad credentials.
	Authenticate(ctx context.Context, username, password string) (*AuthenticatedSubject, error)
	// GetClaims returns the subject's claims, filtered to the requested claim
	// types. An empty filter returns all claims.
	GetClaims(ctx context.Context, subjectID string, claimTypes []string) ([]Claim, error)
	// IsActive reports whether the subject is still permitted to use issued
	// grants.
	IsActive(ctx context.Context, subjectID string) (bool, error)
}

// CustomRequestValidator is an extension point invoked as the final stage of
// authorize request validation. Returning a non-nil AuthorizeError rejects
// the request.
type CustomRequestValidator interface {
	ValidateAuthorizeRequest(ctx context.Context, req *ValidatedAuthorizeRequest) *AuthorizeError
}

// CustomGrantValidator handles token requests with a grant type outside the
// standard set. It runs after client authentication and flow authorization.
type CustomGrantValidator interface {
	// GrantTypes returns the grant type values this validator handles.
	GrantTypes() []string
	// ValidateGrant validates the custom grant, returning the subject the
	// tokens are issued for (nil for client-only grants).
	ValidateGrant(ctx context.Context, req *ValidatedTokenRequest) (*AuthenticatedSubject, *TokenRequestError)
}

// ExternalClaimsFilter can reshape the claim set before a token is issued,
// e.g. to strip claims a deployment never wants in tokens.
type ExternalClaimsFilter interface {
	FilterClaims(ctx context.Context, client *Client, scopes []Scope, claims []Claim) []Claim
}
