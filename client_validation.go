package idpkit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/idpkit/idpkit/internal/oauth2"
)

const (
	// maxClientCredentialLength bounds the client_id and secret values we
	// will process.
	maxClientCredentialLength = 250

	// assertionMaxLifetime caps how far in the future an assertion's exp may
	// be, bounding the replay cache.
	assertionMaxLifetime = 10 * time.Minute

	pbkdf2Iterations = 100_000
	pbkdf2KeyLength  = 32
	pbkdf2SaltLength = 16
)

var assertionSigningAlgs = []jose.SignatureAlgorithm{jose.RS256, jose.ES256}

// ClientCredentials is the credential material parsed from a token endpoint
// request, before any validation.
type ClientCredentials struct {
	ClientID string
	// Secret is a shared secret from the Basic header or form body.
	Secret string
	// Certificate is the TLS client certificate, if one was presented.
	Certificate *x509.Certificate
	// Assertion is a client assertion JWT (RFC 7523), with its declared type.
	Assertion     string
	AssertionType string

	// Absent means no credential of any kind was presented. Malformed means
	// one was presented but could not be decoded. The two are deliberately
	// distinct outcomes.
	Absent    bool
	Malformed bool
}

// CredentialsFromRequest assembles client credentials from a parsed token
// request and the HTTP request it arrived on.
func CredentialsFromRequest(treq *oauth2.TokenRequest, req *http.Request) *ClientCredentials {
	creds := &ClientCredentials{
		ClientID:      treq.ClientID,
		Secret:        treq.ClientSecret,
		Assertion:     treq.ClientAssertion,
		AssertionType: treq.ClientAssertionType,
		Absent:        treq.ClientAuthAbsent,
		Malformed:     treq.ClientAuthMalformed,
	}
	if req != nil && req.TLS != nil && len(req.TLS.PeerCertificates) > 0 {
		creds.Certificate = req.TLS.PeerCertificates[0]
		creds.Absent = false
	}
	return creds
}

// ClientValidator authenticates OAuth clients against the client store.
type ClientValidator struct {
	clients ClientStore
	replay  ReplayStore
	// tokenEndpoint is the expected audience for client assertions.
	tokenEndpoint string

	now func() time.Time
}

// NewClientValidator constructs a validator. replay may be nil, in which case
// assertion replay is not checked.
func NewClientValidator(clients ClientStore, replay ReplayStore, tokenEndpoint string) *ClientValidator {
	return &ClientValidator{
		clients:       clients,
		replay:        replay,
		tokenEndpoint: tokenEndpoint,
		now:           time.Now,
	}
}

// invalidClient is the uniform rejection. Unknown client, disabled client and
// wrong secret are indistinguishable to the caller; cause carries the detail
// for logs only.
func invalidClient(cause error) *TokenRequestError {
	return &TokenRequestError{
		Code:        ErrorCodeInvalidClient,
		Description: "client authentication failed",
		Cause:       cause,
	}
}

// ValidateClient resolves the client and verifies that exactly one registered
// secret matches the presented credential. All non-expired secrets of the
// matching type are tried, which is what permits zero-downtime rotation.
func (v *ClientValidator) ValidateClient(ctx context.Context, creds *ClientCredentials) (*Client, *TokenRequestError) {
	if creds.Malformed {
		return nil, &TokenRequestError{Code: ErrorCodeInvalidClient, Description: "malformed client credentials"}
	}
	if creds.Absent || creds.ClientID == "" && creds.Assertion == "" {
		return nil, &TokenRequestError{Code: ErrorCodeInvalidClient, Description: "client credentials required"}
	}
	if len(creds.ClientID) > maxClientCredentialLength || len(creds.Secret) > maxClientCredentialLength {
		return nil, &TokenRequestError{Code: ErrorCodeInvalidClient, Description: "client credentials exceed length limits"}
	}

	clientID := creds.ClientID
	var assertionClaims *josejwt.Claims

	if creds.Assertion != "" {
		if creds.AssertionType != oauth2.ClientAssertionTypeJWTBearer {
			return nil, &TokenRequestError{Code: ErrorCodeInvalidClient, Description: "unsupported client assertion type"}
		}
		claims, err := parseAssertionClaims(creds.Assertion)
		if err != nil {
			return nil, invalidClient(err)
		}
		assertionClaims = claims
		// The assertion identifies the client when no client_id was passed.
		if clientID == "" {
			clientID = claims.Issuer
		}
	}

	client, err := v.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidClient(fmt.Errorf("unknown client %q", clientID))
		}
		return nil, &TokenRequestError{Code: ErrorCodeServerError, Description: "internal error", Cause: fmt.Errorf("fetching client: %w", err)}
	}
	if !client.Enabled {
		return nil, invalidClient(fmt.Errorf("client %q is disabled", clientID))
	}

	now := v.now()
	if !client.HasUsableSecret(now) {
		return nil, invalidClient(fmt.Errorf("client %q has no usable secrets", clientID))
	}

	switch {
	case assertionClaims != nil:
		if terr := v.validateAssertion(ctx, client, creds.Assertion, assertionClaims, now); terr != nil {
			return nil, terr
		}
	case creds.Certificate != nil:
		if !v.matchCertificate(client, creds.Certificate, now) {
			return nil, invalidClient(fmt.Errorf("certificate does not match client %q", clientID))
		}
	case creds.Secret != "":
		if !v.matchSharedSecret(client, creds.Secret, now) {
			return nil, invalidClient(fmt.Errorf("secret does not match client %q", clientID))
		}
	default:
		return nil, invalidClient(fmt.Errorf("no usable credential presented for client %q", clientID))
	}

	return client, nil
}

// matchSharedSecret tries every non-expired shared-hash secret.
func (v *ClientValidator) matchSharedSecret(client *Client, secret string, now time.Time) bool {
	matched := false
	for _, s := range client.Secrets {
		if s.Type != SecretTypeSharedHash || s.Expired(now) {
			continue
		}
		if VerifySecretHash(s.Value, secret) {
			matched = true
			// don't break - check all, to keep timing independent of which
			// secret matched.
		}
	}
	return matched
}

// matchCertificate tries every non-expired thumbprint secret against the
// presented certificate.
func (v *ClientValidator) matchCertificate(client *Client, cert *x509.Certificate, now time.Time) bool {
	sum := sha256.Sum256(cert.Raw)
	thumbprint := hex.EncodeToString(sum[:])

	matched := false
	for _, s := range client.Secrets {
		if s.Type != SecretTypeCertThumbprint || s.Expired(now) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(strings.ToLower(s.Value)), []byte(thumbprint)) == 1 {
			matched = true
		}
	}
	return matched
}

// validateAssertion verifies the assertion signature against each registered
// jwt-bearer certificate, then validates the standard claims: issuer and
// subject are the client ID, audience is the token endpoint, the token has a
// bounded expiry, and the jti has not been seen before.
func (v *ClientValidator) validateAssertion(ctx context.Context, client *Client, rawAssertion string, claims *josejwt.Claims, now time.Time) *TokenRequestError {
	tok, err := josejwt.ParseSigned(rawAssertion, assertionSigningAlgs)
	if err != nil {
		return invalidClient(fmt.Errorf("parsing assertion: %w", err))
	}

	verified := false
	for _, s := range client.Secrets {
		if s.Type != SecretTypeJWTBearer || s.Expired(now) {
			continue
		}
		cert, err := parseCertSecret(s.Value)
		if err != nil {
			continue
		}
		var out josejwt.Claims
		if err := tok.Claims(cert.PublicKey, &out); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return invalidClient(fmt.Errorf("assertion signature verification failed for client %q", client.ID))
	}

	if claims.Issuer != client.ID || (claims.Subject != "" && claims.Subject != client.ID) {
		return invalidClient(fmt.Errorf("assertion issuer/subject does not match client %q", client.ID))
	}
	if claims.Expiry == nil {
		return invalidClient(fmt.Errorf("assertion has no expiration"))
	}
	if claims.Expiry.Time().After(now.Add(assertionMaxLifetime)) {
		return invalidClient(fmt.Errorf("assertion expiration too far in the future"))
	}
	if err := claims.Validate(josejwt.Expected{
		AnyAudience: josejwt.Audience{v.tokenEndpoint},
		Time:        now,
	}); err != nil {
		return invalidClient(fmt.Errorf("assertion claims invalid: %w", err))
	}

	if claims.ID == "" {
		return invalidClient(fmt.Errorf("assertion has no jti"))
	}
	if v.replay != nil {
		fresh, err := v.replay.MarkUsed(ctx, claims.ID, claims.Expiry.Time())
		if err != nil {
			return &TokenRequestError{Code: ErrorCodeServerError, Description: "internal error", Cause: fmt.Errorf("checking assertion replay: %w", err)}
		}
		if !fresh {
			return invalidClient(fmt.Errorf("assertion jti %q replayed", claims.ID))
		}
	}

	return nil
}

// parseAssertionClaims extracts the claims without verifying the signature,
// so the client record can be resolved first. Verification happens in
// validateAssertion.
func parseAssertionClaims(rawAssertion string) (*josejwt.Claims, error) {
	tok, err := josejwt.ParseSigned(rawAssertion, assertionSigningAlgs)
	if err != nil {
		return nil, fmt.Errorf("parsing assertion: %w", err)
	}
	var claims josejwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("reading assertion claims: %w", err)
	}
	return &claims, nil
}

// parseCertSecret decodes a base64 DER certificate from a secret value.
func parseCertSecret(value string) (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// HashSecret produces the stored form of a shared client secret:
// pbkdf2$sha256$<iterations>$<salt>$<hash>, salt and hash base64url encoded.
func HashSecret(secret string) string {
	salt := make([]byte, pbkdf2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		panic(fmt.Sprintf("reading random salt: %v", err))
	}
	dk := pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s",
		pbkdf2Iterations,
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(dk))
}

// VerifySecretHash checks a presented secret against a stored hash in the
// HashSecret format. Unparseable hashes never match.
func VerifySecretHash(stored, secret string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return false
	}
	iters, err := strconv.Atoi(parts[2])
	if err != nil || iters <= 0 {
		return false
	}
	salt, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	want, err := base64.RawURLEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(secret), salt, iters, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
