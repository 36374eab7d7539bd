package idpkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

// Signing algorithms supported for issued tokens.
const (
	SigningAlgES256 = "ES256"
	SigningAlgRS256 = "RS256"
)

// TokenSigner signs serialized tokens. Implemented by KeysetSigner; tests can
// substitute their own.
type TokenSigner interface {
	// SignAndEncode signs the raw JWT with the given algorithm, returning the
	// compact encoding.
	SignAndEncode(ctx context.Context, alg string, raw *jwt.RawJWT) (string, error)
	// DefaultAlgorithm is used when a client does not select one.
	DefaultAlgorithm() string
}

// TokenVerifier verifies compact JWTs issued by this server.
type TokenVerifier interface {
	VerifyAndDecode(ctx context.Context, compact string, validator *jwt.Validator) (*jwt.VerifiedJWT, error)
}

// KeysetSigner holds tink keyset handles per algorithm and signs/verifies
// issued tokens with them. Multiple handles per algorithm support rotation:
// the newest signs, all still verify and publish.
type KeysetSigner struct {
	mu         sync.Mutex
	defaultAlg string
	// handles maps algorithm to its keyset handles, newest last.
	handles map[string][]*keyset.Handle
}

// NewKeysetSigner generates fresh keys for the given algorithms. The first
// algorithm becomes the default.
func NewKeysetSigner(algs ...string) (*KeysetSigner, error) {
	if len(algs) == 0 {
		algs = []string{SigningAlgES256}
	}
	s := &KeysetSigner{
		defaultAlg: algs[0],
		handles:    make(map[string][]*keyset.Handle, len(algs)),
	}
	for _, alg := range algs {
		if err := s.Rotate(alg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Rotate generates a new signing key for the algorithm. Older keys remain in
// the verification set and JWKS until pruned.
func (s *KeysetSigner) Rotate(alg string) error {
	var tmpl *keyset.Handle
	var err error
	switch alg {
	case SigningAlgES256:
		tmpl, err = keyset.NewHandle(jwt.ES256Template())
	case SigningAlgRS256:
		tmpl, err = keyset.NewHandle(jwt.RS256_2048_F4_Key_Template())
	default:
		return fmt.Errorf("unsupported algorithm %q", alg)
	}
	if err != nil {
		return fmt.Errorf("generating %s key: %w", alg, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[alg] = append(s.handles[alg], tmpl)
	return nil
}

// PruneOldKeys drops all but the newest key for each algorithm. Call once
// in-flight tokens signed by older keys have expired.
func (s *KeysetSigner) PruneOldKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for alg, hs := range s.handles {
		if len(hs) > 1 {
			s.handles[alg] = hs[len(hs)-1:]
		}
	}
}

func (s *KeysetSigner) DefaultAlgorithm() string { return s.defaultAlg }

// SupportedAlgorithms returns the algorithms this signer can sign with.
func (s *KeysetSigner) SupportedAlgorithms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	algs := make([]string, 0, len(s.handles))
	for alg := range s.handles {
		algs = append(algs, alg)
	}
	return algs
}

// SignAndEncode signs with the newest key for the algorithm.
func (s *KeysetSigner) SignAndEncode(_ context.Context, alg string, raw *jwt.RawJWT) (string, error) {
	s.mu.Lock()
	hs := s.handles[alg]
	s.mu.Unlock()

	if len(hs) == 0 {
		return "", fmt.Errorf("no key for algorithm %q", alg)
	}
	signer, err := jwt.NewSigner(hs[len(hs)-1])
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}
	return signer.SignAndEncode(raw)
}

// VerifyAndDecode verifies against every held key, any algorithm. Used by
// the userinfo endpoint and tests.
func (s *KeysetSigner) VerifyAndDecode(_ context.Context, compact string, validator *jwt.Validator) (*jwt.VerifiedJWT, error) {
	s.mu.Lock()
	var all []*keyset.Handle
	for _, hs := range s.handles {
		all = append(all, hs...)
	}
	s.mu.Unlock()

	var lastErr error
	for _, h := range all {
		pub, err := h.Public()
		if err != nil {
			lastErr = fmt.Errorf("getting public handle: %w", err)
			continue
		}
		verifier, err := jwt.NewVerifier(pub)
		if err != nil {
			lastErr = fmt.Errorf("creating verifier: %w", err)
			continue
		}
		vjwt, err := verifier.VerifyAndDecode(compact, validator)
		if err == nil {
			return vjwt, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no keys held")
	}
	return nil, fmt.Errorf("token did not verify against any key: %w", lastErr)
}

// JWKS returns the public keys for every held handle as a JWK set, for the
// discovery endpoint.
func (s *KeysetSigner) JWKS(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	var all []*keyset.Handle
	for _, hs := range s.handles {
		all = append(all, hs...)
	}
	s.mu.Unlock()

	merged := struct {
		Keys []json.RawMessage `json:"keys"`
	}{Keys: []json.RawMessage{}}

	for _, h := range all {
		pub, err := h.Public()
		if err != nil {
			return nil, fmt.Errorf("getting public handle: %w", err)
		}
		jwks, err := jwt.JWKSetFromPublicKeysetHandle(pub)
		if err != nil {
			return nil, fmt.Errorf("exporting jwks: %w", err)
		}
		var set struct {
			Keys []json.RawMessage `json:"keys"`
		}
		if err := json.Unmarshal(jwks, &set); err != nil {
			return nil, fmt.Errorf("parsing jwks: %w", err)
		}
		merged.Keys = append(merged.Keys, set.Keys...)
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshaling jwks: %w", err)
	}
	return out, nil
}

var (
	_ TokenSigner   = (*KeysetSigner)(nil)
	_ TokenVerifier = (*KeysetSigner)(nil)
)
