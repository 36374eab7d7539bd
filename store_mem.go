package idpkit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// MemStores implements every store interface against in-memory maps. It is
// the reference behavior for the store contracts, and suitable for tests and
// single-process deployments. Construct one per server; there is no global
// instance.
type MemStores struct {
	mu            sync.Mutex
	codes         map[string]*AuthorizationCode
	tokens        map[string]*Token
	refreshTokens map[string]*RefreshToken
	usedJTIs      map[string]time.Time
}

// NewMemStores creates an empty in-memory store set.
func NewMemStores() *MemStores {
	return &MemStores{
		codes:         make(map[string]*AuthorizationCode),
		tokens:        make(map[string]*Token),
		refreshTokens: make(map[string]*RefreshToken),
		usedJTIs:      make(map[string]time.Time),
	}
}

func (m *MemStores) StoreCode(_ context.Context, key string, code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *code
	m.codes[key] = &cp
	return nil
}

// GetAndDeleteCode retrieves and removes the code under a single lock hold,
// so concurrent redemptions of the same code can never both succeed.
func (m *MemStores) GetAndDeleteCode(_ context.Context, key string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.codes[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.codes, key)
	cp := *code
	return &cp, nil
}

func (m *MemStores) StoreToken(_ context.Context, key string, token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens[key] = &cp
	return nil
}

func (m *MemStores) GetToken(_ context.Context, key string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *MemStores) DeleteToken(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[key]; !ok {
		return ErrNotFound
	}
	delete(m.tokens, key)
	return nil
}

func (m *MemStores) StoreRefreshToken(_ context.Context, key string, token *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.refreshTokens[key] = &cp
	return nil
}

func (m *MemStores) GetRefreshToken(_ context.Context, key string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.refreshTokens[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *MemStores) DeleteRefreshToken(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refreshTokens[key]; !ok {
		return ErrNotFound
	}
	delete(m.refreshTokens, key)
	return nil
}

// MarkUsed records a client assertion ID, expiring old entries
// opportunistically.
func (m *MemStores) MarkUsed(_ context.Context, jti string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, exp := range m.usedJTIs {
		if now.After(exp) {
			delete(m.usedJTIs, id)
		}
	}

	if _, ok := m.usedJTIs[jti]; ok {
		return false, nil
	}
	m.usedJTIs[jti] = expiresAt
	return true, nil
}

var (
	_ AuthorizationCodeStore = (*MemStores)(nil)
	_ TokenHandleStore       = (*MemStores)(nil)
	_ RefreshTokenStore      = (*MemStores)(nil)
	_ ReplayStore            = (*MemStores)(nil)
)

// StaticClients implements ClientStore over a fixed client list. The type is
// tagged for loading from JSON, directly or via ExpandUnmarshal.
type StaticClients struct {
	Clients []Client `json:"clients"`
}

// ExpandUnmarshal parses a JSON client registry, expanding ${VAR} and
// ${VAR:-default} references from the environment first. Secrets can this way
// stay out of config files. Unknown fields are an error.
func ExpandUnmarshal(jsonBytes []byte) (*StaticClients, error) {
	expanded := os.Expand(string(jsonBytes), getenvWithDefault)

	jd := json.NewDecoder(strings.NewReader(expanded))
	jd.DisallowUnknownFields()

	var c StaticClients
	if err := jd.Decode(&c); err != nil {
		return nil, fmt.Errorf("unmarshaling clients: %v", err)
	}

	return &c, nil
}

func (s *StaticClients) GetClient(_ context.Context, clientID string) (*Client, error) {
	for i := range s.Clients {
		if s.Clients[i].ID == clientID {
			cp := s.Clients[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// StaticScopes implements ScopeStore over a fixed scope list.
type StaticScopes struct {
	Scopes []Scope `json:"scopes"`
}

func (s *StaticScopes) GetScopesByName(_ context.Context, names []string) ([]Scope, error) {
	var out []Scope
	for _, n := range names {
		for i := range s.Scopes {
			if s.Scopes[i].Name == n {
				out = append(out, s.Scopes[i])
				break
			}
		}
	}
	return out, nil
}

// getenvWithDefault maps FOO:-default to $FOO, or default if $FOO is unset or
// empty.
func getenvWithDefault(key string) string {
	parts := strings.SplitN(key, ":-", 2)
	val := os.Getenv(parts[0])
	if val == "" && len(parts) == 2 {
		val = parts[1]
	}
	return val
}
