package idpkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/idpkit/idpkit/internal/token"
)

// Shared fixtures for the package tests.

const (
	testIssuer       = "https://idp.example.test"
	testClientID     = "test-client"
	testClientSecret = "arandomsecretvalue"
	testRedirectURI  = "https://client.example.test/callback"
	testSubjectID    = "user-1"
	testPassword     = "hunter2hunter2"
)

// testSecretHash is computed once; PBKDF2 at full iteration count is too slow
// to rerun per test case.
var testSecretHash = sync.OnceValue(func() string {
	return HashSecret(testClientSecret)
})

func testScopes() *StaticScopes {
	return &StaticScopes{Scopes: []Scope{
		{Name: "openid", IsIdentity: true},
		{Name: "profile", IsIdentity: true, Claims: []ScopeClaim{
			{Name: "name"},
			{Name: "nickname"},
		}},
		{Name: "email", IsIdentity: true, Claims: []ScopeClaim{
			{Name: "email", AlwaysIncludeInIDToken: true},
		}},
		{Name: "api", IsIdentity: false},
		{Name: "offline_access", IsIdentity: false},
	}}
}

func testClient() Client {
	return Client{
		ID:      testClientID,
		Name:    "Test Client",
		Enabled: true,
		Secrets: []ClientSecret{
			{Type: SecretTypeSharedHash, Value: testSecretHash()},
		},
		Flows:         []Flow{FlowAuthorizationCode, FlowHybrid, FlowImplicit},
		AllowedScopes: []string{"openid", "profile", "email", "api", "offline_access"},
		RedirectURIs:  []string{testRedirectURI},
	}
}

func testClients(clients ...Client) *StaticClients {
	if len(clients) == 0 {
		clients = []Client{testClient()}
	}
	return &StaticClients{Clients: clients}
}

func testSubject() *AuthenticatedSubject {
	return &AuthenticatedSubject{
		ID:       testSubjectID,
		AuthTime: time.Now().Add(-time.Minute),
		Claims:   []Claim{{Type: "amr", Value: "pwd"}},
	}
}

// staticUsers is a fixed-data UserService.
type staticUsers struct {
	subjects  map[string]*AuthenticatedSubject
	passwords map[string]string
	claims    map[string][]Claim
	inactive  map[string]bool
}

func testUsers() *staticUsers {
	return &staticUsers{
		subjects:  map[string]*AuthenticatedSubject{"someuser": testSubject()},
		passwords: map[string]string{"someuser": testPassword},
		claims: map[string][]Claim{
			testSubjectID: {
				{Type: "name", Value: "Some User"},
				{Type: "nickname", Value: "su"},
				{Type: "email", Value: "someuser@example.test"},
			},
		},
		inactive: map[string]bool{},
	}
}

func (u *staticUsers) Authenticate(_ context.Context, username, password string) (*AuthenticatedSubject, error) {
	want, ok := u.passwords[username]
	if !ok || want != password {
		return nil, nil
	}
	sub := *u.subjects[username]
	return &sub, nil
}

func (u *staticUsers) GetClaims(_ context.Context, subjectID string, claimTypes []string) ([]Claim, error) {
	all := u.claims[subjectID]
	if len(claimTypes) == 0 {
		return all, nil
	}
	var out []Claim
	for _, c := range all {
		for _, t := range claimTypes {
			if c.Type == t {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (u *staticUsers) IsActive(_ context.Context, subjectID string) (bool, error) {
	return !u.inactive[subjectID], nil
}

var _ UserService = (*staticUsers)(nil)

// mustStoredKey converts a user-facing handle to its store key.
func mustStoredKey(t *testing.T, handle, usage string) string {
	t.Helper()
	tok, err := token.FromUser(handle, usage)
	if err != nil {
		t.Fatalf("deriving stored key: %v", err)
	}
	return tok.StoredKey()
}
