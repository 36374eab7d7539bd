package idpkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCacheGetOrCompute(t *testing.T) {
	ctx := t.Context()

	c := NewCache[string](time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	loads := 0
	loader := func(context.Context) (string, error) {
		loads++
		return "value", nil
	}

	for range 3 {
		got, err := c.GetOrCompute(ctx, "key", loader)
		if err != nil || got != "value" {
			t.Fatalf("want value, got %q, %v", got, err)
		}
	}
	if loads != 1 {
		t.Errorf("want a single load within the TTL, got %d", loads)
	}

	// Past the TTL the loader runs again.
	now = now.Add(2 * time.Minute)
	if _, err := c.GetOrCompute(ctx, "key", loader); err != nil {
		t.Fatalf("reloading: %v", err)
	}
	if loads != 2 {
		t.Errorf("want a reload after expiry, got %d loads", loads)
	}

	c.Invalidate("key")
	if _, err := c.GetOrCompute(ctx, "key", loader); err != nil {
		t.Fatalf("reloading: %v", err)
	}
	if loads != 3 {
		t.Errorf("want a reload after invalidation, got %d loads", loads)
	}
}

func TestCacheLoaderErrorsNotCached(t *testing.T) {
	ctx := t.Context()
	c := NewCache[string](time.Minute)

	boom := errors.New("boom")
	loads := 0
	if _, err := c.GetOrCompute(ctx, "key", func(context.Context) (string, error) {
		loads++
		return "", boom
	}); !errors.Is(err, boom) {
		t.Fatalf("want loader error surfaced, got %v", err)
	}

	got, err := c.GetOrCompute(ctx, "key", func(context.Context) (string, error) {
		loads++
		return "recovered", nil
	})
	if err != nil || got != "recovered" {
		t.Fatalf("want recovery on next load, got %q, %v", got, err)
	}
	if loads != 2 {
		t.Errorf("want 2 loads, got %d", loads)
	}
}

func TestCachingClientStore(t *testing.T) {
	ctx := t.Context()

	inner := &countingClientStore{inner: testClients()}
	c := NewCachingClientStore(inner, time.Minute)

	for range 3 {
		got, err := c.GetClient(ctx, testClientID)
		if err != nil {
			t.Fatalf("fetching: %v", err)
		}
		if got.ID != testClientID {
			t.Fatalf("want %q, got %q", testClientID, got.ID)
		}
	}
	if inner.calls != 1 {
		t.Errorf("want a single store hit, got %d", inner.calls)
	}

	// Misses (errors) are not cached.
	if _, err := c.GetClient(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := c.GetClient(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("want misses to reach the store each time, got %d calls", inner.calls)
	}
}

func TestCachingScopeStore(t *testing.T) {
	ctx := t.Context()

	inner := &countingScopeStore{inner: testScopes()}
	c := NewCachingScopeStore(inner, time.Minute)

	for range 2 {
		scopes, err := c.GetScopesByName(ctx, []string{"openid", "api", "unknown"})
		if err != nil {
			t.Fatalf("fetching: %v", err)
		}
		// Unknown names are omitted, matching the inner store's contract.
		if len(scopes) != 2 {
			t.Fatalf("want 2 scopes, got %d", len(scopes))
		}
	}
}

type countingClientStore struct {
	inner ClientStore
	calls int
}

func (s *countingClientStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	s.calls++
	return s.inner.GetClient(ctx, clientID)
}

type countingScopeStore struct {
	inner ScopeStore
	calls int
}

func (s *countingScopeStore) GetScopesByName(ctx context.Context, names []string) ([]Scope, error) {
	s.calls++
	return s.inner.GetScopesByName(ctx, names)
}
