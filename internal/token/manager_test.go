package token

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeExchanger struct {
	mu       sync.Mutex
	grants   int
	refreshs int
	next     Token
	err      error
}

func (f *fakeExchanger) InitialGrant(ctx context.Context, code string) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants++
	if f.err != nil {
		return Token{}, f.err
	}
	return f.next, nil
}

func (f *fakeExchanger) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshs++
	if f.err != nil {
		return Token{}, f.err
	}
	return f.next, nil
}

func newTestManager(t *testing.T, lwa Exchanger) (*Manager, *Store) {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "tokens.json"))
	return NewManager(store, lwa, "grant-code", 300*time.Second, nil), store
}

func TestAccessTokenInitialGrant(t *testing.T) {
	lwa := &fakeExchanger{next: Token{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 3600, Datetime: time.Now()}}
	m, store := newTestManager(t, lwa)

	got, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken(): %v", err)
	}
	if got != "a1" {
		t.Fatalf("AccessToken() = %q, want %q", got, "a1")
	}
	if lwa.grants != 1 || lwa.refreshs != 0 {
		t.Fatalf("exchanges = %d grants / %d refreshes, want 1/0", lwa.grants, lwa.refreshs)
	}
	if _, found, _ := store.Load(); !found {
		t.Fatal("token not persisted after initial grant")
	}
}

func TestAccessTokenFreshTokenNoExchange(t *testing.T) {
	lwa := &fakeExchanger{}
	m, store := newTestManager(t, lwa)
	stored := Token{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 3600, Datetime: time.Now()}
	if err := store.Save(stored); err != nil {
		t.Fatalf("Save(): %v", err)
	}

	got, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken(): %v", err)
	}
	if got != stored.AccessToken {
		t.Fatalf("AccessToken() = %q, want stored token %q", got, stored.AccessToken)
	}
	if lwa.grants != 0 || lwa.refreshs != 0 {
		t.Fatalf("exchange performed for fresh token: %d grants, %d refreshes", lwa.grants, lwa.refreshs)
	}
}

func TestAccessTokenPreemptiveRefresh(t *testing.T) {
	lwa := &fakeExchanger{next: Token{AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 3600, Datetime: time.Now()}}
	m, store := newTestManager(t, lwa)

	// One second past the preemptive window: 3600s lifetime, 300s preempt.
	issued := time.Now().Add(-(3600-300)*time.Second - time.Second)
	if err := store.Save(Token{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 3600, Datetime: issued}); err != nil {
		t.Fatalf("Save(): %v", err)
	}

	got, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken(): %v", err)
	}
	if got != "a2" {
		t.Fatalf("AccessToken() = %q, want refreshed token %q", got, "a2")
	}
	if lwa.refreshs != 1 {
		t.Fatalf("refresh exchanges = %d, want 1", lwa.refreshs)
	}
	tok, _, _ := store.Load()
	if tok.AccessToken != "a2" || tok.RefreshToken != "r2" {
		t.Fatalf("persisted token = %+v, want replaced pair", tok)
	}
}

func TestAccessTokenRefreshFailureKeepsState(t *testing.T) {
	lwa := &fakeExchanger{err: errors.New("lwa down")}
	m, store := newTestManager(t, lwa)
	issued := time.Now().Add(-4000 * time.Second)
	stored := Token{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 3600, Datetime: issued}
	if err := store.Save(stored); err != nil {
		t.Fatalf("Save(): %v", err)
	}

	if _, err := m.AccessToken(context.Background()); err == nil {
		t.Fatal("AccessToken() succeeded with failing exchanger")
	}
	tok, found, _ := store.Load()
	if !found || tok.AccessToken != "a1" || tok.RefreshToken != "r1" {
		t.Fatalf("persisted state changed on failed refresh: %+v", tok)
	}

	// Next attempt retries from the same state.
	lwa.err = nil
	lwa.next = Token{AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 3600, Datetime: time.Now()}
	got, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken() retry: %v", err)
	}
	if got != "a2" {
		t.Fatalf("AccessToken() retry = %q, want %q", got, "a2")
	}
}

func TestAccessTokenConcurrentRefreshCollapses(t *testing.T) {
	lwa := &fakeExchanger{next: Token{AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 3600, Datetime: time.Now()}}
	m, store := newTestManager(t, lwa)
	issued := time.Now().Add(-4000 * time.Second)
	if err := store.Save(Token{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 3600, Datetime: issued}); err != nil {
		t.Fatalf("Save(): %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.AccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "a2" {
			t.Fatalf("caller %d got %q, want %q", i, tokens[i], "a2")
		}
	}
	if lwa.refreshs != 1 {
		t.Fatalf("refresh exchanges = %d, want exactly 1 for concurrent callers", lwa.refreshs)
	}
}
