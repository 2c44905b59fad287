package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Exchanger performs LWA token exchanges. Satisfied by *Client.
type Exchanger interface {
	InitialGrant(ctx context.Context, code string) (Token, error)
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Manager hands out a valid access token, renewing it preemptively before
// its declared expiry. A mutex serializes exchanges: a caller arriving while
// a refresh is in flight waits for it and reuses the fresh token instead of
// issuing a second exchange.
type Manager struct {
	store     *Store
	lwa       Exchanger
	grantCode string
	preempt   time.Duration
	logger    *zap.Logger

	// OnExchange, when set, is called after every successful exchange.
	// Assign before the first AccessToken call.
	OnExchange func()

	now func() time.Time

	mu  sync.Mutex
	cur *Token
}

// NewManager creates a token manager over a persisted store and an exchanger.
func NewManager(store *Store, lwa Exchanger, grantCode string, preemptiveRefresh time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		lwa:       lwa,
		grantCode: grantCode,
		preempt:   preemptiveRefresh,
		logger:    logger,
		now:       time.Now,
	}
}

// AccessToken returns a valid access token, performing the initial grant or
// a refresh exchange first when needed. On exchange failure the previous
// token and the persisted state are left untouched, so a later call retries
// from the same state.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		tok, found, err := m.store.Load()
		if err != nil {
			return "", err
		}
		if found {
			m.cur = &tok
		}
	}

	if m.cur == nil {
		tok, err := m.lwa.InitialGrant(ctx, m.grantCode)
		if err != nil {
			return "", fmt.Errorf("initial grant: %w", err)
		}
		return m.adopt(tok)
	}

	if m.fresh(*m.cur) {
		return m.cur.AccessToken, nil
	}

	tok, err := m.lwa.Refresh(ctx, m.cur.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh: %w", err)
	}
	return m.adopt(tok)
}

// adopt persists a newly exchanged token and makes it current. Persist-then-
// cache ordering keeps the stored state ahead of what callers may be using.
func (m *Manager) adopt(tok Token) (string, error) {
	if err := m.store.Save(tok); err != nil {
		return "", err
	}
	m.cur = &tok
	if m.OnExchange != nil {
		m.OnExchange()
	}
	m.logger.Info("access token replaced", zap.Int("expires_in", tok.ExpiresIn))
	return tok.AccessToken, nil
}

// fresh reports whether the token is still inside its preemptive window.
func (m *Manager) fresh(tok Token) bool {
	lifetime := time.Duration(tok.ExpiresIn)*time.Second - m.preempt
	return m.now().Before(tok.Datetime.Add(lifetime))
}
