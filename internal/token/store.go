// Package token owns the LWA access token lifecycle: the persisted token
// state, the token exchange client, and the manager that renews tokens
// preemptively before they expire.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Token is one issued access/refresh token pair. A token is replaced whole by
// a successful exchange, never mutated in place.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresIn    int       `json:"expiresIn"`
	Datetime     time.Time `json:"datetime"`
}

// Store persists the current token to a JSON file so it survives restarts.
type Store struct {
	path string
}

// NewStore creates a file-backed token store at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted token. found is false when no token has been
// stored yet (first run, before the initial grant exchange).
func (s *Store) Load() (tok Token, found bool, err error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("read token file: %w", err)
	}
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, false, fmt.Errorf("parse token file: %w", err)
	}
	if tok.AccessToken == "" {
		return Token{}, false, nil
	}
	return tok, true, nil
}

// Save writes the token atomically: temp file in the same directory, then
// rename over the old state.
func (s *Store) Save(tok Token) error {
	raw, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Chmod(name, 0o600); err != nil {
		os.Remove(name)
		return fmt.Errorf("chmod token file: %w", err)
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
