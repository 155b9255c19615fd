// Package auth reads and stores the session's credential.
package auth

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/matheus3301/imclient/internal/store"
	"go.uber.org/zap"
)

// TokenEnv overrides the stored token when set.
const TokenEnv = "IMCLIENT_TOKEN"

// Store serves the credential to the connection and REST layers. The stored
// row is cached after the first read; Save refreshes the cache.
type Store struct {
	db     *store.DB
	getenv func(string) string
	logger *zap.Logger

	mu     sync.Mutex
	cached *store.Credential
	loaded bool
}

// New creates a credential store backed by db.
func New(db *store.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, getenv: os.Getenv, logger: logger.Named("auth")}
}

// Credential returns the token to present to the server.
func (s *Store) Credential() (string, bool) {
	if tok := strings.TrimSpace(s.getenv(TokenEnv)); tok != "" {
		return tok, true
	}
	c, err := s.load()
	if err != nil {
		s.logger.Warn("read credential", zap.Error(err))
		return "", false
	}
	if c == nil || c.Token == "" {
		return "", false
	}
	return c.Token, true
}

// Profile returns the stored identity, or nil when nobody is signed in.
func (s *Store) Profile() (*store.Credential, error) {
	c, err := s.load()
	if err != nil || c == nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

// Save replaces the stored credential.
func (s *Store) Save(c store.Credential) error {
	c.Token = strings.TrimSpace(c.Token)
	if c.Token == "" {
		return fmt.Errorf("save credential: empty token")
	}
	if err := s.db.SaveCredential(c); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	s.mu.Lock()
	s.cached, s.loaded = &c, true
	s.mu.Unlock()
	return nil
}

// SetUserID records the user id reported by the server for the current token.
func (s *Store) SetUserID(userID int64) error {
	if err := s.db.SetCredentialUser(userID); err != nil {
		return fmt.Errorf("set credential user: %w", err)
	}
	s.mu.Lock()
	if s.cached != nil {
		s.cached.UserID = userID
	}
	s.mu.Unlock()
	return nil
}

// Clear removes the stored credential.
func (s *Store) Clear() error {
	if err := s.db.ClearCredential(); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	s.mu.Lock()
	s.cached, s.loaded = nil, true
	s.mu.Unlock()
	return nil
}

func (s *Store) load() (*store.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.cached, nil
	}
	c, err := s.db.GetCredential()
	if err != nil {
		return nil, err
	}
	s.cached, s.loaded = c, true
	return c, nil
}
