package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// tokenTTL is the lifetime of a dashboard session.
const tokenTTL = 24 * time.Hour

var timeNow = time.Now

// tokenStore holds the opaque dashboard bearer tokens. They live in
// memory only, so every dashboard session dies with the process.
type tokenStore struct {
	mutex  sync.Mutex
	tokens map[string]time.Time
}

func newTokenStore() *tokenStore {
	return &tokenStore{
		tokens: make(map[string]time.Time),
	}
}

func (s *tokenStore) mint() string {
	token := uuid.NewString()

	s.mutex.Lock()
	s.tokens[token] = timeNow().Add(tokenTTL)
	s.mutex.Unlock()

	return token
}

func (s *tokenStore) valid(token string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	expiry, ok := s.tokens[token]
	if !ok {
		return false
	}

	if timeNow().After(expiry) {
		delete(s.tokens, token)
		return false
	}

	return true
}

func (s *tokenStore) drop(token string) {
	s.mutex.Lock()
	delete(s.tokens, token)
	s.mutex.Unlock()
}
