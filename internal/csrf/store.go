// Package csrf issues and validates per-connection control tokens.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

const tokenBytes = 32

// DefaultTTL applies when a store is built with a non-positive TTL.
const DefaultTTL = time.Hour

type entry struct {
	token     string
	expiresAt time.Time
}

// Store keeps at most one live token per connection. Issuing or rotating
// replaces the previous token immediately; there is no overlap window in
// which both validate.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Option adjusts store construction.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store whose tokens live for ttl.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		entries:   make(map[string]entry),
		ttl:       ttl,
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a fresh token for connectionID, invalidating any prior one.
func (s *Store) Issue(connectionID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.entries[connectionID] = entry{token: token, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return token, nil
}

// Validate reports whether token is the live, unexpired token for
// connectionID. Comparison is constant-time; an expired entry is removed
// on the spot.
func (s *Store) Validate(connectionID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[connectionID]
	if !ok {
		return false
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, connectionID)
		return false
	}
	return subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) == 1
}

// Rotate is Issue under its protocol name: the old token stops validating
// the moment the new one exists.
func (s *Store) Rotate(connectionID string) (string, error) {
	return s.Issue(connectionID)
}

// Remove drops the entry for a closed connection.
func (s *Store) Remove(connectionID string) {
	s.mu.Lock()
	delete(s.entries, connectionID)
	s.mu.Unlock()
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until Stop is called.
func (s *Store) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stopSweep:
				return
			}
		}
	}()
}

// Stop ends the background sweeper, if one was started.
func (s *Store) Stop() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

// Len reports the number of live entries, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("csrf: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
