// Package credstore holds WebDAV credentials per (session, server) pair.
//
// Secrets are sealed with a Sealer before they are stored and are only
// opened again by Get. The number of sessions is bounded; when the bound is
// reached the least recently touched session is dropped together with every
// credential it holds, so a user never ends up logged in to only some of
// the servers they authenticated against.
package credstore

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/zeebo/blake3"
)

// SessionID identifies one logged-in browser session.
type SessionID string

// ServerID identifies a WebDAV server by scheme, host and port.
type ServerID string

// Credential is a resolved username and plaintext secret.
type Credential struct {
	Username string
	Secret   string
}

// Anonymous reports whether the credential only carries a presumed
// identity and no secret.
func (c Credential) Anonymous() bool { return c.Secret == "" }

// Sealer encrypts secrets bound to associated data. *codec.Codec satisfies it.
type Sealer interface {
	Encrypt(plaintext, aad []byte) ([]byte, error)
	Decrypt(token, aad []byte) ([]byte, error)
}

type sealedCredential struct {
	username string
	secret   []byte
}

// Store is a bounded, concurrency-safe credential cache. Sealing and
// opening happen outside the lock; the lock only covers map and recency
// bookkeeping.
type Store struct {
	sealer      Sealer
	maxSessions int
	logger      *slog.Logger
	onEvict     func(SessionID)

	mu       sync.Mutex
	sessions *simplelru.LRU[SessionID, map[ServerID]sealedCredential]
}

// New creates a Store sealing secrets with sealer.
func New(sealer Sealer, opts ...Option) *Store {
	s := &Store{
		sealer:      sealer,
		maxSessions: DefaultMaxSessions,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "credstore")

	sessions, err := simplelru.NewLRU[SessionID, map[ServerID]sealedCredential](s.maxSessions, nil)
	if err != nil {
		// WithMaxSessions keeps the bound positive.
		panic(fmt.Sprintf("credstore: %v", err))
	}
	s.sessions = sessions
	return s
}

// Put stores the credential for (sessionID, serverID), replacing any
// existing one.
func (s *Store) Put(sessionID SessionID, serverID ServerID, username, secret string) {
	s.put(sessionID, serverID, username, secret, true)
}

// PutIfAbsent stores the credential only when the pair has none yet. It is
// used to record a presumed identity without displacing a real login that
// raced ahead of it.
func (s *Store) PutIfAbsent(sessionID SessionID, serverID ServerID, username, secret string) {
	s.put(sessionID, serverID, username, secret, false)
}

func (s *Store) put(sessionID SessionID, serverID ServerID, username, secret string, overwrite bool) {
	sealed, err := s.sealer.Encrypt([]byte(secret), entryAAD(sessionID, serverID))
	if err != nil {
		s.logger.Error("sealing credential failed",
			slog.String("session", Fingerprint(sessionID)),
			slog.String("server_id", string(serverID)),
			"error", err)
		return
	}
	cred := sealedCredential{username: username, secret: sealed}

	s.mu.Lock()
	creds, ok := s.sessions.Get(sessionID)
	if ok {
		if _, exists := creds[serverID]; exists && !overwrite {
			s.mu.Unlock()
			return
		}
		creds[serverID] = cred
		s.mu.Unlock()
		return
	}
	var evicted SessionID
	if s.sessions.Len() >= s.maxSessions {
		evicted, _, _ = s.sessions.GetOldest()
	}
	didEvict := s.sessions.Add(sessionID, map[ServerID]sealedCredential{serverID: cred})
	s.mu.Unlock()

	if didEvict {
		s.logger.Debug("session evicted from full credential store", slog.String("session", Fingerprint(evicted)))
		if s.onEvict != nil {
			s.onEvict(evicted)
		}
	}
}

// Get returns the credential for (sessionID, serverID). It reports false
// when there is none or when the stored secret cannot be opened; the latter
// is logged and forces the user to authenticate again.
func (s *Store) Get(sessionID SessionID, serverID ServerID) (Credential, bool) {
	s.mu.Lock()
	creds, ok := s.sessions.Get(sessionID)
	var cred sealedCredential
	if ok {
		cred, ok = creds[serverID]
	}
	s.mu.Unlock()
	if !ok {
		return Credential{}, false
	}

	secret, err := s.sealer.Decrypt(cred.secret, entryAAD(sessionID, serverID))
	if err != nil {
		s.logger.Warn("stored credential could not be decrypted; treating as absent",
			slog.String("session", Fingerprint(sessionID)),
			slog.String("server_id", string(serverID)),
			"error", err)
		return Credential{}, false
	}
	return Credential{Username: cred.username, Secret: string(secret)}, true
}

// Invalidate drops every credential of sessionID. It is idempotent.
func (s *Store) Invalidate(sessionID SessionID) {
	s.mu.Lock()
	ok := s.sessions.Remove(sessionID)
	s.mu.Unlock()
	if ok {
		s.logger.Debug("session credentials invalidated", slog.String("session", Fingerprint(sessionID)))
	}
}

// Sessions returns the number of sessions currently holding credentials.
func (s *Store) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Len()
}

// Len returns the number of servers sessionID holds credentials for,
// without touching the session.
func (s *Store) Len(sessionID SessionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, _ := s.sessions.Peek(sessionID)
	return len(creds)
}

// entryAAD binds a sealed secret to the entry it was stored under, so a
// token moved to another session or server fails to open.
func entryAAD(sessionID SessionID, serverID ServerID) []byte {
	aad := make([]byte, 0, len(sessionID)+len(serverID)+1)
	aad = append(aad, sessionID...)
	aad = append(aad, 0)
	return append(aad, serverID...)
}

// Fingerprint returns a short stable fingerprint of a session id for logs.
func Fingerprint(sessionID SessionID) string {
	sum := blake3.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:4])
}
