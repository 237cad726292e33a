// Package contextid maps the opaque per-connection context identifiers
// handed to the connection-opening callback back to session identifiers.
//
// A ContextID is a keyed BLAKE3 hash of the session id. The key is random
// per process, so context ids are stable for the life of a session but
// cannot be computed, or reversed, by anyone outside the process.
package contextid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/zeebo/blake3"

	"github.com/jmcleod/davkeeper/credstore"
)

// DefaultCapacity matches the credential store's session bound.
const DefaultCapacity = credstore.DefaultMaxSessions

const idLen = 16

// ContextID is the indirection key used in place of a session id.
type ContextID string

// Index derives context ids and resolves them back to sessions. It is safe
// for concurrent use.
type Index struct {
	key      [32]byte
	capacity int
	logger   *slog.Logger

	mu  sync.Mutex
	ids *simplelru.LRU[ContextID, credstore.SessionID]
}

// Option configures an Index.
type Option func(*Index)

// WithCapacity bounds the number of registered context ids.
func WithCapacity(n int) Option {
	return func(i *Index) {
		i.capacity = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Index) {
		i.logger = logger
	}
}

// New returns an empty Index with a fresh derivation key.
func New(opts ...Option) (*Index, error) {
	idx := &Index{capacity: DefaultCapacity}
	if _, err := rand.Read(idx.key[:]); err != nil {
		return nil, fmt.Errorf("generating context id key: %w", err)
	}
	for _, opt := range opts {
		opt(idx)
	}
	ids, err := simplelru.NewLRU[ContextID, credstore.SessionID](idx.capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("context id index: %w", err)
	}
	idx.ids = ids
	if idx.logger == nil {
		idx.logger = slog.Default()
	}
	idx.logger = idx.logger.With("component", "contextid")
	return idx, nil
}

// Derive returns the context id for sessionID and (re-)registers it so a
// later Resolve succeeds.
func (i *Index) Derive(sessionID credstore.SessionID) ContextID {
	id := i.compute(sessionID)
	i.mu.Lock()
	var evicted ContextID
	if !i.ids.Contains(id) && i.ids.Len() >= i.capacity {
		evicted, _, _ = i.ids.GetOldest()
	}
	didEvict := i.ids.Add(id, sessionID)
	i.mu.Unlock()
	if didEvict {
		i.logger.Debug("context id evicted", slog.String("context_id", string(evicted)))
	}
	return id
}

// Resolve returns the session a context id was derived from. It reports
// false for ids that were never registered or have been evicted; callers
// then proceed without credentials.
func (i *Index) Resolve(id ContextID) (credstore.SessionID, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ids.Get(id)
}

// Forget drops the registration for sessionID.
func (i *Index) Forget(sessionID credstore.SessionID) {
	id := i.compute(sessionID)
	i.mu.Lock()
	i.ids.Remove(id)
	i.mu.Unlock()
}

// Len returns the number of registered context ids.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ids.Len()
}

func (i *Index) compute(sessionID credstore.SessionID) ContextID {
	h, err := blake3.NewKeyed(i.key[:])
	if err != nil {
		// Only fails for keys that are not 32 bytes.
		panic(fmt.Sprintf("contextid: keyed hash: %v", err))
	}
	h.Write([]byte(sessionID))
	var sum [idLen]byte
	h.Digest().Read(sum[:])
	return ContextID(hex.EncodeToString(sum[:]))
}
