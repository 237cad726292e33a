// Package lock tracks the WebDAV lock tokens held by each session so that
// writes can present them to the server.
package lock

import (
	"net/http"
	"sync"

	"github.com/jmcleod/davkeeper/credstore"
	"github.com/jmcleod/davkeeper/urlauth"
)

// AnonymousOwner is reported as lock owner when a session has no known
// username for the server.
const AnonymousOwner = "Anonymous"

// Owner returns name, or AnonymousOwner when name is empty.
func Owner(name string) string {
	if name == "" {
		return AnonymousOwner
	}
	return name
}

type key struct {
	session  credstore.SessionID
	resource string
}

// Tracker is an in-memory registry of lock tokens. It is safe for
// concurrent use.
type Tracker struct {
	enabled func() bool

	mu     sync.RWMutex
	tokens map[key]string
	owners map[key]string
}

// NewTracker returns a Tracker. enabled is consulted on every write; nil
// means locking is always on.
func NewTracker(enabled func() bool) *Tracker {
	return &Tracker{
		enabled: enabled,
		tokens:  make(map[key]string),
		owners:  make(map[key]string),
	}
}

// Enabled reports whether lock metadata should be sent.
func (t *Tracker) Enabled() bool {
	return t.enabled == nil || t.enabled()
}

// Register records the lock token sessionID holds on resource and the
// owner name it was taken under.
func (t *Tracker) Register(sessionID credstore.SessionID, resource, token, owner string) {
	k := key{sessionID, canonical(resource)}
	t.mu.Lock()
	t.tokens[k] = token
	t.owners[k] = Owner(owner)
	t.mu.Unlock()
}

// Release forgets the lock on resource.
func (t *Tracker) Release(sessionID credstore.SessionID, resource string) {
	k := key{sessionID, canonical(resource)}
	t.mu.Lock()
	delete(t.tokens, k)
	delete(t.owners, k)
	t.mu.Unlock()
}

// Token returns the lock token sessionID holds on resource.
func (t *Tracker) Token(sessionID credstore.SessionID, resource string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tok, ok := t.tokens[key{sessionID, canonical(resource)}]
	return tok, ok
}

// LockOwner returns the owner a held lock was registered under.
func (t *Tracker) LockOwner(sessionID credstore.SessionID, resource string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.owners[key{sessionID, canonical(resource)}]
	return o, ok
}

// LockHeaders returns the If header proving ownership of the lock on
// resource, or an empty header when sessionID holds none.
func (t *Tracker) LockHeaders(sessionID credstore.SessionID, resource string) http.Header {
	h := make(http.Header)
	if tok, ok := t.Token(sessionID, resource); ok {
		h.Set("If", "(<"+tok+">)")
	}
	return h
}

// Forget drops every lock held by sessionID.
func (t *Tracker) Forget(sessionID credstore.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.tokens {
		if k.session == sessionID {
			delete(t.tokens, k)
			delete(t.owners, k)
		}
	}
}

// canonical makes the wrapper and wire forms of a URL, with or without
// credentials, address the same lock.
func canonical(resource string) string {
	return urlauth.ClearUserInfo(urlauth.StripWrapperScheme(resource))
}
