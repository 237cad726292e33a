package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/jmcleod/davkeeper/credstore"
)

// EndReason says why a session ended.
type EndReason string

const (
	EndLogout  EndReason = "logout"
	EndExpired EndReason = "expired"
	EndEvicted EndReason = "evicted"
)

const (
	minSweepInterval = time.Second
	maxSweepInterval = 5 * time.Minute
)

// SessionRegistry tracks live browser sessions and reports each one's end
// exactly once. At most maxSessions are live; starting one more ends the
// least recently seen session.
type SessionRegistry struct {
	mu          sync.Mutex
	lastSeen    *simplelru.LRU[credstore.SessionID, time.Time] // oldest first
	maxSessions int
	idleTimeout time.Duration
	onEnd       func(credstore.SessionID, EndReason)
	now         func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSessionRegistry returns a registry holding at most maxSessions live
// sessions that ends sessions idle for longer than idleTimeout and calls
// onEnd for every ended session. idleTimeout of 0 disables expiry.
func NewSessionRegistry(idleTimeout time.Duration, maxSessions int, onEnd func(credstore.SessionID, EndReason)) *SessionRegistry {
	if maxSessions < 1 {
		maxSessions = credstore.DefaultMaxSessions
	}
	lastSeen, err := simplelru.NewLRU[credstore.SessionID, time.Time](maxSessions, nil)
	if err != nil {
		panic(fmt.Sprintf("api: session registry: %v", err))
	}
	r := &SessionRegistry{
		lastSeen:    lastSeen,
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		onEnd:       onEnd,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	if idleTimeout > 0 {
		go r.cleanupLoop(sweepInterval(idleTimeout))
	}
	return r
}

func sweepInterval(idle time.Duration) time.Duration {
	return min(max(idle/2, minSweepInterval), maxSweepInterval)
}

// Close stops the background sweeper. Live sessions are left as they are.
func (r *SessionRegistry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

// Start registers a new session and returns its id. When the registry is
// full the least recently seen session is ended first.
func (r *SessionRegistry) Start() credstore.SessionID {
	id := credstore.SessionID(uuid.NewString())
	r.mu.Lock()
	var oldest credstore.SessionID
	if r.lastSeen.Len() >= r.maxSessions {
		oldest, _, _ = r.lastSeen.GetOldest()
	}
	evicted := r.lastSeen.Add(id, r.now())
	r.mu.Unlock()
	if evicted {
		r.notify(oldest, EndEvicted)
	}
	return id
}

// Touch marks id as active. It reports false for unknown sessions and for
// sessions found idle, which are ended on the spot.
func (r *SessionRegistry) Touch(id credstore.SessionID) bool {
	r.mu.Lock()
	seen, ok := r.lastSeen.Peek(id)
	if !ok {
		r.mu.Unlock()
		return false
	}
	now := r.now()
	if r.expired(seen, now) {
		r.lastSeen.Remove(id)
		r.mu.Unlock()
		r.notify(id, EndExpired)
		return false
	}
	r.lastSeen.Add(id, now)
	r.mu.Unlock()
	return true
}

// End ends id. It reports whether the session was live; ending an unknown
// or already ended session does nothing.
func (r *SessionRegistry) End(id credstore.SessionID, reason EndReason) bool {
	r.mu.Lock()
	ok := r.lastSeen.Remove(id)
	r.mu.Unlock()
	if ok {
		r.notify(id, reason)
	}
	return ok
}

// Sweep ends every idle session and returns how many it ended.
func (r *SessionRegistry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var ended []credstore.SessionID
	// Recency order is last-seen order, so idle sessions are all at the front.
	for {
		id, seen, ok := r.lastSeen.GetOldest()
		if !ok || !r.expired(seen, now) {
			break
		}
		r.lastSeen.Remove(id)
		ended = append(ended, id)
	}
	r.mu.Unlock()

	for _, id := range ended {
		r.notify(id, EndExpired)
	}
	return len(ended)
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen.Len()
}

func (r *SessionRegistry) expired(seen, now time.Time) bool {
	return r.idleTimeout > 0 && now.Sub(seen) > r.idleTimeout
}

func (r *SessionRegistry) notify(id credstore.SessionID, reason EndReason) {
	if r.onEnd != nil {
		r.onEnd(id, reason)
	}
}

func (r *SessionRegistry) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}
