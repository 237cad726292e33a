package credstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/davkeeper/codec"
)

const (
	serverA ServerID = "https://dav.example.com:443"
	serverB ServerID = "http://files.example.com:80"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	c, err := codec.NewRandom()
	require.NoError(t, err)
	return New(c, opts...)
}

// brokenSealer seals normally but refuses to open anything.
type brokenSealer struct {
	Sealer
}

func (brokenSealer) Decrypt([]byte, []byte) ([]byte, error) {
	return nil, errors.New("boom")
}

// recordingSealer remembers the last token it produced.
type recordingSealer struct {
	Sealer
	mu   sync.Mutex
	last []byte
}

func (r *recordingSealer) Encrypt(plaintext, aad []byte) ([]byte, error) {
	tok, err := r.Sealer.Encrypt(plaintext, aad)
	r.mu.Lock()
	r.last = tok
	r.mu.Unlock()
	return tok, err
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t)
	s.Put("s1", serverA, "alice", "p@ss:word")

	got, ok := s.Get("s1", serverA)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "p@ss:word", got.Secret)
	assert.False(t, got.Anonymous())
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStore(t)
	s.Put("s1", serverA, "alice", "p1")
	s.Put("s1", serverA, "alice", "p2")

	got, ok := s.Get("s1", serverA)
	require.True(t, ok)
	assert.Equal(t, "p2", got.Secret)
	assert.Equal(t, 1, s.Len("s1"))
}

func TestPutIfAbsentKeepsExisting(t *testing.T) {
	s := newTestStore(t)
	s.Put("s", serverA, "alice", "p1")
	s.PutIfAbsent("s", serverA, "bob", "p2")

	got, ok := s.Get("s", serverA)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "p1", got.Secret)
}

func TestPutIfAbsentStoresWhenMissing(t *testing.T) {
	s := newTestStore(t)
	s.PutIfAbsent("s", serverA, "bob", "")

	got, ok := s.Get("s", serverA)
	require.True(t, ok)
	assert.Equal(t, "bob", got.Username)
	assert.True(t, got.Anonymous())
}

// An anonymous presumed identity never blocks a real login, and a real
// login is never displaced by a late presumed identity.
func TestAnonymousAndLoginOrdering(t *testing.T) {
	t.Run("AnonymousThenLogin", func(t *testing.T) {
		s := newTestStore(t)
		s.PutIfAbsent("s", serverA, "alice", "")
		s.Put("s", serverA, "alice", "real-secret")

		got, ok := s.Get("s", serverA)
		require.True(t, ok)
		assert.Equal(t, "real-secret", got.Secret)
	})

	t.Run("LoginThenAnonymous", func(t *testing.T) {
		s := newTestStore(t)
		s.Put("s", serverA, "alice", "real-secret")
		s.PutIfAbsent("s", serverA, "alice", "")

		got, ok := s.Get("s", serverA)
		require.True(t, ok)
		assert.Equal(t, "real-secret", got.Secret)
	})
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Get("unknown", serverA)
	assert.False(t, ok)

	s.Put("s1", serverA, "alice", "p")
	_, ok = s.Get("s1", serverB)
	assert.False(t, ok)
}

func TestGetDecryptFailureIsAbsent(t *testing.T) {
	c, err := codec.NewRandom()
	require.NoError(t, err)
	s := New(brokenSealer{Sealer: c})
	s.Put("s1", serverA, "alice", "p")

	_, ok := s.Get("s1", serverA)
	assert.False(t, ok)
}

func TestSealedSecretIsBoundToEntry(t *testing.T) {
	c, err := codec.NewRandom()
	require.NoError(t, err)
	rec := &recordingSealer{Sealer: c}
	s := New(rec)

	s.Put("victim", serverA, "alice", "secret")
	stolen := rec.last
	assert.NotContains(t, string(stolen), "secret")

	// Plant the victim's token under another session.
	s.Put("attacker", serverA, "mallory", "x")
	s.mu.Lock()
	creds, _ := s.sessions.Peek("attacker")
	creds[serverA] = sealedCredential{username: "mallory", secret: stolen}
	s.mu.Unlock()

	_, ok := s.Get("attacker", serverA)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	s := newTestStore(t)
	s.Put("s1", serverA, "alice", "p")
	s.Put("s1", serverB, "alice", "q")
	s.Put("s2", serverA, "bob", "r")

	s.Invalidate("s1")

	_, ok := s.Get("s1", serverA)
	assert.False(t, ok)
	_, ok = s.Get("s1", serverB)
	assert.False(t, ok)

	got, ok := s.Get("s2", serverA)
	require.True(t, ok)
	assert.Equal(t, "bob", got.Username)

	// Idempotent, and safe for sessions that never had entries.
	s.Invalidate("s1")
	s.Invalidate("never-seen")
	assert.Equal(t, 1, s.Sessions())
}

func TestEvictionDropsWholeSessions(t *testing.T) {
	var evicted []SessionID
	s := newTestStore(t,
		WithMaxSessions(3),
		WithEvictionHook(func(id SessionID) { evicted = append(evicted, id) }),
	)

	for i := 0; i < 5; i++ {
		id := SessionID(fmt.Sprintf("s%d", i))
		s.Put(id, serverA, "u", "p")
		s.Put(id, serverB, "u", "p")
	}

	assert.Equal(t, 3, s.Sessions())
	assert.Equal(t, []SessionID{"s0", "s1"}, evicted)
	for i := 0; i < 2; i++ {
		assert.Zero(t, s.Len(SessionID(fmt.Sprintf("s%d", i))))
	}
	for i := 2; i < 5; i++ {
		assert.Equal(t, 2, s.Len(SessionID(fmt.Sprintf("s%d", i))), "resident session lost a server")
	}
}

func TestEvictionPrefersLeastRecentlyTouched(t *testing.T) {
	s := newTestStore(t, WithMaxSessions(2))
	s.Put("old", serverA, "u", "p")
	s.Put("mid", serverA, "u", "p")

	_, ok := s.Get("old", serverA)
	require.True(t, ok)

	s.Put("new", serverA, "u", "p")
	_, ok = s.Get("mid", serverA)
	assert.False(t, ok)
	_, ok = s.Get("old", serverA)
	assert.True(t, ok)
}

func TestNoEvictionBelowBound(t *testing.T) {
	var evicted []SessionID
	s := newTestStore(t, WithEvictionHook(func(id SessionID) { evicted = append(evicted, id) }))

	ids := make([]SessionID, DefaultMaxSessions)
	for i := range ids {
		ids[i] = SessionID(uuid.NewString())
		s.Put(ids[i], serverA, "u", "p")
	}
	require.Empty(t, evicted, "no session may be dropped while the store is within its bound")
	assert.Equal(t, DefaultMaxSessions, s.Sessions())

	// One more evicts exactly the least recently touched session.
	s.Put("overflow", serverA, "u", "p")
	assert.Equal(t, []SessionID{ids[0]}, evicted)
	assert.Equal(t, DefaultMaxSessions, s.Sessions())
	assert.Equal(t, 1, s.Len(ids[1]))
}

func TestConcurrentAccess(t *testing.T) {
	s := newTestStore(t, WithMaxSessions(1000))

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := SessionID(fmt.Sprintf("s%d", g))
			for i := 0; i < 50; i++ {
				secret := fmt.Sprintf("p%d", i)
				s.Put(id, serverA, "u", secret)
				s.PutIfAbsent(id, serverB, "anon", "")
				got, ok := s.Get(id, serverA)
				if !ok || got.Username != "u" {
					t.Errorf("session %s lost its credential", id)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 16, s.Sessions())
}

func TestConcurrentPutIfAbsentSingleWinner(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			s.PutIfAbsent("s", serverA, fmt.Sprintf("user%d", g), fmt.Sprintf("secret%d", g))
		}(g)
	}
	wg.Wait()

	got, ok := s.Get("s", serverA)
	require.True(t, ok)
	// Username and secret must come from the same writer.
	assert.Equal(t, "secret"+got.Username[len("user"):], got.Secret)
}

func TestFingerprintIsStableAndOpaque(t *testing.T) {
	a := Fingerprint("session-123")
	assert.Equal(t, a, Fingerprint("session-123"))
	assert.NotContains(t, a, "session")
	assert.Len(t, a, 8)
}
