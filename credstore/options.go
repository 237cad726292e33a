package credstore

import "log/slog"

const (
	// DefaultMaxSessions bounds the number of sessions whose credentials
	// are held at once.
	DefaultMaxSessions = 10000
)

// Option configures a Store.
type Option func(*Store)

// WithMaxSessions sets the maximum number of sessions tracked. Values below
// one are ignored.
func WithMaxSessions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithEvictionHook registers fn to be called, outside any lock, whenever a
// session is dropped because the store is full.
func WithEvictionHook(fn func(SessionID)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}
