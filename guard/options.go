package guard

import (
	"io"
	"log/slog"

	"github.com/jmcleod/davkeeper/credstore"
)

// Option configures a Conn.
type Option func(*Conn)

// WithMethod sets the HTTP method. Connect defaults to GET and OpenWriter
// to PUT.
func WithMethod(method string) Option {
	return func(c *Conn) {
		c.method = method
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) Option {
	return func(c *Conn) {
		c.header.Add(key, value)
	}
}

// WithBody sets the request body sent by Connect.
func WithBody(body io.Reader) Option {
	return func(c *Conn) {
		c.body = body
	}
}

// WithLocks attaches lock metadata from src, looked up for sessionID,
// before writes.
func WithLocks(src LockSource, sessionID credstore.SessionID) Option {
	return func(c *Conn) {
		c.locks = src
		c.session = sessionID
	}
}

// WithDisconnect makes Close also drop the client's idle connections.
func WithDisconnect() Option {
	return func(c *Conn) {
		c.disconnect = true
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}
