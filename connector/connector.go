// Package connector is the connection-opening boundary: it turns a context
// id and a target URL into a guarded connection carrying the credentials of
// the session behind the context id.
package connector

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmcleod/davkeeper/contextid"
	"github.com/jmcleod/davkeeper/credstore"
	"github.com/jmcleod/davkeeper/guard"
	"github.com/jmcleod/davkeeper/lock"
	"github.com/jmcleod/davkeeper/urlauth"
)

// LockRegistry records the lock tokens a session holds. *lock.Tracker
// satisfies it.
type LockRegistry interface {
	guard.LockSource
	Register(sessionID credstore.SessionID, resource, token, owner string)
	Release(sessionID credstore.SessionID, resource string)
	Token(sessionID credstore.SessionID, resource string) (string, bool)
	Forget(sessionID credstore.SessionID)
}

// Connector wires the credential store, the context index and the
// connection guard together.
type Connector struct {
	store  *credstore.Store
	index  *contextid.Index
	locks  LockRegistry
	client *http.Client
	logger *slog.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithHTTPClient sets the client used for outbound connections.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) {
		c.client = client
	}
}

// WithLocks attaches lock metadata to writes.
func WithLocks(locks LockRegistry) Option {
	return func(c *Connector) {
		c.locks = locks
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		c.logger = logger
	}
}

// New returns a Connector.
func New(store *credstore.Store, index *contextid.Index, opts ...Option) *Connector {
	c := &Connector{store: store, index: index}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "connector")
	return c
}

// Client returns the HTTP client used for outbound connections.
func (c *Connector) Client() *http.Client { return c.client }

// ContextID returns the context id to hand out for sessionID.
func (c *Connector) ContextID(sessionID credstore.SessionID) contextid.ContextID {
	return c.index.Derive(sessionID)
}

// Open prepares a guarded connection to target on behalf of the session
// behind id. An unknown or evicted id yields a connection without
// credentials; the server will then ask for them.
func (c *Connector) Open(id contextid.ContextID, target string, opts ...guard.Option) (*guard.Conn, error) {
	sessionID, ok := c.index.Resolve(id)
	if !ok {
		c.logger.Debug("unknown context id; connecting without credentials", slog.String("context_id", string(id)))
	}
	return c.open(sessionID, ok, target, opts)
}

// OpenSession is Open for callers that hold the session id directly.
func (c *Connector) OpenSession(sessionID credstore.SessionID, target string, opts ...guard.Option) (*guard.Conn, error) {
	return c.open(sessionID, true, target, opts)
}

func (c *Connector) open(sessionID credstore.SessionID, known bool, target string, opts []guard.Option) (*guard.Conn, error) {
	var cred *credstore.Credential
	if known {
		var err error
		if cred, err = c.lookup(sessionID, target); err != nil {
			return nil, err
		}
	}
	wire, err := urlauth.Build(target, cred)
	if err != nil {
		return nil, err
	}

	base := []guard.Option{guard.WithLogger(c.logger)}
	if c.locks != nil && known {
		base = append(base, guard.WithLocks(c.locks, sessionID))
	}
	return guard.New(c.client, wire, urlauth.ClearUserInfo(target), append(base, opts...)...), nil
}

// Credential returns the credential the session holds for target's server.
func (c *Connector) Credential(sessionID credstore.SessionID, target string) (credstore.Credential, bool) {
	cred, err := c.lookup(sessionID, target)
	if err != nil || cred == nil {
		return credstore.Credential{}, false
	}
	return *cred, true
}

// AddCredentials returns target rewritten to carry the session's
// credentials for its server.
func (c *Connector) AddCredentials(sessionID credstore.SessionID, target string) (string, error) {
	cred, err := c.lookup(sessionID, target)
	if err != nil {
		return "", err
	}
	return urlauth.Build(target, cred)
}

// DisplayName returns the username the session is known by on target's
// server, or lock.AnonymousOwner.
func (c *Connector) DisplayName(sessionID credstore.SessionID, target string) string {
	cred, err := c.lookup(sessionID, target)
	if err != nil || cred == nil {
		return lock.AnonymousOwner
	}
	return lock.Owner(cred.Username)
}

// Login stores credentials submitted for serverURL.
func (c *Connector) Login(sessionID credstore.SessionID, serverURL, username, secret string) error {
	serverID, err := credstore.ServerIDFromURL(serverURL)
	if err != nil {
		return err
	}
	c.store.Put(sessionID, serverID, username, secret)
	c.index.Derive(sessionID)
	return nil
}

// RememberUser records username as the presumed identity on target's
// server without a secret, unless the session already has credentials
// there. Servers then learn who owns a lock even when they allow
// anonymous access.
func (c *Connector) RememberUser(sessionID credstore.SessionID, target, username string) error {
	if username == "" {
		return nil
	}
	serverID, err := credstore.ServerIDFromURL(target)
	if err != nil {
		return err
	}
	c.store.PutIfAbsent(sessionID, serverID, username, "")
	return nil
}

// EndSession drops everything held for sessionID. It is the single
// teardown path for logout and session expiry, and is idempotent.
func (c *Connector) EndSession(sessionID credstore.SessionID) {
	c.store.Invalidate(sessionID)
	c.index.Forget(sessionID)
	if c.locks != nil {
		c.locks.Forget(sessionID)
	}
}

func (c *Connector) lookup(sessionID credstore.SessionID, target string) (*credstore.Credential, error) {
	serverID, err := credstore.ServerIDFromURL(target)
	if err != nil {
		return nil, fmt.Errorf("resolving server for %s: %w", urlauth.ClearUserInfo(target), err)
	}
	cred, ok := c.store.Get(sessionID, serverID)
	if !ok {
		return nil, nil
	}
	return &cred, nil
}
