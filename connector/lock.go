package connector

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/davkeeper/credstore"
	"github.com/jmcleod/davkeeper/guard"
	"github.com/jmcleod/davkeeper/urlauth"
)

var (
	// ErrLockingDisabled is returned by Lock when documents are not locked
	// on open.
	ErrLockingDisabled = errors.New("locking is disabled")
	// ErrNoLockToken is returned when the server grants a lock without
	// naming its token.
	ErrNoLockToken = errors.New("server returned no lock token")
)

// DefaultLockTimeout is requested when the caller gives none.
const DefaultLockTimeout = 10 * time.Minute

// Lock takes, or refreshes, an exclusive write lock on target for the
// session and records its token. The lock owner is the session's display
// name on target's server.
func (c *Connector) Lock(ctx context.Context, sessionID credstore.SessionID, target string, timeout time.Duration) (string, error) {
	if c.locks == nil || !c.locks.Enabled() {
		return "", ErrLockingDisabled
	}
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	owner := c.DisplayName(sessionID, target)
	opts := []guard.Option{
		guard.WithMethod("LOCK"),
		guard.WithHeader("Timeout", "Second-"+strconv.Itoa(int(timeout/time.Second))),
	}

	existing, refresh := c.locks.Token(sessionID, target)
	if refresh {
		opts = append(opts, guard.WithHeader("If", "(<"+existing+">)"))
	} else {
		opts = append(opts,
			guard.WithHeader("Content-Type", "application/xml; charset=utf-8"),
			guard.WithBody(strings.NewReader(lockInfo(owner))),
		)
	}

	conn, err := c.OpenSession(sessionID, target, opts...)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if err := conn.Connect(ctx); err != nil {
		return "", err
	}
	if refresh {
		c.logger.Debug("lock refreshed", slog.String("url", conn.URL()))
		return existing, nil
	}

	token := parseLockToken(conn.Response().Header.Get("Lock-Token"))
	if token == "" {
		return "", fmt.Errorf("locking %s: %w", conn.URL(), ErrNoLockToken)
	}
	c.locks.Register(sessionID, target, token, owner)
	c.logger.Debug("lock acquired", slog.String("url", conn.URL()), slog.String("owner", owner))
	return token, nil
}

// Unlock releases the session's lock on target, if it holds one. The
// local record is dropped even when the server refuses.
func (c *Connector) Unlock(ctx context.Context, sessionID credstore.SessionID, target string) error {
	if c.locks == nil {
		return nil
	}
	token, ok := c.locks.Token(sessionID, target)
	if !ok {
		return nil
	}
	defer c.locks.Release(sessionID, target)

	conn, err := c.OpenSession(sessionID, target,
		guard.WithMethod("UNLOCK"),
		guard.WithHeader("Lock-Token", "<"+token+">"),
	)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("unlocking %s: %w", urlauth.ClearUserInfo(target), err)
	}
	return nil
}

func lockInfo(owner string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope>`)
	b.WriteString(`<D:locktype><D:write/></D:locktype><D:owner>`)
	_ = xml.EscapeText(&b, []byte(owner))
	b.WriteString(`</D:owner></D:lockinfo>`)
	return b.String()
}

// parseLockToken extracts the token from a Lock-Token header value such
// as "<opaquelocktoken:abc>".
func parseLockToken(header string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(header), "<"), ">")
}
