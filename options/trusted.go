package options

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/jmcleod/davkeeper/credstore"
)

// TrustedHosts trusts exactly the host of the enforced server URL.
type TrustedHosts struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	lastURL  string
	hostPort string
}

// NewTrustedHosts returns a TrustedHosts reading the enforced URL from s.
func NewTrustedHosts(s Store, logger *slog.Logger) *TrustedHosts {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrustedHosts{store: s, logger: logger.With("component", "trusted_hosts")}
}

// IsTrusted reports whether hostPort, given as "host:port", is the
// enforced server. Without a usable enforced URL nothing is trusted.
func (t *TrustedHosts) IsTrusted(hostPort string) bool {
	enforced := t.enforced()
	return enforced != "" && strings.EqualFold(hostPort, enforced)
}

// enforced returns the host:port of the enforced URL, recomputing it when
// the option changed since the last call.
func (t *TrustedHosts) enforced() string {
	raw := t.store.Get(KeyEnforcedURL, "")

	t.mu.Lock()
	defer t.mu.Unlock()
	if raw == t.lastURL {
		return t.hostPort
	}
	t.lastURL, t.hostPort = raw, ""
	if raw == "" {
		return ""
	}
	id, err := credstore.ServerIDFromURL(raw)
	if err != nil {
		t.logger.Warn("ignoring malformed enforced server url", "error", err)
		return ""
	}
	_, t.hostPort, _ = strings.Cut(string(id), "://")
	return t.hostPort
}
