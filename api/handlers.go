package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/davkeeper/credstore"
	"github.com/jmcleod/davkeeper/guard"
	"github.com/jmcleod/davkeeper/options"
	"github.com/jmcleod/davkeeper/urlauth"
)

const maxBodyBytes = 64 << 10

// Login stores the credentials submitted for a WebDAV server, or with
// action=logout drops every credential of the session.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	sessionID := sessionFromContext(r.Context())

	if r.PostForm.Get("action") == "logout" {
		if a.sessions.End(sessionID, EndLogout) {
			a.logger.Debug("session logged out", slog.String("session", credstore.Fingerprint(sessionID)))
		}
		clearSessionCookie(w, r)
		clearCSRFCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	server := r.PostForm.Get("server")
	user := r.PostForm.Get("user")
	if err := a.conn.Login(sessionID, server, user, r.PostForm.Get("passwd")); err != nil {
		a.logger.Warn("rejected credentials for malformed server url", "error", err)
		mapError(w, err)
		return
	}
	serverID, _ := credstore.ServerIDFromURL(server)
	a.audit.logEvent(AuditLogin, r, sessionID,
		slog.String("server", string(serverID)),
		slog.String("user", user),
	)
	w.WriteHeader(http.StatusNoContent)
}

// URLInfo reports whether a URL names a WebDAV file or collection and
// where the server's root collection is. A 401 from the server becomes a
// 401 response so the editor can ask for credentials.
func (a *API) URLInfo(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	sessionID := sessionFromContext(r.Context())

	wire, err := a.conn.AddCredentials(sessionID, target)
	if err != nil {
		mapError(w, err)
		return
	}

	resourceType, err := a.probe.ResourceType(r.Context(), wire)
	if errors.Is(err, guard.ErrAuthRequired) {
		if cred, ok := a.conn.Credential(sessionID, target); ok &&
			strings.TrimSpace(cred.Username) != "" && strings.TrimSpace(cred.Secret) != "" {
			a.logger.Warn("failed login attempt",
				slog.String("user", cred.Username),
				slog.String("url", urlauth.ClearUserInfo(target)),
			)
			a.audit.logFailure(AuditLoginFailure, r, sessionID, "server rejected credentials",
				slog.String("user", cred.Username),
			)
		}
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, URLInfoResponse{ErrorMessage: err.Error()})
		return
	}

	root := a.probe.FindRoot(r.Context(), wire, a.rootBudget)
	if wrapped := urlauth.StripWrapperScheme(target); wrapped != target {
		root = credstore.WrapperPrefix + root
	}
	writeJSON(w, http.StatusOK, URLInfoResponse{
		Type:    resourceType.String(),
		RootURL: root,
	})
}

// EditingSession records who is about to edit a document so that locks
// name them even on servers that allow anonymous access.
func (a *API) EditingSession(w http.ResponseWriter, r *http.Request) {
	var req EditingSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	if err := a.conn.RememberUser(sessionFromContext(r.Context()), req.URL, req.UserName); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Lock takes or refreshes the session's write lock on a document.
func (a *API) Lock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	sessionID := sessionFromContext(r.Context())
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	token, err := a.conn.Lock(r.Context(), sessionID, req.URL, timeout)
	if err != nil {
		mapError(w, err)
		return
	}
	owner := a.conn.DisplayName(sessionID, req.URL)
	a.audit.logEvent(AuditLockAcquired, r, sessionID, slog.String("url", urlauth.ClearUserInfo(req.URL)))
	writeJSON(w, http.StatusOK, LockResponse{Token: token, Owner: owner})
}

// Unlock releases the session's lock on a document.
func (a *API) Unlock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	sessionID := sessionFromContext(r.Context())
	if err := a.conn.Unlock(r.Context(), sessionID, req.URL); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditLockReleased, r, sessionID, slog.String("url", urlauth.ClearUserInfo(req.URL)))
	w.WriteHeader(http.StatusNoContent)
}

// GetConfig returns the plugin options.
func (a *API) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, options.Load(a.options))
}

// PutConfig replaces the plugin options. It requires the admin token.
func (a *API) PutConfig(w http.ResponseWriter, r *http.Request) {
	if !a.isAdmin(r) {
		writeError(w, http.StatusUnauthorized, "admin token required")
		return
	}
	var st options.Settings
	if !decodeJSON(w, r, &st) {
		return
	}
	if err := options.Save(a.options, st); err != nil {
		mapError(w, err)
		return
	}
	a.logger.Info("options updated", slog.String("enforced_url", st.EnforcedServer), slog.String("lock_on_open", st.LockOnOpen))
	a.audit.log(r.Context(), AuditConfigUpdated, "", r.RemoteAddr)
	writeJSON(w, http.StatusOK, options.Load(a.options))
}

// TrustedHost reports whether host ("host:port") is the enforced server.
func (a *API) TrustedHost(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		writeError(w, http.StatusBadRequest, "missing host parameter")
		return
	}
	writeJSON(w, http.StatusOK, TrustedHostResponse{Host: host, Trusted: a.trusted.IsTrusted(host)})
}

func (a *API) isAdmin(r *http.Request) bool {
	if a.adminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) == 1
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
