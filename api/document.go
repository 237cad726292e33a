package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/jmcleod/davkeeper/credstore"
	"github.com/jmcleod/davkeeper/guard"
	"github.com/jmcleod/davkeeper/urlauth"
)

const maxDocumentBytes = 32 << 20

// GetDocument streams a document from its WebDAV server. The connection is
// opened by the session's context id, so the stored credentials for that
// server are used.
func (a *API) GetDocument(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	sessionID := sessionFromContext(r.Context())

	conn, err := a.conn.Open(a.conn.ContextID(sessionID), target)
	if err != nil {
		mapError(w, err)
		return
	}
	defer conn.Close()
	if err := conn.Connect(r.Context()); err != nil {
		a.logDocumentFailure(r, sessionID, target, err)
		mapError(w, err)
		return
	}

	if ct := conn.Response().Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	// Upstream content must never run as part of this origin.
	w.Header().Set("Content-Security-Policy", "sandbox")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, conn); err != nil {
		a.logger.Debug("document read interrupted",
			slog.String("url", conn.URL()),
			"error", err)
	}
}

// PutDocument saves the request body to a WebDAV document. The session's
// lock token for the document is attached when locking is enabled.
func (a *API) PutDocument(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	sessionID := sessionFromContext(r.Context())

	// Buffer first so a broken upload never reaches the server truncated.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "document too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var opts []guard.Option
	if ct := r.Header.Get("Content-Type"); ct != "" {
		opts = append(opts, guard.WithHeader("Content-Type", ct))
	}
	conn, err := a.conn.Open(a.conn.ContextID(sessionID), target, opts...)
	if err != nil {
		mapError(w, err)
		return
	}
	defer conn.Close()

	wr, err := conn.OpenWriter(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	_, werr := wr.Write(body)
	if cerr := wr.Close(); cerr != nil || werr != nil {
		err = cerr
		if err == nil {
			err = werr
		}
		a.logDocumentFailure(r, sessionID, target, err)
		mapError(w, err)
		return
	}
	a.logger.Debug("document saved",
		slog.String("session", credstore.Fingerprint(sessionID)),
		slog.String("url", conn.URL()),
		slog.Int("bytes", len(body)),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) logDocumentFailure(r *http.Request, sessionID credstore.SessionID, target string, err error) {
	if !errors.Is(err, guard.ErrAuthRequired) {
		a.logger.Info("document transfer failed",
			slog.String("url", urlauth.ClearUserInfo(target)),
			"error", err)
		return
	}
	if cred, ok := a.conn.Credential(sessionID, target); ok && !cred.Anonymous() {
		a.audit.logFailure(AuditLoginFailure, r, sessionID, "server rejected credentials",
			slog.String("user", cred.Username),
			slog.String("url", urlauth.ClearUserInfo(target)),
		)
	}
}
