package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/davkeeper/credstore"
)

type contextKey int

const (
	sessionKey contextKey = iota
	freshSessionKey
)

const sessionCookieName = "davkeeper_session"

// SessionMiddleware resolves the browser session from its cookie, starting
// a new one when the cookie is missing, unknown or expired.
func (a *API) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := a.sessionFromCookie(r)
		if !ok {
			id = a.sessions.Start()
			writeSessionCookie(w, r, string(id))
			writeCSRFCookie(w, r)
		}
		ctx := context.WithValue(r.Context(), sessionKey, id)
		ctx = context.WithValue(ctx, freshSessionKey, !ok)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) sessionFromCookie(r *http.Request) (credstore.SessionID, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	id := credstore.SessionID(cookie.Value)
	if !a.sessions.Touch(id) {
		return "", false
	}
	return id, true
}

func sessionFromContext(ctx context.Context) credstore.SessionID {
	id, _ := ctx.Value(sessionKey).(credstore.SessionID)
	return id
}

// sessionIsFresh reports whether the session was started by this request,
// so it holds no credentials, context id or locks yet.
func sessionIsFresh(ctx context.Context) bool {
	fresh, _ := ctx.Value(freshSessionKey).(bool)
	return fresh
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
