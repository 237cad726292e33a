// Package urlauth embeds WebDAV credentials into target URLs.
package urlauth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmcleod/davkeeper/credstore"
)

// ErrMalformedURL is returned for inputs that are not absolute URLs.
var ErrMalformedURL = errors.New("malformed url")

// StripWrapperScheme removes the internal routing prefix from the scheme,
// turning "webdav-https://h/p" into "https://h/p". Other URLs are returned
// unchanged.
func StripWrapperScheme(raw string) string {
	if len(raw) >= len(credstore.WrapperPrefix) && strings.EqualFold(raw[:len(credstore.WrapperPrefix)], credstore.WrapperPrefix) {
		return raw[len(credstore.WrapperPrefix):]
	}
	return raw
}

// EncodeComponent percent-encodes s as a URL component. Unlike form
// encoding, a space becomes %20 rather than '+', so the result decodes the
// same way in every URL parser.
func EncodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Build returns raw with the wrapper prefix removed and cred embedded as
// userinfo. Without a credential carrying a secret, userinfo already
// present in raw is kept verbatim. Nothing else about the URL changes.
func Build(raw string, cred *credstore.Credential) (string, error) {
	p, err := split(StripWrapperScheme(raw))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(raw) + 32)
	b.WriteString(p.scheme)
	b.WriteString("://")
	switch {
	case cred != nil && cred.Secret != "":
		b.WriteString(EncodeComponent(cred.Username))
		b.WriteByte(':')
		b.WriteString(EncodeComponent(cred.Secret))
		b.WriteByte('@')
	case p.hasUserinfo:
		b.WriteString(p.userinfo)
		b.WriteByte('@')
	}
	b.WriteString(p.host)
	b.WriteString(p.tail)

	out := b.String()
	if _, err := url.Parse(out); err != nil {
		// Every piece was validated or encoded above.
		panic(fmt.Sprintf("urlauth: built an unparseable url: %v", err))
	}
	return out, nil
}

// ClearUserInfo returns raw without any embedded credentials. Inputs that
// do not parse are returned unchanged.
func ClearUserInfo(raw string) string {
	p, err := split(raw)
	if err != nil || !p.hasUserinfo {
		return raw
	}
	return p.scheme + "://" + p.host + p.tail
}

// parts holds the pieces of an absolute URL exactly as written.
type parts struct {
	scheme      string
	userinfo    string
	hasUserinfo bool
	host        string
	tail        string // path, query and fragment
}

func split(raw string) (parts, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return parts{}, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return parts{}, fmt.Errorf("%w: %q is not an absolute url", ErrMalformedURL, raw)
	}

	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return parts{}, fmt.Errorf("%w: %q has no authority", ErrMalformedURL, raw)
	}
	p := parts{scheme: scheme}
	authority := rest
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		authority, p.tail = rest[:i], rest[i:]
	}
	p.host = authority
	if i := strings.LastIndexByte(authority, '@'); i >= 0 {
		p.userinfo, p.host, p.hasUserinfo = authority[:i], authority[i+1:], true
	}
	return p, nil
}
