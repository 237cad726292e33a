package credstore

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// WrapperPrefix marks URLs routed through the credential-injecting handler,
// e.g. "webdav-https://host/path". It is not part of the wire scheme.
const WrapperPrefix = "webdav-"

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// ServerIDFromURL derives the ServerID for raw from its scheme, host and port.
// The path, query, fragment and any userinfo are ignored. Scheme and host
// are compared case-insensitively, the wrapper prefix is dropped and the
// scheme's default port is substituted when none is given.
func ServerIDFromURL(raw string) (ServerID, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	scheme := strings.TrimPrefix(strings.ToLower(u.Scheme), WrapperPrefix)
	host := strings.ToLower(u.Hostname())
	if scheme == "" || host == "" {
		return "", fmt.Errorf("%w: %q has no scheme or host", ErrMalformedURL, raw)
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[scheme]
	}
	if port == "" {
		return ServerID(scheme + "://" + hostLiteral(host)), nil
	}
	return ServerID(scheme + "://" + net.JoinHostPort(host, port)), nil
}

func hostLiteral(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}
