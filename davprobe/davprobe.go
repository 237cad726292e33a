// Package davprobe inspects WebDAV resources: whether a URL names a file
// or a collection, and where the server's root collection lives.
package davprobe

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmcleod/davkeeper/guard"
	"github.com/jmcleod/davkeeper/urlauth"
)

// DefaultBudget bounds root discovery.
const DefaultBudget = 3 * time.Second

const (
	davNamespace = "DAV:"
	maxResponse  = 1 << 20
)

const propfindBody = `<?xml version="1.0"?>
<a:propfind xmlns:a="DAV:">
<a:prop><a:resourcetype/></a:prop>
</a:propfind>`

// Type is the kind of resource a URL names.
type Type int

const (
	NonWebDAV Type = iota
	Collection
	File
)

func (t Type) String() string {
	switch t {
	case Collection:
		return "COLLECTION"
	case File:
		return "FILE"
	default:
		return "NON_WEBDAV"
	}
}

// ErrParse indicates a PROPFIND response that is not well-formed XML.
var ErrParse = errors.New("error parsing server response")

// Prober issues PROPFIND requests through guarded connections.
type Prober struct {
	client *http.Client
	logger *slog.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Prober) {
		p.logger = logger
	}
}

// New returns a Prober using client.
func New(client *http.Client, opts ...Option) *Prober {
	p := &Prober{client: client}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "davprobe")
	return p
}

// ResourceType asks the server what target is. target may carry
// credentials; errors never do. A 401 surfaces as guard.ErrAuthRequired.
func (p *Prober) ResourceType(ctx context.Context, target string) (Type, error) {
	conn := guard.New(p.client, target, urlauth.ClearUserInfo(target),
		guard.WithMethod("PROPFIND"),
		guard.WithHeader("Depth", "0"),
		guard.WithHeader("Content-Type", "application/xml; charset=utf-8"),
		guard.WithBody(strings.NewReader(propfindBody)),
		guard.WithLogger(p.logger),
	)
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		return NonWebDAV, err
	}
	return parseResourceType(io.LimitReader(conn, maxResponse))
}

// FindRoot walks the path prefixes of target from the host down and
// returns the first one the server reports as a collection. When budget
// runs out first, the prefix being probed at that moment is returned.
// The result never carries credentials.
func (p *Prober) FindRoot(ctx context.Context, target string, budget time.Duration) string {
	if budget <= 0 {
		budget = DefaultBudget
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return urlauth.ClearUserInfo(target)
	}

	var found atomic.Pointer[string]
	found.Store(&target)

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		candidate := u.Scheme + "://" + authority(u)
		path := strings.TrimSuffix(u.EscapedPath(), "/")
		for _, part := range strings.Split(path, "/") {
			if ctx.Err() != nil {
				return
			}
			candidate += part + "/"
			c := candidate
			found.Store(&c)
			t, err := p.ResourceType(ctx, candidate)
			if err != nil {
				p.logger.Debug("root candidate probe failed", slog.String("url", urlauth.ClearUserInfo(candidate)), "error", err)
				continue
			}
			if t == Collection {
				p.logger.Debug("found server root", slog.String("url", urlauth.ClearUserInfo(candidate)))
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("server root not determined within budget", slog.Duration("budget", budget))
	}
	return urlauth.ClearUserInfo(*found.Load())
}

func authority(u *url.URL) string {
	if u.User == nil {
		return u.Host
	}
	return u.User.String() + "@" + u.Host
}

// parseResourceType reads a multistatus response. A single DAV
// resourcetype makes the resource a file, and a single DAV collection
// inside it makes it a collection.
func parseResourceType(r io.Reader) (Type, error) {
	dec := xml.NewDecoder(r)
	var (
		resourceTypes int
		collections   int
		depth         int // inside the first resourcetype when > 0
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return NonWebDAV, fmt.Errorf("%w: %v", ErrParse, err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if depth > 0 {
				depth++
				if el.Name.Space == davNamespace && el.Name.Local == "collection" {
					collections++
				}
				continue
			}
			if el.Name.Space == davNamespace && el.Name.Local == "resourcetype" {
				resourceTypes++
				if resourceTypes == 1 {
					depth = 1
				}
			}
		case xml.EndElement:
			if depth > 0 {
				depth--
			}
		}
	}

	switch {
	case resourceTypes != 1:
		return NonWebDAV, nil
	case collections == 1:
		return Collection, nil
	default:
		return File, nil
	}
}
