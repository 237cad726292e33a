// Package guard wraps outbound WebDAV exchanges so that failures reach the
// caller in two distinct shapes: *AuthRequiredError when the server wants
// (new) credentials, and *TransportError for everything else.
//
// A Conn moves through Idle → Connecting → Open and ends in Closed or
// Failed. Callers must Close every Conn they open.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/jmcleod/davkeeper/credstore"
)

// State is the lifecycle position of a Conn.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// LockSource supplies locking metadata for outbound writes.
type LockSource interface {
	Enabled() bool
	LockHeaders(sessionID credstore.SessionID, resource string) http.Header
}

// Conn is one guarded HTTP exchange.
type Conn struct {
	client     *http.Client
	method     string
	target     string // wire URL, may carry credentials; never logged
	display    string // original URL without credentials
	header     http.Header
	body       io.Reader
	locks      LockSource
	session    credstore.SessionID
	disconnect bool
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	resp  *http.Response
	err   error
}

// New prepares a Conn for target. display is the URL reported in errors and
// logs and must not carry credentials. The exchange starts with Connect,
// Read or OpenWriter.
func New(client *http.Client, target, display string, opts ...Option) *Conn {
	c := &Conn{
		client:  client,
		method:  http.MethodGet,
		target:  target,
		display: display,
		header:  make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "guard")
	return c
}

// URL returns the credential-free URL of the exchange.
func (c *Conn) URL() string { return c.display }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Response returns the response once the Conn is Open, or nil.
func (c *Conn) Response() *http.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Open {
		return nil
	}
	return c.resp
}

// Connect sends the request and waits for the response headers.
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	req, err := c.newRequest(ctx, c.body)
	if err != nil {
		return c.fail(err, nil)
	}
	c.logger.Debug("connecting", slog.String("method", c.method), slog.String("url", c.display))
	resp, err := c.client.Do(req)
	return c.complete(resp, err)
}

// Read reads the response body, connecting first if the exchange has not
// started yet.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == Idle {
		if err := c.Connect(context.Background()); err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	state, resp, failure := c.state, c.resp, c.err
	c.mu.Unlock()
	switch state {
	case Failed:
		return 0, failure
	case Closed:
		return 0, ErrClosed
	case Connecting:
		return 0, ErrInProgress
	}

	n, err := resp.Body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, c.fail(err, nil)
	}
	return n, err
}

// OpenWriter starts a request whose body is written through the returned
// writer. Lock metadata is attached first when locking is enabled. Closing
// the writer finishes the request; its error is classified like Connect's.
func (c *Conn) OpenWriter(ctx context.Context) (io.WriteCloser, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	if c.method == http.MethodGet {
		c.method = http.MethodPut
	}
	pr, pw := io.Pipe()
	req, err := c.newRequest(ctx, pr)
	if err != nil {
		return nil, c.fail(err, nil)
	}
	if c.locks != nil && c.locks.Enabled() {
		for k, vs := range c.locks.LockHeaders(c.session, c.display) {
			req.Header[k] = append([]string(nil), vs...)
		}
	}

	done := make(chan result, 1)
	go func() {
		resp, err := c.client.Do(req)
		// Unblock writers if the request ended before the body was consumed.
		pr.CloseWithError(errRequestDone)
		done <- result{resp, err}
	}()
	c.logger.Debug("streaming request", slog.String("method", c.method), slog.String("url", c.display))
	return &writer{conn: c, pw: pw, done: done}, nil
}

// Close releases the response. With WithDisconnect it also drops idle
// transport connections. Release problems are logged, never returned.
func (c *Conn) Close() error {
	c.mu.Lock()
	resp := c.resp
	c.resp = nil
	if c.state != Failed {
		c.state = Closed
	}
	c.mu.Unlock()

	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("releasing response body failed", slog.String("url", c.display), "error", err)
		}
	}
	if c.disconnect {
		c.client.CloseIdleConnections()
	}
	return nil
}

func (c *Conn) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Idle:
		c.state = Connecting
		return nil
	case Closed, Failed:
		return ErrClosed
	default:
		return ErrInProgress
	}
}

func (c *Conn) newRequest(ctx context.Context, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, c.method, c.target, body)
	if err != nil {
		// The parse error quotes the URL; keep credentials out of it.
		return nil, errors.New("invalid request url")
	}
	for k, vs := range c.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	return req, nil
}

// complete turns the outcome of client.Do into the Conn's next state.
func (c *Conn) complete(resp *http.Response, err error) error {
	if err != nil {
		return c.fail(err, nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return c.fail(&StatusError{Code: resp.StatusCode, Status: resp.Status}, resp)
	}
	c.mu.Lock()
	c.state = Open
	c.resp = resp
	c.mu.Unlock()
	return nil
}

// fail classifies err, moves the Conn to Failed and returns the classified
// error. resp, when given, may contribute its body as detail.
func (c *Conn) fail(err error, resp *http.Response) error {
	classified := c.classify(err, resp)
	c.mu.Lock()
	c.state = Failed
	c.err = classified
	c.mu.Unlock()

	var authErr *AuthRequiredError
	if errors.As(classified, &authErr) {
		c.logger.Info("server requires authentication", slog.String("url", c.display))
	} else {
		c.logger.Debug("request failed", slog.String("url", c.display), "error", classified)
	}
	return classified
}

func (c *Conn) classify(err error, resp *http.Response) error {
	var authErr *AuthRequiredError
	if errors.As(err, &authErr) {
		return err
	}
	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusUnauthorized {
		return &AuthRequiredError{URL: c.display}
	}

	// client.Do masks the password but not the username; report the
	// display URL instead.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = &url.Error{Op: uerr.Op, URL: c.display, Err: uerr.Err}
	}

	te := &TransportError{URL: c.display, Err: err}
	if sc != nil {
		te.Status = sc.StatusCode()
	}
	if resp != nil {
		te.Status = resp.StatusCode
		te.Detail = usefulDetail(readErrorBody(resp))
	}
	return te
}

var errRequestDone = errors.New("request finished before body was written")

type result struct {
	resp *http.Response
	err  error
}

// writer streams a request body; Close waits for the response.
type writer struct {
	conn   *Conn
	pw     *io.PipeWriter
	done   <-chan result
	once   sync.Once
	outErr error
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	if err != nil {
		// The request is over; report why if it failed.
		if ferr := w.finish(); ferr != nil {
			return n, ferr
		}
		return n, err
	}
	return n, nil
}

func (w *writer) Close() error {
	_ = w.pw.Close()
	return w.finish()
}

func (w *writer) finish() error {
	w.once.Do(func() {
		r := <-w.done
		w.outErr = w.conn.complete(r.resp, r.err)
	})
	return w.outErr
}
