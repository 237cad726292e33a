package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/davkeeper/api"
	"github.com/jmcleod/davkeeper/codec"
	"github.com/jmcleod/davkeeper/connector"
	"github.com/jmcleod/davkeeper/contextid"
	"github.com/jmcleod/davkeeper/credstore"
	"github.com/jmcleod/davkeeper/davprobe"
	"github.com/jmcleod/davkeeper/lock"
	"github.com/jmcleod/davkeeper/options"
	"github.com/jmcleod/davkeeper/options/memory"
)

const (
	adminToken = "admin-token"
	collection = `<?xml version="1.0"?><D:multistatus xmlns:D="DAV:"><D:response><D:propstat><D:prop><D:resourcetype><D:collection/></D:resourcetype></D:prop></D:propstat></D:response></D:multistatus>`
	file       = `<?xml version="1.0"?><D:multistatus xmlns:D="DAV:"><D:response><D:propstat><D:prop><D:resourcetype/></D:prop></D:propstat></D:response></D:multistatus>`
)

// syncBuffer collects log output from concurrent handlers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// davHandler is a WebDAV server that accepts alice/s3cret for PROPFIND
// and grants locks to anyone.
func davHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "PROPFIND":
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/dav/") {
			http.Error(w, "no such resource", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusMultiStatus)
		if r.URL.Path == "/dav/" {
			io.WriteString(w, collection)
		} else {
			io.WriteString(w, file)
		}
	case "LOCK":
		body, _ := io.ReadAll(r.Body)
		owner := "unknown"
		if strings.Contains(string(body), "<D:owner>bob</D:owner>") {
			owner = "bob"
		}
		w.Header().Set("Lock-Token", "<opaquelocktoken:"+owner+">")
	case "UNLOCK":
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// docServer serves one document to alice/s3cret and records writes.
type docServer struct {
	mu     sync.Mutex
	body   string
	lastIf string
}

func (d *docServer) serve(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "alice" || pass != "s3cret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, d.body)
	case http.MethodPut:
		b, _ := io.ReadAll(r.Body)
		d.body = string(b)
		d.lastIf = r.Header.Get("If")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (d *docServer) state() (body, lastIf string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.body, d.lastIf
}

type testEnv struct {
	base   string
	dav    string
	client *http.Client
	logs   *syncBuffer
	store  options.Store
	docs   *docServer
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	docs := &docServer{body: "<doc/>"}
	dav := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodPut {
			docs.serve(w, r)
			return
		}
		davHandler(w, r)
	}))
	t.Cleanup(dav.Close)

	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c, err := codec.NewRandom()
	require.NoError(t, err)
	index, err := contextid.New()
	require.NoError(t, err)
	store := memory.NewStore(nil)
	conn := connector.New(credstore.New(c), index,
		connector.WithHTTPClient(dav.Client()),
		connector.WithLocks(lock.NewTracker(options.LockingEnabled(store))),
		connector.WithLogger(logger),
	)
	a := api.New(conn, davprobe.New(dav.Client(), davprobe.WithLogger(logger)), store,
		api.WithLogger(logger),
		api.WithAdminToken(adminToken),
	)
	t.Cleanup(a.Close)

	r := chi.NewRouter()
	r.Mount("/webdav", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testEnv{
		base:   srv.URL,
		dav:    dav.URL,
		client: &http.Client{Jar: jar},
		logs:   logs,
		store:  store,
		docs:   docs,
	}
}

// do sends a request, echoing the CSRF cookie the way the editor does.
func (e *testEnv) do(t *testing.T, method, path, contentType string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, e.base+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	u, _ := url.Parse(e.base)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == "davkeeper_csrf" {
			req.Header.Set("X-CSRF-Token", c.Value)
		}
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) postForm(t *testing.T, form url.Values) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, "/webdav/login", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), nil)
}

func (e *testEnv) postJSON(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return e.do(t, http.MethodPost, path, "application/json", bytes.NewReader(body), nil)
}

func (e *testEnv) login(t *testing.T, user, passwd string) {
	t.Helper()
	resp := e.postForm(t, url.Values{"server": {e.dav + "/dav/"}, "user": {user}, "passwd": {passwd}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func (e *testEnv) urlInfo(t *testing.T, target string) (*http.Response, api.URLInfoResponse) {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/webdav/url-info?url="+url.QueryEscape(target), "", nil, nil)
	var info api.URLInfoResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	}
	return resp, info
}

func TestLoginAndURLInfo(t *testing.T) {
	e := setup(t)
	e.login(t, "alice", "s3cret")

	resp, info := e.urlInfo(t, "webdav-"+e.dav+"/dav/docs/a.xml")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "FILE", info.Type)
	assert.Equal(t, "webdav-"+e.dav+"/dav/", info.RootURL)

	resp, info = e.urlInfo(t, e.dav+"/dav/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "COLLECTION", info.Type)
	assert.Equal(t, e.dav+"/dav/", info.RootURL)

	logs := e.logs.String()
	assert.Contains(t, logs, `"event":"login"`)
	assert.NotContains(t, logs, "s3cret")
}

func TestURLInfoWithoutCredentials(t *testing.T) {
	e := setup(t)
	resp, _ := e.urlInfo(t, e.dav+"/dav/a.xml")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotContains(t, e.logs.String(), "login_failure", "no credentials were tried")
}

func TestURLInfoWrongPassword(t *testing.T) {
	e := setup(t)
	e.login(t, "alice", "wrong-password")

	resp, _ := e.urlInfo(t, e.dav+"/dav/a.xml")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	logs := e.logs.String()
	assert.Contains(t, logs, "failed login attempt")
	assert.Contains(t, logs, `"event":"login_failure"`)
	assert.NotContains(t, logs, "wrong-password")
}

func TestURLInfoErrors(t *testing.T) {
	e := setup(t)
	resp := e.do(t, http.MethodGet, "/webdav/url-info", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.urlInfo(t, "not a url")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A server error is reported in the body, not as a status.
	e.login(t, "alice", "s3cret")
	resp, info := e.urlInfo(t, e.dav+"/elsewhere")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, info.Type)
	assert.Contains(t, info.ErrorMessage, "no such resource")
	assert.NotContains(t, info.ErrorMessage, "s3cret")
}

func TestLogoutDropsCredentials(t *testing.T) {
	e := setup(t)
	e.login(t, "alice", "s3cret")
	resp, _ := e.urlInfo(t, e.dav+"/dav/a.xml")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.postForm(t, url.Values{"action": {"logout"}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.urlInfo(t, e.dav+"/dav/a.xml")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, e.logs.String(), `"event":"logout"`)
}

func TestLoginMalformedServer(t *testing.T) {
	e := setup(t)
	resp := e.postForm(t, url.Values{"server": {"::nope"}, "user": {"alice"}, "passwd": {"x"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, e.logs.String(), "malformed server url")
}

func TestCSRFRequiredOnceSessionExists(t *testing.T) {
	e := setup(t)
	e.login(t, "alice", "s3cret")

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, e.base+"/webdav/login",
		strings.NewReader(url.Values{"action": {"logout"}}.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Still logged in.
	resp2, _ := e.urlInfo(t, e.dav+"/dav/a.xml")
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestConfig(t *testing.T) {
	e := setup(t)

	resp := e.do(t, http.MethodGet, "/webdav/config", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got options.Settings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "on", got.LockOnOpen)
	assert.Equal(t, "5", got.AutosaveInterval)

	want := options.Settings{LockOnOpen: "off", EnforcedServer: e.dav + "/dav/", AutosaveInterval: "20"}
	body, err := json.Marshal(want)
	require.NoError(t, err)

	resp = e.do(t, http.MethodPut, "/webdav/config", "application/json", bytes.NewReader(body), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	auth := http.Header{"Authorization": {"Bearer " + adminToken}}
	resp = e.do(t, http.MethodPut, "/webdav/config", "application/json", bytes.NewReader(body), auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "off", e.store.Get(options.KeyLockOnOpen, ""))

	bad := []byte(`{"webdav_autosave_interval":"-3"}`)
	resp = e.do(t, http.MethodPut, "/webdav/config", "application/json", bytes.NewReader(bad), auth)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, e.logs.String(), `"event":"config_updated"`)
}

func TestTrustedHost(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.store.Set(options.KeyEnforcedURL, "https://dav.example.com/files"))

	resp := e.do(t, http.MethodGet, "/webdav/trusted-host?host=dav.example.com:443", "", nil, nil)
	var th api.TrustedHostResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&th))
	assert.True(t, th.Trusted)

	resp = e.do(t, http.MethodGet, "/webdav/trusted-host?host=evil.example.com:443", "", nil, nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&th))
	assert.False(t, th.Trusted)

	resp = e.do(t, http.MethodGet, "/webdav/trusted-host", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEditingSessionAndLock(t *testing.T) {
	e := setup(t)
	doc := "webdav-" + e.dav + "/dav/doc.xml"

	resp := e.postJSON(t, "/webdav/editing-session", api.EditingSessionRequest{URL: doc, UserName: "bob"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.postJSON(t, "/webdav/lock", api.LockRequest{URL: doc, TimeoutSeconds: 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr api.LockResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lr))
	assert.Equal(t, "opaquelocktoken:bob", lr.Token)
	assert.Equal(t, "bob", lr.Owner)

	resp = e.postJSON(t, "/webdav/unlock", api.LockRequest{URL: doc})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.postJSON(t, "/webdav/editing-session", api.EditingSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDocumentReadWrite(t *testing.T) {
	e := setup(t)
	e.login(t, "alice", "s3cret")
	doc := "/webdav/document?url=" + url.QueryEscape("webdav-"+e.dav+"/dav/doc.xml")

	resp := e.do(t, http.MethodGet, doc, "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<doc/>", string(body))
	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
	assert.Equal(t, "sandbox", resp.Header.Get("Content-Security-Policy"))

	resp = e.do(t, http.MethodPut, doc, "application/xml", strings.NewReader("<doc>v2</doc>"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	saved, lastIf := e.docs.state()
	assert.Equal(t, "<doc>v2</doc>", saved)
	assert.Empty(t, lastIf, "no lock held yet")

	// Once locked, writes carry the lock token.
	resp = e.postJSON(t, "/webdav/lock", api.LockRequest{URL: "webdav-" + e.dav + "/dav/doc.xml"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, http.MethodPut, doc, "application/xml", strings.NewReader("<doc>v3</doc>"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	saved, lastIf = e.docs.state()
	assert.Equal(t, "<doc>v3</doc>", saved)
	assert.Equal(t, "(<opaquelocktoken:unknown>)", lastIf)
}

func TestDocumentRequiresCredentials(t *testing.T) {
	e := setup(t)
	doc := "/webdav/document?url=" + url.QueryEscape(e.dav+"/dav/doc.xml")

	resp := e.do(t, http.MethodGet, doc, "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	e.login(t, "alice", "wrong-password")
	resp = e.do(t, http.MethodPut, doc, "application/xml", strings.NewReader("<doc/>"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	saved, _ := e.docs.state()
	assert.Equal(t, "<doc/>", saved)
	assert.Contains(t, e.logs.String(), `"event":"login_failure"`)
	assert.NotContains(t, e.logs.String(), "wrong-password")
}

func TestDocumentErrors(t *testing.T) {
	e := setup(t)
	resp := e.do(t, http.MethodGet, "/webdav/document", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPut, "/webdav/document?url=not-a-url", "", strings.NewReader("x"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLockDisabled(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.store.Set(options.KeyLockOnOpen, "off"))

	resp := e.postJSON(t, "/webdav/lock", api.LockRequest{URL: e.dav + "/dav/doc.xml"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDocs(t *testing.T) {
	e := setup(t)

	resp := e.do(t, http.MethodGet, "/webdav/openapi.yaml", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/url-info:")

	resp = e.do(t, http.MethodGet, "/webdav/docs", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}
