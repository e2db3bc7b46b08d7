package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbk201/idmask/internal/config"
	"github.com/sunbk201/idmask/internal/idmap"
	"github.com/sunbk201/idmask/internal/statistics"
)

const testPage = `<!DOCTYPE html><html><head><style>#box { color: red; }</style></head>` +
	`<body><div id="box">x</div>` +
	`<script>document.getElementById("box").textContent = "y";</script></body></html>`

type fakeRecorder struct {
	mu       sync.Mutex
	rewrites []statistics.RewriteRecord
	passes   []statistics.PassThroughRecord
	requests int
}

func (f *fakeRecorder) AddRewriteRecord(r *statistics.RewriteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewrites = append(f.rewrites, *r)
}

func (f *fakeRecorder) AddPassThroughRecord(r *statistics.PassThroughRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes = append(f.passes, *r)
}

func (f *fakeRecorder) AddRequest(*statistics.RequestRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
}

func (f *fakeRecorder) RemoveRequest(*statistics.RequestRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests--
}

func (f *fakeRecorder) passReasons() []statistics.PassReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]statistics.PassReason, 0, len(f.passes))
	for _, p := range f.passes {
		out = append(out, p.Reason)
	}
	return out
}

func (f *fakeRecorder) rewriteRecords() []statistics.RewriteRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statistics.RewriteRecord(nil), f.rewrites...)
}

func seqStore() *idmap.Store {
	n := 0
	return idmap.New(idmap.WithGenerator(func() string {
		n++
		return fmt.Sprintf("g%d", n)
	}))
}

func testConfig(routes ...config.Route) *config.Config {
	return &config.Config{
		ListenAddr:  "127.0.0.1:0",
		LogLevel:    "info",
		Routes:      routes,
		Mapping:     config.MappingConfig{Scope: config.IDScopeGlobal, Prefix: "id_"},
		MaxBodySize: 1 << 20,
	}
}

type testProxy struct {
	*Proxy
	store    *idmap.Store
	recorder *fakeRecorder
	server   *httptest.Server
}

func newTestProxy(t *testing.T, cfg *config.Config) *testProxy {
	t.Helper()
	store := seqStore()
	rec := &fakeRecorder{}
	p := New(cfg, store, rec)
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return &testProxy{Proxy: p, store: store, recorder: rec, server: srv}
}

func (tp *testProxy) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(tp.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func htmlBackend(t *testing.T, page string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, page)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProxyRewritesHTML(t *testing.T) {
	var (
		mu   sync.Mutex
		seen *http.Request
	)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = r.Clone(r.Context())
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, testPage)
	}))
	defer backend.Close()

	tp := newTestProxy(t, testConfig(config.Route{Name: "app", Context: "/app", Target: backend.URL}))
	resp, body := tp.get(t, "/app/page?x=1&y=2")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	mapped, ok := tp.store.Lookup("box")
	require.True(t, ok)
	assert.Equal(t, "id_g1", mapped)
	assert.Equal(t, strings.ReplaceAll(testPage, "box", mapped), body)
	assert.Equal(t, int64(len(body)), resp.ContentLength)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, seen)
	assert.Equal(t, "/page", seen.URL.Path)
	assert.Equal(t, "x=1&y=2", seen.URL.RawQuery)
	assert.Equal(t, strings.TrimPrefix(backend.URL, "http://"), seen.Host)
	assert.Empty(t, seen.Header.Get("Accept-Encoding"))
	assert.NotEmpty(t, seen.Header.Get("X-Forwarded-For"))

	records := tp.recorder.rewriteRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "app", records[0].Route)
	assert.Equal(t, 1, records[0].IDs)
}

func TestProxyRouteMatching(t *testing.T) {
	paths := make(chan string, 4)
	backend := func(name string) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paths <- name + " " + r.URL.Path
			w.Header().Set("Content-Type", "text/plain")
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	b1, b2 := backend("b1"), backend("b2")

	tp := newTestProxy(t, testConfig(
		config.Route{Name: "api", Context: "/api", Target: b1.URL},
		config.Route{Name: "site", Context: "/", Target: b2.URL},
	))

	tests := map[string]string{
		"/api/users": "b1 /users",
		"/api":       "b1 /",
		"/about":     "b2 /about",
	}
	for path, want := range tests {
		resp, _ := tp.get(t, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, want, <-paths, path)
	}
}

func TestProxyKeepsPathEncoding(t *testing.T) {
	uris := make(chan string, 4)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uris <- r.RequestURI
		w.Header().Set("Content-Type", "text/plain")
	}))
	defer backend.Close()

	tp := newTestProxy(t, testConfig(config.Route{Name: "api", Context: "/api", Target: backend.URL}))

	tests := map[string]string{
		"/api/a%2Fb":        "/a%2Fb",
		"/api/files/x%20y":  "/files/x%20y",
		"/api/plain?q=a%2F": "/plain?q=a%2F",
	}
	for path, want := range tests {
		resp, _ := tp.get(t, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, want, <-uris, path)
	}
}

func TestProxyNoRoute(t *testing.T) {
	backend := htmlBackend(t, testPage)
	tp := newTestProxy(t, testConfig(config.Route{Name: "api", Context: "/api", Target: backend.URL}))

	resp, body := tp.get(t, "/elsewhere")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "no matching route")
	assert.Equal(t, 0, tp.store.Len())
}

func TestProxyInvalidTarget(t *testing.T) {
	tp := newTestProxy(t, testConfig(config.Route{Name: "bad", Context: "/", Target: "http://"}))

	resp, body := tp.get(t, "/x")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "invalid upstream target")
}

func TestProxyFallbackOnRewriteFailure(t *testing.T) {
	page := "<html><body><div id=\"box\">\xff\xfe</div></body></html>"
	backend := htmlBackend(t, page)
	tp := newTestProxy(t, testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL}))

	resp, body := tp.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, page, body)
	assert.Equal(t, []statistics.PassReason{statistics.PassRewriteFailed}, tp.recorder.passReasons())
	assert.Equal(t, 0, tp.store.Len())
}

func TestProxyPassesThroughNonHTML(t *testing.T) {
	payload := `{"html": "<div id=\"box\"></div>", "sel": "#box"}`
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, payload)
	}))
	defer backend.Close()

	tp := newTestProxy(t, testConfig(config.Route{Name: "api", Context: "/", Target: backend.URL}))
	resp, body := tp.get(t, "/data")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payload, body)
	assert.Equal(t, []statistics.PassReason{statistics.PassNotHTML}, tp.recorder.passReasons())
}

func TestProxySniffsMissingContentType(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// nil disables net/http's own content sniffing
		w.Header()["Content-Type"] = nil
		_, _ = io.WriteString(w, `<html><body><p id="note">hi</p><style>#note{}</style></body></html>`)
	}))
	defer backend.Close()

	tp := newTestProxy(t, testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL}))
	_, body := tp.get(t, "/")
	assert.Equal(t, `<html><body><p id="id_g1">hi</p><style>#id_g1{}</style></body></html>`, body)
}

func TestProxyPassesThroughEncoded(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "br")
		_, _ = io.WriteString(w, "opaque")
	}))
	defer backend.Close()

	tp := newTestProxy(t, testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL}))
	resp, err := http.DefaultTransport.RoundTrip(mustRequest(t, tp.server.URL+"/"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "opaque", string(body))
	assert.Equal(t, []statistics.PassReason{statistics.PassEncoded}, tp.recorder.passReasons())
}

func mustRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	// keep the transport from negotiating its own gzip
	req.Header.Set("Accept-Encoding", "identity")
	return req
}

func TestProxyBodyTooLarge(t *testing.T) {
	page := "<html><body>" + strings.Repeat(`<p id="x">filler</p>`, 10) + "</body></html>"

	t.Run("content length", func(t *testing.T) {
		backend := htmlBackend(t, page)
		cfg := testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL})
		cfg.MaxBodySize = 64
		tp := newTestProxy(t, cfg)

		resp, body := tp.get(t, "/")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.NotContains(t, body, "filler")
	})

	t.Run("chunked", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			for i := 0; i < 10; i++ {
				_, _ = io.WriteString(w, `<p id="x">filler</p>`)
				w.(http.Flusher).Flush()
			}
		}))
		defer backend.Close()
		cfg := testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL})
		cfg.MaxBodySize = 64
		tp := newTestProxy(t, cfg)

		resp, body := tp.get(t, "/")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.NotContains(t, body, "filler")
	})
}

func TestProxyUpstreamDisconnect(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\n" +
			"Content-Type: text/html\r\n" +
			"Content-Length: 1000\r\n\r\n" +
			`<html><body><div id="partial">`)
		_ = buf.Flush()
	}))
	defer backend.Close()

	tp := newTestProxy(t, testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL}))
	resp, body := tp.get(t, "/")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotContains(t, body, "partial")
	assert.Equal(t, 0, tp.store.Len())
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	tp := newTestProxy(t, testConfig(config.Route{Name: "site", Context: "/", Target: "http://" + addr}))
	resp, _ := tp.get(t, "/")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestProxyCrossDocumentSharing(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, `<html><body><main id="main">%s</main></body></html>`, r.URL.Path)
	}))
	defer backend.Close()

	tp := newTestProxy(t, testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL}))
	_, first := tp.get(t, "/one")
	_, second := tp.get(t, "/two")

	mapped, ok := tp.store.Lookup("main")
	require.True(t, ok)
	assert.Contains(t, first, `id="`+mapped+`"`)
	assert.Contains(t, second, `id="`+mapped+`"`)
	assert.Equal(t, 1, tp.store.Len())
}

func TestProxyDocumentScope(t *testing.T) {
	backend := htmlBackend(t, `<html><body><main id="main"></main></body></html>`)
	cfg := testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL})
	cfg.Mapping.Scope = config.IDScopeDocument
	tp := newTestProxy(t, cfg)

	_, first := tp.get(t, "/")
	_, second := tp.get(t, "/")

	assert.NotContains(t, first, `id="main"`)
	assert.NotContains(t, second, `id="main"`)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 0, tp.store.Len())
}

func TestProxyRewriteCache(t *testing.T) {
	backend := htmlBackend(t, testPage)
	cfg := testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL})
	cfg.RewriteCache = config.RewriteCacheConfig{Size: 4}
	tp := newTestProxy(t, cfg)
	require.NotNil(t, tp.cache)

	_, first := tp.get(t, "/")
	_, second := tp.get(t, "/")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, tp.cache.Len())
	assert.Equal(t, 1, tp.store.Len())
}

func TestProxyRewriteCacheSkipsLargeBodies(t *testing.T) {
	backend := htmlBackend(t, testPage)
	cfg := testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL})
	cfg.RewriteCache = config.RewriteCacheConfig{Size: 4, MaxEntrySize: int64(len(testPage) - 1)}
	tp := newTestProxy(t, cfg)
	require.NotNil(t, tp.cache)

	_, first := tp.get(t, "/")
	_, second := tp.get(t, "/")
	assert.Equal(t, first, second)
	assert.NotContains(t, first, `id="box"`)
	assert.Equal(t, 0, tp.cache.Len())
}

func TestProxyHeadRequest(t *testing.T) {
	backend := htmlBackend(t, testPage)
	tp := newTestProxy(t, testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL}))

	resp, err := http.Head(tp.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []statistics.PassReason{statistics.PassNoBody}, tp.recorder.passReasons())
}

func TestProxyConcurrentRequests(t *testing.T) {
	backend := htmlBackend(t, testPage)
	tp := newTestProxy(t, testConfig(config.Route{Name: "site", Context: "/", Target: backend.URL}))

	var wg sync.WaitGroup
	bodies := make([]string, 16)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(tp.server.URL + "/")
			if err != nil {
				return
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			bodies[i] = string(b)
		}(i)
	}
	wg.Wait()

	mapped, ok := tp.store.Lookup("box")
	require.True(t, ok)
	want := strings.ReplaceAll(testPage, "box", mapped)
	for _, b := range bodies {
		assert.Equal(t, want, b)
	}
	assert.Equal(t, 1, tp.store.Len())
}
