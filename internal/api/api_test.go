package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbk201/idmask/internal/config"
	"github.com/sunbk201/idmask/internal/idmap"
	applog "github.com/sunbk201/idmask/internal/log"
	"github.com/sunbk201/idmask/internal/proxy"
	"github.com/sunbk201/idmask/internal/statistics"
)

type fixture struct {
	api      *APIServer
	store    *idmap.Store
	recorder *statistics.Recorder
	logs     *applog.Broadcaster
	server   *httptest.Server
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	cfg := &config.Config{
		ListenAddr: "127.0.0.1:0",
		LogLevel:   "info",
		Routes: []config.Route{
			{Name: "api", Context: "/api", Target: "http://10.0.0.2:9000"},
			{Name: "site", Context: "/", Target: "https://www.example.com"},
		},
		Mapping:         config.MappingConfig{Scope: config.IDScopeGlobal, Prefix: "id_"},
		APIServerSecret: secret,
		TLS:             config.TLSConfig{PKCS12: "c2VjcmV0", Passphrase: "hidden"},
	}
	store := idmap.New()
	recorder := statistics.New(t.TempDir())
	logs := applog.NewBroadcaster()
	s := New("1.2.3", cfg, proxy.New(cfg, store, recorder), recorder, logs)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{api: s, store: store, recorder: recorder, logs: logs, server: srv}
}

func (f *fixture) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestVersion(t *testing.T) {
	f := newFixture(t, "")
	var got map[string]string
	assert.Equal(t, http.StatusOK, f.getJSON(t, "/version", &got))
	assert.Equal(t, "1.2.3", got["version"])
}

func TestConfigHidesSecrets(t *testing.T) {
	f := newFixture(t, "")
	resp, err := http.Get(f.server.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"listen_addr":"127.0.0.1:0"`)
	assert.NotContains(t, string(body), "c2VjcmV0")
	assert.NotContains(t, string(body), "hidden")
}

func TestRoutes(t *testing.T) {
	f := newFixture(t, "")
	var got []map[string]string
	assert.Equal(t, http.StatusOK, f.getJSON(t, "/routes", &got))
	require.Len(t, got, 2)
	assert.Equal(t, "api", got[0]["name"])
	assert.Equal(t, "/", got[1]["context"])
}

func TestRouteMatch(t *testing.T) {
	f := newFixture(t, "")

	var got map[string]any
	assert.Equal(t, http.StatusOK, f.getJSON(t, "/routes/match?path=/api/users", &got))
	assert.Equal(t, "http://10.0.0.2:9000/users", got["upstream"])
	assert.Equal(t, false, got["tls"])

	got = nil
	assert.Equal(t, http.StatusOK, f.getJSON(t, "/routes/match?path=/index.html", &got))
	assert.Equal(t, "https://www.example.com:443/index.html", got["upstream"])
	assert.Equal(t, true, got["tls"])

	assert.Equal(t, http.StatusBadRequest, f.getJSON(t, "/routes/match", nil))
}

func TestMappings(t *testing.T) {
	f := newFixture(t, "")
	mapped := f.store.GetOrCreate("main")
	f.store.GetOrCreate("nav")

	var summary map[string]any
	assert.Equal(t, http.StatusOK, f.getJSON(t, "/mappings", &summary))
	assert.Equal(t, "GLOBAL", summary["scope"])
	assert.Equal(t, "id_", summary["prefix"])
	assert.Equal(t, float64(2), summary["entries"])

	var entry map[string]string
	assert.Equal(t, http.StatusOK, f.getJSON(t, "/mappings/main", &entry))
	assert.Equal(t, "main", entry["original"])
	assert.Equal(t, mapped, entry["generated"])

	assert.Equal(t, http.StatusNotFound, f.getJSON(t, "/mappings/missing", nil))
}

func TestStats(t *testing.T) {
	f := newFixture(t, "")
	f.recorder.RewriteRecordList.Add(&statistics.RewriteRecord{Route: "site", IDs: 4, Bytes: 99, LastPath: "/"})
	f.recorder.PassThroughRecordList.Add(&statistics.PassThroughRecord{Route: "api", Reason: statistics.PassNotHTML})

	var got struct {
		Rewrites []statistics.RewriteRecord     `json:"rewrites"`
		Passes   []statistics.PassThroughRecord `json:"passes"`
		Requests []statistics.RequestRecord     `json:"requests"`
	}
	assert.Equal(t, http.StatusOK, f.getJSON(t, "/stats", &got))
	require.Len(t, got.Rewrites, 1)
	assert.Equal(t, 4, got.Rewrites[0].IDs)
	require.Len(t, got.Passes, 1)
	assert.Equal(t, statistics.PassNotHTML, got.Passes[0].Reason)
	assert.Empty(t, got.Requests)

	var rewrites []statistics.RewriteRecord
	assert.Equal(t, http.StatusOK, f.getJSON(t, "/stats/rewrites", &rewrites))
	assert.Len(t, rewrites, 1)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "s3cret")

	resp, err := http.Get(f.server.URL + "/version")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/version", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/version?secret=s3cret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/version?secret=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogsHTTP(t *testing.T) {
	f := newFixture(t, "")
	resp, err := http.Get(f.server.URL + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))

	_, err = f.logs.Write([]byte("level=INFO msg=hello\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "level=INFO msg=hello\n", line)
}

func TestLogsWebSocket(t *testing.T) {
	f := newFixture(t, "")
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/logs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return f.logs.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = f.logs.Write([]byte("level=WARN msg=ws\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "level=WARN msg=ws\n", string(msg))
}

func TestStartAndClose(t *testing.T) {
	f := newFixture(t, "")
	f.api.addr = "127.0.0.1:0"
	require.NoError(t, f.api.Start())
	assert.NotEqual(t, "127.0.0.1:0", f.api.Addr())

	resp, err := http.Get("http://" + f.api.Addr() + "/version")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, f.api.Close())
}
