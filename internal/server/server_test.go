package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/packd/internal/buildlog"
	"git.home.luguber.info/inful/packd/internal/bundle"
	"git.home.luguber.info/inful/packd/internal/events"
	"git.home.luguber.info/inful/packd/internal/hmr"
	"git.home.luguber.info/inful/packd/internal/metrics"
	"git.home.luguber.info/inful/packd/internal/orchestrator"
)

// instantBundler completes every build right away through the bus.
type instantBundler struct {
	bus *events.Bus

	mu    sync.Mutex
	calls int
	fail  bool
}

func (b *instantBundler) Build(_ context.Context, req orchestrator.BuildRequest) error {
	b.mu.Lock()
	b.calls++
	fail := b.fail
	b.mu.Unlock()

	go func() {
		ctx := context.Background()
		_ = b.bus.Publish(ctx, events.BuildStarted{Platform: req.Platform, Generation: req.Generation, At: time.Now()})
		res := bundle.Result{
			Stats: bundle.Stats{Name: req.Platform, Hash: "hash-" + req.Platform, Modules: map[string]string{"0": "./index.js"}},
			Assets: []bundle.Asset{
				{Filename: "index.bundle", Contents: []byte("console.log('" + req.Platform + "')")},
				{Filename: "index.bundle.map", Contents: []byte(`{"version":3}`)},
			},
		}
		if fail {
			res = bundle.Result{
				Stats: bundle.Stats{Name: req.Platform, Errors: []string{"index.js:1:1: unexpected token"}},
				Err:   errors.New("unexpected token"),
			}
		}
		_ = b.bus.Publish(ctx, events.BuildDone{Platform: req.Platform, Generation: req.Generation, Result: res, At: time.Now()})
	}()
	return nil
}

func (b *instantBundler) Close() error { return nil }

func (b *instantBundler) setFail(v bool) {
	b.mu.Lock()
	b.fail = v
	b.mu.Unlock()
}

type fixture struct {
	srv      *Server
	http     *httptest.Server
	orch     *orchestrator.Orchestrator
	hub      *hmr.Hub
	bundler  *instantBundler
	history  *buildlog.Store
	registry *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.js"), []byte("console.log(1)\n"), 0o600))

	bus := events.NewBus()
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	hub := hmr.NewHub(hmr.WithRecorder(rec))
	b := &instantBundler{bus: bus}

	orch, err := orchestrator.New(b, bus, []string{"ios", "android"},
		orchestrator.WithNotifier(hub),
		orchestrator.WithRecorder(rec),
		orchestrator.WithProjectRoot(root))
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))

	history, err := buildlog.Open(":memory:")
	require.NoError(t, err)

	srv := New(Config{RequestTimeout: 5 * time.Second, PingInterval: time.Second}, orch, hub,
		WithHistory(history),
		WithMetrics(reg))
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		hub.Shutdown()
		_ = orch.Close(nil)
		_ = history.Close()
		bus.Close()
	})
	return &fixture{srv: srv, http: ts, orch: orch, hub: hub, bundler: b, history: history, registry: reg}
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_AssetLifecycle(t *testing.T) {
	f := newFixture(t)

	var stats *bundle.Stats
	decodeData(t, f.get(t, "/api/ios/stats"), &stats)
	assert.Nil(t, stats, "never requested platform has no stats")

	resp := f.get(t, "/index.bundle?platform=ios")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))

	decodeData(t, f.get(t, "/api/ios/stats"), &stats)
	require.NotNil(t, stats)
	assert.Equal(t, "hash-ios", stats.Hash)

	var other *bundle.Stats
	decodeData(t, f.get(t, "/api/android/stats"), &other)
	assert.Nil(t, other, "building ios leaves android alone")

	var assets []orchestrator.AssetEntry
	decodeData(t, f.get(t, "/api/ios/assets"), &assets)
	require.Len(t, assets, 2)
	assert.Equal(t, "index.bundle", assets[0].Filename)

	var state orchestrator.PlatformState
	decodeData(t, f.get(t, "/api/ios/state"), &state)
	assert.Equal(t, "ready", state.Status)
	assert.Equal(t, uint64(1), state.Triggers)

	var platforms []string
	decodeData(t, f.get(t, "/api/platforms"), &platforms)
	assert.Equal(t, []string{"ios", "android"}, platforms)
}

func TestServer_Errors(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/index.bundle").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/index.bundle?platform=web").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/web/stats").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/missing.png?platform=ios").StatusCode)

	f.bundler.setFail(true)
	assert.Equal(t, http.StatusUnprocessableEntity, f.get(t, "/index.bundle?platform=android").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/ios/builds?limit=-1").StatusCode)
}

func TestServer_StaleAssetAfterFailedRebuild(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.get(t, "/index.bundle?platform=ios").StatusCode)

	f.bundler.setFail(true)
	resp, err := http.Post(f.http.URL+"/api/invalidate?platform=ios", "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	stale := f.get(t, "/index.bundle?platform=ios")
	assert.Equal(t, http.StatusOK, stale.StatusCode)
	assert.Equal(t, "true", stale.Header.Get(StaleHeader))
}

func TestServer_InvalidateUnknownPlatform(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.http.URL+"/api/invalidate?platform=web", "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Builds(t *testing.T) {
	f := newFixture(t)
	_, err := f.history.Append(context.Background(), buildlog.Record{Platform: "ios", Hash: "h", Status: buildlog.StatusSuccess})
	require.NoError(t, err)

	var records []buildlog.Record
	decodeData(t, f.get(t, "/api/ios/builds"), &records)
	require.Len(t, records, 1)
	assert.Equal(t, "h", records[0].Hash)
}

func TestServer_Sources(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/source?url=" + "http%3A%2F%2Flocalhost%3A8081%2F%5BprojectRoot%5D%2Findex.js%3Fplatform%3Dios")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.get(t, "/source-map?url=" + "http%3A%2F%2Flocalhost%3A8081%2Findex.bundle%3Fplatform%3Dios")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/index.bundle?platform=ios")

	resp := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sb strings.Builder
	_, err := sb.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "packd_build_triggers_total")
}

func TestServer_HMRWebsocket(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/__hmr?platform=ios"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"action":"sync","body":null}`, string(data))

	require.Eventually(t, func() bool { return f.hub.Count("ios") == 1 }, time.Second, 5*time.Millisecond)
	go func() {
		if resp, err := http.Get(f.http.URL + "/index.bundle?platform=ios"); err == nil {
			_ = resp.Body.Close()
		}
	}()

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"action":"building","body":null}`, string(data))

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var msg hmr.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, hmr.ActionBuilt, msg.Action)
	require.NotNil(t, msg.Body)
	assert.Equal(t, "hash-ios", msg.Body.Hash)
}

func TestServer_HMRUnknownPlatform(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/__hmr?platform=web"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
