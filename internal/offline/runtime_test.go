package offline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, origin string, network http.RoundTripper, metrics *Metrics) *Runtime {
	t.Helper()
	rt, err := NewRuntime(RuntimeOptions{
		Origin:  origin,
		Network: network,
		Logger:  nullLogger(),
		Metrics: metrics,
	})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func TestDeployActivatesImmediately(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	network := newSwitchNetwork()
	origin, _ := newOrigin(t, shellFiles)
	metrics := NewMetrics(prometheus.NewRegistry())
	rt := newTestRuntime(t, origin.URL, network, metrics)

	_, err := storage.Open(ctx, "v0")
	require.NoError(t, err)

	w := newTestWorker(t, "v1", origin.URL, DefaultManifest, storage, network)
	w.metrics = metrics
	require.NoError(t, rt.Deploy(ctx, w))

	assert.Same(t, w, rt.Active())
	assert.Nil(t, rt.Waiting())
	assert.Equal(t, "v1", rt.Controller())

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Installs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GenerationsDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Claims))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActiveVersion.WithLabelValues("v1")))

	// redeploying the active version is a no-op
	require.NoError(t, rt.Deploy(ctx, w))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Installs.WithLabelValues("success")))
}

func TestDeployFailureKeepsPreviousVersionServing(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	network := newSwitchNetwork()
	origin, _ := newOrigin(t, shellFiles)
	rt := newTestRuntime(t, origin.URL, network, nil)

	v1 := newTestWorker(t, "v1", origin.URL, DefaultManifest, storage, network)
	require.NoError(t, rt.Deploy(ctx, v1))

	v2 := newTestWorker(t, "v2", origin.URL, []string{"/a.html"}, storage, network)
	err := rt.Deploy(ctx, v2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrecacheFailure)

	assert.Same(t, v1, rt.Active())
	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/css/styles.css", nil))
	assert.Equal(t, "hit", rec.Header().Get("X-Offline0"))
}

func TestDeployWithRetryRecoversFromFlakyOrigin(t *testing.T) {
	var failures atomic.Int64
	failures.Store(2)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/offline.html" && failures.Add(-1) >= 0 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		body, ok := shellFiles[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer origin.Close()

	storage := NewMemoryStorage()
	network := newSwitchNetwork()
	rt := newTestRuntime(t, origin.URL, network, nil)
	w := newTestWorker(t, "v1", origin.URL, DefaultManifest, storage, network)

	err := rt.DeployWithRetry(context.Background(), w, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5))
	require.NoError(t, err)
	assert.Same(t, w, rt.Active())
}

func TestDeployWithRetryGivesUp(t *testing.T) {
	origin, _ := newOrigin(t, shellFiles)
	storage := NewMemoryStorage()
	network := newSwitchNetwork()
	rt := newTestRuntime(t, origin.URL, network, nil)
	w := newTestWorker(t, "v1", origin.URL, []string{"/a.html"}, storage, network)

	err := rt.DeployWithRetry(context.Background(), w, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrecacheFailure)
	assert.Nil(t, rt.Active())
}

func TestRestorePersistedGenerationAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")
	origin, _ := newOrigin(t, shellFiles)

	storage, err := OpenLevelDBStorage(dir)
	require.NoError(t, err)
	network := newSwitchNetwork()
	rt := newTestRuntime(t, origin.URL, network, nil)
	require.NoError(t, rt.Deploy(ctx, newTestWorker(t, "v1", origin.URL, DefaultManifest, storage, network)))
	rt.Close()
	require.NoError(t, storage.Close())

	// restart with the origin unreachable
	storage, err = OpenLevelDBStorage(dir)
	require.NoError(t, err)
	defer storage.Close()
	network = newSwitchNetwork()
	network.down.Store(true)
	metrics := NewMetrics(prometheus.NewRegistry())
	rt = newTestRuntime(t, origin.URL, network, metrics)

	w := newTestWorker(t, "v1", origin.URL, DefaultManifest, storage, network)
	restored, err := rt.Restore(ctx, w)
	require.NoError(t, err)
	require.True(t, restored)
	assert.Same(t, w, rt.Active())
	assert.Equal(t, "v1", rt.Controller())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActiveVersion.WithLabelValues("v1")))

	// the same version is not reinstalled, so no precache against the dead origin
	require.NoError(t, rt.Deploy(ctx, w))
	assert.Zero(t, network.calls.Load())

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/css/styles.css", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get("X-Offline0"))
	assert.Equal(t, shellFiles["/css/styles.css"], rec.Body.String())

	nav := httptest.NewRequest(http.MethodGet, "/producto/cafe", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	rec = httptest.NewRecorder()
	rt.ServeHTTP(rec, nav)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offline", rec.Header().Get("X-Offline0"))
	assert.Equal(t, shellFiles["/offline.html"], rec.Body.String())

	// an active worker is never replaced by Restore
	restored, err = rt.Restore(ctx, newTestWorker(t, "v1", origin.URL, DefaultManifest, storage, network))
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Same(t, w, rt.Active())
}

func TestRestoreSkipsIncompleteGeneration(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	network := newSwitchNetwork()
	rt := newTestRuntime(t, "https://shop.example", network, nil)

	c, err := storage.Open(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, getRequest(t, "https://shop.example/offline.html"), CacheEntry{Status: 200}))

	restored, err := rt.Restore(ctx, newTestWorker(t, "v1", "https://shop.example", DefaultManifest, storage, network))
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Nil(t, rt.Active())

	restored, err = rt.Restore(ctx, newTestWorker(t, "v2", "https://shop.example", DefaultManifest, storage, network))
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestPromoteWaitingWorker(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	network := newSwitchNetwork()
	origin, _ := newOrigin(t, shellFiles)
	rt := newTestRuntime(t, origin.URL, network, nil)

	assert.ErrorIs(t, rt.Promote(ctx), ErrNothingWaiting)

	w := newTestWorker(t, "v1", origin.URL, DefaultManifest, storage, network)
	require.NoError(t, w.Install(ctx, nil))
	reg := &Registration{worker: w, state: StateInstalled}
	rt.mu.Lock()
	rt.waiting = reg
	rt.mu.Unlock()

	require.NoError(t, rt.Promote(ctx))
	assert.Same(t, w, rt.Active())
	assert.Equal(t, StateActivated, reg.State())
	assert.Equal(t, "activated", reg.State().String())
}

func TestServeHTTPOutcomes(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	network := newSwitchNetwork()
	origin, _ := newOrigin(t, shellFiles)
	rt := newTestRuntime(t, origin.URL, network, nil)

	serve := func(req *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, req)
		return rec
	}

	// no active worker: straight to the network
	rec := serve(httptest.NewRequest(http.MethodGet, "/css/styles.css", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bypass", rec.Header().Get("X-Offline0"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Offline0")

	require.NoError(t, rt.Deploy(ctx, newTestWorker(t, "v1", origin.URL, DefaultManifest, storage, network)))

	rec = serve(httptest.NewRequest(http.MethodGet, "/css/styles.css", nil))
	assert.Equal(t, "hit", rec.Header().Get("X-Offline0"))
	assert.Equal(t, shellFiles["/css/styles.css"], rec.Body.String())

	rec = serve(httptest.NewRequest(http.MethodGet, "/img/missing.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Offline0"))

	network.down.Store(true)

	nav := httptest.NewRequest(http.MethodGet, "/producto/cafe", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	rec = serve(nav)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offline", rec.Header().Get("X-Offline0"))
	assert.Equal(t, shellFiles["/offline.html"], rec.Body.String())

	img := httptest.NewRequest(http.MethodGet, "/img/products/cafe.jpg", nil)
	img.Header.Set("Sec-Fetch-Mode", "no-cors")
	rec = serve(img)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, rec.Body.String())

	// excluded hosts are passed through even while offline
	ext := httptest.NewRequest(http.MethodGet, "https://firestore.googleapis.com/v1/doc", nil)
	ext.Header.Set("Sec-Fetch-Mode", "navigate")
	rec = serve(ext)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	ss := rt.stats.Snapshot()
	assert.EqualValues(t, 1, ss.Hits)
	assert.EqualValues(t, 1, ss.Offline)
	assert.EqualValues(t, 2, ss.Failed)
}

func TestOutboundRequest(t *testing.T) {
	rt := newTestRuntime(t, "https://shop.example/", newSwitchNetwork(), nil)

	in := httptest.NewRequest(http.MethodGet, "/buscar?q=caf%C3%A9", nil)
	in.Header.Set("Connection", "keep-alive")
	in.Header.Set("Accept", "text/html")
	out, err := rt.outboundRequest(in)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example/buscar?q=caf%C3%A9", out.URL.String())
	assert.Empty(t, out.Header.Get("Connection"))
	assert.Equal(t, "text/html", out.Header.Get("Accept"))

	proxied := httptest.NewRequest(http.MethodGet, "http://cdn.example/lib.js", nil)
	out, err = rt.outboundRequest(proxied)
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.example/lib.js", out.URL.String())
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Access-Control-Expose-Headers", "ETag")
	ensureExposedHeader(h, "X-Offline0")
	ensureExposedHeader(h, "X-Offline0")
	assert.Equal(t, "ETag, X-Offline0", h.Get("Access-Control-Expose-Headers"))

	h = http.Header{}
	h.Add("Access-Control-Expose-Headers", "ETag")
	h.Add("Access-Control-Expose-Headers", "x-offline0")
	ensureExposedHeader(h, "X-Offline0")
	assert.Equal(t, []string{"ETag", "x-offline0"}, h.Values("Access-Control-Expose-Headers"))
}
