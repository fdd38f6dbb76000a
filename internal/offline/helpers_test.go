package offline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var shellFiles = map[string]string{
	"/":                           "<html>home</html>",
	"/index.html":                 "<html>home</html>",
	"/css/styles.css":             "body{margin:0}",
	"/js/global-components.js":    "customElements.define('x-cart', class{})",
	"/img/logo.png":               "\x89PNG logo",
	"/img/icons/icon-192x192.png": "\x89PNG icon",
	"/offline.html":               "<html>sin conexión</html>",
}

// newOrigin serves files and counts hits per path.
func newOrigin(t *testing.T, files map[string]string) (*httptest.Server, *sync.Map) {
	t.Helper()
	hits := &sync.Map{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := hits.LoadOrStore(r.URL.Path, new(atomic.Int64))
		n.(*atomic.Int64).Add(1)
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Origin", "1")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

// switchNetwork is a RoundTripper whose connectivity can be cut.
type switchNetwork struct {
	base  http.RoundTripper
	down  atomic.Bool
	calls atomic.Int64
}

func newSwitchNetwork() *switchNetwork {
	return &switchNetwork{base: http.DefaultTransport}
}

func (n *switchNetwork) RoundTrip(r *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.down.Load() {
		return nil, errors.New("dial tcp: connect: network is unreachable")
	}
	return n.base.RoundTrip(r)
}

// countingStorage counts every storage and cache operation.
type countingStorage struct {
	CacheStorage
	ops atomic.Int64
}

func (s *countingStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.ops.Add(1)
	c, err := s.CacheStorage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingCache{Cache: c, ops: &s.ops}, nil
}

func (s *countingStorage) Lookup(ctx context.Context, name string) (Cache, bool, error) {
	s.ops.Add(1)
	c, ok, err := s.CacheStorage.Lookup(ctx, name)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &countingCache{Cache: c, ops: &s.ops}, true, nil
}

func (s *countingStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.ops.Add(1)
	return s.CacheStorage.Delete(ctx, name)
}

func (s *countingStorage) Keys(ctx context.Context) ([]string, error) {
	s.ops.Add(1)
	return s.CacheStorage.Keys(ctx)
}

type countingCache struct {
	Cache
	ops *atomic.Int64
}

func (c *countingCache) Match(ctx context.Context, req *http.Request) (CacheEntry, bool, error) {
	c.ops.Add(1)
	return c.Cache.Match(ctx, req)
}

func (c *countingCache) Put(ctx context.Context, req *http.Request, ent CacheEntry) error {
	c.ops.Add(1)
	return c.Cache.Put(ctx, req, ent)
}

// recordingEvent implements both InstallEvent and ActivateEvent.
type recordingEvent struct {
	skipped atomic.Bool
	claimed atomic.Bool
}

func (e *recordingEvent) SkipWaiting() { e.skipped.Store(true) }

func (e *recordingEvent) Claim(context.Context) error {
	e.claimed.Store(true)
	return nil
}

func nullLogger() logrus.FieldLogger {
	l, _ := logtest.NewNullLogger()
	return l
}

func newTestWorker(t *testing.T, version, origin string, manifest []string, storage CacheStorage, network http.RoundTripper) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerOptions{
		Version:     version,
		Origin:      origin,
		Manifest:    manifest,
		OfflinePage: "/offline.html",
		Exclusions:  DefaultExclusions,
		Storage:     storage,
		Network:     network,
		Logger:      nullLogger(),
	})
	require.NoError(t, err)
	return w
}

func getRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func navigationRequest(t *testing.T, url string) *http.Request {
	req := getRequest(t, url)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return req
}

func subresourceRequest(t *testing.T, url string) *http.Request {
	req := getRequest(t, url)
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Accept", "image/avif,image/webp,*/*")
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var b bytes.Buffer
	_, err := b.ReadFrom(resp.Body)
	require.NoError(t, err)
	return b.String()
}
