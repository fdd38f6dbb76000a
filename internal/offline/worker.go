package offline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// InstallEvent is what the host hands to Worker.Install.
type InstallEvent interface {
	// SkipWaiting asks the host to activate as soon as install succeeds.
	SkipWaiting()
}

// ActivateEvent is what the host hands to Worker.Activate.
type ActivateEvent interface {
	// Claim asks the host to route already-open clients to this worker.
	Claim(ctx context.Context) error
}

type WorkerOptions struct {
	// Version names the cache generation this worker owns.
	Version string
	// Origin is the base URL root-relative paths resolve against.
	Origin      string
	Manifest    []string
	OfflinePage string
	Exclusions  ExclusionList
	// MaxEntrySize bounds each precached body; <= 0 disables the check.
	MaxEntrySize int64

	Storage CacheStorage
	Network http.RoundTripper
	Logger  logrus.FieldLogger
	Metrics *Metrics
}

// Worker is one deployed version of the offline cache manager. It holds no
// mutable state; everything shared lives in its CacheStorage.
type Worker struct {
	version      string
	origin       *url.URL
	manifest     []string
	offlinePage  string
	exclusions   ExclusionList
	maxEntrySize int64

	storage CacheStorage
	network http.RoundTripper
	client  *http.Client
	log     logrus.FieldLogger
	metrics *Metrics
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Version == "" {
		return nil, errors.New("worker: version is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("worker: storage is required")
	}
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "worker: origin")
	}
	if !origin.IsAbs() {
		return nil, errors.Errorf("worker: origin %q is not absolute", opts.Origin)
	}
	for _, p := range opts.Manifest {
		if !strings.HasPrefix(p, "/") {
			return nil, errors.Errorf("worker: manifest path %q is not root-relative", p)
		}
	}
	network := opts.Network
	if network == nil {
		network = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Worker{
		version:      opts.Version,
		origin:       origin,
		manifest:     append([]string(nil), opts.Manifest...),
		offlinePage:  opts.OfflinePage,
		exclusions:   append(ExclusionList(nil), opts.Exclusions...),
		maxEntrySize: opts.MaxEntrySize,
		storage:      opts.Storage,
		network:      network,
		client:       &http.Client{Transport: network},
		log:          logger.WithField("version", opts.Version),
		metrics:      opts.Metrics,
	}, nil
}

func (w *Worker) Version() string { return w.version }

// resolve turns a root-relative path into an absolute URL on the origin.
func (w *Worker) resolve(path string) string {
	return w.origin.String() + path
}

type precached struct {
	req *http.Request
	ent CacheEntry
}

// Install fetches every manifest resource and, only when all of them
// succeeded, stores them in the generation named after the version.
func (w *Worker) Install(ctx context.Context, ev InstallEvent) error {
	fetched := make([]precached, len(w.manifest))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range w.manifest {
		i, path := i, path
		g.Go(func() error {
			pc, err := w.precacheOne(gctx, path)
			if err != nil {
				return &PrecacheError{Path: path, Err: err}
			}
			fetched[i] = pc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.metrics.observeInstall(false)
		return err
	}

	_, existed, err := w.storage.Lookup(ctx, w.version)
	if err != nil {
		return errors.Wrapf(err, "lookup cache %q", w.version)
	}
	cache, err := w.storage.Open(ctx, w.version)
	if err != nil {
		return errors.Wrapf(err, "open cache %q", w.version)
	}
	for _, pc := range fetched {
		if err := cache.Put(ctx, pc.req, pc.ent); err != nil {
			if !existed {
				if _, derr := w.storage.Delete(context.WithoutCancel(ctx), w.version); derr != nil {
					w.log.WithError(derr).Warn("install: rollback of partial generation failed")
				}
			}
			w.metrics.observeInstall(false)
			return errors.Wrapf(err, "store %s", pc.req.URL)
		}
	}

	w.metrics.observeInstall(true)
	w.log.WithField("entries", len(fetched)).Info("install: precache complete")
	if ev != nil {
		ev.SkipWaiting()
	}
	return nil
}

func (w *Worker) precacheOne(ctx context.Context, path string) (precached, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.resolve(path), nil)
	if err != nil {
		return precached{}, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return precached{}, &NetworkError{URL: req.URL.String(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return precached{}, errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	ent, err := entryFromResponse(resp, w.maxEntrySize)
	if err != nil {
		return precached{}, err
	}
	// Stored under the original request, not the post-redirect URL.
	return precached{req: req.WithContext(context.Background()), ent: ent}, nil
}

// Activate deletes every generation except the current one, then claims
// open clients. All deletions finish before it returns.
func (w *Worker) Activate(ctx context.Context, ev ActivateEvent) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return errors.Wrap(err, "list caches")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == w.version {
			continue
		}
		name := name
		g.Go(func() error {
			deleted, err := w.storage.Delete(gctx, name)
			if err != nil {
				return errors.Wrapf(err, "delete cache %q", name)
			}
			if deleted {
				w.metrics.observeDeleted()
				w.log.WithField("stale", name).Info("activate: deleted stale generation")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if ev != nil {
		return ev.Claim(ctx)
	}
	return nil
}

// Fetch answers one intercepted request: cache first, then network, then
// the offline page for failed navigations. Excluded URLs return
// ErrNotIntercepted without touching storage.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, Outcome, error) {
	if w.exclusions.Excludes(req.URL.String()) {
		return nil, OutcomeBypass, ErrNotIntercepted
	}

	cache, ok, err := w.storage.Lookup(ctx, w.version)
	if err != nil {
		return nil, "", errors.Wrapf(err, "lookup cache %q", w.version)
	}
	if ok {
		ent, hit, err := cache.Match(ctx, req)
		if err != nil {
			return nil, "", err
		}
		if hit {
			return ent.Response(req), OutcomeHit, nil
		}
	}

	resp, err := w.network.RoundTrip(req.WithContext(ctx))
	if err == nil {
		return resp, OutcomeNetwork, nil
	}
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	netErr := &NetworkError{URL: req.URL.String(), Err: err}
	if !IsNavigation(req) {
		return nil, "", netErr
	}
	if cache == nil || w.offlinePage == "" {
		return nil, "", fmt.Errorf("%w: %w", ErrOfflinePageMissing, netErr)
	}
	fallback, err := http.NewRequestWithContext(ctx, http.MethodGet, w.resolve(w.offlinePage), nil)
	if err != nil {
		return nil, "", err
	}
	ent, ok, err := cache.Match(ctx, fallback)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: %w", ErrOfflinePageMissing, netErr)
	}
	return ent.Response(req), OutcomeOffline, nil
}

// EntryCount returns how many entries the worker's generation holds.
func (w *Worker) EntryCount(ctx context.Context) (int, error) {
	cache, ok, err := w.storage.Lookup(ctx, w.version)
	if err != nil || !ok {
		return 0, err
	}
	keys, err := cache.Keys(ctx)
	return len(keys), err
}

// Installed reports whether storage already holds this version's generation
// with every manifest resource in it, as left by an earlier Install.
func (w *Worker) Installed(ctx context.Context) (bool, error) {
	cache, ok, err := w.storage.Lookup(ctx, w.version)
	if err != nil || !ok {
		return false, err
	}
	for _, path := range w.manifest {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.resolve(path), nil)
		if err != nil {
			return false, err
		}
		_, hit, err := cache.Match(ctx, req)
		if err != nil {
			return false, errors.Wrapf(err, "match %s", path)
		}
		if !hit {
			return false, nil
		}
	}
	return true, nil
}
