package offline

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNothingWaiting is returned by Promote when no installed worker waits.
var ErrNothingWaiting = errors.New("no installed worker is waiting")

// State is the lifecycle position of a deployed worker.
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

// Registration tracks one worker through its lifecycle. It is the
// InstallEvent the worker receives.
type Registration struct {
	worker *Worker

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

func (r *Registration) Worker() *Worker { return r.worker }

func (r *Registration) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Registration) SkipWaiting() {
	r.mu.Lock()
	r.skipWaiting = true
	r.mu.Unlock()
}

func (r *Registration) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Registration) wantsSkipWaiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipWaiting
}

type activateEvent struct {
	rt  *Runtime
	reg *Registration
}

func (e activateEvent) Claim(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.rt.mu.Lock()
	if e.rt.active != e.reg {
		e.rt.mu.Unlock()
		return errors.Errorf("claim: worker %s is not active", e.reg.worker.version)
	}
	e.rt.controller = e.reg.worker.version
	e.rt.mu.Unlock()

	e.rt.metrics.observeClaim()
	e.rt.log.WithField("version", e.reg.worker.version).Debug("clients claimed")
	return nil
}

type RuntimeOptions struct {
	Origin  string
	Network http.RoundTripper
	Logger  logrus.FieldLogger
	Metrics *Metrics
}

// Runtime hosts workers: it drives install and activation, keeps the
// previous worker serving when an install fails, and dispatches proxied
// requests to the active worker.
type Runtime struct {
	origin  *url.URL
	network http.RoundTripper
	log     logrus.FieldLogger
	metrics *Metrics
	stats   *statsCollector
	failLog *rateLimitedLogger

	// one update job at a time
	deployMu sync.Mutex

	mu         sync.RWMutex
	installing *Registration
	waiting    *Registration
	active     *Registration
	controller string

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "runtime: origin")
	}
	if !origin.IsAbs() {
		return nil, errors.Errorf("runtime: origin %q is not absolute", opts.Origin)
	}
	network := opts.Network
	if network == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = 30 * time.Second
		network = t
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runtime{
		origin:  origin,
		network: network,
		log:     logger,
		metrics: opts.Metrics,
		stats:   newStatsCollector(),
		failLog: newRateLimitedLogger(logger, time.Minute),
		stopCh:  make(chan struct{}),
	}, nil
}

// Network is the transport workers should use.
func (rt *Runtime) Network() http.RoundTripper { return rt.network }

// Close stops background loops.
func (rt *Runtime) Close() {
	rt.closeOnce.Do(func() { close(rt.stopCh) })
	rt.wg.Wait()
}

// Active returns the worker currently serving, or nil.
func (rt *Runtime) Active() *Worker {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.active == nil {
		return nil
	}
	return rt.active.worker
}

// Waiting returns the installed worker awaiting Promote, or nil.
func (rt *Runtime) Waiting() *Worker {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.waiting == nil {
		return nil
	}
	return rt.waiting.worker
}

// Controller is the version that last claimed clients.
func (rt *Runtime) Controller() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.controller
}

// Deploy installs w. A failed install leaves the active worker untouched.
// When w asked to skip waiting it is activated straight away; otherwise it
// waits for Promote.
func (rt *Runtime) Deploy(ctx context.Context, w *Worker) error {
	rt.deployMu.Lock()
	defer rt.deployMu.Unlock()

	logger := rt.log.WithField("version", w.version)
	if cur := rt.Active(); cur != nil && cur.version == w.version {
		logger.Debug("update: version already active")
		return nil
	}

	reg := &Registration{worker: w, state: StateInstalling}
	rt.mu.Lock()
	rt.installing = reg
	rt.mu.Unlock()

	err := w.Install(ctx, reg)

	rt.mu.Lock()
	rt.installing = nil
	if err != nil {
		reg.setState(StateRedundant)
		rt.mu.Unlock()
		logger.WithError(err).Error("update: install failed, keeping current version")
		return errors.Wrapf(err, "install %s", w.version)
	}
	reg.setState(StateInstalled)
	if rt.waiting != nil {
		rt.waiting.setState(StateRedundant)
	}
	rt.waiting = reg
	rt.mu.Unlock()

	if !reg.wantsSkipWaiting() {
		logger.Info("update: installed, waiting for promotion")
		return nil
	}
	return rt.activateWaiting(ctx)
}

// Restore makes w active without installing it when its generation is
// already complete in storage, so a restarted process keeps serving the
// persisted cache while the origin is unreachable. It does nothing when a
// worker is already active.
func (rt *Runtime) Restore(ctx context.Context, w *Worker) (bool, error) {
	rt.deployMu.Lock()
	defer rt.deployMu.Unlock()

	if rt.Active() != nil {
		return false, nil
	}
	ok, err := w.Installed(ctx)
	if err != nil {
		return false, errors.Wrapf(err, "restore %s", w.version)
	}
	if !ok {
		return false, nil
	}

	reg := &Registration{worker: w, state: StateActivated}
	rt.mu.Lock()
	rt.active = reg
	rt.controller = w.version
	rt.mu.Unlock()

	rt.metrics.setActive(w.version)
	rt.log.WithField("version", w.version).Info("update: restored persisted generation")
	return true, nil
}

// Promote activates the waiting worker.
func (rt *Runtime) Promote(ctx context.Context) error {
	rt.deployMu.Lock()
	defer rt.deployMu.Unlock()
	return rt.activateWaiting(ctx)
}

// activateWaiting makes the waiting worker active before running its
// Activate handler, so requests arriving during cleanup already see the new
// generation. An Activate error is reported but does not roll back: the new
// generation is complete while the old one may be partly deleted.
func (rt *Runtime) activateWaiting(ctx context.Context) error {
	rt.mu.Lock()
	reg := rt.waiting
	if reg == nil {
		rt.mu.Unlock()
		return ErrNothingWaiting
	}
	rt.waiting = nil
	prev := rt.active
	rt.active = reg
	reg.setState(StateActivating)
	if prev != nil {
		prev.setState(StateRedundant)
	}
	rt.mu.Unlock()

	rt.metrics.setActive(reg.worker.version)

	logger := rt.log.WithField("version", reg.worker.version)
	err := reg.worker.Activate(ctx, activateEvent{rt: rt, reg: reg})
	reg.setState(StateActivated)
	if err != nil {
		logger.WithError(err).Error("update: activate failed")
		return errors.Wrapf(err, "activate %s", reg.worker.version)
	}
	logger.Info("update: activated")
	return nil
}

// UpdateBackOff is the retry policy for failed installs.
func UpdateBackOff(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	return b
}

// DeployWithRetry retries Deploy while the install fails on precaching.
// Storage and activation errors are not retried.
func (rt *Runtime) DeployWithRetry(ctx context.Context, w *Worker, b backoff.BackOff) error {
	op := func() error {
		err := rt.Deploy(ctx, w)
		if err != nil && !errors.Is(err, ErrPrecacheFailure) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		rt.log.WithError(err).WithFields(logrus.Fields{
			"version": w.version,
			"retryIn": next,
		}).Warn("update: retrying install")
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func (rt *Runtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	out, err := rt.outboundRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, outcome, err := rt.dispatch(r.Context(), out)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		rt.stats.ObserveFailure()
		rt.metrics.observeFetch("failed")
		rt.failLog.Warnf("fetch %s failed: %v", out.URL, err)
		setOfflineHeaders(w.Header(), "failed")
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	n := writeResponse(w, resp, outcome)
	rt.stats.Observe(outcome, n)
	rt.metrics.observeFetch(string(outcome))
}

// dispatch hands req to the active worker, or straight to the network when
// there is none or the worker declines it.
func (rt *Runtime) dispatch(ctx context.Context, req *http.Request) (*http.Response, Outcome, error) {
	if w := rt.Active(); w != nil {
		resp, outcome, err := w.Fetch(ctx, req)
		if !errors.Is(err, ErrNotIntercepted) {
			return resp, outcome, err
		}
	}
	resp, err := rt.network.RoundTrip(req)
	if err != nil {
		return nil, "", &NetworkError{URL: req.URL.String(), Err: err}
	}
	return resp, OutcomeBypass, nil
}

// outboundRequest keeps absolute-form request URIs (forward proxy use) and
// resolves everything else against the origin.
func (rt *Runtime) outboundRequest(r *http.Request) (*http.Request, error) {
	target := rt.origin.String() + r.URL.RequestURI()
	if r.URL.IsAbs() {
		target = r.URL.String()
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength
	copyHeaders(out.Header, r.Header)
	return out, nil
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
