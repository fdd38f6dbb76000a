package offline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the cache manager.
//
// Every method tolerates a nil receiver, so a nil *Metrics disables
// collection without checks at call sites.
type Metrics struct {
	// FetchOutcomes counts answered requests.
	// Labels: outcome=[hit, network, offline, bypass, failed]
	FetchOutcomes *prometheus.CounterVec

	// Installs counts install phases by result.
	// Labels: result=[success, failure]
	Installs *prometheus.CounterVec

	// GenerationsDeleted counts stale generations removed on activation.
	GenerationsDeleted prometheus.Counter

	// Claims counts successful client claims.
	Claims prometheus.Counter

	// ActiveVersion is 1 for the version currently serving.
	// Labels: version
	ActiveVersion *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with registerer
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		FetchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_fetch_total",
				Help: "Requests answered by the proxy, by outcome",
			},
			[]string{"outcome"},
		),
		Installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_install_total",
				Help: "Install phases by result",
			},
			[]string{"result"},
		),
		GenerationsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline0_generations_deleted_total",
			Help: "Stale cache generations deleted during activation",
		}),
		Claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline0_claims_total",
			Help: "Client claims after activation",
		}),
		ActiveVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offline0_active_version",
				Help: "Set to 1 for the cache version currently serving",
			},
			[]string{"version"},
		),
	}

	registerer.MustRegister(
		m.FetchOutcomes,
		m.Installs,
		m.GenerationsDeleted,
		m.Claims,
		m.ActiveVersion,
	)
	return m
}

func (m *Metrics) observeFetch(outcome string) {
	if m == nil {
		return
	}
	m.FetchOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeInstall(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.Installs.WithLabelValues(result).Inc()
}

func (m *Metrics) observeDeleted() {
	if m == nil {
		return
	}
	m.GenerationsDeleted.Inc()
}

func (m *Metrics) observeClaim() {
	if m == nil {
		return
	}
	m.Claims.Inc()
}

func (m *Metrics) setActive(version string) {
	if m == nil {
		return
	}
	m.ActiveVersion.Reset()
	m.ActiveVersion.WithLabelValues(version).Set(1)
}
