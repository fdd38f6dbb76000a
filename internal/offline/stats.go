package offline

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// statsCollector tracks sizes of bodies served, for the periodic stats log.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	hits     atomic.Uint64
	network  atomic.Uint64
	offline  atomic.Uint64
	bypassed atomic.Uint64
	failed   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(outcome Outcome, respBytes int64) {
	switch outcome {
	case OutcomeHit:
		s.hits.Add(1)
	case OutcomeNetwork:
		s.network.Add(1)
	case OutcomeOffline:
		s.offline.Add(1)
	case OutcomeBypass:
		s.bypassed.Add(1)
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *statsCollector) ObserveFailure() { s.failed.Add(1) }

type statsSnapshot struct {
	Hits, Network, Offline, Bypassed, Failed uint64

	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:     s.hits.Load(),
		Network:  s.network.Load(),
		Offline:  s.offline.Load(),
		Bypassed: s.bypassed.Load(),
		Failed:   s.failed.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	return out
}

// StartStatsLoop logs a stats line every interval until Close.
func (rt *Runtime) StartStatsLoop(every time.Duration) {
	if every <= 0 {
		return
	}
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-rt.stopCh:
				return
			case <-t.C:
				rt.logStats()
			}
		}
	}()
}

func (rt *Runtime) logStats() {
	ss := rt.stats.Snapshot()
	fields := logrus.Fields{
		"hit":     ss.Hits,
		"network": ss.Network,
		"offline": ss.Offline,
		"bypass":  ss.Bypassed,
		"failed":  ss.Failed,
	}
	rt.mu.RLock()
	if rt.installing != nil {
		fields["installing"] = rt.installing.worker.version
	}
	rt.mu.RUnlock()
	if w := rt.Active(); w != nil {
		fields["version"] = w.version
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n, err := w.EntryCount(ctx)
		cancel()
		if err == nil {
			fields["entries"] = n
		}
	}
	rt.log.WithFields(fields).Infof(
		"Served: Resp Min/avg/max %s/%s/%s",
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
	)
}
