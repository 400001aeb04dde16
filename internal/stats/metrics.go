package stats

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes a ChartStats snapshot as Prometheus collectors. This
// is additive instrumentation alongside angora.csv, never a
// replacement for it.
type Metrics struct {
	stats *ChartStats

	execTotal    prometheus.Counter
	normalFound  prometheus.Counter
	timeoutFound prometheus.Counter
	crashFound   prometheus.Counter
	execPerSec   prometheus.Gauge
	avgEdgeNum   prometheus.Gauge
	avgExecTime  prometheus.Gauge

	lastExec    uint64
	lastNormal  uint64
	lastTimeout uint64
	lastCrash   uint64
}

// NewMetrics registers a fresh set of collectors against reg (pass
// prometheus.NewRegistry() for isolation in tests, or
// prometheus.DefaultRegisterer in production).
func NewMetrics(reg prometheus.Registerer, stats *ChartStats) (*Metrics, error) {
	m := &Metrics{
		stats: stats,
		execTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parmesan_executions_total",
			Help: "Total number of target executions across all workers.",
		}),
		normalFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parmesan_new_paths_normal_total",
			Help: "New paths found with a normal exit.",
		}),
		timeoutFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parmesan_new_paths_timeout_total",
			Help: "New paths found that hung.",
		}),
		crashFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parmesan_new_paths_crash_total",
			Help: "New paths found that crashed.",
		}),
		execPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parmesan_exec_per_second",
			Help: "Executions per second since campaign start.",
		}),
		avgEdgeNum: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parmesan_avg_edge_count",
			Help: "Running average of edges hit per normal execution.",
		}),
		avgExecTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parmesan_avg_exec_time_microseconds",
			Help: "Running average execution time in microseconds.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.execTotal, m.normalFound, m.timeoutFound, m.crashFound,
		m.execPerSec, m.avgEdgeNum, m.avgExecTime,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Refresh pushes the latest ChartStats snapshot into the registered
// gauges/counters. Counters are set via Add against the delta from
// the last refresh since Prometheus counters cannot be set directly.
func (m *Metrics) Refresh() {
	snap := m.stats.Snapshot()
	m.execPerSec.Set(snap.ExecPerSec)
	m.avgEdgeNum.Set(snap.AvgEdgeNum)
	m.avgExecTime.Set(snap.AvgExecTime)

	addCounterDelta(m.execTotal, &m.lastExec, snap.NumExec)
	addCounterDelta(m.normalFound, &m.lastNormal, snap.FindNormal)
	addCounterDelta(m.timeoutFound, &m.lastTimeout, snap.FindTimeout)
	addCounterDelta(m.crashFound, &m.lastCrash, snap.FindCrash)
}

func addCounterDelta(c prometheus.Counter, last *uint64, current uint64) {
	if current > *last {
		c.Add(float64(current - *last))
	}
	*last = current
}
