// Package stats tracks per-worker and campaign-wide fuzzing counters,
// mirroring the original runtime's angora.csv fields, and additionally
// exposes them as Prometheus metrics for local observability.
package stats

import (
	"sync"
	"time"

	"github.com/LockOne/parmesan/internal/forksrv"
)

// RunningAvg is a simple exponentially-weighted moving average, used
// for the edge-count and exec-time averages the executor uses to
// decide when a run is too slow to bother tracking.
type RunningAvg struct {
	mu     sync.Mutex
	value  float64
	primed bool
}

const emaWeight = 0.1

// Update folds v into the running average.
func (a *RunningAvg) Update(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.primed {
		a.value = v
		a.primed = true
		return
	}
	a.value = a.value*(1-emaWeight) + v*emaWeight
}

// Value returns the current average.
func (a *RunningAvg) Value() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value
}

// GetRatio returns v as a multiple of the current average (1.0 means
// "exactly average"), used to flag a run as anomalously slow. An
// unprimed average reports a neutral ratio of 1.
func (a *RunningAvg) GetRatio(v float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.primed || a.value == 0 {
		return 1
	}
	return v / a.value
}

// LocalStats accumulates counters for a single worker between periodic
// drains into the shared ChartStats.
type LocalStats struct {
	NumExec     uint64
	TrackTime   time.Duration
	FindNormal  uint64
	FindTimeout uint64
	FindCrash   uint64
	AvgEdgeNum  RunningAvg
	AvgExecTime RunningAvg
}

// FindNew records that the last run produced new coverage, bucketed by
// status.
func (l *LocalStats) FindNew(status forksrv.Status) {
	switch status {
	case forksrv.StatusNormal:
		l.FindNormal++
	case forksrv.StatusTimeout:
		l.FindTimeout++
	case forksrv.StatusCrash:
		l.FindCrash++
	}
}

// ChartStats is the campaign-wide aggregate every worker's LocalStats
// periodically folds into, and what the dashboard/metrics endpoint
// read from.
type ChartStats struct {
	mu sync.RWMutex

	NumExec     uint64
	FindNormal  uint64
	FindTimeout uint64
	FindCrash   uint64
	TrackTime   time.Duration

	AvgEdgeNum  RunningAvg
	AvgExecTime RunningAvg

	startedAt time.Time
}

// NewChartStats returns a zeroed global stats aggregate, timestamped
// now for ExecPerSec.
func NewChartStats(startedAt time.Time) *ChartStats {
	return &ChartStats{startedAt: startedAt}
}

// SyncFromLocal folds a worker's accumulated counters into the global
// aggregate and resets the local counters to zero, matching the
// original runtime's periodic drain.
func (c *ChartStats) SyncFromLocal(local *LocalStats) {
	c.mu.Lock()
	c.NumExec += local.NumExec
	c.FindNormal += local.FindNormal
	c.FindTimeout += local.FindTimeout
	c.FindCrash += local.FindCrash
	c.TrackTime += local.TrackTime
	c.mu.Unlock()

	if v := local.AvgEdgeNum.Value(); v != 0 {
		c.AvgEdgeNum.Update(v)
	}
	if v := local.AvgExecTime.Value(); v != 0 {
		c.AvgExecTime.Update(v)
	}

	*local = LocalStats{}
}

// Snapshot is a point-in-time read of the aggregate, safe to render or
// export without holding the stats lock.
type Snapshot struct {
	NumExec     uint64
	FindNormal  uint64
	FindTimeout uint64
	FindCrash   uint64
	ExecPerSec  float64
	AvgEdgeNum  float64
	AvgExecTime float64
}

// Snapshot reads the current aggregate counters.
func (c *ChartStats) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	elapsed := time.Since(c.startedAt).Seconds()
	var perSec float64
	if elapsed > 0 {
		perSec = float64(c.NumExec) / elapsed
	}
	return Snapshot{
		NumExec:     c.NumExec,
		FindNormal:  c.FindNormal,
		FindTimeout: c.FindTimeout,
		FindCrash:   c.FindCrash,
		ExecPerSec:  perSec,
		AvgEdgeNum:  c.AvgEdgeNum.Value(),
		AvgExecTime: c.AvgExecTime.Value(),
	}
}
