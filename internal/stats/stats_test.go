package stats

import (
	"testing"
	"time"

	"github.com/LockOne/parmesan/internal/forksrv"
	"github.com/prometheus/client_golang/prometheus"
)

func TestRunningAvgUpdatesTowardNewValues(t *testing.T) {
	var avg RunningAvg
	avg.Update(100)
	if avg.Value() != 100 {
		t.Fatalf("expected first update to prime the average at 100, got %v", avg.Value())
	}
	avg.Update(200)
	if v := avg.Value(); v <= 100 || v >= 200 {
		t.Fatalf("expected the average to move between old and new value, got %v", v)
	}
}

func TestRunningAvgRatioNeutralBeforePriming(t *testing.T) {
	var avg RunningAvg
	if got := avg.GetRatio(500); got != 1 {
		t.Fatalf("expected neutral ratio 1 before priming, got %v", got)
	}
}

func TestLocalStatsFindNewBucketsByStatus(t *testing.T) {
	var l LocalStats
	l.FindNew(forksrv.StatusNormal)
	l.FindNew(forksrv.StatusCrash)
	l.FindNew(forksrv.StatusCrash)
	l.FindNew(forksrv.StatusTimeout)

	if l.FindNormal != 1 || l.FindCrash != 2 || l.FindTimeout != 1 {
		t.Fatalf("unexpected buckets: normal=%d crash=%d timeout=%d", l.FindNormal, l.FindCrash, l.FindTimeout)
	}
}

func TestSyncFromLocalAccumulatesAndResets(t *testing.T) {
	chart := NewChartStats(time.Now())
	local := &LocalStats{NumExec: 5, FindNormal: 2}
	local.AvgEdgeNum.Update(10)

	chart.SyncFromLocal(local)
	if local.NumExec != 0 {
		t.Fatal("expected local stats to reset after syncing")
	}

	snap := chart.Snapshot()
	if snap.NumExec != 5 || snap.FindNormal != 2 {
		t.Fatalf("expected accumulated counters, got %+v", snap)
	}

	local2 := &LocalStats{NumExec: 3}
	chart.SyncFromLocal(local2)
	snap2 := chart.Snapshot()
	if snap2.NumExec != 8 {
		t.Fatalf("expected cumulative NumExec 8, got %d", snap2.NumExec)
	}
}

func TestMetricsRefreshReportsMonotonicCounters(t *testing.T) {
	chart := NewChartStats(time.Now())
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, chart)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	chart.SyncFromLocal(&LocalStats{NumExec: 10, FindCrash: 1})
	m.Refresh()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family after refresh")
	}
}
