package dashboard

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/LockOne/parmesan/internal/cfg"
	"github.com/LockOne/parmesan/internal/depot"
	"github.com/LockOne/parmesan/internal/stats"
)

type fakeStopper struct{ stopped bool }

func (s *fakeStopper) Stop() { s.stopped = true }

func TestInitReturnsATickCommand(t *testing.T) {
	m := New("run-1", stats.NewChartStats(time.Now()), nil, nil)
	if m.Init() == nil {
		t.Fatal("expected Init to schedule a refresh tick")
	}
}

func TestTickRefreshesSnapshotAndDepotCounts(t *testing.T) {
	chart := stats.NewChartStats(time.Now())
	local := &stats.LocalStats{NumExec: 7}
	chart.SyncFromLocal(local)

	d, err := depot.New(t.TempDir(), cfg.New())
	if err != nil {
		t.Fatalf("depot.New: %v", err)
	}

	m := New("run-1", chart, d, nil)
	updated, cmd := m.Update(tickMsg(time.Now()))
	mm := updated.(Model)
	if mm.snapshot.NumExec != 7 {
		t.Fatalf("expected snapshot to reflect synced stats, got %+v", mm.snapshot)
	}
	if cmd == nil {
		t.Fatal("expected tick to re-arm the next refresh")
	}
}

func TestQuitKeyStopsThePoolAndQuits(t *testing.T) {
	stopper := &fakeStopper{}
	m := New("run-1", nil, nil, stopper)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !stopper.stopped {
		t.Fatal("expected 'q' to stop the pool")
	}
	if cmd == nil {
		t.Fatal("expected 'q' to issue a quit command")
	}
}

func TestViewRendersWithoutPanickingBeforeFirstTick(t *testing.T) {
	m := New("", nil, nil, nil)
	if out := m.View(); out == "" {
		t.Fatal("expected a non-empty initial view")
	}
}
