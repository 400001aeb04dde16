package executor

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LockOne/parmesan/internal/cfg"
	"github.com/LockOne/parmesan/internal/cond"
	"github.com/LockOne/parmesan/internal/command"
	"github.com/LockOne/parmesan/internal/depot"
	"github.com/LockOne/parmesan/internal/forksrv"
	"github.com/LockOne/parmesan/internal/shm"
	"github.com/LockOne/parmesan/internal/stats"
)

// fakeRunner is a scripted ProcessRunner: it returns a fixed status
// (and optionally writes a track file) without spawning anything.
type fakeRunner struct {
	status     forksrv.Status
	err        error
	writeTrack func(path string)
	calls      int
}

func (f *fakeRunner) Run(ctx context.Context, bin string, args []string, env []string, memLimitBytes uint64, timeLimit time.Duration, inputPath string, isStdin bool, usesASAN bool) (forksrv.Status, error) {
	f.calls++
	if f.writeTrack != nil {
		for _, e := range env {
			if len(e) > len("TRACK_OUTPUT_VAR=") && e[:len("TRACK_OUTPUT_VAR=")] == "TRACK_OUTPUT_VAR=" {
				f.writeTrack(e[len("TRACK_OUTPUT_VAR="):])
			}
		}
	}
	return f.status, f.err
}

func newTestExecutor(t *testing.T, runner ProcessRunner) (*Executor, *depot.Depot) {
	t.Helper()
	dir := t.TempDir()

	branches, err := shm.Create(shm.BranchMapSize)
	if err != nil {
		t.Skipf("shm not available in this environment: %v", err)
	}
	t.Cleanup(func() { branches.Close() })

	slot, err := shm.NewCondSlot()
	if err != nil {
		t.Skipf("shm not available in this environment: %v", err)
	}
	t.Cleanup(func() { slot.Close() })

	graph := cfg.New()
	d, err := depot.New(dir, graph)
	if err != nil {
		t.Fatalf("depot.New: %v", err)
	}

	profile := &command.Profile{
		MainBin:           "/bin/target",
		TrackBin:          "/bin/target.track",
		TmpDir:            dir,
		OutFile:           filepath.Join(dir, "cur_input"),
		ForksrvSocketPath: filepath.Join(dir, "forksrv_socket"),
		TrackPath:         filepath.Join(dir, "track"),
		IsStdin:           true,
		TimeLimit:         1,
	}

	e := &Executor{
		profile:        profile,
		branches:       branches,
		globalBranches: shm.NewGlobalBranches(shm.BranchMapSize),
		condSlot:       slot,
		envs:           map[string]string{},
		runner:         runner,
		depot:          d,
		cfg:            graph,
		globalStats:    stats.NewChartStats(time.Now()),
		lastF:          shm.Unreachable,
	}
	return e, d
}

func TestRunNormalSavesNothingWithoutNewCoverage(t *testing.T) {
	runner := &fakeRunner{status: forksrv.StatusNormal}
	e, d := newTestExecutor(t, runner)

	c := &cond.CondStmt{CmpID: 1, Func: 1, State: cond.StateInitial, IsDesirable: true}
	if _, err := e.Run([]byte("seed"), c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !d.Empty() {
		t.Fatal("expected no input saved when the bitmap shows no new coverage")
	}
}

func TestRunWithCondInstallsIdentityAndReadsDistance(t *testing.T) {
	runner := &fakeRunner{status: forksrv.StatusNormal}
	e, _ := newTestExecutor(t, runner)

	c := &cond.CondStmt{CmpID: 5, Context: 2, Order: 0, State: cond.StateInitial, IsDesirable: true}
	status, output, err := e.RunWithCond([]byte("x"), c)
	if err != nil {
		t.Fatalf("RunWithCond: %v", err)
	}
	if status != forksrv.StatusNormal {
		t.Fatalf("expected normal status, got %v", status)
	}
	if output != shm.Unreachable {
		t.Fatalf("expected unreachable distance when the fake target never writes one, got %d", output)
	}
}

func TestCheckTimeoutFreezesConditionAfterRepeatedTimeouts(t *testing.T) {
	runner := &fakeRunner{status: forksrv.StatusNormal}
	e, _ := newTestExecutor(t, runner)

	c := &cond.CondStmt{CmpID: 9, State: cond.StateInitial, IsDesirable: true}
	if status := e.checkTimeout(forksrv.StatusTimeout, c); status != forksrv.StatusTimeout {
		t.Fatalf("expected plain Timeout status to survive a single timeout, got %v", status)
	}
	if c.State == cond.StateTimeout {
		t.Fatal("expected condition to survive a single timeout")
	}
	status := e.checkTimeout(forksrv.StatusTimeout, c)
	if c.State != cond.StateTimeout {
		t.Fatal("expected condition frozen to timeout state after TmoutSkip consecutive timeouts")
	}
	if status != forksrv.StatusSkip {
		t.Fatalf("expected the freezing run to report Skip distinctly from Timeout, got %v", status)
	}
}

func TestCheckInvariableMarksUndesirableAfterRepeatedIdenticalOutput(t *testing.T) {
	runner := &fakeRunner{status: forksrv.StatusNormal}
	e, _ := newTestExecutor(t, runner)

	c := &cond.CondStmt{CmpID: 3, State: cond.StateExploring, IsDesirable: true}
	// The first call only records 42 as the previous output; each later
	// call with the same output counts one repeat.
	for i := 0; i <= MaxInvariableNum; i++ {
		e.checkInvariable(42, c)
	}
	if c.IsDesirable {
		t.Fatal("expected repeated identical distance output to mark the condition undesirable")
	}
}

func TestRunWithCondReturnsSkipAfterRepeatedInvariableOutput(t *testing.T) {
	runner := &fakeRunner{status: forksrv.StatusNormal}
	e, _ := newTestExecutor(t, runner)

	c := &cond.CondStmt{CmpID: 7, Context: 1, State: cond.StateExploring, IsDesirable: true}
	var status forksrv.Status
	var err error
	for i := 0; i < MaxInvariableNum; i++ {
		status, _, err = e.RunWithCond([]byte("x"), c)
		if err != nil {
			t.Fatalf("RunWithCond: %v", err)
		}
	}
	if c.IsDesirable {
		t.Fatal("expected repeated invariable output to mark the condition undesirable")
	}
	if status != forksrv.StatusSkip {
		t.Fatalf("expected the condition to report Skip distinctly from Error once undesirable, got %v", status)
	}
}

func TestCheckExploredMarksDoneOnZeroDistance(t *testing.T) {
	e := &Executor{}
	c := &cond.CondStmt{CmpID: 1, State: cond.StateExploring}
	skip, explored := e.checkExplored(c, 0)
	if !skip || !explored {
		t.Fatal("expected a zero-distance output to mark the condition explored")
	}
	if !c.IsDone() {
		t.Fatal("expected the condition to transition to the done state")
	}
}

func TestFuncRelMatrixRecordsCoOccurrence(t *testing.T) {
	m := NewFuncRelMatrix(4)
	m.record(map[uint32]struct{}{1: {}, 2: {}})
	m.record(map[uint32]struct{}{1: {}, 2: {}})

	snap := m.Snapshot()
	if snap[1][2] != 2 || snap[2][1] != 2 {
		t.Fatalf("expected symmetric co-occurrence count of 2, got %+v", snap)
	}
}

func TestTrackDecodesWrittenFileAndFeedsGraph(t *testing.T) {
	runner := &fakeRunner{
		status: forksrv.StatusNormal,
		writeTrack: func(path string) {
			writeTrackFixture(t, path)
		},
	}
	e, _ := newTestExecutor(t, runner)
	e.envs["TRACK_OUTPUT_VAR"] = e.profile.TrackPath

	if err := os.WriteFile(e.profile.OutFile, []byte("seed"), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	got, err := e.track(1, []byte("seed"), 50)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 decoded conditions, got %d", len(got))
	}
	for _, c := range got {
		if c.Speed != 50 {
			t.Fatalf("expected speed stamped as 50, got %d", c.Speed)
		}
	}
}

// writeTrackFixture writes a minimal two-record track file understood
// by internal/track.Load, used to exercise the track() pipeline
// without a real instrumented binary.
func writeTrackFixture(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create track fixture: %v", err)
	}
	defer f.Close()

	write := func(fields ...any) {
		for _, v := range fields {
			if err := binary.Write(f, binary.LittleEndian, v); err != nil {
				t.Fatalf("write track fixture field: %v", err)
			}
		}
	}
	// record 1: cmpid=1 context=0 func=1 order=0 cond=1 op=eq(0) offsetcount=0 arg1=0 arg2=0 lastcallsite=0 varlen=0
	write(uint32(1), uint32(0), uint32(1), uint32(0), uint64(1), uint32(0), uint32(0), uint64(0), uint64(0), uint32(0), uint32(0))
	// record 2: cmpid=2 context=0 func=1 order=1 cond=0 op=lt(2) offsetcount=0 arg1=0 arg2=0 lastcallsite=0 varlen=0
	write(uint32(2), uint32(0), uint32(1), uint32(1), uint64(0), uint32(2), uint32(0), uint64(0), uint64(0), uint32(0), uint32(0))
}
