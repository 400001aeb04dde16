// Package executor drives one worker's fuzzing loop: spawn the target
// (via its fork server when available), diff its coverage against the
// global bitmap, save newly-interesting inputs, and feed the tracking
// pass's discovered conditions into the depot and CFG.
package executor

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LockOne/parmesan/internal/cfg"
	"github.com/LockOne/parmesan/internal/cond"
	"github.com/LockOne/parmesan/internal/command"
	"github.com/LockOne/parmesan/internal/depot"
	"github.com/LockOne/parmesan/internal/forksrv"
	"github.com/LockOne/parmesan/internal/shm"
	"github.com/LockOne/parmesan/internal/stats"
	"github.com/LockOne/parmesan/internal/track"
)

// Tuning constants the original runtime keeps in a config module not
// present in the retrieved source; chosen here to preserve the
// documented behavior (see spec.md's tracking-pass and invariable
// rules) rather than transcribed from an unavailable source.
const (
	MaxInvariableNum = 8
	TmoutSkip        = 2
	MemLimitTrack    = 0 // unlimited: tracking runs need headroom ASAN/taint shadow memory would otherwise exceed
	TimeLimitTrackX  = 4 // multiplier applied to the configured time limit for tracking runs
	SlowSpeed        = ^uint32(0)
)

// FuncRelMatrix is the shared function-co-execution matrix: entry
// [f1][f2] counts how many tracked runs exercised both f1 and f2.
// Indexed by function id, sized by the target's function count.
type FuncRelMatrix struct {
	mu   sync.Mutex
	rows [][]uint64
}

// NewFuncRelMatrix allocates a zeroed numFuncs x numFuncs matrix.
func NewFuncRelMatrix(numFuncs int) *FuncRelMatrix {
	rows := make([][]uint64, numFuncs)
	for i := range rows {
		rows[i] = make([]uint64, numFuncs)
	}
	return &FuncRelMatrix{rows: rows}
}

func (m *FuncRelMatrix) record(funcs map[uint32]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for f1 := range funcs {
		if int(f1) >= len(m.rows) {
			continue
		}
		for f2 := range funcs {
			if int(f2) >= len(m.rows[f1]) {
				continue
			}
			m.rows[f1][f2]++
		}
	}
}

// Snapshot returns a copy of the matrix for the final func_rels.csv
// dump.
func (m *FuncRelMatrix) Snapshot() [][]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]uint64, len(m.rows))
	for i, row := range m.rows {
		out[i] = append([]uint64(nil), row...)
	}
	return out
}

// Executor owns one worker's view of the shared fuzzing state: its own
// fork-server connection and shared memory regions, and handles to the
// campaign-wide depot, CFG, stats, and function-relation matrix.
type Executor struct {
	profile *command.Profile

	branches       *shm.Region
	globalBranches *shm.GlobalBranches
	condSlot       *shm.CondSlot

	envs     map[string]string
	listener *net.UnixListener
	fork     *forksrv.Client
	runner   ProcessRunner

	depot       *depot.Depot
	cfg         *cfg.Graph
	funcRel     *FuncRelMatrix
	globalStats *stats.ChartStats
	local       stats.LocalStats

	tmoutCnt      int
	invariableCnt int
	lastF         uint64
	hasNewPath    bool
	isDirected    bool

	log *logrus.Entry
}

// Options bundles everything New needs beyond the per-worker profile.
type Options struct {
	GlobalBranches *shm.GlobalBranches
	Depot          *depot.Depot
	CFG            *cfg.Graph
	FuncRel        *FuncRelMatrix
	GlobalStats    *stats.ChartStats
	Runner         ProcessRunner
	Log            *logrus.Entry
}

// New builds a worker's Executor: allocates its shared memory regions,
// assembles the environment the target and tracker will see, and binds
// and spawns the fork server, returning an error if that fails.
func New(profile *command.Profile, opt Options) (*Executor, error) {
	branches, err := shm.Create(shm.BranchMapSize)
	if err != nil {
		return nil, fmt.Errorf("executor: create branch bitmap: %w", err)
	}
	condSlot, err := shm.NewCondSlot()
	if err != nil {
		return nil, fmt.Errorf("executor: create cond slot: %w", err)
	}

	envs := map[string]string{
		shm.BranchesShmEnvVar: itoa(branches.ID()),
		shm.CondStmtEnvVar:    itoa(condSlot.Region().ID()),
		"LD_LIBRARY_PATH":     profile.LDLibrary,
		"ASAN_OPTIONS":        "abort_on_error=1:symbolize=0:detect_leaks=0",
		"MSAN_OPTIONS":        "exit_code=86:symbolize=0",
	}

	log := opt.Log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}

	e := &Executor{
		profile:        profile,
		branches:       branches,
		globalBranches: opt.GlobalBranches,
		condSlot:       condSlot,
		envs:           envs,
		runner:         opt.Runner,
		depot:          opt.Depot,
		cfg:            opt.CFG,
		funcRel:        opt.FuncRel,
		globalStats:    opt.GlobalStats,
		lastF:          shm.Unreachable,
		isDirected:     profile.DirectedOnly,
		log:            log,
	}
	if e.runner == nil {
		e.runner = NewProcessRunner()
	}

	if err := e.bindForksrv(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Executor) bindForksrv() error {
	listener, err := forksrv.Listen(e.profile.ForksrvSocketPath)
	if err != nil {
		return fmt.Errorf("executor: bind forksrv listener: %w", err)
	}
	e.listener = listener

	env := append(envSlice(e.envs),
		command.EnableForksrvEnvVar+"=TRUE",
		command.ForksrvSocketPathVar+"="+e.profile.ForksrvSocketPath,
	)
	go func() {
		_, _ = e.runner.Run(context.Background(), e.profile.MainBin, e.profile.MainArg, env,
			e.profile.MemLimit, time.Duration(e.profile.TimeLimit)*time.Second,
			e.profile.OutFile, e.profile.IsStdin, e.profile.UsesASAN)
	}()

	client, err := forksrv.Dial(listener, time.Duration(e.profile.TimeLimit)*time.Second, e.profile.UsesASAN, e.log)
	if err != nil {
		return fmt.Errorf("executor: dial forksrv: %w", err)
	}
	e.fork = client
	return nil
}

// RebindForksrv tears down the current fork-server connection (after
// an I/O error) and starts a fresh one.
func (e *Executor) RebindForksrv() error {
	if e.fork != nil {
		_ = e.fork.Close()
		e.fork = nil
	}
	return e.bindForksrv()
}

// Close releases the executor's shared memory and fork-server
// connection. It does not touch the Profile, which the caller owns.
func (e *Executor) Close() error {
	if e.fork != nil {
		_ = e.fork.Close()
	}
	if e.listener != nil {
		_ = e.listener.Close()
	}
	_ = e.condSlot.Close()
	return e.branches.Close()
}

func (e *Executor) runInit() {
	e.hasNewPath = false
	e.local.NumExec++
}

func (e *Executor) writeTest(buf []byte) error {
	return os.WriteFile(e.profile.OutFile, buf, 0o644)
}

// runInner writes the input, clears the bitmap, and executes one run
// either through the fork server or, if absent, by spawning a fresh
// process directly.
func (e *Executor) runInner(buf []byte) (forksrv.Status, error) {
	if err := e.writeTest(buf); err != nil {
		return forksrv.StatusError, err
	}
	e.branches.Clear()

	if e.fork != nil {
		return e.fork.Run(time.Duration(e.profile.TimeLimit) * time.Second), nil
	}
	return e.runner.Run(context.Background(), e.profile.MainBin, e.profile.MainArg, envSlice(e.envs),
		e.profile.MemLimit, time.Duration(e.profile.TimeLimit)*time.Second,
		e.profile.OutFile, e.profile.IsStdin, e.profile.UsesASAN)
}

// checkConsistent flags a first-time condition as inconsistent when
// the fast binary never reaches it on the very first execution the
// track binary reports it reachable for — the two binaries disagree
// about instrumentation placement.
func (e *Executor) checkConsistent(output uint64, c *cond.CondStmt) {
	if output == shm.Unreachable && c.IsFirstTime() && e.local.NumExec == 1 && c.State == cond.StateInitial {
		c.IsConsistent = false
		e.log.Warnf("inconsistent condition: cmpid=%d context=%d", c.CmpID, c.Context)
	}
}

// checkInvariable tracks whether the condition's distance output has
// stopped changing across consecutive runs; after MaxInvariableNum
// such runs it marks the condition undesirable and, unless it is in a
// deterministic or one-byte solving stage, skips it outright.
func (e *Executor) checkInvariable(output uint64, c *cond.CondStmt) bool {
	skip := false
	if output == e.lastF {
		e.invariableCnt++
		if e.invariableCnt >= MaxInvariableNum {
			c.IsDesirable = false
			if !c.State.IsDeterministic() && !c.State.IsOneByte() {
				skip = true
			}
		}
	} else {
		e.invariableCnt = 0
	}
	e.lastF = output
	return skip
}

// checkExplored marks the condition done once its target distance
// reports 0 (satisfied) and it isn't already done.
func (e *Executor) checkExplored(c *cond.CondStmt, output uint64) (skip bool, explored bool) {
	if output == 0 && !c.IsDone() {
		c.MarkAsDone()
		return true, true
	}
	return false, false
}

// RunWithCond executes buf with cond installed in the ShmConds slot so
// the target reports its distance for that specific condition.
func (e *Executor) RunWithCond(buf []byte, c *cond.CondStmt) (forksrv.Status, uint64, error) {
	e.runInit()
	e.condSlot.Install(c.CmpID, c.Context, c.Order)

	status, err := e.runInner(buf)
	if err != nil {
		return status, 0, err
	}
	output := e.condSlot.ReadDistance()

	skip, _ := e.checkExplored(c, output)
	skip = e.checkInvariable(output, c) || skip
	e.checkConsistent(output, c)

	e.doIfHasNew(buf, status, c.CmpID, c.Func)
	status = e.checkTimeout(status, c)
	if skip {
		status = forksrv.StatusSkip
	}
	return status, output, nil
}

// Run executes buf for plain classification, without installing a
// tracked condition.
func (e *Executor) Run(buf []byte, c *cond.CondStmt) (forksrv.Status, error) {
	e.runInit()
	status, err := e.runInner(buf)
	if err != nil {
		return status, err
	}
	e.doIfHasNew(buf, status, c.CmpID, c.Func)
	return e.checkTimeout(status, c), nil
}

// RunSync executes an externally-imported seed with no source
// condition, e.g. during AFL-sync seed import.
func (e *Executor) RunSync(buf []byte) error {
	e.runInit()
	status, err := e.runInner(buf)
	if err != nil {
		return err
	}
	e.doIfHasNew(buf, status, 0, 0)
	return nil
}

// checkTimeout promotes a socket-level Error into a fresh fork-server
// bind plus a Timeout classification, and after TmoutSkip consecutive
// timeouts, freezes the condition into the terminal timeout state and
// reports Skip so the search strategy moves on.
func (e *Executor) checkTimeout(status forksrv.Status, c *cond.CondStmt) forksrv.Status {
	ret := status
	if ret == forksrv.StatusError {
		if err := e.RebindForksrv(); err != nil {
			e.log.WithError(err).Warn("executor: failed to rebind fork server")
		}
		ret = forksrv.StatusTimeout
	}

	if ret == forksrv.StatusTimeout {
		e.tmoutCnt++
		if e.tmoutCnt >= TmoutSkip {
			c.ToTimeout()
			e.tmoutCnt = 0
			ret = forksrv.StatusSkip
		}
	} else {
		e.tmoutCnt = 0
	}
	return ret
}

func (e *Executor) countTime() time.Duration {
	start := time.Now()
	for i := 0; i < 3; i++ {
		if e.fork != nil {
			if status := e.fork.Run(time.Duration(e.profile.TimeLimit) * time.Second); status == forksrv.StatusError {
				_ = e.RebindForksrv()
				return time.Duration(SlowSpeed) * time.Microsecond
			}
		} else {
			_, _ = e.runner.Run(context.Background(), e.profile.MainBin, e.profile.MainArg, envSlice(e.envs),
				e.profile.MemLimit, time.Duration(e.profile.TimeLimit)*time.Second, e.profile.OutFile, e.profile.IsStdin, e.profile.UsesASAN)
		}
	}
	return time.Since(start) / 3
}

// tryUnlimitedMemory re-runs buf with memory capped only at the
// tracking limit, as a sanity check that the run's behavior doesn't
// change once memory pressure is relaxed. Returns true (skip further
// tracking) if the behavior differs from Normal.
func (e *Executor) tryUnlimitedMemory(buf []byte, cmpid uint32) (bool, error) {
	e.branches.Clear()
	if err := e.writeTest(buf); err != nil {
		return false, err
	}
	status, err := e.runner.Run(context.Background(), e.profile.MainBin, e.profile.MainArg, envSlice(e.envs),
		MemLimitTrack, time.Duration(e.profile.TimeLimit)*time.Second, e.profile.OutFile, e.profile.IsStdin, e.profile.UsesASAN)
	if err != nil {
		return false, err
	}
	if status == forksrv.StatusNormal {
		return false, nil
	}
	hasNewPath, _, _ := e.globalBranches.Diff(e.branches.Bytes())
	if hasNewPath {
		if _, err := e.depot.Save(status, buf, cmpid); err != nil {
			e.log.WithError(err).Warn("executor: failed to save unlimited-memory divergence")
		}
	}
	return true, nil
}

// doIfHasNew diffs this run's bitmap against the global coverage map;
// on any new coverage it saves the input and, for Normal runs that
// aren't anomalously slow, launches the tracking pass.
func (e *Executor) doIfHasNew(buf []byte, status forksrv.Status, cmpid, fn uint32) {
	hasNewPath, hasNewEdge, edgeNum := e.globalBranches.Diff(e.branches.Bytes())
	if !hasNewPath {
		return
	}
	e.hasNewPath = true
	e.local.FindNew(status)
	id, err := e.depot.Save(status, buf, cmpid)
	if err != nil {
		e.log.WithError(err).Warn("executor: failed to save new-path input")
		return
	}
	if status != forksrv.StatusNormal {
		return
	}

	e.local.AvgEdgeNum.Update(float64(edgeNum))
	speed := e.countTime()
	speedRatio := e.local.AvgExecTime.GetRatio(float64(speed.Microseconds()))
	e.local.AvgExecTime.Update(float64(speed.Microseconds()))

	if (!hasNewEdge && speedRatio > 10 && id > 10) || (speedRatio > 25 && id > 10) {
		e.log.Debugf("skipping tracking of id %d: speed=%s ratio=%.1f hasNewEdge=%v", id, speed, speedRatio, hasNewEdge)
		return
	}

	skip, err := e.tryUnlimitedMemory(buf, cmpid)
	if err != nil {
		e.log.WithError(err).Warn("executor: unlimited-memory sanity run failed")
		return
	}
	if skip {
		return
	}

	condStmts, err := e.track(id, buf, uint32(speed.Microseconds()))
	if err != nil {
		e.log.WithError(err).Warn("executor: tracking pass failed")
		return
	}
	if len(condStmts) == 0 {
		return
	}
	e.getFuncAndRecord(condStmts)
	e.depot.AddEntries(condStmts, depot.OriginCond{CmpID: cmpid, Func: fn})
	if e.profile.EnableAFL {
		e.depot.AddEntries([]cond.CondStmt{cond.AflCond(uint32(id), uint32(speed.Microseconds()), uint32(edgeNum))},
			depot.OriginCond{CmpID: cmpid, Func: fn})
	}
}

func (e *Executor) getFuncAndRecord(list []cond.CondStmt) {
	if e.funcRel == nil {
		return
	}
	funcs := make(map[uint32]struct{}, len(list))
	for _, c := range list {
		funcs[c.Func] = struct{}{}
	}
	e.funcRel.record(funcs)
}

// track runs the heavier tracking binary, decodes its output into a
// CondStmt list, feeds adjacent pairs into the CFG (including
// indirect-call dominator magic-byte fixup), and stamps is_target.
func (e *Executor) track(id uint64, buf []byte, speed uint32) ([]cond.CondStmt, error) {
	env := e.envs
	envWithTrack := make(map[string]string, len(env)+1)
	for k, v := range env {
		envWithTrack[k] = v
	}
	envWithTrack["TRACK_OUTPUT_VAR"] = e.profile.TrackPath

	start := time.Now()
	if err := e.writeTest(buf); err != nil {
		return nil, err
	}
	status, err := e.runner.Run(context.Background(), e.profile.TrackBin, e.profile.TrackArg, envSlice(envWithTrack),
		MemLimitTrack, time.Duration(e.profile.TimeLimit)*TimeLimitTrackX*time.Second, e.profile.OutFile, e.profile.IsStdin, e.profile.UsesASAN)
	if err != nil {
		return nil, err
	}
	if status != forksrv.StatusNormal {
		e.log.Debugf("tracking run was not normal (%v) for id %d; skipping", status, id)
		return nil, nil
	}

	condList, err := track.Load(e.profile.TrackPath, uint32(id), speed, e.profile.Mode.IsPin(), e.profile.EnableExploitation)
	if err != nil {
		return nil, err
	}

	indDominatorOffsets := map[uint32][]cond.TaintRange{}
	var indCondList []cond.CondStmt

	for i := 0; i+1 < len(condList); i++ {
		a, b := condList[i], condList[i+1]
		e.cfg.AddEdge(a.CmpID, b.CmpID)

		if e.cfg.DominatesIndirectCall(a.CmpID) {
			indDominatorOffsets[a.CmpID] = a.Offsets
		}

		if b.LastCallsite != 0 {
			e.cfg.SetEdgeIndirect(a.CmpID, b.CmpID, b.LastCallsite)
			dominators := e.cfg.GetCallsiteDominators(b.LastCallsite)

			var fixedOffsets []cond.TaintRange
			for _, d := range dominators {
				if offs, ok := indDominatorOffsets[d]; ok {
					fixedOffsets = append(fixedOffsets, offs...)
				}
			}
			magic := bytesAtOffsets(buf, fixedOffsets)
			e.cfg.SetMagicBytes(a.CmpID, b.CmpID, b.LastCallsite, magic)

			fixed := b.Clone()
			fixed.Offsets = append(fixed.Offsets, fixedOffsets...)
			for idx, v := range magic {
				// The last variable slot is the tracker's compared value,
				// never a magic-byte target; preserve the < len-1 bound.
				if int(idx) < len(fixed.Variables)-1 {
					fixed.Variables[idx] = v
				}
			}
			indCondList = append(indCondList, fixed)
		}
	}

	for i := range condList {
		if e.cfg.IsTarget(condList[i].CmpID) {
			condList[i].SetTarget(true)
		}
	}
	condList = append(condList, indCondList...)

	e.local.TrackTime += time.Since(start)
	return condList, nil
}

func bytesAtOffsets(buf []byte, offsets []cond.TaintRange) map[uint32]byte {
	out := make(map[uint32]byte)
	for _, o := range offsets {
		for i := o.Begin; i < o.End && int(i) < len(buf); i++ {
			out[i] = buf[i]
		}
	}
	return out
}

// UpdateLog drains this worker's local stats into the shared
// ChartStats and resets per-run bookkeeping, matching the periodic
// sync the original runtime performs every few seconds.
func (e *Executor) UpdateLog() {
	if e.globalStats != nil {
		e.globalStats.SyncFromLocal(&e.local)
	}
	e.tmoutCnt = 0
	e.invariableCnt = 0
	e.lastF = shm.Unreachable
}

// RandomInputBuf returns a uniformly random previously-accepted input,
// used to seed new mutation rounds.
func (e *Executor) RandomInputBuf() ([]byte, error) {
	if e.depot.Empty() {
		return nil, fmt.Errorf("executor: depot has no inputs yet")
	}
	return e.depot.GetInputBuf(e.depot.NextRandom())
}
