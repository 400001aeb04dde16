// Package depot owns the on-disk corpus (seeds/queue/hangs/crashes)
// and the priority queue of conditions awaiting solving, mediating all
// access to both the CFG's distance scores.
package depot

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/LockOne/parmesan/internal/cfg"
	"github.com/LockOne/parmesan/internal/cond"
	"github.com/LockOne/parmesan/internal/forksrv"
)

// Dirs is the on-disk layout for one fuzzing run's corpus.
type Dirs struct {
	Seeds   string
	Queue   string
	Hangs   string
	Crashes string
}

// NewDirs derives the corpus directory layout from an output
// directory and ensures each subdirectory exists.
func NewDirs(outDir string) (Dirs, error) {
	d := Dirs{
		Seeds:   filepath.Join(outDir, "seeds"),
		Queue:   filepath.Join(outDir, "queue"),
		Hangs:   filepath.Join(outDir, "hangs"),
		Crashes: filepath.Join(outDir, "crashes"),
	}
	for _, dir := range []string{d.Seeds, d.Queue, d.Hangs, d.Crashes} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Dirs{}, fmt.Errorf("depot: create %s: %w", dir, err)
		}
	}
	return d, nil
}

// OriginCond identifies the condition whose fuzzing produced a batch
// of newly tracked conditions, used only to annotate the branch
// coverage ledger.
type OriginCond struct {
	CmpID uint32
	Func  uint32
}

// BranchCoverageRecord notes that exploring origin's both outcomes
// fully explored a downstream condition (explored.CmpID/Func), i.e.
// the downstream branch is "done" from having seen both its sides.
type BranchCoverageRecord struct {
	OriginCmpID   uint32
	OriginFunc    uint32
	ExploredCmpID uint32
	ExploredFunc  uint32
}

// Depot is the shared corpus and priority queue every worker reads
// from and writes into.
type Depot struct {
	mu    sync.Mutex
	queue *priorityQueue

	numInputs  atomic.Uint64
	numHangs   atomic.Uint64
	numCrashes atomic.Uint64

	dirs Dirs
	cfg  *cfg.Graph

	branchCovMu sync.Mutex
	branchCov   []BranchCoverageRecord
}

// New builds an empty depot rooted at outDir, sharing the given CFG
// with the executors that will call UpdateEntry/AddEntries.
func New(outDir string, graph *cfg.Graph) (*Depot, error) {
	dirs, err := NewDirs(outDir)
	if err != nil {
		return nil, err
	}
	return &Depot{
		queue: newPriorityQueue(),
		dirs:  dirs,
		cfg:   graph,
	}, nil
}

func getFileName(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("id_%06d", id))
}

// Save writes buf to the directory matching status and returns its
// new id. Statuses other than Normal/Timeout/Crash (Error, Skip) are
// not persisted and return 0.
func (d *Depot) Save(status forksrv.Status, buf []byte, cmpid uint32) (uint64, error) {
	var counter *atomic.Uint64
	var dir string
	switch status {
	case forksrv.StatusNormal:
		counter, dir = &d.numInputs, d.dirs.Queue
	case forksrv.StatusTimeout:
		counter, dir = &d.numHangs, d.dirs.Hangs
	case forksrv.StatusCrash:
		counter, dir = &d.numCrashes, d.dirs.Crashes
	default:
		return 0, nil
	}
	id := counter.Add(1) - 1
	path := getFileName(dir, id)
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("depot: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return 0, fmt.Errorf("depot: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("depot: flush %s: %w", path, err)
	}
	return id, nil
}

// Empty reports whether the accepted-input queue has ever received an
// input.
func (d *Depot) Empty() bool { return d.numInputs.Load() == 0 }

// NextRandom returns a uniformly random existing queue input id.
func (d *Depot) NextRandom() uint64 {
	n := d.numInputs.Load()
	if n == 0 {
		return 0
	}
	return uint64(rand.Int63n(int64(n)))
}

// GetInputBuf reads back a previously saved queue input.
func (d *Depot) GetInputBuf(id uint64) ([]byte, error) {
	return os.ReadFile(getFileName(d.dirs.Queue, id))
}

// GetEntry peeks the highest-priority live condition and demotes it in
// place so repeatedly handing out the same unsolved condition doesn't
// starve its siblings. Returns false if the queue is empty or the top
// entry is already done.
func (d *Depot) GetEntry() (cond.CondStmt, cond.QPriority, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.queue.Peek()
	if !ok || e.priority.IsDone() {
		return cond.CondStmt{}, cond.QPriority{}, false
	}
	result, priority := e.cond, e.priority
	if !priority.IsDone() {
		d.queue.ChangePriority(e, priority.Inc(result.Op))
	}
	return result, priority, true
}

// AddEntries merges a batch of newly tracked conditions (all produced
// by fuzzing the same origin run) into the queue. origin identifies
// that run for the branch coverage ledger.
func (d *Depot) AddEntries(conds []cond.CondStmt, origin OriginCond) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range conds {
		if !c.IsDesirable {
			continue
		}
		distance := d.cfg.ScoreForCmpInp(c.CmpID, c.Variables)

		existing, ok := d.queue.Get(c.Key())
		if !ok {
			d.queue.Put(c, cond.NewPriority(c.Op, distance))
			continue
		}
		if existing.priority.IsDone() {
			continue
		}
		if existing.cond.Condition != c.Condition {
			// The same branch occurrence reported a different outcome
			// than before: both sides are now explored.
			d.branchCovMu.Lock()
			d.branchCov = append(d.branchCov, BranchCoverageRecord{
				OriginCmpID:   origin.CmpID,
				OriginFunc:    origin.Func,
				ExploredCmpID: existing.cond.CmpID,
				ExploredFunc:  existing.cond.Func,
			})
			d.branchCovMu.Unlock()
			existing.cond.MarkAsDone()
			d.queue.ChangePriority(existing, cond.Done())
			continue
		}
		if preferFastCond && existing.cond.Speed > c.Speed {
			existing.cond = c
			d.queue.ChangePriority(existing, cond.NewPriority(c.Op, distance))
		}
	}
}

// preferFastCond mirrors the original runtime's config::PREFER_FAST_COND:
// when two equivalent conditions are seen, keep whichever one runs
// faster, since its track pass is cheaper to re-run while solving.
const preferFastCond = true

// UpdateEntry replaces an existing entry's condition data (e.g. after
// a resolve attempt updates its variables/offsets) and recomputes its
// distance. If the updated condition is now discarded, it is frozen as
// done and its target status is cleared from the CFG.
func (d *Depot) UpdateEntry(c cond.CondStmt) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.queue.Get(c.Key())
	if !ok {
		return
	}
	e.cond = c
	distance := d.cfg.ScoreForCmp(c.CmpID)
	d.queue.ChangePriority(e, e.priority.WithDistance(distance))

	if c.IsDiscarded() {
		d.queue.ChangePriority(e, cond.Done())
		d.cfg.RemoveTarget(c.CmpID)
	}
}

// BranchCoverage returns a snapshot of the branch-coverage ledger
// accumulated so far, for the final branch_cov.txt dump.
func (d *Depot) BranchCoverage() []BranchCoverageRecord {
	d.branchCovMu.Lock()
	defer d.branchCovMu.Unlock()
	return append([]BranchCoverageRecord(nil), d.branchCov...)
}

// Counts returns the number of saved normal inputs, hangs, and
// crashes, for stats reporting.
func (d *Depot) Counts() (inputs, hangs, crashes uint64) {
	return d.numInputs.Load(), d.numHangs.Load(), d.numCrashes.Load()
}

// ExploreCount returns the number of live (not done) exploration-class
// entries still in the queue. The worker pool watches this value
// stall across rounds as one half of its termination condition.
func (d *Depot) ExploreCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, e := range d.queue.items {
		if !e.priority.IsDone() && e.priority.Class == cond.ClassExploration {
			n++
		}
	}
	return n
}
