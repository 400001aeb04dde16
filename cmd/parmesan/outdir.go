package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/LockOne/parmesan/internal/depot"
	"github.com/LockOne/parmesan/internal/executor"
	"github.com/LockOne/parmesan/internal/stats"
)

// staleRunLineLimit is the angora.csv line-count threshold below which
// a pre-existing out_dir is treated as an incomplete previous run and
// wiped rather than reused. This is policy, not fuzzing mechanism —
// kept here in cmd/parmesan rather than internal/depot.
const staleRunLineLimit = 200

// initOutDir prepares out_dir for a fresh run. If out_dir already
// holds an angora.csv with more than staleRunLineLimit lines, it's
// treated as a completed or well-progressed prior run and refused
// rather than silently overwritten; fewer lines (or no file at all)
// means either a brand-new or a barely-started run, safe to clear.
func initOutDir(outDir string) error {
	csvPath := filepath.Join(outDir, "angora.csv")
	lines, err := countLines(csvPath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(outDir, 0o755)
		}
		return fmt.Errorf("cmd/parmesan: reading %s: %w", csvPath, err)
	}
	if lines > staleRunLineLimit {
		return fmt.Errorf("cmd/parmesan: %s already holds a %d-line angora.csv; refusing to overwrite a prior run, pick a fresh --out", outDir, lines)
	}
	if err := os.RemoveAll(outDir); err != nil {
		return fmt.Errorf("cmd/parmesan: clearing stale out_dir %s: %w", outDir, err)
	}
	return os.MkdirAll(outDir, 0o755)
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

// writePIDFile writes the fuzzer_stats file's single documented line.
func writePIDFile(outDir string) error {
	path := filepath.Join(outDir, "fuzzer_stats")
	return os.WriteFile(path, []byte(fmt.Sprintf("fuzzer_pid : %d\n", os.Getpid())), 0o644)
}

// angoraCSVWriter appends one row to angora.csv per refresh tick, the
// periodic chart-stats dump spec.md's on-disk layout documents.
type angoraCSVWriter struct {
	f   *os.File
	w   *csv.Writer
	hdr bool
}

func newAngoraCSVWriter(outDir string) (*angoraCSVWriter, error) {
	f, err := os.OpenFile(filepath.Join(outDir, "angora.csv"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cmd/parmesan: open angora.csv: %w", err)
	}
	info, _ := f.Stat()
	return &angoraCSVWriter{f: f, w: csv.NewWriter(f), hdr: info != nil && info.Size() > 0}, nil
}

func (a *angoraCSVWriter) Write(snap stats.Snapshot) error {
	if !a.hdr {
		a.w.Write([]string{"unix_time", "execs", "execs_per_sec", "find_normal", "find_timeout", "find_crash", "avg_edge_num", "avg_exec_time_us"})
		a.hdr = true
	}
	row := []string{
		strconv.FormatInt(time.Now().Unix(), 10),
		strconv.FormatUint(snap.NumExec, 10),
		strconv.FormatFloat(snap.ExecPerSec, 'f', 2, 64),
		strconv.FormatUint(snap.FindNormal, 10),
		strconv.FormatUint(snap.FindTimeout, 10),
		strconv.FormatUint(snap.FindCrash, 10),
		strconv.FormatFloat(snap.AvgEdgeNum, 'f', 2, 64),
		strconv.FormatFloat(snap.AvgExecTime, 'f', 2, 64),
	}
	if err := a.w.Write(row); err != nil {
		return err
	}
	a.w.Flush()
	return a.w.Error()
}

func (a *angoraCSVWriter) Close() error { return a.f.Close() }

// writeFuncRels dumps the function co-execution matrix to func_rels.csv
// on shutdown: one row per function, one column per function.
func writeFuncRels(outDir string, m *executor.FuncRelMatrix) error {
	f, err := os.Create(filepath.Join(outDir, "func_rels.csv"))
	if err != nil {
		return fmt.Errorf("cmd/parmesan: create func_rels.csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	for _, row := range m.Snapshot() {
		rec := make([]string, len(row))
		for i, v := range row {
			rec[i] = strconv.FormatUint(v, 10)
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return w.Error()
}

// writeBranchCoverage dumps the depot's branch-coverage ledger to
// branch_cov.txt on shutdown, per spec.md's documented CSV shape:
// (target_cmpid, target_func, covered_cmpid, covered_func).
func writeBranchCoverage(outDir string, d *depot.Depot) error {
	f, err := os.Create(filepath.Join(outDir, "branch_cov.txt"))
	if err != nil {
		return fmt.Errorf("cmd/parmesan: create branch_cov.txt: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	for _, rec := range d.BranchCoverage() {
		row := []string{
			strconv.FormatUint(uint64(rec.OriginCmpID), 10),
			strconv.FormatUint(uint64(rec.OriginFunc), 10),
			strconv.FormatUint(uint64(rec.ExploredCmpID), 10),
			strconv.FormatUint(uint64(rec.ExploredFunc), 10),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}
