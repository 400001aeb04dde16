package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LockOne/parmesan/internal/cfg"
	"github.com/LockOne/parmesan/internal/command"
	"github.com/LockOne/parmesan/internal/dashboard"
	"github.com/LockOne/parmesan/internal/depot"
	"github.com/LockOne/parmesan/internal/executor"
	"github.com/LockOne/parmesan/internal/fuzzconfig"
	"github.com/LockOne/parmesan/internal/pool"
	"github.com/LockOne/parmesan/internal/shm"
	"github.com/LockOne/parmesan/internal/stats"
)

// defaultNumFuncs sizes the function co-execution matrix when
// --num-of-func-file is absent. A real target's instrumentation pass
// knows its exact function count; this is only a fallback for quick
// runs against small targets.
const defaultNumFuncs = 1024

func runFuzz(cmd *cobra.Command, targetArgs []string) error {
	if err := loadDefaults(cmd); err != nil {
		return err
	}
	if err := preflight(targetArgs); err != nil {
		return err
	}
	if err := initOutDir(f.outDir); err != nil {
		return err
	}
	if err := writePIDFile(f.outDir); err != nil {
		return err
	}

	runID := uuid.NewString()
	log := newLogger(f.outDir, f.verbose)
	entry := log.WithField("run_id", runID)

	if err := appendRunID(f.outDir, runID); err != nil {
		entry.WithError(err).Warn("cmd/parmesan: failed to stamp run id into fuzzer_stats")
	}

	graph := cfg.New()
	if f.targetsFile != "" {
		tf, err := fuzzconfig.LoadTargetsFile(f.targetsFile)
		if err != nil {
			return err
		}
		tf.Apply(graph)
	} else if f.directedOnly {
		return fmt.Errorf("cmd/parmesan: --directed-only requires --targets")
	}

	d, err := depot.New(f.outDir, graph)
	if err != nil {
		return err
	}

	numFuncs, err := readNumFuncs(f.numOfFuncFile)
	if err != nil {
		return err
	}
	funcRel := executor.NewFuncRelMatrix(numFuncs)
	chart := stats.NewChartStats(time.Now())
	globalBranches := shm.NewGlobalBranches(shm.BranchMapSize)

	memLimitBytes := f.memLimitMB * 1024 * 1024
	profile, err := command.New(command.Options{
		Mode:               f.mode,
		TrackTarget:        f.trackTarget,
		MainArgs:           targetArgs,
		OutDir:             f.outDir,
		MemLimit:           memLimitBytes,
		TimeLimit:          f.timeLimitSec,
		EnableAFL:          f.enableAFL,
		EnableExploitation: f.enableExploitation,
		DirectedTargets:    f.targetsFile,
		SanoptTarget:       f.sanoptTarget,
		DirectedOnly:       f.directedOnly,
		ClangLibDir:        f.clangLibDir,
	})
	if err != nil {
		return err
	}
	defer profile.Close()

	numJobs := f.numJobs
	if numJobs <= 0 {
		numJobs = 1
	}

	p, err := pool.New(pool.Options{
		NumWorkers:  numJobs,
		Profile:     profile,
		Depot:       d,
		CFG:         graph,
		FuncRel:     funcRel,
		GlobalStats: chart,
		SyncAFL:     f.syncAFL,
		SyncDirs:    f.syncDirs,
		Log:         entry,
	}, globalBranches)
	if err != nil {
		return err
	}

	if err := importInitialSeeds(profile, d, graph, funcRel, chart, globalBranches, entry, f.inDir); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("cmd/parmesan: signal received, shutting down")
		p.Stop()
		cancel()
	}()

	var running atomic.Bool
	running.Store(true)

	reg := prometheus.NewRegistry()
	metrics, err := stats.NewMetrics(reg, chart)
	if err != nil {
		return err
	}
	if f.metricsAddr != "" {
		serveMetrics(ctx, f.metricsAddr, reg, &running)
	}

	csvWriter, err := newAngoraCSVWriter(f.outDir)
	if err != nil {
		return err
	}
	defer csvWriter.Close()

	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				metrics.Refresh()
				_ = csvWriter.Write(chart.Snapshot())
				return
			case <-ticker.C:
				metrics.Refresh()
				if err := csvWriter.Write(chart.Snapshot()); err != nil {
					entry.WithError(err).Warn("cmd/parmesan: angora.csv write failed")
				}
			}
		}
	}()

	var runErr error
	if f.dashboard {
		m := dashboard.New(runID, chart, d, p)
		poolDone := make(chan struct{})
		go func() {
			defer close(poolDone)
			runErr = p.Run(ctx)
		}()
		_ = dashboard.Run(m)
		cancel()
		<-poolDone
	} else {
		runErr = p.Run(ctx)
	}

	running.Store(false)
	<-statsDone

	if err := writeFuncRels(f.outDir, funcRel); err != nil {
		entry.WithError(err).Warn("cmd/parmesan: failed to write func_rels.csv")
	}
	if err := writeBranchCoverage(f.outDir, d); err != nil {
		entry.WithError(err).Warn("cmd/parmesan: failed to write branch_cov.txt")
	}

	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	return nil
}

// preflight aggregates every setup-fatal prerequisite failure into a
// single report, mirroring the teacher's CheckPrerequisites returning
// every missing requirement at once rather than failing fast on the
// first one.
func preflight(targetArgs []string) error {
	var result *multierror.Error

	if len(targetArgs) == 0 {
		result = multierror.Append(result, fmt.Errorf("missing target: pass the binary (and args) after --"))
	}
	if f.outDir == "" {
		result = multierror.Append(result, fmt.Errorf("--out is required"))
	}
	if f.trackTarget == "" {
		result = multierror.Append(result, fmt.Errorf("--track is required"))
	} else if _, err := os.Stat(f.trackTarget); err != nil {
		result = multierror.Append(result, fmt.Errorf("--track %s: %w", f.trackTarget, err))
	}
	if len(targetArgs) > 0 {
		if _, err := os.Stat(targetArgs[0]); err != nil {
			result = multierror.Append(result, fmt.Errorf("target binary %s: %w", targetArgs[0], err))
		}
	}
	if f.inDir != "" {
		entries, err := os.ReadDir(f.inDir)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("--in %s: %w", f.inDir, err))
		} else if len(entries) == 0 {
			result = multierror.Append(result, fmt.Errorf("--in %s: no seed files found", f.inDir))
		}
	}
	if f.directedOnly && f.targetsFile == "" {
		result = multierror.Append(result, fmt.Errorf("--directed-only requires --targets"))
	}
	if f.targetsFile != "" {
		if _, err := fuzzconfig.LoadTargetsFile(f.targetsFile); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func readNumFuncs(path string) (int, error) {
	if path == "" {
		return defaultNumFuncs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("cmd/parmesan: reading --num-of-func-file: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("cmd/parmesan: --num-of-func-file must contain a single integer: %w", err)
	}
	return n, nil
}

func appendRunID(outDir, runID string) error {
	path := filepath.Join(outDir, "fuzzer_stats")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(fmt.Sprintf("run_id : %s\n", runID))
	return err
}

// importInitialSeeds runs every file in inDir through a scratch
// executor's RunSync, populating the depot's queue before the worker
// pool starts pulling from it. Without this, every worker's first
// RandomInputBuf call would fail on an empty depot.
func importInitialSeeds(profile *command.Profile, d *depot.Depot, graph *cfg.Graph, funcRel *executor.FuncRelMatrix, chart *stats.ChartStats, globalBranches *shm.GlobalBranches, log *logrus.Entry, inDir string) error {
	if inDir == "" {
		return nil
	}
	entries, err := os.ReadDir(inDir)
	if err != nil {
		return fmt.Errorf("cmd/parmesan: reading --in: %w", err)
	}

	seedProfile := profile.Specialise(-1)
	defer seedProfile.Close()
	exec, err := executor.New(seedProfile, executor.Options{
		GlobalBranches: globalBranches,
		Depot:          d,
		CFG:            graph,
		FuncRel:        funcRel,
		GlobalStats:    chart,
		Log:            log.WithField("worker", "seed-import"),
	})
	if err != nil {
		return fmt.Errorf("cmd/parmesan: seed importer: %w", err)
	}
	defer exec.Close()

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(inDir, e.Name()))
		if err != nil {
			log.WithError(err).Warnf("cmd/parmesan: skipping unreadable seed %s", e.Name())
			continue
		}
		if err := exec.RunSync(buf); err != nil {
			log.WithError(err).Warnf("cmd/parmesan: seed %s failed to run", e.Name())
		}
	}
	return nil
}
