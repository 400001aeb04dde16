package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/LockOne/parmesan/internal/cfg"
	"github.com/LockOne/parmesan/internal/command"
	"github.com/LockOne/parmesan/internal/depot"
	"github.com/LockOne/parmesan/internal/executor"
	"github.com/LockOne/parmesan/internal/shm"
	"github.com/LockOne/parmesan/internal/stats"
)

func newReplayCmd() *cobra.Command {
	var input, trackTarget, mode, scratchDir string
	c := &cobra.Command{
		Use:   "replay -- target [args...]",
		Short: "Re-run a single saved input against the fast binary and report which bucket it classifies into",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash < 0 {
				return fmt.Errorf("parmesan replay: expected a target after --")
			}
			return replay(cmd, input, trackTarget, mode, scratchDir, args[dash:])
		},
	}
	c.Flags().StringVar(&input, "input", "", "Path to the saved input to replay, e.g. crashes/id_000001")
	c.Flags().StringVarP(&trackTarget, "track", "t", "", "Path to the taint-tracking binary, run when the replayed input is Normal with new coverage (default: the target binary)")
	c.Flags().StringVar(&mode, "mode", "llvm", "Instrumentation mode: llvm or pin")
	c.Flags().StringVar(&scratchDir, "scratch", "", "Scratch directory for the replay's tmp files (default: a temp dir)")
	c.MarkFlagRequired("input")
	return c
}

func replay(cmd *cobra.Command, inputPath, trackTarget, mode, scratchDir string, targetArgs []string) error {
	buf, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("parmesan replay: reading %s: %w", inputPath, err)
	}

	if scratchDir == "" {
		dir, err := os.MkdirTemp("", "parmesan-replay-*")
		if err != nil {
			return fmt.Errorf("parmesan replay: creating scratch dir: %w", err)
		}
		defer os.RemoveAll(dir)
		scratchDir = dir
	}

	if trackTarget == "" {
		trackTarget = targetArgs[0]
	}
	profile, err := command.New(command.Options{
		Mode:        mode,
		TrackTarget: trackTarget,
		MainArgs:    targetArgs,
		OutDir:      scratchDir,
	})
	if err != nil {
		return err
	}
	defer profile.Close()

	graph := cfg.New()
	d, err := depot.New(scratchDir, graph)
	if err != nil {
		return err
	}

	exec, err := executor.New(profile, executor.Options{
		GlobalBranches: shm.NewGlobalBranches(shm.BranchMapSize),
		Depot:          d,
		CFG:            graph,
		FuncRel:        executor.NewFuncRelMatrix(1),
		GlobalStats:    stats.NewChartStats(time.Now()),
	})
	if err != nil {
		return err
	}
	defer exec.Close()

	before := counts(d)
	if err := exec.RunSync(buf); err != nil {
		return fmt.Errorf("parmesan replay: run failed: %w", err)
	}
	after := counts(d)

	out := cmd.OutOrStdout()
	switch {
	case after.crashes > before.crashes:
		fmt.Fprintln(out, "crash")
	case after.hangs > before.hangs:
		fmt.Fprintln(out, "hang")
	case after.inputs > before.inputs:
		fmt.Fprintln(out, "normal (new coverage)")
	default:
		fmt.Fprintln(out, "normal (no new coverage)")
	}
	return nil
}

type countSnapshot struct{ inputs, hangs, crashes uint64 }

func counts(d *depot.Depot) countSnapshot {
	inputs, hangs, crashes := d.Counts()
	return countSnapshot{inputs, hangs, crashes}
}
