package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/LockOne/parmesan/internal/fuzzconfig"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// flags holds every parmesan flag, defaulted from fuzzconfig.RunConfig
// when --config points at a parmesan.toml, then overridden by whatever
// the user passed explicitly on the command line.
type flags struct {
	mode               string
	inDir              string
	outDir             string
	trackTarget        string
	numJobs            int
	memLimitMB         uint64
	timeLimitSec       uint64
	searchMethod       string
	syncAFL            bool
	syncDirs           []string
	enableAFL          bool
	enableExploitation bool
	targetsFile        string
	sanoptTarget       string
	directedOnly       bool
	numOfFuncFile      string
	clangLibDir        string
	configFile         string
	metricsAddr        string
	dashboard          bool
	verbose            bool
}

var f flags

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "parmesan [flags] -- target [args...]",
		Short:         "Directed, coverage-guided greybox fuzzer",
		Version:       fmt.Sprintf("parmesan %s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash < 0 {
				return fmt.Errorf("parmesan: expected a target after --, e.g. parmesan -t track_bin --out out -- ./target @@")
			}
			return runFuzz(cmd, args[dash:])
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&f.configFile, "config", "", "Path to a parmesan.toml run-configuration file (defaults for every flag below)")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "Extra detail to stderr")

	fl := root.Flags()
	fl.StringVar(&f.mode, "mode", "", "Instrumentation mode: llvm or pin")
	fl.StringVar(&f.inDir, "in", "", "Seed input directory")
	fl.StringVar(&f.outDir, "out", "", "Output directory")
	fl.StringVarP(&f.trackTarget, "track", "t", "", "Path to the taint-tracking binary")
	fl.IntVarP(&f.numJobs, "jobs", "j", 0, "Number of parallel worker jobs")
	fl.Uint64Var(&f.memLimitMB, "mem-limit", 0, "Per-run memory limit in MB (0 = unlimited)")
	fl.Uint64Var(&f.timeLimitSec, "time-limit", 0, "Per-run time limit in seconds")
	fl.StringVar(&f.searchMethod, "search-method", "", "Search strategy name (gd, random, ...)")
	fl.BoolVar(&f.syncAFL, "sync-afl", false, "Import seeds from sibling fuzzer output directories")
	fl.StringSliceVar(&f.syncDirs, "sync-dir", nil, "Sibling output directory to import seeds from (repeatable)")
	fl.BoolVar(&f.enableAFL, "enable-afl", false, "Enable AFL-style (undirected) feedback alongside directed search")
	fl.BoolVar(&f.enableExploitation, "enable-exploitation", false, "Enable exploitation-mode condition handling")
	fl.StringVar(&f.targetsFile, "targets", "", "Targets file (TOML): directed target cmpids and indirect-call dominators")
	fl.StringVar(&f.sanoptTarget, "sanopt-target", "", "Optional sanitizer-optimized binary, stored in the command profile; the fuzzing runs, including the unlimited-memory re-run, execute the main target")
	fl.BoolVar(&f.directedOnly, "directed-only", false, "Require --targets; recorded in the command profile, it does not change which conditions are fuzzed")
	fl.StringVar(&f.numOfFuncFile, "num-of-func-file", "", "File holding the target's function count, for sizing the co-execution matrix")
	fl.StringVar(&f.clangLibDir, "clang-lib-dir", "", "Sanitizer runtime library directory, appended to LD_LIBRARY_PATH")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "host:port to serve /metrics and /healthz on; absent by default")
	fl.BoolVar(&f.dashboard, "dashboard", false, "Show a live Bubble Tea stats dashboard while the campaign runs")

	root.AddCommand(newDumpStatsCmd())
	root.AddCommand(newReplayCmd())
	return root
}

// loadDefaults applies --config's parmesan.toml values for any flag the
// user did not explicitly set on the command line. CLI flags always
// win, matching the teacher's config precedence chain.
func loadDefaults(cmd *cobra.Command) error {
	if f.configFile == "" {
		return nil
	}
	rc, err := fuzzconfig.LoadRunConfig(f.configFile)
	if err != nil {
		return err
	}
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if !set("mode") && rc.Mode != "" {
		f.mode = rc.Mode
	}
	if !set("jobs") && rc.NumJobs != 0 {
		f.numJobs = rc.NumJobs
	}
	if !set("mem-limit") && rc.MemLimitMB != 0 {
		f.memLimitMB = rc.MemLimitMB
	}
	if !set("time-limit") && rc.TimeLimitSec != 0 {
		f.timeLimitSec = rc.TimeLimitSec
	}
	if !set("search-method") && rc.SearchMethod != "" {
		f.searchMethod = rc.SearchMethod
	}
	if !set("sync-afl") && rc.SyncAFL {
		f.syncAFL = rc.SyncAFL
	}
	if !set("enable-afl") && rc.EnableAFL {
		f.enableAFL = rc.EnableAFL
	}
	if !set("enable-exploitation") && rc.EnableExploitation {
		f.enableExploitation = rc.EnableExploitation
	}
	if !set("directed-only") && rc.DirectedOnly {
		f.directedOnly = rc.DirectedOnly
	}
	if !set("sanopt-target") && rc.SanoptTarget != "" {
		f.sanoptTarget = rc.SanoptTarget
	}
	if !set("targets") && rc.TargetsFile != "" {
		f.targetsFile = rc.TargetsFile
	}
	if !set("metrics-addr") && rc.MetricsAddr != "" {
		f.metricsAddr = rc.MetricsAddr
	}
	return nil
}

// newLogger builds the process-wide logrus logger, rotated into
// <out_dir>/angora.log via lumberjack exactly as the teacher pairs
// logrus with lumberjack for its daemon log.
func newLogger(outDir string, verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   outDir + "/angora.log",
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     28,
	})
	if verbose {
		log.AddHook(&stderrHook{w: os.Stderr})
	}
	return log
}

// stderrHook additionally writes log lines to stderr when --verbose is
// set, since lumberjack's file writer alone would leave a foreground
// run silent.
type stderrHook struct{ w *os.File }

func (h *stderrHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *stderrHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.w.WriteString(line)
	return err
}
