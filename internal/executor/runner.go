package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/LockOne/parmesan/internal/forksrv"
)

// ProcessRunner spawns a target directly, bypassing the fork server.
// It is used for the track-binary invocation (which always runs
// fresh, one process per call) and as the fallback path when no fork
// server is attached. Tests inject a fake implementation so the
// pipeline can be exercised without a real instrumented binary.
type ProcessRunner interface {
	Run(ctx context.Context, bin string, args []string, env []string, memLimitBytes uint64, timeLimit time.Duration, inputPath string, isStdin bool, usesASAN bool) (forksrv.Status, error)
}

// execRunner is the real ProcessRunner, grounded on the teacher's
// exec.CommandContext + process-group signal-forwarding idiom
// (internal/exec/exec.go's Run), generalized from "shell out to a
// Python/Java process" to "spawn an instrumented target and classify
// its exit".
type execRunner struct{}

// NewProcessRunner returns the production ProcessRunner.
func NewProcessRunner() ProcessRunner { return execRunner{} }

func (execRunner) Run(ctx context.Context, bin string, args []string, env []string, memLimitBytes uint64, timeLimit time.Duration, inputPath string, isStdin bool, usesASAN bool) (forksrv.Status, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeLimit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeLimit)
		defer cancel()
	}

	name, fullArgs := bin, args
	if memLimitBytes > 0 {
		// No cgo rlimit hook is available from exec.Cmd, so memory
		// capping goes through a shell ulimit wrapper, same as AFL's
		// own afl-forkserver does in the no-cgroup fallback path.
		memKB := memLimitBytes / 1024
		script := fmt.Sprintf("ulimit -v %d; exec \"$0\" \"$@\"", memKB)
		name = "/bin/sh"
		fullArgs = append([]string{"-c", script, bin}, args...)
	}

	cmd := exec.CommandContext(runCtx, name, fullArgs...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout, cmd.Stderr = nil, nil

	if isStdin {
		f, err := os.Open(inputPath)
		if err != nil {
			return forksrv.StatusError, fmt.Errorf("executor: open input: %w", err)
		}
		defer f.Close()
		cmd.Stdin = f
	}

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		killProcessGroup(cmd)
		return forksrv.StatusTimeout, nil
	}
	if err == nil {
		return forksrv.StatusNormal, nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return forksrv.StatusError, fmt.Errorf("executor: spawn target: %w", err)
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return forksrv.StatusCrash, nil
	}
	if ws.Signaled() || (usesASAN && ws.ExitStatus() == msanErrorCode) {
		return forksrv.StatusCrash, nil
	}
	return forksrv.StatusNormal, nil
}

const msanErrorCode = 86

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// envSlice flattens an env map into the KEY=VALUE slice os/exec wants.
func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func itoa(v int) string { return strconv.Itoa(v) }
