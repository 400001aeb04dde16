// Package shm manages the SysV shared memory regions a worker exposes
// to its instrumented child: the branch bitmap and the condition
// descriptor slot. Both are created by the parent and handed to the
// child only as a numeric shm id carried in an environment variable.
package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Environment variable names the instrumented runtime reads to find
// its shared memory regions.
const (
	BranchesShmEnvVar = "BRANCHES_SHM_ENV_VAR"
	CondStmtEnvVar    = "COND_STMT_ENV_VAR"
)

// BranchMapSize is the byte size of the branch bitmap: one hit-count
// bucket per edge-hash slot. Matches the classic AFL-style 2^16 map;
// the original runtime's exact constant lives in a defs module that
// was not part of the retrieved source, so this is a documented,
// behavior-preserving choice rather than a transcribed value.
const BranchMapSize = 1 << 16

// Unreachable is the ShmConds sentinel meaning the installed condition
// was not hit during the run. Zero means "satisfied".
const Unreachable uint64 = ^uint64(0)

// Region is one SysV shared memory segment attached into this
// process's address space.
type Region struct {
	id   int
	addr []byte
}

// Create allocates a new private shared memory segment of size bytes
// and attaches it into this process.
func Create(size int) (*Region, error) {
	id, err := unix.SysvShmget(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: shmget: %w", err)
	}
	addr, err := unix.SysvShmat(id, 0, 0)
	if err != nil {
		_, _ = unix.SysvShmctl(id, unix.IPC_RMID, nil)
		return nil, fmt.Errorf("shm: shmat: %w", err)
	}
	return &Region{id: id, addr: addr}, nil
}

// ID is the numeric shm identifier to pass to the child via env var.
func (r *Region) ID() int { return r.id }

// Bytes exposes the region's backing memory directly; callers must
// not retain the slice past Close.
func (r *Region) Bytes() []byte { return r.addr }

// Clear zeroes the region in place, used between runs so a worker's
// bitmap only reflects the run just executed.
func (r *Region) Clear() {
	for i := range r.addr {
		r.addr[i] = 0
	}
}

// Close detaches the region and marks it for destruction. Only the
// owning worker (the one that called Create) should call this; shm
// segments marked IPC_RMID are destroyed once the last attacher
// detaches, so this is safe to call exactly once per Region.
func (r *Region) Close() error {
	if r.addr != nil {
		if err := unix.SysvShmdt(r.addr); err != nil {
			return fmt.Errorf("shm: shmdt: %w", err)
		}
		r.addr = nil
	}
	if _, err := unix.SysvShmctl(r.id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("shm: shmctl(IPC_RMID): %w", err)
	}
	return nil
}
