package shm

import (
	"encoding/binary"
	"unsafe"
)

// condSlotWire is the exact byte layout of the ShmConds region: the
// condition currently installed for tracking (written by the parent
// before each run_with_cond execution) and the distance output the
// instrumented runtime reports back (written by the target).
type condSlotWire struct {
	CmpID   uint32
	Context uint32
	Order   uint32
	_       uint32 // padding, keeps F 8-byte aligned
	F       uint64
}

const condSlotSize = 24

var _ [condSlotSize]byte = [unsafe.Sizeof(condSlotWire{})]byte{}

// CondSlot is a typed view over the ShmConds shared memory region.
type CondSlot struct {
	region *Region
}

// NewCondSlot allocates the backing region for a condition descriptor
// slot.
func NewCondSlot() (*CondSlot, error) {
	r, err := Create(condSlotSize)
	if err != nil {
		return nil, err
	}
	return &CondSlot{region: r}, nil
}

// Region exposes the underlying shm region, e.g. to read its id for
// the environment variable passed to the child.
func (s *CondSlot) Region() *Region { return s.region }

// Install writes the condition identity the next run should track,
// and resets the reported distance to Unreachable so a crash or a
// target that never reaches the instrumentation point is detected as
// such rather than reading stale data from a previous run.
func (s *CondSlot) Install(cmpID, context, order uint32) {
	b := s.region.Bytes()
	binary.LittleEndian.PutUint32(b[0:4], cmpID)
	binary.LittleEndian.PutUint32(b[4:8], context)
	binary.LittleEndian.PutUint32(b[8:12], order)
	binary.LittleEndian.PutUint64(b[16:24], Unreachable)
}

// ReadDistance returns the distance value the target wrote for the
// currently installed condition.
func (s *CondSlot) ReadDistance() uint64 {
	b := s.region.Bytes()
	return binary.LittleEndian.Uint64(b[16:24])
}

// Close releases the backing shared memory.
func (s *CondSlot) Close() error { return s.region.Close() }
