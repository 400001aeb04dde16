package depot

import (
	"container/heap"

	"github.com/LockOne/parmesan/internal/cond"
)

// entry is one slot in the priority queue: a condition and the
// priority it is currently ordered by. index is maintained by the
// heap implementation so ChangePriority can call heap.Fix directly.
type entry struct {
	cond     cond.CondStmt
	priority cond.QPriority
	index    int
}

// priorityQueue is a container/heap-backed indexed priority queue,
// keyed by a condition's narrow identity so entries can be looked up
// and re-prioritised in place instead of only ever popped. The
// standard library is used here because no third-party priority-queue
// crate appears anywhere in the retrieval pack (see DESIGN.md).
type priorityQueue struct {
	items []*entry
	index map[cond.Key]*entry
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{index: make(map[cond.Key]*entry)}
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Less(i, j int) bool {
	return pq.items[i].priority.Less(pq.items[j].priority)
}

func (pq *priorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(pq.items)
	pq.items = append(pq.items, e)
}

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	pq.items = old[:n-1]
	return e
}

// Put inserts a brand-new condition. Callers must check Get first;
// Put does not overwrite an existing entry with the same identity.
func (pq *priorityQueue) Put(c cond.CondStmt, p cond.QPriority) {
	e := &entry{cond: c, priority: p}
	heap.Push(pq, e)
	pq.index[c.Key()] = e
}

// Get returns the live entry for a condition's identity, if any.
func (pq *priorityQueue) Get(key cond.Key) (*entry, bool) {
	e, ok := pq.index[key]
	return e, ok
}

// ChangePriority updates an existing entry's priority and restores
// the heap invariant.
func (pq *priorityQueue) ChangePriority(e *entry, p cond.QPriority) {
	e.priority = p
	heap.Fix(pq, e.index)
}

// Peek returns the entry with the lowest priority without removing
// it. container/heap keeps items[0] as the minimum at all times, so
// this never needs to pop and re-push.
func (pq *priorityQueue) Peek() (*entry, bool) {
	if len(pq.items) == 0 {
		return nil, false
	}
	return pq.items[0], true
}
