package shm

import "testing"

func TestDiffDetectsNewEdgeOnFirstHit(t *testing.T) {
	g := NewGlobalBranches(8)
	run := make([]byte, 8)
	run[3] = 1

	hasNewPath, hasNewEdge, edgeCount := g.Diff(run)
	if !hasNewPath || !hasNewEdge {
		t.Fatalf("expected new path and new edge on first hit, got path=%v edge=%v", hasNewPath, hasNewEdge)
	}
	if edgeCount != 1 {
		t.Fatalf("expected edgeCount 1, got %d", edgeCount)
	}
}

func TestDiffIgnoresRepeatedHitsAtSameBucket(t *testing.T) {
	g := NewGlobalBranches(8)
	run := make([]byte, 8)
	run[3] = 1
	g.Diff(run)

	hasNewPath, hasNewEdge, _ := g.Diff(run)
	if hasNewPath || hasNewEdge {
		t.Fatal("expected no new coverage on an identical repeated run")
	}
}

func TestDiffDetectsNewPathWithoutNewEdgeOnHigherBucket(t *testing.T) {
	g := NewGlobalBranches(8)
	run := make([]byte, 8)
	run[3] = 1
	g.Diff(run)

	run[3] = 10 // same edge, higher classify() bucket
	hasNewPath, hasNewEdge, _ := g.Diff(run)
	if !hasNewPath {
		t.Fatal("expected a higher hit-count bucket to count as a new path")
	}
	if hasNewEdge {
		t.Fatal("a higher bucket on an already-seen edge must not count as a new edge")
	}
}

func TestClassifyIsMonotonicNondecreasing(t *testing.T) {
	prev := byte(0)
	for c := 0; c < 256; c++ {
		got := classify(byte(c))
		if got < prev {
			t.Fatalf("classify(%d) = %d is lower than classify(%d) = %d", c, got, c-1, prev)
		}
		prev = got
	}
}
